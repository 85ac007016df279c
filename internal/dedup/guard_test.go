package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"dealflow/server/internal/models"
)

func pair(b, p string) models.Pair {
	return models.Pair{BuyerRecordID: b, PropertyRecordID: p}
}

func TestDecide(t *testing.T) {
	skip := BuildSkipSet([]models.Match{
		{ID: "m1", BuyerRecordID: "rec_B1", PropertyRecordID: "rec_P1"},
		{ID: "m2", BuyerRecordID: "rec_B1", PropertyRecordID: "rec_P2"},
		{ID: "orphan", BuyerRecordID: "", PropertyRecordID: "rec_P3"},
	})

	tests := []struct {
		name     string
		pair     models.Pair
		force    bool
		expected Decision
	}{
		{
			name:     "new pair is created",
			pair:     pair("rec_B2", "rec_P1"),
			expected: Decision{Action: ActionCreate},
		},
		{
			name:     "existing pair is skipped",
			pair:     pair("rec_B1", "rec_P1"),
			expected: Decision{Action: ActionSkip, ExistingID: "m1"},
		},
		{
			name:     "existing pair is updated when forced",
			pair:     pair("rec_B1", "rec_P2"),
			force:    true,
			expected: Decision{Action: ActionUpdate, ExistingID: "m2"},
		},
		{
			name:     "forcing a new pair still creates",
			pair:     pair("rec_B9", "rec_P9"),
			force:    true,
			expected: Decision{Action: ActionCreate},
		},
		{
			name:     "matches without a buyer are not indexed",
			pair:     pair("", "rec_P3"),
			expected: Decision{Action: ActionCreate},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Decide(tt.pair, skip, tt.force))
			assert.Equal(t, tt.expected.Action == ActionCreate, ShouldCreate(tt.pair, skip, tt.force))
		})
	}
}

func TestSkipSet_AddPreventsSecondCreate(t *testing.T) {
	skip := BuildSkipSet(nil)
	p := pair("rec_B1", "rec_P1")

	assert.True(t, ShouldCreate(p, skip, false))
	skip.Add(p, "m-new")
	assert.False(t, ShouldCreate(p, skip, false))
	assert.True(t, skip.Contains(p))
}

func TestDuplicates(t *testing.T) {
	dupes := Duplicates([]models.Match{
		{ID: "m1", BuyerRecordID: "b", PropertyRecordID: "p"},
		{ID: "m2", BuyerRecordID: "b", PropertyRecordID: "q"},
		{ID: "m3", BuyerRecordID: "b", PropertyRecordID: "p"},
	})
	assert.Equal(t, []string{"m3"}, dupes)
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "create", ActionCreate.String())
	assert.Equal(t, "update", ActionUpdate.String())
	assert.Equal(t, "skip", ActionSkip.String())
	assert.Equal(t, "unknown", Action(42).String())
}
