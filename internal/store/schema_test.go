package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/server/internal/models"
)

func TestToBuyer(t *testing.T) {
	r := Record{
		ID: "recB1",
		Fields: map[string]interface{}{
			FieldContactID:          " ct_77 ",
			FieldName:               "Ada Lovelace",
			FieldBudgetMin:          "$200,000",
			FieldBudgetMax:          350000.0,
			FieldBedsMin:            2.0,
			FieldPreferredLocations: "Austin, Round Rock ,",
			FieldSearchLatitude:     30.27,
			FieldSearchLongitude:    -97.74,
			FieldSearchRadius:       15.0,
		},
	}

	b := ToBuyer(r)
	assert.Equal(t, "recB1", b.RecordID)
	assert.Equal(t, "ct_77", b.ContactID)
	assert.Equal(t, 200000, b.BudgetMin)
	assert.Equal(t, 350000, b.BudgetMax)
	assert.Equal(t, 2.0, b.BedsMin)
	assert.Equal(t, []string{"Austin", "Round Rock"}, b.PreferredLocations)
	assert.True(t, b.HasSearchArea())
}

func TestToProperty_MissingOptionalFields(t *testing.T) {
	p := ToProperty(Record{ID: "recP1", Fields: map[string]interface{}{
		FieldAddress:       "12 Elm St",
		FieldOpportunityID: "opp_1",
		FieldPrice:         275000.0,
	}})

	assert.Equal(t, "12 Elm St", p.DisplayName())
	assert.Equal(t, "opp_1", p.OpportunityID)
	assert.Equal(t, 275000, p.Price)
	assert.False(t, p.HasCoordinates())
}

func TestToMatch_Activities(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	fields, err := StageFields(models.StageSentToBuyer, []models.Activity{
		{ID: "a1", Type: models.ActivityStageChange, ToStage: models.StageSentToBuyer, CreatedAt: created},
	})
	require.NoError(t, err)
	fields[FieldMatchBuyer] = []interface{}{"recB1"}
	fields[FieldMatchProperty] = []interface{}{"recP1"}
	fields[FieldRelationID] = "rel_1"

	m, err := ToMatch(Record{ID: "recM1", CreatedTime: created, Fields: fields})
	require.NoError(t, err)
	assert.Equal(t, models.StageSentToBuyer, m.Stage)
	assert.Equal(t, "rel_1", m.RelationID)
	require.Len(t, m.Activities, 1)
	assert.Equal(t, models.StageSentToBuyer, m.Activities[0].ToStage)
	assert.Equal(t, models.Pair{BuyerRecordID: "recB1", PropertyRecordID: "recP1"}, m.Pair())
}

func TestToMatch_CorruptActivities(t *testing.T) {
	_, err := ToMatch(Record{ID: "recM1", Fields: map[string]interface{}{FieldActivities: "{not json"}})
	assert.Error(t, err)
}

func TestToMatches_KeepsCorruptActivities(t *testing.T) {
	matches := toMatches([]Record{
		{ID: "recM1", Fields: map[string]interface{}{FieldMatchBuyer: []interface{}{"recB1"}}},
		{ID: "recM2", Fields: map[string]interface{}{
			FieldMatchBuyer: []interface{}{"recB1"},
			FieldMatchStage: string(models.StageOfferMade),
			FieldActivities: "not json",
		}},
	})

	require.Len(t, matches, 2)
	assert.Equal(t, "recM2", matches[1].ID)
	assert.Equal(t, models.StageOfferMade, matches[1].Stage)
	assert.Empty(t, matches[1].Activities)
}

func TestStageFields_ClearsInitialStage(t *testing.T) {
	fields, err := StageFields(models.StageNone, nil)
	require.NoError(t, err)
	v, ok := fields[FieldMatchStage]
	assert.True(t, ok)
	assert.Nil(t, v)
	assert.Nil(t, RelationFields("")[FieldRelationID])
}
