package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"dealflow/server/internal/models"
)

func ptr(f float64) *float64 {
	return &f
}

func TestDefaultScorer(t *testing.T) {
	property := models.Property{
		City:      "Austin",
		State:     "TX",
		Zip:       "78701",
		Price:     300000,
		Beds:      3,
		Baths:     2,
		Latitude:  ptr(30.2672),
		Longitude: ptr(-97.7431),
	}

	tests := []struct {
		name  string
		buyer models.Buyer
		want  float64
	}{
		{
			name: "perfect fit",
			buyer: models.Buyer{
				BudgetMin: 250000, BudgetMax: 350000,
				BedsMin: 3, BedsMax: 4,
				BathsMin: 2,
				PreferredLocations: []string{"Austin, TX"},
			},
			want: 100,
		},
		{
			name:  "no preferences",
			buyer: models.Buyer{},
			want:  50,
		},
		{
			name: "slightly over budget and one bed short",
			buyer: models.Buyer{
				BudgetMax:          280000,
				BedsMin:            4,
				BathsMin:           2,
				PreferredLocations: []string{"78701"},
			},
			want: 20 + 10 + 15 + 25,
		},
		{
			name: "wrong city, far over budget",
			buyer: models.Buyer{
				BudgetMax:          200000,
				BedsMin:            3,
				BathsMin:           2,
				PreferredLocations: []string{"Dallas"},
			},
			want: 0 + 20 + 15 + 0,
		},
		{
			name: "search radius hit",
			buyer: models.Buyer{
				BudgetMin: 400000, BudgetMax: 500000,
				SearchLatitude: ptr(30.2849), SearchLongitude: ptr(-97.7341),
				SearchRadiusMiles: 5,
			},
			want: 30 + 10 + 7.5 + 25,
		},
		{
			name: "search radius miss",
			buyer: models.Buyer{
				BudgetMin: 250000, BudgetMax: 350000,
				SearchLatitude: ptr(32.7767), SearchLongitude: ptr(-96.7970),
				SearchRadiusMiles: 10,
			},
			want: 40 + 10 + 7.5 + 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultScorer{}.Score(&tt.buyer, &property))
		})
	}
}

func TestLocationMatches(t *testing.T) {
	p := &models.Property{City: "Round Rock", State: "TX", Zip: "78664"}

	assert.True(t, locationMatches("round rock", p))
	assert.True(t, locationMatches("Round Rock, tx", p))
	assert.True(t, locationMatches("TX", p))
	assert.True(t, locationMatches("78664", p))
	assert.False(t, locationMatches("Round Rock, CA", p))
	assert.False(t, locationMatches("Austin", p))
	assert.False(t, locationMatches("", p))
}
