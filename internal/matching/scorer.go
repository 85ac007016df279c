// Package matching scores buyers against properties and writes matches.
package matching

import (
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"dealflow/server/internal/models"
)

const (
	budgetPoints   float64 = 40
	bedsPoints     float64 = 20
	bathsPoints    float64 = 15
	locationPoints float64 = 25

	metersPerMile = 1609.344
)

// Scorer rates how well a property fits a buyer, from 0 to 100.
type Scorer interface {
	Score(b *models.Buyer, p *models.Property) float64
}

// DefaultScorer weighs budget, beds, baths and location. A criterion the
// buyer left blank earns half its points.
type DefaultScorer struct{}

func (DefaultScorer) Score(b *models.Buyer, p *models.Property) float64 {
	score := budgetScore(b, p) + rangeScore(b.BedsMin, b.BedsMax, p.Beds, bedsPoints) +
		rangeScore(b.BathsMin, b.BathsMax, p.Baths, bathsPoints) + locationScore(b, p)
	return math.Round(score*10) / 10
}

func budgetScore(b *models.Buyer, p *models.Property) float64 {
	if b.BudgetMin == 0 && b.BudgetMax == 0 {
		return budgetPoints / 2
	}
	if p.Price <= 0 {
		return 0
	}
	price := float64(p.Price)
	switch {
	case b.BudgetMax > 0 && price > float64(b.BudgetMax):
		// up to 10% over budget is negotiable
		if price <= float64(b.BudgetMax)*1.1 {
			return budgetPoints / 2
		}
		return 0
	case price < float64(b.BudgetMin):
		return budgetPoints * 3 / 4
	}
	return budgetPoints
}

// rangeScore gives full points inside [lo, hi], half within one of the
// range, none beyond. A zero hi is open-ended.
func rangeScore(lo, hi, value float64, points float64) float64 {
	if lo == 0 && hi == 0 {
		return points / 2
	}
	if hi == 0 {
		hi = math.Inf(1)
	}
	switch {
	case value >= lo && value <= hi:
		return points
	case value >= lo-1 && value <= hi+1:
		return points / 2
	}
	return 0
}

func locationScore(b *models.Buyer, p *models.Property) float64 {
	if b.HasSearchArea() && p.HasCoordinates() {
		center := orb.Point{*b.SearchLongitude, *b.SearchLatitude}
		point := orb.Point{*p.Longitude, *p.Latitude}
		miles := geo.Distance(center, point) / metersPerMile
		switch {
		case miles <= b.SearchRadiusMiles:
			return locationPoints
		case miles <= b.SearchRadiusMiles*1.5:
			return locationPoints / 2
		}
		return 0
	}

	if len(b.PreferredLocations) == 0 {
		return locationPoints / 2
	}
	for _, loc := range b.PreferredLocations {
		if locationMatches(strings.TrimSpace(loc), p) {
			return locationPoints
		}
	}
	return 0
}

// locationMatches accepts a city ("Austin" or "Austin, TX"), a state code
// or a zip code.
func locationMatches(loc string, p *models.Property) bool {
	if loc == "" {
		return false
	}
	if p.Zip != "" && loc == p.Zip {
		return true
	}
	if p.State != "" && strings.EqualFold(loc, p.State) {
		return true
	}
	city, state, hasState := strings.Cut(loc, ",")
	if !strings.EqualFold(strings.TrimSpace(city), p.City) || p.City == "" {
		return false
	}
	return !hasState || strings.EqualFold(strings.TrimSpace(state), p.State)
}
