package models

// Buyer is a prospective purchaser synced in from the CRM. This layer
// treats buyers as read-only.
type Buyer struct {
	RecordID           string   `json:"record_id"`
	ContactID          string   `json:"contact_id"`
	Name               string   `json:"name"`
	Email              string   `json:"email"`
	BudgetMin          int      `json:"budget_min"`
	BudgetMax          int      `json:"budget_max"`
	BedsMin            float64  `json:"beds_min"`
	BedsMax            float64  `json:"beds_max"`
	BathsMin           float64  `json:"baths_min"`
	BathsMax           float64  `json:"baths_max"`
	PreferredLocations []string `json:"preferred_locations"`
	SearchLatitude     *float64 `json:"search_latitude"`
	SearchLongitude    *float64 `json:"search_longitude"`
	SearchRadiusMiles  float64  `json:"search_radius_miles"`
}

// HasSearchArea reports whether the buyer defined a geographic search circle.
func (b *Buyer) HasSearchArea() bool {
	return b.SearchLatitude != nil && b.SearchLongitude != nil && b.SearchRadiusMiles > 0
}
