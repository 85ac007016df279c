package models

import "strings"

// Property is a listing that buyers can be matched against.
type Property struct {
	RecordID      string   `json:"record_id"`
	PropertyCode  string   `json:"property_code"`
	OpportunityID string   `json:"opportunity_id"`
	Address       string   `json:"address"`
	City          string   `json:"city"`
	State         string   `json:"state"`
	Zip           string   `json:"zip"`
	Price         int      `json:"price"`
	Beds          float64  `json:"beds"`
	Baths         float64  `json:"baths"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
}

// FullAddress joins street, city, state and zip for geocoding.
func (p *Property) FullAddress() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{p.Address, p.City, strings.TrimSpace(p.State + " " + p.Zip)} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// DisplayName prefers the property code and falls back to the address.
func (p *Property) DisplayName() string {
	if p.PropertyCode != "" {
		return p.PropertyCode
	}
	return p.Address
}

// HasCoordinates reports whether the property was geocoded.
func (p *Property) HasCoordinates() bool {
	return p.Latitude != nil && p.Longitude != nil
}
