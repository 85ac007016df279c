package aggregate

import (
	"strings"

	"dealflow/server/internal/store"
)

// BuyerFilters narrows the buyer page of a buyer-centric view.
type BuyerFilters struct {
	// Search is a case-insensitive substring of the buyer's name
	Search string `json:"search,omitempty" form:"search"`

	// Budget keeps buyers whose budget range contains this price
	Budget int `json:"budget,omitempty" form:"budget"`
}

func (f BuyerFilters) filter() store.Filter {
	var clauses []store.Filter
	if s := strings.TrimSpace(f.Search); s != "" {
		clauses = append(clauses, store.Contains{Field: store.FieldName, Text: s})
	}
	if f.Budget > 0 {
		clauses = append(clauses,
			store.Lte{Field: store.FieldBudgetMin, Value: float64(f.Budget)},
			store.Gte{Field: store.FieldBudgetMax, Value: float64(f.Budget)},
		)
	}
	return store.AllOf(clauses...)
}

// PropertyFilters narrows the property page of a property-centric view.
type PropertyFilters struct {
	Search   string `json:"search,omitempty" form:"search"`
	City     string `json:"city,omitempty" form:"city"`
	State    string `json:"state,omitempty" form:"state"`
	MinPrice int    `json:"min_price,omitempty" form:"min_price"`
	MaxPrice int    `json:"max_price,omitempty" form:"max_price"`
}

func (f PropertyFilters) filter() store.Filter {
	var clauses []store.Filter
	if s := strings.TrimSpace(f.Search); s != "" {
		clauses = append(clauses, store.Contains{Field: store.FieldAddress, Text: s})
	}
	if c := strings.TrimSpace(f.City); c != "" {
		clauses = append(clauses, store.Contains{Field: store.FieldCity, Text: c})
	}
	if s := strings.TrimSpace(f.State); s != "" {
		clauses = append(clauses, store.Eq{Field: store.FieldState, Value: strings.ToUpper(s)})
	}
	if f.MinPrice > 0 {
		clauses = append(clauses, store.Gte{Field: store.FieldPrice, Value: float64(f.MinPrice)})
	}
	if f.MaxPrice > 0 {
		clauses = append(clauses, store.Lte{Field: store.FieldPrice, Value: float64(f.MaxPrice)})
	}
	return store.AllOf(clauses...)
}
