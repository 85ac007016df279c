package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dealflow/server/internal/models"
)

// Collection names a table in the record store.
type Collection string

const (
	Buyers     Collection = "Buyers"
	Properties Collection = "Properties"
	Matches    Collection = "Matches"
)

// Field names as they appear in the record store. Nothing outside this
// file should spell them out except when building filters.
const (
	FieldContactID          = "Contact ID"
	FieldName               = "Name"
	FieldEmail              = "Email"
	FieldBudgetMin          = "Budget Min"
	FieldBudgetMax          = "Budget Max"
	FieldBedsMin            = "Beds Min"
	FieldBedsMax            = "Beds Max"
	FieldBathsMin           = "Baths Min"
	FieldBathsMax           = "Baths Max"
	FieldPreferredLocations = "Preferred Locations"
	FieldSearchLatitude     = "Search Latitude"
	FieldSearchLongitude    = "Search Longitude"
	FieldSearchRadius       = "Search Radius Miles"

	FieldPropertyCode  = "Property Code"
	FieldOpportunityID = "Opportunity ID"
	FieldAddress       = "Address"
	FieldCity          = "City"
	FieldState         = "State"
	FieldZip           = "Zip"
	FieldPrice         = "Price"
	FieldBeds          = "Beds"
	FieldBaths         = "Baths"
	FieldLatitude      = "Latitude"
	FieldLongitude     = "Longitude"

	FieldMatchBuyer    = "Buyer"
	FieldMatchProperty = "Property"
	FieldMatchScore    = "Match Score"
	FieldMatchStage    = "Stage"
	FieldRelationID    = "Relation ID"
	FieldActivities    = "Activities"
)

// Record is the provider's untyped representation of a row.
type Record struct {
	ID          string                 `json:"id"`
	CreatedTime time.Time              `json:"createdTime"`
	Fields      map[string]interface{} `json:"fields"`
}

// ToBuyer maps a Buyers record to the typed model.
func ToBuyer(r Record) models.Buyer {
	return models.Buyer{
		RecordID:           r.ID,
		ContactID:          str(r.Fields, FieldContactID),
		Name:               str(r.Fields, FieldName),
		Email:              str(r.Fields, FieldEmail),
		BudgetMin:          int(num(r.Fields, FieldBudgetMin)),
		BudgetMax:          int(num(r.Fields, FieldBudgetMax)),
		BedsMin:            num(r.Fields, FieldBedsMin),
		BedsMax:            num(r.Fields, FieldBedsMax),
		BathsMin:           num(r.Fields, FieldBathsMin),
		BathsMax:           num(r.Fields, FieldBathsMax),
		PreferredLocations: list(r.Fields, FieldPreferredLocations),
		SearchLatitude:     optNum(r.Fields, FieldSearchLatitude),
		SearchLongitude:    optNum(r.Fields, FieldSearchLongitude),
		SearchRadiusMiles:  num(r.Fields, FieldSearchRadius),
	}
}

// ToProperty maps a Properties record to the typed model.
func ToProperty(r Record) models.Property {
	return models.Property{
		RecordID:      r.ID,
		PropertyCode:  str(r.Fields, FieldPropertyCode),
		OpportunityID: str(r.Fields, FieldOpportunityID),
		Address:       str(r.Fields, FieldAddress),
		City:          str(r.Fields, FieldCity),
		State:         str(r.Fields, FieldState),
		Zip:           str(r.Fields, FieldZip),
		Price:         int(num(r.Fields, FieldPrice)),
		Beds:          num(r.Fields, FieldBeds),
		Baths:         num(r.Fields, FieldBaths),
		Latitude:      optNum(r.Fields, FieldLatitude),
		Longitude:     optNum(r.Fields, FieldLongitude),
	}
}

// ToMatch maps a Matches record to the typed model. A malformed activity
// log is reported as an error rather than silently dropped.
func ToMatch(r Record) (models.Match, error) {
	m := models.Match{
		ID:               r.ID,
		BuyerRecordID:    first(list(r.Fields, FieldMatchBuyer)),
		PropertyRecordID: first(list(r.Fields, FieldMatchProperty)),
		Score:            num(r.Fields, FieldMatchScore),
		Stage:            models.Stage(str(r.Fields, FieldMatchStage)),
		RelationID:       str(r.Fields, FieldRelationID),
		CreatedAt:        r.CreatedTime,
	}
	if raw := str(r.Fields, FieldActivities); raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.Activities); err != nil {
			return m, fmt.Errorf("failed to parse activities of match %s: %w", r.ID, err)
		}
	}
	return m, nil
}

// NewMatchFields returns the fields for creating a match.
func NewMatchFields(pair models.Pair, score float64) map[string]interface{} {
	return map[string]interface{}{
		FieldMatchBuyer:    []string{pair.BuyerRecordID},
		FieldMatchProperty: []string{pair.PropertyRecordID},
		FieldMatchScore:    score,
	}
}

// ScoreFields returns the fields for re-scoring an existing match.
func ScoreFields(score float64) map[string]interface{} {
	return map[string]interface{}{FieldMatchScore: score}
}

// StageFields returns the fields written by a stage change.
func StageFields(stage models.Stage, activities []models.Activity) (map[string]interface{}, error) {
	fields, err := ActivityFields(activities)
	if err != nil {
		return nil, err
	}
	if stage == models.StageNone {
		fields[FieldMatchStage] = nil
	} else {
		fields[FieldMatchStage] = string(stage)
	}
	return fields, nil
}

// ActivityFields returns the fields for persisting the activity log.
func ActivityFields(activities []models.Activity) (map[string]interface{}, error) {
	raw, err := json.Marshal(activities)
	if err != nil {
		return nil, fmt.Errorf("failed to encode activities: %w", err)
	}
	return map[string]interface{}{FieldActivities: string(raw)}, nil
}

// RelationFields returns the fields for recording a CRM relation id. An
// empty id clears it.
func RelationFields(relationID string) map[string]interface{} {
	if relationID == "" {
		return map[string]interface{}{FieldRelationID: nil}
	}
	return map[string]interface{}{FieldRelationID: relationID}
}

func str(fields map[string]interface{}, key string) string {
	switch v := fields[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []interface{}:
		return first(toStrings(v))
	}
	return ""
}

func num(fields map[string]interface{}, key string) float64 {
	if v := optNum(fields, key); v != nil {
		return *v
	}
	return 0
}

func optNum(fields map[string]interface{}, key string) *float64 {
	switch v := fields[key].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	case string:
		cleaned := strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(v))
		if f, err := strconv.ParseFloat(cleaned, 64); err == nil {
			return &f
		}
	}
	return nil
}

// list reads a linked-record or multi-select field. Comma separated text is
// accepted for fields that were entered by hand.
func list(fields map[string]interface{}, key string) []string {
	switch v := fields[key].(type) {
	case []interface{}:
		return toStrings(v)
	case []string:
		return v
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return nil
}

func toStrings(values []interface{}) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
