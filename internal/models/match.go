package models

import "time"

// ActivityType classifies an entry in a match's activity log.
type ActivityType string

const (
	ActivityStageChange ActivityType = "stage_change"
	ActivityNote        ActivityType = "note"
	ActivityEmail       ActivityType = "email"
)

// IsValid checks if an activity type is recognized.
func (t ActivityType) IsValid() bool {
	switch t {
	case ActivityStageChange, ActivityNote, ActivityEmail:
		return true
	}
	return false
}

// Activity is one event in a match's append-only log.
type Activity struct {
	ID        string       `json:"id"`
	Type      ActivityType `json:"type"`
	FromStage Stage        `json:"from_stage,omitempty"`
	ToStage   Stage        `json:"to_stage,omitempty"`
	Text      string       `json:"text,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Match links one buyer to one property with a score and a pipeline stage.
// (BuyerRecordID, PropertyRecordID) is unique across all matches.
type Match struct {
	ID               string     `json:"id"`
	BuyerRecordID    string     `json:"buyer_record_id"`
	PropertyRecordID string     `json:"property_record_id"`
	Score            float64    `json:"score"`
	Stage            Stage      `json:"stage"`
	RelationID       string     `json:"relation_id,omitempty"`
	Activities       []Activity `json:"activities"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Pair returns the natural key of the match.
func (m *Match) Pair() Pair {
	return Pair{BuyerRecordID: m.BuyerRecordID, PropertyRecordID: m.PropertyRecordID}
}

// HasRelation reports whether the match points at a live CRM relation.
func (m *Match) HasRelation() bool {
	return m.RelationID != ""
}

// Pair is the (buyer, property) natural key of a match.
type Pair struct {
	BuyerRecordID    string `json:"buyer_record_id"`
	PropertyRecordID string `json:"property_record_id"`
}
