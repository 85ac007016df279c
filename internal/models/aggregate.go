package models

import "time"

// MatchWithProperty is a match embedded in a buyer aggregate.
type MatchWithProperty struct {
	Match
	Property *Property `json:"property"`
}

// MatchWithBuyer is a match embedded in a property aggregate.
type MatchWithBuyer struct {
	Match
	Buyer *Buyer `json:"buyer"`
}

// BuyerWithMatches is the buyer-centric aggregate view.
type BuyerWithMatches struct {
	Buyer        Buyer               `json:"buyer"`
	Matches      []MatchWithProperty `json:"matches"`
	TotalMatches int                 `json:"total_matches"`
	StageCounts  map[Stage]int       `json:"stage_counts"`
}

// PropertyWithMatches is the property-centric aggregate view.
type PropertyWithMatches struct {
	Property     Property         `json:"property"`
	Matches      []MatchWithBuyer `json:"matches"`
	TotalMatches int              `json:"total_matches"`
	StageCounts  map[Stage]int    `json:"stage_counts"`
}

// SyncStatus reports whether cached aggregates lag behind the record store.
type SyncStatus struct {
	Stale         bool       `json:"stale"`
	NewBuyers     int        `json:"new_buyers"`
	NewProperties int        `json:"new_properties"`
	LastSyncedAt  *time.Time `json:"last_synced_at"`
}

// CacheEntry is a cached value persisted by the SQLite cache store.
type CacheEntry struct {
	Key       string    `gorm:"primaryKey;size:256"`
	Value     []byte    `gorm:"type:blob"`
	FetchedAt time.Time
	ExpiresAt time.Time `gorm:"index"`
}
