// Package dedup keeps bulk matching from creating a second match for a
// buyer/property pair that already has one.
package dedup

import "dealflow/server/internal/models"

// Action is what bulk matching should do with a candidate pair.
type Action int

const (
	ActionCreate Action = iota
	ActionUpdate
	ActionSkip
)

// String returns the string representation of an Action
func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// SkipSet holds every pair that already has a match, with that match's id.
type SkipSet map[models.Pair]string

// BuildSkipSet indexes the existing matches. It is built once per run from
// matches fetched up front, never per candidate.
func BuildSkipSet(existing []models.Match) SkipSet {
	set := make(SkipSet, len(existing))
	for _, m := range existing {
		if m.BuyerRecordID == "" || m.PropertyRecordID == "" {
			continue
		}
		if _, ok := set[m.Pair()]; ok {
			continue
		}
		set[m.Pair()] = m.ID
	}
	return set
}

// Contains reports whether pair already has a match.
func (s SkipSet) Contains(pair models.Pair) bool {
	_, ok := s[pair]
	return ok
}

// Add records a match created during the current run.
func (s SkipSet) Add(pair models.Pair, matchID string) {
	s[pair] = matchID
}

// Decision is the outcome for one candidate pair.
type Decision struct {
	Action     Action
	ExistingID string
}

// ShouldCreate reports whether a new match record may be created for pair.
func ShouldCreate(pair models.Pair, skip SkipSet, forceRematch bool) bool {
	return Decide(pair, skip, forceRematch).Action == ActionCreate
}

// Decide picks the action for pair. An existing match is skipped, or
// updated in place when forceRematch is set; it is never duplicated.
func Decide(pair models.Pair, skip SkipSet, forceRematch bool) Decision {
	id, exists := skip[pair]
	switch {
	case !exists:
		return Decision{Action: ActionCreate}
	case forceRematch:
		return Decision{Action: ActionUpdate, ExistingID: id}
	default:
		return Decision{Action: ActionSkip, ExistingID: id}
	}
}

// Duplicates returns the ids of matches that repeat an earlier pair. The
// first match seen for a pair is kept.
func Duplicates(existing []models.Match) []string {
	seen := make(map[models.Pair]struct{}, len(existing))
	var dupes []string
	for _, m := range existing {
		if _, ok := seen[m.Pair()]; ok {
			dupes = append(dupes, m.ID)
			continue
		}
		seen[m.Pair()] = struct{}{}
	}
	return dupes
}
