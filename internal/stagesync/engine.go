// Package stagesync applies pipeline stage changes to matches and mirrors
// them into the CRM's relation graph.
package stagesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dealflow/server/internal/crm"
	"dealflow/server/internal/metrics"
	"dealflow/server/internal/models"
	"dealflow/server/internal/store"
)

// CRM is the part of the CRM client the engine needs.
type CRM interface {
	AssociationIDForLabel(ctx context.Context, label string) (string, error)
	CreateRelation(ctx context.Context, in crm.RelationInput) (string, error)
	DeleteRelation(ctx context.Context, relationID string) error
	ListRelations(ctx context.Context, recordID string) ([]crm.Relation, error)
	SearchRecords(ctx context.Context, objectKey string, q crm.SearchQuery) ([]crm.ObjectRecord, error)
}

// Mapping resolves a stage to its CRM association label.
type Mapping interface {
	Label(stage models.Stage) (string, bool)
}

// Invalidator drops cached aggregates after a match changes.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// SyncStatus is the outcome of a CRM relation sync.
type SyncStatus string

const (
	SyncSynced   SyncStatus = "synced"
	SyncSkipped  SyncStatus = "skipped"
	SyncDisabled SyncStatus = "disabled"
	SyncFailed   SyncStatus = "failed"
	SyncQueued   SyncStatus = "queued"
)

// Reasons reported with a skipped sync.
const (
	ReasonNoStageMapping       = "no_stage_mapping"
	ReasonAssociationNotFound  = "association_not_found"
	ReasonBuyerHasNoContact    = "buyer_has_no_contact"
	ReasonPropertyUnresolved   = "property_unresolved"
	ReasonStageUnset           = "stage_unset"
	ReasonRelationCurrent      = "relation_current"
	ReasonPriorRelationStaying = "prior_relation_not_deleted"
)

// SyncResult describes what happened in the CRM. CRM failures are reported
// here, never as errors.
type SyncResult struct {
	Status          SyncStatus `json:"status"`
	Reason          string     `json:"reason,omitempty"`
	RelationID      string     `json:"relation_id,omitempty"`
	PriorRelationID string     `json:"prior_relation_id,omitempty"`
	PriorDeleted    bool       `json:"prior_deleted"`
	Error           string     `json:"error,omitempty"`
}

// TransitionRequest moves a match to ToStage. FromStage, when set, must
// equal the stored stage.
type TransitionRequest struct {
	MatchID   string        `json:"-"`
	FromStage *models.Stage `json:"from_stage,omitempty"`
	ToStage   models.Stage  `json:"to_stage" binding:"required"`
	Note      string        `json:"note,omitempty"`
}

// Result is the outcome of a transition.
type Result struct {
	Match *models.Match `json:"match"`
	Sync  SyncResult    `json:"sync"`
}

// ActivityInput is a note or email appended to a match.
type ActivityInput struct {
	Type models.ActivityType `json:"type" binding:"required"`
	Text string              `json:"text" binding:"required"`
}

// Options names the CRM object and fields properties are searched by.
type Options struct {
	PropertyObjectKey string
	AddressField      string
	OpportunityField  string
}

// Engine applies stage transitions. Operations on the same match are
// serialised within the process.
type Engine struct {
	records     store.RecordStore
	crm         CRM
	mapping     Mapping
	invalidator Invalidator
	opts        Options
	logger      *logrus.Logger
	locks       *keyedMutex
	now         func() time.Time
	newID       func() string
}

// NewEngine creates an engine. A nil CRM disables relation sync.
func NewEngine(records store.RecordStore, client CRM, mapping Mapping, invalidator Invalidator, opts Options, logger *logrus.Logger) *Engine {
	if client == nil {
		client = crm.Noop{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	if opts.AddressField == "" {
		opts.AddressField = "address"
	}
	if opts.OpportunityField == "" {
		opts.OpportunityField = "opportunity_id"
	}
	return &Engine{
		records:     records,
		crm:         client,
		mapping:     mapping,
		invalidator: invalidator,
		opts:        opts,
		logger:      logger,
		locks:       newKeyedMutex(),
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Transition applies the stage change locally, then swaps the CRM relation.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (*Result, error) {
	unlock := e.locks.Lock(req.MatchID)
	defer unlock()

	m, changed, err := e.applyStage(ctx, req)
	if err != nil {
		return nil, err
	}
	if !changed && m.HasRelation() {
		return &Result{Match: m, Sync: SyncResult{Status: SyncSkipped, Reason: ReasonRelationCurrent, RelationID: m.RelationID}}, nil
	}

	sync := e.syncRelation(ctx, m)
	return &Result{Match: m, Sync: sync}, nil
}

// ApplyStage performs only the local stage update. It reports whether the
// stored stage changed; SyncRelation must follow to bring the CRM in line.
func (e *Engine) ApplyStage(ctx context.Context, req TransitionRequest) (*models.Match, bool, error) {
	unlock := e.locks.Lock(req.MatchID)
	defer unlock()

	return e.applyStage(ctx, req)
}

// SyncRelation mirrors the match's current stage into the CRM. It reloads
// the match, so a queued sync always reflects the latest stage.
func (e *Engine) SyncRelation(ctx context.Context, matchID string) (SyncResult, error) {
	unlock := e.locks.Lock(matchID)
	defer unlock()

	m, err := store.GetMatch(ctx, e.records, matchID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to load match %s: %w", matchID, err)
	}
	return e.syncRelation(ctx, m), nil
}

// AddActivity appends a note or email to the match's log.
func (e *Engine) AddActivity(ctx context.Context, matchID string, in ActivityInput) (*models.Match, error) {
	if in.Type != models.ActivityNote && in.Type != models.ActivityEmail {
		return nil, models.NewValidationError("type", "must be %q or %q", models.ActivityNote, models.ActivityEmail)
	}
	if strings.TrimSpace(in.Text) == "" {
		return nil, models.NewValidationError("text", "must not be empty")
	}

	unlock := e.locks.Lock(matchID)
	defer unlock()

	m, err := store.GetMatch(ctx, e.records, matchID)
	if err != nil {
		return nil, err
	}
	activities := append(m.Activities, models.Activity{
		ID:        e.newID(),
		Type:      in.Type,
		Text:      strings.TrimSpace(in.Text),
		CreatedAt: e.now().UTC(),
	})
	fields, err := store.ActivityFields(activities)
	if err != nil {
		return nil, err
	}
	updated, err := store.UpdateMatch(ctx, e.records, matchID, fields)
	if err != nil {
		return nil, err
	}
	e.invalidate(ctx)
	return updated, nil
}

// applyStage writes the new stage and a stage_change activity. Callers
// hold the match lock. changed is false when the match already sits at
// the requested stage.
func (e *Engine) applyStage(ctx context.Context, req TransitionRequest) (*models.Match, bool, error) {
	if !req.ToStage.IsValid() {
		return nil, false, models.NewValidationError("to_stage", "unknown stage %q", req.ToStage)
	}

	m, err := store.GetMatch(ctx, e.records, req.MatchID)
	if err != nil {
		return nil, false, err
	}
	if req.FromStage != nil && *req.FromStage != m.Stage {
		return nil, false, fmt.Errorf("%w: match %s is at %q, not %q", models.ErrStageConflict, m.ID, m.Stage.Label(), req.FromStage.Label())
	}
	if m.Stage == req.ToStage {
		return m, false, nil
	}
	if m.Stage.IsTerminal() {
		return nil, false, models.NewValidationError("to_stage", "match %s is %s and cannot move", m.ID, m.Stage)
	}

	activities := append(m.Activities, models.Activity{
		ID:        e.newID(),
		Type:      models.ActivityStageChange,
		FromStage: m.Stage,
		ToStage:   req.ToStage,
		Text:      strings.TrimSpace(req.Note),
		CreatedAt: e.now().UTC(),
	})
	fields, err := store.StageFields(req.ToStage, activities)
	if err != nil {
		return nil, false, err
	}
	updated, err := store.UpdateMatch(ctx, e.records, m.ID, fields)
	if err != nil {
		return nil, false, err
	}

	e.logger.WithFields(logrus.Fields{
		"match_id": m.ID,
		"from":     m.Stage.Label(),
		"to":       req.ToStage.Label(),
	}).Info("Match stage changed")
	e.invalidate(ctx)
	return updated, true, nil
}

// syncRelation deletes the match's previous relation, then creates one for
// its current stage. Callers hold the match lock. Once started it runs to
// completion: a caller going away must not leave the match pointing at a
// deleted relation. Each CRM call is still bounded by the HTTP timeout.
func (e *Engine) syncRelation(ctx context.Context, m *models.Match) SyncResult {
	result := e.doSync(context.WithoutCancel(ctx), m)
	metrics.RecordRelationSync(string(result.Status))

	log := e.logger.WithFields(logrus.Fields{
		"match_id":    m.ID,
		"stage":       m.Stage.Label(),
		"sync_status": result.Status,
		"relation_id": result.RelationID,
	})
	switch result.Status {
	case SyncFailed:
		log.WithField("error", result.Error).Warn("CRM relation sync failed")
	case SyncSkipped:
		log.WithField("reason", result.Reason).Info("CRM relation sync skipped")
	case SyncSynced:
		log.Info("CRM relation synced")
	}
	return result
}

func (e *Engine) doSync(ctx context.Context, m *models.Match) SyncResult {
	result := SyncResult{PriorRelationID: m.RelationID}

	if m.HasRelation() {
		err := e.crm.DeleteRelation(ctx, m.RelationID)
		switch {
		case errors.Is(err, crm.ErrDisabled):
			result.Status = SyncDisabled
			return result
		case err == nil || errors.Is(err, crm.ErrRelationNotFound):
			result.PriorDeleted = true
		default:
			e.logger.WithError(err).WithFields(logrus.Fields{
				"match_id":    m.ID,
				"relation_id": m.RelationID,
			}).Warn("Failed to delete previous CRM relation")
			// keep going; the old relation stays recorded until replaced
			result.PriorDeleted = e.retirePrior(ctx, m)
		}
	}

	relationID, status, reason, err := e.createRelation(ctx, m)
	result.Status, result.Reason = status, reason
	if err != nil {
		result.Error = err.Error()
	}

	switch {
	case relationID != "":
		result.RelationID = relationID
		if err := e.recordRelation(ctx, m, relationID); err != nil {
			result.Status = SyncFailed
			result.Error = err.Error()
			return result
		}
		if result.PriorRelationID != "" && !result.PriorDeleted {
			result.Reason = ReasonPriorRelationStaying
		}
	case result.PriorDeleted:
		if err := e.recordRelation(ctx, m, ""); err != nil {
			result.Status = SyncFailed
			result.Error = err.Error()
		}
	default:
		result.RelationID = m.RelationID
	}
	return result
}

// retirePrior checks the buyer's relations after a failed delete. A prior
// relation that is no longer listed counts as gone; one that is still
// listed gets a second delete attempt.
func (e *Engine) retirePrior(ctx context.Context, m *models.Match) bool {
	log := e.logger.WithFields(logrus.Fields{
		"match_id":    m.ID,
		"relation_id": m.RelationID,
	})

	buyer, err := store.GetBuyer(ctx, e.records, m.BuyerRecordID)
	if err != nil || buyer.ContactID == "" {
		return false
	}
	relations, err := e.crm.ListRelations(ctx, buyer.ContactID)
	if err != nil {
		log.WithError(err).Warn("Failed to list CRM relations of buyer")
		return false
	}

	listed := false
	for _, r := range relations {
		if r.ID == m.RelationID {
			listed = true
			break
		}
	}
	if !listed {
		log.Info("Previous CRM relation already gone")
		return true
	}

	err = e.crm.DeleteRelation(ctx, m.RelationID)
	if err == nil || errors.Is(err, crm.ErrRelationNotFound) {
		log.Info("Deleted previous CRM relation on retry")
		return true
	}
	log.WithError(err).Warn("Previous CRM relation still present")
	return false
}

// createRelation resolves the association and property record and creates
// the relation. An empty id comes with the status explaining why.
func (e *Engine) createRelation(ctx context.Context, m *models.Match) (string, SyncStatus, string, error) {
	if m.Stage == models.StageNone {
		return "", SyncSkipped, ReasonStageUnset, nil
	}
	label, ok := e.mapping.Label(m.Stage)
	if !ok {
		return "", SyncSkipped, ReasonNoStageMapping, nil
	}

	associationID, err := e.crm.AssociationIDForLabel(ctx, label)
	switch {
	case errors.Is(err, crm.ErrDisabled):
		return "", SyncDisabled, "", nil
	case errors.Is(err, crm.ErrAssociationNotFound):
		return "", SyncSkipped, ReasonAssociationNotFound, nil
	case err != nil:
		return "", SyncFailed, "", err
	}

	buyer, err := store.GetBuyer(ctx, e.records, m.BuyerRecordID)
	if err != nil {
		return "", SyncFailed, "", fmt.Errorf("failed to load buyer: %w", err)
	}
	if buyer.ContactID == "" {
		return "", SyncSkipped, ReasonBuyerHasNoContact, nil
	}
	property, err := store.GetProperty(ctx, e.records, m.PropertyRecordID)
	if err != nil {
		return "", SyncFailed, "", fmt.Errorf("failed to load property: %w", err)
	}

	objectID, err := e.resolveProperty(ctx, property)
	if err != nil {
		return "", SyncFailed, "", err
	}
	if objectID == "" {
		return "", SyncSkipped, ReasonPropertyUnresolved, nil
	}

	relationID, err := e.crm.CreateRelation(ctx, crm.RelationInput{
		AssociationID:  associationID,
		FirstRecordID:  buyer.ContactID,
		SecondRecordID: objectID,
	})
	if err != nil {
		return "", SyncFailed, "", fmt.Errorf("failed to create relation: %w", err)
	}
	return relationID, SyncSynced, "", nil
}

// resolveProperty finds the property's CRM record, by address first and
// then by opportunity id. An empty id means neither matched.
func (e *Engine) resolveProperty(ctx context.Context, p *models.Property) (string, error) {
	if address := strings.TrimSpace(p.Address); address != "" {
		records, err := e.crm.SearchRecords(ctx, e.opts.PropertyObjectKey, crm.SearchQuery{Query: address})
		if err != nil {
			return "", fmt.Errorf("failed to search property by address: %w", err)
		}
		if id := pickByField(records, e.opts.AddressField, address); id != "" {
			return id, nil
		}
	}

	if opportunityID := strings.TrimSpace(p.OpportunityID); opportunityID != "" {
		records, err := e.crm.SearchRecords(ctx, e.opts.PropertyObjectKey, crm.SearchQuery{
			Filters: []crm.FieldFilter{{Field: e.opts.OpportunityField, Value: opportunityID}},
		})
		if err != nil {
			return "", fmt.Errorf("failed to search property by opportunity: %w", err)
		}
		if len(records) > 0 {
			return records[0].ID, nil
		}
	}
	return "", nil
}

// pickByField prefers a record whose field equals want; free-text search
// also returns partial hits, which are only used when they are the sole
// result.
func pickByField(records []crm.ObjectRecord, field, want string) string {
	for _, r := range records {
		if strings.EqualFold(strings.TrimSpace(r.Properties[field]), want) {
			return r.ID
		}
	}
	if len(records) == 1 {
		return records[0].ID
	}
	return ""
}

func (e *Engine) recordRelation(ctx context.Context, m *models.Match, relationID string) error {
	updated, err := store.UpdateMatch(ctx, e.records, m.ID, store.RelationFields(relationID))
	if err != nil {
		return fmt.Errorf("failed to record relation on match: %w", err)
	}
	*m = *updated
	e.invalidate(ctx)
	return nil
}

func (e *Engine) invalidate(ctx context.Context) {
	if e.invalidator == nil {
		return
	}
	if err := e.invalidator.Invalidate(ctx); err != nil {
		e.logger.WithError(err).Warn("Failed to invalidate aggregates")
	}
}
