package matching

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dealflow/server/internal/aggregate"
	"dealflow/server/internal/dedup"
	"dealflow/server/internal/metrics"
	"dealflow/server/internal/models"
	"dealflow/server/internal/processor"
	"dealflow/server/internal/store"
)

// Syncer rebuilds cached aggregates after bulk writes.
type Syncer interface {
	SyncAll(ctx context.Context) (*aggregate.SyncResult, error)
}

// Locator fills in missing property coordinates.
type Locator interface {
	Locate(ctx context.Context, p *models.Property) (bool, error)
}

// RunOptions controls a matching run.
type RunOptions struct {
	// MinScore overrides the configured threshold when set
	MinScore *float64 `json:"min_score,omitempty"`

	// ForceRematch re-scores existing matches in place
	ForceRematch bool `json:"force_rematch"`

	// BuyerIDs limits the run to these buyers; empty means all
	BuyerIDs []string `json:"buyer_ids,omitempty"`
}

// Summary reports what a matching run did.
type Summary struct {
	Buyers         int                   `json:"buyers"`
	Properties     int                   `json:"properties"`
	Evaluated      int                   `json:"evaluated"`
	Created        int                   `json:"created"`
	Updated        int                   `json:"updated"`
	Skipped        int                   `json:"skipped"`
	BelowThreshold int                   `json:"below_threshold"`
	Geocoded       int                   `json:"geocoded"`
	Failed         int                   `json:"failed"`
	MinScore       float64               `json:"min_score"`
	Duration       string                `json:"duration"`
	Sync           *aggregate.SyncResult `json:"sync,omitempty"`
	SyncError      string                `json:"sync_error,omitempty"`
}

// ClearResult reports a bulk delete.
type ClearResult struct {
	Deleted   int                   `json:"deleted"`
	Failed    int                   `json:"failed"`
	Sync      *aggregate.SyncResult `json:"sync,omitempty"`
	SyncError string                `json:"sync_error,omitempty"`
}

type write struct {
	pair       models.Pair
	score      float64
	existingID string
}

// Runner executes bulk matching against the record store.
type Runner struct {
	records  store.RecordStore
	scorer   Scorer
	syncer   Syncer
	fanout   *processor.BatchProcessor
	logger   *logrus.Logger
	minScore float64
	locator  Locator
}

// NewRunner creates a runner. A nil scorer uses DefaultScorer.
func NewRunner(records store.RecordStore, scorer Scorer, syncer Syncer, fanout *processor.BatchProcessor, minScore float64, logger *logrus.Logger) *Runner {
	if scorer == nil {
		scorer = DefaultScorer{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	if fanout == nil {
		fanout = processor.NewBatchProcessor(nil, logger)
	}
	return &Runner{
		records:  records,
		scorer:   scorer,
		syncer:   syncer,
		fanout:   fanout,
		logger:   logger,
		minScore: minScore,
	}
}

// SetLocator enables geocoding of properties without coordinates when a
// buyer searches by radius.
func (r *Runner) SetLocator(l Locator) {
	r.locator = l
}

// Run scores every buyer against every property and creates matches for
// pairs at or above the threshold. Existing pairs are skipped, or re-scored
// in place with ForceRematch; a pair never gets a second match.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	start := time.Now()
	summary := &Summary{MinScore: r.minScore}
	if opts.MinScore != nil {
		if *opts.MinScore < 0 || *opts.MinScore > 100 {
			return nil, models.NewValidationError("min_score", "must be between 0 and 100")
		}
		summary.MinScore = *opts.MinScore
	}

	buyers, err := r.loadBuyers(ctx, opts.BuyerIDs)
	if err != nil {
		return nil, err
	}
	properties, err := store.AllProperties(ctx, r.records, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load properties: %w", err)
	}
	existing, err := store.AllMatches(ctx, r.records, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load matches: %w", err)
	}
	summary.Buyers, summary.Properties = len(buyers), len(properties)
	summary.Geocoded = r.locate(ctx, buyers, properties)

	skip := dedup.BuildSkipSet(existing)
	var creates, updates []write
	for i := range buyers {
		for j := range properties {
			b, p := &buyers[i], &properties[j]
			summary.Evaluated++

			score := r.scorer.Score(b, p)
			if score < summary.MinScore {
				summary.BelowThreshold++
				continue
			}

			pair := models.Pair{BuyerRecordID: b.RecordID, PropertyRecordID: p.RecordID}
			decision := dedup.Decide(pair, skip, opts.ForceRematch)
			switch {
			case decision.Action == dedup.ActionCreate:
				creates = append(creates, write{pair: pair, score: score})
				skip.Add(pair, "")
			case decision.Action == dedup.ActionUpdate && decision.ExistingID != "":
				updates = append(updates, write{pair: pair, score: score, existingID: decision.ExistingID})
			default:
				summary.Skipped++
			}
		}
	}

	var mu sync.Mutex
	err = processor.Each(ctx, r.fanout, append(creates, updates...), func(ctx context.Context, w write) error {
		action := dedup.ActionCreate
		var err error
		if w.existingID == "" {
			_, err = r.records.Create(ctx, store.Matches, store.NewMatchFields(w.pair, w.score))
		} else {
			action = dedup.ActionUpdate
			_, err = r.records.Update(ctx, store.Matches, w.existingID, store.ScoreFields(w.score))
		}

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			summary.Failed++
			r.logger.WithError(err).WithFields(logrus.Fields{
				"buyer_id":    w.pair.BuyerRecordID,
				"property_id": w.pair.PropertyRecordID,
				"action":      action.String(),
			}).Error("Failed to write match")
			return nil
		}
		metrics.RecordMatchWrite(action.String())
		if action == dedup.ActionCreate {
			summary.Created++
		} else {
			summary.Updated++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.sync(ctx, &summary.Sync, &summary.SyncError)
	summary.Duration = time.Since(start).Round(time.Millisecond).String()

	r.logger.WithFields(logrus.Fields{
		"buyers":          summary.Buyers,
		"properties":      summary.Properties,
		"created":         summary.Created,
		"updated":         summary.Updated,
		"skipped":         summary.Skipped,
		"below_threshold": summary.BelowThreshold,
		"failed":          summary.Failed,
		"duration":        summary.Duration,
	}).Info("Matching run completed")
	return summary, nil
}

// Clear deletes every match, or only the given buyer's. CRM relations are
// left in place.
func (r *Runner) Clear(ctx context.Context, buyerID string) (*ClearResult, error) {
	var filter store.Filter
	if buyerID != "" {
		filter = store.LinkHas{Field: store.FieldMatchBuyer, ID: buyerID}
	}
	matches, err := store.AllMatches(ctx, r.records, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to load matches: %w", err)
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		// LinkHas is a substring test
		if buyerID == "" || m.BuyerRecordID == buyerID {
			ids = append(ids, m.ID)
		}
	}

	result := &ClearResult{}
	r.deleteAll(ctx, ids, &result.Deleted, &result.Failed)
	r.sync(ctx, &result.Sync, &result.SyncError)

	r.logger.WithFields(logrus.Fields{
		"buyer_id": buyerID,
		"deleted":  result.Deleted,
		"failed":   result.Failed,
	}).Info("Cleared matches")
	return result, nil
}

// Dedupe deletes matches that repeat an earlier buyer/property pair, keeping
// the first one the store returns.
func (r *Runner) Dedupe(ctx context.Context) (*ClearResult, error) {
	matches, err := store.AllMatches(ctx, r.records, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load matches: %w", err)
	}

	result := &ClearResult{}
	dupes := dedup.Duplicates(matches)
	if len(dupes) == 0 {
		return result, nil
	}
	r.deleteAll(ctx, dupes, &result.Deleted, &result.Failed)
	r.sync(ctx, &result.Sync, &result.SyncError)
	return result, nil
}

// locate geocodes properties lacking coordinates, but only when some buyer
// can use them. Lookups run one at a time; the locator paces itself.
func (r *Runner) locate(ctx context.Context, buyers []models.Buyer, properties []models.Property) int {
	if r.locator == nil {
		return 0
	}
	needed := false
	for i := range buyers {
		if buyers[i].HasSearchArea() {
			needed = true
			break
		}
	}
	if !needed {
		return 0
	}

	located := 0
	for i := range properties {
		if ctx.Err() != nil {
			break
		}
		added, err := r.locator.Locate(ctx, &properties[i])
		if err != nil {
			r.logger.WithError(err).WithField("property_id", properties[i].RecordID).Warn("Failed to geocode property")
			continue
		}
		if added {
			located++
		}
	}
	return located
}

func (r *Runner) loadBuyers(ctx context.Context, ids []string) ([]models.Buyer, error) {
	var (
		buyers []models.Buyer
		err    error
	)
	if len(ids) > 0 {
		buyers, err = store.BatchGetBuyers(ctx, r.records, ids)
	} else {
		buyers, err = store.AllBuyers(ctx, r.records, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load buyers: %w", err)
	}
	return buyers, nil
}

func (r *Runner) deleteAll(ctx context.Context, ids []string, deleted, failed *int) {
	var mu sync.Mutex
	_ = processor.Each(ctx, r.fanout, ids, func(ctx context.Context, id string) error {
		err := r.records.Delete(ctx, store.Matches, id)
		mu.Lock()
		defer mu.Unlock()
		if err != nil && !store.IsNotFound(err) {
			*failed++
			r.logger.WithError(err).WithField("match_id", id).Error("Failed to delete match")
			return nil
		}
		*deleted++
		return nil
	})
}

func (r *Runner) sync(ctx context.Context, result **aggregate.SyncResult, errMsg *string) {
	if r.syncer == nil {
		return
	}
	res, err := r.syncer.SyncAll(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("Aggregate sync after bulk write failed")
		*errMsg = err.Error()
		return
	}
	*result = res
}
