// Package aggregate builds buyer-centric and property-centric views of the
// match graph with a bounded number of record store requests per page.
package aggregate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dealflow/server/internal/cache"
	"dealflow/server/internal/metrics"
	"dealflow/server/internal/models"
	"dealflow/server/internal/processor"
	"dealflow/server/internal/store"
)

const (
	// KeyPrefix namespaces every aggregate page in the cache store.
	KeyPrefix = "agg:"

	baselineKey = "sync:baseline"

	// Linked ids per filter formula. Larger sets are split and fanned out.
	linkChunkSize = 50

	DefaultPageSize = 20
)

type kind string

const (
	kindBuyers     kind = "buyers"
	kindProperties kind = "properties"
)

// BuyerPage is one page of the buyer-centric view.
type BuyerPage struct {
	Data       []models.BuyerWithMatches `json:"data"`
	NextCursor string                    `json:"next_cursor,omitempty"`
}

// PropertyPage is one page of the property-centric view.
type PropertyPage struct {
	Data       []models.PropertyWithMatches `json:"data"`
	NextCursor string                       `json:"next_cursor,omitempty"`
}

// SyncResult summarises a SyncAll run.
type SyncResult struct {
	Refreshed  int       `json:"refreshed"`
	Failed     int       `json:"failed"`
	Buyers     int       `json:"buyers"`
	Properties int       `json:"properties"`
	SyncedAt   time.Time `json:"synced_at"`
}

type baseline struct {
	Buyers     int       `json:"buyers"`
	Properties int       `json:"properties"`
	SyncedAt   time.Time `json:"synced_at"`
}

// query identifies a cached page. Its JSON encoding is hashed into the key.
type query struct {
	Kind       kind             `json:"kind"`
	Buyers     *BuyerFilters    `json:"buyers,omitempty"`
	Properties *PropertyFilters `json:"properties,omitempty"`
	PageSize   int              `json:"page_size"`
	Cursor     string           `json:"cursor,omitempty"`
}

func (q query) key() string {
	raw, _ := json.Marshal(q)
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%s%s:%s", KeyPrefix, q.Kind, hex.EncodeToString(sum[:12]))
}

// Cache serves aggregate views from the cache store, building them from the
// record store on a miss.
type Cache struct {
	records store.RecordStore
	cache   cache.Store
	fanout  *processor.BatchProcessor
	logger  *logrus.Logger
	ttl     time.Duration
	now     func() time.Time

	mu     sync.Mutex
	served map[string]query

	// Bumped by Invalidate; a page built under an older generation is
	// returned but not cached.
	generation uint64
}

// NewCache creates an aggregation cache. A zero ttl uses five minutes.
func NewCache(records store.RecordStore, cs cache.Store, fanout *processor.BatchProcessor, ttl time.Duration, logger *logrus.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}
	if fanout == nil {
		fanout = processor.NewBatchProcessor(nil, logger)
	}
	return &Cache{
		records: records,
		cache:   cs,
		fanout:  fanout,
		logger:  logger,
		ttl:     ttl,
		now:     time.Now,
		served:  make(map[string]query),
	}
}

// GetBuyersWithMatches returns a page of buyers, each with its matches and
// the matched properties embedded.
func (c *Cache) GetBuyersWithMatches(ctx context.Context, filters BuyerFilters, pageSize int, cursor string) (*BuyerPage, error) {
	pageSize, err := normalizePageSize(pageSize)
	if err != nil {
		return nil, err
	}
	q := query{Kind: kindBuyers, Buyers: &filters, PageSize: pageSize, Cursor: cursor}

	var page BuyerPage
	if c.lookup(ctx, q, &page) {
		return &page, nil
	}
	gen := c.currentGeneration()
	built, err := c.buildBuyers(ctx, q)
	if err != nil {
		return nil, err
	}
	c.store(ctx, q, built, gen)
	return built, nil
}

// GetPropertiesWithMatches returns a page of properties, each with its
// matches and the matched buyers embedded.
func (c *Cache) GetPropertiesWithMatches(ctx context.Context, filters PropertyFilters, pageSize int, cursor string) (*PropertyPage, error) {
	pageSize, err := normalizePageSize(pageSize)
	if err != nil {
		return nil, err
	}
	q := query{Kind: kindProperties, Properties: &filters, PageSize: pageSize, Cursor: cursor}

	var page PropertyPage
	if c.lookup(ctx, q, &page) {
		return &page, nil
	}
	gen := c.currentGeneration()
	built, err := c.buildProperties(ctx, q)
	if err != nil {
		return nil, err
	}
	c.store(ctx, q, built, gen)
	return built, nil
}

// Invalidate drops every cached aggregate page. Served keys are remembered
// so SyncAll can rebuild them.
func (c *Cache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	if err := c.cache.Invalidate(ctx, KeyPrefix); err != nil {
		return fmt.Errorf("failed to invalidate aggregates: %w", err)
	}
	return nil
}

// SyncAll invalidates every aggregate, rebuilds each page served since
// start-up and records current collection counts as the sync baseline.
func (c *Cache) SyncAll(ctx context.Context) (*SyncResult, error) {
	if err := c.Invalidate(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	queries := make([]query, 0, len(c.served))
	for _, q := range c.served {
		queries = append(queries, q)
	}
	c.mu.Unlock()
	sort.Slice(queries, func(i, j int) bool { return queries[i].key() < queries[j].key() })

	// pages are rebuilt one at a time; each build already fans out
	result := &SyncResult{}
	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.refresh(ctx, q); err != nil {
			// a page whose cursor expired upstream is dropped, not fatal
			result.Failed++
			c.forget(q)
			c.logger.WithError(err).WithField("key", q.key()).Warn("Failed to refresh aggregate page")
			continue
		}
		result.Refreshed++
	}

	buyers, properties, err := c.counts(ctx)
	if err != nil {
		return nil, err
	}

	b := baseline{Buyers: buyers, Properties: properties, SyncedAt: c.now().UTC()}
	if err := cache.SetJSON(ctx, c.cache, baselineKey, b, 0); err != nil {
		return nil, fmt.Errorf("failed to record sync baseline: %w", err)
	}

	result.Buyers = buyers
	result.Properties = properties
	result.SyncedAt = b.SyncedAt

	c.logger.WithFields(logrus.Fields{
		"refreshed":  result.Refreshed,
		"failed":     result.Failed,
		"buyers":     buyers,
		"properties": properties,
	}).Info("Synced aggregate cache")
	return result, nil
}

// Status compares current collection counts with the last sync baseline.
// Before the first sync everything counts as new.
func (c *Cache) Status(ctx context.Context) (*models.SyncStatus, error) {
	buyers, properties, err := c.counts(ctx)
	if err != nil {
		return nil, err
	}

	var b baseline
	ok, err := cache.GetJSON(ctx, c.cache, baselineKey, &b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &models.SyncStatus{
			Stale:         true,
			NewBuyers:     buyers,
			NewProperties: properties,
		}, nil
	}

	status := &models.SyncStatus{
		NewBuyers:     max(0, buyers-b.Buyers),
		NewProperties: max(0, properties-b.Properties),
	}
	syncedAt := b.SyncedAt
	status.LastSyncedAt = &syncedAt
	status.Stale = status.NewBuyers > 0 || status.NewProperties > 0
	return status, nil
}

func (c *Cache) counts(ctx context.Context) (buyers, properties int, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := store.Count(gctx, c.records, store.Buyers)
		buyers = n
		return err
	})
	g.Go(func() error {
		n, err := store.Count(gctx, c.records, store.Properties)
		properties = n
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return buyers, properties, nil
}

func (c *Cache) refresh(ctx context.Context, q query) error {
	var (
		page interface{}
		err  error
	)
	gen := c.currentGeneration()
	switch q.Kind {
	case kindBuyers:
		page, err = c.buildBuyers(ctx, q)
	case kindProperties:
		page, err = c.buildProperties(ctx, q)
	default:
		return fmt.Errorf("unknown aggregate kind %q", q.Kind)
	}
	if err != nil {
		return err
	}
	c.store(ctx, q, page, gen)
	return nil
}

func (c *Cache) lookup(ctx context.Context, q query, out interface{}) bool {
	hit, err := cache.GetJSON(ctx, c.cache, q.key(), out)
	if err != nil {
		c.logger.WithError(err).WithField("key", q.key()).Warn("Aggregate cache read failed")
		hit = false
	}
	metrics.RecordAggregateLookup(string(q.Kind), hit)
	return hit
}

func (c *Cache) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// store writes a page built under generation gen and remembers its query.
// The write is dropped when an invalidation happened during the build.
// Cache write failures only cost a rebuild on the next read.
func (c *Cache) store(ctx context.Context, q query, page interface{}, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.served[q.key()] = q

	if gen != c.generation {
		c.logger.WithField("key", q.key()).Debug("Aggregate page outdated by invalidation, not cached")
		return
	}
	if err := cache.SetJSON(ctx, c.cache, q.key(), page, c.ttl); err != nil {
		c.logger.WithError(err).WithField("key", q.key()).Warn("Aggregate cache write failed")
	}
}

func (c *Cache) forget(q query) {
	c.mu.Lock()
	delete(c.served, q.key())
	c.mu.Unlock()
}

func (c *Cache) buildBuyers(ctx context.Context, q query) (*BuyerPage, error) {
	buyers, next, err := store.BuyersPage(ctx, c.records, store.ListOptions{
		Filter: q.Buyers.filter(),
		Limit:  q.PageSize,
		Cursor: q.Cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list buyers: %w", err)
	}

	ids := make([]string, 0, len(buyers))
	for _, b := range buyers {
		ids = append(ids, b.RecordID)
	}
	matches, err := c.matchesLinkedTo(ctx, store.FieldMatchBuyer, ids, func(m models.Match) string { return m.BuyerRecordID })
	if err != nil {
		return nil, err
	}

	propertyIDs := make([]string, 0, len(matches))
	for _, m := range matches {
		propertyIDs = append(propertyIDs, m.PropertyRecordID)
	}
	properties, err := batchGet(ctx, c, propertyIDs, store.BatchGetProperties)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Property, len(properties))
	for i := range properties {
		byID[properties[i].RecordID] = &properties[i]
	}

	grouped := make(map[string][]models.Match)
	for _, m := range matches {
		grouped[m.BuyerRecordID] = append(grouped[m.BuyerRecordID], m)
	}

	page := &BuyerPage{Data: make([]models.BuyerWithMatches, 0, len(buyers)), NextCursor: next}
	for _, b := range buyers {
		row := models.BuyerWithMatches{
			Buyer:       b,
			Matches:     make([]models.MatchWithProperty, 0, len(grouped[b.RecordID])),
			StageCounts: make(map[models.Stage]int),
		}
		for _, m := range grouped[b.RecordID] {
			row.Matches = append(row.Matches, models.MatchWithProperty{Match: m, Property: byID[m.PropertyRecordID]})
			row.StageCounts[m.Stage]++
		}
		row.TotalMatches = len(row.Matches)
		page.Data = append(page.Data, row)
	}
	sort.SliceStable(page.Data, func(i, j int) bool {
		return page.Data[i].TotalMatches > page.Data[j].TotalMatches
	})
	return page, nil
}

func (c *Cache) buildProperties(ctx context.Context, q query) (*PropertyPage, error) {
	properties, next, err := store.PropertiesPage(ctx, c.records, store.ListOptions{
		Filter: q.Properties.filter(),
		Limit:  q.PageSize,
		Cursor: q.Cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list properties: %w", err)
	}

	ids := make([]string, 0, len(properties))
	for _, p := range properties {
		ids = append(ids, p.RecordID)
	}
	matches, err := c.matchesLinkedTo(ctx, store.FieldMatchProperty, ids, func(m models.Match) string { return m.PropertyRecordID })
	if err != nil {
		return nil, err
	}

	buyerIDs := make([]string, 0, len(matches))
	for _, m := range matches {
		buyerIDs = append(buyerIDs, m.BuyerRecordID)
	}
	buyers, err := batchGet(ctx, c, buyerIDs, store.BatchGetBuyers)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Buyer, len(buyers))
	for i := range buyers {
		byID[buyers[i].RecordID] = &buyers[i]
	}

	grouped := make(map[string][]models.Match)
	for _, m := range matches {
		grouped[m.PropertyRecordID] = append(grouped[m.PropertyRecordID], m)
	}

	page := &PropertyPage{Data: make([]models.PropertyWithMatches, 0, len(properties)), NextCursor: next}
	for _, p := range properties {
		row := models.PropertyWithMatches{
			Property:    p,
			Matches:     make([]models.MatchWithBuyer, 0, len(grouped[p.RecordID])),
			StageCounts: make(map[models.Stage]int),
		}
		for _, m := range grouped[p.RecordID] {
			row.Matches = append(row.Matches, models.MatchWithBuyer{Match: m, Buyer: byID[m.BuyerRecordID]})
			row.StageCounts[m.Stage]++
		}
		row.TotalMatches = len(row.Matches)
		page.Data = append(page.Data, row)
	}
	sort.SliceStable(page.Data, func(i, j int) bool {
		return page.Data[i].TotalMatches > page.Data[j].TotalMatches
	})
	return page, nil
}

// matchesLinkedTo fetches every match whose link field references one of
// ids. FIND is a substring test, so results are re-checked against ids.
func (c *Cache) matchesLinkedTo(ctx context.Context, field string, ids []string, linkOf func(models.Match) string) ([]models.Match, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	chunks := processor.Chunk(ids, linkChunkSize)
	results, err := processor.Map(ctx, c.fanout, chunks, func(ctx context.Context, chunk []string) ([]models.Match, error) {
		return store.AllMatches(ctx, c.records, store.LinkIn(field, chunk))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}

	seen := make(map[string]bool)
	var matches []models.Match
	for _, chunk := range results {
		for _, m := range chunk {
			if !wanted[linkOf(m)] || seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			matches = append(matches, m)
		}
	}
	return matches, nil
}

// batchGet resolves linked records in chunks, one list request per chunk.
func batchGet[T any](ctx context.Context, c *Cache, ids []string, get func(context.Context, store.RecordStore, []string) ([]T, error)) ([]T, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	chunks := processor.Chunk(ids, linkChunkSize)
	results, err := processor.Map(ctx, c.fanout, chunks, func(ctx context.Context, chunk []string) ([]T, error) {
		return get(ctx, c.records, chunk)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve linked records: %w", err)
	}
	var out []T
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func normalizePageSize(n int) (int, error) {
	switch {
	case n == 0:
		return DefaultPageSize, nil
	case n < 0 || n > store.MaxPageSize:
		return 0, models.NewValidationError("page_size", "must be between 1 and %d", store.MaxPageSize)
	}
	return n, nil
}
