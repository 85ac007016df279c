// Package app wires the record store, CRM and caches into the services the
// server and CLI expose.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"dealflow/server/config"
	"dealflow/server/internal/aggregate"
	"dealflow/server/internal/cache"
	"dealflow/server/internal/crm"
	"dealflow/server/internal/database"
	"dealflow/server/internal/geocoding"
	"dealflow/server/internal/matching"
	"dealflow/server/internal/metrics"
	"dealflow/server/internal/processor"
	"dealflow/server/internal/queue"
	"dealflow/server/internal/resilient"
	"dealflow/server/internal/scheduler"
	"dealflow/server/internal/stagesync"
	"dealflow/server/internal/store"
)

const syncQueueSize = 256

// Components groups everything built from a Config.
type Components struct {
	Records    store.RecordStore
	CRM        crm.Client
	Cache      cache.Store
	Stages     *config.StageMapping
	Fanout     *processor.BatchProcessor
	Aggregates *aggregate.Cache
	Engine     *stagesync.Engine
	Runner     *matching.Runner
	Geocoder   *geocoding.Geocoder
	Queue      *queue.SyncQueue
	Scheduler  *scheduler.Scheduler

	database *database.Database
	logger   *logrus.Logger
}

// Option overrides a component, mostly for tests.
type Option func(*Components)

// WithRecordStore replaces the HTTP record store client.
func WithRecordStore(rs store.RecordStore) Option {
	return func(c *Components) {
		c.Records = rs
	}
}

// WithCRM replaces the CRM client.
func WithCRM(client crm.Client) Option {
	return func(c *Components) {
		c.CRM = client
	}
}

// NewLogger returns a JSON logger at the configured level.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		logger.WithField("value", level).Warn("Invalid LOG_LEVEL, using info")
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// Build creates every component. The sync queue is subscribed to the
// engine but not started; callers that serve traffic call Start.
func Build(cfg *config.Config, logger *logrus.Logger, opts ...Option) (*Components, error) {
	if logger == nil {
		logger = NewLogger(cfg.Server.LogLevel)
	}
	c := &Components{logger: logger}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.Cache.DBPath != "" {
		db, err := database.Open(cfg.Cache.DBPath, logger)
		if err != nil {
			return nil, err
		}
		c.database = database.NewDatabase(db, logger)
		if err := c.database.RunMigrations(); err != nil {
			_ = c.database.Close()
			return nil, fmt.Errorf("failed to migrate cache database: %w", err)
		}
		c.Cache = c.database
	} else {
		c.Cache = cache.NewMemory()
	}

	if c.Records == nil {
		c.Records = store.NewClient(cfg.Store.BaseURL, cfg.Store.BaseID, cfg.Store.APIKey, newHTTPClient(cfg, "record_store", logger), logger)
	}
	if c.CRM == nil {
		if cfg.CRMEnabled() {
			c.CRM = crm.NewHTTPClient(crm.Options{
				BaseURL:    cfg.CRM.BaseURL,
				Token:      cfg.CRM.APIToken,
				LocationID: cfg.CRM.LocationID,
				LabelTTL:   cfg.Cache.LabelTTL,
			}, newHTTPClient(cfg, "crm", logger), c.Cache, logger)
		} else {
			logger.Info("CRM credentials not set, relation sync disabled")
			c.CRM = crm.Noop{}
		}
	}

	stages, err := config.LoadStageMapping(cfg.CRM.StageMappingPath)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Stages = stages

	c.Fanout = processor.NewBatchProcessor(cfg, logger)
	c.Aggregates = aggregate.NewCache(c.Records, c.Cache, c.Fanout, cfg.Cache.AggregateTTL, logger)
	c.Engine = stagesync.NewEngine(c.Records, c.CRM, c.Stages, c.Aggregates, stagesync.Options{
		PropertyObjectKey: cfg.CRM.PropertyObjectKey,
		AddressField:      cfg.CRM.AddressField,
		OpportunityField:  cfg.CRM.OpportunityField,
	}, logger)
	c.Runner = matching.NewRunner(c.Records, matching.DefaultScorer{}, c.Aggregates, c.Fanout, cfg.Matching.MinScore, logger)
	if cfg.Geocoding.Enabled {
		c.Geocoder = geocoding.NewGeocoder(geocoding.Options{
			BaseURL:   cfg.Geocoding.BaseURL,
			UserAgent: cfg.Geocoding.UserAgent,
			Interval:  cfg.Geocoding.Interval,
		}, newHTTPClient(cfg, "geocoder", logger), c.Cache, logger)
		c.Runner.SetLocator(c.Geocoder)
	}

	c.Queue = queue.NewSyncQueue(syncQueueSize, cfg.Retry.Timeout*2, logger)
	c.Queue.Subscribe(func(ctx context.Context, job queue.SyncJob) error {
		_, err := c.Engine.SyncRelation(ctx, job.MatchID)
		return err
	})
	c.Scheduler = scheduler.NewScheduler(c.Aggregates, cfg.Cache.AutoSyncInterval, logger)

	return c, nil
}

// Close drains the sync queue and closes the cache database.
func (c *Components) Close() {
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.Queue != nil {
		if err := c.Queue.Close(); err != nil {
			c.logger.WithError(err).Error("Failed to close sync queue")
		}
	}
	if c.database != nil {
		if err := c.database.Close(); err != nil {
			c.logger.WithError(err).Error("Failed to close cache database")
		}
	}
}

func newHTTPClient(cfg *config.Config, upstream string, logger *logrus.Logger) *resilient.Client {
	return resilient.NewClient(logger,
		resilient.WithDoer(&http.Client{Timeout: cfg.Retry.Timeout}),
		resilient.WithMaxRetries(cfg.Retry.MaxRetries),
		resilient.WithBackoff(cfg.Retry.InitialDelay, cfg.Retry.MaxDelay),
		resilient.WithRetryObserver(func(reason string) {
			metrics.RecordRetry(upstream, reason)
		}),
	)
}
