package scheduler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dealflow/server/internal/aggregate"
	"dealflow/server/internal/models"
)

// Aggregates is the part of the aggregation cache the scheduler drives.
type Aggregates interface {
	Status(ctx context.Context) (*models.SyncStatus, error)
	SyncAll(ctx context.Context) (*aggregate.SyncResult, error)
}

// Scheduler periodically checks whether the record store has grown since
// the last sync and re-syncs the aggregate cache when it has.
type Scheduler struct {
	aggregates Aggregates
	logger     *logrus.Logger
	interval   time.Duration
	stopChan   chan struct{}
	wg         sync.WaitGroup
	jobMutex   sync.Mutex // Ensures sequential job execution
}

// NewScheduler creates a new scheduler
func NewScheduler(aggregates Aggregates, interval time.Duration, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)
	}

	return &Scheduler{
		aggregates: aggregates,
		logger:     logger,
		interval:   interval,
		stopChan:   make(chan struct{}),
	}
}

// Start begins the scheduled checks. A non-positive interval disables them.
func (s *Scheduler) Start() {
	if s.interval <= 0 {
		s.logger.Info("Auto sync disabled")
		return
	}
	s.wg.Add(1)
	go s.runScheduler()
}

func (s *Scheduler) runScheduler() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			s.CheckAndSync(ctx)
			cancel()
		}
	}
}

// CheckAndSync runs one staleness check, syncing when stale. It reports
// whether a sync ran.
func (s *Scheduler) CheckAndSync(ctx context.Context) bool {
	s.jobMutex.Lock()
	defer s.jobMutex.Unlock()

	status, err := s.aggregates.Status(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Staleness check failed")
		return false
	}
	if !status.Stale {
		s.logger.Debug("Aggregates are current")
		return false
	}

	s.logger.WithFields(logrus.Fields{
		"new_buyers":     status.NewBuyers,
		"new_properties": status.NewProperties,
	}).Info("Aggregates are stale, starting sync")

	result, err := s.aggregates.SyncAll(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Scheduled sync failed")
		return false
	}
	s.logger.WithFields(logrus.Fields{
		"refreshed":  result.Refreshed,
		"buyers":     result.Buyers,
		"properties": result.Properties,
	}).Info("Scheduled sync completed")
	return true
}

// Stop gracefully stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}
