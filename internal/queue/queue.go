package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// SyncJob asks for a match's CRM relation to be brought in line with its
// current stage.
type SyncJob struct {
	MatchID    string
	EnqueuedAt time.Time
}

// Handler processes one job.
type Handler func(ctx context.Context, job SyncJob) error

// SyncQueue is an in-memory, single-consumer queue of CRM sync jobs. Jobs
// run in the order they were pushed.
type SyncQueue struct {
	items    chan SyncJob
	finished chan struct{}
	maxSize  int
	closed   bool
	started  bool
	mu       sync.RWMutex
	logger   *logrus.Logger
	handlers []Handler
	timeout  time.Duration
}

// NewSyncQueue creates a queue with the specified buffer size. Each job
// gets at most timeout to run; zero means no limit.
func NewSyncQueue(bufferSize int, timeout time.Duration, logger *logrus.Logger) *SyncQueue {
	if logger == nil {
		logger = logrus.New()
	}
	return &SyncQueue{
		items:    make(chan SyncJob, bufferSize),
		finished: make(chan struct{}),
		maxSize:  bufferSize,
		logger:   logger,
		handlers: make([]Handler, 0),
		timeout:  timeout,
	}
}

// Push adds a job without blocking.
func (q *SyncQueue) Push(matchID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- SyncJob{MatchID: matchID, EnqueuedAt: time.Now()}:
		q.logger.WithField("match_id", matchID).Debug("Queued CRM sync")
		return nil
	default:
		return ErrQueueFull
	}
}

// Subscribe adds a handler that will be called for each job.
func (q *SyncQueue) Subscribe(handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, handler)
}

// Start begins processing jobs in the queue.
func (q *SyncQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	go q.process()
}

func (q *SyncQueue) process() {
	defer close(q.finished)
	for job := range q.items {
		q.processJob(job)
	}
}

func (q *SyncQueue) processJob(job SyncJob) {
	q.mu.RLock()
	handlers := q.handlers
	q.mu.RUnlock()

	ctx := context.Background()
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	for _, handler := range handlers {
		if err := handler(ctx, job); err != nil {
			q.logger.WithError(err).WithFields(logrus.Fields{
				"match_id": job.MatchID,
				"waited":   time.Since(job.EnqueuedAt).String(),
			}).Error("Handler failed to process sync job")
		}
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (q *SyncQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.items)
	started := q.started
	q.mu.Unlock()

	if started {
		<-q.finished
	}
	return nil
}

// Len returns the current number of jobs in the queue.
func (q *SyncQueue) Len() int {
	return len(q.items)
}

// IsClosed returns whether the queue has been closed.
func (q *SyncQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
