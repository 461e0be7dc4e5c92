package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const reclaimBatchSize = 100

// WorkerOptions tunes the polling loop.
type WorkerOptions struct {
	PollInterval   time.Duration
	StaleAfter     time.Duration
	MaxAttempts    int
	ProcessTimeout time.Duration
}

// WorkerStats counts loop activity since start.
type WorkerStats struct {
	mu              sync.RWMutex
	Processed       uint64
	Accepted        uint64
	Rejected        uint64
	Reclaimed       uint64
	Abandoned       uint64
	DataSetupErrors uint64
	LastPoll        time.Time
}

// Worker polls the event store and processes one event at a time, oldest
// first. A single active worker is assumed; claims are still atomic so a
// second instance cannot process the same event twice.
type Worker struct {
	repo        Repository
	processor   *EventProcessor
	logger      *logrus.Logger
	opts        WorkerOptions
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	stats       *WorkerStats
	lastReclaim time.Time
}

func NewWorker(repo Repository, processor *EventProcessor, logger *logrus.Logger, opts WorkerOptions) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 1500 * time.Millisecond
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Worker{
		repo:      repo,
		processor: processor,
		logger:    logger,
		opts:      opts,
		now:       utcNow,
		sleep:     sleepContext,
		stats:     &WorkerStats{},
	}
}

// Run loops until ctx is cancelled. Store errors are logged and retried after
// the poll interval; they never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.WithFields(logrus.Fields{
		"poll_interval": w.opts.PollInterval,
		"stale_after":   w.opts.StaleAfter,
		"max_attempts":  w.opts.MaxAttempts,
	}).Info("Worker started")
	defer w.logger.Info("Worker stopped")

	w.reclaim(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}

		worked, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.WithError(err).Error("Worker iteration failed")
		}
		if worked && err == nil {
			if w.opts.StaleAfter > 0 && w.now().Sub(w.lastReclaim) >= w.opts.StaleAfter {
				w.reclaim(ctx)
			}
			continue
		}

		w.reclaim(ctx)
		if err := w.sleep(ctx, w.opts.PollInterval); err != nil {
			return nil
		}
	}
}

// RunOnce claims and processes the oldest RECEIVED event. It reports false
// when the queue was empty.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	w.updateStats(func(s *WorkerStats) { s.LastPoll = w.now() })

	event, err := w.repo.NextReceivedEvent(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to poll event store: %w", err)
	}
	if event == nil {
		return false, nil
	}

	err = transitionEvent(ctx, w.repo, event, eventClaim, map[string]interface{}{
		"claimed_at": w.now(),
		"attempts":   gorm.Expr("attempts + ?", 1),
	})
	if errors.Is(err, ErrClaimLost) {
		w.logger.WithField("event_id", event.EventID).Debug("Event claimed elsewhere")
		return true, nil
	}
	if err != nil {
		return false, err
	}
	event.Attempts++

	pctx := ctx
	if w.opts.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, w.opts.ProcessTimeout)
		defer cancel()
	}

	outcome, err := w.processor.Process(pctx, event)
	if err != nil {
		return true, fmt.Errorf("failed to record outcome of event %s: %w", event.EventID, err)
	}

	w.updateStats(func(s *WorkerStats) {
		s.Processed++
		switch outcome.Status {
		case EventStatusAccepted:
			s.Accepted++
		case EventStatusRejected:
			s.Rejected++
			if outcome.Rejection != nil && outcome.Rejection.Kind == RejectionDataSetup {
				s.DataSetupErrors++
			}
		}
	})
	return true, nil
}

// ReclaimStale returns PROCESSING events whose claim is older than StaleAfter
// to RECEIVED, or rejects them once they have used MaxAttempts claims.
func (w *Worker) ReclaimStale(ctx context.Context) (int, error) {
	if w.opts.StaleAfter <= 0 {
		return 0, nil
	}
	cutoff := w.now().Add(-w.opts.StaleAfter)
	events, err := w.repo.ListStaleProcessing(ctx, cutoff, reclaimBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale events: %w", err)
	}

	reclaimed := 0
	for _, event := range events {
		if event.Attempts >= w.opts.MaxAttempts {
			_, err := w.processor.reject(ctx, event, &RejectionRecord{
				Kind:     RejectionAbandoned,
				Errors:   []string{fmt.Sprintf("processing did not finish after %d attempts", event.Attempts)},
				Attempts: event.Attempts,
			})
			if err != nil && !errors.Is(err, ErrClaimLost) {
				return reclaimed, err
			}
			if err == nil {
				w.updateStats(func(s *WorkerStats) { s.Abandoned++; s.Rejected++ })
			}
			continue
		}

		err := transitionEvent(ctx, w.repo, event, eventRequeue, map[string]interface{}{"claimed_at": nil})
		if errors.Is(err, ErrClaimLost) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		reclaimed++
		w.updateStats(func(s *WorkerStats) { s.Reclaimed++ })
		w.logger.WithFields(logrus.Fields{
			"event_id": event.EventID,
			"attempts": event.Attempts,
		}).Warn("Requeued stale event")
	}
	return reclaimed, nil
}

// Stats returns a snapshot of the loop counters.
func (w *Worker) Stats() map[string]interface{} {
	w.stats.mu.RLock()
	defer w.stats.mu.RUnlock()

	return map[string]interface{}{
		"processed":         w.stats.Processed,
		"accepted":          w.stats.Accepted,
		"rejected":          w.stats.Rejected,
		"reclaimed":         w.stats.Reclaimed,
		"abandoned":         w.stats.Abandoned,
		"data_setup_errors": w.stats.DataSetupErrors,
		"last_poll":         w.stats.LastPoll,
	}
}

func (w *Worker) reclaim(ctx context.Context) {
	w.lastReclaim = w.now()
	if _, err := w.ReclaimStale(ctx); err != nil {
		w.logger.WithError(err).Error("Failed to reclaim stale events")
	}
}

func (w *Worker) updateStats(fn func(*WorkerStats)) {
	w.stats.mu.Lock()
	defer w.stats.mu.Unlock()
	fn(w.stats)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
