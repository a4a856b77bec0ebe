package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DefaultAutoCommitDelay is how long staged documents may sit before they are committed.
const DefaultAutoCommitDelay = 600 * time.Second

// AutoCommitService commits staged documents once they have been left alone for the delay.
type AutoCommitService struct {
	store  *Store
	delay  time.Duration
	clock  func() time.Time
	logger *zap.Logger
}

// NewAutoCommitService validates the delay and falls back to DefaultAutoCommitDelay.
func NewAutoCommitService(store *Store, delay time.Duration, logger *zap.Logger) (*AutoCommitService, error) {
	if store == nil {
		return nil, errors.New("auto commit: store is required")
	}
	if delay <= 0 {
		delay = DefaultAutoCommitDelay
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &AutoCommitService{store: store, delay: delay, clock: store.clock, logger: logger}, nil
}

// Run checks every delay/2 until ctx is done.
func (a *AutoCommitService) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.delay / 2)
	defer ticker.Stop()

	a.logger.Info("auto commit started", zap.Duration("delay", a.delay))
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("auto commit stopped")
			return nil
		case <-ticker.C:
			if _, err := a.Tick(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("auto commit failed", zap.Error(err))
			}
		}
	}
}

// Tick commits when staged documents exist and the newest one is older than the delay.
func (a *AutoCommitService) Tick(ctx context.Context) (int, error) {
	count, latest, err := a.store.StagedSummary(ctx)
	if err != nil || count == 0 {
		return 0, err
	}
	if a.clock().Sub(latest) < a.delay {
		return 0, nil
	}
	if a.store.HasDocumentLocks() {
		a.logger.Debug("auto commit postponed, documents are locked", zap.Int64("staged", count))
		return 0, nil
	}
	committed, err := a.store.Commit(ctx)
	if err != nil {
		return 0, err
	}
	a.logger.Info("auto committed staged documents", zap.Int("count", committed))
	return committed, nil
}
