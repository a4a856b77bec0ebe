package sync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mbme/arhiv-sub003/internal/events"
)

const (
	// DefaultSyncInterval is the auto-sync period when none is configured.
	DefaultSyncInterval = 5 * time.Minute
	// DefaultMinCycleGap spaces event-triggered cycles.
	DefaultMinCycleGap = 10 * time.Second
)

var errMissingSyncer = errors.New("sync: syncer is required")

// Syncer runs one sync cycle.
type Syncer interface {
	Sync(ctx context.Context) (Result, error)
}

// SchedulerConfig configures auto-sync.
type SchedulerConfig struct {
	Syncer      Syncer
	Events      *events.Dispatcher
	Interval    time.Duration
	MinCycleGap time.Duration
	Logger      *zap.Logger
}

// Scheduler runs sync cycles on a timer and whenever documents are committed or a new
// peer shows up. Cycles never overlap and are rate limited.
type Scheduler struct {
	syncer   Syncer
	events   *events.Dispatcher
	interval time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewScheduler validates cfg. A negative interval disables the timer.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Syncer == nil {
		return nil, errMissingSyncer
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultSyncInterval
	}
	gap := cfg.MinCycleGap
	if gap <= 0 {
		gap = DefaultMinCycleGap
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		syncer:   cfg.Syncer,
		events:   cfg.Events,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(gap), 1),
		logger:   logger,
	}, nil
}

// Run blocks until ctx is done. A running cycle is allowed to finish its current step.
func (s *Scheduler) Run(ctx context.Context) error {
	var triggers <-chan events.Event
	if s.events != nil {
		stream, unsubscribe := s.events.Subscribe(ctx, events.DocumentsCommitted, events.PeerDiscovered)
		defer unsubscribe()
		triggers = stream
	}
	var ticks <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	s.logger.Info("auto-sync started", zap.Duration("interval", s.interval))

	for {
		reason := "interval"
		select {
		case <-ctx.Done():
			s.logger.Info("auto-sync stopped")
			return nil
		case <-ticks:
		case event := <-triggers:
			reason = string(event.Kind)
		}
		if err := s.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("auto-sync stopped")
				return nil
			}
			return err
		}
		drain(triggers)
		s.runCycle(ctx, reason)
	}
}

func (s *Scheduler) runCycle(ctx context.Context, reason string) {
	s.logger.Debug("auto-sync triggered", zap.String("reason", reason))
	_, err := s.syncer.Sync(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoPeers):
		s.logger.Debug("auto-sync found no peers")
	case errors.Is(err, ErrSyncInProgress):
		s.logger.Debug("auto-sync skipped, cycle in progress")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Warn("auto-sync cycle failed", zap.String("reason", reason), zap.Error(err))
	}
}

// drain coalesces triggers queued while waiting for the limiter.
func drain(triggers <-chan events.Event) {
	for {
		select {
		case <-triggers:
		default:
			return
		}
	}
}
