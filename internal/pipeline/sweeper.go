package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/pulselab/ecg-be/shared/logger"
)

const staleReason = "analysis deadline exceeded"

// Sweeper periodically fails measurements that have sat in processing past
// the deadline, so a lost response cannot strand a record forever.
type Sweeper struct {
	store    Store
	applier  ResultApplier
	interval time.Duration
	deadline time.Duration
	logger   *logger.Logger
}

func NewSweeper(store Store, applier ResultApplier, interval, deadline time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		applier:  applier,
		interval: interval,
		deadline: deadline,
		logger:   log,
	}
}

// Run sweeps on a ticker until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("stale measurement sweeper started",
		slog.Duration("interval", s.interval),
		slog.Duration("deadline", s.deadline))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.deadline)

	stale, err := s.store.ListStaleProcessing(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to list stale measurements", slog.Any("error", err))
		return
	}

	for _, m := range stale {
		if err := s.applier.ApplyError(ctx, m.ID, []string{staleReason}); err != nil {
			s.logger.Error("failed to expire stale measurement",
				slog.String("measurement_id", m.ID),
				slog.Any("error", err))
			continue
		}

		s.logger.Warn("stale measurement expired",
			slog.String("measurement_id", m.ID),
			slog.Time("last_update", m.UpdatedAt))
	}
}
