package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"construction-doc-analysis/internal/domain/ports/repository"
	"construction-doc-analysis/internal/infra/metrics"
)

// RetentionWorker periodically deletes terminal runs older than the
// retention window, together with their attempts and stage outputs.
type RetentionWorker struct {
	interval  time.Duration
	retention time.Duration
	runs      repository.WorkflowRunRepository
	log       *zerolog.Logger
}

func NewRetentionWorker(interval, retention time.Duration, runs repository.WorkflowRunRepository, logger *zerolog.Logger) *RetentionWorker {
	rwLog := logger.With().Str("component", "RetentionWorker").Logger()
	return &RetentionWorker{
		interval:  interval,
		retention: retention,
		runs:      runs,
		log:       &rwLog,
	}
}

func (w *RetentionWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("retention", w.retention).Msg("Starting retention worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping retention worker")
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().Add(-w.retention)
			n, err := w.runs.DeleteTerminalBefore(ctx, cutoff)
			if err != nil {
				w.log.Error().Err(err).Msg("retention sweep error")
				continue
			}
			if n > 0 {
				metrics.AddRunsReaped(n)
				w.log.Info().Int("count", n).Time("cutoff", cutoff).Msg("terminal runs reaped")
			}
		}
	}
}
