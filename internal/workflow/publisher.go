package workflow

import (
	"context"

	"github.com/rs/zerolog"

	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/repository"
	"construction-doc-analysis/internal/domain/ports/stream"
)

// progressPublisher stamps events with the run's durable sequence
// counter before publishing. Publishing is best-effort: a bus hiccup
// must not fail the stage that produced the event.
type progressPublisher struct {
	runs repository.WorkflowRunRepository
	bus  stream.ProgressBus
	log  *zerolog.Logger
}

func newProgressPublisher(runs repository.WorkflowRunRepository, bus stream.ProgressBus, logger *zerolog.Logger) *progressPublisher {
	return &progressPublisher{runs: runs, bus: bus, log: logger}
}

func (p *progressPublisher) emit(ctx context.Context, workflowID string, typ model.EventType, payload model.ProgressPayload) {
	seq, err := p.runs.NextSequence(ctx, workflowID)
	if err != nil {
		p.log.Warn().Err(err).Str("workflow_id", workflowID).Msg("could not issue event sequence")
		return
	}
	ev := model.NewProgressEvent(workflowID, seq, typ, payload)
	if err := p.bus.Publish(ctx, ev); err != nil {
		p.log.Warn().Err(err).Str("workflow_id", workflowID).Msg("progress publish failed")
	}
}
