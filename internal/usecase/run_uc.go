package usecase

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"construction-doc-analysis/internal/domain"
	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/repository"
	"construction-doc-analysis/internal/domain/ports/stream"
	"construction-doc-analysis/internal/domain/ports/usecase"
)

// Compile-time assurance the implementation satisfies the port
var _ usecase.RunUseCase = (*runUC)(nil)

// statusCache is the read-side snapshot store for Get. Optional; a nil
// cache degrades to database reads.
type statusCache interface {
	Store(ctx context.Context, run *model.WorkflowRun) error
	Get(ctx context.Context, runID string) (*model.WorkflowRun, error)
	Invalidate(ctx context.Context, runID string) error
}

type runUC struct {
	runs  repository.WorkflowRunRepository
	bus   stream.ProgressBus
	cache statusCache
	log   *zerolog.Logger
}

func NewRunUseCase(runs repository.WorkflowRunRepository, bus stream.ProgressBus, cache statusCache, logger *zerolog.Logger) usecase.RunUseCase {
	ucLog := logger.With().Str("component", "RunUseCase").Logger()
	return &runUC{runs: runs, bus: bus, cache: cache, log: &ucLog}
}

var validAnalysisKinds = map[string]bool{
	model.AnalysisKindScope:    true,
	model.AnalysisKindTakeoff:  true,
	model.AnalysisKindEstimate: true,
}

// Start registers a run for an upload-completion signal. Duplicate
// signals for the same (file, analysis kind) attach to the active run
// instead of spawning a second pipeline.
func (u *runUC) Start(ctx context.Context, in usecase.StartInput) (*usecase.StartResult, error) {
	switch {
	case in.FileIdentity == "":
		return nil, fmt.Errorf("%w: file identity required", domain.ErrInvalidArgument)
	case in.StorageLocation == "":
		return nil, fmt.Errorf("%w: storage location required", domain.ErrInvalidArgument)
	case in.PageCount < 1:
		return nil, fmt.Errorf("%w: page count must be positive", domain.ErrInvalidArgument)
	case !validAnalysisKinds[in.AnalysisKind]:
		return nil, fmt.Errorf("%w: unknown analysis kind %q", domain.ErrInvalidArgument, in.AnalysisKind)
	}

	run := model.NewWorkflowRun(in.FileIdentity, in.StorageLocation, in.AnalysisKind, in.PageCount)
	created, active, err := u.runs.CreateIfAbsent(ctx, run)
	if err != nil {
		return nil, err
	}
	if !created {
		u.log.Info().Str("workflow_id", active.ID).Str("fingerprint", active.Fingerprint).
			Msg("duplicate start attached to active run")
		return &usecase.StartResult{Run: active, Attached: true}, nil
	}

	u.publish(ctx, run.ID, model.EventStarted, model.ProgressPayload{
		Stage:   string(run.CurrentStage),
		Message: "analysis queued",
	})
	u.log.Info().Str("workflow_id", run.ID).Str("analysis_kind", run.AnalysisKind).
		Int("pages", run.PageCount).Msg("run created")
	return &usecase.StartResult{Run: run}, nil
}

func (u *runUC) Get(ctx context.Context, runID string) (*model.WorkflowRun, error) {
	if u.cache != nil {
		if run, err := u.cache.Get(ctx, runID); err == nil && run != nil {
			return run, nil
		}
	}
	run, err := u.runs.FindByID(ctx, nil, runID)
	if err != nil {
		return nil, err
	}
	if u.cache != nil && run.Status.Terminal() {
		if err := u.cache.Store(ctx, run); err != nil {
			u.log.Warn().Err(err).Str("workflow_id", runID).Msg("status snapshot failed")
		}
	}
	return run, nil
}

// Cancel is cooperative. A pending run flips to cancelled immediately;
// a running run gets the flag set and the orchestrator winds it down
// at the next stage boundary. Cancelling a terminal run is a no-op.
func (u *runUC) Cancel(ctx context.Context, runID string) (*model.WorkflowRun, error) {
	run, err := u.runs.FindByID(ctx, nil, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	if run.Status == model.RunStatusPending {
		ok, err := u.runs.MarkCancelled(ctx, runID)
		if err != nil {
			return nil, err
		}
		if ok {
			u.publish(ctx, runID, model.EventFailed, model.ProgressPayload{
				ErrorKind: string(domain.KindCancelled),
				Message:   "analysis cancelled",
			})
			if u.cache != nil {
				_ = u.cache.Invalidate(ctx, runID)
			}
			u.log.Info().Str("workflow_id", runID).Msg("pending run cancelled")
			return u.runs.FindByID(ctx, nil, runID)
		}
		// A worker claimed the run between the read and the update;
		// fall through to the cooperative path.
	}

	updated, err := u.runs.RequestCancel(ctx, runID)
	if err != nil {
		return nil, err
	}
	if u.cache != nil {
		_ = u.cache.Invalidate(ctx, runID)
	}
	u.log.Info().Str("workflow_id", runID).Msg("cancellation requested")
	return updated, nil
}

func (u *runUC) publish(ctx context.Context, runID string, typ model.EventType, payload model.ProgressPayload) {
	seq, err := u.runs.NextSequence(ctx, runID)
	if err != nil {
		u.log.Warn().Err(err).Str("workflow_id", runID).Msg("could not issue event sequence")
		return
	}
	if err := u.bus.Publish(ctx, model.NewProgressEvent(runID, seq, typ, payload)); err != nil {
		u.log.Warn().Err(err).Str("workflow_id", runID).Msg("progress publish failed")
	}
}
