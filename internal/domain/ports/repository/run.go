package repository

import (
	"context"
	"time"

	"construction-doc-analysis/internal/domain/model"
)

// WorkflowRunRepository is the durable substrate of the orchestrator:
// runs are the checkpoints, claims are leases, and the per-run
// sequence counter backs progress-event ordering.
type WorkflowRunRepository interface {
	// CreateIfAbsent inserts run unless an active run already holds
	// the same fingerprint. Exactly one of N concurrent callers
	// observes created=true; the rest get the winning run back.
	CreateIfAbsent(ctx context.Context, run *model.WorkflowRun) (created bool, active *model.WorkflowRun, err error)

	FindByID(ctx context.Context, tx Tx, id string) (*model.WorkflowRun, error)
	FindActiveByFingerprint(ctx context.Context, fingerprint string) (*model.WorkflowRun, error)

	// ClaimNext atomically claims one pending run, or one running run
	// whose lease expired (crashed worker), for the given claimant.
	// Returns domain.ErrNoPendingRun when nothing is claimable.
	ClaimNext(ctx context.Context, claimant string, lease time.Duration) (*model.WorkflowRun, error)
	ExtendLease(ctx context.Context, runID string, lease time.Duration) error

	// CheckpointStage persists the stage the run will execute next so
	// a restarted process resumes there instead of re-running work.
	CheckpointStage(ctx context.Context, tx Tx, runID string, stage model.Stage) error
	SaveStageOutput(ctx context.Context, tx Tx, runID string, stage model.Stage, payload []byte) error
	LoadStageOutput(ctx context.Context, runID string, stage model.Stage) ([]byte, error)

	// Terminal transitions guard on the current status so a late
	// result from a cancelled run is discarded: they report false when
	// the run was no longer in a state that allows the transition.
	MarkCompleted(ctx context.Context, runID string, result []byte) (bool, error)
	MarkFailed(ctx context.Context, runID, errorKind, errorMsg string) (bool, error)
	MarkCancelled(ctx context.Context, runID string) (bool, error)

	RequestCancel(ctx context.Context, runID string) (*model.WorkflowRun, error)
	IsCancelRequested(ctx context.Context, runID string) (bool, error)

	// NextSequence issues the next progress-event sequence number for
	// the run. Strictly increasing, durable across restarts.
	NextSequence(ctx context.Context, runID string) (int64, error)

	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type StageAttemptRepository interface {
	// Record upserts the attempt by id; called once when the attempt
	// starts and again when it ends with its outcome.
	Record(ctx context.Context, tx Tx, attempt *model.StageAttempt) error
	LatestAttempt(ctx context.Context, runID string, stage model.Stage) (int, error)
	ListByRun(ctx context.Context, runID string) ([]*model.StageAttempt, error)
}
