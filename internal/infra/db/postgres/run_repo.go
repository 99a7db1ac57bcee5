package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"construction-doc-analysis/internal/domain"
	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/repository"
)

var _ repository.WorkflowRunRepository = (*workflowRunRepo)(nil)

type workflowRunRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
}

func NewWorkflowRunRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *workflowRunRepo {
	return &workflowRunRepo{pool: pool, tm: tm}
}

const runColumns = `
id, request_fingerprint, file_identity, storage_location, analysis_kind, page_count,
status, current_stage, last_seq, result, error_kind, error_msg,
cancel_requested, claimed_by, claimed_until, started_at, completed_at, updated_at`

func scanRun(row pgx.Row) (*model.WorkflowRun, error) {
	var r model.WorkflowRun
	var status, stage string
	err := row.Scan(
		&r.ID, &r.Fingerprint, &r.FileIdentity, &r.StorageLocation, &r.AnalysisKind, &r.PageCount,
		&status, &stage, &r.LastSeq, &r.Result, &r.ErrorKind, &r.ErrorMsg,
		&r.CancelRequested, &r.ClaimedBy, &r.ClaimedUntil, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	r.Status = model.RunStatus(status)
	r.CurrentStage = model.Stage(stage)
	return &r, nil
}

func (r *workflowRunRepo) CreateIfAbsent(ctx context.Context, run *model.WorkflowRun) (bool, *model.WorkflowRun, error) {
	const insert = `
INSERT INTO workflow_runs (` + runColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
ON CONFLICT (request_fingerprint) WHERE status IN ('pending', 'running') DO NOTHING;`

	// Two attempts: the conflicting run can reach a terminal state
	// between the failed insert and the lookup.
	for i := 0; i < 2; i++ {
		tag, err := execSQL(ctx, r.pool, nil, insert,
			run.ID, run.Fingerprint, run.FileIdentity, run.StorageLocation, run.AnalysisKind, run.PageCount,
			string(run.Status), string(run.CurrentStage), run.LastSeq, run.Result, run.ErrorKind, run.ErrorMsg,
			run.CancelRequested, run.ClaimedBy, run.ClaimedUntil, run.StartedAt, run.CompletedAt, run.UpdatedAt)
		if err != nil {
			return false, nil, err
		}
		if tag.RowsAffected() > 0 {
			return true, run, nil
		}
		active, err := r.FindActiveByFingerprint(ctx, run.Fingerprint)
		if err == nil {
			return false, active, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return false, nil, err
		}
	}
	return false, nil, domain.ErrAlreadyExists
}

func (r *workflowRunRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.WorkflowRun, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1;`, id)
	if err != nil {
		return nil, err
	}
	return scanRun(row)
}

func (r *workflowRunRepo) FindActiveByFingerprint(ctx context.Context, fingerprint string) (*model.WorkflowRun, error) {
	row, err := pickRow(ctx, r.pool, nil,
		`SELECT `+runColumns+` FROM workflow_runs WHERE request_fingerprint = $1 AND status IN ('pending', 'running');`,
		fingerprint)
	if err != nil {
		return nil, err
	}
	return scanRun(row)
}

// ClaimNext picks one pending run, or one running run whose claim
// lease lapsed, and leases it to claimant. SKIP LOCKED keeps
// concurrent workers from fighting over the same row.
func (r *workflowRunRepo) ClaimNext(ctx context.Context, claimant string, lease time.Duration) (*model.WorkflowRun, error) {
	var claimed *model.WorkflowRun
	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		const pick = `
SELECT ` + runColumns + `
FROM workflow_runs
WHERE status = 'pending'
   OR (status = 'running' AND claimed_until IS NOT NULL AND claimed_until < now())
ORDER BY started_at
LIMIT 1
FOR UPDATE SKIP LOCKED;`
		row, err := pickRow(ctx, r.pool, tx, pick)
		if err != nil {
			return err
		}
		run, err := scanRun(row)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.ErrNoPendingRun
			}
			return err
		}

		until := time.Now().Add(lease)
		run.Status = model.RunStatusRunning
		run.ClaimedBy = claimant
		run.ClaimedUntil = &until
		run.UpdatedAt = time.Now()
		const update = `
UPDATE workflow_runs
SET status = 'running', claimed_by = $2, claimed_until = $3, updated_at = $4
WHERE id = $1;`
		if _, err := execSQL(ctx, r.pool, tx, update, run.ID, claimant, until, run.UpdatedAt); err != nil {
			return err
		}
		claimed = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *workflowRunRepo) ExtendLease(ctx context.Context, runID string, lease time.Duration) error {
	_, err := execSQL(ctx, r.pool, nil,
		`UPDATE workflow_runs SET claimed_until = $2, updated_at = now() WHERE id = $1 AND status = 'running';`,
		runID, time.Now().Add(lease))
	return err
}

func (r *workflowRunRepo) CheckpointStage(ctx context.Context, tx repository.Tx, runID string, stage model.Stage) error {
	_, err := execSQL(ctx, r.pool, tx,
		`UPDATE workflow_runs SET current_stage = $2, updated_at = now() WHERE id = $1;`,
		runID, string(stage))
	return err
}

func (r *workflowRunRepo) SaveStageOutput(ctx context.Context, tx repository.Tx, runID string, stage model.Stage, payload []byte) error {
	const q = `
INSERT INTO stage_outputs (run_id, stage, payload)
VALUES ($1, $2, $3)
ON CONFLICT (run_id, stage) DO UPDATE SET payload = EXCLUDED.payload;`
	_, err := execSQL(ctx, r.pool, tx, q, runID, string(stage), payload)
	return err
}

func (r *workflowRunRepo) LoadStageOutput(ctx context.Context, runID string, stage model.Stage) ([]byte, error) {
	row, err := pickRow(ctx, r.pool, nil,
		`SELECT payload FROM stage_outputs WHERE run_id = $1 AND stage = $2;`, runID, string(stage))
	if err != nil {
		return nil, err
	}
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return payload, nil
}

// Terminal transitions guard on status = 'running' so a late result
// from a cancelled (or already finished) run cannot overwrite state.

func (r *workflowRunRepo) MarkCompleted(ctx context.Context, runID string, result []byte) (bool, error) {
	tag, err := execSQL(ctx, r.pool, nil, `
UPDATE workflow_runs
SET status = 'completed', result = $2, completed_at = now(), updated_at = now(),
    claimed_by = '', claimed_until = NULL
WHERE id = $1 AND status = 'running' AND NOT cancel_requested;`, runID, result)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *workflowRunRepo) MarkFailed(ctx context.Context, runID, errorKind, errorMsg string) (bool, error) {
	tag, err := execSQL(ctx, r.pool, nil, `
UPDATE workflow_runs
SET status = 'failed', error_kind = $2, error_msg = $3, completed_at = now(), updated_at = now(),
    claimed_by = '', claimed_until = NULL
WHERE id = $1 AND status = 'running';`, runID, errorKind, errorMsg)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *workflowRunRepo) MarkCancelled(ctx context.Context, runID string) (bool, error) {
	tag, err := execSQL(ctx, r.pool, nil, `
UPDATE workflow_runs
SET status = 'cancelled', completed_at = now(), updated_at = now(),
    claimed_by = '', claimed_until = NULL
WHERE id = $1 AND status IN ('pending', 'running');`, runID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *workflowRunRepo) RequestCancel(ctx context.Context, runID string) (*model.WorkflowRun, error) {
	_, err := execSQL(ctx, r.pool, nil, `
UPDATE workflow_runs SET cancel_requested = TRUE, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'running');`, runID)
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, nil, runID)
}

func (r *workflowRunRepo) IsCancelRequested(ctx context.Context, runID string) (bool, error) {
	row, err := pickRow(ctx, r.pool, nil,
		`SELECT cancel_requested FROM workflow_runs WHERE id = $1;`, runID)
	if err != nil {
		return false, err
	}
	var requested bool
	if err := row.Scan(&requested); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.ErrNotFound
		}
		return false, domain.ErrReadDatabaseRow
	}
	return requested, nil
}

func (r *workflowRunRepo) NextSequence(ctx context.Context, runID string) (int64, error) {
	row, err := pickRow(ctx, r.pool, nil,
		`UPDATE workflow_runs SET last_seq = last_seq + 1 WHERE id = $1 RETURNING last_seq;`, runID)
	if err != nil {
		return 0, err
	}
	var seq int64
	if err := row.Scan(&seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, domain.ErrReadDatabaseRow
	}
	return seq, nil
}

func (r *workflowRunRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := execSQL(ctx, r.pool, nil, `
DELETE FROM workflow_runs
WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1;`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
