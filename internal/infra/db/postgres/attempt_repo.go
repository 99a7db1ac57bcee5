package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"construction-doc-analysis/internal/domain"
	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/repository"
)

var _ repository.StageAttemptRepository = (*stageAttemptRepo)(nil)

type stageAttemptRepo struct {
	pool *pgxpool.Pool
}

func NewStageAttemptRepo(pool *pgxpool.Pool) *stageAttemptRepo {
	return &stageAttemptRepo{pool: pool}
}

func (r *stageAttemptRepo) Record(ctx context.Context, tx repository.Tx, a *model.StageAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	const q = `
INSERT INTO stage_attempts (id, run_id, stage, attempt, started_at, ended_at, outcome, error_kind, error_msg)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
  ended_at = EXCLUDED.ended_at,
  outcome = EXCLUDED.outcome,
  error_kind = EXCLUDED.error_kind,
  error_msg = EXCLUDED.error_msg;`
	_, err := execSQL(ctx, r.pool, tx, q,
		a.ID, a.RunID, string(a.Stage), a.Attempt, a.StartedAt, a.EndedAt, string(a.Outcome), a.ErrorKind, a.ErrorMsg)
	return err
}

func (r *stageAttemptRepo) LatestAttempt(ctx context.Context, runID string, stage model.Stage) (int, error) {
	row, err := pickRow(ctx, r.pool, nil,
		`SELECT COALESCE(MAX(attempt), 0) FROM stage_attempts WHERE run_id = $1 AND stage = $2;`,
		runID, string(stage))
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, domain.ErrReadDatabaseRow
	}
	return n, nil
}

func (r *stageAttemptRepo) ListByRun(ctx context.Context, runID string) ([]*model.StageAttempt, error) {
	rows, err := pickRows(ctx, r.pool, nil, `
SELECT id, run_id, stage, attempt, started_at, ended_at, outcome, error_kind, error_msg
FROM stage_attempts WHERE run_id = $1
ORDER BY started_at, attempt;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.StageAttempt
	for rows.Next() {
		var a model.StageAttempt
		var stage, outcome string
		if err := rows.Scan(&a.ID, &a.RunID, &stage, &a.Attempt, &a.StartedAt, &a.EndedAt, &outcome, &a.ErrorKind, &a.ErrorMsg); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, domain.ErrNotFound
			}
			return nil, domain.ErrReadDatabaseRow
		}
		a.Stage = model.Stage(stage)
		a.Outcome = model.AttemptOutcome(outcome)
		out = append(out, &a)
	}
	return out, rows.Err()
}
