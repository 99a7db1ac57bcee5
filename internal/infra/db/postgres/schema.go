package postgres

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"
)

// EnsureSchema creates the pipeline tables when they do not exist.
// The partial unique index on request_fingerprint is the atomic
// guard behind the at-most-one-active-run-per-fingerprint invariant.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS workflow_runs (
    id                  TEXT PRIMARY KEY,
    request_fingerprint TEXT NOT NULL,
    file_identity       TEXT NOT NULL,
    storage_location    TEXT NOT NULL,
    analysis_kind       TEXT NOT NULL,
    page_count          INT  NOT NULL DEFAULT 0,
    status              TEXT NOT NULL,
    current_stage       TEXT NOT NULL,
    last_seq            BIGINT NOT NULL DEFAULT 0,
    result              JSONB,
    error_kind          TEXT NOT NULL DEFAULT '',
    error_msg           TEXT NOT NULL DEFAULT '',
    cancel_requested    BOOLEAN NOT NULL DEFAULT FALSE,
    claimed_by          TEXT NOT NULL DEFAULT '',
    claimed_until       TIMESTAMPTZ,
    started_at          TIMESTAMPTZ NOT NULL,
    completed_at        TIMESTAMPTZ,
    updated_at          TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS workflow_runs_active_fingerprint
    ON workflow_runs (request_fingerprint)
    WHERE status IN ('pending', 'running');

CREATE INDEX IF NOT EXISTS workflow_runs_claimable
    ON workflow_runs (started_at)
    WHERE status IN ('pending', 'running');

CREATE TABLE IF NOT EXISTS stage_attempts (
    id         TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL REFERENCES workflow_runs (id) ON DELETE CASCADE,
    stage      TEXT NOT NULL,
    attempt    INT  NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    ended_at   TIMESTAMPTZ,
    outcome    TEXT NOT NULL DEFAULT '',
    error_kind TEXT NOT NULL DEFAULT '',
    error_msg  TEXT NOT NULL DEFAULT '',
    UNIQUE (run_id, stage, attempt)
);

CREATE TABLE IF NOT EXISTS stage_outputs (
    run_id     TEXT NOT NULL REFERENCES workflow_runs (id) ON DELETE CASCADE,
    stage      TEXT NOT NULL,
    payload    JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (run_id, stage)
);`
	_, err := pool.Exec(ctx, ddl)
	return err
}
