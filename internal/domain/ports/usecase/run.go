package usecase

import (
	"context"

	"construction-doc-analysis/internal/domain/model"
)

// StartInput is one upload-completion signal. Delivery may be
// at-least-once; Start is idempotent on the derived fingerprint.
type StartInput struct {
	FileIdentity    string
	StorageLocation string
	AnalysisKind    string
	PageCount       int
}

type StartResult struct {
	Run *model.WorkflowRun
	// Attached is true when the signal joined an already-active run
	// for the same fingerprint instead of creating a new one.
	Attached bool
}

type RunUseCase interface {
	Start(ctx context.Context, in StartInput) (*StartResult, error)
	Get(ctx context.Context, runID string) (*model.WorkflowRun, error)
	Cancel(ctx context.Context, runID string) (*model.WorkflowRun, error)
}
