//go:build !integration

package web_test

import (
	"context"

	"construction-doc-analysis/internal/domain"
	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/usecase"
)

// ---- Mock RunUseCase ----

type MockRunUC struct {
	StartFunc  func(ctx context.Context, in usecase.StartInput) (*usecase.StartResult, error)
	GetFunc    func(ctx context.Context, runID string) (*model.WorkflowRun, error)
	CancelFunc func(ctx context.Context, runID string) (*model.WorkflowRun, error)
}

var _ usecase.RunUseCase = (*MockRunUC)(nil)

func (m *MockRunUC) Start(ctx context.Context, in usecase.StartInput) (*usecase.StartResult, error) {
	if m.StartFunc != nil {
		return m.StartFunc(ctx, in)
	}
	run := model.NewWorkflowRun(in.FileIdentity, in.StorageLocation, in.AnalysisKind, in.PageCount)
	return &usecase.StartResult{Run: run}, nil
}

func (m *MockRunUC) Get(ctx context.Context, runID string) (*model.WorkflowRun, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, runID)
	}
	return nil, domain.ErrNotFound
}

func (m *MockRunUC) Cancel(ctx context.Context, runID string) (*model.WorkflowRun, error) {
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, runID)
	}
	return nil, domain.ErrNotFound
}
