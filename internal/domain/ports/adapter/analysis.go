package adapter

import (
	"context"

	"construction-doc-analysis/internal/domain/model"
)

// Usage mirrors the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// AnalysisRequest is one LLM analysis call. IdempotencyKey is derived
// from (workflowId, stageName) so a retried attempt cannot become a
// second billable call on providers that honor it.
type AnalysisRequest struct {
	Model           string
	AnalysisKind    string
	DocumentText    string
	MaxPromptTokens int
	IdempotencyKey  string
}

// AnalysisAdapter wraps one LLM provider. Failures come back as
// classified domain.StageError values.
type AnalysisAdapter interface {
	Name() string
	Analyze(ctx context.Context, req AnalysisRequest) (*model.AnalysisFindings, Usage, error)
}
