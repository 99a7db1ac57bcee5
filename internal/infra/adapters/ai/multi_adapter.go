package ai

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"construction-doc-analysis/internal/domain"
	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/adapter"
)

var _ adapter.AnalysisAdapter = (*MultiAnalysisAdapter)(nil)

// MultiAnalysisAdapter fails over between providers in configured
// order. The error returned when every provider fails is the FIRST
// provider's classified error, which is what the run records.
type MultiAnalysisAdapter struct {
	order      []string
	byProvider map[string]adapter.AnalysisAdapter
	log        *zerolog.Logger
}

func NewMultiAnalysisAdapter(order []string, byProvider map[string]adapter.AnalysisAdapter, logger *zerolog.Logger) *MultiAnalysisAdapter {
	normalized := make([]string, 0, len(order))
	for _, p := range order {
		normalized = append(normalized, strings.ToLower(p))
	}
	maLog := logger.With().Str("component", "MultiAnalysisAdapter").Logger()
	return &MultiAnalysisAdapter{order: normalized, byProvider: byProvider, log: &maLog}
}

func (m *MultiAnalysisAdapter) Name() string { return "multi" }

func (m *MultiAnalysisAdapter) Analyze(ctx context.Context, req adapter.AnalysisRequest) (*model.AnalysisFindings, adapter.Usage, error) {
	var firstErr error
	for _, provider := range m.order {
		a := m.byProvider[provider]
		if a == nil {
			continue
		}
		findings, usage, err := a.Analyze(ctx, req)
		if err == nil {
			return findings, usage, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if domain.KindOf(err) == domain.KindCancelled {
			return nil, usage, err
		}
		m.log.Warn().Err(err).Str("provider", provider).Msg("analysis provider failed; trying next")
	}
	if firstErr == nil {
		firstErr = domain.NewStageError(domain.KindServiceRejection, "no analysis provider configured", nil)
	}
	return nil, adapter.Usage{}, firstErr
}
