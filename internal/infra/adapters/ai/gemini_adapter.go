package ai

import (
	"context"
	"errors"
	"time"

	"google.golang.org/genai"

	"construction-doc-analysis/internal/domain"
	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/adapter"
	"construction-doc-analysis/internal/infra/metrics"
)

var _ adapter.AnalysisAdapter = (*GeminiAdapter)(nil)

type GeminiAdapter struct {
	client *genai.Client
	model  string
}

// NewGeminiAdapter creates a Gemini adapter using the official SDK.
func NewGeminiAdapter(ctx context.Context, apiKey, baseURL, defaultModel string) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	if defaultModel == "" {
		defaultModel = "gemini-2.0-flash"
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	return &GeminiAdapter{client: c, model: defaultModel}, nil
}

func (g *GeminiAdapter) Name() string { return "gemini" }

func (g *GeminiAdapter) Analyze(ctx context.Context, req adapter.AnalysisRequest) (*model.AnalysisFindings, adapter.Usage, error) {
	mdl := req.Model
	if mdl == "" {
		mdl = g.model
	}
	// Gemini has no public tokenizer here; the cl100k budget is an
	// approximation that keeps prompts bounded.
	text := truncateToTokens("gpt-4o", req.DocumentText, req.MaxPromptTokens)

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, mdl,
		genai.Text(userPrompt(req.AnalysisKind, text)),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		})
	latency := int(time.Since(start) / time.Millisecond)

	if err != nil {
		metrics.ObserveAnalysisCall(g.Name(), mdl, 0, 0, latency, false)
		return nil, adapter.Usage{}, classifyGeminiErr(err)
	}

	var usage adapter.Usage
	if resp.UsageMetadata != nil {
		usage = adapter.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	findings, err := parseFindings(resp.Text())
	if err != nil {
		metrics.ObserveAnalysisCall(g.Name(), mdl, usage.PromptTokens, usage.CompletionTokens, latency, false)
		return nil, usage, err
	}

	findings.Model = mdl
	findings.Provider = g.Name()
	findings.PromptTokens = usage.PromptTokens
	findings.CompletionTokens = usage.CompletionTokens
	metrics.ObserveAnalysisCall(g.Name(), mdl, usage.PromptTokens, usage.CompletionTokens, latency, true)
	return findings, usage, nil
}

func classifyGeminiErr(err error) error {
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		switch {
		case apierr.Code == 429:
			return domain.NewStageError(domain.KindCapacityExceeded, "analysis provider over capacity", err)
		case apierr.Code >= 500:
			return domain.NewStageError(domain.KindTransientIO, "analysis provider error", err)
		default:
			return domain.NewStageError(domain.KindServiceRejection, "analysis request rejected", err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return domain.NewStageError(domain.KindCancelled, "analysis cancelled", err)
	}
	return domain.NewStageError(domain.KindTransientIO, "analysis provider unreachable", err)
}
