package ai

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"construction-doc-analysis/internal/domain"
	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/adapter"
	"construction-doc-analysis/internal/infra/metrics"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.AnalysisAdapter = (*OpenAIAdapter)(nil)

type OpenAIAdapter struct {
	client openai.Client
	model  string
}

func NewOpenAIAdapter(apiKey, defaultModel string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &OpenAIAdapter{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  defaultModel,
	}, nil
}

func (o *OpenAIAdapter) Name() string { return "openai" }

func (o *OpenAIAdapter) Analyze(ctx context.Context, req adapter.AnalysisRequest) (*model.AnalysisFindings, adapter.Usage, error) {
	mdl := req.Model
	if mdl == "" {
		mdl = o.model
	}
	text := truncateToTokens(mdl, req.DocumentText, req.MaxPromptTokens)

	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(mdl),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt(req.AnalysisKind, text)),
		},
	}, option.WithHeader("Idempotency-Key", req.IdempotencyKey))
	latency := int(time.Since(start) / time.Millisecond)

	if err != nil {
		metrics.ObserveAnalysisCall(o.Name(), mdl, 0, 0, latency, false)
		return nil, adapter.Usage{}, classifyOpenAIErr(err)
	}
	if len(resp.Choices) == 0 {
		metrics.ObserveAnalysisCall(o.Name(), mdl, 0, 0, latency, false)
		return nil, adapter.Usage{}, domain.NewStageError(domain.KindServiceRejection, "analysis returned no choices", nil)
	}

	usage := adapter.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	findings, err := parseFindings(resp.Choices[0].Message.Content)
	if err != nil {
		metrics.ObserveAnalysisCall(o.Name(), mdl, usage.PromptTokens, usage.CompletionTokens, latency, false)
		return nil, usage, err
	}

	findings.Model = mdl
	findings.Provider = o.Name()
	findings.PromptTokens = usage.PromptTokens
	findings.CompletionTokens = usage.CompletionTokens
	metrics.ObserveAnalysisCall(o.Name(), mdl, usage.PromptTokens, usage.CompletionTokens, latency, true)
	return findings, usage, nil
}

func classifyOpenAIErr(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return domain.NewStageError(domain.KindCapacityExceeded, "analysis provider over capacity", err)
		case apierr.StatusCode >= 500:
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
