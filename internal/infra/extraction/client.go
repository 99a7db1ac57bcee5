package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"context"

	"construction-doc-analysis/internal/domain"
	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/adapter"
)

// Compile-time assurance this client satisfies the port
var _ adapter.DocumentExtractor = (*Client)(nil)

// Client calls the primary document-extraction service. One call
// extracts one page range; the caller performs any splitting.
type Client struct {
	base   string
	apiKey string
	client *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("extraction base url empty")
	}
	return &Client{
		base:   baseURL,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) Name() string { return "primary" }

type extractRequestBody struct {
	Content       []byte `json:"content"` // base64 via encoding/json
	FirstPage     int    `json:"first_page"`
	LastPage      int    `json:"last_page"`
	Strategy      string `json:"strategy"`
	ExtractTables bool   `json:"extract_tables"`
	Coordinates   bool   `json:"coordinates"`
}

type extractResponseBody struct {
	Pages []struct {
		Page int    `json:"page"`
		Text string `json:"text"`
	} `json:"pages"`
	Tables   []model.Table         `json:"tables"`
	Elements []model.LayoutElement `json:"elements"`
}

func (c *Client) Extract(ctx context.Context, req adapter.ExtractRequest) (*model.ExtractionResult, error) {
	body := extractRequestBody{
		Content:       req.Content,
		FirstPage:     req.Pages.First,
		LastPage:      req.Pages.Last,
		Strategy:      string(req.Options.Strategy),
		ExtractTables: req.Options.ExtractTables,
		Coordinates:   req.Options.Strategy == model.StrategyThorough,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, domain.NewStageError(domain.KindServiceRejection, "could not encode extraction request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/general/v0/general", bytes.NewReader(b))
	if err != nil {
		return nil, domain.NewStageError(domain.KindServiceRejection, "could not build extraction request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("unstructured-api-key", c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, domain.NewStageError(domain.KindTransientIO, "extraction service unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.NewStageError(domain.KindCapacityExceeded, "extraction service over capacity", nil)
	case resp.StatusCode >= 500:
		return nil, domain.NewStageError(domain.KindTransientIO,
			fmt.Sprintf("extraction service error (%d)", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return nil, domain.NewStageError(domain.KindServiceRejection,
			fmt.Sprintf("extraction request rejected (%d)", resp.StatusCode), nil)
	}

	var out extractResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, domain.NewStageError(domain.KindServiceRejection, "malformed extraction response", err)
	}

	res := &model.ExtractionResult{
		Tier:     model.TierPrimary,
		Pages:    len(out.Pages),
		Tables:   out.Tables,
		Elements: out.Elements,
	}
	var buf bytes.Buffer
	for i, p := range out.Pages {
		if i > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(p.Text)
	}
	res.Text = buf.String()
	return res, nil
}
