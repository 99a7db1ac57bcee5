package adapter

import (
	"context"

	"construction-doc-analysis/internal/domain/model"
)

// ExtractRequest is one stateless call against an extraction backend.
// Pages selects the span to extract; page numbers in the result are
// relative to that span.
type ExtractRequest struct {
	Content []byte
	Pages   model.PageRange
	Options model.ExtractionOptions
}

// DocumentExtractor is one tier of the extraction fallback chain.
// Implementations classify every failure into a domain.StageError.
type DocumentExtractor interface {
	Name() string
	Extract(ctx context.Context, req ExtractRequest) (*model.ExtractionResult, error)
}

// ProgressFunc lets the gateway surface batch progress and fallback
// transitions without knowing about the bus.
type ProgressFunc func(ctx context.Context, payload model.ProgressPayload)

// ExtractionGateway turns a whole document into a merged result,
// handling batching, bounded concurrency and tier fallback.
type ExtractionGateway interface {
	Extract(ctx context.Context, content []byte, pageCount int, opts model.ExtractionOptions, notify ProgressFunc) (*model.ExtractionResult, error)
}
