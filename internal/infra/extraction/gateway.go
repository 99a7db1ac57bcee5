package extraction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"construction-doc-analysis/internal/domain"
	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/adapter"
	"construction-doc-analysis/internal/infra/metrics"
)

var _ adapter.ExtractionGateway = (*Gateway)(nil)

type GatewayConfig struct {
	PageThreshold       int // single call at or below this many pages
	MinBatchPages       int
	MaxBatchPages       int
	MaxConcurrency      int
	LargeDocPages       int // documents at or above get the higher cap
	LargeDocConcurrency int
	BatchAttempts       int
	BatchBackoff        time.Duration
}

// Gateway drives the tiered extraction chain: primary service (split
// into concurrent page-range batches for large inputs), then the
// plain-text extractor, then a synthetic placeholder. Every tier
// transition is surfaced through the notify callback so the run's
// client-visible trail records which tier produced the text.
type Gateway struct {
	primary   adapter.DocumentExtractor
	secondary adapter.DocumentExtractor
	cfg       GatewayConfig
	log       *zerolog.Logger
}

func NewGateway(primary, secondary adapter.DocumentExtractor, cfg GatewayConfig, logger *zerolog.Logger) *Gateway {
	if cfg.BatchBackoff <= 0 {
		cfg.BatchBackoff = 2 * time.Second
	}
	gwLog := logger.With().Str("component", "ExtractionGateway").Logger()
	return &Gateway{primary: primary, secondary: secondary, cfg: cfg, log: &gwLog}
}

func (g *Gateway) Extract(ctx context.Context, content []byte, pageCount int, opts model.ExtractionOptions, notify adapter.ProgressFunc) (*model.ExtractionResult, error) {
	if notify == nil {
		notify = func(context.Context, model.ProgressPayload) {}
	}
	if pageCount <= 0 {
		pageCount = 1
	}

	res, err := g.extractPrimary(ctx, content, pageCount, opts, notify)
	if err == nil {
		metrics.IncExtractionTier(string(res.Tier))
		return res, nil
	}
	if domain.KindOf(err) == domain.KindCancelled || ctx.Err() != nil {
		return nil, err
	}

	g.log.Warn().Err(err).Msg("primary extraction failed; falling back to plain text")
	notify(ctx, model.ProgressPayload{
		Tier:    string(model.TierTextOnly),
		Message: "primary extraction unavailable; using text-only fallback",
	})

	whole := model.PageRange{First: 1, Last: pageCount}
	sec, serr := g.secondary.Extract(ctx, adapter.ExtractRequest{Content: content, Pages: whole, Options: opts})
	if serr == nil {
		sec.Tier = model.TierTextOnly
		metrics.IncExtractionTier(string(sec.Tier))
		return sec, nil
	}
	if domain.KindOf(serr) == domain.KindCancelled || ctx.Err() != nil {
		return nil, serr
	}

	g.log.Warn().Err(serr).Msg("text fallback failed; emitting synthetic placeholder")
	notify(ctx, model.ProgressPayload{
		Tier:    string(model.TierSynthetic),
		Message: "no extractor available; result is a synthetic placeholder",
	})
	metrics.IncExtractionTier(string(model.TierSynthetic))
	return &model.ExtractionResult{
		Text:  "[document text unavailable: extraction services could not process this file]",
		Pages: pageCount,
		Tier:  model.TierSynthetic,
	}, nil
}

func (g *Gateway) extractPrimary(ctx context.Context, content []byte, pageCount int, opts model.ExtractionOptions, notify adapter.ProgressFunc) (*model.ExtractionResult, error) {
	if pageCount <= g.cfg.PageThreshold {
		res, err := g.primary.Extract(ctx, adapter.ExtractRequest{
			Content: content,
			Pages:   model.PageRange{First: 1, Last: pageCount},
			Options: opts,
		})
		if err != nil {
			return nil, err
		}
		res.Tier = model.TierPrimary
		return res, nil
	}
	return g.extractBatched(ctx, content, pageCount, opts, notify)
}

func (g *Gateway) concurrencyFor(pageCount int, opts model.ExtractionOptions) int64 {
	limit := opts.MaxConcurrency
	if limit <= 0 {
		limit = g.cfg.MaxConcurrency
	}
	if pageCount >= g.cfg.LargeDocPages && g.cfg.LargeDocConcurrency > limit {
		limit = g.cfg.LargeDocConcurrency
	}
	return int64(limit)
}

func (g *Gateway) extractBatched(ctx context.Context, content []byte, pageCount int, opts model.ExtractionOptions, notify adapter.ProgressFunc) (*model.ExtractionResult, error) {
	limit := g.concurrencyFor(pageCount, opts)
	ranges := splitRanges(pageCount, batchSize(pageCount, int(limit), g.cfg.MinBatchPages, g.cfg.MaxBatchPages))

	batches := make([]model.ExtractionBatch, len(ranges))
	for i, pr := range ranges {
		batches[i] = model.ExtractionBatch{Index: i, Pages: pr, Status: model.BatchPending}
	}
	notify(ctx, model.ProgressPayload{
		Message:      fmt.Sprintf("extracting %d pages in %d batches", pageCount, len(batches)),
		BatchesTotal: len(batches),
	})

	sem := semaphore.NewWeighted(limit)
	var wg sync.WaitGroup
	var mu sync.Mutex
	done := 0

	for i := range batches {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, domain.NewStageError(domain.KindCancelled, "extraction cancelled", err)
		}
		wg.Add(1)
		go func(b *model.ExtractionBatch) {
			defer wg.Done()
			defer sem.Release(1)
			g.runBatch(ctx, content, opts, b)

			mu.Lock()
			done++
			n := done
			mu.Unlock()
			notify(ctx, model.ProgressPayload{
				Message:      fmt.Sprintf("extracted pages %s", b.Pages),
				BatchesDone:  n,
				BatchesTotal: len(batches),
				Percent:      n * 100 / len(batches),
			})
		}(&batches[i])
	}
	wg.Wait()
	if ctx.Err() != nil {
		return nil, domain.NewStageError(domain.KindCancelled, "extraction cancelled", ctx.Err())
	}

	var firstErr error
	failed := 0
	for _, b := range batches {
		if b.Status == model.BatchFailed {
			failed++
			if firstErr == nil && b.Result == nil {
				firstErr = domain.NewStageError(domain.KindTransientIO,
					fmt.Sprintf("batch %s failed", b.Pages), nil)
			}
		}
	}
	if failed == len(batches) {
		return nil, firstErr
	}
	if failed > 0 && !opts.AllowPartialFailure {
		return nil, firstErr
	}

	merged := model.MergeBatches(batches)
	merged.Tier = model.TierPrimary
	return merged, nil
}

// runBatch performs one batch call with its own small retry budget;
// batches are independently retryable without restarting siblings.
func (g *Gateway) runBatch(ctx context.Context, content []byte, opts model.ExtractionOptions, b *model.ExtractionBatch) {
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= g.cfg.BatchAttempts; attempt++ {
		res, err := g.primary.Extract(ctx, adapter.ExtractRequest{Content: content, Pages: b.Pages, Options: opts})
		if err == nil {
			b.Status = model.BatchDone
			b.Result = res
			metrics.IncExtractionBatch(string(model.BatchDone), time.Since(start))
			return
		}
		lastErr = err
		if !domain.KindOf(err).Retryable() || attempt == g.cfg.BatchAttempts {
			break
		}
		select {
		case <-ctx.Done():
			b.Status = model.BatchFailed
			return
		case <-time.After(g.cfg.BatchBackoff * time.Duration(attempt)):
		}
	}
	b.Status = model.BatchFailed
	metrics.IncExtractionBatch(string(model.BatchFailed), time.Since(start))
	g.log.Warn().Err(lastErr).Str("pages", b.Pages.String()).Msg("extraction batch failed")
}

// batchSize balances per-request overhead against parallelism:
// pages spread evenly over the concurrency cap, clamped to the
// configured window.
func batchSize(pageCount, concurrency, minPages, maxPages int) int {
	if concurrency <= 0 {
		concurrency = 1
	}
	size := (pageCount + concurrency - 1) / concurrency
	if size < minPages {
		size = minPages
	}
	if size > maxPages {
		size = maxPages
	}
	return size
}

func splitRanges(pageCount, size int) []model.PageRange {
	var out []model.PageRange
	for first := 1; first <= pageCount; first += size {
		last := first + size - 1
		if last > pageCount {
			last = pageCount
		}
		out = append(out, model.PageRange{First: first, Last: last})
	}
	return out
}
