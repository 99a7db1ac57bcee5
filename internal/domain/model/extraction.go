package model

import (
	"fmt"
	"sort"
	"strings"
)

type ExtractionStrategy string

const (
	// StrategyFast favors latency: text only, no images or coordinates.
	StrategyFast ExtractionStrategy = "fast"
	// StrategyThorough extracts tables, images and layout coordinates.
	StrategyThorough ExtractionStrategy = "thorough"
)

// ExtractionTier identifies which ranked extractor produced a result.
type ExtractionTier string

const (
	TierPrimary   ExtractionTier = "primary"
	TierTextOnly  ExtractionTier = "text_fallback"
	TierSynthetic ExtractionTier = "synthetic"
)

type ExtractionOptions struct {
	Strategy            ExtractionStrategy
	ExtractTables       bool
	AllowPartialFailure bool
	MaxConcurrency      int
}

// PageRange is a contiguous, inclusive 1-based span of pages.
type PageRange struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

func (p PageRange) Count() int     { return p.Last - p.First + 1 }
func (p PageRange) String() string { return fmt.Sprintf("%d-%d", p.First, p.Last) }

type BatchStatus string

const (
	BatchPending BatchStatus = "pending"
	BatchDone    BatchStatus = "done"
	BatchFailed  BatchStatus = "failed"
)

// ExtractionBatch is a slice of a large input assigned to one
// concurrent extraction request. Partial results are batch-relative;
// merging rebases pages onto the source document.
type ExtractionBatch struct {
	Index  int
	Pages  PageRange
	Status BatchStatus
	Result *ExtractionResult
}

// Table is a detected table anchored to its source page.
type Table struct {
	Page int    `json:"page"`
	Text string `json:"text"`
}

// LayoutElement is a detected structural element (title, list item,
// figure caption) anchored to its source page.
type LayoutElement struct {
	Type string `json:"type"`
	Page int    `json:"page"`
	Text string `json:"text"`
}

type ExtractionResult struct {
	Text         string          `json:"text"`
	Pages        int             `json:"pages"`
	Tables       []Table         `json:"tables,omitempty"`
	Elements     []LayoutElement `json:"elements,omitempty"`
	Tier         ExtractionTier  `json:"tier"`
	Partial      bool            `json:"partial,omitempty"`
	FailedRanges []PageRange     `json:"failed_ranges,omitempty"`
}

// MergeBatches concatenates batch results in index order into one
// document-level result. Page numbers in tables and layout elements
// are rebased by each batch's first page so downstream consumers can
// still map findings back to source pages. Failed batches are
// recorded in FailedRanges and excluded from the merged text.
func MergeBatches(batches []ExtractionBatch) *ExtractionResult {
	sorted := make([]ExtractionBatch, len(batches))
	copy(sorted, batches)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	merged := &ExtractionResult{Tier: TierPrimary}
	var parts []string
	for _, b := range sorted {
		if b.Status != BatchDone || b.Result == nil {
			merged.Partial = true
			merged.FailedRanges = append(merged.FailedRanges, b.Pages)
			continue
		}
		offset := b.Pages.First - 1
		parts = append(parts, b.Result.Text)
		merged.Pages += b.Result.Pages
		for _, t := range b.Result.Tables {
			t.Page += offset
			merged.Tables = append(merged.Tables, t)
		}
		for _, el := range b.Result.Elements {
			el.Page += offset
			merged.Elements = append(merged.Elements, el)
		}
	}
	merged.Text = strings.Join(parts, "\n\n")
	return merged
}
