package extraction

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"construction-doc-analysis/internal/domain"
	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/adapter"
)

var _ adapter.DocumentExtractor = (*PlainTextExtractor)(nil)

// PlainTextExtractor is the secondary, lower-fidelity tier: it
// salvages printable text runs straight from the raw bytes. No
// tables, no layout, no coordinates. Good enough to keep an analysis
// run alive when the primary service is down.
type PlainTextExtractor struct {
	// MinRun is the shortest printable run worth keeping.
	MinRun int
}

func NewPlainTextExtractor() *PlainTextExtractor {
	return &PlainTextExtractor{MinRun: 4}
}

func (e *PlainTextExtractor) Name() string { return "plaintext" }

func (e *PlainTextExtractor) Extract(_ context.Context, req adapter.ExtractRequest) (*model.ExtractionResult, error) {
	text := salvageText(req.Content, e.MinRun)
	if strings.TrimSpace(text) == "" {
		return nil, domain.NewStageError(domain.KindServiceRejection, "no recoverable text in document", nil)
	}
	return &model.ExtractionResult{
		Text:  text,
		Pages: req.Pages.Count(),
		Tier:  model.TierTextOnly,
	}, nil
}

// salvageText keeps maximal runs of printable characters of at least
// minRun length, separated by single newlines.
func salvageText(data []byte, minRun int) string {
	var out strings.Builder
	var run strings.Builder

	flush := func() {
		if run.Len() >= minRun {
			if out.Len() > 0 {
				out.WriteByte('\n')
			}
			out.WriteString(strings.TrimSpace(run.String()))
		}
		run.Reset()
	}

	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		i += size
		if r == utf8.RuneError && size == 1 {
			flush()
			continue
		}
		if unicode.IsPrint(r) || r == ' ' || r == '\t' {
			run.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return out.String()
}
