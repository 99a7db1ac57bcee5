package ai

import (
	"encoding/json"
	"strings"

	"construction-doc-analysis/internal/domain"
	"construction-doc-analysis/internal/domain/model"
)

// parseFindings decodes the model's reply into findings. Models
// sometimes wrap JSON in markdown fences or preamble text, so the
// parser cuts to the outermost object before decoding.
func parseFindings(raw string) (*model.AnalysisFindings, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, domain.NewStageError(domain.KindServiceRejection, "analysis reply contained no JSON object", nil)
	}

	var f model.AnalysisFindings
	if err := json.Unmarshal([]byte(s[start:end+1]), &f); err != nil {
		return nil, domain.NewStageError(domain.KindServiceRejection, "analysis reply was not valid JSON", err)
	}
	if f.Summary == "" && len(f.Trades) == 0 {
		return nil, domain.NewStageError(domain.KindServiceRejection, "analysis reply was empty", nil)
	}
	return &f, nil
}
