package ai

import (
	"fmt"

	"construction-doc-analysis/internal/domain/model"
)

const systemPrompt = `You are a construction estimating assistant. You read text extracted
from construction documents (plans, specifications, scope sheets) and
return a structured analysis as a single JSON object with this shape:

{
  "summary": "two or three sentence overview of the project",
  "trades": [
    {
      "trade": "trade name, e.g. Electrical",
      "scope_items": ["specific scope item", "..."],
      "cost_low_usd": 0,
      "cost_high_usd": 0
    }
  ]
}

Return ONLY the JSON object. Cost figures are rough order-of-magnitude
whole dollars; omit them (use 0) when the document gives no basis.`

func userPrompt(kind, documentText string) string {
	var task string
	switch kind {
	case model.AnalysisKindTakeoff:
		task = "Produce a quantity takeoff: for each trade, list measurable scope items with quantities where the text supports them."
	case model.AnalysisKindEstimate:
		task = "Produce a cost-focused analysis: for each trade, emphasize the cost range and what drives it."
	default:
		task = "Identify the construction trades involved and the scope of work for each."
	}
	return fmt.Sprintf("%s\n\nDocument text follows:\n\n%s", task, documentText)
}
