package model

// Analysis kinds requested by the upload source. Free-form strings are
// accepted; these are the ones the prompt builder knows about.
const (
	AnalysisKindScope    = "scope_analysis"
	AnalysisKindTakeoff  = "takeoff"
	AnalysisKindEstimate = "cost_estimate"
)

// TradeScope is one detected construction trade with its scope items
// and a rough cost window in whole dollars.
type TradeScope struct {
	Trade       string   `json:"trade"`
	ScopeItems  []string `json:"scope_items"`
	CostLowUSD  int64    `json:"cost_low_usd,omitempty"`
	CostHighUSD int64    `json:"cost_high_usd,omitempty"`
}

// AnalysisFindings is the structured output of the analyze stage and
// the core of the run's final result payload.
type AnalysisFindings struct {
	Summary string       `json:"summary"`
	Trades  []TradeScope `json:"trades"`

	Model            string `json:"model,omitempty"`
	Provider         string `json:"provider,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}
