//go:build !integration

package ai

import (
	"testing"

	"construction-doc-analysis/internal/domain"
)

func TestParseFindingsPlainJSON(t *testing.T) {
	f, err := parseFindings(`{"summary":"small renovation","trades":[{"trade":"Electrical","scope_items":["new panel"]}]}`)
	if err != nil {
		t.Fatalf("parseFindings: %v", err)
	}
	if f.Summary != "small renovation" || len(f.Trades) != 1 || f.Trades[0].Trade != "Electrical" {
		t.Fatalf("unexpected findings: %+v", f)
	}
}

func TestParseFindingsStripsMarkdownFences(t *testing.T) {
	raw := "Here is the analysis:\n```json\n{\"summary\":\"fenced\",\"trades\":[]}\n```\nLet me know if you need more."
	f, err := parseFindings(raw)
	if err != nil {
		t.Fatalf("parseFindings: %v", err)
	}
	if f.Summary != "fenced" {
		t.Fatalf("summary = %q, want fenced", f.Summary)
	}
}

func TestParseFindingsCutsToOutermostObject(t *testing.T) {
	raw := `The result is {"summary":"wrapped","trades":[{"trade":"HVAC","scope_items":[]}]} as requested.`
	f, err := parseFindings(raw)
	if err != nil {
		t.Fatalf("parseFindings: %v", err)
	}
	if f.Summary != "wrapped" {
		t.Fatalf("summary = %q, want wrapped", f.Summary)
	}
}

func TestParseFindingsRejectsGarbage(t *testing.T) {
	for name, raw := range map[string]string{
		"no json":      "I could not analyze this document.",
		"invalid json": `{"summary": }`,
		"empty result": `{"summary":"","trades":[]}`,
	} {
		if _, err := parseFindings(raw); err == nil {
			t.Errorf("%s: expected error", name)
		} else if domain.KindOf(err) != domain.KindServiceRejection {
			t.Errorf("%s: kind = %s, want service_rejection (not retryable)", name, domain.KindOf(err))
		}
	}
}

func TestUserPromptVariesByAnalysisKind(t *testing.T) {
	scope := userPrompt("scope_analysis", "doc")
	takeoff := userPrompt("takeoff", "doc")
	estimate := userPrompt("cost_estimate", "doc")
	if scope == takeoff || takeoff == estimate || scope == estimate {
		t.Fatal("analysis kinds must produce distinct task instructions")
	}
}

func TestTruncateToTokensBoundsLongText(t *testing.T) {
	long := ""
	for i := 0; i < 2000; i++ {
		long += "drywall framing electrical plumbing "
	}
	short := truncateToTokens("gpt-4o-mini", long, 100)
	if len(short) >= len(long) {
		t.Fatal("oversized text not truncated")
	}
	if got := truncateToTokens("gpt-4o-mini", "tiny input", 100); got != "tiny input" {
		t.Fatalf("small text modified: %q", got)
	}
	if got := truncateToTokens("gpt-4o-mini", long, 0); got != long {
		t.Fatal("zero budget must disable truncation")
	}
}
