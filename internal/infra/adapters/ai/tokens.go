package ai

import (
	"github.com/pkoukk/tiktoken-go"
)

// truncateToTokens trims text to at most maxTokens tokens for the
// given model, so oversized extractions fit the context window
// instead of bouncing off the provider.
func truncateToTokens(modelName, text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	enc, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			// No encoder available: fall back to a crude rune budget
			// (~4 chars per token) rather than sending unbounded text.
			limit := maxTokens * 4
			runes := []rune(text)
			if len(runes) <= limit {
				return text
			}
			return string(runes[:limit])
		}
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return enc.Decode(tokens[:maxTokens])
}
