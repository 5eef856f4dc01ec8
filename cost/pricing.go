package cost

import "strings"

// Pricing keys understood by PerToken.
const (
	ModelClaude       = "claude"
	ModelClaudeSonnet = "claude-sonnet"
	ModelClaudeOpus   = "claude-opus"
	ModelClaudeHaiku  = "claude-haiku"
	ModelGemini       = "gemini"
	ModelGPT4         = "gpt4"
	ModelGPT4o        = "gpt4o"
	ModelGPT4Mini     = "gpt4-mini"
)

// DefaultPerMillion is charged for models missing from the table. It matches
// the most expensive common tier so unknown models are never under-reported.
const DefaultPerMillion = 15.0

var perMillion = map[string]float64{
	ModelClaude:       3,
	ModelClaudeSonnet: 3,
	ModelClaudeOpus:   15,
	ModelClaudeHaiku:  0.25,
	ModelGemini:       1,
	ModelGPT4:         30,
	ModelGPT4o:        5,
	ModelGPT4Mini:     0.60,
}

// PerToken returns the USD price of one token for model.
func PerToken(model string) float64 {
	if p, ok := perMillion[strings.ToLower(strings.TrimSpace(model))]; ok {
		return p / 1e6
	}
	return DefaultPerMillion / 1e6
}

// Known reports whether model has an explicit price.
func Known(model string) bool {
	_, ok := perMillion[strings.ToLower(strings.TrimSpace(model))]
	return ok
}
