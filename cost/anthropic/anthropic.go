// Package anthropic records token usage reported by the Anthropic Messages API.
package anthropic

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/cost"
)

// ModelKey maps an Anthropic model id onto a pricing key. Unknown families
// map to the generic claude price.
func ModelKey(m anthropic.Model) string {
	id := strings.ToLower(string(m))
	switch {
	case strings.Contains(id, "haiku"):
		return cost.ModelClaudeHaiku
	case strings.Contains(id, "opus"):
		return cost.ModelClaudeOpus
	case strings.Contains(id, "sonnet"):
		return cost.ModelClaudeSonnet
	default:
		return cost.ModelClaude
	}
}

// Tokens sums every billed token class of u: input, output, cache reads and
// cache writes.
func Tokens(u anthropic.Usage) int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

// Record charges the usage of msg to agentID.
func Record(ctx context.Context, t *cost.Tracker, agentID string, msg *anthropic.Message) error {
	if msg == nil {
		return &core.ValidationError{Field: "message", Reason: "must not be nil"}
	}
	return t.RecordUsage(ctx, agentID, Tokens(msg.Usage), ModelKey(msg.Model))
}
