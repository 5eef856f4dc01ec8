// Package openai records token usage reported by the OpenAI Chat Completions API.
package openai

import (
	"context"
	"strings"

	"github.com/openai/openai-go"

	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/cost"
)

// ModelKey maps an OpenAI model id onto a pricing key. Models outside the
// gpt-4 families return the id unchanged and are priced at the default rate.
func ModelKey(model string) string {
	id := strings.ToLower(model)
	switch {
	case strings.HasPrefix(id, "gpt-4o-mini"), strings.HasPrefix(id, "gpt-4.1-mini"):
		return cost.ModelGPT4Mini
	case strings.HasPrefix(id, "gpt-4o"):
		return cost.ModelGPT4o
	case strings.HasPrefix(id, "gpt-4"):
		return cost.ModelGPT4
	default:
		return id
	}
}

// Record charges the usage of completion to agentID.
func Record(ctx context.Context, t *cost.Tracker, agentID string, completion *openai.ChatCompletion) error {
	if completion == nil {
		return &core.ValidationError{Field: "completion", Reason: "must not be nil"}
	}
	return t.RecordUsage(ctx, agentID, completion.Usage.TotalTokens, ModelKey(completion.Model))
}
