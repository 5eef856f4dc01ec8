package openai

import (
	"context"
	"testing"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/cost"
)

func TestModelKey(t *testing.T) {
	assert.Equal(t, cost.ModelGPT4Mini, ModelKey(string(openai.ChatModelGPT4oMini)))
	assert.Equal(t, cost.ModelGPT4o, ModelKey("gpt-4o-2024-08-06"))
	assert.Equal(t, cost.ModelGPT4, ModelKey("GPT-4-turbo"))
	assert.Equal(t, "o3", ModelKey("o3"))
}

func TestRecord(t *testing.T) {
	tr, err := cost.New()
	require.NoError(t, err)

	completion := &openai.ChatCompletion{
		Model: "gpt-4o",
		Usage: openai.CompletionUsage{PromptTokens: 700, CompletionTokens: 300, TotalTokens: 1000},
	}
	require.NoError(t, Record(context.Background(), tr, "alera", completion))

	p, ok := tr.GuardianProfile("alera")
	require.True(t, ok)
	assert.Equal(t, int64(1000), p.TotalTokensUsed)
	assert.InDelta(t, 1000*5.0/1e6, p.CostEstimate, 1e-12)

	assert.ErrorIs(t, Record(context.Background(), tr, "alera", nil), core.ErrValidation)
}
