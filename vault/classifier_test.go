package vault

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/namespace"
)

var _ namespace.Classifier = (*Classifier)(nil)

func TestClassify(t *testing.T) {
	c := New()

	tests := []struct {
		name      string
		content   string
		vault     core.Category
		alternate core.Category
		level     core.Confidence
	}{
		{"strategic", "Decided on the roadmap for the migration", core.CategoryStrategic, core.CategoryTechnical, core.ConfidenceHigh},
		{"wisdom", "Key insight: caches hide latency.", core.CategoryWisdom, core.CategoryTechnical, core.ConfidenceMedium},
		{"horizon", "I hope for a good future", core.CategoryHorizon, "", core.ConfidenceVerified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.content)
			assert.Equal(t, tt.vault, got.Category)
			assert.Equal(t, tt.alternate, got.Alternate)
			assert.Equal(t, tt.level, got.Level)
			assert.Greater(t, got.Confidence, 0.0)
			assert.LessOrEqual(t, got.Confidence, 1.0)
			assert.Contains(t, got.Reasoning, string(tt.vault))
		})
	}
}

func TestClassifyScores(t *testing.T) {
	got := New().Classify("Decided on the roadmap for the migration")
	// roadmap + migration keywords and the roadmap pattern.
	assert.InDelta(t, 0.9+0.9+0.9*1.5, got.Scores[core.CategoryStrategic], 1e-9)
	assert.InDelta(t, 0.85, got.Scores[core.CategoryTechnical], 1e-9)
	assert.InDelta(t, 3.15/4.0, got.Confidence, 1e-9)
}

func TestClassifyFallback(t *testing.T) {
	got := New().Classify("xyzzy blorp fleem")
	assert.Equal(t, core.CategoryOperational, got.Category)
	assert.Equal(t, 0.25, got.Confidence)
	assert.Equal(t, core.ConfidenceLow, got.Level)
	assert.Equal(t, "no vault keywords matched", got.Reasoning)
	assert.Empty(t, got.Alternate)
}

func TestClassifyForAffinity(t *testing.T) {
	c := New()

	got := c.ClassifyFor("xyzzy", "Lyria")
	assert.Equal(t, core.CategoryWisdom, got.Category)
	assert.Equal(t, core.CategoryHorizon, got.Alternate)
	assert.InDelta(t, 0.5, got.Confidence, 1e-9)
	assert.Contains(t, got.Reasoning, "guardian: Lyria")

	// Affinity breaks a close call.
	plain := c.Classify("status of the design review")
	boosted := c.ClassifyFor("status of the design review", "leyla")
	assert.Equal(t, plain.Scores[core.CategoryCreative]+0.5, boosted.Scores[core.CategoryCreative])

	unknown := c.ClassifyFor("xyzzy", "nobody")
	assert.Equal(t, "no vault keywords matched", unknown.Reasoning)
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := New()
	content := "Refactor the cache module; lesson learned: always measure first"
	first := c.ClassifyFor(content, "draconia")
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, c.ClassifyFor(content, "draconia"))
	}
}

func TestTieGoesToRuleOrder(t *testing.T) {
	c := New(func(o *Options) {
		o.Rules = []Rule{
			{Vault: core.CategoryCreative, Keywords: []string{"alpha"}, Weight: 1},
			{Vault: core.CategoryTechnical, Keywords: []string{"beta"}, Weight: 1},
		}
	})
	got := c.Classify("beta alpha")
	assert.Equal(t, core.CategoryCreative, got.Category)
	assert.Equal(t, core.CategoryTechnical, got.Alternate)
}

func TestCustomPatterns(t *testing.T) {
	c := New(func(o *Options) {
		o.Rules = []Rule{{Vault: core.CategoryTechnical, Patterns: []*regexp.Regexp{regexp.MustCompile(`CVE-\d+`)}, Weight: 1}}
	})
	got := c.Classify("patched CVE-2024 today")
	assert.Equal(t, core.CategoryTechnical, got.Category)
	assert.InDelta(t, 1.5, got.Scores[core.CategoryTechnical], 1e-9)
}

func TestCategorize(t *testing.T) {
	assert.Equal(t, core.CategoryStrategic, New().Categorize("roadmap milestone", "ino"))
}

func TestAffinityLookups(t *testing.T) {
	require.Equal(t, []core.Category{core.CategoryOperational, core.CategoryCreative}, VaultsForGuardian("ino"))
	assert.Nil(t, VaultsForGuardian("nobody"))
	assert.Equal(t, []string{"lyria", "aiyami", "elara", "shinkami"}, GuardiansForVault(core.CategoryHorizon))
}
