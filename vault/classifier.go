// Package vault assigns memory content to one of the six knowledge vaults
// (core categories) by keyword and pattern scoring.
package vault

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/guardian"
)

// Rule scores one vault. Each keyword contained in the lowercased content
// adds Weight; each matching pattern adds Weight * 1.5.
type Rule struct {
	Vault    core.Category
	Keywords []string
	Patterns []*regexp.Regexp
	Weight   float64
}

const (
	patternFactor  = 1.5
	affinityBonus  = 0.5
	fallbackVault  = core.CategoryOperational
	fallbackScore  = 0.25
	fallbackReason = "no vault keywords matched"
)

// DefaultRules returns the built-in rule set, in tie-break order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Vault: core.CategoryStrategic,
			Keywords: []string{
				"architecture", "decision", "roadmap", "strategy", "migration",
				"plan", "phase", "milestone", "stakeholder", "business",
				"revenue", "partnership", "positioning", "market", "tradeoff",
				"priority", "scope", "risk", "governance", "objective",
			},
			Patterns: compile(`ADR-\d+`, `(?i)phase \d`, `(?i)milestone`, `(?i)roadmap`, `(?i)strategic`),
			Weight:   0.9,
		},
		{
			Vault: core.CategoryTechnical,
			Keywords: []string{
				"pattern", "algorithm", "api", "database", "typescript", "react",
				"component", "endpoint", "schema", "query", "optimization",
				"refactor", "debug", "build", "deploy", "test", "config",
				"npm", "git", "function", "class", "interface", "module",
				"dependency", "performance", "cache", "index", "migration",
			},
			Patterns: compile(
				`function\s+\w+`,
				`class\s+\w+`,
				`import\s+\{`,
				`export\s+(default\s+)?`,
				`npm\s+(run|install|publish)`,
				`\.ts\b`,
				`\.tsx\b`,
				"```\\w+",
			),
			Weight: 0.85,
		},
		{
			Vault: core.CategoryCreative,
			Keywords: []string{
				"voice", "tone", "style", "narrative", "story", "brand",
				"design", "aesthetic", "color", "typography", "animation",
				"ux", "copy", "tagline", "myth", "lore", "canon",
				"guardian", "godbeast", "element", "mythology", "art",
			},
			Patterns: compile(`(?i)voice\s+bible`, `(?i)brand\s+guide`, `(?i)design\s+system`, `(?i)canon`, `(?i)guardian\s+\w+`),
			Weight:   0.8,
		},
		{
			Vault: core.CategoryOperational,
			Keywords: []string{
				"session", "current", "today", "now", "working", "progress",
				"status", "todo", "next", "blocking", "context", "active",
				"recent", "sprint", "standup", "update", "ticket", "issue",
			},
			Patterns: compile(`(?i)today`, `(?i)right now`, `(?i)currently`, `(?i)in progress`, `(?i)blocked by`),
			Weight:   0.7,
		},
		{
			Vault: core.CategoryWisdom,
			Keywords: []string{
				"meta", "insight", "lesson", "principle", "philosophy",
				"observation", "recurring", "universal", "cross-domain",
				"fundamental", "always", "never", "truth", "pattern",
				"realization", "epiphany", "heuristic", "axiom",
			},
			Patterns: compile(`(?i)lesson learned`, `(?i)key insight`, `(?i)fundamental`, `(?i)principle`, `(?i)meta-pattern`, `(?i)rule of thumb`),
			Weight:   0.75,
		},
		{
			Vault: core.CategoryHorizon,
			Keywords: []string{
				"wish", "future", "hope", "dream", "envision", "imagine",
				"beautiful", "benevolent", "aligned", "humanity", "purpose",
				"golden age", "consciousness", "aspiration", "intention",
				"vision", "better world", "flourish",
			},
			Patterns: compile(`(?i)wish for`, `(?i)I hope`, `(?i)imagine a`, `(?i)in the future`, `(?i)golden age`, `(?i)good future`, `(?i)one day`),
			Weight:   0.85,
		},
	}
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// Classification is the result of classifying one piece of content.
type Classification struct {
	Category   core.Category
	Confidence float64
	Level      core.Confidence
	Reasoning  string
	// Alternate is the runner-up vault, empty when no other vault scored.
	Alternate core.Category
	Scores    map[core.Category]float64
}

// Options configures a Classifier.
type Options struct {
	Rules []Rule
}

// Classifier scores content against a fixed rule set. It is deterministic
// and safe for concurrent use.
type Classifier struct {
	rules []Rule
}

// New creates a classifier with DefaultRules unless Rules are given.
func New(optFns ...func(o *Options)) *Classifier {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if len(opts.Rules) == 0 {
		opts.Rules = DefaultRules()
	}
	return &Classifier{rules: opts.Rules}
}

// Classify scores content without guardian context.
func (c *Classifier) Classify(content string) Classification {
	return c.ClassifyFor(content, "")
}

// ClassifyFor scores content and adds an affinity bonus to the preferred
// vaults of guardianID. Unknown guardians get no bonus.
func (c *Classifier) ClassifyFor(content, guardianID string) Classification {
	scores := c.scores(content)

	var g guardian.Info
	hasGuardian := false
	if guardianID != "" {
		g, hasGuardian = guardian.Lookup(guardianID)
		if hasGuardian {
			for _, v := range g.Vaults {
				scores[v] += affinityBonus
			}
		}
	}

	var (
		top, second           core.Category
		topScore, secondScore float64
		total                 float64
	)
	for _, r := range c.rules {
		s := scores[r.Vault]
		total += s
		switch {
		case s > topScore:
			second, secondScore = top, topScore
			top, topScore = r.Vault, s
		case s > secondScore:
			second, secondScore = r.Vault, s
		}
	}

	if total == 0 {
		return Classification{
			Category:   fallbackVault,
			Confidence: fallbackScore,
			Level:      core.ConfidenceLow,
			Reasoning:  fallbackReason,
			Scores:     scores,
		}
	}

	confidence := min(topScore/total, 1)
	reason := fmt.Sprintf("matched %s vault with score %.2f", top, topScore)
	if hasGuardian {
		reason += fmt.Sprintf(" (guardian: %s)", g.Name)
	}
	return Classification{
		Category:   top,
		Confidence: confidence,
		Level:      core.ConfidenceFromScore(confidence),
		Reasoning:  reason,
		Alternate:  second,
		Scores:     scores,
	}
}

// Categorize returns only the winning vault. It lets a Classifier serve as
// the namespace store's classification strategy.
func (c *Classifier) Categorize(content, agentID string) core.Category {
	return c.ClassifyFor(content, agentID).Category
}

func (c *Classifier) scores(content string) map[core.Category]float64 {
	lower := strings.ToLower(content)
	scores := make(map[core.Category]float64, len(c.rules))
	for _, r := range c.rules {
		s := 0.0
		for _, kw := range r.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				s += r.Weight
			}
		}
		for _, p := range r.Patterns {
			if p.MatchString(content) {
				s += r.Weight * patternFactor
			}
		}
		scores[r.Vault] += s
	}
	return scores
}

// GuardiansForVault lists the guardians that prefer vault, in catalog order.
func GuardiansForVault(vault core.Category) []string {
	var out []string
	for _, g := range guardian.Catalog() {
		for _, v := range g.Vaults {
			if v == vault {
				out = append(out, g.ID)
				break
			}
		}
	}
	return out
}

// VaultsForGuardian returns the preferred vaults of guardianID, primary first.
func VaultsForGuardian(guardianID string) []core.Category {
	g, ok := guardian.Lookup(guardianID)
	if !ok {
		return nil
	}
	return g.Vaults
}
