package contextbank

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/hupe1980/guardianmesh/core"
)

// Scorer rates fragments against a query. Scores are in [0,1]; zero means
// unrelated. Add is called once for every stored fragment before it becomes
// visible to Score.
type Scorer interface {
	Add(ctx context.Context, f Fragment) error
	Score(ctx context.Context, query string, fragments []Fragment) ([]float64, error)
}

// Remover is implemented by scorers that keep their own index. The bank calls
// Remove for fragments it drops so the index never holds unknown ids.
type Remover interface {
	Remove(ctx context.Context, ids ...string) error
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {}, "you": {},
	"all": {}, "any": {}, "can": {}, "had": {}, "her": {}, "was": {}, "one": {},
	"our": {}, "out": {}, "has": {}, "have": {}, "its": {}, "into": {}, "with": {},
	"this": {}, "that": {}, "from": {}, "they": {}, "will": {}, "would": {}, "there": {},
	"their": {}, "what": {}, "about": {}, "which": {}, "when": {}, "your": {}, "how": {},
	"than": {}, "then": {}, "them": {}, "these": {}, "those": {}, "some": {}, "such": {},
	"also": {}, "been": {}, "were": {}, "does": {}, "did": {}, "just": {}, "over": {},
}

// salientTerms returns the distinct lowercased terms of text without stop
// words and without terms shorter than three runes.
func salientTerms(text string) []string {
	terms := core.Terms(text)
	out := terms[:0]
	for _, t := range terms {
		if utf8.RuneCountInString(t) < 3 {
			continue
		}
		if _, stop := stopWords[t]; stop {
			continue
		}
		out = append(out, t)
	}
	return out
}

func termSet(f Fragment) map[string]struct{} {
	terms := salientTerms(f.Text + " " + strings.Join(f.Tags, " "))
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[t] = struct{}{}
	}
	return set
}

func shared(query []string, set map[string]struct{}) int {
	n := 0
	for _, t := range query {
		if _, ok := set[t]; ok {
			n++
		}
	}
	return n
}

// OverlapScorer scores the fraction of salient query terms that also occur
// in the fragment text or tags.
type OverlapScorer struct{}

// Add is a no-op.
func (OverlapScorer) Add(context.Context, Fragment) error { return nil }

// Score implements Scorer.
func (OverlapScorer) Score(_ context.Context, query string, fragments []Fragment) ([]float64, error) {
	q := salientTerms(query)
	scores := make([]float64, len(fragments))
	if len(q) == 0 {
		return scores, nil
	}
	for i, f := range fragments {
		scores[i] = float64(shared(q, termSet(f))) / float64(len(q))
	}
	return scores, nil
}
