package core

import (
	"sort"
	"strings"
	"unicode"
)

// SearchResult is a retrieved entry with its relevance score.
type SearchResult struct {
	Entry Entry   `json:"entry"`
	Score float64 `json:"score"`
}

// Terms splits text into distinct lowercase words, in first-seen order.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// ScoreEntry returns the fraction of query terms found in the entry content
// or tags. An empty query scores 1 so that it matches everything.
func ScoreEntry(terms []string, e Entry) float64 {
	if len(terms) == 0 {
		return 1
	}
	content := strings.ToLower(e.Content)
	tags := strings.ToLower(strings.Join(e.Tags, " "))
	hits := 0
	for _, t := range terms {
		if strings.Contains(content, t) || strings.Contains(tags, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

// Rank scores candidates against query, drops non-matching entries and
// returns at most limit results ordered by score. Candidates must be passed
// in insertion order; equal scores keep that order.
func Rank(query string, f Filters, candidates []Entry, limit int) []SearchResult {
	terms := Terms(query)
	results := make([]SearchResult, 0, len(candidates))
	for _, e := range candidates {
		if !f.Match(e) {
			continue
		}
		score := ScoreEntry(terms, e)
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{Entry: e.Clone(), Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Page applies offset and limit to an ordered slice.
func Page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
