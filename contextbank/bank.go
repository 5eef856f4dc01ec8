// Package contextbank stores short context fragments and assembles compact
// prompts from the ones relevant to a query, so callers can send a few
// matching fragments instead of every note they hold.
package contextbank

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hupe1980/guardianmesh/cache"
	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/logging"
)

// Fragment is one stored piece of context.
type Fragment struct {
	ID   string   `json:"id"`
	Text string   `json:"text"`
	Tags []string `json:"tags,omitempty"`
	// Namespace scopes the fragment; retrievals for another namespace skip it.
	Namespace string     `json:"namespace,omitempty"`
	Tokens    int        `json:"tokens"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether f has an expiry that is not after now.
func (f Fragment) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && !now.Before(*f.ExpiresAt)
}

func (f Fragment) clone() Fragment {
	f.Tags = slices.Clone(f.Tags)
	if f.ExpiresAt != nil {
		t := *f.ExpiresAt
		f.ExpiresAt = &t
	}
	return f
}

// Match is a fragment with its relevance score.
type Match struct {
	Fragment Fragment `json:"fragment"`
	Score    float64  `json:"score"`
}

// EstimateTokens approximates the token count of text as ceil(runes/4).
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / 4))
}

// Options configures a Bank.
type Options struct {
	// MaxFragments caps the number of stored fragments; zero means unbounded.
	MaxFragments int
	// Limit is the default number of matches returned. Default 5.
	Limit int
	// Threshold is the default minimum score. Zero keeps every non-zero score.
	Threshold float64
	// Scorer rates fragments. Default OverlapScorer.
	Scorer Scorer
	// CacheSize bounds memoized retrievals. Default 128.
	CacheSize int
	// CacheTTL expires memoized retrievals; zero keeps them until the next Store.
	CacheTTL time.Duration

	Logger     logging.Logger
	Dispatcher *core.Dispatcher
	Now        func() time.Time
}

// Stats is a snapshot of bank counters.
type Stats struct {
	Fragments        int         `json:"fragments"`
	Retrievals       int64       `json:"retrievals"`
	Anomalies        int64       `json:"anomalies"`
	TotalTokensSaved int64       `json:"totalTokensSaved"`
	Cache            cache.Stats `json:"cache"`
}

// Bank is the context retrieval bank. It is safe for concurrent use.
type Bank struct {
	maxFragments int
	limit        int
	threshold    float64
	scorer       Scorer
	cache        *cache.Cache[string, []Match]
	logger       logging.Logger
	events       *core.Dispatcher
	now          func() time.Time

	mu          sync.Mutex
	fragments   []Fragment
	generation  uint64
	retrievals  int64
	anomalies   int64
	tokensSaved int64
}

// New creates an empty bank.
func New(optFns ...func(o *Options)) (*Bank, error) {
	opts := Options{
		Limit:     5,
		Scorer:    OverlapScorer{},
		CacheSize: 128,
		Logger:    logging.NoOpLogger{},
		Now:       time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	switch {
	case opts.MaxFragments < 0:
		return nil, &core.ValidationError{Field: "maxFragments", Reason: "must not be negative"}
	case opts.Limit <= 0:
		return nil, &core.ValidationError{Field: "limit", Reason: "must be positive"}
	case opts.Threshold < 0 || opts.Threshold > 1:
		return nil, &core.ValidationError{Field: "threshold", Reason: "must be within [0,1]"}
	}

	c, err := cache.New[string, []Match](opts.CacheSize, opts.CacheTTL, func(o *cache.Options) { o.Now = opts.Now })
	if err != nil {
		return nil, fmt.Errorf("retrieval cache: %w", err)
	}
	return &Bank{
		maxFragments: opts.MaxFragments,
		limit:        opts.Limit,
		threshold:    opts.Threshold,
		scorer:       opts.Scorer,
		cache:        c,
		logger:       opts.Logger,
		events:       opts.Dispatcher,
		now:          opts.Now,
	}, nil
}

func (b *Bank) full() bool {
	return b.maxFragments > 0 && len(b.fragments) >= b.maxFragments
}

func (b *Bank) indexLocked(id string) int {
	return slices.IndexFunc(b.fragments, func(f Fragment) bool { return f.ID == id })
}

// Store adds an unscoped fragment and returns its id.
func (b *Bank) Store(ctx context.Context, text string, tags ...string) (string, error) {
	return b.Add(ctx, Fragment{Text: text, Tags: tags})
}

// Add stores f and returns its id. An empty ID is generated, Tokens is always
// recomputed and a zero CreatedAt is set to now. A fragment whose ID is
// already stored replaces the stored one in place and never hits the
// capacity limit.
func (b *Bank) Add(ctx context.Context, f Fragment) (string, error) {
	if strings.TrimSpace(f.Text) == "" {
		return "", &core.ValidationError{Field: "text", Reason: "must not be empty"}
	}
	f = f.clone()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.Tokens = EstimateTokens(f.Text)
	if f.CreatedAt.IsZero() {
		f.CreatedAt = b.now()
	}

	b.mu.Lock()
	if b.indexLocked(f.ID) < 0 && b.full() {
		b.mu.Unlock()
		return "", &core.CapacityError{Scope: "context bank", Limit: b.maxFragments}
	}
	b.mu.Unlock()

	if err := b.scorer.Add(ctx, f); err != nil {
		return "", fmt.Errorf("index fragment: %w", err)
	}

	b.mu.Lock()
	switch i := b.indexLocked(f.ID); {
	case i >= 0:
		b.fragments[i] = f
	case b.full():
		b.mu.Unlock()
		// The slot went to a concurrent Add while f was being indexed.
		capErr := &core.CapacityError{Scope: "context bank", Limit: b.maxFragments}
		if err := b.unindex(ctx, f.ID); err != nil {
			return "", errors.Join(capErr, err)
		}
		return "", capErr
	default:
		b.fragments = append(b.fragments, f)
	}
	b.generation++
	b.mu.Unlock()

	b.cache.Clear()
	return f.ID, nil
}

// Remove drops the fragments with the given ids and returns how many were
// stored. The fragments are gone from the bank even when the scorer fails to
// forget them; that failure is returned.
func (b *Bank) Remove(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	before := len(b.fragments)
	b.fragments = slices.DeleteFunc(b.fragments, func(f Fragment) bool { return slices.Contains(ids, f.ID) })
	removed := before - len(b.fragments)
	if removed > 0 {
		b.generation++
	}
	b.mu.Unlock()

	if removed == 0 {
		return 0, nil
	}
	b.cache.Clear()
	b.logger.Debug("removed context fragments", "count", removed)
	return removed, b.unindex(ctx, ids...)
}

// unindex removes ids from scorers that keep their own index.
func (b *Bank) unindex(ctx context.Context, ids ...string) error {
	r, ok := b.scorer.(Remover)
	if !ok {
		return nil
	}
	if err := r.Remove(ctx, ids...); err != nil {
		return fmt.Errorf("unindex fragments: %w", err)
	}
	return nil
}

// dropExpiredLocked removes expired fragments and returns their ids.
func (b *Bank) dropExpiredLocked(now time.Time) []string {
	var expired []string
	b.fragments = slices.DeleteFunc(b.fragments, func(f Fragment) bool {
		if f.Expired(now) {
			expired = append(expired, f.ID)
			return true
		}
		return false
	})
	if len(expired) > 0 {
		b.generation++
	}
	return expired
}

// Fragments returns a copy of every stored fragment in insertion order.
func (b *Bank) Fragments() []Fragment {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Fragment, len(b.fragments))
	for i, f := range b.fragments {
		out[i] = f.clone()
	}
	return out
}

// RetrieveOptions narrows a retrieval. A zero Limit or Threshold falls back
// to the bank default, so a threshold of exactly zero on a bank with a
// non-zero default needs NoThreshold.
type RetrieveOptions struct {
	Limit     int
	Threshold float64
	// NoThreshold keeps every non-zero score, ignoring the bank default.
	// It cannot be combined with a non-zero Threshold.
	NoThreshold bool
	// Tags keeps only fragments that carry every listed tag.
	Tags []string
	// Namespace keeps only fragments of that namespace; empty means all.
	Namespace string
}

// Retrieve returns the fragments most relevant to query, best first. Scores
// below the threshold and zero scores are dropped; equal scores keep
// insertion order. Expired fragments are removed on the way.
func (b *Bank) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]Match, error) {
	if opts.Limit < 0 {
		return nil, &core.ValidationError{Field: "limit", Reason: "must not be negative"}
	}
	if opts.Threshold < 0 || opts.Threshold > 1 {
		return nil, &core.ValidationError{Field: "threshold", Reason: "must be within [0,1]"}
	}
	if opts.NoThreshold && opts.Threshold != 0 {
		return nil, &core.ValidationError{Field: "threshold", Reason: "must be zero when noThreshold is set"}
	}
	if opts.Limit == 0 {
		opts.Limit = b.limit
	}
	if opts.Threshold == 0 && !opts.NoThreshold {
		opts.Threshold = b.threshold
	}

	b.mu.Lock()
	b.retrievals++
	expired := b.dropExpiredLocked(b.now())
	gen := b.generation
	candidates := make([]Fragment, 0, len(b.fragments))
	for _, f := range b.fragments {
		if opts.Namespace != "" && f.Namespace != opts.Namespace {
			continue
		}
		if hasTags(f, opts.Tags) {
			candidates = append(candidates, f.clone())
		}
	}
	b.mu.Unlock()

	if len(expired) > 0 {
		b.cache.Clear()
		if err := b.unindex(ctx, expired...); err != nil {
			b.logger.Warn("failed to unindex expired fragments", "count", len(expired), "error", err)
		}
	}

	// The generation makes results computed before a Store unreachable even
	// when they land in the cache after it was cleared.
	key := fmt.Sprintf("%d\x00%s\x00%d\x00%g\x00%s\x00%s", gen, query, opts.Limit, opts.Threshold, strings.Join(opts.Tags, "\x01"), opts.Namespace)
	matches, _, err := b.cache.CachedLookup(ctx, key, func(ctx context.Context) ([]Match, error) {
		return b.rank(ctx, query, candidates, opts)
	})
	if err != nil {
		return nil, err
	}

	out := make([]Match, len(matches))
	for i, m := range matches {
		out[i] = Match{Fragment: m.Fragment.clone(), Score: m.Score}
	}
	return out, nil
}

func (b *Bank) rank(ctx context.Context, query string, candidates []Fragment, opts RetrieveOptions) ([]Match, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	scores, err := b.scorer.Score(ctx, query, candidates)
	if err != nil {
		return nil, fmt.Errorf("score fragments: %w", err)
	}

	matches := make([]Match, 0, len(candidates))
	for i, f := range candidates {
		s := scores[i]
		if s <= 0 || s < opts.Threshold {
			continue
		}
		matches = append(matches, Match{Fragment: f, Score: s})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}

func hasTags(f Fragment, tags []string) bool {
	for _, t := range tags {
		if !slices.Contains(f.Tags, t) {
			return false
		}
	}
	return true
}

// CompactOptions tunes GetCompactContext.
type CompactOptions struct {
	// BaselineTokens is what the caller would have sent without the bank.
	// Zero means the naive concatenation of every stored fragment.
	BaselineTokens int
	// Limit caps the fragments included; zero uses the bank default.
	Limit int
	// MaxTokens stops adding fragments once the prompt would exceed it;
	// zero means no cap.
	MaxTokens int
	// Namespace restricts the prompt and the naive baseline to one
	// namespace; empty means every fragment.
	Namespace string
}

// CompactContext is a prompt assembled from the fragments relevant to Query.
type CompactContext struct {
	Query          string  `json:"query"`
	Prompt         string  `json:"compactPrompt"`
	Fragments      []Match `json:"memories"`
	Tokens         int     `json:"tokens"`
	BaselineTokens int     `json:"baselineTokens"`
	TokensSaved    int     `json:"tokensSaved"`
	// Anomaly is set when the prompt cost more than the baseline.
	Anomaly bool `json:"anomaly,omitempty"`
}

// GetCompactContext retrieves the fragments relevant to query and formats them
// as a compact prompt. TokensSaved is never negative.
func (b *Bank) GetCompactContext(ctx context.Context, query string, opts CompactOptions) (*CompactContext, error) {
	if opts.BaselineTokens < 0 {
		return nil, &core.ValidationError{Field: "baselineTokens", Reason: "must not be negative"}
	}
	if opts.MaxTokens < 0 {
		return nil, &core.ValidationError{Field: "maxTokens", Reason: "must not be negative"}
	}

	matches, err := b.Retrieve(ctx, query, RetrieveOptions{Limit: opts.Limit, Namespace: opts.Namespace})
	if err != nil {
		return nil, err
	}

	baseline := opts.BaselineTokens
	if baseline == 0 {
		b.mu.Lock()
		for _, f := range b.fragments {
			if opts.Namespace == "" || f.Namespace == opts.Namespace {
				baseline += f.Tokens
			}
		}
		b.mu.Unlock()
	}

	var sb strings.Builder
	included := matches[:0]
	for _, m := range matches {
		line := formatLine(m.Fragment)
		if opts.MaxTokens > 0 && EstimateTokens(sb.String()+line) > opts.MaxTokens {
			break
		}
		sb.WriteString(line)
		included = append(included, m)
	}

	prompt := sb.String()
	cc := &CompactContext{
		Query:          query,
		Prompt:         prompt,
		Fragments:      included,
		Tokens:         EstimateTokens(prompt),
		BaselineTokens: baseline,
	}
	raw := baseline - cc.Tokens
	if raw < 0 {
		cc.Anomaly = true
	} else {
		cc.TokensSaved = raw
	}

	b.mu.Lock()
	b.tokensSaved += int64(cc.TokensSaved)
	if cc.Anomaly {
		b.anomalies++
	}
	b.mu.Unlock()

	if cc.Anomaly {
		b.logger.Warn("compact context exceeded baseline", "query", query, "tokens", cc.Tokens, "baseline", baseline)
		b.events.Emit(ctx, core.Event{
			Type:      core.EventContextAnomaly,
			Namespace: opts.Namespace,
			Time:      b.now(),
			Data:      map[string]any{"query": query, "tokens": cc.Tokens, "baseline": baseline},
		})
	}
	return cc, nil
}

func formatLine(f Fragment) string {
	if len(f.Tags) == 0 {
		return "- " + f.Text + "\n"
	}
	return "- [" + strings.Join(f.Tags, ",") + "] " + f.Text + "\n"
}

// Stats returns a snapshot of the bank counters.
func (b *Bank) Stats() Stats {
	b.mu.Lock()
	st := Stats{
		Fragments:        len(b.fragments),
		Retrievals:       b.retrievals,
		Anomalies:        b.anomalies,
		TotalTokensSaved: b.tokensSaved,
	}
	b.mu.Unlock()
	st.Cache = b.cache.Stats()
	return st
}

// CacheStats exposes the retrieval cache counters.
func (b *Bank) CacheStats() cache.Stats { return b.cache.Stats() }
