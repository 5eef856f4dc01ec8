package contextbank

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/philippgille/chromem-go"
)

// HashedEmbedding returns a deterministic bag-of-words embedding: every
// salient term is hashed into one of dims buckets and the vector is
// normalized. It needs no model and no network.
func HashedEmbedding(dims int) chromem.EmbeddingFunc {
	if dims <= 0 {
		dims = 256
	}
	return func(_ context.Context, text string) ([]float32, error) {
		// The extra last dimension keeps term-less text from producing a
		// zero vector, which can't be normalized.
		v := make([]float32, dims+1)
		terms := salientTerms(text)
		for _, t := range terms {
			h := fnv.New32a()
			_, _ = h.Write([]byte(t))
			v[h.Sum32()%uint32(dims)]++
		}
		if len(terms) == 0 {
			v[dims] = 1
		}
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		norm = math.Sqrt(norm)
		for i := range v {
			v[i] = float32(float64(v[i]) / norm)
		}
		return v, nil
	}
}

// EmbeddingOptions configures an EmbeddingScorer.
type EmbeddingOptions struct {
	// EmbeddingFunc embeds fragments and queries. Defaults to HashedEmbedding(256).
	EmbeddingFunc chromem.EmbeddingFunc
	// Collection names the chromem collection. Default "context-bank".
	Collection string
}

// EmbeddingScorer indexes fragments in an in-process chromem-go collection.
//
// A fragment scores (shared + 0.99*similarity) / (queryTerms + 1), where
// shared counts salient query terms found in the fragment and similarity is
// the cosine similarity clamped to [0,1]. Each extra shared term outweighs
// any similarity difference, so ranking stays monotone in term overlap while
// similarity orders fragments with equal overlap.
type EmbeddingScorer struct {
	col   *chromem.Collection
	embed chromem.EmbeddingFunc
}

// NewEmbeddingScorer creates a scorer backed by a fresh in-memory chromem DB.
func NewEmbeddingScorer(optFns ...func(o *EmbeddingOptions)) (*EmbeddingScorer, error) {
	opts := EmbeddingOptions{Collection: "context-bank"}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.EmbeddingFunc == nil {
		opts.EmbeddingFunc = HashedEmbedding(256)
	}
	db := chromem.NewDB()
	col, err := db.CreateCollection(opts.Collection, nil, opts.EmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &EmbeddingScorer{col: col, embed: opts.EmbeddingFunc}, nil
}

// Add embeds and indexes f.
func (s *EmbeddingScorer) Add(ctx context.Context, f Fragment) error {
	emb, err := s.embed(ctx, f.Text)
	if err != nil {
		return fmt.Errorf("embed fragment: %w", err)
	}
	doc := chromem.Document{
		ID:        f.ID,
		Content:   f.Text,
		Embedding: emb,
		Metadata:  map[string]string{"tags": strings.Join(f.Tags, ",")},
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Remove deletes the documents of ids from the collection. Unknown ids are
// ignored.
func (s *EmbeddingScorer) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

// Count returns the number of indexed documents.
func (s *EmbeddingScorer) Count() int { return s.col.Count() }

// Score implements Scorer.
func (s *EmbeddingScorer) Score(ctx context.Context, query string, fragments []Fragment) ([]float64, error) {
	scores := make([]float64, len(fragments))
	q := salientTerms(query)
	n := s.col.Count()
	if len(q) == 0 || n == 0 || len(fragments) == 0 {
		return scores, nil
	}

	emb, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	// chromem requires nResults <= the collection size.
	results, err := s.col.QueryEmbedding(ctx, emb, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}
	sims := make(map[string]float64, len(results))
	for _, r := range results {
		sims[r.ID] = math.Min(math.Max(float64(r.Similarity), 0), 1)
	}

	denom := float64(len(q) + 1)
	for i, f := range fragments {
		scores[i] = (float64(shared(q, termSet(f))) + 0.99*sims[f.ID]) / denom
	}
	return scores, nil
}
