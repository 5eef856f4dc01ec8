// Package backendtest is a conformance suite every core.StorageBackend must
// pass, so that local and remote implementations share identical semantics.
package backendtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/internal/testutil"
)

// Factory returns a fresh, empty backend. The suite calls Initialize itself.
type Factory func(t *testing.T) core.StorageBackend

// Run executes the conformance suite against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, b core.StorageBackend)
	}{
		{"StoreRetrieveRoundTrip", testRoundTrip},
		{"RetrieveAbsent", testRetrieveAbsent},
		{"StoreRejectsInvalid", testStoreRejectsInvalid},
		{"StoreReplaces", testStoreReplaces},
		{"SearchRanksAndFilters", testSearch},
		{"ListOrderAndPaging", testList},
		{"RemoveAndCount", testRemoveAndCount},
		{"ClearNamespace", testClearNamespace},
		{"LedgerIsAppendOnly", testLedger},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			require.NoError(t, b.Initialize(context.Background()))
			t.Cleanup(func() { _ = b.Close() })
			tt.fn(t, b)
		})
	}
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(ns string, i int, content string) core.Entry {
	return testutil.NewEntryBuilder().
		ID(fmt.Sprintf("%s-%02d", ns, i)).
		Namespace(ns).
		Content(content).
		CreatedAt(base.Add(time.Duration(i) * time.Second)).
		Build()
}

// AssertEntryEqual compares entries field by field, using time.Equal for timestamps.
func AssertEntryEqual(t *testing.T, want, got core.Entry) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Namespace, got.Namespace)
	assert.Equal(t, want.Category, got.Category)
	assert.Equal(t, want.Content, got.Content)
	assert.ElementsMatch(t, want.Tags, got.Tags)
	assert.Equal(t, want.Confidence, got.Confidence)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "createdAt %v != %v", want.CreatedAt, got.CreatedAt)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt), "updatedAt %v != %v", want.UpdatedAt, got.UpdatedAt)
	if want.ExpiresAt == nil {
		assert.Nil(t, got.ExpiresAt)
	} else if assert.NotNil(t, got.ExpiresAt) {
		assert.True(t, want.ExpiresAt.Equal(*got.ExpiresAt))
	}
	if len(want.Metadata) == 0 {
		assert.Empty(t, got.Metadata)
	} else {
		assert.Equal(t, want.Metadata, got.Metadata)
	}
}

func testRoundTrip(t *testing.T, b core.StorageBackend) {
	ctx := context.Background()
	e := testutil.NewEntryBuilder().
		Namespace("guardian:lyria").
		Category(core.CategoryWisdom).
		Content("Key insight: caches hide latency.\n\nSecond paragraph.").
		Tags("cache", "latency").
		Confidence(core.ConfidenceHigh).
		CreatedAt(base).
		ExpiresAt(base.Add(time.Hour)).
		Meta("source", "retro").
		Build()

	require.NoError(t, b.Store(ctx, e))
	got, ok, err := b.Retrieve(ctx, e.ID)
	require.NoError(t, err)
	require.True(t, ok)
	AssertEntryEqual(t, e, got)
}

func testRetrieveAbsent(t *testing.T, b core.StorageBackend) {
	got, ok, err := b.Retrieve(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, got.ID)
}

func testStoreRejectsInvalid(t *testing.T, b core.StorageBackend) {
	ctx := context.Background()
	err := b.Store(ctx, testutil.NewEntryBuilder().Namespace("").Build())
	assert.ErrorIs(t, err, core.ErrValidation)

	n, err := b.Count(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testStoreReplaces(t *testing.T, b core.StorageBackend) {
	ctx := context.Background()
	first := entry("ns-a", 1, "first")
	second := entry("ns-a", 2, "second")
	require.NoError(t, b.Store(ctx, first))
	require.NoError(t, b.Store(ctx, second))

	updated := first
	updated.Content = "first, revised"
	updated.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, b.Store(ctx, updated))

	got, ok, err := b.Retrieve(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first, revised", got.Content)

	list, err := b.List(ctx, "ns-a", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)

	n, err := b.Count(ctx, "ns-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testSearch(t *testing.T, b core.StorageBackend) {
	ctx := context.Background()
	items := []core.Entry{
		entry("ns-a", 1, "auth token rotation"),
		entry("ns-a", 2, "database schema design"),
		entry("ns-a", 3, "auth patterns for the public api"),
		entry("ns-b", 4, "auth patterns in another namespace"),
	}
	items[1].Category = core.CategoryTechnical
	items[2].Tags = []string{"security"}
	for _, e := range items {
		require.NoError(t, b.Store(ctx, e))
	}

	res, err := b.Search(ctx, "auth patterns", core.Filters{Namespace: "ns-a"}, 10)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, items[2].ID, res[0].Entry.ID)
	assert.InDelta(t, 1.0, res[0].Score, 1e-9)
	assert.Equal(t, items[0].ID, res[1].Entry.ID)
	assert.InDelta(t, 0.5, res[1].Score, 1e-9)

	res, err = b.Search(ctx, "", core.Filters{Namespace: "ns-a", Category: core.CategoryTechnical}, 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, items[1].ID, res[0].Entry.ID)

	res, err = b.Search(ctx, "auth", core.Filters{Tags: []string{"security"}}, 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, items[2].ID, res[0].Entry.ID)

	res, err = b.Search(ctx, "auth", core.Filters{}, 2)
	require.NoError(t, err)
	assert.Len(t, res, 2)

	res, err = b.Search(ctx, "kubernetes", core.Filters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func testList(t *testing.T, b core.StorageBackend) {
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, b.Store(ctx, entry("ns-a", i, fmt.Sprintf("item %d", i))))
	}
	require.NoError(t, b.Store(ctx, entry("ns-b", 9, "other")))

	all, err := b.List(ctx, "ns-a", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, e := range all {
		assert.Equal(t, fmt.Sprintf("ns-a-%02d", i+1), e.ID)
	}

	page, err := b.List(ctx, "ns-a", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "ns-a-02", page[0].ID)
	assert.Equal(t, "ns-a-03", page[1].ID)

	empty, err := b.List(ctx, "ns-a", 10, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testRemoveAndCount(t *testing.T, b core.StorageBackend) {
	ctx := context.Background()
	require.NoError(t, b.Store(ctx, entry("ns-a", 1, "one")))
	require.NoError(t, b.Store(ctx, entry("ns-a", 2, "two")))
	require.NoError(t, b.Store(ctx, entry("ns-b", 3, "three")))

	n, err := b.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	removed, err := b.Remove(ctx, "ns-a-01")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = b.Remove(ctx, "ns-a-01")
	require.NoError(t, err)
	assert.False(t, removed)

	n, err = b.Count(ctx, "ns-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := b.Retrieve(ctx, "ns-a-01")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testClearNamespace(t *testing.T, b core.StorageBackend) {
	ctx := context.Background()
	require.NoError(t, b.Store(ctx, entry("ns-a", 1, "one")))
	require.NoError(t, b.Store(ctx, entry("ns-a", 2, "two")))
	require.NoError(t, b.Store(ctx, entry("ns-b", 3, "three")))

	require.NoError(t, b.Clear(ctx, "ns-a"))

	n, err := b.Count(ctx, "ns-a")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = b.Count(ctx, "ns-b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, b.Clear(ctx, ""))
	n, err = b.Count(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testLedger(t *testing.T, b core.StorageBackend) {
	ctx := context.Background()
	wish := entry("ns-a", 1, "I hope for a good future")
	wish.Category = core.CategoryHorizon
	require.NoError(t, b.Store(ctx, wish))
	require.NoError(t, b.Store(ctx, entry("ns-a", 2, "ordinary")))

	rewrite := wish
	rewrite.Content = "rewritten"
	assert.ErrorIs(t, b.Store(ctx, rewrite), core.ErrValidation)

	removed, err := b.Remove(ctx, wish.ID)
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.False(t, removed)

	require.NoError(t, b.Clear(ctx, "ns-a"))
	got, ok, err := b.Retrieve(ctx, wish.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "I hope for a good future", got.Content)

	n, err := b.Count(ctx, "ns-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
