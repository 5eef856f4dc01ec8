package namespace

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/guardianmesh/backend/memory"
	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/internal/testutil"
)

var start = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recorder) Handle(_ context.Context, ev core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(t core.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func newStore(t *testing.T, optFns ...func(o *Options)) (*Store, *memory.Backend, *testutil.Clock, *recorder) {
	t.Helper()
	clock := testutil.NewClock(start)
	rec := &recorder{}
	d := core.NewDispatcher(nil)
	d.Subscribe(core.EventAny, rec)
	b := memory.New()
	s, err := New(b, append([]func(o *Options){func(o *Options) {
		o.Now = clock.Now
		o.Dispatcher = d
	}}, optFns...)...)
	require.NoError(t, err)
	return s, b, clock, rec
}

func TestCanonical(t *testing.T) {
	s, _, _, _ := newStore(t)
	assert.Equal(t, "guardian:lyssandria", s.Canonical("Lyssandria"))
	assert.Equal(t, "guardian:lyssandria", s.Canonical("guardian:lyssandria"))
	assert.Equal(t, "guardian:ino", s.Canonical("  INO "))
}

func TestStoreForRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _, _, rec := newStore(t)

	in := core.Entry{
		Category:   core.CategoryTechnical,
		Content:    "Use partial indexes for sparse columns",
		Tags:       []string{"postgres"},
		Confidence: core.ConfidenceHigh,
		Metadata:   map[string]string{"source": "review"},
	}
	stored, err := s.StoreFor(ctx, "lyssandria", in)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, "guardian:lyssandria", stored.Namespace)
	assert.Equal(t, start, stored.CreatedAt)
	assert.Equal(t, start, stored.UpdatedAt)
	assert.Nil(t, stored.ExpiresAt)

	got, ok, err := s.Get(ctx, "lyssandria", stored.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in.Content, got.Content)
	assert.Equal(t, in.Category, got.Category)
	assert.Equal(t, in.Tags, got.Tags)
	assert.Equal(t, in.Confidence, got.Confidence)
	assert.Equal(t, in.Metadata, got.Metadata)
	assert.Equal(t, 1, rec.count(core.EventMemoryStored))
}

func TestStoreForDefaults(t *testing.T) {
	ctx := context.Background()
	var seen []string
	s, _, _, _ := newStore(t, func(o *Options) {
		o.Classifier = ClassifierFunc(func(content, agentID string) core.Category {
			seen = append(seen, agentID)
			return core.CategoryStrategic
		})
	})

	stored, err := s.StoreFor(ctx, "Draconia", core.Entry{Content: "quarterly roadmap"})
	require.NoError(t, err)
	assert.Equal(t, core.CategoryStrategic, stored.Category)
	assert.Equal(t, core.ConfidenceMedium, stored.Confidence)
	assert.Equal(t, []string{"draconia"}, seen)
}

func TestStoreForWithoutClassifier(t *testing.T) {
	s, _, _, _ := newStore(t)
	stored, err := s.StoreFor(context.Background(), "ino", core.Entry{Content: "stand-up notes"})
	require.NoError(t, err)
	assert.Equal(t, core.CategoryOperational, stored.Category)
}

func TestStoreForValidation(t *testing.T) {
	ctx := context.Background()
	s, b, _, rec := newStore(t)

	_, err := s.StoreFor(ctx, "", core.Entry{Content: "x"})
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = s.StoreFor(ctx, "ino", core.Entry{Content: "   "})
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = s.StoreFor(ctx, "ino", core.Entry{Content: "x", Category: "gossip"})
	assert.ErrorIs(t, err, core.ErrValidation)

	n, err := b.Count(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, rec.count(core.EventMemoryStored))
}

func TestNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	s, _, _, _ := newStore(t)

	a, err := s.StoreFor(ctx, "lyria", core.Entry{Content: "auth patterns vision"})
	require.NoError(t, err)
	_, err = s.StoreFor(ctx, "alera", core.Entry{Content: "auth patterns voice"})
	require.NoError(t, err)

	_, ok, err := s.Get(ctx, "alera", a.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	res, err := s.SearchFor(ctx, "alera", "auth", core.Filters{Namespace: "guardian:lyria"}, 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "guardian:alera", res[0].Entry.Namespace)

	_, err = s.StoreFor(ctx, "alera", core.Entry{ID: a.ID, Content: "hijack"})
	assert.ErrorIs(t, err, core.ErrValidation)

	n, err := s.CountFor(ctx, "lyria")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReplaceKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	s, _, clock, _ := newStore(t)
	first, err := s.StoreFor(ctx, "ino", core.Entry{Content: "v1"})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	second, err := s.StoreFor(ctx, "ino", core.Entry{ID: first.ID, Content: "v2"})
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, start.Add(time.Hour), second.UpdatedAt)

	n, err := s.CountFor(ctx, "ino")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTTLExpiryIsLazyAndPruneRemovesOnce(t *testing.T) {
	ctx := context.Background()
	s, b, clock, rec := newStore(t, func(o *Options) {
		o.Policies = map[string]Policy{"shinkami": TTL(time.Hour)}
	})

	e, err := s.StoreFor(ctx, "shinkami", core.Entry{Content: "ephemeral insight"})
	require.NoError(t, err)
	require.NotNil(t, e.ExpiresAt)
	assert.Equal(t, start.Add(time.Hour), *e.ExpiresAt)

	clock.Advance(59 * time.Minute)
	_, ok, err := s.Get(ctx, "shinkami", e.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Minute)
	n, err = s.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, ok, err = b.Retrieve(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, rec.count(core.EventMemoryExpired))
	assert.Zero(t, s.Tracked())
}

func TestExpiredEntryReadsAsAbsent(t *testing.T) {
	ctx := context.Background()
	s, b, clock, rec := newStore(t, func(o *Options) { o.DefaultPolicy = TTL(time.Minute) })

	e, err := s.StoreFor(ctx, "leyla", core.Entry{Content: "flow state"})
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	res, err := s.SearchFor(ctx, "leyla", "flow", core.Filters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, res)

	_, ok, err := b.Retrieve(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, rec.count(core.EventMemoryExpired))

	n, err := s.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPolicyChangeAffectsFutureWritesOnly(t *testing.T) {
	ctx := context.Background()
	s, _, clock, _ := newStore(t)

	kept, err := s.StoreFor(ctx, "elara", core.Entry{Content: "permanent note"})
	require.NoError(t, err)
	require.NoError(t, s.SetPolicy("elara", TTL(time.Minute)))
	temp, err := s.StoreFor(ctx, "elara", core.Entry{Content: "temporary note"})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, ok, err := s.Get(ctx, "elara", kept.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = s.Get(ctx, "elara", temp.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerNeverExpires(t *testing.T) {
	ctx := context.Background()
	s, _, clock, _ := newStore(t, func(o *Options) { o.DefaultPolicy = TTL(time.Minute) })

	wish, err := s.StoreFor(ctx, "aiyami", core.Entry{Category: core.CategoryHorizon, Content: "I hope we ship"})
	require.NoError(t, err)
	assert.Nil(t, wish.ExpiresAt)

	clock.Advance(time.Hour)
	n, err := s.PruneExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, ok, err := s.Get(ctx, "aiyami", wish.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCloseSession(t *testing.T) {
	ctx := context.Background()
	s, _, _, rec := newStore(t, func(o *Options) {
		o.Policies = map[string]Policy{"maylinn": Session()}
	})

	for _, c := range []string{"one", "two"} {
		_, err := s.StoreFor(ctx, "maylinn", core.Entry{Content: c})
		require.NoError(t, err)
	}
	wish, err := s.StoreFor(ctx, "maylinn", core.Entry{Category: core.CategoryHorizon, Content: "someday"})
	require.NoError(t, err)
	other, err := s.StoreFor(ctx, "alera", core.Entry{Content: "untouched"})
	require.NoError(t, err)

	n, err := s.CloseSession(ctx, "maylinn")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := s.CountFor(ctx, "maylinn")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	_, ok, err := s.Get(ctx, "maylinn", wish.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = s.Get(ctx, "alera", other.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err = s.CloseSession(ctx, "maylinn")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, rec.count(core.EventSessionClosed))
}

func TestRewriteUnderPermanentPolicyLeavesSession(t *testing.T) {
	ctx := context.Background()
	s, _, _, _ := newStore(t, func(o *Options) {
		o.Policies = map[string]Policy{"maylinn": Session()}
	})

	e, err := s.StoreFor(ctx, "maylinn", core.Entry{Content: "draft"})
	require.NoError(t, err)
	require.NoError(t, s.SetPolicy("maylinn", Permanent()))
	_, err = s.StoreFor(ctx, "maylinn", core.Entry{ID: e.ID, Content: "kept for good"})
	require.NoError(t, err)

	n, err := s.CloseSession(ctx, "maylinn")
	require.NoError(t, err)
	assert.Zero(t, n)
	got, ok, err := s.Get(ctx, "maylinn", e.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "kept for good", got.Content)

	// Rewriting under a session policy again queues the entry once.
	require.NoError(t, s.SetPolicy("maylinn", Session()))
	for range 2 {
		_, err = s.StoreFor(ctx, "maylinn", core.Entry{ID: e.ID, Content: "temporary again"})
		require.NoError(t, err)
	}
	n, err = s.CloseSession(ctx, "maylinn")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClearNamespaceDropsSessionQueue(t *testing.T) {
	ctx := context.Background()
	s, _, _, rec := newStore(t, func(o *Options) { o.DefaultPolicy = Session() })

	_, err := s.StoreFor(ctx, "ino", core.Entry{Content: "queued"})
	require.NoError(t, err)
	require.NoError(t, s.ClearNamespace(ctx, "ino"))

	n, err := s.CountFor(ctx, "ino")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, s.Tracked())

	removed, err := s.CloseSession(ctx, "ino")
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Equal(t, 1, rec.count(core.EventNamespaceCleared))
}

func TestCapacity(t *testing.T) {
	ctx := context.Background()
	s, _, _, _ := newStore(t, func(o *Options) { o.MaxEntries = 2 })

	first, err := s.StoreFor(ctx, "ino", core.Entry{Content: "a"})
	require.NoError(t, err)
	_, err = s.StoreFor(ctx, "ino", core.Entry{Content: "b"})
	require.NoError(t, err)

	_, err = s.StoreFor(ctx, "ino", core.Entry{Content: "c"})
	var ce *core.CapacityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "guardian:ino", ce.Scope)
	assert.Equal(t, 2, ce.Limit)

	_, err = s.StoreFor(ctx, "ino", core.Entry{ID: first.ID, Content: "a, revised"})
	assert.NoError(t, err)

	_, err = s.StoreFor(ctx, "leyla", core.Entry{Content: "other namespace"})
	assert.NoError(t, err)
}

func TestQueryAndHybridSearch(t *testing.T) {
	ctx := context.Background()
	s, _, clock, _ := newStore(t)

	old, err := s.StoreFor(ctx, "lyria", core.Entry{Content: "auth patterns draft", Confidence: core.ConfidenceLow})
	require.NoError(t, err)
	clock.Advance(14 * 24 * time.Hour)
	fresh, err := s.StoreFor(ctx, "lyria", core.Entry{Content: "auth patterns final", Confidence: core.ConfidenceVerified, Category: core.CategoryWisdom})
	require.NoError(t, err)

	all, err := s.QueryFor(ctx, "lyria", core.Filters{MinConfidence: core.ConfidenceHigh}, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, fresh.ID, all[0].ID)

	res, err := s.HybridSearchFor(ctx, "lyria", "auth patterns", HybridOptions{})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, fresh.ID, res[0].Entry.ID)
	assert.Equal(t, old.ID, res[1].Entry.ID)
	assert.Greater(t, res[0].Score, res[1].Score)
}

func TestListFor(t *testing.T) {
	ctx := context.Background()
	s, _, _, _ := newStore(t)
	for _, c := range []string{"a", "b", "c"} {
		_, err := s.StoreFor(ctx, "ino", core.Entry{Content: c})
		require.NoError(t, err)
	}
	page, err := s.ListFor(ctx, "ino", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].Content)
	assert.Equal(t, "c", page[1].Content)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("ttl", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, TTL(time.Hour), p)

	_, err = ParsePolicy("ttl", 0)
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = ParsePolicy("forever", 0)
	assert.ErrorIs(t, err, core.ErrValidation)

	p, err = ParsePolicy("session", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, Session(), p)
}
