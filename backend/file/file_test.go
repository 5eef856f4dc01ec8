package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/internal/backendtest"
	"github.com/hupe1980/guardianmesh/internal/testutil"
)

var _ core.StorageBackend = (*Backend)(nil)

func TestConformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) core.StorageBackend { return New(t.TempDir()) })
}

func TestLayoutOnDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := New(dir)
	require.NoError(t, b.Initialize(ctx))

	tech := testutil.NewEntryBuilder().ID("t1").Namespace("guardian:lyssandria").Category(core.CategoryTechnical).Content("use index on created_at").Build()
	wish := testutil.NewEntryBuilder().ID("h1").Namespace("guardian:lyssandria").Category(core.CategoryHorizon).Content("I hope for calm deploys").Build()
	require.NoError(t, b.Store(ctx, tech))
	require.NoError(t, b.Store(ctx, wish))

	md, err := os.ReadFile(filepath.Join(dir, "guardian_lyssandria", "technical", "t1.md"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(md), "---\n"))
	assert.Contains(t, string(md), "category: technical")
	assert.True(t, strings.HasSuffix(string(md), "---\nuse index on created_at"))

	ledger, err := os.ReadFile(filepath.Join(dir, "guardian_lyssandria", "horizon.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(ledger), "\n"))

	_, err = os.Stat(filepath.Join(dir, "index.json"))
	assert.NoError(t, err)
}

func TestReopenKeepsOrder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := New(dir)
	require.NoError(t, b.Initialize(ctx))
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, b.Store(ctx, testutil.NewEntryBuilder().ID(id).Namespace("ns").Content("entry "+id).Build()))
	}

	reopened := New(dir)
	require.NoError(t, reopened.Initialize(ctx))
	list, err := reopened.List(ctx, "ns", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestRebuildIndexWhenMissing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := New(dir)
	require.NoError(t, b.Initialize(ctx))

	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, b.Store(ctx, testutil.NewEntryBuilder().ID("late").Namespace("ns").CreatedAt(start.Add(time.Hour)).Content("late").Build()))
	require.NoError(t, b.Store(ctx, testutil.NewEntryBuilder().ID("early").Namespace("ns").CreatedAt(start).Content("early").Build()))
	wish := testutil.NewEntryBuilder().ID("wish").Namespace("ns").Category(core.CategoryHorizon).CreatedAt(start.Add(2 * time.Hour)).Content("one day").Build()
	require.NoError(t, b.Store(ctx, wish))

	require.NoError(t, os.Remove(filepath.Join(dir, "index.json")))

	rebuilt := New(dir)
	require.NoError(t, rebuilt.Initialize(ctx))

	n, err := rebuilt.Count(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	list, err := rebuilt.List(ctx, "ns", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "early", list[0].ID)
	assert.Equal(t, "late", list[1].ID)
	assert.Equal(t, "wish", list[2].ID)

	_, err = rebuilt.Remove(ctx, "wish")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestCategoryChangeMovesFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := New(dir)
	require.NoError(t, b.Initialize(ctx))

	e := testutil.NewEntryBuilder().ID("x").Namespace("ns").Category(core.CategoryOperational).Content("status").Build()
	require.NoError(t, b.Store(ctx, e))
	e.Category = core.CategoryStrategic
	require.NoError(t, b.Store(ctx, e))

	_, err := os.Stat(filepath.Join(dir, "ns", "operational", "x.md"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "ns", "strategic", "x.md"))
	assert.NoError(t, err)
}
