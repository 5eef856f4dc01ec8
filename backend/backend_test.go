package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/guardianmesh/backend/file"
	"github.com/hupe1980/guardianmesh/backend/memory"
	"github.com/hupe1980/guardianmesh/backend/remote"
	"github.com/hupe1980/guardianmesh/backend/sqlite"
	"github.com/hupe1980/guardianmesh/config"
	"github.com/hupe1980/guardianmesh/core"
)

func memoryConfig(t *testing.T) config.MemoryConfig {
	cfg := config.Default().Memory
	cfg.Dir = t.TempDir()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "m.db")
	return cfg
}

func TestOpenLocalKinds(t *testing.T) {
	tests := []struct {
		kind string
		want any
	}{
		{"file", &file.Backend{}},
		{"memory", &memory.Backend{}},
		{"sqlite", &sqlite.Backend{}},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			cfg := memoryConfig(t)
			cfg.Backend = tt.kind
			b, err := Open(context.Background(), cfg, nil)
			require.NoError(t, err)
			defer b.Close()
			assert.IsType(t, tt.want, b)
		})
	}
}

func TestOpenUnknownKind(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Backend = "tape"
	_, err := Open(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestOpenRemoteNeedsEndpointAndKey(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Backend = "memory"
	cfg.Remote.Endpoint = "http://127.0.0.1:1"

	b, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &memory.Backend{}, b)
}

func TestOpenRemote(t *testing.T) {
	srv := httptest.NewServer(remote.NewHandler(memory.New()))
	defer srv.Close()

	cfg := memoryConfig(t)
	cfg.Remote.Endpoint = srv.URL
	cfg.Remote.APIKey = "key"

	b, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &remote.Backend{}, b)
}

func TestOpenRemoteFallsBackToFile(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	cfg := memoryConfig(t)
	cfg.Backend = "sqlite"
	cfg.Remote.Endpoint = endpoint
	cfg.Remote.APIKey = "key"

	b, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &file.Backend{}, b)
}
