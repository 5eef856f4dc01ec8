// Package redis provides a StorageBackend on Redis.
//
// Keys (with the default prefix "guardianmesh"):
//
//	guardianmesh:entry:<id>   JSON encoded entry
//	guardianmesh:ns:<ns>      sorted set of ids scored by insertion sequence
//	guardianmesh:namespaces   set of known namespaces
//	guardianmesh:seq          insertion sequence counter
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/logging"
)

// Options configures the Redis backend. When Client is nil a client is
// created from Addr, Password and DB and closed by Close.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Client   goredis.UniversalClient
	Logger   logging.Logger
}

// Backend is a Redis-backed StorageBackend.
type Backend struct {
	client goredis.UniversalClient
	owned  bool
	prefix string
	addr   string
	logger logging.Logger
}

// New creates a backend. Call Initialize to verify connectivity.
func New(optFns ...func(o *Options)) *Backend {
	opts := Options{
		Addr:   "localhost:6379",
		Prefix: "guardianmesh",
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	b := &Backend{client: opts.Client, prefix: opts.Prefix, addr: opts.Addr, logger: opts.Logger}
	if b.client == nil {
		b.client = goredis.NewClient(&goredis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
		b.owned = true
	}
	return b
}

// Initialize pings the server.
func (b *Backend) Initialize(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return b.connErr("initialize", err)
	}
	return nil
}

// Store writes e. New ids are appended to their namespace's order.
func (b *Backend) Store(ctx context.Context, e core.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	existing, found, err := b.Retrieve(ctx, e.ID)
	if err != nil {
		return err
	}
	if err := core.CheckOverwrite(existing, found); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis backend: encode: %w", err)
	}
	seq, err := b.client.Incr(ctx, b.key("seq")).Result()
	if err != nil {
		return b.connErr("store", err)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if found && existing.Namespace != e.Namespace {
			pipe.ZRem(ctx, b.nsKey(existing.Namespace), e.ID)
		}
		pipe.Set(ctx, b.entryKey(e.ID), data, 0)
		pipe.ZAddNX(ctx, b.nsKey(e.Namespace), goredis.Z{Score: float64(seq), Member: e.ID})
		pipe.SAdd(ctx, b.key("namespaces"), e.Namespace)
		return nil
	})
	if err != nil {
		return b.connErr("store", err)
	}
	return nil
}

// Retrieve returns the entry with id.
func (b *Backend) Retrieve(ctx context.Context, id string) (core.Entry, bool, error) {
	data, err := b.client.Get(ctx, b.entryKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return core.Entry{}, false, nil
	}
	if err != nil {
		return core.Entry{}, false, b.connErr("retrieve", err)
	}
	var e core.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return core.Entry{}, false, fmt.Errorf("redis backend: decode %s: %w", id, err)
	}
	return e, true, nil
}

// Search loads candidates in insertion order and ranks them with core.Rank.
func (b *Backend) Search(ctx context.Context, query string, f core.Filters, limit int) ([]core.SearchResult, error) {
	ids, err := b.orderedIDs(ctx, f.Namespace)
	if err != nil {
		return nil, err
	}
	entries, err := b.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	return core.Rank(query, f, entries, limit), nil
}

// List returns entries of namespace in insertion order.
func (b *Backend) List(ctx context.Context, namespace string, limit, offset int) ([]core.Entry, error) {
	ids, err := b.orderedIDs(ctx, namespace)
	if err != nil {
		return nil, err
	}
	return b.load(ctx, core.Page(ids, limit, offset))
}

// Remove deletes an entry. Ledger entries are refused.
func (b *Backend) Remove(ctx context.Context, id string) (bool, error) {
	e, ok, err := b.Retrieve(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	if err := core.CheckRemovable(e); err != nil {
		return false, err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, b.entryKey(id))
		pipe.ZRem(ctx, b.nsKey(e.Namespace), id)
		return nil
	})
	if err != nil {
		return false, b.connErr("remove", err)
	}
	return true, nil
}

// Count returns the number of entries in namespace, or all when empty.
func (b *Backend) Count(ctx context.Context, namespace string) (int, error) {
	namespaces, err := b.namespaces(ctx, namespace)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, ns := range namespaces {
		n, err := b.client.ZCard(ctx, b.nsKey(ns)).Result()
		if err != nil {
			return 0, b.connErr("count", err)
		}
		total += int(n)
	}
	return total, nil
}

// Clear removes non-ledger entries of namespace, or of all namespaces when empty.
func (b *Backend) Clear(ctx context.Context, namespace string) error {
	ids, err := b.orderedIDs(ctx, namespace)
	if err != nil {
		return err
	}
	entries, err := b.load(ctx, ids)
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, e := range entries {
			if e.Category.AppendOnly() {
				continue
			}
			pipe.Del(ctx, b.entryKey(e.ID))
			pipe.ZRem(ctx, b.nsKey(e.Namespace), e.ID)
		}
		return nil
	})
	if err != nil {
		return b.connErr("clear", err)
	}
	return nil
}

// Close closes the client when the backend created it.
func (b *Backend) Close() error {
	if b.owned {
		return b.client.Close()
	}
	return nil
}

func (b *Backend) namespaces(ctx context.Context, namespace string) ([]string, error) {
	if namespace != "" {
		return []string{namespace}, nil
	}
	ns, err := b.client.SMembers(ctx, b.key("namespaces")).Result()
	if err != nil {
		return nil, b.connErr("namespaces", err)
	}
	return ns, nil
}

// orderedIDs merges the per-namespace sorted sets by insertion sequence.
func (b *Backend) orderedIDs(ctx context.Context, namespace string) ([]string, error) {
	namespaces, err := b.namespaces(ctx, namespace)
	if err != nil {
		return nil, err
	}
	var all []goredis.Z
	for _, ns := range namespaces {
		zs, err := b.client.ZRangeWithScores(ctx, b.nsKey(ns), 0, -1).Result()
		if err != nil {
			return nil, b.connErr("list", err)
		}
		all = append(all, zs...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score < all[j].Score })
	ids := make([]string, len(all))
	for i, z := range all {
		ids[i] = fmt.Sprint(z.Member)
	}
	return ids, nil
}

func (b *Backend) load(ctx context.Context, ids []string) ([]core.Entry, error) {
	if len(ids) == 0 {
		return []core.Entry{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.entryKey(id)
	}
	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, b.connErr("load", err)
	}
	out := make([]core.Entry, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			b.logger.Warn("redis backend: dangling id in namespace index", "id", ids[i])
			continue
		}
		var e core.Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("redis backend: decode %s: %w", ids[i], err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (b *Backend) key(suffix string) string { return b.prefix + ":" + suffix }

func (b *Backend) entryKey(id string) string { return b.prefix + ":entry:" + id }

func (b *Backend) nsKey(ns string) string { return b.prefix + ":ns:" + ns }

func (b *Backend) connErr(op string, err error) error {
	return &core.ConnectivityError{Backend: "redis", Op: op, Endpoint: b.addr, Retryable: true, Err: err}
}
