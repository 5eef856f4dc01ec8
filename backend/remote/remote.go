// Package remote provides a StorageBackend that talks JSON over HTTP to a
// memory service, and the matching Handler that serves any StorageBackend
// with that protocol.
//
// Every namespace is sent as "<systemPrefix>_<namespace>" so several systems
// can share one service; the prefix is stripped from everything returned.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/logging"
)

// Options configures the remote backend.
type Options struct {
	// SystemPrefix is prepended to every namespace. Default "guardianmesh".
	SystemPrefix string

	// Timeout bounds every call. Default 10s.
	Timeout time.Duration

	// RateLimit caps requests per second; zero disables limiting.
	RateLimit float64
	Burst     int

	HTTPClient *http.Client
	Logger     logging.Logger
}

// Backend is an HTTP StorageBackend.
type Backend struct {
	endpoint string
	apiKey   string
	prefix   string
	timeout  time.Duration
	limiter  *rate.Limiter
	client   *http.Client
	logger   logging.Logger
}

// New creates a backend for endpoint, authenticating with apiKey.
func New(endpoint, apiKey string, optFns ...func(o *Options)) *Backend {
	opts := Options{
		SystemPrefix: "guardianmesh",
		Timeout:      10 * time.Second,
		Burst:        1,
		HTTPClient:   http.DefaultClient,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(opts.Burst, 1))
	}

	return &Backend{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		prefix:   opts.SystemPrefix,
		timeout:  opts.Timeout,
		limiter:  limiter,
		client:   opts.HTTPClient,
		logger:   opts.Logger,
	}
}

// Initialize checks the health endpoint.
func (b *Backend) Initialize(ctx context.Context) error {
	status, err := b.do(ctx, "initialize", http.MethodGet, "/health", nil, nil, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return &core.ConnectivityError{Backend: "remote", Op: "initialize", Endpoint: b.endpoint, StatusCode: status}
	}
	return nil
}

// Store sends e. Ledger entries that already exist are refused locally.
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
	wire := e.Clone()
	wire.Namespace = b.compose(e.Namespace)
	_, err = b.do(ctx, "store", http.MethodPost, "/entries", nil, wire, nil)
	return err
}

// Retrieve fetches an entry by id. A 404 reports absence.
func (b *Backend) Retrieve(ctx context.Context, id string) (core.Entry, bool, error) {
	var e core.Entry
	status, err := b.do(ctx, "retrieve", http.MethodGet, "/entries/"+url.PathEscape(id), nil, nil, &e)
	if err != nil || status == http.StatusNotFound {
		return core.Entry{}, false, err
	}
	e.Namespace = b.strip(e.Namespace)
	return e, true, nil
}

// Search delegates ranking to the service.
func (b *Backend) Search(ctx context.Context, query string, f core.Filters, limit int) ([]core.SearchResult, error) {
	req := searchRequest{
		Query:         query,
		Category:      f.Category,
		Tags:          f.Tags,
		MinConfidence: f.MinConfidence,
		Limit:         limit,
	}
	if f.Namespace != "" {
		req.Namespace = b.compose(f.Namespace)
	} else {
		req.NamespacePrefix = b.prefix + "_"
	}
	var resp searchResponse
	if _, err := b.do(ctx, "search", http.MethodPost, "/entries/search", nil, req, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Results {
		resp.Results[i].Entry.Namespace = b.strip(resp.Results[i].Entry.Namespace)
	}
	if resp.Results == nil {
		resp.Results = []core.SearchResult{}
	}
	return resp.Results, nil
}

// List pages through namespace in insertion order.
func (b *Backend) List(ctx context.Context, namespace string, limit, offset int) ([]core.Entry, error) {
	q := b.scope(namespace)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var resp listResponse
	if _, err := b.do(ctx, "list", http.MethodGet, "/entries", q, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]core.Entry, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		e.Namespace = b.strip(e.Namespace)
		out = append(out, e)
	}
	return out, nil
}

// Remove deletes an entry. Ledger entries are checked locally first so the
// result matches the local backends even if the service is permissive.
func (b *Backend) Remove(ctx context.Context, id string) (bool, error) {
	e, ok, err := b.Retrieve(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	if err := core.CheckRemovable(e); err != nil {
		return false, err
	}
	var resp removeResponse
	status, err := b.do(ctx, "remove", http.MethodDelete, "/entries/"+url.PathEscape(id), nil, nil, &resp)
	if err != nil || status == http.StatusNotFound {
		return false, err
	}
	return resp.Removed, nil
}

// Count returns the number of entries in namespace, or in every namespace of
// this system when namespace is empty.
func (b *Backend) Count(ctx context.Context, namespace string) (int, error) {
	var resp countResponse
	if _, err := b.do(ctx, "count", http.MethodGet, "/entries/count", b.scope(namespace), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Clear removes non-ledger entries of namespace, or of every namespace of
// this system when namespace is empty.
func (b *Backend) Clear(ctx context.Context, namespace string) error {
	_, err := b.do(ctx, "clear", http.MethodDelete, "/entries", b.scope(namespace), nil, nil)
	return err
}

// Close is a no-op; the HTTP client is shared.
func (b *Backend) Close() error { return nil }

func (b *Backend) compose(ns string) string { return b.prefix + "_" + ns }

func (b *Backend) strip(ns string) string { return strings.TrimPrefix(ns, b.prefix+"_") }

func (b *Backend) scope(namespace string) url.Values {
	q := url.Values{}
	if namespace != "" {
		q.Set("namespace", b.compose(namespace))
	} else {
		q.Set("namespace_prefix", b.prefix+"_")
	}
	return q
}

// do performs one request. It returns the status code for 2xx and 404
// responses and a typed error for everything else.
func (b *Backend) do(ctx context.Context, op, method, path string, query url.Values, body, out any) (int, error) {
	start := time.Now()
	endpoint := b.endpoint + path

	if err := b.limiter.Wait(ctx); err != nil {
		return 0, b.connErr(op, endpoint, 0, true, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("remote backend: encode %s: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	u := endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, fmt.Errorf("remote backend: build %s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		b.logCall(op, time.Since(start), err)
		return 0, b.connErr(op, endpoint, 0, true, err)
	}
	defer resp.Body.Close()

	b.logCall(op, time.Since(start), nil)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && resp.StatusCode != http.StatusNoContent {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("remote backend: decode %s: %w", op, err)
			}
		}
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return 0, &core.ValidationError{Field: e.Field, Reason: e.Error}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, b.connErr(op, endpoint, resp.StatusCode, false, errors.New("credential rejected"))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return 0, b.connErr(op, endpoint, resp.StatusCode, true, errors.New(resp.Status))
	default:
		return 0, b.connErr(op, endpoint, resp.StatusCode, false, fmt.Errorf("unexpected status %s", resp.Status))
	}
}

// callLogger is implemented by logging.MeshLogger.
type callLogger interface {
	LogBackendCall(backend, op string, dur time.Duration, err error)
}

func (b *Backend) logCall(op string, dur time.Duration, err error) {
	if cl, ok := b.logger.(callLogger); ok {
		cl.LogBackendCall("remote", op, dur, err)
		return
	}
	if err != nil {
		b.logger.Warn("remote backend call failed", "op", op, "duration", dur, "error", err)
		return
	}
	b.logger.Debug("remote backend call", "op", op, "duration", dur)
}

func (b *Backend) connErr(op, endpoint string, status int, retryable bool, err error) error {
	return &core.ConnectivityError{
		Backend:    "remote",
		Op:         op,
		Endpoint:   endpoint,
		StatusCode: status,
		Retryable:  retryable,
		Err:        err,
	}
}
