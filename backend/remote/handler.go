package remote

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/hupe1980/guardianmesh/core"
	"github.com/hupe1980/guardianmesh/logging"
)

// HandlerOptions configures Handler.
type HandlerOptions struct {
	// APIKey, when set, is required as a bearer token on every request
	// except /health.
	APIKey string
	Logger logging.Logger
}

// Handler serves a StorageBackend over the protocol Backend speaks.
type Handler struct {
	backend core.StorageBackend
	apiKey  string
	logger  logging.Logger
	mux     *http.ServeMux
}

// NewHandler exposes backend over HTTP.
func NewHandler(backend core.StorageBackend, optFns ...func(o *HandlerOptions)) *Handler {
	opts := HandlerOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	h := &Handler{backend: backend, apiKey: opts.APIKey, logger: opts.Logger, mux: http.NewServeMux()}

	h.mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	h.mux.HandleFunc("POST /entries", h.auth(h.store))
	h.mux.HandleFunc("POST /entries/search", h.auth(h.search))
	h.mux.HandleFunc("GET /entries", h.auth(h.list))
	h.mux.HandleFunc("DELETE /entries", h.auth(h.clear))
	h.mux.HandleFunc("GET /entries/count", h.auth(h.count))
	h.mux.HandleFunc("GET /entries/{id}", h.auth(h.retrieve))
	h.mux.HandleFunc("DELETE /entries/{id}", h.auth(h.remove))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.mux.ServeHTTP(w, r) }

func (h *Handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+h.apiKey {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid api key"})
			return
		}
		next(w, r)
	}
}

func (h *Handler) store(w http.ResponseWriter, r *http.Request) {
	var e core.Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed entry: " + err.Error()})
		return
	}
	if err := h.backend.Store(r.Context(), e); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *Handler) retrieve(w http.ResponseWriter, r *http.Request) {
	e, ok, err := h.backend.Retrieve(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "entry not found"})
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed search: " + err.Error()})
		return
	}
	f := core.Filters{Namespace: req.Namespace, Category: req.Category, Tags: req.Tags, MinConfidence: req.MinConfidence}
	limit := req.Limit
	if req.NamespacePrefix != "" {
		limit = 0
	}
	results, err := h.backend.Search(r.Context(), req.Query, f, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if req.NamespacePrefix != "" {
		kept := results[:0]
		for _, res := range results {
			if strings.HasPrefix(res.Entry.Namespace, req.NamespacePrefix) {
				kept = append(kept, res)
			}
		}
		results = kept
		if req.Limit > 0 && len(results) > req.Limit {
			results = results[:req.Limit]
		}
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: results})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	prefix := q.Get("namespace_prefix")
	if prefix == "" {
		entries, err := h.backend.List(r.Context(), q.Get("namespace"), limit, offset)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, listResponse{Entries: entries})
		return
	}
	entries, err := h.scoped(r, prefix)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Entries: core.Page(entries, limit, offset)})
}

func (h *Handler) count(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix := q.Get("namespace_prefix")
	if prefix == "" {
		n, err := h.backend.Count(r.Context(), q.Get("namespace"))
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, countResponse{Count: n})
		return
	}
	entries, err := h.scoped(r, prefix)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: len(entries)})
}

func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix := q.Get("namespace_prefix")
	if prefix == "" {
		if err := h.backend.Clear(r.Context(), q.Get("namespace")); err != nil {
			h.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	entries, err := h.scoped(r, prefix)
	if err != nil {
		h.fail(w, err)
		return
	}
	cleared := make(map[string]struct{})
	for _, e := range entries {
		if _, done := cleared[e.Namespace]; done {
			continue
		}
		cleared[e.Namespace] = struct{}{}
		if err := h.backend.Clear(r.Context(), e.Namespace); err != nil {
			h.fail(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	removed, err := h.backend.Remove(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "entry not found"})
		return
	}
	writeJSON(w, http.StatusOK, removeResponse{Removed: true})
}

// scoped lists every entry whose namespace starts with prefix.
func (h *Handler) scoped(r *http.Request, prefix string) ([]core.Entry, error) {
	all, err := h.backend.List(r.Context(), "", 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]core.Entry, 0, len(all))
	for _, e := range all {
		if strings.HasPrefix(e.Namespace, prefix) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	var ve *core.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: ve.Reason, Field: ve.Field})
	case errors.Is(err, core.ErrCapacity):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, core.ErrConnectivity):
		h.logger.Warn("memory service backend unreachable", "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("memory service request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
