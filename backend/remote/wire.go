package remote

import "github.com/hupe1980/guardianmesh/core"

// Wire types shared by Backend and Handler.

type searchRequest struct {
	Query           string          `json:"query"`
	Namespace       string          `json:"namespace,omitempty"`
	NamespacePrefix string          `json:"namespace_prefix,omitempty"`
	Category        core.Category   `json:"category,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	MinConfidence   core.Confidence `json:"min_confidence,omitempty"`
	Limit           int             `json:"limit,omitempty"`
}

type searchResponse struct {
	Results []core.SearchResult `json:"results"`
}

type listResponse struct {
	Entries []core.Entry `json:"entries"`
}

type countResponse struct {
	Count int `json:"count"`
}

type removeResponse struct {
	Removed bool `json:"removed"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
