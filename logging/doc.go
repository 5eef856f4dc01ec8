// Package logging provides a tiny abstraction over slog so components can
// depend on a minimal interface (Logger) while allowing users to plug any
// structured logger. MeshLogger adds contextual helpers (component,
// namespace) and domain helpers for backend calls, token usage and routing.
package logging
