// Package store is the single persistence layer for every entity in
// internal/db/models.go, collapsing the teacher's two parallel repository
// layers (internal/repository + internal/repositories) into one substrate,
// per spec.md §9's "collapse into one substrate plus thin transport
// adapters" re-architecting note.
package store

import "errors"

// ErrNotFound is returned by any lookup that found no row. Callers map it
// to the specific apperr sentinel appropriate for their entity (e.g.
// apperr.ErrUserNotFound), mirroring the teacher's repositories.ErrNotFound
// pattern of one generic not-found collapsed at the call site.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned on unique-constraint violations (duplicate device
// identifier, duplicate app token hash, etc.).
var ErrConflict = errors.New("store: conflict")
