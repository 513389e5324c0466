// Package policy is the app-policy store of spec.md §2's component table: a
// thin business layer over store.AppStore's AppFileOptions/AppGroupOptions
// rows, responsible for defaulting and validating values before they reach
// the database. Grounded on the teacher's internal/services config-object
// pattern (load-or-default, validate, save) rather than letting every
// caller poke store.AppStore directly.
package policy

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/db"
	"github.com/sentc-io/sentc/server/internal/store"
)

// Defaults mirror the column defaults in internal/db/models.go, applied
// in Go so a newly-created app always gets a row back from GetFileOptions/
// GetGroupOptions even before any admin call has touched it.
const (
	DefaultMaxChunkSize       int64 = 4 * 1024 * 1024
	DefaultMinRankKeyRotation       = 4
	DefaultMaxGroupDepth            = 32
)

// Store wraps store.AppStore's option rows with defaulting and validation.
type Store struct {
	apps *store.AppStore
}

func New(apps *store.AppStore) *Store {
	return &Store{apps: apps}
}

// FileOptions returns the app's file policy, defaulting an unset row rather
// than surfacing ErrNotFound — every app is uploadable-by-default to local
// storage until an admin opts it into something else.
func (s *Store) FileOptions(ctx context.Context, appID uuid.UUID) (*db.AppFileOptions, error) {
	opts, err := s.apps.GetFileOptions(ctx, appID)
	if err == store.ErrNotFound {
		return &db.AppFileOptions{
			AppID:          appID,
			UploadAllowed:  true,
			StorageBackend: "local",
			MaxChunkSize:   DefaultMaxChunkSize,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: file options: %w", err)
	}
	return opts, nil
}

// SetFileOptions validates and persists a new file policy for appID.
func (s *Store) SetFileOptions(ctx context.Context, opts *db.AppFileOptions) error {
	switch opts.StorageBackend {
	case "local", "s3", "external":
	default:
		return apperr.ErrBadRequestBody
	}
	if opts.StorageBackend == "external" && opts.ExternalURL == "" {
		return apperr.ErrBadRequestBody
	}
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}

	if err := s.apps.UpsertFileOptions(ctx, opts); err != nil {
		return fmt.Errorf("policy: set file options: %w", err)
	}
	return nil
}

// GroupOptions returns the app's group/key-rotation policy, defaulting an
// unset row to the same values spec.md §4.5 assumes for a fresh app.
func (s *Store) GroupOptions(ctx context.Context, appID uuid.UUID) (*db.AppGroupOptions, error) {
	opts, err := s.apps.GetGroupOptions(ctx, appID)
	if err == store.ErrNotFound {
		return &db.AppGroupOptions{
			AppID:              appID,
			MinRankKeyRotation: DefaultMinRankKeyRotation,
			MaxGroupDepth:      DefaultMaxGroupDepth,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: group options: %w", err)
	}
	return opts, nil
}

// SetGroupOptions validates and persists a new group policy for appID.
func (s *Store) SetGroupOptions(ctx context.Context, opts *db.AppGroupOptions) error {
	if opts.MinRankKeyRotation < 0 || opts.MinRankKeyRotation > 4 {
		return apperr.ErrBadRequestBody
	}
	if opts.MaxKeyRotationMonth < 0 {
		return apperr.ErrBadRequestBody
	}
	if opts.MaxGroupDepth <= 0 {
		opts.MaxGroupDepth = DefaultMaxGroupDepth
	}

	if err := s.apps.UpsertGroupOptions(ctx, opts); err != nil {
		return fmt.Errorf("policy: set group options: %w", err)
	}
	return nil
}
