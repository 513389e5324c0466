// Package content implements spec.md §4.6's ciphertext content items and
// searchable index: opaque references the server stores and returns but
// never interprets, plus an HMAC-token index that lets a client find an
// item again without the server matching plaintext.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/db"
	"github.com/sentc-io/sentc/server/internal/store"
)

const (
	maxItemRefLen         = 50
	maxSearchableHashes   = 200
	defaultSearchPageSize = 50
)

// Store wraps store.ContentStore with spec.md's size limits and cursor
// defaults.
type Store struct {
	content *store.ContentStore
}

func New(content *store.ContentStore) *Store {
	return &Store{content: content}
}

// CreateItemInput carries a plain (non-searchable) content item reference.
type CreateItemInput struct {
	AppID         uuid.UUID
	ItemRef       string
	CreatorUserID uuid.UUID
	BelongsToType string
	BelongsToID   *uuid.UUID
	Categories    []string
}

// CreateItem implements the (SUPPLEMENT) plain content-item create
// operation: validate the reference length, then insert.
func (s *Store) CreateItem(ctx context.Context, in CreateItemInput) (*db.ContentItem, error) {
	if in.ItemRef == "" {
		return nil, apperr.ErrContentItemNotSet
	}
	if len(in.ItemRef) > maxItemRefLen {
		return nil, apperr.ErrContentItemTooBig
	}

	categories, err := json.Marshal(in.Categories)
	if err != nil {
		return nil, fmt.Errorf("content: create item: %w", err)
	}

	item := &db.ContentItem{
		AppID:         in.AppID,
		ItemRef:       in.ItemRef,
		CreatorUserID: in.CreatorUserID,
		BelongsToType: in.BelongsToType,
		BelongsToID:   in.BelongsToID,
		Categories:    string(categories),
	}
	if err := s.content.CreateItem(ctx, item); err != nil {
		return nil, fmt.Errorf("content: create item: %w", err)
	}
	return item, nil
}

// GetItem returns one content item by id.
func (s *Store) GetItem(ctx context.Context, id uuid.UUID) (*db.ContentItem, error) {
	item, err := s.content.GetItem(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.ErrContentItemNotSet
		}
		return nil, fmt.Errorf("content: get item: %w", err)
	}
	return item, nil
}

// DeleteItem removes a content item. Callers are responsible for the
// group-resolver rank check before calling this, mirroring internal/files.
func (s *Store) DeleteItem(ctx context.Context, id uuid.UUID) error {
	if err := s.content.DeleteItem(ctx, id); err != nil {
		return fmt.Errorf("content: delete item: %w", err)
	}
	return nil
}

// CreateSearchableInput carries a new searchable index entry: an ItemRef
// plus the set of opaque HMAC tokens a client wants it findable by.
type CreateSearchableInput struct {
	AppID     uuid.UUID
	ItemRef   string
	WrapKeyID uuid.UUID
	Alg       string
	Category  string
	Hashes    []string
}

// CreateSearchable implements spec.md §4.6's searchable-index create:
// validate the reference and hash-count bound, then insert the head row and
// its hashes together.
func (s *Store) CreateSearchable(ctx context.Context, in CreateSearchableInput) (*db.SearchableContentItem, error) {
	if in.ItemRef == "" {
		return nil, apperr.ErrSearchableItemRefNotSet
	}
	if len(in.ItemRef) > maxItemRefLen {
		return nil, apperr.ErrSearchableItemRefTooBig
	}
	if len(in.Hashes) == 0 {
		return nil, apperr.ErrSearchableNoHashes
	}
	if len(in.Hashes) > maxSearchableHashes {
		return nil, apperr.ErrSearchableTooManyHashes
	}

	item := &db.SearchableContentItem{
		AppID:     in.AppID,
		ItemRef:   in.ItemRef,
		WrapKeyID: in.WrapKeyID,
		Alg:       in.Alg,
		Category:  in.Category,
	}
	if err := s.content.CreateSearchableWithHashes(ctx, item, in.Hashes); err != nil {
		return nil, fmt.Errorf("content: create searchable: %w", err)
	}
	return item, nil
}

// SearchPage implements spec.md §4.6's query operation: an equality match
// on one opaque hash token, optionally narrowed by category, cursor-paged
// (created_at DESC, id ASC) per law L3.
func (s *Store) SearchPage(ctx context.Context, appID uuid.UUID, hash, category string, cursorTime time.Time, cursorID uuid.UUID, limit int) ([]db.SearchableContentItem, error) {
	if hash == "" {
		return nil, apperr.ErrSearchableQueryMissing
	}
	if limit <= 0 || limit > defaultSearchPageSize {
		limit = defaultSearchPageSize
	}

	items, err := s.content.SearchableQueryPage(ctx, appID, hash, category, cursorTime, cursorID, limit)
	if err != nil {
		return nil, fmt.Errorf("content: search page: %w", err)
	}
	return items, nil
}
