package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sentc-io/sentc/server/internal/db"
)

// ContentStore persists ContentItem, SearchableContentItem, and
// SearchableHash rows.
type ContentStore struct {
	gormDB *gorm.DB
}

func NewContentStore(gormDB *gorm.DB) *ContentStore {
	return &ContentStore{gormDB: gormDB}
}

func (s *ContentStore) CreateItem(ctx context.Context, item *db.ContentItem) error {
	if err := s.gormDB.WithContext(ctx).Create(item).Error; err != nil {
		return fmt.Errorf("store: content_items: create: %w", err)
	}
	return nil
}

func (s *ContentStore) GetItem(ctx context.Context, id uuid.UUID) (*db.ContentItem, error) {
	var item db.ContentItem
	err := s.gormDB.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: content_items: get: %w", err)
	}
	return &item, nil
}

func (s *ContentStore) DeleteItem(ctx context.Context, id uuid.UUID) error {
	if err := s.gormDB.WithContext(ctx).Delete(&db.ContentItem{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("store: content_items: delete: %w", err)
	}
	return nil
}

// CreateSearchableWithHashes inserts the head row and its hash set
// together, bounded to 200 hashes per spec.md §4.6.
func (s *ContentStore) CreateSearchableWithHashes(ctx context.Context, item *db.SearchableContentItem, hashes []string) error {
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(item).Error; err != nil {
			return err
		}
		rows := make([]db.SearchableHash, 0, len(hashes))
		for _, h := range hashes {
			rows = append(rows, db.SearchableHash{ItemID: item.ID, Hash: h})
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("store: searchable_content_items: create with hashes: %w", err)
	}
	return nil
}

// SearchableQueryPage looks up SearchableContentItems whose hash set
// contains q, ordered by (created_at DESC, id ASC), optionally filtered by
// category, cursor-paginated per spec.md §4.6 / §8 law L3.
func (s *ContentStore) SearchableQueryPage(ctx context.Context, appID uuid.UUID, q, category string, cursorTime time.Time, cursorID uuid.UUID, limit int) ([]db.SearchableContentItem, error) {
	var items []db.SearchableContentItem
	query := s.gormDB.WithContext(ctx).
		Joins("JOIN searchable_hashes ON searchable_hashes.item_id = searchable_content_items.id").
		Where("searchable_content_items.app_id = ? AND searchable_hashes.hash = ?", appID, q).
		Where("(searchable_content_items.created_at < ?) OR (searchable_content_items.created_at = ? AND searchable_content_items.id > ?)",
			cursorTime, cursorTime, cursorID)

	if category != "" {
		query = query.Where("searchable_content_items.category = ?", category)
	}

	err := query.Order("searchable_content_items.created_at DESC, searchable_content_items.id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("store: searchable_content_items: query page: %w", err)
	}
	return items, nil
}
