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

// CaptchaStore persists Captcha rows.
type CaptchaStore struct {
	gormDB *gorm.DB
}

func NewCaptchaStore(gormDB *gorm.DB) *CaptchaStore {
	return &CaptchaStore{gormDB: gormDB}
}

func (s *CaptchaStore) Create(ctx context.Context, c *db.Captcha) error {
	if err := s.gormDB.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("store: captchas: create: %w", err)
	}
	return nil
}

// ConsumeByID deletes the captcha row regardless of outcome and returns it,
// satisfying spec.md §4.6's single-use requirement and law L4.
func (s *CaptchaStore) ConsumeByID(ctx context.Context, id uuid.UUID) (*db.Captcha, error) {
	var c db.Captcha
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&c, "id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&db.Captcha{}, "id = ?", id).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: captchas: consume: %w", err)
	}
	return &c, nil
}

// BackdateCreatedAt rewrites a captcha row's creation time. Test-only: lets
// expiry behavior be exercised without sleeping past the TTL.
func (s *CaptchaStore) BackdateCreatedAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	err := s.gormDB.WithContext(ctx).Model(&db.Captcha{}).Where("id = ?", id).Update("created_at", at).Error
	if err != nil {
		return fmt.Errorf("store: captchas: backdate: %w", err)
	}
	return nil
}
