package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sentc-io/sentc/server/internal/db"
)

// AppStore persists App, AppJwtKey, AppFileOptions, AppGroupOptions and
// ForcedLoginAudit rows. Grounded on the teacher's gormUserRepository
// wrapping pattern: every miss is folded into ErrNotFound, every other
// failure is wrapped with %w and a package-qualified prefix.
type AppStore struct {
	gormDB *gorm.DB
}

func NewAppStore(gormDB *gorm.DB) *AppStore {
	return &AppStore{gormDB: gormDB}
}

func (s *AppStore) Create(ctx context.Context, app *db.App) error {
	if err := s.gormDB.WithContext(ctx).Create(app).Error; err != nil {
		return fmt.Errorf("store: apps: create: %w", err)
	}
	return nil
}

func (s *AppStore) GetByID(ctx context.Context, id uuid.UUID) (*db.App, error) {
	var app db.App
	err := s.gormDB.WithContext(ctx).First(&app, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: apps: get by id: %w", err)
	}
	return &app, nil
}

// GetByHashedToken looks up an app by either its public or secret token
// hash — whichever column matches is returned along with which class
// matched, so the apptoken gate can record the token class on the request.
func (s *AppStore) GetByHashedToken(ctx context.Context, hashedToken string) (app *db.App, isSecret bool, err error) {
	var a db.App
	err = s.gormDB.WithContext(ctx).
		First(&a, "hashed_public_token = ? OR hashed_secret_token = ?", hashedToken, hashedToken).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: apps: get by token: %w", err)
	}
	return &a, a.HashedSecretToken == hashedToken, nil
}

func (s *AppStore) SetDisabled(ctx context.Context, id uuid.UUID, disabled bool) error {
	err := s.gormDB.WithContext(ctx).Model(&db.App{}).Where("id = ?", id).Update("disabled", disabled).Error
	if err != nil {
		return fmt.Errorf("store: apps: set disabled: %w", err)
	}
	return nil
}

func (s *AppStore) RotateTokens(ctx context.Context, id uuid.UUID, hashedPublic, hashedSecret string) error {
	err := s.gormDB.WithContext(ctx).Model(&db.App{}).Where("id = ?", id).Updates(map[string]any{
		"hashed_public_token": hashedPublic,
		"hashed_secret_token": hashedSecret,
	}).Error
	if err != nil {
		return fmt.Errorf("store: apps: rotate tokens: %w", err)
	}
	return nil
}

// JWT keys

func (s *AppStore) CreateJwtKey(ctx context.Context, key *db.AppJwtKey) error {
	if err := s.gormDB.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("store: app_jwt_keys: create: %w", err)
	}
	return nil
}

// LatestJwtKey returns the youngest non-revoked key for an app — the one
// used to sign new tokens.
func (s *AppStore) LatestJwtKey(ctx context.Context, appID uuid.UUID) (*db.AppJwtKey, error) {
	var key db.AppJwtKey
	err := s.gormDB.WithContext(ctx).
		Where("app_id = ? AND revoked = ?", appID, false).
		Order("created_at DESC").
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: app_jwt_keys: latest: %w", err)
	}
	return &key, nil
}

func (s *AppStore) GetJwtKeyByKid(ctx context.Context, kid uuid.UUID) (*db.AppJwtKey, error) {
	var key db.AppJwtKey
	err := s.gormDB.WithContext(ctx).First(&key, "id = ?", kid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: app_jwt_keys: get by kid: %w", err)
	}
	return &key, nil
}

func (s *AppStore) DeleteJwtKey(ctx context.Context, appID, kid uuid.UUID) error {
	err := s.gormDB.WithContext(ctx).
		Where("app_id = ? AND id = ?", appID, kid).
		Delete(&db.AppJwtKey{}).Error
	if err != nil {
		return fmt.Errorf("store: app_jwt_keys: delete: %w", err)
	}
	return nil
}

// Options

func (s *AppStore) GetFileOptions(ctx context.Context, appID uuid.UUID) (*db.AppFileOptions, error) {
	var opts db.AppFileOptions
	err := s.gormDB.WithContext(ctx).First(&opts, "app_id = ?", appID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: app_file_options: get: %w", err)
	}
	return &opts, nil
}

func (s *AppStore) UpsertFileOptions(ctx context.Context, opts *db.AppFileOptions) error {
	err := s.gormDB.WithContext(ctx).Save(opts).Error
	if err != nil {
		return fmt.Errorf("store: app_file_options: upsert: %w", err)
	}
	return nil
}

func (s *AppStore) GetGroupOptions(ctx context.Context, appID uuid.UUID) (*db.AppGroupOptions, error) {
	var opts db.AppGroupOptions
	err := s.gormDB.WithContext(ctx).First(&opts, "app_id = ?", appID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: app_group_options: get: %w", err)
	}
	return &opts, nil
}

func (s *AppStore) UpsertGroupOptions(ctx context.Context, opts *db.AppGroupOptions) error {
	err := s.gormDB.WithContext(ctx).Save(opts).Error
	if err != nil {
		return fmt.Errorf("store: app_group_options: upsert: %w", err)
	}
	return nil
}

func (s *AppStore) RecordForcedLoginAudit(ctx context.Context, audit *db.ForcedLoginAudit) error {
	if err := s.gormDB.WithContext(ctx).Create(audit).Error; err != nil {
		return fmt.Errorf("store: forced_login_audits: create: %w", err)
	}
	return nil
}
