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

// FileStore persists File, UploadSession, and FilePart rows.
type FileStore struct {
	gormDB *gorm.DB
}

func NewFileStore(gormDB *gorm.DB) *FileStore {
	return &FileStore{gormDB: gormDB}
}

func (s *FileStore) CreateWithSession(ctx context.Context, file *db.File, session *db.UploadSession) error {
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(file).Error; err != nil {
			return err
		}
		session.FileID = file.ID
		return tx.Create(session).Error
	})
	if err != nil {
		return fmt.Errorf("store: files: create with session: %w", err)
	}
	return nil
}

func (s *FileStore) GetByID(ctx context.Context, id uuid.UUID) (*db.File, error) {
	var f db.File
	err := s.gormDB.WithContext(ctx).First(&f, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: files: get by id: %w", err)
	}
	return &f, nil
}

func (s *FileStore) MarkToDelete(ctx context.Context, id uuid.UUID, deleteAt time.Time) error {
	err := s.gormDB.WithContext(ctx).Model(&db.File{}).Where("id = ?", id).Updates(map[string]any{
		"status":    db.FileStatusToDelete,
		"delete_at": deleteAt,
	}).Error
	if err != nil {
		return fmt.Errorf("store: files: mark to delete: %w", err)
	}
	return nil
}

func (s *FileStore) GetSession(ctx context.Context, sessionID uuid.UUID) (*db.UploadSession, error) {
	var sess db.UploadSession
	err := s.gormDB.WithContext(ctx).First(&sess, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: upload_sessions: get: %w", err)
	}
	return &sess, nil
}

func (s *FileStore) DeleteSession(ctx context.Context, sessionID uuid.UUID) error {
	if err := s.gormDB.WithContext(ctx).Delete(&db.UploadSession{}, "id = ?", sessionID).Error; err != nil {
		return fmt.Errorf("store: upload_sessions: delete: %w", err)
	}
	return nil
}

func (s *FileStore) CreatePart(ctx context.Context, part *db.FilePart) error {
	if err := s.gormDB.WithContext(ctx).Create(part).Error; err != nil {
		return fmt.Errorf("store: file_parts: create: %w", err)
	}
	return nil
}

// CreateLastPartAndCloseSession inserts the final FilePart and deletes the
// UploadSession atomically, per spec.md §4.6 step (e).
func (s *FileStore) CreateLastPartAndCloseSession(ctx context.Context, part *db.FilePart, sessionID uuid.UUID) error {
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(part).Error; err != nil {
			return err
		}
		return tx.Delete(&db.UploadSession{}, "id = ?", sessionID).Error
	})
	if err != nil {
		return fmt.Errorf("store: file_parts: create last part and close session: %w", err)
	}
	return nil
}

func (s *FileStore) PartsForFile(ctx context.Context, fileID uuid.UUID) ([]db.FilePart, error) {
	var parts []db.FilePart
	err := s.gormDB.WithContext(ctx).Where("file_id = ?", fileID).Order("sequence ASC").Find(&parts).Error
	if err != nil {
		return nil, fmt.Errorf("store: file_parts: for file: %w", err)
	}
	return parts, nil
}

// ToDeleteFiles returns files marked to-delete with delete_at before cutoff,
// for the sweeper (spec.md §4.6 "File deletion").
func (s *FileStore) ToDeleteFiles(ctx context.Context, cutoff time.Time, limit int) ([]db.File, error) {
	var files []db.File
	err := s.gormDB.WithContext(ctx).
		Where("status = ? AND delete_at < ?", db.FileStatusToDelete, cutoff).
		Limit(limit).
		Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("store: files: to-delete: %w", err)
	}
	return files, nil
}

func (s *FileStore) DeleteFileAndParts(ctx context.Context, fileID uuid.UUID) error {
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&db.FilePart{}, "file_id = ?", fileID).Error; err != nil {
			return err
		}
		return tx.Delete(&db.File{}, "id = ?", fileID).Error
	})
	if err != nil {
		return fmt.Errorf("store: files: delete file and parts: %w", err)
	}
	return nil
}

func (s *FileStore) ExpiredSessions(ctx context.Context, cutoff time.Time) ([]db.UploadSession, error) {
	var sessions []db.UploadSession
	err := s.gormDB.WithContext(ctx).Where("created_at < ?", cutoff).Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("store: upload_sessions: expired: %w", err)
	}
	return sessions, nil
}
