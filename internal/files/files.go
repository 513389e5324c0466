// Package files implements spec.md §4.6's chunked file upload sessions and
// the deletion sweeper. Ciphertext bytes themselves are opaque to this
// package; it only ever moves them between the caller and a PartStore.
package files

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/config"
	"github.com/sentc-io/sentc/server/internal/db"
	"github.com/sentc-io/sentc/server/internal/policy"
	"github.com/sentc-io/sentc/server/internal/store"
)

// PartStore is the storage capability interface spec.md §4.6 describes:
// a server-owned backend for ciphertext chunks. External-app-owned storage
// (the "external" backend choice) is deliberately not an implementation of
// this interface — see sweeper.go.
type PartStore interface {
	PutPart(ctx context.Context, appID, partID string, r io.Reader) error
	GetPart(ctx context.Context, appID, partID string) (io.ReadCloser, error)
	DeleteParts(ctx context.Context, appID string, partIDs []string) error
}

// Manager owns file metadata, upload sessions, and the association between
// a FilePart row and the bytes a PartStore actually holds for it.
type Manager struct {
	files   *store.FileStore
	policy  *policy.Store
	backend PartStore
}

func NewManager(files *store.FileStore, pol *policy.Store, backend PartStore) *Manager {
	return &Manager{files: files, policy: pol, backend: backend}
}

// CreateSessionInput carries the client-supplied envelope for a new file,
// per spec.md §4.6's upload-start step.
type CreateSessionInput struct {
	AppID             uuid.UUID
	OwnerUserID       uuid.UUID
	BelongsToType     string
	BelongsToID       *uuid.UUID
	MasterKeyID       uuid.UUID
	EncryptedFileKey  string
	FileKeyAlg        string
	EncryptedFileName string
	ExpectedSize      int64
}

// CreateSession implements spec.md §4.6 step (a): validate upload is
// allowed for this app, then insert the File row (status "available") and
// its UploadSession atomically.
func (m *Manager) CreateSession(ctx context.Context, in CreateSessionInput) (*db.File, *db.UploadSession, error) {
	opts, err := m.policy.FileOptions(ctx, in.AppID)
	if err != nil {
		return nil, nil, fmt.Errorf("files: create session: %w", err)
	}
	if !opts.UploadAllowed {
		return nil, nil, apperr.ErrFileUploadNotAllowed
	}

	file := &db.File{
		AppID:             in.AppID,
		OwnerUserID:       in.OwnerUserID,
		BelongsToType:     in.BelongsToType,
		BelongsToID:       in.BelongsToID,
		MasterKeyID:       in.MasterKeyID,
		EncryptedFileKey:  in.EncryptedFileKey,
		FileKeyAlg:        in.FileKeyAlg,
		EncryptedFileName: in.EncryptedFileName,
		Status:            db.FileStatusAvailable,
	}
	session := &db.UploadSession{
		AppID:        in.AppID,
		OwnerUserID:  in.OwnerUserID,
		ExpectedSize: in.ExpectedSize,
		MaxChunkSize: opts.MaxChunkSize,
	}

	if err := m.files.CreateWithSession(ctx, file, session); err != nil {
		return nil, nil, fmt.Errorf("files: create session: %w", err)
	}
	return file, session, nil
}

// AppendPart implements spec.md §4.6 step (b)-(d): stream one chunk to the
// backend, then record its FilePart row. sequence is caller-supplied and
// must be monotonically increasing; the store does not enforce this beyond
// ordering reads by it.
func (m *Manager) AppendPart(ctx context.Context, sessionID uuid.UUID, sequence int, size int64, r io.Reader) (*db.FilePart, error) {
	session, err := m.files.GetSession(ctx, sessionID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.ErrFileSessionNotFound
		}
		return nil, fmt.Errorf("files: append part: %w", err)
	}
	if time.Since(session.CreatedAt) > config.MaxSessionAlive {
		return nil, apperr.ErrFileSessionExpired
	}
	if size > session.MaxChunkSize {
		return nil, apperr.ErrInputTooBig
	}

	part := &db.FilePart{FileID: session.FileID, Sequence: sequence, Size: size}
	if err := m.backend.PutPart(ctx, session.AppID.String(), partKey(session.FileID, part.Sequence), r); err != nil {
		return nil, fmt.Errorf("files: append part: store: %w", err)
	}
	if err := m.files.CreatePart(ctx, part); err != nil {
		return nil, fmt.Errorf("files: append part: %w", err)
	}
	return part, nil
}

// FinalizePart implements spec.md §4.6 step (e): the last chunk closes the
// session in the same transaction that records the part.
func (m *Manager) FinalizePart(ctx context.Context, sessionID uuid.UUID, sequence int, size int64, r io.Reader) (*db.FilePart, error) {
	session, err := m.files.GetSession(ctx, sessionID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperr.ErrFileSessionNotFound
		}
		return nil, fmt.Errorf("files: finalize part: %w", err)
	}
	if time.Since(session.CreatedAt) > config.MaxSessionAlive {
		return nil, apperr.ErrFileSessionExpired
	}

	part := &db.FilePart{FileID: session.FileID, Sequence: sequence, Size: size}
	if err := m.backend.PutPart(ctx, session.AppID.String(), partKey(session.FileID, part.Sequence), r); err != nil {
		return nil, fmt.Errorf("files: finalize part: store: %w", err)
	}
	if err := m.files.CreateLastPartAndCloseSession(ctx, part, sessionID); err != nil {
		return nil, fmt.Errorf("files: finalize part: %w", err)
	}
	return part, nil
}

// GetFile returns file metadata and its ordered parts for download.
func (m *Manager) GetFile(ctx context.Context, fileID uuid.UUID) (*db.File, []db.FilePart, error) {
	file, err := m.files.GetByID(ctx, fileID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil, apperr.ErrFileNotFound
		}
		return nil, nil, fmt.Errorf("files: get file: %w", err)
	}
	if file.Status != db.FileStatusAvailable {
		return nil, nil, apperr.ErrFileNotFound
	}
	parts, err := m.files.PartsForFile(ctx, fileID)
	if err != nil {
		return nil, nil, fmt.Errorf("files: get file: %w", err)
	}
	return file, parts, nil
}

// OpenPart streams one chunk's bytes back from the backend.
func (m *Manager) OpenPart(ctx context.Context, appID uuid.UUID, fileID uuid.UUID, sequence int) (io.ReadCloser, error) {
	rc, err := m.backend.GetPart(ctx, appID.String(), partKey(fileID, sequence))
	if err != nil {
		return nil, fmt.Errorf("files: open part: %w", err)
	}
	return rc, nil
}

// MarkDeleted implements the delete-request half of spec.md §4.6: the file
// is hidden immediately (status flips out of "available") and queued for
// the sweeper rather than removed inline, so a slow backend delete never
// blocks the request.
func (m *Manager) MarkDeleted(ctx context.Context, fileID uuid.UUID) error {
	if err := m.files.MarkToDelete(ctx, fileID, time.Now()); err != nil {
		return fmt.Errorf("files: mark deleted: %w", err)
	}
	return nil
}

func partKey(fileID uuid.UUID, sequence int) string {
	return fmt.Sprintf("%s/%04d", fileID.String(), sequence)
}
