package files

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/db"
	"github.com/sentc-io/sentc/server/internal/policy"
	"github.com/sentc-io/sentc/server/internal/store"
)

type memPartStore struct {
	mu    sync.Mutex
	parts map[string][]byte
}

func newMemPartStore() *memPartStore { return &memPartStore{parts: map[string][]byte{}} }

func (m *memPartStore) PutPart(ctx context.Context, appID, partID string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts[appID+"/"+partID] = data
	return nil
}

func (m *memPartStore) GetPart(ctx context.Context, appID, partID string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.parts[appID+"/"+partID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memPartStore) DeleteParts(ctx context.Context, appID string, partIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range partIDs {
		delete(m.parts, appID+"/"+id)
	}
	return nil
}

func newTestManager(t *testing.T) (*Manager, *memPartStore) {
	t.Helper()
	gormDB, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	backend := newMemPartStore()
	mgr := NewManager(store.NewFileStore(gormDB), policy.New(store.NewAppStore(gormDB)), backend)
	return mgr, backend
}

func TestCreateSessionRejectsWhenUploadDisabled(t *testing.T) {
	mgr, _ := newTestManager(t)
	appID := uuid.Must(uuid.NewV7())

	pol := mgr.policy
	opts, err := pol.FileOptions(context.Background(), appID)
	if err != nil {
		t.Fatalf("FileOptions: %v", err)
	}
	opts.UploadAllowed = false
	if err := pol.SetFileOptions(context.Background(), opts); err != nil {
		t.Fatalf("SetFileOptions: %v", err)
	}

	_, _, err = mgr.CreateSession(context.Background(), CreateSessionInput{AppID: appID, OwnerUserID: uuid.Must(uuid.NewV7())})
	if err != apperr.ErrFileUploadNotAllowed {
		t.Fatalf("expected ErrFileUploadNotAllowed, got %v", err)
	}
}

func TestUploadSessionRoundTrip(t *testing.T) {
	mgr, backend := newTestManager(t)
	appID := uuid.Must(uuid.NewV7())
	ownerID := uuid.Must(uuid.NewV7())

	file, session, err := mgr.CreateSession(context.Background(), CreateSessionInput{
		AppID:             appID,
		OwnerUserID:       ownerID,
		MasterKeyID:       uuid.Must(uuid.NewV7()),
		EncryptedFileKey:  "wrapped-key",
		FileKeyAlg:        "alg",
		EncryptedFileName: "enc-name",
		ExpectedSize:      10,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := mgr.AppendPart(context.Background(), session.ID, 0, 5, bytes.NewReader([]byte("hello"))); err != nil {
		t.Fatalf("AppendPart: %v", err)
	}
	if _, err := mgr.FinalizePart(context.Background(), session.ID, 1, 5, bytes.NewReader([]byte("world"))); err != nil {
		t.Fatalf("FinalizePart: %v", err)
	}

	got, parts, err := mgr.GetFile(context.Background(), file.ID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if got.Status != db.FileStatusAvailable {
		t.Fatalf("expected available status, got %q", got.Status)
	}

	if _, err := mgr.files.GetSession(context.Background(), session.ID); err != store.ErrNotFound {
		t.Fatalf("expected session to be closed, got %v", err)
	}

	if len(backend.parts) != 2 {
		t.Fatalf("expected 2 stored parts, got %d", len(backend.parts))
	}
}

func TestMarkDeletedHidesFile(t *testing.T) {
	mgr, _ := newTestManager(t)
	appID := uuid.Must(uuid.NewV7())
	ownerID := uuid.Must(uuid.NewV7())

	file, _, err := mgr.CreateSession(context.Background(), CreateSessionInput{AppID: appID, OwnerUserID: ownerID})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := mgr.MarkDeleted(context.Background(), file.ID); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}

	if _, _, err := mgr.GetFile(context.Background(), file.ID); err != apperr.ErrFileNotFound {
		t.Fatalf("expected ErrFileNotFound after delete, got %v", err)
	}
}
