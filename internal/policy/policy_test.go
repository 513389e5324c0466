package policy

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentc-io/sentc/server/internal/db"
	"github.com/sentc-io/sentc/server/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gormDB, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return New(store.NewAppStore(gormDB))
}

func TestFileOptionsDefaultsWhenUnset(t *testing.T) {
	s := newTestStore(t)
	appID := uuid.Must(uuid.NewV7())

	opts, err := s.FileOptions(context.Background(), appID)
	if err != nil {
		t.Fatalf("FileOptions: %v", err)
	}
	if !opts.UploadAllowed {
		t.Fatal("expected upload allowed by default")
	}
	if opts.StorageBackend != "local" {
		t.Fatalf("expected local backend by default, got %q", opts.StorageBackend)
	}
	if opts.MaxChunkSize != DefaultMaxChunkSize {
		t.Fatalf("expected default chunk size, got %d", opts.MaxChunkSize)
	}
}

func TestSetFileOptionsRejectsUnknownBackend(t *testing.T) {
	s := newTestStore(t)
	opts := &db.AppFileOptions{AppID: uuid.Must(uuid.NewV7()), StorageBackend: "ftp"}

	if err := s.SetFileOptions(context.Background(), opts); err == nil {
		t.Fatal("expected error for unknown storage backend")
	}
}

func TestSetFileOptionsRequiresExternalURL(t *testing.T) {
	s := newTestStore(t)
	opts := &db.AppFileOptions{AppID: uuid.Must(uuid.NewV7()), StorageBackend: "external"}

	if err := s.SetFileOptions(context.Background(), opts); err == nil {
		t.Fatal("expected error for missing external url")
	}

	opts.ExternalURL = "https://files.example.com"
	if err := s.SetFileOptions(context.Background(), opts); err != nil {
		t.Fatalf("SetFileOptions: %v", err)
	}
}

func TestGroupOptionsDefaultsWhenUnset(t *testing.T) {
	s := newTestStore(t)
	appID := uuid.Must(uuid.NewV7())

	opts, err := s.GroupOptions(context.Background(), appID)
	if err != nil {
		t.Fatalf("GroupOptions: %v", err)
	}
	if opts.MinRankKeyRotation != DefaultMinRankKeyRotation {
		t.Fatalf("expected default min rank, got %d", opts.MinRankKeyRotation)
	}
	if opts.MaxGroupDepth != DefaultMaxGroupDepth {
		t.Fatalf("expected default group depth, got %d", opts.MaxGroupDepth)
	}
}

func TestSetGroupOptionsRejectsOutOfRangeRank(t *testing.T) {
	s := newTestStore(t)
	opts := &db.AppGroupOptions{AppID: uuid.Must(uuid.NewV7()), MinRankKeyRotation: 9}

	if err := s.SetGroupOptions(context.Background(), opts); err == nil {
		t.Fatal("expected error for out-of-range rank")
	}
}

func TestSetGroupOptionsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	appID := uuid.Must(uuid.NewV7())
	opts := &db.AppGroupOptions{AppID: appID, MinRankKeyRotation: 2, MaxKeyRotationMonth: 3, MaxGroupDepth: 16}

	if err := s.SetGroupOptions(context.Background(), opts); err != nil {
		t.Fatalf("SetGroupOptions: %v", err)
	}

	got, err := s.GroupOptions(context.Background(), appID)
	if err != nil {
		t.Fatalf("GroupOptions: %v", err)
	}
	if got.MinRankKeyRotation != 2 || got.MaxKeyRotationMonth != 3 || got.MaxGroupDepth != 16 {
		t.Fatalf("unexpected round-tripped options: %+v", got)
	}
}
