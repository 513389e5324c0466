package content

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/db"
	"github.com/sentc-io/sentc/server/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gormDB, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return New(store.NewContentStore(gormDB))
}

func TestCreateItemRejectsOversizeRef(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateItem(context.Background(), CreateItemInput{
		AppID:         uuid.Must(uuid.NewV7()),
		ItemRef:       strings.Repeat("a", 51),
		CreatorUserID: uuid.Must(uuid.NewV7()),
	})
	if err != apperr.ErrContentItemTooBig {
		t.Fatalf("expected ErrContentItemTooBig, got %v", err)
	}
}

func TestCreateItemRoundTrip(t *testing.T) {
	s := newTestStore(t)
	item, err := s.CreateItem(context.Background(), CreateItemInput{
		AppID:         uuid.Must(uuid.NewV7()),
		ItemRef:       "ref-1",
		CreatorUserID: uuid.Must(uuid.NewV7()),
		Categories:    []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	got, err := s.GetItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.ItemRef != "ref-1" {
		t.Fatalf("unexpected item ref %q", got.ItemRef)
	}

	if err := s.DeleteItem(context.Background(), item.ID); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if _, err := s.GetItem(context.Background(), item.ID); err != apperr.ErrContentItemNotSet {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
}

func TestCreateSearchableRejectsTooManyHashes(t *testing.T) {
	s := newTestStore(t)
	hashes := make([]string, maxSearchableHashes+1)
	for i := range hashes {
		hashes[i] = "h"
	}

	_, err := s.CreateSearchable(context.Background(), CreateSearchableInput{
		AppID:   uuid.Must(uuid.NewV7()),
		ItemRef: "ref-1",
		Hashes:  hashes,
	})
	if err != apperr.ErrSearchableTooManyHashes {
		t.Fatalf("expected ErrSearchableTooManyHashes, got %v", err)
	}
}

func TestCreateSearchableRejectsNoHashes(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateSearchable(context.Background(), CreateSearchableInput{
		AppID:   uuid.Must(uuid.NewV7()),
		ItemRef: "ref-1",
	})
	if err != apperr.ErrSearchableNoHashes {
		t.Fatalf("expected ErrSearchableNoHashes, got %v", err)
	}
}

func TestSearchPageFindsByHash(t *testing.T) {
	s := newTestStore(t)
	appID := uuid.Must(uuid.NewV7())

	item, err := s.CreateSearchable(context.Background(), CreateSearchableInput{
		AppID:     appID,
		ItemRef:   "ref-1",
		WrapKeyID: uuid.Must(uuid.NewV7()),
		Alg:       "hmac-sha256",
		Category:  "notes",
		Hashes:    []string{"tok-a", "tok-b"},
	})
	if err != nil {
		t.Fatalf("CreateSearchable: %v", err)
	}

	found, err := s.SearchPage(context.Background(), appID, "tok-a", "", time.Now().Add(time.Hour), uuid.Nil, 0)
	if err != nil {
		t.Fatalf("SearchPage: %v", err)
	}
	if len(found) != 1 || found[0].ID != item.ID {
		t.Fatalf("expected to find the created item, got %+v", found)
	}

	none, err := s.SearchPage(context.Background(), appID, "unknown-token", "", time.Now().Add(time.Hour), uuid.Nil, 0)
	if err != nil {
		t.Fatalf("SearchPage: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no matches, got %+v", none)
	}
}
