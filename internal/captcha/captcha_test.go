package captcha

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/config"
	"github.com/sentc-io/sentc/server/internal/db"
	"github.com/sentc-io/sentc/server/internal/store"
)

func newTestStore(t *testing.T) (*Store, *store.CaptchaStore) {
	t.Helper()
	gormDB, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	cs := store.NewCaptchaStore(gormDB)
	return New(cs), cs
}

func TestCreateProducesImageAndID(t *testing.T) {
	s, _ := newTestStore(t)
	created, err := s.Create(context.Background(), uuid.Must(uuid.NewV7()))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(created.Image) == 0 {
		t.Fatal("expected non-empty rendered image")
	}
	if created.ID == uuid.Nil {
		t.Fatal("expected a non-nil id")
	}
}

func TestValidateCorrectSolutionSucceedsOnce(t *testing.T) {
	s, cs := newTestStore(t)

	c := &db.Captcha{AppID: uuid.Must(uuid.NewV7()), Solution: "123456"}
	if err := cs.Create(context.Background(), c); err != nil {
		t.Fatalf("create captcha: %v", err)
	}

	ok, err := s.Validate(context.Background(), c.ID, "123456")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ok {
		t.Fatal("expected matching solution to validate")
	}

	if _, err := s.Validate(context.Background(), c.ID, "123456"); err != apperr.ErrCaptchaNotFound {
		t.Fatalf("expected second validate to find the row already consumed, got %v", err)
	}
}

func TestValidateWrongSolutionFailsButConsumes(t *testing.T) {
	s, cs := newTestStore(t)

	c := &db.Captcha{AppID: uuid.Must(uuid.NewV7()), Solution: "123456"}
	if err := cs.Create(context.Background(), c); err != nil {
		t.Fatalf("create captcha: %v", err)
	}

	ok, err := s.Validate(context.Background(), c.ID, "000000")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if ok {
		t.Fatal("expected wrong solution to fail")
	}

	if _, err := s.Validate(context.Background(), c.ID, "123456"); err != apperr.ErrCaptchaNotFound {
		t.Fatalf("expected row to already be consumed after wrong attempt, got %v", err)
	}
}

func TestValidateUnknownIDReturnsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Validate(context.Background(), uuid.Must(uuid.NewV7()), "123456"); err != apperr.ErrCaptchaNotFound {
		t.Fatalf("expected ErrCaptchaNotFound, got %v", err)
	}
}

func TestValidateExpiredReturnsTooOld(t *testing.T) {
	s, cs := newTestStore(t)

	c := &db.Captcha{AppID: uuid.Must(uuid.NewV7()), Solution: "123456"}
	if err := cs.Create(context.Background(), c); err != nil {
		t.Fatalf("create captcha: %v", err)
	}
	if err := cs.BackdateCreatedAt(context.Background(), c.ID, time.Now().Add(-config.CaptchaTTL-time.Minute)); err != nil {
		t.Fatalf("backdate captcha: %v", err)
	}

	if _, err := s.Validate(context.Background(), c.ID, "123456"); err != apperr.ErrCaptchaTooOld {
		t.Fatalf("expected ErrCaptchaTooOld, got %v", err)
	}
}
