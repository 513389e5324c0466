package jwtkeys

import (
	"context"
	"crypto/ecdsa"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/cache"
	"github.com/sentc-io/sentc/server/internal/db"
	"github.com/sentc-io/sentc/server/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.AppStore) {
	t.Helper()
	gormDB, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	apps := store.NewAppStore(gormDB)
	verifyKeys := cache.New[string, *ecdsa.PublicKey](verifyKeyPositiveTTL, verifyKeyNegativeTTL)
	validAudience := cache.New[string, bool](audPositiveTTL, audNegativeTTL)
	return NewManager(apps, verifyKeys, validAudience), apps
}

func allowAudience(context.Context, uuid.UUID, uuid.UUID) (bool, error) { return true, nil }
func denyAudience(context.Context, uuid.UUID, uuid.UUID) (bool, error)  { return false, nil }

func TestSignAndVerifyRoundTrip(t *testing.T) {
	m, apps := newTestManager(t)
	ctx := context.Background()
	appID := uuid.Must(uuid.NewV7())

	if _, err := GenerateKeyPair(ctx, apps, appID); err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	userID := uuid.Must(uuid.NewV7())
	deviceID := uuid.Must(uuid.NewV7())

	token, err := m.Sign(ctx, appID, userID, deviceID, true)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := m.Verify(ctx, appID, token, false, allowAudience)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != deviceID.String() {
		t.Fatalf("expected subject %s, got %s", deviceID, claims.Subject)
	}
	if claims.Audience[0] != userID.String() {
		t.Fatalf("expected audience %s, got %v", userID, claims.Audience)
	}
	if !claims.Fresh {
		t.Fatalf("expected fresh=true")
	}
}

func TestVerifyRejectsUnknownAudience(t *testing.T) {
	m, apps := newTestManager(t)
	ctx := context.Background()
	appID := uuid.Must(uuid.NewV7())

	if _, err := GenerateKeyPair(ctx, apps, appID); err != nil {
		t.Fatalf("generate key pair: %v", err)
	}

	token, err := m.Sign(ctx, appID, uuid.Must(uuid.NewV7()), uuid.Must(uuid.NewV7()), false)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := m.Verify(ctx, appID, token, false, denyAudience); err != apperr.ErrJWTValidation {
		t.Fatalf("expected ErrJWTValidation, got %v", err)
	}
}

func TestVerifyRejectsTokenFromAnotherApp(t *testing.T) {
	m, apps := newTestManager(t)
	ctx := context.Background()
	appA := uuid.Must(uuid.NewV7())
	appB := uuid.Must(uuid.NewV7())

	if _, err := GenerateKeyPair(ctx, apps, appA); err != nil {
		t.Fatalf("generate key pair A: %v", err)
	}
	if _, err := GenerateKeyPair(ctx, apps, appB); err != nil {
		t.Fatalf("generate key pair B: %v", err)
	}

	token, err := m.Sign(ctx, appA, uuid.Must(uuid.NewV7()), uuid.Must(uuid.NewV7()), false)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := m.Verify(ctx, appB, token, false, allowAudience); err != apperr.ErrJWTKeyNotFound {
		t.Fatalf("expected ErrJWTKeyNotFound across apps, got %v", err)
	}
}

func TestSignWithNoKeyReturnsJWTKeyNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Sign(context.Background(), uuid.Must(uuid.NewV7()), uuid.Must(uuid.NewV7()), uuid.Must(uuid.NewV7()), false)
	if err != apperr.ErrJWTKeyNotFound {
		t.Fatalf("expected ErrJWTKeyNotFound, got %v", err)
	}
}

func TestInvalidateAppDropsCachedAudienceCheck(t *testing.T) {
	m, apps := newTestManager(t)
	ctx := context.Background()
	appID := uuid.Must(uuid.NewV7())

	if _, err := GenerateKeyPair(ctx, apps, appID); err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	userID := uuid.Must(uuid.NewV7())
	token, err := m.Sign(ctx, appID, userID, uuid.Must(uuid.NewV7()), false)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := m.Verify(ctx, appID, token, false, allowAudience); err != nil {
		t.Fatalf("verify: %v", err)
	}

	audKey := appID.String() + ":" + userID.String()
	if _, found, _ := m.validAudience.Get(audKey); !found {
		t.Fatalf("expected audience check to be cached before invalidation")
	}

	m.InvalidateApp(appID)

	if _, found, _ := m.validAudience.Get(audKey); found {
		t.Fatalf("expected cached audience check to be dropped after InvalidateApp")
	}
}
