package apptoken

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/cache"
	"github.com/sentc-io/sentc/server/internal/db"
	"github.com/sentc-io/sentc/server/internal/store"
)

func newTestGate(t *testing.T) (*Gate, *store.AppStore) {
	t.Helper()
	gormDB, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	apps := store.NewAppStore(gormDB)
	c := cache.New[string, *AppContext](positiveTTL, negativeTTL)
	return NewGate(apps, c), apps
}

func TestAuthenticateResolvesPublicAndSecretTokens(t *testing.T) {
	gate, apps := newTestGate(t)
	ctx := context.Background()

	app := &db.App{
		OwnerUserID:       uuid.Must(uuid.NewV7()),
		HashedPublicToken: hashToken("pub-raw"),
		HashedSecretToken: hashToken("secret-raw"),
		Options:           "{}",
	}
	if err := apps.Create(ctx, app); err != nil {
		t.Fatalf("create app: %v", err)
	}

	_, class, err := gate.Authenticate(ctx, "pub-raw")
	if err != nil {
		t.Fatalf("authenticate public: %v", err)
	}
	if class != TokenClassPublic {
		t.Fatalf("expected public class, got %v", class)
	}

	_, class, err = gate.Authenticate(ctx, "secret-raw")
	if err != nil {
		t.Fatalf("authenticate secret: %v", err)
	}
	if class != TokenClassSecret {
		t.Fatalf("expected secret class, got %v", class)
	}
}

func TestAuthenticateUnknownTokenIsNegativeCached(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	if _, _, err := gate.Authenticate(ctx, "nope"); err != apperr.ErrAppTokenNotFound {
		t.Fatalf("expected ErrAppTokenNotFound, got %v", err)
	}

	cached, found, negative := gate.cache.Get(hashToken("nope"))
	if !found || !negative || cached != nil {
		t.Fatalf("expected a negative cache entry for the unknown token")
	}

	// Second call must be served from cache without reaching the store.
	if _, _, err := gate.Authenticate(ctx, "nope"); err != apperr.ErrAppTokenNotFound {
		t.Fatalf("expected ErrAppTokenNotFound on cached miss, got %v", err)
	}
}

func TestAuthenticateEmptyTokenIsRejected(t *testing.T) {
	gate, _ := newTestGate(t)
	if _, _, err := gate.Authenticate(context.Background(), ""); err != apperr.ErrAppTokenNotFound {
		t.Fatalf("expected ErrAppTokenNotFound for empty token, got %v", err)
	}
}

func TestAuthorizeRejectsDisabledApp(t *testing.T) {
	appCtx := &AppContext{App: &db.App{Disabled: true}, Endpoints: map[string]EndpointPolicy{}}
	if err := Authorize(appCtx, "any", TokenClassPublic); err != apperr.ErrAppDisabled {
		t.Fatalf("expected ErrAppDisabled, got %v", err)
	}
}

func TestAuthorizeEnforcesSecretRequiredEndpoint(t *testing.T) {
	appCtx := &AppContext{
		App:       &db.App{},
		Endpoints: map[string]EndpointPolicy{"keydist.start_rotation": EndpointSecretRequired},
	}
	if err := Authorize(appCtx, "keydist.start_rotation", TokenClassPublic); err != apperr.ErrAppActionDenied {
		t.Fatalf("expected ErrAppActionDenied for public class, got %v", err)
	}
	if err := Authorize(appCtx, "keydist.start_rotation", TokenClassSecret); err != nil {
		t.Fatalf("expected secret class to be admitted, got %v", err)
	}
}

func TestAuthorizeUnlistedEndpointDefaultsToPublicOK(t *testing.T) {
	appCtx := &AppContext{App: &db.App{}, Endpoints: map[string]EndpointPolicy{}}
	if err := Authorize(appCtx, "unlisted", TokenClassPublic); err != nil {
		t.Fatalf("expected unlisted endpoint to default admit, got %v", err)
	}
}

func TestAuthorizeDisabledEndpointRejectsBothClasses(t *testing.T) {
	appCtx := &AppContext{
		App:       &db.App{},
		Endpoints: map[string]EndpointPolicy{"off": EndpointDisabled},
	}
	if err := Authorize(appCtx, "off", TokenClassSecret); err != apperr.ErrAppActionDenied {
		t.Fatalf("expected ErrAppActionDenied even for secret class, got %v", err)
	}
}

func TestInvalidateAppDropsBothTokenHashes(t *testing.T) {
	gate, apps := newTestGate(t)
	ctx := context.Background()

	app := &db.App{
		OwnerUserID:       uuid.Must(uuid.NewV7()),
		HashedPublicToken: hashToken("pub-raw"),
		HashedSecretToken: hashToken("secret-raw"),
		Options:           "{}",
	}
	if err := apps.Create(ctx, app); err != nil {
		t.Fatalf("create app: %v", err)
	}
	if _, _, err := gate.Authenticate(ctx, "pub-raw"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	gate.InvalidateApp(app)

	if _, found, _ := gate.cache.Get(app.HashedPublicToken); found {
		t.Fatalf("expected public token hash to be evicted")
	}
}

func TestEncodeDecodeEndpointsRoundTrip(t *testing.T) {
	in := map[string]EndpointPolicy{"a": EndpointSecretRequired, "b": EndpointDisabled}
	encoded, err := EncodeEndpoints(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out := decodeEndpoints(encoded)
	if len(out) != len(in) || out["a"] != EndpointSecretRequired || out["b"] != EndpointDisabled {
		t.Fatalf("round trip mismatch: got %+v", out)
	}
}

func TestDecodeEndpointsTolerantOfGarbage(t *testing.T) {
	if out := decodeEndpoints("not json"); len(out) != 0 {
		t.Fatalf("expected empty map for unparsable options, got %+v", out)
	}
}
