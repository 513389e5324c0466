// Package apptoken implements the app-token gate (spec.md §4.1): every
// request except a small allow-list carries an opaque token that resolves
// to an App record and a token class, which in turn gates per-endpoint
// access.
package apptoken

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/cache"
	"github.com/sentc-io/sentc/server/internal/db"
	"github.com/sentc-io/sentc/server/internal/metrics"
	"github.com/sentc-io/sentc/server/internal/store"
)

// TokenClass is the admission level a resolved token grants.
type TokenClass int

const (
	TokenClassPublic TokenClass = iota
	TokenClassSecret
)

// EndpointPolicy is the minimum token class an endpoint requires.
type EndpointPolicy int

const (
	EndpointDisabled      EndpointPolicy = 0
	EndpointPublicOK      EndpointPolicy = 1
	EndpointSecretRequired EndpointPolicy = 2
)

// AppContext is what the gate attaches to the request: the app record plus
// its decoded per-endpoint policy table.
type AppContext struct {
	App       *db.App
	Endpoints map[string]EndpointPolicy
}

const (
	positiveTTL = 10 * time.Minute
	// negativeTTL is deliberately long, per spec.md §4.1, to blunt
	// enumeration attempts against the token space.
	negativeTTL = 24 * time.Hour
)

// Gate resolves opaque tokens to AppContext values.
type Gate struct {
	apps  *store.AppStore
	cache cache.TTLCache[string, *AppContext]
}

func NewGate(apps *store.AppStore, c cache.TTLCache[string, *AppContext]) *Gate {
	return &Gate{apps: apps, cache: c}
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves a raw token to its AppContext and class. Unknown
// tokens are negative-cached; disabled apps still resolve (callers enforce
// the disabled check) so that the cache remains a pure token->app mapping.
func (g *Gate) Authenticate(ctx context.Context, rawToken string) (*AppContext, TokenClass, error) {
	if rawToken == "" {
		return nil, 0, apperr.ErrAppTokenNotFound
	}

	hashed := hashToken(rawToken)

	if cached, found, negative := g.cache.Get(hashed); found {
		metrics.CacheHits.WithLabelValues("apptoken").Inc()
		if negative {
			return nil, 0, apperr.ErrAppTokenNotFound
		}
		class := TokenClassPublic
		if cached.App.HashedSecretToken == hashed {
			class = TokenClassSecret
		}
		return cached, class, nil
	}
	metrics.CacheMisses.WithLabelValues("apptoken").Inc()

	app, isSecret, err := g.apps.GetByHashedToken(ctx, hashed)
	if err != nil {
		g.cache.SetNegative(hashed)
		return nil, 0, apperr.ErrAppTokenNotFound
	}

	appCtx := &AppContext{App: app, Endpoints: decodeEndpoints(app.Options)}
	g.cache.Set(hashed, appCtx)

	class := TokenClassPublic
	if isSecret {
		class = TokenClassSecret
	}
	return appCtx, class, nil
}

// InvalidateApp drops the cache entries for both of an app's token hashes,
// used after token rotation or disabling.
func (g *Gate) InvalidateApp(app *db.App) {
	g.cache.Invalidate(app.HashedPublicToken)
	g.cache.Invalidate(app.HashedSecretToken)
}

// Authorize checks whether class admits endpoint under appCtx's policy.
func Authorize(appCtx *AppContext, endpoint string, class TokenClass) error {
	if appCtx.App.Disabled {
		return apperr.ErrAppDisabled
	}
	policy, ok := appCtx.Endpoints[endpoint]
	if !ok {
		policy = EndpointPublicOK // unlisted endpoints default to public-admitted
	}
	switch policy {
	case EndpointDisabled:
		return apperr.ErrAppActionDenied
	case EndpointSecretRequired:
		if class != TokenClassSecret {
			return apperr.ErrAppActionDenied
		}
	}
	return nil
}

func decodeEndpoints(options string) map[string]EndpointPolicy {
	raw := map[string]int{}
	out := map[string]EndpointPolicy{}
	if err := json.Unmarshal([]byte(options), &raw); err != nil {
		return out
	}
	for k, v := range raw {
		out[k] = EndpointPolicy(v)
	}
	return out
}

// EncodeEndpoints is the inverse of decodeEndpoints, used when persisting a
// policy change made via the app-owner dashboard API.
func EncodeEndpoints(policy map[string]EndpointPolicy) (string, error) {
	raw := map[string]int{}
	for k, v := range policy {
		raw[k] = int(v)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("apptoken: encode endpoints: %w", err)
	}
	return string(b), nil
}

// AppIDFromContext is a small helper other packages use to pull the
// resolved app's id back out once middleware has attached an *AppContext.
func AppIDFromContext(appCtx *AppContext) uuid.UUID {
	return appCtx.App.ID
}
