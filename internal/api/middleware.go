package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/apptoken"
	"github.com/sentc-io/sentc/server/internal/jwtkeys"
	"github.com/sentc-io/sentc/server/internal/store"
)

type contextKey int

const (
	contextKeyClaims contextKey = iota
	contextKeyGroupAccessID
)

// AppTokenMiddleware wraps apptoken.Middleware so the router can register it
// per-route with the endpoint name that app.options gates against.
func AppTokenMiddleware(gate *apptoken.Gate, endpoint string) func(http.Handler) http.Handler {
	return apptoken.Middleware(gate, endpoint)
}

// AuthenticateJWT validates the "Authorization: Bearer <token>" header
// against the app resolved by AppTokenMiddleware (which must run first) and
// attaches the parsed claims to the request context. skipExpiry lets the
// /refresh endpoint accept an access token that has already expired, per
// spec.md §4.3.
func AuthenticateJWT(jwt *jwtkeys.Manager, users *store.UserStore, skipExpiry bool) func(http.Handler) http.Handler {
	checkAudience := func(ctx context.Context, appID, userID uuid.UUID) (bool, error) {
		user, err := users.GetByID(ctx, userID)
		if err != nil {
			if err == store.ErrNotFound {
				return false, nil
			}
			return false, err
		}
		return user.AppID == appID, nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			appCtx, ok := FromContext(r.Context())
			if !ok {
				WriteError(w, apperr.ErrJWTValidation)
				return
			}

			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				WriteError(w, apperr.ErrJWTValidation)
				return
			}

			claims, err := jwt.Verify(r.Context(), appCtx.App.ID, parts[1], skipExpiry, checkAudience)
			if err != nil {
				WriteError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireFresh rejects a non-fresh access token, for endpoints spec.md §7
// names as requiring a just-logged-in JWT (password change, account
// deletion). Must run after AuthenticateJWT.
func RequireFresh(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok || !claims.Fresh {
			WriteError(w, apperr.ErrWrongJWTAction)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GroupAccessID extracts the optional x-sentc-group-access-id header: the
// client's assertion "I reach this group through my membership in that
// group", consumed by groupresolve.Resolver.Resolve's groupAsMemberID
// parameter (spec.md §4.4 step 6).
func GroupAccessID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("x-sentc-group-access-id")
		var id *uuid.UUID
		if raw != "" {
			parsed, err := uuid.Parse(raw)
			if err != nil {
				WriteError(w, apperr.ErrBadRequestBody)
				return
			}
			id = &parsed
		}
		ctx := context.WithValue(r.Context(), contextKeyGroupAccessID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext retrieves the AppContext apptoken.Middleware attached.
func FromContext(ctx context.Context) (*apptoken.AppContext, bool) {
	return apptoken.FromContext(ctx)
}

// ClaimsFromContext retrieves the JWT claims AuthenticateJWT attached.
func ClaimsFromContext(ctx context.Context) (*jwtkeys.AccessClaims, bool) {
	claims, ok := ctx.Value(contextKeyClaims).(*jwtkeys.AccessClaims)
	return claims, ok
}

// GroupAccessIDFromContext retrieves the connected-group assertion
// GroupAccessID attached, nil if the client sent no header.
func GroupAccessIDFromContext(ctx context.Context) *uuid.UUID {
	id, _ := ctx.Value(contextKeyGroupAccessID).(*uuid.UUID)
	return id
}

// RequestLogger logs method, path, status and latency per request, grounded
// directly on the teacher's RequestLogger.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
