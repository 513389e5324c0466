package apptoken

import (
	"context"
	"net/http"
	"strconv"

	"github.com/sentc-io/sentc/server/internal/apperr"
)

type contextKey string

const appContextKey contextKey = "apptoken.appContext"
const tokenClassKey contextKey = "apptoken.tokenClass"

// Middleware mirrors the teacher's Authenticate middleware in structure:
// parse the header, resolve via Gate, attach the result to the request
// context, and reject before the handler runs.
func Middleware(gate *Gate, endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("x-sentc-app-token")

			appCtx, class, err := gate.Authenticate(r.Context(), raw)
			if err != nil {
				writeErr(w, err)
				return
			}
			if err := Authorize(appCtx, endpoint, class); err != nil {
				writeErr(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), appContextKey, appCtx)
			ctx = context.WithValue(ctx, tokenClassKey, class)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext retrieves the AppContext attached by Middleware.
func FromContext(ctx context.Context) (*AppContext, bool) {
	appCtx, ok := ctx.Value(appContextKey).(*AppContext)
	return appCtx, ok
}

// ClassFromContext retrieves the resolved TokenClass attached by Middleware.
func ClassFromContext(ctx context.Context) (TokenClass, bool) {
	class, ok := ctx.Value(tokenClassKey).(TokenClass)
	return class, ok
}

func writeErr(w http.ResponseWriter, err error) {
	kind := apperr.Resolve(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.Status())
	_, _ = w.Write([]byte(`{"status":false,"err_code":` + strconv.FormatUint(uint64(kind.Code()), 10) + `,"err_msg":"` + kind.Error() + `"}`))
}
