package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sentc-io/sentc/server/internal/apptoken"
	"github.com/sentc-io/sentc/server/internal/jwtkeys"
	"github.com/sentc-io/sentc/server/internal/store"
)

// Endpoint names gate apptoken.Gate.Authorize's per-app EndpointPolicy map
// (db.App.Options), matching spec.md §6.1's representative endpoint table.
const (
	EndpointRegister      = "register"
	EndpointPrepareLogin  = "prepare_login"
	EndpointDoneLogin     = "done_login"
	EndpointValidateMFA   = "validate_mfa"
	EndpointVerifyLogin   = "verify_login"
	EndpointRefresh       = "refresh"
	EndpointForcedLogin   = "forced_login"
	EndpointInit          = "init"
	EndpointUser          = "user"
	EndpointGroup         = "group"
	EndpointFile          = "file"
	EndpointContent       = "content"
	EndpointCaptcha       = "captcha"
	EndpointWS            = "ws"
)

// RouterConfig holds every already-constructed component the router wires
// together. Built once in cmd/server/main.go per SPEC_FULL.md §6.3's
// startup sequence and passed here as a single struct, the same shape the
// teacher's RouterConfig uses to keep NewRouter's signature stable as the
// dependency graph grows.
type RouterConfig struct {
	Gate   *apptoken.Gate
	JWT    *jwtkeys.Manager
	Users  *store.UserStore
	Logger *zap.Logger

	Auth    *AuthHandler
	Group   *GroupHandler
	User    *UserHandler
	File    *FileHandler
	Content *ContentHandler
	Captcha *CaptchaHandler
	WS      *WSHandler

	Metrics http.Handler
}

// NewRouter builds the chi router for the whole HTTP surface under
// /api/v1, plus /metrics at the root (outside app-token gating — it is
// operator-facing, not tenant-facing).
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", cfg.Metrics)

	appToken := func(endpoint string) func(http.Handler) http.Handler {
		return AppTokenMiddleware(cfg.Gate, endpoint)
	}
	authenticated := AuthenticateJWT(cfg.JWT, cfg.Users, false)
	refreshable := AuthenticateJWT(cfg.JWT, cfg.Users, true)

	r.Route("/api/v1", func(r chi.Router) {
		// --- Login-challenge broker: no JWT yet, gated by app token only ---
		r.Group(func(r chi.Router) {
			r.Use(appToken(EndpointRegister))
			r.Post("/register", cfg.Auth.Register)
		})
		r.Group(func(r chi.Router) {
			r.Use(appToken(EndpointPrepareLogin))
			r.Post("/prepare_login", cfg.Auth.PrepareLogin)
		})
		r.Group(func(r chi.Router) {
			r.Use(appToken(EndpointDoneLogin))
			r.Post("/done_login", cfg.Auth.DoneLogin)
		})
		r.Group(func(r chi.Router) {
			r.Use(appToken(EndpointValidateMFA))
			r.Post("/validate_mfa", cfg.Auth.ValidateMFA)
		})
		r.Group(func(r chi.Router) {
			r.Use(appToken(EndpointVerifyLogin))
			r.Post("/verify_login", cfg.Auth.VerifyLogin)
		})
		r.Group(func(r chi.Router) {
			// EndpointSecretRequired-only in practice: a public token can
			// never satisfy apptoken.Gate.Authorize for this name unless an
			// operator explicitly widens it, which defeats its purpose.
			r.Use(appToken(EndpointForcedLogin))
			r.Post("/forced_login", cfg.Auth.ForcedLogin)
		})

		// --- Refresh: app-token gated, JWT required but may be expired ---
		r.Group(func(r chi.Router) {
			r.Use(appToken(EndpointRefresh))
			r.Use(refreshable)
			r.Put("/refresh", cfg.Auth.Refresh)
		})

		// --- Init: app token + fresh-enough JWT, own endpoint policy since
		// it's the first call a freshly authenticated device makes ---
		r.Group(func(r chi.Router) {
			r.Use(appToken(EndpointInit))
			r.Use(authenticated)
			r.Post("/init", cfg.User.Init)
		})

		// --- Everything else: app token + a fresh-enough JWT ---
		r.Group(func(r chi.Router) {
			r.Use(appToken(EndpointUser))
			r.Use(authenticated)

			r.Post("/device/{device_id}/totp", cfg.Auth.EnableTOTP)

			r.Group(func(r chi.Router) {
				r.Use(RequireFresh)
				r.Delete("/user", cfg.User.Delete)
				r.Put("/user/update_pw", cfg.User.UpdatePassword)
			})
			r.Post("/user/user_keys/rotation", cfg.User.StartUserKeyRotation)
			r.Get("/user/user_keys/rotation", cfg.User.PendingUserKeyRotations)
			r.Put("/user/user_keys/rotation/{key_id}", cfg.User.FinalizeUserKeyRotation)
		})

		r.Group(func(r chi.Router) {
			r.Use(appToken(EndpointGroup))
			r.Use(authenticated)
			r.Use(GroupAccessID)

			r.Post("/group", cfg.Group.Create)
			r.Get("/group/{group_id}", cfg.Group.Get)
			r.Delete("/group/{group_id}", cfg.Group.Delete)

			r.Put("/group/{group_id}/invite/{user_id}", cfg.Group.Invite)
			r.Put("/group/{group_id}/invite", cfg.Group.AcceptInvite)
			r.Delete("/group/{group_id}/invite", cfg.Group.RejectInvite)

			r.Put("/group/{group_id}/join_req", cfg.Group.JoinRequest)
			r.Put("/group/{group_id}/join_req/{user_id}", cfg.Group.AcceptJoinRequest)
			r.Delete("/group/{group_id}/join_req/{user_id}", cfg.Group.RejectJoinRequest)

			r.Put("/group/{group_id}/change_rank/{user_id}", cfg.Group.ChangeRank)

			r.Post("/group/{group_id}/key_rotation", cfg.Group.StartKeyRotation)
			r.Get("/group/{group_id}/key_rotation", cfg.Group.PendingKeyRotations)
			r.Put("/group/{group_id}/key_rotation/{key_id}", cfg.Group.FinalizeKeyRotation)

			r.Post("/group/{group_id}/file", cfg.File.CreateSession)
		})

		r.Group(func(r chi.Router) {
			r.Use(appToken(EndpointFile))
			r.Use(authenticated)

			r.Post("/file", cfg.File.CreateSession)
			r.Post("/file/part/{session_id}/{seq}/0", cfg.File.AppendPart)
			r.Post("/file/part/{session_id}/{seq}/1", cfg.File.FinalizePart)
			r.Get("/file/{file_id}", cfg.File.GetFile)
			r.Get("/file/part/{file_id}/{seq}", cfg.File.DownloadPart)
			r.Delete("/file/{file_id}", cfg.File.DeleteFile)
		})

		r.Group(func(r chi.Router) {
			r.Use(appToken(EndpointContent))
			r.Use(authenticated)

			r.Post("/content", cfg.Content.CreateItem)
			r.Get("/content/{item_id}", cfg.Content.GetItem)
			r.Delete("/content/{item_id}", cfg.Content.DeleteItem)
			r.Post("/content/searchable", cfg.Content.CreateSearchable)
			r.Get("/content/search", cfg.Content.SearchPage)
		})

		r.Group(func(r chi.Router) {
			r.Use(appToken(EndpointCaptcha))
			r.Post("/captcha", cfg.Captcha.Create)
			r.Post("/captcha/{captcha_id}", cfg.Captcha.Validate)
		})

		r.Group(func(r chi.Router) {
			r.Use(appToken(EndpointWS))
			r.Use(authenticated)
			r.Get("/ws", cfg.WS.Connect)
		})
	})

	return r
}
