package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/captcha"
)

// CaptchaHandler implements spec.md §4.2's one-shot captcha, consumed
// ahead of /register and /prepare_login on apps that require it, wrapping
// internal/captcha.Store.
type CaptchaHandler struct {
	captcha *captcha.Store
}

func NewCaptchaHandler(c *captcha.Store) *CaptchaHandler {
	return &CaptchaHandler{captcha: c}
}

// Create handles POST /captcha: generates and returns a PNG challenge.
func (h *CaptchaHandler) Create(w http.ResponseWriter, r *http.Request) {
	appCtx, _ := FromContext(r.Context())
	created, err := h.captcha.Create(r.Context(), appCtx.App.ID)
	if err != nil {
		WriteError(w, err)
		return
	}
	Created(w, struct {
		ID    uuid.UUID `json:"captcha_id"`
		Image []byte    `json:"image"`
	}{created.ID, created.Image})
}

type validateCaptchaRequest struct {
	Solution string `json:"solution"`
}

// Validate handles POST /captcha/{captcha_id}, consuming the challenge
// whether or not the solution matches.
func (h *CaptchaHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateCaptchaRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	captchaID, err := uuid.Parse(chi.URLParam(r, "captcha_id"))
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}

	ok, err := h.captcha.Validate(r.Context(), captchaID, req.Solution)
	if err != nil {
		WriteError(w, err)
		return
	}
	if !ok {
		WriteError(w, apperr.ErrCaptchaWrong)
		return
	}
	Ok(w, nil)
}
