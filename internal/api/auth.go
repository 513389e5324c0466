package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/authn"
	"github.com/sentc-io/sentc/server/internal/db"
)

// AuthHandler implements spec.md §6.1's login-challenge broker endpoints:
// /register, /prepare_login, /done_login, /validate_mfa, /verify_login,
// /refresh. Grounded on the teacher's AuthHandler request-decode-then-
// delegate-to-service shape.
type AuthHandler struct {
	authn *authn.Authenticator
}

func NewAuthHandler(a *authn.Authenticator) *AuthHandler {
	return &AuthHandler{authn: a}
}

type registerRequest struct {
	DeviceIdentifier        string `json:"device_identifier"`
	ClientRandomValue       string `json:"client_random_value"`
	DerivedAlg              string `json:"derived_alg"`
	HashedAuthenticationKey string `json:"hashed_authentication_key"`
	EncryptedMasterKey      string `json:"encrypted_master_key"`
	MasterKeyAlg            string `json:"master_key_alg"`
	EncryptedPrivateKey     string `json:"encrypted_private_key"`
	KeypairAlg              string `json:"keypair_alg"`
	PublicKey               string `json:"public_key"`
	EncryptedSignKey        string `json:"encrypted_sign_key"`
	SignAlg                 string `json:"sign_alg"`
	VerifyKey               string `json:"verify_key"`

	GroupPublicKey           string `json:"group_public_key"`
	GroupPublicKeyAlg        string `json:"group_public_key_alg"`
	EncryptedGroupKey        string `json:"encrypted_group_key"`
	GroupKeyAlg              string `json:"group_key_alg"`
	EncryptedPrivateGroupKey string `json:"encrypted_private_group_key"`
	EncryptedGroupSignKey    string `json:"encrypted_group_sign_key"`
	GroupVerifyKey           string `json:"group_verify_key"`
	EncryptedEphemeralKey    string `json:"encrypted_ephemeral_key"`
	EphemeralAlg             string `json:"ephemeral_alg"`
}

// Register handles POST /register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	appCtx, _ := FromContext(r.Context())

	bundle := authn.DeviceKeyBundle{
		DeviceIdentifier:        req.DeviceIdentifier,
		ClientRandomValue:       req.ClientRandomValue,
		DerivedAlg:              req.DerivedAlg,
		HashedAuthenticationKey: req.HashedAuthenticationKey,
		EncryptedMasterKey:      req.EncryptedMasterKey,
		MasterKeyAlg:            req.MasterKeyAlg,
		EncryptedPrivateKey:     req.EncryptedPrivateKey,
		KeypairAlg:              req.KeypairAlg,
		PublicKey:               req.PublicKey,
		EncryptedSignKey:        req.EncryptedSignKey,
		SignAlg:                 req.SignAlg,
		VerifyKey:               req.VerifyKey,
	}
	firstKey := &db.GroupKey{
		PublicGroupKey:           req.GroupPublicKey,
		PublicGroupKeyAlg:        req.GroupPublicKeyAlg,
		EncryptedGroupKey:        req.EncryptedGroupKey,
		GroupKeyAlg:              req.GroupKeyAlg,
		EncryptedPrivateGroupKey: req.EncryptedPrivateGroupKey,
		EncryptedSignKey:         req.EncryptedGroupSignKey,
		VerifyKey:                req.GroupVerifyKey,
		EncryptedEphemeralKey:    req.EncryptedEphemeralKey,
		EphemeralAlg:             req.EphemeralAlg,
	}

	result, err := h.authn.Register(r.Context(), appCtx.App.ID, bundle, firstKey)
	if err != nil {
		WriteError(w, err)
		return
	}
	Created(w, result)
}

type prepareLoginRequest struct {
	DeviceIdentifier string `json:"device_identifier"`
}

// PrepareLogin handles POST /prepare_login.
func (h *AuthHandler) PrepareLogin(w http.ResponseWriter, r *http.Request) {
	var req prepareLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	appCtx, _ := FromContext(r.Context())

	salt, err := h.authn.PrepareLogin(r.Context(), appCtx.App.ID, req.DeviceIdentifier)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, salt)
}

type doneLoginRequest struct {
	DeviceIdentifier string `json:"device_identifier"`
	AuthKey          string `json:"auth_key"`
	Alg              string `json:"alg"`
}

// DoneLogin handles POST /done_login.
func (h *AuthHandler) DoneLogin(w http.ResponseWriter, r *http.Request) {
	var req doneLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	appCtx, _ := FromContext(r.Context())

	result, err := h.authn.DoneLogin(r.Context(), appCtx.App.ID, req.DeviceIdentifier, req.AuthKey, req.Alg)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, result)
}

type validateMFARequest struct {
	DeviceIdentifier string  `json:"device_identifier"`
	AuthKey          string  `json:"auth_key"`
	Alg              string  `json:"alg"`
	TotpToken        *string `json:"totp_token,omitempty"`
	RecoveryToken    *string `json:"recovery_token,omitempty"`
}

// ValidateMFA handles POST /validate_mfa.
func (h *AuthHandler) ValidateMFA(w http.ResponseWriter, r *http.Request) {
	var req validateMFARequest
	if !decodeJSON(w, r, &req) {
		return
	}
	appCtx, _ := FromContext(r.Context())

	bundle, err := h.authn.ValidateMFA(r.Context(), appCtx.App.ID, req.DeviceIdentifier, req.AuthKey, req.Alg, req.TotpToken, req.RecoveryToken)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, bundle)
}

type verifyLoginRequest struct {
	DeviceID    string `json:"device_id"`
	PlainNonce  string `json:"plain_nonce"`
}

// VerifyLogin handles POST /verify_login.
func (h *AuthHandler) VerifyLogin(w http.ResponseWriter, r *http.Request) {
	var req verifyLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	appCtx, _ := FromContext(r.Context())

	deviceID, err := uuid.Parse(req.DeviceID)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}

	tokens, err := h.authn.VerifyLogin(r.Context(), appCtx.App.ID, deviceID, req.PlainNonce)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, tokens)
}

type forcedLoginRequest struct {
	DeviceIdentifier string `json:"device_identifier"`
}

// ForcedLogin handles the forced-login bypass, a secret-token-only
// endpoint gated at the router level (EndpointSecretRequired).
func (h *AuthHandler) ForcedLogin(w http.ResponseWriter, r *http.Request) {
	var req forcedLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	appCtx, _ := FromContext(r.Context())

	tokens, err := h.authn.ForcedLogin(r.Context(), appCtx.App.ID, req.DeviceIdentifier)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, tokens)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh handles PUT /refresh. Mounted behind AuthenticateJWT with
// skipExpiry=true, since an expired access token is exactly the case this
// endpoint exists to recover from.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	appCtx, _ := FromContext(r.Context())

	tokens, err := h.authn.Refresh(r.Context(), appCtx.App.ID, req.RefreshToken)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, tokens)
}

// deviceIDParam parses the {device_id} chi URL parameter used by a couple of
// device-scoped routes (enable-TOTP).
func deviceIDParam(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "device_id"))
}

// EnableTOTP handles POST /device/{device_id}/totp.
func (h *AuthHandler) EnableTOTP(w http.ResponseWriter, r *http.Request) {
	deviceID, err := deviceIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}
	enabled, err := h.authn.EnableTOTP(r.Context(), deviceID)
	if err != nil {
		WriteError(w, err)
		return
	}
	Created(w, enabled)
}
