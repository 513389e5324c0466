package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/authn"
	"github.com/sentc-io/sentc/server/internal/db"
	"github.com/sentc-io/sentc/server/internal/keydist"
	"github.com/sentc-io/sentc/server/internal/store"
)

// UserHandler implements spec.md §6.1's self-account endpoints: delete,
// password change, and the rotation of the caller's own distinguished
// user-group — the private key-wrapping group every user has, separate
// from any group they join explicitly.
type UserHandler struct {
	authn   *authn.Authenticator
	users   *store.UserStore
	groups  *store.GroupStore
	keydist *keydist.Engine
}

func NewUserHandler(a *authn.Authenticator, users *store.UserStore, groups *store.GroupStore, kd *keydist.Engine) *UserHandler {
	return &UserHandler{authn: a, users: users, groups: groups, keydist: kd}
}

// InitResponse is the payload for POST /init, spec.md §6.1's "Return
// key-update view + invite list" — the first call a freshly authenticated
// device makes. It combines every pending key rotation the caller's devices
// still need to finalize (across every group it belongs to, and its own
// user-group) with the groups it has been invited into but not yet
// accepted or rejected.
type InitResponse struct {
	KeyUpdate []db.PendingRotation `json:"key_update"`
	Invites   []db.GroupMembership `json:"invites"`
}

// Init handles POST /init.
func (h *UserHandler) Init(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, apperr.ErrJWTValidation)
		return
	}

	keyUpdate, err := h.keydist.PendingView(r.Context(), claims.UserID())
	if err != nil {
		WriteError(w, err)
		return
	}
	invites, err := h.groups.PendingInvitesForUser(r.Context(), claims.UserID())
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, InitResponse{KeyUpdate: keyUpdate, Invites: invites})
}

// Delete handles DELETE /user. Mounted behind AuthenticateJWT+RequireFresh.
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, apperr.ErrJWTValidation)
		return
	}
	if err := h.authn.DeleteUser(r.Context(), claims.UserID()); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}

type updatePasswordRequest struct {
	ClientRandomValue       string `json:"client_random_value"`
	DerivedAlg              string `json:"derived_alg"`
	HashedAuthenticationKey string `json:"hashed_authentication_key"`
	EncryptedMasterKey      string `json:"encrypted_master_key"`
	MasterKeyAlg            string `json:"master_key_alg"`
}

// UpdatePassword handles PUT /user/update_pw. Mounted behind
// AuthenticateJWT+RequireFresh.
func (h *UserHandler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	var req updatePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, apperr.ErrJWTValidation)
		return
	}

	err := h.authn.UpdatePassword(r.Context(), claims.DeviceID(),
		req.ClientRandomValue, req.DerivedAlg, req.HashedAuthenticationKey, req.EncryptedMasterKey, req.MasterKeyAlg)
	if err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}

type startUserKeyRotationRequest struct {
	NewGroupPublicKey           string `json:"new_group_public_key"`
	NewGroupPublicKeyAlg        string `json:"new_group_public_key_alg"`
	NewEncryptedGroupKey        string `json:"new_encrypted_group_key"`
	NewGroupKeyAlg              string `json:"new_group_key_alg"`
	NewEncryptedPrivateGroupKey string `json:"new_encrypted_private_group_key"`
	NewEncryptedGroupSignKey    string `json:"new_encrypted_group_sign_key"`
	NewGroupVerifyKey           string `json:"new_group_verify_key"`
	NewEncryptedEphemeralKey    string `json:"new_encrypted_ephemeral_key"`
	NewEphemeralAlg             string `json:"new_ephemeral_alg"`

	StarterWrappedGroupKey string `json:"encrypted_group_key_by_rotation"`
	StarterWrapAlg         string `json:"group_key_alg_by_rotation"`
}

// StartUserKeyRotation handles POST /user/user_keys/rotation, rotating the
// caller's own distinguished user-group key. The caller is always rank 0 of
// their own user-group, so no access check beyond AuthenticateJWT applies.
func (h *UserHandler) StartUserKeyRotation(w http.ResponseWriter, r *http.Request) {
	var req startUserKeyRotationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	appCtx, _ := FromContext(r.Context())
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, apperr.ErrJWTValidation)
		return
	}

	user, err := h.users.GetByID(r.Context(), claims.UserID())
	if err != nil {
		WriteError(w, err)
		return
	}

	newKey, err := h.keydist.StartRotation(r.Context(), appCtx.App.ID, 0, keydist.StartRotationInput{
		GroupID: user.UserGroupID,
		NewGroupKey: db.GroupKey{
			GroupID:                  user.UserGroupID,
			PublicGroupKey:           req.NewGroupPublicKey,
			PublicGroupKeyAlg:        req.NewGroupPublicKeyAlg,
			EncryptedGroupKey:        req.NewEncryptedGroupKey,
			GroupKeyAlg:              req.NewGroupKeyAlg,
			EncryptedPrivateGroupKey: req.NewEncryptedPrivateGroupKey,
			EncryptedSignKey:         req.NewEncryptedGroupSignKey,
			VerifyKey:                req.NewGroupVerifyKey,
			EncryptedEphemeralKey:    req.NewEncryptedEphemeralKey,
			EphemeralAlg:             req.NewEphemeralAlg,
		},
		StarterRecipientID:     claims.UserID(),
		StarterWrappedGroupKey: req.StarterWrappedGroupKey,
		StarterWrapAlg:         req.StarterWrapAlg,
	})
	if err != nil {
		WriteError(w, err)
		return
	}

	go h.keydist.RunFanOut(context.WithoutCancel(r.Context()), appCtx.App.ID, user.UserGroupID, newKey.ID)
	Created(w, newKey)
}

// PendingUserKeyRotations handles GET /user/user_keys/rotation.
func (h *UserHandler) PendingUserKeyRotations(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, apperr.ErrJWTValidation)
		return
	}
	pending, err := h.keydist.PendingView(r.Context(), claims.UserID())
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, pending)
}

type finalizeUserKeyRotationRequest struct {
	EncryptedGroupKey string `json:"encrypted_group_key"`
	GroupKeyAlg       string `json:"group_key_alg"`
	WrapKeyID         string `json:"wrap_key_id"`
}

// FinalizeUserKeyRotation handles PUT /user/user_keys/rotation/{key_id}.
func (h *UserHandler) FinalizeUserKeyRotation(w http.ResponseWriter, r *http.Request) {
	var req finalizeUserKeyRotationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, apperr.ErrJWTValidation)
		return
	}
	groupKeyID, err := uuid.Parse(chi.URLParam(r, "key_id"))
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}
	wrapKeyID, err := uuid.Parse(req.WrapKeyID)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}

	err = h.keydist.Finalize(r.Context(), groupKeyID, claims.UserID(), req.EncryptedGroupKey, req.GroupKeyAlg, wrapKeyID)
	if err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}
