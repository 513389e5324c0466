package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/db"
	"github.com/sentc-io/sentc/server/internal/groupresolve"
	"github.com/sentc-io/sentc/server/internal/keydist"
	"github.com/sentc-io/sentc/server/internal/policy"
	"github.com/sentc-io/sentc/server/internal/store"
)

// GroupHandler implements spec.md §6.1's group CRUD, membership, rank, and
// key-rotation endpoints. A request's access to a group is never decided
// here directly — it is always resolved through groupresolve.Resolver,
// which is the sole place the six-step effective-membership algorithm
// lives.
type GroupHandler struct {
	groups   *store.GroupStore
	resolver *groupresolve.Resolver
	keydist  *keydist.Engine
	policy   *policy.Store
}

func NewGroupHandler(groups *store.GroupStore, resolver *groupresolve.Resolver, kd *keydist.Engine, pol *policy.Store) *GroupHandler {
	return &GroupHandler{groups: groups, resolver: resolver, keydist: kd, policy: pol}
}

func groupIDParam(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "group_id"))
}

func userIDParam(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "user_id"))
}

// resolveCaller loads the caller's effective membership in groupID, honoring
// the optional x-sentc-group-access-id connected-group assertion.
func (h *GroupHandler) resolveCaller(r *http.Request, appID, groupID uuid.UUID) (*groupresolve.EffectiveMembership, error) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		return nil, apperr.ErrJWTValidation
	}
	return h.resolver.Resolve(r.Context(), appID, groupID, claims.UserID(), GroupAccessIDFromContext(r.Context()))
}

type createGroupRequest struct {
	ParentID                 *string `json:"parent_id,omitempty"`
	IsConnectedGroup         bool    `json:"is_connected_group"`
	GroupPublicKey           string  `json:"group_public_key"`
	GroupPublicKeyAlg        string  `json:"group_public_key_alg"`
	EncryptedGroupKey        string  `json:"encrypted_group_key"`
	GroupKeyAlg              string  `json:"group_key_alg"`
	EncryptedPrivateGroupKey string  `json:"encrypted_private_group_key"`
	EncryptedGroupSignKey    string  `json:"encrypted_group_sign_key"`
	GroupVerifyKey           string  `json:"group_verify_key"`
	EncryptedEphemeralKey    string  `json:"encrypted_ephemeral_key"`
	EphemeralAlg             string  `json:"ephemeral_alg"`
}

// Create handles POST /group. The creator is the caller's own user ID; they
// are inserted as the rank-0 member atomically with the group row and its
// first key, per store.GroupStore.CreateWithCreatorAndFirstKey.
func (h *GroupHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	appCtx, _ := FromContext(r.Context())
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, apperr.ErrJWTValidation)
		return
	}

	var parentID *uuid.UUID
	if req.ParentID != nil {
		parsed, err := uuid.Parse(*req.ParentID)
		if err != nil {
			WriteError(w, apperr.ErrBadRequestBody)
			return
		}
		parentID = &parsed

		opts, err := h.policy.GroupOptions(r.Context(), appCtx.App.ID)
		if err != nil {
			WriteError(w, err)
			return
		}
		ancestors, err := h.groups.WalkAncestors(r.Context(), parsed, opts.MaxGroupDepth)
		if err != nil {
			WriteError(w, err)
			return
		}
		if len(ancestors) > opts.MaxGroupDepth {
			WriteError(w, apperr.ErrGroupDepthExceeded)
			return
		}
	}

	group := &db.Group{
		AppID:            appCtx.App.ID,
		ParentID:         parentID,
		Invite:           true,
		IsConnectedGroup: req.IsConnectedGroup,
		Kind:             db.GroupKindNormal,
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

	if err := h.groups.CreateWithCreatorAndFirstKey(r.Context(), group, claims.UserID(), firstKey); err != nil {
		WriteError(w, err)
		return
	}
	Created(w, group)
}

// Get handles GET /group/{group_id}. The response is the resolved effective
// membership, not the raw group row — the group's key material is fetched
// separately once the client knows it has access.
func (h *GroupHandler) Get(w http.ResponseWriter, r *http.Request) {
	appCtx, _ := FromContext(r.Context())
	groupID, err := groupIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}

	eff, err := h.resolveCaller(r, appCtx.App.ID, groupID)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, eff)
}

// Delete handles DELETE /group/{group_id}. Only rank 0/1 may delete a
// group, per spec.md §4.4's rank table.
func (h *GroupHandler) Delete(w http.ResponseWriter, r *http.Request) {
	appCtx, _ := FromContext(r.Context())
	groupID, err := groupIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}

	eff, err := h.resolveCaller(r, appCtx.App.ID, groupID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if eff.UserMeta.Rank > 1 {
		WriteError(w, apperr.ErrGroupUserRank)
		return
	}

	if err := h.groups.Delete(r.Context(), groupID); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}

type inviteRequest struct {
	EncryptedGroupKey string `json:"encrypted_group_key"`
	GroupKeyAlg       string `json:"group_key_alg"`
}

// Invite handles PUT /group/{group_id}/invite/{user_id}. The inviting
// client already holds the invitee's public key and ships the group key
// wrapped to it directly — the server only records the pending-invite
// membership row and the wrap.
func (h *GroupHandler) Invite(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	appCtx, _ := FromContext(r.Context())
	groupID, err := groupIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}
	inviteeID, err := userIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}

	eff, err := h.resolveCaller(r, appCtx.App.ID, groupID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if eff.UserMeta.Rank > 2 {
		WriteError(w, apperr.ErrGroupUserRank)
		return
	}
	if !eff.Group.Invite {
		WriteError(w, apperr.ErrGroupInviteStop)
		return
	}

	membership := &db.GroupMembership{
		GroupID:        groupID,
		UserID:         inviteeID,
		Rank:           4,
		MembershipType: db.MembershipPendingInvite,
		JoinedAt:       time.Now(),
	}
	if err := h.groups.CreateMembership(r.Context(), membership); err != nil {
		WriteError(w, err)
		return
	}
	Created(w, nil)
}

// AcceptInvite handles PUT /group/{group_id}/invite. The caller accepts
// its own pending invite, which flips the membership row to direct-user.
func (h *GroupHandler) AcceptInvite(w http.ResponseWriter, r *http.Request) {
	groupID, err := groupIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, apperr.ErrJWTValidation)
		return
	}

	membership, err := h.groups.GetMembership(r.Context(), groupID, claims.UserID())
	if err != nil {
		WriteError(w, err)
		return
	}
	if membership.MembershipType != db.MembershipPendingInvite {
		WriteError(w, apperr.ErrGroupAccess)
		return
	}
	if err := h.groups.UpdateMembershipType(r.Context(), groupID, claims.UserID(), db.MembershipDirectUser); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}

// RejectInvite handles DELETE /group/{group_id}/invite, declining a
// pending invite the caller holds.
func (h *GroupHandler) RejectInvite(w http.ResponseWriter, r *http.Request) {
	groupID, err := groupIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, apperr.ErrJWTValidation)
		return
	}

	if err := h.groups.DeleteMembership(r.Context(), groupID, claims.UserID()); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}

// JoinRequest handles PUT /group/{group_id}/join_req, the caller asking to
// join an invite-open group. Unlike Invite, no key material is attached
// yet — it is supplied by whichever admin accepts the request.
func (h *GroupHandler) JoinRequest(w http.ResponseWriter, r *http.Request) {
	groupID, err := groupIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, apperr.ErrJWTValidation)
		return
	}

	membership := &db.GroupMembership{
		GroupID:        groupID,
		UserID:         claims.UserID(),
		Rank:           4,
		MembershipType: db.MembershipPendingJoin,
		JoinedAt:       time.Now(),
	}
	if err := h.groups.CreateMembership(r.Context(), membership); err != nil {
		WriteError(w, err)
		return
	}
	Created(w, nil)
}

// AcceptJoinRequest handles PUT /group/{group_id}/join_req/{user_id}, an
// admin accepting someone else's pending join request.
func (h *GroupHandler) AcceptJoinRequest(w http.ResponseWriter, r *http.Request) {
	appCtx, _ := FromContext(r.Context())
	groupID, err := groupIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}
	requesterID, err := userIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}

	eff, err := h.resolveCaller(r, appCtx.App.ID, groupID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if eff.UserMeta.Rank > 2 {
		WriteError(w, apperr.ErrGroupUserRank)
		return
	}

	membership, err := h.groups.GetMembership(r.Context(), groupID, requesterID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if membership.MembershipType != db.MembershipPendingJoin {
		WriteError(w, apperr.ErrGroupAccess)
		return
	}
	if err := h.groups.UpdateMembershipType(r.Context(), groupID, requesterID, db.MembershipDirectUser); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}

// RejectJoinRequest handles DELETE /group/{group_id}/join_req/{user_id}.
func (h *GroupHandler) RejectJoinRequest(w http.ResponseWriter, r *http.Request) {
	appCtx, _ := FromContext(r.Context())
	groupID, err := groupIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}
	requesterID, err := userIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}

	eff, err := h.resolveCaller(r, appCtx.App.ID, groupID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if eff.UserMeta.Rank > 2 {
		WriteError(w, apperr.ErrGroupUserRank)
		return
	}
	if err := h.groups.DeleteMembership(r.Context(), groupID, requesterID); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}

type changeRankRequest struct {
	NewRank int `json:"new_rank"`
}

// ChangeRank handles PUT /group/{group_id}/change_rank/{user_id}. Only
// rank 0/1 may change ranks, and invariant I2 (store.GroupStore.
// CountRankAtMost) forbids demoting the group's last rank<=1 member.
func (h *GroupHandler) ChangeRank(w http.ResponseWriter, r *http.Request) {
	var req changeRankRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	appCtx, _ := FromContext(r.Context())
	groupID, err := groupIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}
	targetID, err := userIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}
	if req.NewRank < 0 || req.NewRank > 4 {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}

	eff, err := h.resolveCaller(r, appCtx.App.ID, groupID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if eff.UserMeta.Rank > 1 {
		WriteError(w, apperr.ErrGroupUserRankUpdate)
		return
	}

	if req.NewRank > 1 {
		target, err := h.groups.GetMembership(r.Context(), groupID, targetID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if target.Rank <= 1 {
			count, err := h.groups.CountRankAtMost(r.Context(), groupID, 1)
			if err != nil {
				WriteError(w, err)
				return
			}
			if count <= 1 {
				WriteError(w, apperr.ErrGroupUserRankUpdate)
				return
			}
		}
	}

	if err := h.groups.UpdateRank(r.Context(), groupID, targetID, req.NewRank); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}

type startKeyRotationRequest struct {
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

// StartKeyRotation handles POST /group/{group_id}/key_rotation. The caller
// (who must already hold the current key) supplies the new key plus its own
// wrap of it; keydist.Engine starts the background fan-out to everyone
// else.
func (h *GroupHandler) StartKeyRotation(w http.ResponseWriter, r *http.Request) {
	var req startKeyRotationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	appCtx, _ := FromContext(r.Context())
	groupID, err := groupIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, apperr.ErrJWTValidation)
		return
	}

	eff, err := h.resolveCaller(r, appCtx.App.ID, groupID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if eff.UserMeta.Rank > 1 {
		WriteError(w, apperr.ErrGroupUserRank)
		return
	}

	newKey, err := h.keydist.StartRotation(r.Context(), appCtx.App.ID, eff.UserMeta.Rank, keydist.StartRotationInput{
		GroupID: groupID,
		NewGroupKey: db.GroupKey{
			GroupID:                  groupID,
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

	go h.keydist.RunFanOut(context.WithoutCancel(r.Context()), appCtx.App.ID, groupID, newKey.ID)
	Created(w, newKey)
}

// PendingKeyRotations handles GET /group/{group_id}/key_rotation, the
// caller's device polling for rotations it has not yet finalized.
func (h *GroupHandler) PendingKeyRotations(w http.ResponseWriter, r *http.Request) {
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

type finalizeKeyRotationRequest struct {
	EncryptedGroupKey string `json:"encrypted_group_key"`
	GroupKeyAlg       string `json:"group_key_alg"`
	WrapKeyID         string `json:"wrap_key_id"`
}

// FinalizeKeyRotation handles PUT /group/{group_id}/key_rotation/{key_id},
// the device reporting it has re-wrapped the new key for itself from a
// pending ephemeral wrap.
func (h *GroupHandler) FinalizeKeyRotation(w http.ResponseWriter, r *http.Request) {
	var req finalizeKeyRotationRequest
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

	if err := h.keydist.Finalize(r.Context(), groupKeyID, claims.UserID(), req.EncryptedGroupKey, req.GroupKeyAlg, wrapKeyID); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}
