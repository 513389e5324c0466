// Package keydist implements the key-distribution engine of spec.md §4.5:
// client-initiated rotation start (with monthly-cap enforcement), a
// background fan-out worker that re-wraps the rotation's ephemeral key to
// every recipient still lacking one, and client-driven finalize. Grounded
// on the teacher's internal/scheduler for the "spawn a detached background
// task from a request handler" shape, generalized from cron-interval jobs
// to a one-shot worker launched per rotation.
package keydist

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/db"
	"github.com/sentc-io/sentc/server/internal/metrics"
	"github.com/sentc-io/sentc/server/internal/notify"
	"github.com/sentc-io/sentc/server/internal/policy"
	"github.com/sentc-io/sentc/server/internal/primitives"
	"github.com/sentc-io/sentc/server/internal/store"
	"github.com/sentc-io/sentc/server/internal/ws"
)

// StartRotationInput carries the client-precomputed envelopes for a new
// rotation generation, per spec.md §4.5 "Start-rotation".
type StartRotationInput struct {
	GroupID uuid.UUID

	NewGroupKey              db.GroupKey
	StarterRecipientID       uuid.UUID
	StarterWrappedGroupKey   string
	StarterWrapAlg           string
	StarterWrapKeyID         uuid.UUID
}

// Engine owns rotation start, the background fan-out, and finalize.
type Engine struct {
	groups *store.GroupStore
	users  *store.UserStore
	policy *policy.Store
	prim   primitives.Provider
	hub    *ws.Hub
	notify *notify.Service
	logger *zap.Logger
}

// NewEngine builds an Engine. hub may be nil, in which case the fan-out
// still runs in full but skips the websocket liveness push — a GET against
// keydist.PendingView remains the authoritative path either way. notify may
// also be nil, in which case a fan-out class failure is only logged.
func NewEngine(groups *store.GroupStore, users *store.UserStore, pol *policy.Store, prim primitives.Provider, hub *ws.Hub, notifier *notify.Service, logger *zap.Logger) *Engine {
	return &Engine{groups: groups, users: users, policy: pol, prim: prim, hub: hub, notify: notifier, logger: logger.Named("keydist")}
}

// StartRotation implements spec.md §4.5's submit-time checks
// (min_rank_key_rotation, max_key_rotation_month) and the atomic
// GroupKey+starter-WrappedGroupKey insert (invariant I5). It does not run
// the fan-out itself — callers should launch RunFanOut in a new goroutine
// immediately after a successful return, matching "enqueued as a task, not
// ack-blocking".
func (e *Engine) StartRotation(ctx context.Context, appID uuid.UUID, callerRank int, in StartRotationInput) (*db.GroupKey, error) {
	opts, err := e.policy.GroupOptions(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("keydist: start rotation: %w", err)
	}

	if callerRank > opts.MinRankKeyRotation {
		return nil, apperr.ErrGroupUserRank
	}

	if opts.MaxKeyRotationMonth > 0 {
		monthStart := startOfMonth(time.Now())
		count, err := e.groups.CountRotationsThisMonth(ctx, in.GroupID, monthStart)
		if err != nil {
			return nil, fmt.Errorf("keydist: start rotation: %w", err)
		}
		if count >= int64(opts.MaxKeyRotationMonth) {
			return nil, apperr.ErrGroupKeyRotationLimit
		}
	}

	newKey := in.NewGroupKey
	newKey.GroupID = in.GroupID

	starterWrap := &db.WrappedGroupKey{
		RecipientID:       in.StarterRecipientID,
		EncryptedGroupKey: in.StarterWrappedGroupKey,
		WrapAlg:           in.StarterWrapAlg,
		WrapKeyID:         in.StarterWrapKeyID,
	}

	if err := e.groups.CreateRotationWithStarterWrap(ctx, &newKey, starterWrap); err != nil {
		return nil, fmt.Errorf("keydist: start rotation: %w", err)
	}

	metrics.RotationsStarted.WithLabelValues(appID.String()).Inc()
	return &newKey, nil
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

// RunFanOut implements spec.md §4.5's background fan-out: fetches the
// ephemeral-key envelope once, then pages through direct user members,
// connected-group members, and finally the immediate parent group (in that
// order), wrapping the ephemeral key to each recipient not yet served.
// Meant to be launched with `go engine.RunFanOut(ctx, appID, groupID,
// groupKeyID)` right after StartRotation returns; failures are logged and
// dropped — the "still lacks a wrap" predicate means a later run (or a
// fresh StartRotation fan-out) picks up any recipient this run missed.
func (e *Engine) RunFanOut(ctx context.Context, appID, groupID, groupKeyID uuid.UUID) {
	key, err := e.groups.GetKeyByID(ctx, groupKeyID)
	if err != nil {
		e.logger.Error("fan-out: load key", zap.String("group_key_id", groupKeyID.String()), zap.Error(err))
		return
	}

	classes := []struct {
		class recipientClass
		page  func(context.Context, uuid.UUID, map[uuid.UUID]struct{}, time.Time, uuid.UUID) ([]store.FanOutRecipient, error)
	}{
		{classDirectUser, e.groups.DirectUserMembers},
		{classConnectedGroup, e.groups.ConnectedGroupMembers},
	}

	for _, c := range classes {
		if err := e.fanOutClass(ctx, groupID, key, c.class, c.page); err != nil {
			e.logger.Error("fan-out: class failed", zap.String("group_key_id", groupKeyID.String()), zap.Error(err))
			e.notifyFanOutFailed(groupKeyID, err)
		}
	}

	if err := e.fanOutParent(ctx, appID, groupID, key); err != nil {
		e.logger.Error("fan-out: parent class failed", zap.String("group_key_id", groupKeyID.String()), zap.Error(err))
		e.notifyFanOutFailed(groupKeyID, err)
	}
}

func (e *Engine) notifyFanOutFailed(groupKeyID uuid.UUID, cause error) {
	if e.notify == nil {
		return
	}
	e.notify.NotifyRotationFanOutFailed(groupKeyID, cause)
}

// recipientClass distinguishes the two paginated fan-out classes of
// spec.md §4.5 step 2: direct user members resolve to their user-group's
// current public key (2a); connected-group members resolve to their own
// current public key, since the id returned for this class already names a
// group (2b).
type recipientClass int

const (
	classDirectUser recipientClass = iota
	classConnectedGroup
)

func (c recipientClass) label() string {
	if c == classDirectUser {
		return "direct_user"
	}
	return "connected_group"
}

// resolveRecipientKey turns a raw recipient id into the current public key
// it should be wrapped to, per the class it was surfaced under.
func (e *Engine) resolveRecipientKey(ctx context.Context, class recipientClass, id uuid.UUID) (recipientRef, error) {
	groupID := id
	if class == classDirectUser {
		user, err := e.users.GetByID(ctx, id)
		if err != nil {
			return recipientRef{}, fmt.Errorf("load user: %w", err)
		}
		groupID = user.UserGroupID
	}

	key, err := e.groups.CurrentKey(ctx, groupID)
	if err != nil {
		return recipientRef{}, fmt.Errorf("load current key: %w", err)
	}
	return recipientRef{id: id, publicKey: key.PublicGroupKey, alg: key.PublicGroupKeyAlg, keyID: key.ID}, nil
}

// fanOutPageSize mirrors store.GroupStore's own page size constant, which
// is unexported — a full page means more recipients may remain.
const fanOutPageSize = 100

// fanOutClass pages one recipient class to exhaustion: cursor
// (time DESC, recipient_id ASC), stop when a page returns < 100 rows.
func (e *Engine) fanOutClass(ctx context.Context, groupID uuid.UUID, key *db.GroupKey, class recipientClass, page func(context.Context, uuid.UUID, map[uuid.UUID]struct{}, time.Time, uuid.UUID) ([]store.FanOutRecipient, error)) error {
	cursorTime := time.Now().Add(time.Hour) // future sentinel: "before now" on first page
	cursorID := uuid.Nil

	for {
		excluded, err := e.groups.ExcludedRecipients(ctx, key.ID)
		if err != nil {
			return err
		}

		rows, err := page(ctx, groupID, excluded, cursorTime, cursorID)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		refs := make([]recipientRef, 0, len(rows))
		for _, row := range rows {
			ref, err := e.resolveRecipientKey(ctx, class, row.ID)
			if err != nil {
				e.logger.Warn("fan-out: resolve recipient key failed", zap.String("recipient_id", row.ID.String()), zap.Error(err))
				continue
			}
			refs = append(refs, ref)
		}

		if err := e.wrapAndInsert(ctx, key, refs); err != nil {
			return err
		}
		metrics.FanOutPages.WithLabelValues(class.label()).Inc()

		if class == classDirectUser {
			e.pushDeviceUpdates(ctx, key, groupID, refs)
		}

		if len(rows) < fanOutPageSize {
			return nil
		}
		last := rows[len(rows)-1]
		cursorTime, cursorID = last.JoinedAt, last.ID
	}
}

// pushDeviceUpdates nudges every device belonging to a just-wrapped direct
// user, on topic ws.DeviceTopic(deviceID), mirroring
// notification.Service.notify's persist-then-publish order. Best-effort: a
// lookup or push failure is logged and otherwise ignored, since the GET
// against PendingView remains authoritative.
func (e *Engine) pushDeviceUpdates(ctx context.Context, key *db.GroupKey, groupID uuid.UUID, refs []recipientRef) {
	if e.hub == nil {
		return
	}
	for _, r := range refs {
		deviceIDs, err := e.users.DeviceIDsByOwner(ctx, r.id)
		if err != nil {
			e.logger.Warn("fan-out: push: list devices failed", zap.String("user_id", r.id.String()), zap.Error(err))
			continue
		}
		for _, deviceID := range deviceIDs {
			e.hub.PushKeyUpdate(deviceID, key.ID, groupID)
		}
	}
}

// fanOutParent handles recipient class (c): the group's immediate parent,
// if any — a single recipient (the parent group itself, reached through its
// own current public key), not a paginated class.
func (e *Engine) fanOutParent(ctx context.Context, appID, groupID uuid.UUID, key *db.GroupKey) error {
	group, err := e.groups.GetByID(ctx, appID, groupID)
	if err != nil {
		return fmt.Errorf("load group: %w", err)
	}
	if group.ParentID == nil {
		return nil
	}

	excluded, err := e.groups.ExcludedRecipients(ctx, key.ID)
	if err != nil {
		return err
	}
	if _, already := excluded[*group.ParentID]; already {
		return nil
	}

	parentKey, err := e.groups.CurrentKey(ctx, *group.ParentID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("load parent key: %w", err)
	}

	return e.wrapAndInsert(ctx, key, []recipientRef{{id: *group.ParentID, publicKey: parentKey.PublicGroupKey, alg: parentKey.PublicGroupKeyAlg, keyID: parentKey.ID}})
}

// recipientRef is a (recipient id, recipient's current public key) pair,
// resolved by resolveRecipientKey for the two paginated classes or built
// directly by fanOutParent for the parent class.
type recipientRef struct {
	id        uuid.UUID
	publicKey string
	alg       string
	keyID     uuid.UUID
}

// wrapAndInsert encrypts key's ephemeral envelope to each recipient's
// current public key and bulk-inserts the resulting PendingRotation rows.
func (e *Engine) wrapAndInsert(ctx context.Context, key *db.GroupKey, recipients []recipientRef) error {
	rows := make([]db.PendingRotation, 0, len(recipients))
	for _, r := range recipients {
		wrapped, err := e.prim.EncryptKeyForRecipient(ctx, []byte(r.publicKey), key.EphemeralAlg, []byte(key.EncryptedEphemeralKey))
		if err != nil {
			e.logger.Warn("fan-out: encrypt for recipient failed", zap.String("recipient_id", r.id.String()), zap.Error(err))
			continue
		}
		rows = append(rows, db.PendingRotation{
			GroupKeyID:            key.ID,
			RecipientID:           r.id,
			EncryptedEphemeralKey: string(wrapped),
			EphemeralAlg:          key.EphemeralAlg,
			RecipientWrapKeyID:    r.keyID,
		})
	}
	return e.groups.BulkInsertPendingRotations(ctx, rows)
}

// Finalize implements spec.md §4.5 "Finalize": the recipient posts its
// re-wrapped copy of the new group key; the server inserts WrappedGroupKey
// and deletes the matching PendingRotation atomically.
func (e *Engine) Finalize(ctx context.Context, groupKeyID, recipientID uuid.UUID, encryptedGroupKey, wrapAlg string, wrapKeyID uuid.UUID) error {
	wrap := &db.WrappedGroupKey{
		GroupKeyID:        groupKeyID,
		RecipientID:       recipientID,
		EncryptedGroupKey: encryptedGroupKey,
		WrapAlg:           wrapAlg,
		WrapKeyID:         wrapKeyID,
	}
	if err := e.groups.Finalize(ctx, wrap); err != nil {
		return fmt.Errorf("keydist: finalize: %w", err)
	}
	return nil
}

// PendingView implements the "/init" endpoint's key-update half: every
// PendingRotation still awaiting the caller.
func (e *Engine) PendingView(ctx context.Context, recipientID uuid.UUID) ([]db.PendingRotation, error) {
	rows, err := e.groups.PendingForRecipient(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("keydist: pending view: %w", err)
	}
	return rows, nil
}
