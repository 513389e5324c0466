package keydist

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/db"
	"github.com/sentc-io/sentc/server/internal/policy"
	"github.com/sentc-io/sentc/server/internal/primitives"
	"github.com/sentc-io/sentc/server/internal/store"
)

// fakePrimitives wraps each plaintext with a fixed prefix so wrap/unwrap
// round trips are observable without any real cryptography, matching the
// boundary primitives.Provider exists to keep this package blind to.
type fakePrimitives struct{}

func (fakePrimitives) GetAuthKeysFromBase64(ctx context.Context, authKeyBase64, alg string) (primitives.AuthKeyResult, error) {
	return primitives.AuthKeyResult{}, nil
}

func (fakePrimitives) EncryptLoginVerifyChallenge(ctx context.Context, devicePublicKey []byte, alg string, nonce []byte) (primitives.EncryptedChallenge, error) {
	return primitives.EncryptedChallenge{}, nil
}

func (fakePrimitives) EncryptKeyForRecipient(ctx context.Context, recipientPublicKey []byte, alg string, plaintext []byte) ([]byte, error) {
	return append([]byte("wrapped:"), plaintext...), nil
}

type testFixture struct {
	engine *Engine
	groups *store.GroupStore
	users  *store.UserStore
	apps   *store.AppStore
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	gormDB, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	groups := store.NewGroupStore(gormDB)
	users := store.NewUserStore(gormDB)
	apps := store.NewAppStore(gormDB)
	engine := NewEngine(groups, users, policy.New(apps), fakePrimitives{}, nil, nil, zap.NewNop())
	return &testFixture{engine: engine, groups: groups, users: users, apps: apps}
}

// createGroup inserts a group with a creator of the given rank and a first
// key, returning the group and key ids.
func (f *testFixture) createGroup(t *testing.T, ctx context.Context, appID, creatorUserID uuid.UUID) (*db.Group, *db.GroupKey) {
	t.Helper()
	group := &db.Group{AppID: appID}
	key := &db.GroupKey{
		PublicGroupKey:           "pub-0",
		PublicGroupKeyAlg:        "alg",
		EncryptedGroupKey:        "enc-0",
		GroupKeyAlg:              "alg",
		EncryptedPrivateGroupKey: "priv-0",
		EncryptedSignKey:         "sign-0",
		VerifyKey:                "verify-0",
		EncryptedEphemeralKey:    "eph-0",
		EphemeralAlg:             "alg",
	}
	if err := f.groups.CreateWithCreatorAndFirstKey(ctx, group, creatorUserID, key); err != nil {
		t.Fatalf("create group: %v", err)
	}
	return group, key
}

// createUser inserts a User row together with a personal user-group and a
// current key for that group, so resolveRecipientKey can resolve it.
func (f *testFixture) createUser(t *testing.T, ctx context.Context, appID uuid.UUID) *db.User {
	t.Helper()
	userGroup := &db.Group{AppID: appID}
	userGroupKey := &db.GroupKey{
		PublicGroupKey:           "user-pub",
		PublicGroupKeyAlg:        "alg",
		EncryptedGroupKey:        "enc",
		GroupKeyAlg:              "alg",
		EncryptedPrivateGroupKey: "priv",
		EncryptedSignKey:         "sign",
		VerifyKey:                "verify",
		EncryptedEphemeralKey:    "eph",
		EphemeralAlg:             "alg",
	}
	user := &db.User{AppID: appID}
	placeholderDevice := &db.Device{
		AppID:                   appID,
		DeviceIdentifier:        uuid.Must(uuid.NewV7()).String(),
		ClientRandomValue:       "r",
		DerivedAlg:              "alg",
		HashedAuthenticationKey: "h",
		EncryptedMasterKey:      "m",
		MasterKeyAlg:            "alg",
		EncryptedPrivateKey:     "p",
		KeypairAlg:              "alg",
		PublicKey:               "pub",
		EncryptedSignKey:        "s",
		SignAlg:                 "alg",
		VerifyKey:               "v",
	}
	if err := f.users.CreateWithFirstDeviceAndUserGroup(ctx, user, placeholderDevice, userGroup, userGroupKey); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func TestStartRotationDefaultsPolicyWhenUnset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appID := uuid.Must(uuid.NewV7())
	creator := uuid.Must(uuid.NewV7())
	group, _ := f.createGroup(t, ctx, appID, creator)

	key, err := f.engine.StartRotation(ctx, appID, 0, StartRotationInput{
		GroupID: group.ID,
		NewGroupKey: db.GroupKey{
			PublicGroupKey:           "pub-1",
			PublicGroupKeyAlg:        "alg",
			EncryptedGroupKey:        "enc-1",
			GroupKeyAlg:              "alg",
			EncryptedPrivateGroupKey: "priv-1",
			EncryptedSignKey:         "sign-1",
			VerifyKey:                "verify-1",
			EncryptedEphemeralKey:    "eph-1",
			EphemeralAlg:             "alg",
		},
		StarterRecipientID:     creator,
		StarterWrappedGroupKey: "starter-wrap",
		StarterWrapAlg:         "alg",
		StarterWrapKeyID:       uuid.Must(uuid.NewV7()),
	})
	if err != nil {
		t.Fatalf("StartRotation: %v", err)
	}
	if key.GroupID != group.ID {
		t.Fatalf("unexpected group id on new key")
	}

	wrappedCount, err := f.groups.CountWrappedForKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("CountWrappedForKey: %v", err)
	}
	if wrappedCount != 1 {
		t.Fatalf("expected starter wrap to be inserted, got count %d", wrappedCount)
	}
}

func TestStartRotationRejectsInsufficientRank(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appID := uuid.Must(uuid.NewV7())
	creator := uuid.Must(uuid.NewV7())
	group, _ := f.createGroup(t, ctx, appID, creator)

	_, err := f.engine.StartRotation(ctx, appID, policy.DefaultMinRankKeyRotation+1, StartRotationInput{
		GroupID:                group.ID,
		NewGroupKey:            db.GroupKey{},
		StarterRecipientID:     creator,
		StarterWrappedGroupKey: "starter-wrap",
	})
	if err != apperr.ErrGroupUserRank {
		t.Fatalf("expected ErrGroupUserRank, got %v", err)
	}
}

func TestStartRotationEnforcesMonthlyCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appID := uuid.Must(uuid.NewV7())
	creator := uuid.Must(uuid.NewV7())
	group, _ := f.createGroup(t, ctx, appID, creator)

	if err := f.apps.UpsertGroupOptions(ctx, &db.AppGroupOptions{
		AppID:               appID,
		MinRankKeyRotation:  4,
		MaxKeyRotationMonth: 1,
		MaxGroupDepth:       32,
	}); err != nil {
		t.Fatalf("upsert group options: %v", err)
	}

	newKey := func(pub string) db.GroupKey {
		return db.GroupKey{
			PublicGroupKey:           pub,
			PublicGroupKeyAlg:        "alg",
			EncryptedGroupKey:        "enc",
			GroupKeyAlg:              "alg",
			EncryptedPrivateGroupKey: "priv",
			EncryptedSignKey:         "sign",
			VerifyKey:                "verify",
			EncryptedEphemeralKey:    "eph",
			EphemeralAlg:             "alg",
		}
	}

	if _, err := f.engine.StartRotation(ctx, appID, 0, StartRotationInput{
		GroupID:                group.ID,
		NewGroupKey:            newKey("pub-1"),
		StarterRecipientID:     creator,
		StarterWrappedGroupKey: "wrap-1",
	}); err != nil {
		t.Fatalf("first rotation: %v", err)
	}

	if _, err := f.engine.StartRotation(ctx, appID, 0, StartRotationInput{
		GroupID:                group.ID,
		NewGroupKey:            newKey("pub-2"),
		StarterRecipientID:     creator,
		StarterWrappedGroupKey: "wrap-2",
	}); err != apperr.ErrGroupKeyRotationLimit {
		t.Fatalf("expected ErrGroupKeyRotationLimit, got %v", err)
	}
}

func TestRunFanOutWrapsDirectUserMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appID := uuid.Must(uuid.NewV7())

	creator := f.createUser(t, ctx, appID)
	member := f.createUser(t, ctx, appID)

	group, key := f.createGroup(t, ctx, appID, creator.ID)
	if err := f.groups.CreateMembership(ctx, &db.GroupMembership{
		GroupID:        group.ID,
		UserID:         member.ID,
		Rank:           4,
		MembershipType: db.MembershipDirectUser,
		JoinedAt:       time.Now(),
	}); err != nil {
		t.Fatalf("create membership: %v", err)
	}

	f.engine.RunFanOut(ctx, appID, group.ID, key.ID)

	pending, err := f.engine.PendingView(ctx, member.ID)
	if err != nil {
		t.Fatalf("PendingView: %v", err)
	}
	if len(pending) != 1 || pending[0].GroupKeyID != key.ID {
		t.Fatalf("expected one pending rotation for member, got %+v", pending)
	}

	// CreateWithCreatorAndFirstKey only inserts a membership row for the
	// creator, not a WrappedGroupKey, so the creator is still a direct-user
	// member awaiting its own wrap at this point.
	creatorPending, err := f.engine.PendingView(ctx, creator.ID)
	if err != nil {
		t.Fatalf("PendingView(creator): %v", err)
	}
	if len(creatorPending) != 1 {
		t.Fatalf("expected one pending rotation for the creator too, got %+v", creatorPending)
	}
}

func TestFinalizeRemovesPendingRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appID := uuid.Must(uuid.NewV7())

	creator := f.createUser(t, ctx, appID)
	member := f.createUser(t, ctx, appID)
	group, key := f.createGroup(t, ctx, appID, creator.ID)
	if err := f.groups.CreateMembership(ctx, &db.GroupMembership{
		GroupID:        group.ID,
		UserID:         member.ID,
		Rank:           4,
		MembershipType: db.MembershipDirectUser,
		JoinedAt:       time.Now(),
	}); err != nil {
		t.Fatalf("create membership: %v", err)
	}

	f.engine.RunFanOut(ctx, appID, group.ID, key.ID)

	pending, err := f.engine.PendingView(ctx, member.ID)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending rotation before finalize, got %+v, err %v", pending, err)
	}

	if err := f.engine.Finalize(ctx, key.ID, member.ID, "final-wrap", "alg", pending[0].RecipientWrapKeyID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	afterFinalize, err := f.engine.PendingView(ctx, member.ID)
	if err != nil {
		t.Fatalf("PendingView after finalize: %v", err)
	}
	if len(afterFinalize) != 0 {
		t.Fatalf("expected no pending rotations after finalize, got %+v", afterFinalize)
	}

	wrappedCount, err := f.groups.CountWrappedForKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("CountWrappedForKey: %v", err)
	}
	if wrappedCount != 1 {
		t.Fatalf("expected 1 wrapped key (the finalized member), got %d", wrappedCount)
	}
}
