package authn

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sentc-io/sentc/server/internal/db"
)

// DeviceKeyBundle is the full set of client-derived key material a
// registration or add-device call uploads. The server stores every field
// opaquely; none of it is ever decrypted here.
type DeviceKeyBundle struct {
	DeviceIdentifier string

	ClientRandomValue      string
	DerivedAlg             string
	HashedAuthenticationKey string

	EncryptedMasterKey string
	MasterKeyAlg       string

	EncryptedPrivateKey string
	KeypairAlg          string
	PublicKey           string

	EncryptedSignKey string
	SignAlg          string
	VerifyKey        string
}

// RegisterResult reports the identifiers the client needs to begin logging
// in immediately after registration.
type RegisterResult struct {
	UserID      uuid.UUID
	DeviceID    uuid.UUID
	UserGroupID uuid.UUID
}

// Register implements spec.md's "/register" endpoint: first device of a new
// user. It also creates the user's distinguished user-group (see GLOSSARY)
// and its first GroupKey, since user-level key rotation rides on ordinary
// group-key rotation for that group — there is no such thing as a user
// without one.
func (a *Authenticator) Register(ctx context.Context, appID uuid.UUID, bundle DeviceKeyBundle, firstGroupKey *db.GroupKey) (*RegisterResult, error) {
	userID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("authn: register: %w", err)
	}
	groupID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("authn: register: %w", err)
	}

	user := &db.User{AppID: appID}
	user.ID = userID

	userGroup := &db.Group{
		AppID: appID,
		Kind:  db.GroupKindUserGroup,
	}
	userGroup.ID = groupID

	device := &db.Device{
		AppID:                   appID,
		DeviceIdentifier:        bundle.DeviceIdentifier,
		ClientRandomValue:       bundle.ClientRandomValue,
		DerivedAlg:              bundle.DerivedAlg,
		HashedAuthenticationKey: bundle.HashedAuthenticationKey,
		EncryptedMasterKey:      bundle.EncryptedMasterKey,
		MasterKeyAlg:            bundle.MasterKeyAlg,
		EncryptedPrivateKey:     bundle.EncryptedPrivateKey,
		KeypairAlg:              bundle.KeypairAlg,
		PublicKey:               bundle.PublicKey,
		EncryptedSignKey:        bundle.EncryptedSignKey,
		SignAlg:                 bundle.SignAlg,
		VerifyKey:               bundle.VerifyKey,
	}

	if err := a.users.CreateWithFirstDeviceAndUserGroup(ctx, user, device, userGroup, firstGroupKey); err != nil {
		return nil, fmt.Errorf("authn: register: %w", err)
	}

	return &RegisterResult{UserID: user.ID, DeviceID: device.ID, UserGroupID: userGroup.ID}, nil
}
