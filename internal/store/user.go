package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sentc-io/sentc/server/internal/db"
)

// UserStore persists User, Device, OtpRecoveryToken, PendingChallenge, and
// RefreshToken rows.
type UserStore struct {
	gormDB *gorm.DB
}

func NewUserStore(gormDB *gorm.DB) *UserStore {
	return &UserStore{gormDB: gormDB}
}

// CreateWithFirstDeviceAndUserGroup inserts the User, its first Device, its
// distinguished user-group, the user's rank-0 membership in that group, and
// the group's first key — all in one transaction. IDs are left for
// base.BeforeCreate to generate; user.UserGroupID and device.OwnerUserID are
// backfilled from the generated ids as each row is inserted.
func (s *UserStore) CreateWithFirstDeviceAndUserGroup(ctx context.Context, user *db.User, device *db.Device, userGroup *db.Group, firstKey *db.GroupKey) error {
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(userGroup).Error; err != nil {
			return err
		}
		user.UserGroupID = userGroup.ID
		if err := tx.Create(user).Error; err != nil {
			return err
		}
		device.OwnerUserID = user.ID
		if err := tx.Create(device).Error; err != nil {
			return err
		}
		membership := db.GroupMembership{
			GroupID:        userGroup.ID,
			UserID:         user.ID,
			Rank:           0,
			MembershipType: db.MembershipDirectUser,
			JoinedAt:       time.Now(),
		}
		if err := tx.Create(&membership).Error; err != nil {
			return err
		}
		firstKey.GroupID = userGroup.ID
		return tx.Create(firstKey).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("store: users: create with first device and user group: %w", err)
	}
	return nil
}

func (s *UserStore) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	var u db.User
	err := s.gormDB.WithContext(ctx).First(&u, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: users: get by id: %w", err)
	}
	return &u, nil
}

// Delete removes userID's own rows: every device it owns and whatever
// depends on those devices (refresh tokens, pending challenges), its
// recovery tokens, and finally the User row itself. It does NOT touch the
// user's distinguished user-group — spec.md's "a user's user-group is the
// exclusive owner of the user's wrapped user-level keys" makes that
// store.GroupStore's responsibility, cascaded separately by the caller
// before this runs.
func (s *UserStore) Delete(ctx context.Context, id uuid.UUID) error {
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var deviceIDs []uuid.UUID
		if err := tx.Model(&db.Device{}).Where("owner_user_id = ?", id).Pluck("id", &deviceIDs).Error; err != nil {
			return err
		}
		if len(deviceIDs) > 0 {
			if err := tx.Delete(&db.RefreshToken{}, "device_id IN ?", deviceIDs).Error; err != nil {
				return err
			}
			if err := tx.Delete(&db.PendingChallenge{}, "device_id IN ?", deviceIDs).Error; err != nil {
				return err
			}
			if err := tx.Delete(&db.Device{}, "id IN ?", deviceIDs).Error; err != nil {
				return err
			}
		}
		if err := tx.Delete(&db.OtpRecoveryToken{}, "user_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&db.User{}, "id = ?", id).Error
	})
	if err != nil {
		return fmt.Errorf("store: users: delete: %w", err)
	}
	return nil
}

// Devices

func (s *UserStore) GetDeviceByIdentifier(ctx context.Context, appID uuid.UUID, identifierHash string) (*db.Device, error) {
	var d db.Device
	err := s.gormDB.WithContext(ctx).
		First(&d, "app_id = ? AND device_identifier = ?", appID, identifierHash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: devices: get by identifier: %w", err)
	}
	return &d, nil
}

func (s *UserStore) GetDeviceByID(ctx context.Context, id uuid.UUID) (*db.Device, error) {
	var d db.Device
	err := s.gormDB.WithContext(ctx).First(&d, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: devices: get by id: %w", err)
	}
	return &d, nil
}

func (s *UserStore) CreateDevice(ctx context.Context, device *db.Device) error {
	if err := s.gormDB.WithContext(ctx).Create(device).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("store: devices: create: %w", err)
	}
	return nil
}

// UpdateAuthMaterial overwrites a device's password-derived fields after a
// client-side password change: the salt, the new authentication-key hash,
// and the master key re-wrapped under the new derived key. The device's
// keypair (PublicKey/EncryptedPrivateKey/sign key) is untouched — a password
// change re-wraps the master key, it does not rotate the device's identity.
func (s *UserStore) UpdateAuthMaterial(ctx context.Context, deviceID uuid.UUID, clientRandomValue, derivedAlg, hashedAuthenticationKey, encryptedMasterKey, masterKeyAlg string) error {
	updates := map[string]any{
		"client_random_value":       clientRandomValue,
		"derived_alg":                derivedAlg,
		"hashed_authentication_key": hashedAuthenticationKey,
		"encrypted_master_key":      encryptedMasterKey,
		"master_key_alg":            masterKeyAlg,
	}
	err := s.gormDB.WithContext(ctx).Model(&db.Device{}).Where("id = ?", deviceID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("store: devices: update auth material: %w", err)
	}
	return nil
}

func (s *UserStore) CountDevicesForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := s.gormDB.WithContext(ctx).Model(&db.Device{}).Where("owner_user_id = ?", userID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("store: devices: count: %w", err)
	}
	return count, nil
}

// DeviceIDsByOwner lists every device belonging to a user, for fanning a
// pending-rotation push out to each of that user's connected devices.
func (s *UserStore) DeviceIDsByOwner(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.gormDB.WithContext(ctx).Model(&db.Device{}).Where("owner_user_id = ?", userID).Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("store: devices: ids by owner: %w", err)
	}
	return ids, nil
}

func (s *UserStore) SetTotpSecret(ctx context.Context, deviceID uuid.UUID, secret db.EncryptedString, alg string) error {
	err := s.gormDB.WithContext(ctx).Model(&db.Device{}).Where("id = ?", deviceID).Updates(map[string]any{
		"totp_secret": secret,
		"totp_alg":    alg,
	}).Error
	if err != nil {
		return fmt.Errorf("store: devices: set totp secret: %w", err)
	}
	return nil
}

// Recovery tokens

func (s *UserStore) CreateRecoveryTokens(ctx context.Context, tokens []db.OtpRecoveryToken) error {
	if len(tokens) == 0 {
		return nil
	}
	if err := s.gormDB.WithContext(ctx).Create(&tokens).Error; err != nil {
		return fmt.Errorf("store: otp_recovery_tokens: bulk create: %w", err)
	}
	return nil
}

// ConsumeRecoveryToken deletes the matching row and reports whether it
// existed. Deletion happens regardless of prior existence check to avoid a
// TOCTOU window where the same token is consumed twice concurrently —
// RowsAffected tells the caller which request won.
func (s *UserStore) ConsumeRecoveryToken(ctx context.Context, userID uuid.UUID, hashedToken string) (bool, error) {
	result := s.gormDB.WithContext(ctx).
		Where("user_id = ? AND hashed_token = ?", userID, hashedToken).
		Delete(&db.OtpRecoveryToken{})
	if result.Error != nil {
		return false, fmt.Errorf("store: otp_recovery_tokens: consume: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Pending login challenges

func (s *UserStore) UpsertPendingChallenge(ctx context.Context, deviceID uuid.UUID, nonce string) error {
	err := s.gormDB.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Assign(db.PendingChallenge{Nonce: nonce}).
		FirstOrCreate(&db.PendingChallenge{DeviceID: deviceID, Nonce: nonce}).Error
	if err != nil {
		return fmt.Errorf("store: pending_challenges: upsert: %w", err)
	}
	return nil
}

// ConsumeChallenge looks up and deletes the pending challenge for a device
// in one transaction, satisfying invariant I4 ("the preceding challenge row
// is deleted in the same transaction that mints the JWT" — the JWT mint
// itself has no DB row, so the transaction boundary here is the delete
// paired with the lookup that authorizes it).
func (s *UserStore) ConsumeChallenge(ctx context.Context, deviceID uuid.UUID) (*db.PendingChallenge, error) {
	var challenge db.PendingChallenge
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&challenge, "device_id = ?", deviceID).Error; err != nil {
			return err
		}
		return tx.Delete(&db.PendingChallenge{}, "device_id = ?", deviceID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: pending_challenges: consume: %w", err)
	}
	return &challenge, nil
}

// Refresh tokens

func (s *UserStore) IssueRefreshToken(ctx context.Context, token *db.RefreshToken) error {
	err := s.gormDB.WithContext(ctx).
		Where("device_id = ?", token.DeviceID).
		Delete(&db.RefreshToken{}).Error
	if err != nil {
		return fmt.Errorf("store: refresh_tokens: clear previous: %w", err)
	}
	if err := s.gormDB.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("store: refresh_tokens: create: %w", err)
	}
	return nil
}

func (s *UserStore) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*db.RefreshToken, error) {
	var t db.RefreshToken
	err := s.gormDB.WithContext(ctx).First(&t, "token_hash = ?", tokenHash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: refresh_tokens: get by hash: %w", err)
	}
	if time.Now().After(t.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	// Both sqlite (modernc) and postgres (pgx) surface unique violations as
	// string-matchable errors rather than a shared sentinel type, so the
	// teacher's pattern of matching against gorm.ErrDuplicatedKey covers
	// the cases GORM itself recognizes across dialects.
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
