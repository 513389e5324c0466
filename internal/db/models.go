package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Apps
// -----------------------------------------------------------------------------

// App is a tenant boundary: every user, group, and file belongs to exactly
// one app. HashedPublicToken / HashedSecretToken are hex digests of the raw
// tokens handed to the app owner at creation time — the raw values are never
// persisted. Options is a JSON bag of per-endpoint gate policy, kept opaque
// here because apptoken owns its shape.
type App struct {
	softDelete
	OwnerUserID       uuid.UUID `gorm:"type:text;not null;index"`
	HashedPublicToken string    `gorm:"not null;uniqueIndex"`
	HashedSecretToken string    `gorm:"not null;uniqueIndex"`
	Disabled          bool      `gorm:"not null;default:false"`
	Options           string    `gorm:"type:text;not null;default:'{}'"` // JSON, see internal/apptoken
}

// AppJwtKey is one ES384 keypair belonging to an app. The youngest
// non-revoked row signs; any non-expired row may still verify a token
// bearing its ID as the JWT "kid" header, which is how in-flight tokens
// survive rotation.
type AppJwtKey struct {
	base
	AppID      uuid.UUID       `gorm:"type:text;not null;index"`
	SigningKey EncryptedString `gorm:"type:text;not null"` // PKCS#8 PEM
	VerifyKey  string          `gorm:"type:text;not null"` // PKIX PEM, not sensitive
	Revoked    bool            `gorm:"not null;default:false"`
}

// AppFileOptions holds per-app file-storage policy. One row per app.
type AppFileOptions struct {
	AppID           uuid.UUID       `gorm:"type:text;primaryKey"`
	UploadAllowed   bool            `gorm:"not null;default:true"`
	StorageBackend  string          `gorm:"not null;default:'local'"` // "local", "s3", "external"
	ExternalURL     string          `gorm:"not null;default:''"`
	ExternalAuthKey EncryptedString `gorm:"type:text"`
	MaxChunkSize    int64           `gorm:"not null;default:4194304"` // 4 MiB
	UpdatedAt       time.Time       `gorm:"not null;autoUpdateTime"`
}

// AppGroupOptions holds per-app group and key-rotation policy.
type AppGroupOptions struct {
	AppID               uuid.UUID `gorm:"type:text;primaryKey"`
	MinRankKeyRotation  int       `gorm:"not null;default:4"`
	MaxKeyRotationMonth int       `gorm:"not null;default:0"` // 0 = unlimited
	MaxGroupDepth       int       `gorm:"not null;default:32"`
	ForcedLoginEnabled  bool      `gorm:"not null;default:false"`
	UpdatedAt           time.Time `gorm:"not null;autoUpdateTime"`
}

// ForcedLoginAudit records every use of the app-secret-token forced-login
// bypass. The bypass is opt-in per app (AppGroupOptions.ForcedLoginEnabled)
// and every use must leave a trail here — there is no silent path.
type ForcedLoginAudit struct {
	base
	AppID            uuid.UUID `gorm:"type:text;not null;index"`
	DeviceIdentifier string    `gorm:"not null"`
	TargetUserID     uuid.UUID `gorm:"type:text;not null;index"`
}

// -----------------------------------------------------------------------------
// Users & devices
// -----------------------------------------------------------------------------

// User is an app-scoped account. UserGroupID points at the distinguished
// Group whose members are this user's own devices — user-level key
// rotation rides on ordinary group-key rotation for that group.
type User struct {
	base
	AppID       uuid.UUID `gorm:"type:text;not null;index:idx_user_app"`
	UserGroupID uuid.UUID `gorm:"type:text;not null;index"`
}

// Device is a keypair-bearing login credential. DeviceIdentifier is an
// app-scoped opaque handle chosen by the client (never a plaintext email).
// ClientRandomValue/DerivedAlg are the salt parameters the client needs to
// re-derive its authentication key; everything else is wrapped key material
// the server stores but never opens.
type Device struct {
	softDelete
	OwnerUserID      uuid.UUID `gorm:"type:text;not null;index"`
	AppID            uuid.UUID `gorm:"type:text;not null;index:idx_device_app_identifier,unique"`
	DeviceIdentifier string    `gorm:"not null;index:idx_device_app_identifier,unique"`

	ClientRandomValue string `gorm:"type:text;not null"`
	DerivedAlg        string `gorm:"not null"`

	HashedAuthenticationKey string `gorm:"type:text;not null"`

	EncryptedMasterKey string `gorm:"type:text;not null"`
	MasterKeyAlg       string `gorm:"not null"`

	EncryptedPrivateKey string `gorm:"type:text;not null"`
	KeypairAlg          string `gorm:"not null"`
	PublicKey           string `gorm:"type:text;not null"`

	EncryptedSignKey string `gorm:"type:text;not null"`
	SignAlg          string `gorm:"not null"`
	VerifyKey        string `gorm:"type:text;not null"`

	TotpSecret EncryptedString `gorm:"type:text"`
	TotpAlg    string          `gorm:"not null;default:''"`
}

// OtpRecoveryToken is a single-use MFA bypass. HashedToken is a SHA-256 hex
// digest; the row is deleted the instant it is consumed, never marked used.
type OtpRecoveryToken struct {
	base
	UserID      uuid.UUID `gorm:"type:text;not null;index"`
	HashedToken string    `gorm:"not null;uniqueIndex"`
}

// PendingChallenge is the server-side half of the device-possession login
// challenge. Deleted atomically with its own lookup the moment verification
// succeeds, so a challenge can never be replayed.
type PendingChallenge struct {
	base
	DeviceID uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	Nonce    string    `gorm:"type:text;not null"`
}

// RefreshToken is the opaque session-continuation token handed out after a
// successful login. Only its SHA-256 hash is persisted; only one may be
// active per device at a time.
type RefreshToken struct {
	base
	DeviceID  uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	TokenHash string    `gorm:"not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Groups & membership
// -----------------------------------------------------------------------------

const (
	GroupKindNormal    = "normal"
	GroupKindUserGroup = "user-group"
)

// Group is a tree node (ParentID) that may also be joined into another
// group as a unit when IsConnectedGroup is true (see GroupMembership with
// MembershipType MembershipDirectGroup).
//
// Association fields are intentionally absent from this struct, matching
// the rest of this package: GORM cannot resolve foreign keys when the
// primary key is uuid.UUID. Members and keys are loaded via explicit
// queries in internal/store.
type Group struct {
	softDelete
	AppID            uuid.UUID  `gorm:"type:text;not null;index:idx_group_app"`
	ParentID         *uuid.UUID `gorm:"type:text;index"`
	Invite           bool       `gorm:"not null;default:true"`
	IsConnectedGroup bool       `gorm:"not null;default:false"`
	Kind             string     `gorm:"not null;default:'normal'"`
}

const (
	MembershipDirectUser    = "direct-user"
	MembershipDirectGroup   = "direct-group"
	MembershipPendingInvite = "pending-invite"
	MembershipPendingJoin   = "pending-join-request"
)

// GroupMembership is keyed on (GroupID, UserID). UserID doubles as "member
// group ID" when MembershipType is MembershipDirectGroup — a connected
// group joined into GroupID as a single unit.
type GroupMembership struct {
	GroupID        uuid.UUID `gorm:"type:text;primaryKey"`
	UserID         uuid.UUID `gorm:"type:text;primaryKey"`
	Rank           int       `gorm:"not null;default:4"`
	MembershipType string    `gorm:"not null;default:'direct-user'"`
	JoinedAt       time.Time `gorm:"not null"`
}

// GroupKey is one rotation generation of a group's keypair. The newest
// non-deleted row for a group is its current key. PreviousGroupKeyID chains
// generations so the fan-out worker can walk forward from any stale key a
// device still holds.
type GroupKey struct {
	base
	GroupID uuid.UUID `gorm:"type:text;not null;index"`

	EncryptedGroupKey string `gorm:"type:text;not null"`
	GroupKeyAlg       string `gorm:"not null"`

	PublicGroupKey    string `gorm:"type:text;not null"`
	PublicGroupKeyAlg string `gorm:"not null"`

	EncryptedPrivateGroupKey string `gorm:"type:text;not null"`
	EncryptedSignKey         string `gorm:"type:text;not null"`
	VerifyKey                string `gorm:"type:text;not null"`

	// EncryptedEphemeralKey/EphemeralAlg hold the rotation starter's one-shot
	// symmetric key, wrapped under the previous group key. The background
	// worker re-wraps this under each recipient's public key without ever
	// decrypting EncryptedGroupKey itself.
	EncryptedEphemeralKey string     `gorm:"type:text;not null"`
	EphemeralAlg          string     `gorm:"not null"`
	PreviousGroupKeyID    *uuid.UUID `gorm:"type:text"`
}

// WrappedGroupKey exists once a recipient has fetched and the client has
// confirmed a given rotation — the terminal state for one (GroupKey,
// recipient) pair. Mutually exclusive with PendingRotation for the same pair.
type WrappedGroupKey struct {
	base
	GroupKeyID        uuid.UUID `gorm:"type:text;not null;index:idx_wrapped_key_recipient,unique"`
	RecipientID       uuid.UUID `gorm:"type:text;not null;index:idx_wrapped_key_recipient,unique"`
	EncryptedGroupKey string    `gorm:"type:text;not null"`
	WrapAlg           string    `gorm:"not null"`
	WrapKeyID         uuid.UUID `gorm:"type:text;not null"` // recipient public key used to wrap
}

// PendingRotation is a re-wrap envelope queued by the fan-out worker and
// awaiting pickup by a recipient. Removed the instant the matching
// WrappedGroupKey row is written — the two are never both present for the
// same (GroupKeyID, RecipientID) pair.
type PendingRotation struct {
	base
	GroupKeyID            uuid.UUID `gorm:"type:text;not null;index:idx_pending_rotation_recipient,unique"`
	RecipientID           uuid.UUID `gorm:"type:text;not null;index:idx_pending_rotation_recipient,unique"`
	EncryptedEphemeralKey string    `gorm:"type:text;not null"`
	EphemeralAlg          string    `gorm:"not null"`
	RecipientWrapKeyID    uuid.UUID `gorm:"type:text;not null"`
}

// HmacKey is a per-group encrypted searchable-index key, wrapped under a
// specific GroupKey generation.
type HmacKey struct {
	base
	GroupID          uuid.UUID `gorm:"type:text;not null;index"`
	GroupKeyID       uuid.UUID `gorm:"type:text;not null"`
	EncryptedHmacKey string    `gorm:"type:text;not null"`
	Alg              string    `gorm:"not null"`
}

// SortableKey is a per-group encrypted order-preserving-encryption key.
type SortableKey struct {
	base
	GroupID              uuid.UUID `gorm:"type:text;not null;index"`
	GroupKeyID           uuid.UUID `gorm:"type:text;not null"`
	EncryptedSortableKey string    `gorm:"type:text;not null"`
	Alg                  string    `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Files
// -----------------------------------------------------------------------------

const (
	FileStatusAvailable = "available"
	FileStatusToDelete  = "to-delete"
)

// File is the metadata row for an opaque encrypted blob; the server never
// inspects its contents. BelongsToType/BelongsToID are optional — a nil
// BelongsToID means the file is owned only by the uploading user.
type File struct {
	softDelete
	AppID         uuid.UUID  `gorm:"type:text;not null;index"`
	OwnerUserID   uuid.UUID  `gorm:"type:text;not null;index"`
	BelongsToType string     `gorm:"not null;default:''"` // "", "user", "group"
	BelongsToID   *uuid.UUID `gorm:"type:text;index"`

	MasterKeyID       uuid.UUID `gorm:"type:text;not null"`
	EncryptedFileKey  string    `gorm:"type:text;not null"`
	FileKeyAlg        string    `gorm:"not null"`
	EncryptedFileName string    `gorm:"type:text;not null"`

	Status   string     `gorm:"not null;default:'available';index"`
	DeleteAt *time.Time `gorm:"index"`
}

// UploadSession tracks an in-progress chunked upload. Swept once it is older
// than internal/files.MaxSessionAlive.
type UploadSession struct {
	base
	FileID       uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	AppID        uuid.UUID `gorm:"type:text;not null;index"`
	OwnerUserID  uuid.UUID `gorm:"type:text;not null"`
	ExpectedSize int64     `gorm:"not null"`
	MaxChunkSize int64     `gorm:"not null"`
}

// FilePart is one uploaded chunk of a File. Extern marks a part stored at
// the app's own external storage URL rather than in this server's backend.
type FilePart struct {
	base
	FileID   uuid.UUID `gorm:"type:text;not null;index"`
	Sequence int       `gorm:"not null"`
	Size     int64     `gorm:"not null"`
	Extern   bool      `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Ciphertext content & searchable index
// -----------------------------------------------------------------------------

// ContentItem is an opaque ciphertext reference the server never interprets
// beyond its ownership and category tags.
type ContentItem struct {
	base
	AppID         uuid.UUID  `gorm:"type:text;not null;index"`
	ItemRef       string     `gorm:"not null"`
	CreatorUserID uuid.UUID  `gorm:"type:text;not null"`
	BelongsToType string     `gorm:"not null;default:''"`
	BelongsToID   *uuid.UUID `gorm:"type:text"`
	Categories    string     `gorm:"type:text;not null;default:'[]'"` // JSON array of strings
}

// SearchableContentItem is the head row for a set of opaque HMAC tokens a
// client registered against an ItemRef, so it can later be found by
// presenting the same tokens without the server ever matching plaintext.
type SearchableContentItem struct {
	base
	AppID     uuid.UUID `gorm:"type:text;not null;index"`
	ItemRef   string    `gorm:"not null"`
	WrapKeyID uuid.UUID `gorm:"type:text;not null"`
	Alg       string    `gorm:"not null"`
	Category  string    `gorm:"not null;default:'';index"`
}

// SearchableHash is one opaque HMAC token belonging to a
// SearchableContentItem.
type SearchableHash struct {
	base
	ItemID uuid.UUID `gorm:"type:text;not null;index:idx_searchable_hash_lookup"`
	Hash   string    `gorm:"type:text;not null;index:idx_searchable_hash_lookup"`
}

// -----------------------------------------------------------------------------
// Captcha
// -----------------------------------------------------------------------------

// Captcha is a single-use challenge. Validate deletes the row regardless of
// outcome, so a solution (right or wrong) can never be replayed.
type Captcha struct {
	base
	AppID    uuid.UUID `gorm:"type:text;not null;index"`
	Solution string    `gorm:"not null"`
}
