package authn

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"fmt"

	"github.com/google/uuid"

	"github.com/sentc-io/sentc/server/internal/db"
)

// recoveryTokenCount is how many one-time recovery codes EnableTOTP mints,
// per scenario 1 ("6 recovery tokens").
const recoveryTokenCount = 6

// EnabledTOTP is returned once, at enrollment time, so the client can show
// the secret (as a QR code) and the raw recovery tokens to the user. Neither
// value is retrievable again afterward.
type EnabledTOTP struct {
	Secret         string
	RecoveryTokens []string
}

// EnableTOTP generates a new TOTP secret and a batch of recovery tokens for
// a device, persisting the secret encrypted at rest and only the recovery
// tokens' hashes.
func (a *Authenticator) EnableTOTP(ctx context.Context, deviceID uuid.UUID) (*EnabledTOTP, error) {
	secret := make([]byte, 20)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("authn: enable totp: %w", err)
	}

	if err := a.users.SetTotpSecret(ctx, deviceID, db.EncryptedString(secret), "hmac-sha256-30s"); err != nil {
		return nil, fmt.Errorf("authn: enable totp: %w", err)
	}

	device, err := a.users.GetDeviceByID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("authn: enable totp: %w", err)
	}

	raw := make([]string, recoveryTokenCount)
	rows := make([]db.OtpRecoveryToken, recoveryTokenCount)
	for i := range raw {
		token := make([]byte, 16)
		if _, err := rand.Read(token); err != nil {
			return nil, fmt.Errorf("authn: enable totp: %w", err)
		}
		encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(token)
		raw[i] = encoded
		rows[i] = db.OtpRecoveryToken{UserID: device.OwnerUserID, HashedToken: hashRecoveryToken(encoded)}
	}

	if err := a.users.CreateRecoveryTokens(ctx, rows); err != nil {
		return nil, fmt.Errorf("authn: enable totp: %w", err)
	}

	return &EnabledTOTP{
		Secret:         base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(secret),
		RecoveryTokens: raw,
	}, nil
}
