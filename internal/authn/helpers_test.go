package authn

import "github.com/sentc-io/sentc/server/internal/db"

func deviceWithTotp(secret []byte) *db.Device {
	return &db.Device{TotpSecret: db.EncryptedString(secret)}
}
