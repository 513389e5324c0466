package authn

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/db"
)

// totpStep is the RFC 6238 time-step size; spec.md §4.2 step 3 names a
// 30-second window.
const totpStep = 30 * time.Second

// totpDigits is the length of the generated numeric code.
const totpDigits = 6

// totpWindowSkew allows the previous and next step to also verify, covering
// clock drift between client and server without widening the replay window
// beyond what RFC 6238 implementations commonly tolerate.
const totpWindowSkew = 1

// checkTOTP validates a client-supplied 6-digit token against the current
// 30-second window (plus one step of skew either side) of HMAC-SHA-256 over
// the device's stored secret, per spec.md §4.2 step 3. There is no
// ecosystem TOTP library in the corpus's dependency set, so this is a
// deliberate stdlib exception: the algorithm is a handful of lines over
// crypto/hmac and has no meaningful third-party surface to wire against.
func (a *Authenticator) checkTOTP(device *db.Device, token string) (bool, error) {
	if len(device.TotpSecret) == 0 {
		return false, apperr.ErrTotpGet
	}
	if len(token) != totpDigits {
		return false, nil
	}

	now := time.Now()
	for skew := -totpWindowSkew; skew <= totpWindowSkew; skew++ {
		step := now.Add(time.Duration(skew) * totpStep)
		if generateTOTP([]byte(device.TotpSecret), step) == token {
			return true, nil
		}
	}
	return false, nil
}

// generateTOTP implements RFC 6238 over HMAC-SHA-256.
func generateTOTP(secret []byte, at time.Time) string {
	counter := uint64(at.Unix()) / uint64(totpStep.Seconds())

	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], counter)

	mac := hmac.New(sha256.New, secret)
	mac.Write(counterBytes[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	truncated := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	mod := uint32(1)
	for i := 0; i < totpDigits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", totpDigits, truncated%mod)
}
