package authn

import (
	"testing"
	"time"
)

func TestGenerateTOTPDeterministicWithinStep(t *testing.T) {
	secret := []byte("this-is-a-totp-secret")
	base := time.Unix(1_700_000_000, 0)

	first := generateTOTP(secret, base)
	second := generateTOTP(secret, base.Add(5*time.Second))
	if first != second {
		t.Fatalf("expected same 30s window to produce the same code, got %q and %q", first, second)
	}

	next := generateTOTP(secret, base.Add(totpStep))
	if first == next {
		t.Fatalf("expected the next window to produce a different code")
	}

	if len(first) != totpDigits {
		t.Fatalf("expected %d digit code, got %q", totpDigits, first)
	}
}

func TestCheckTOTPAcceptsAdjacentWindowSkew(t *testing.T) {
	a := &Authenticator{}
	secret := []byte("another-totp-secret-value")
	now := time.Now()

	device := deviceWithTotp(secret)
	previous := generateTOTP(secret, now.Add(-totpStep))

	ok, err := a.checkTOTP(device, previous)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected token from the immediately preceding window to validate")
	}
}

func TestCheckTOTPRejectsWrongLength(t *testing.T) {
	a := &Authenticator{}
	device := deviceWithTotp([]byte("yet-another-secret"))

	ok, err := a.checkTOTP(device, "12345")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected a non-6-digit token to be rejected")
	}
}
