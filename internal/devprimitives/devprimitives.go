// Package devprimitives is a reference implementation of
// internal/primitives.Provider, built on golang.org/x/crypto's argon2id
// and nacl/box (X25519-XSalsa20-Poly1305 sealed boxes). internal/primitives
// itself ships no implementation by design — a real deployment supplies one
// shared with its client SDKs so both sides agree on algorithm identifiers.
// This package exists so cmd/server has something runnable out of the box;
// swap it for a production provider via cmd/server's wiring, not by editing
// this package.
package devprimitives

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/box"

	"github.com/sentc-io/sentc/server/internal/primitives"
)

// authKeyAlg is the only algorithm identifier this provider recognizes for
// GetAuthKeysFromBase64. A real provider would dispatch on alg to support
// multiple client-side KDF generations; this reference implementation
// supports exactly one.
const authKeyAlg = "argon2id-v1"

// sealedBoxAlg identifies the nacl/box sealed-box wrap this provider uses
// for both EncryptLoginVerifyChallenge and EncryptKeyForRecipient.
const sealedBoxAlg = "x25519-xsalsa20poly1305-sealedbox"

var argonTime uint32 = 3
var argonMemory uint32 = 64 * 1024
var argonThreads uint8 = 2
var argonKeyLen uint32 = 32

// Provider implements primitives.Provider.
type Provider struct{}

func New() *Provider {
	return &Provider{}
}

var _ primitives.Provider = (*Provider)(nil)

// authKeySalt is fixed rather than per-identifier: the input is already a
// client-derived, high-entropy auth key (not a password), so this second
// hashing pass exists to decouple the wire value from the stored value, not
// to add password-hashing salt/defense — argon2id is used here for
// consistency with the client-side KDF generation, not because this step
// needs memory-hardness against guessing.
var authKeySalt = []byte("sentc-server-auth-key-v1")

func (p *Provider) GetAuthKeysFromBase64(ctx context.Context, authKeyBase64, alg string) (primitives.AuthKeyResult, error) {
	if alg != authKeyAlg {
		return primitives.AuthKeyResult{}, fmt.Errorf("devprimitives: unsupported auth key alg %q", alg)
	}
	raw, err := base64.StdEncoding.DecodeString(authKeyBase64)
	if err != nil {
		return primitives.AuthKeyResult{}, fmt.Errorf("devprimitives: decode auth key: %w", err)
	}
	hashed := argon2.IDKey(raw, authKeySalt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return primitives.AuthKeyResult{HashedClient: hashed, Alg: authKeyAlg}, nil
}

func (p *Provider) EncryptLoginVerifyChallenge(ctx context.Context, devicePublicKey []byte, alg string, nonce []byte) (primitives.EncryptedChallenge, error) {
	ciphertext, err := p.sealTo(devicePublicKey, nonce)
	if err != nil {
		return primitives.EncryptedChallenge{}, err
	}
	return primitives.EncryptedChallenge{Ciphertext: ciphertext, Alg: sealedBoxAlg}, nil
}

func (p *Provider) EncryptKeyForRecipient(ctx context.Context, recipientPublicKey []byte, alg string, plaintext []byte) ([]byte, error) {
	return p.sealTo(recipientPublicKey, plaintext)
}

func (p *Provider) sealTo(recipientPublicKey, plaintext []byte) ([]byte, error) {
	var pub [32]byte
	if len(recipientPublicKey) != 32 {
		return nil, fmt.Errorf("devprimitives: recipient public key must be 32 bytes, got %d", len(recipientPublicKey))
	}
	copy(pub[:], recipientPublicKey)

	sealed, err := box.SealAnonymous(nil, plaintext, &pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("devprimitives: seal: %w", err)
	}
	return sealed, nil
}
