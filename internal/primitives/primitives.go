// Package primitives declares the narrow boundary between this server and
// the actual cryptography, which is explicitly out of scope per spec.md §1
// ("the crypto primitives themselves... the core only specifies what it
// calls on the primitive layer and how it stores the outputs"). The server
// never implements key derivation, AEAD, or asymmetric wrap/unwrap itself;
// it only calls these interfaces and persists their opaque outputs.
//
// A production deployment supplies a real implementation (typically a thin
// wrapper shared with the client SDKs so both sides agree on algorithm
// identifiers). This package ships no implementation — only the contract —
// mirroring the capability-interface pattern the teacher uses for storage
// (internal/files.PartStore).
package primitives

import "context"

// AuthKeyResult is the server-stored half of a client-derived authentication
// key, produced by GetAuthKeysFromBase64. Only HashedClient is compared
// against the stored hash; the server never sees the password or the
// pre-hash key material.
type AuthKeyResult struct {
	HashedClient []byte
	Alg          string
}

// EncryptedChallenge is the output of wrapping a login nonce to a device's
// public key.
type EncryptedChallenge struct {
	Ciphertext []byte
	Alg        string
}

// Provider is the primitive layer the authentication and key-distribution
// components call into. It never touches plaintext user payload — only
// short-lived values (nonces, auth keys) that this server generates or
// receives from the client and immediately discards after use.
type Provider interface {
	// GetAuthKeysFromBase64 derives the server-side verifier from a
	// client-supplied auth key, per spec.md §4.2 step 2.
	GetAuthKeysFromBase64(ctx context.Context, authKeyBase64, alg string) (AuthKeyResult, error)

	// EncryptLoginVerifyChallenge wraps nonce to devicePublicKey, per
	// spec.md §4.2 step 4.
	EncryptLoginVerifyChallenge(ctx context.Context, devicePublicKey []byte, alg string, nonce []byte) (EncryptedChallenge, error)

	// EncryptKeyForRecipient wraps an ephemeral rotation key or group key
	// under a recipient's public key, per spec.md §4.5 step 2.
	EncryptKeyForRecipient(ctx context.Context, recipientPublicKey []byte, alg string, plaintext []byte) ([]byte, error)
}
