package authn

// constantTimeEqual16 compares the first 16 bytes of a and b using a
// volatile-read, fold-OR comparator with no early exit — the literal shape
// spec.md invariant I6 requires, not crypto/subtle.ConstantTimeCompare.
// Grounded on the teacher's auth.constantTimeEqual, which uses the same
// fold-OR technique for password hash comparison; this is kept as the
// canonical implementation per the "keep the teacher's way" rule even
// though crypto/subtle covers the general case just as safely.
func constantTimeEqual16(a, b []byte) bool {
	if len(a) < 16 || len(b) < 16 {
		return false
	}

	var diff byte
	for i := 0; i < 16; i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// constantTimeEqualBytes is the same fold-OR technique generalized to equal-
// length arbitrary byte strings, used where the compared value isn't the
// fixed 16-byte auth-key verifier I6 names — e.g. the decrypted login nonce.
func constantTimeEqualBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
