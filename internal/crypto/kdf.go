package crypto

import (
	"crypto/sha256"
)

// segment slices b[lo:hi] clamped to len(b). DH-derived auth keys are 32
// bytes while ephemeral ones are 256, and the derivation offsets below run
// past the short form; the source's slicing silently truncated, and the
// same inputs must keep producing the same keys here.
func segment(b []byte, lo, hi int) []byte {
	if lo > len(b) {
		lo = len(b)
	}
	if hi > len(b) {
		hi = len(b)
	}
	return b[lo:hi]
}

// DeriveKeyIV expands an auth key and a message fingerprint into the
// AES-256 key and CBC IV for exactly that message:
//
//	a = SHA256(msg_key ‖ auth_key[0:36])
//	b = SHA256(auth_key[40:76] ‖ msg_key)
//	aes_key = a[0:8] ‖ b[8:24] ‖ a[24:32]
//	aes_iv  = b[0:8] ‖ a[8:24]   (first 16 bytes)
//
// Pure function, no state.
func DeriveKeyIV(authKey, msgKey []byte) (aesKey [32]byte, aesIV [16]byte) {
	a := sha256.Sum256(concat(msgKey, segment(authKey, 0, 36)))
	b := sha256.Sum256(concat(segment(authKey, 40, 76), msgKey))

	copy(aesKey[0:8], a[0:8])
	copy(aesKey[8:24], b[8:24])
	copy(aesKey[24:32], a[24:32])

	copy(aesIV[0:8], b[0:8])
	copy(aesIV[8:16], a[8:16])
	return aesKey, aesIV
}

// MessageKey computes the 16-byte message fingerprint: the middle bytes of
// SHA256(auth_key[0:32] ‖ plaintext). It binds the derived AES parameters
// to both the session secret and the exact plaintext, but it is not a MAC:
// decryption does not re-verify it, so tampering is not cryptographically
// detected. That gap is part of the wire format and is kept.
func MessageKey(authKey, plaintext []byte) [16]byte {
	sum := sha256.Sum256(concat(segment(authKey, 0, 32), plaintext))
	var key [16]byte
	copy(key[:], sum[8:24])
	return key
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
