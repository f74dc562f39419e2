package models

import (
	"time"
)

// AuthKeySession is one user's established encryption session. The auth key
// is the 256-byte (or, for DH-derived sessions, 32-byte) shared secret; the
// fingerprint is hex(SHA1(auth_key)[-8:]) and is the only public handle.
//
// A session's auth key is immutable once stored. Rotation means creating a
// new session under a new fingerprint; old fingerprints stay resolvable so
// previously stored ciphertext can still be opened.
type AuthKeySession struct {
	UserID    int64     `json:"user_id"`
	AuthKey   []byte    `json:"auth_key"` // storage only, never sent on the wire or logged
	AuthKeyID string    `json:"auth_key_id"`
	Salt      string    `json:"salt"`
	SessionID string    `json:"session_id"`
	Ephemeral bool      `json:"ephemeral"`
	CreatedAt time.Time `json:"created_at"`
}
