// Package crypto implements the session key exchange and the per-message
// symmetric encryption: a classic Diffie-Hellman handshake over a fixed
// MODP group, the MTProto-style key/IV derivation chain, and AES-256-CBC
// with PKCS#7 padding.
package crypto

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

// ErrInvalidKeyExchange is returned when the peer's public key falls
// outside the open interval (1, p-1). The handshake is aborted and nothing
// is stored.
var ErrInvalidKeyExchange = errors.New("invalid key exchange: client public key out of range")

// dhPrimeHex is the fixed MODP prime the handshake runs over.
const dhPrimeHex = "C71CAEB9C6B1DCE1D13D4BEB7C51FA30F6F3E499E8CEE0A1C2E3BDBDEF07A4BB" +
	"6A98B733D0E8468C3F9E1B9B10A0F2C0EAB58CD7E5B29355D1E3DBF8D25E5B1D" +
	"EE6BA6BC15BA9A1F21FE77B0387CFC3C9F8C0BFFFD5C14CC3DEAB2DCEB063683" +
	"A14E1D8367D0E99C53937D93C60D8DF31A0EC0A7A93966FD858E12B4C63"

// DHParams holds the group parameters. They are injectable so tests can
// run the full handshake against a small prime.
type DHParams struct {
	P *big.Int
	G *big.Int
}

// DefaultDHParams returns the production group with generator 3.
func DefaultDHParams() DHParams {
	p, ok := new(big.Int).SetString(dhPrimeHex, 16)
	if !ok {
		panic("crypto: bad DH prime constant")
	}
	return DHParams{P: p, G: big.NewInt(3)}
}

// GenerateServerParams draws a private exponent uniformly from [1, p-2]
// and returns it together with g^private mod p.
func (d DHParams) GenerateServerParams() (private, public *big.Int, err error) {
	// rand.Int yields [0, p-2); shift into [1, p-2].
	n, err := rand.Int(rand.Reader, new(big.Int).Sub(d.P, big.NewInt(2)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate DH private key: %w", err)
	}
	private = n.Add(n, big.NewInt(1))
	public = new(big.Int).Exp(d.G, private, d.P)
	return private, public, nil
}

// ComputeAuthKey finishes the handshake: it validates the client's public
// key, raises it to the server's private exponent and hashes the shared
// secret into the session auth key. The returned fingerprint is
// hex(SHA1(auth_key)[-8:]).
//
// The function is deterministic and has no side effects; persisting the
// session is the caller's job.
func (d DHParams) ComputeAuthKey(clientPublic, serverPrivate *big.Int) (authKey []byte, authKeyID string, err error) {
	one := big.NewInt(1)
	pMinusOne := new(big.Int).Sub(d.P, one)
	if clientPublic == nil || clientPublic.Cmp(one) <= 0 || clientPublic.Cmp(pMinusOne) >= 0 {
		return nil, "", ErrInvalidKeyExchange
	}

	shared := new(big.Int).Exp(clientPublic, serverPrivate, d.P)
	sum := sha256.Sum256(shared.Bytes())
	authKey = sum[:]
	return authKey, AuthKeyFingerprint(authKey), nil
}

// AuthKeyFingerprint is the canonical public handle for an auth key:
// the last 8 bytes of SHA1(auth_key), hex encoded.
func AuthKeyFingerprint(authKey []byte) string {
	sum := sha1.Sum(authKey)
	return hex.EncodeToString(sum[len(sum)-8:])
}

// GenerateEphemeralKey returns 256 random bytes for a session provisioned
// without a handshake. Callers must treat this as a weaker trust level:
// there is no verified shared secret behind it.
func GenerateEphemeralKey() ([]byte, error) {
	key := make([]byte, 256)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral auth key: %w", err)
	}
	return key, nil
}
