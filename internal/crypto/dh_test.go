package crypto

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testParams is a small group so handshakes run fast and deterministically.
// 2^127 - 1 is prime.
func testParams(t *testing.T) DHParams {
	t.Helper()
	p := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	return DHParams{P: p, G: big.NewInt(3)}
}

func TestDHAgreement(t *testing.T) {
	params := testParams(t)

	serverPrivate, serverPublic, err := params.GenerateServerParams()
	require.NoError(t, err)
	clientPrivate, clientPublic, err := params.GenerateServerParams()
	require.NoError(t, err)

	// Server side finishes with the client's public key, client side with
	// the server's. Both must land on the same auth key and fingerprint.
	serverKey, serverKeyID, err := params.ComputeAuthKey(clientPublic, serverPrivate)
	require.NoError(t, err)
	clientKey, clientKeyID, err := params.ComputeAuthKey(serverPublic, clientPrivate)
	require.NoError(t, err)

	assert.Equal(t, serverKey, clientKey)
	assert.Equal(t, serverKeyID, clientKeyID)
	assert.Len(t, serverKey, 32)
	assert.Len(t, serverKeyID, 16) // 8 bytes hex encoded
}

func TestComputeAuthKeyRejectsOutOfRange(t *testing.T) {
	params := testParams(t)

	serverPrivate, _, err := params.GenerateServerParams()
	require.NoError(t, err)

	pMinusOne := new(big.Int).Sub(params.P, big.NewInt(1))
	for _, bad := range []*big.Int{
		nil,
		big.NewInt(0),
		big.NewInt(1),
		pMinusOne,
		params.P,
		new(big.Int).Add(params.P, big.NewInt(5)),
	} {
		_, _, err := params.ComputeAuthKey(bad, serverPrivate)
		assert.ErrorIs(t, err, ErrInvalidKeyExchange)
	}
}

func TestComputeAuthKeyDeterministic(t *testing.T) {
	params := testParams(t)

	clientPublic := big.NewInt(123456789)
	serverPrivate := big.NewInt(987654321)

	key1, id1, err := params.ComputeAuthKey(clientPublic, serverPrivate)
	require.NoError(t, err)
	key2, id2, err := params.ComputeAuthKey(clientPublic, serverPrivate)
	require.NoError(t, err)

	assert.Equal(t, key1, key2)
	assert.Equal(t, id1, id2)
}

func TestAuthKeyFingerprint(t *testing.T) {
	key1, err := GenerateEphemeralKey()
	require.NoError(t, err)
	key2, err := GenerateEphemeralKey()
	require.NoError(t, err)

	assert.Len(t, key1, 256)
	assert.Equal(t, AuthKeyFingerprint(key1), AuthKeyFingerprint(key1))
	assert.NotEqual(t, AuthKeyFingerprint(key1), AuthKeyFingerprint(key2))
}

func TestGenerateServerParamsInRange(t *testing.T) {
	params := testParams(t)

	for i := 0; i < 10; i++ {
		private, public, err := params.GenerateServerParams()
		require.NoError(t, err)

		assert.True(t, private.Sign() > 0)
		assert.True(t, private.Cmp(new(big.Int).Sub(params.P, big.NewInt(1))) < 0)
		assert.True(t, public.Sign() > 0)
		assert.True(t, public.Cmp(params.P) < 0)
	}
}
