package signer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvmesh/backend/internal/nostr"
)

func testKeystore(t *testing.T) *Keystore {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	ks, err := NewKeystore(key)
	require.NoError(t, err)
	return ks
}

func TestNewKeystoreRejectsShortKey(t *testing.T) {
	_, err := NewKeystore([]byte("too short"))
	assert.Error(t, err)
}

func TestGenerateKeypairAndSign(t *testing.T) {
	ks := testKeystore(t)

	pubkey, encPriv, iv, err := ks.GenerateKeypair()
	require.NoError(t, err)
	assert.Len(t, pubkey, 64)
	assert.NotEmpty(t, encPriv)
	assert.NotEmpty(t, iv)

	ev := Note("hello", "", "", "")
	require.NoError(t, ks.Sign(encPriv, iv, ev))

	assert.Equal(t, pubkey, ev.PubKey)
	assert.NotZero(t, ev.CreatedAt)
	assert.NoError(t, ev.Verify())
}

func TestSignFailsWithWrongMasterKey(t *testing.T) {
	ks := testKeystore(t)
	_, encPriv, iv, err := ks.GenerateKeypair()
	require.NoError(t, err)

	other := make([]byte, 32)
	wrongKs, err := NewKeystore(other)
	require.NoError(t, err)

	ev := Note("hello", "", "", "")
	assert.Error(t, wrongKs.Sign(encPriv, iv, ev))
}

func TestSecretRoundTrip(t *testing.T) {
	ks := testKeystore(t)

	enc, iv, err := ks.EncryptSecret("nostr+walletconnect://abc?relay=wss://r&secret=def")
	require.NoError(t, err)

	out, err := ks.DecryptSecret(enc, iv)
	require.NoError(t, err)
	assert.Equal(t, "nostr+walletconnect://abc?relay=wss://r&secret=def", out)
}

func TestPubkeyForMatchesGenerated(t *testing.T) {
	ks := testKeystore(t)
	pubkey, encPriv, iv, err := ks.GenerateKeypair()
	require.NoError(t, err)

	derived, err := ks.PubkeyFor(encPriv, iv)
	require.NoError(t, err)
	assert.Equal(t, pubkey, derived)
}

func TestSharedSecretSymmetricAcrossAgents(t *testing.T) {
	ks := testKeystore(t)
	alicePub, aliceEnc, aliceIV, err := ks.GenerateKeypair()
	require.NoError(t, err)
	bobPub, bobEnc, bobIV, err := ks.GenerateKeypair()
	require.NoError(t, err)

	s1, err := ks.SharedSecret(aliceEnc, aliceIV, bobPub)
	require.NoError(t, err)
	s2, err := ks.SharedSecret(bobEnc, bobIV, alicePub)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	sealed, err := nostr.EncryptDM(s1, []byte("ping"))
	require.NoError(t, err)
	opened, err := nostr.DecryptDM(s2, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), opened)
}
