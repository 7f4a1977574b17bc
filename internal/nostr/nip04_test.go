package nostr

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedSecretSymmetric(t *testing.T) {
	alice, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	bob, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	alicePub := hex.EncodeToString(alice.PubKey().SerializeCompressed()[1:])
	bobPub := hex.EncodeToString(bob.PubKey().SerializeCompressed()[1:])

	s1, err := SharedSecret(alice.Serialize(), bobPub)
	require.NoError(t, err)
	s2, err := SharedSecret(bob.Serialize(), alicePub)
	require.NoError(t, err)

	assert.Equal(t, s1, s2)
	assert.Len(t, s1, 32)
}

func TestSharedSecretRejectsBadPubkey(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	_, err = SharedSecret(priv.Serialize(), "nothex")
	assert.Error(t, err)
	_, err = SharedSecret(priv.Serialize(), "abcd")
	assert.Error(t, err)
}

func TestEncryptDecryptDM(t *testing.T) {
	alice, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	bob, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	bobPub := hex.EncodeToString(bob.PubKey().SerializeCompressed()[1:])
	key, err := SharedSecret(alice.Serialize(), bobPub)
	require.NoError(t, err)

	payload := []byte(`{"method":"pay_invoice","params":{"invoice":"lnbc1..."}}`)
	sealed, err := EncryptDM(key, payload)
	require.NoError(t, err)
	assert.Contains(t, sealed, "?iv=")

	opened, err := DecryptDM(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, payload, opened)
}

func TestDecryptDMRejectsMalformed(t *testing.T) {
	key := make([]byte, 32)

	_, err := DecryptDM(key, "no-separator")
	assert.Error(t, err)
	_, err = DecryptDM(key, "!!!?iv=!!!")
	assert.Error(t, err)
}

func TestDecryptDMWrongKey(t *testing.T) {
	key := make([]byte, 32)
	sealed, err := EncryptDM(key, []byte("secret text here"))
	require.NoError(t, err)

	wrong := make([]byte, 32)
	wrong[0] = 1
	opened, err := DecryptDM(wrong, sealed)
	if err == nil {
		// CBC with a wrong key yields garbage; padding may or may not
		// survive, but the plaintext never does.
		assert.NotEqual(t, []byte("secret text here"), opened)
	}
}
