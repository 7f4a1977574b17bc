package payments

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWalletPubkey = "b889ff5b1513b641e2a139f661a661364979c5beee91842f8f0ef42ab558e9d4"
	testWalletSecret = "71a8c14c1407c113601079c4302dab36460f0ccd0ad506f1f2dc73b5100e4f3c"
)

func TestParseWalletURI(t *testing.T) {
	uri := "nostr+walletconnect://" + testWalletPubkey +
		"?relay=wss://relay.damus.io&secret=" + testWalletSecret

	conn, err := ParseWalletURI(uri)
	require.NoError(t, err)
	assert.Equal(t, testWalletPubkey, conn.WalletPubkey)
	assert.Equal(t, "wss://relay.damus.io", conn.RelayURL)
}

func TestParseWalletURISharedSecretDerivable(t *testing.T) {
	uri := "nostr+walletconnect://" + testWalletPubkey +
		"?relay=wss://r.example&secret=" + testWalletSecret
	conn, err := ParseWalletURI(uri)
	require.NoError(t, err)

	key, err := conn.sharedSecret()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestParseWalletURIRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"no pubkey":     "nostr+walletconnect://?relay=wss://r&secret=" + testWalletSecret,
		"short pubkey":  "nostr+walletconnect://abcd?relay=wss://r&secret=" + testWalletSecret,
		"not hex":       "nostr+walletconnect://" + strings.Repeat("z", 64) + "?relay=wss://r&secret=" + testWalletSecret,
		"missing relay": "nostr+walletconnect://" + testWalletPubkey + "?secret=" + testWalletSecret,
		"bad secret":    "nostr+walletconnect://" + testWalletPubkey + "?relay=wss://r&secret=abcd",
		"no secret":     "nostr+walletconnect://" + testWalletPubkey + "?relay=wss://r",
	}
	for name, uri := range cases {
		_, err := ParseWalletURI(uri)
		assert.Error(t, err, name)
	}
}

func TestSplitAddress(t *testing.T) {
	name, domain, ok := splitAddress("alice@getalby.com")
	assert.True(t, ok)
	assert.Equal(t, "alice", name)
	assert.Equal(t, "getalby.com", domain)

	for _, bad := range []string{"", "alice", "@getalby.com", "alice@", "a@b@c"} {
		_, _, ok := splitAddress(bad)
		assert.False(t, ok, bad)
	}
}
