package nostr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeNpub(t *testing.T) {
	// Reference identifier and its hex form.
	hex, err := DecodeNpub("npub10elfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptg")
	require.NoError(t, err)
	assert.Equal(t, "7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e", hex)
}

func TestDecodeNpubRejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"npub1",
		"nsec10elfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptg",
		"npub10elfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptq",
	}
	for _, c := range cases {
		_, err := DecodeNpub(c)
		assert.Error(t, err, c)
	}
}
