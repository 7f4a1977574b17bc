package poller

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyIntent(t *testing.T) {
	cases := []struct {
		input string
		kind  int
		ok    bool
	}{
		{"please summarize this article for me", 5001, true},
		{"Can you give me a SUMMARY of the thread?", 5001, true},
		{"translate this to spanish", 5002, true},
		{"write some text about whales", 5050, true},
		{"draw an image of a lighthouse", 5100, true},
		{"transcribe this recording", 5000, true},
		{"gm", 0, false},
		{"what's the weather like", 0, false},
	}
	for _, c := range cases {
		kind, ok := classifyIntent(c.input)
		assert.Equal(t, c.ok, ok, c.input)
		if c.ok {
			assert.Equal(t, c.kind, kind, c.input)
		}
	}
}

func TestClassifyIntentFirstMatchWins(t *testing.T) {
	// Both the summary and image rules could fire; rule order decides.
	kind, ok := classifyIntent("summarize this image description")
	assert.True(t, ok)
	assert.Equal(t, 5001, kind)
}
