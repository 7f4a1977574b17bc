package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dvmesh/backend/internal/nostr"
)

type fakePublisher struct {
	mu       sync.Mutex
	accepts  map[string]bool
	errs     map[string]error
	attempts []string
}

func (p *fakePublisher) Publish(_ context.Context, relayURL string, _ *nostr.Event) (bool, string, error) {
	p.mu.Lock()
	p.attempts = append(p.attempts, relayURL)
	p.mu.Unlock()
	if err := p.errs[relayURL]; err != nil {
		return false, "", err
	}
	return p.accepts[relayURL], "blocked: test refusal", nil
}

func TestFanOutSucceedsWhenOneRelayAccepts(t *testing.T) {
	pub := &fakePublisher{
		accepts: map[string]bool{"wss://b": true},
		errs:    map[string]error{"wss://a": errors.New("dial refused")},
	}
	w := NewWorker(nil, pub, []string{"wss://a", "wss://b", "wss://c"}, 2)

	ok := w.fanOut(context.Background(), &nostr.Event{ID: "ev1"})
	assert.True(t, ok)
	assert.Len(t, pub.attempts, 3)
}

func TestFanOutFailsWhenAllRelaysRefuse(t *testing.T) {
	pub := &fakePublisher{accepts: map[string]bool{}}
	w := NewWorker(nil, pub, []string{"wss://a", "wss://b"}, 2)

	ok := w.fanOut(context.Background(), &nostr.Event{ID: "ev1"})
	assert.False(t, ok)
}

func TestFanOutFailsWithNoRelays(t *testing.T) {
	w := NewWorker(nil, &fakePublisher{}, nil, 2)
	ok := w.fanOut(context.Background(), &nostr.Event{ID: "ev1"})
	assert.False(t, ok)
}
