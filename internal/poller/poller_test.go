package poller

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvmesh/backend/internal/kv"
	"github.com/dvmesh/backend/internal/nostr"
)

type fakeFetcher struct {
	byRelay map[string][]nostr.Event
	errs    map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, relayURL string, _ []nostr.Filter) ([]nostr.Event, error) {
	return f.byRelay[relayURL], f.errs[relayURL]
}

func signedAt(t *testing.T, priv *btcec.PrivateKey, createdAt int64, content string) nostr.Event {
	t.Helper()
	ev := nostr.Event{CreatedAt: createdAt, Kind: nostr.KindNote, Content: content}
	require.NoError(t, ev.Sign(priv))
	return ev
}

func TestGatherDedupsAndSorts(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	a := signedAt(t, priv, 300, "late")
	b := signedAt(t, priv, 100, "early")

	f := &fakeFetcher{byRelay: map[string][]nostr.Event{
		"wss://one": {a, b},
		"wss://two": {b, a},
	}}

	out := gather(context.Background(), f, []string{"wss://one", "wss://two"}, nil, slog.Default())
	require.Len(t, out, 2)
	assert.Equal(t, "early", out[0].Content)
	assert.Equal(t, "late", out[1].Content)
}

func TestGatherDropsUnverifiableEvents(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	good := signedAt(t, priv, 100, "good")
	bad := signedAt(t, priv, 200, "bad")
	bad.Content = "tampered after signing"

	f := &fakeFetcher{byRelay: map[string][]nostr.Event{"wss://one": {good, bad}}}
	out := gather(context.Background(), f, []string{"wss://one"}, nil, slog.Default())
	require.Len(t, out, 1)
	assert.Equal(t, "good", out[0].Content)
}

func TestGatherKeepsPartialResultsOnRelayError(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	ev := signedAt(t, priv, 100, "survivor")

	f := &fakeFetcher{
		byRelay: map[string][]nostr.Event{"wss://ok": {ev}},
		errs:    map[string]error{"wss://down": errors.New("dial refused")},
	}
	out := gather(context.Background(), f, []string{"wss://down", "wss://ok"}, nil, slog.Default())
	assert.Len(t, out, 1)
}

func TestRunnerAdvancesWatermarkPastMax(t *testing.T) {
	kvc := kv.NewMemoryClient()
	r := NewRunner(time.Hour, kvc)

	var sinceSeen []int64
	r.Add("t", func(_ context.Context, since int64) (int64, error) {
		sinceSeen = append(sinceSeen, since)
		return 500, nil
	})

	r.runOne(context.Background(), r.pollers[0])
	r.runOne(context.Background(), r.pollers[0])

	require.Len(t, sinceSeen, 2)
	assert.Equal(t, int64(0), sinceSeen[0])
	assert.Equal(t, int64(501), sinceSeen[1])
}

func TestRunnerKeepsWatermarkOnError(t *testing.T) {
	kvc := kv.NewMemoryClient()
	r := NewRunner(time.Hour, kvc)

	calls := 0
	r.Add("t", func(_ context.Context, since int64) (int64, error) {
		calls++
		if calls == 1 {
			return 500, nil
		}
		if calls == 2 {
			return 900, errors.New("relay flake")
		}
		assert.Equal(t, int64(501), since)
		return 0, nil
	})

	for i := 0; i < 3; i++ {
		r.runOne(context.Background(), r.pollers[0])
	}
	assert.Equal(t, 3, calls)
}

func TestRunnerKeepsWatermarkOnEmptyPass(t *testing.T) {
	kvc := kv.NewMemoryClient()
	r := NewRunner(time.Hour, kvc)

	var sinceSeen []int64
	r.Add("t", func(_ context.Context, since int64) (int64, error) {
		sinceSeen = append(sinceSeen, since)
		return 0, nil
	})

	r.runOne(context.Background(), r.pollers[0])
	r.runOne(context.Background(), r.pollers[0])
	assert.Equal(t, []int64{0, 0}, sinceSeen)
}

func TestSincePtr(t *testing.T) {
	assert.Nil(t, sincePtr(0))
	assert.Nil(t, sincePtr(-5))
	require.NotNil(t, sincePtr(42))
	assert.Equal(t, int64(42), *sincePtr(42))
}
