package relay

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvmesh/backend/internal/nostr"
)

type fakeStore struct {
	events     map[string]*nostr.Event
	zapCredits map[string]int64
	agents     map[string]bool
	deleted    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:     map[string]*nostr.Event{},
		zapCredits: map[string]int64{},
		agents:     map[string]bool{},
	}
}

func (f *fakeStore) InsertRelayEvent(_ context.Context, e *nostr.Event) error {
	f.events[e.ID] = e
	return nil
}

func (f *fakeStore) QueryRelayEvents(_ context.Context, filter *nostr.Filter) ([]nostr.Event, error) {
	var out []nostr.Event
	for _, e := range f.events {
		if filter.Matches(e) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteRelayEventsByAuthor(_ context.Context, author string, eventIDs []string) error {
	for _, id := range eventIDs {
		if e, ok := f.events[id]; ok && e.PubKey == author {
			delete(f.events, id)
			f.deleted = append(f.deleted, id)
		}
	}
	return nil
}

func (f *fakeStore) PruneRelayEvents(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) AddZapCredit(_ context.Context, pubkey string, msats int64) error {
	f.zapCredits[pubkey] += msats
	return nil
}

func (f *fakeStore) ZapCredit(_ context.Context, pubkey string) (int64, error) {
	return f.zapCredits[pubkey], nil
}

func (f *fakeStore) AgentPubkeyExists(_ context.Context, pubkey string) (bool, error) {
	return f.agents[pubkey], nil
}

func signedEvent(t *testing.T, kind int, content string, tags nostr.Tags) (*nostr.Event, *btcec.PrivateKey) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	ev := &nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	require.NoError(t, ev.Sign(priv))
	return ev, priv
}

// mineEvent grinds a nonce tag until the event id clears the difficulty.
func mineEvent(t *testing.T, kind int, bits int) *nostr.Event {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	for nonce := 0; ; nonce++ {
		ev := &nostr.Event{
			CreatedAt: time.Now().Unix(),
			Kind:      kind,
			Tags:      nostr.Tags{{"nonce", strconv.Itoa(nonce), "8"}},
			Content:   "mined",
		}
		require.NoError(t, ev.Sign(priv))
		if nostr.LeadingZeroBits(ev.ID) >= bits {
			return ev
		}
	}
}

func testRelay(st Store, opts Options) *Relay {
	if opts.MinPoW == 0 {
		opts.MinPoW = 8
	}
	return New(st, opts)
}

func TestAdmitRejectsBadSignature(t *testing.T) {
	r := testRelay(newFakeStore(), Options{})
	ev, _ := signedEvent(t, nostr.KindNote, "hi", nil)
	ev.Content = "tampered"

	ok, msg := r.admit(context.Background(), ev)
	assert.False(t, ok)
	assert.Contains(t, msg, "invalid")
}

func TestAdmitRejectsDisallowedKind(t *testing.T) {
	r := testRelay(newFakeStore(), Options{})
	ev, _ := signedEvent(t, 40000, "?", nil)

	ok, msg := r.admit(context.Background(), ev)
	assert.False(t, ok)
	assert.Contains(t, msg, "blocked")
}

func TestAdmitRejectsFutureTimestamps(t *testing.T) {
	st := newFakeStore()
	r := testRelay(st, Options{})
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	ev := &nostr.Event{
		CreatedAt: time.Now().Add(time.Hour).Unix(),
		Kind:      nostr.KindNote,
		Content:   "from the future",
	}
	require.NoError(t, ev.Sign(priv))
	st.agents[ev.PubKey] = true

	ok, _ := r.admit(context.Background(), ev)
	assert.False(t, ok)
}

func TestAdmitExternalWriteNeedsPoW(t *testing.T) {
	r := testRelay(newFakeStore(), Options{MinPoW: 8})
	ev, _ := signedEvent(t, nostr.KindNote, "no pow", nil)
	if nostr.LeadingZeroBits(ev.ID) >= 8 {
		t.Skip("unlucky: random event cleared difficulty")
	}

	ok, msg := r.admit(context.Background(), ev)
	assert.False(t, ok)
	assert.Contains(t, msg, "pow")

	mined := mineEvent(t, nostr.KindNote, 8)
	ok, _ = r.admit(context.Background(), mined)
	assert.True(t, ok)
}

func TestAdmitRegisteredAgentSkipsPoW(t *testing.T) {
	st := newFakeStore()
	r := testRelay(st, Options{MinPoW: 24})
	ev, _ := signedEvent(t, nostr.KindNote, "local agent", nil)
	st.agents[ev.PubKey] = true

	ok, _ := r.admit(context.Background(), ev)
	assert.True(t, ok)
}

func TestAdmitResultAndFeedbackExempt(t *testing.T) {
	r := testRelay(newFakeStore(), Options{MinPoW: 24})

	result, _ := signedEvent(t, 6001, "answer", nostr.Tags{{"e", "req"}})
	ok, _ := r.admit(context.Background(), result)
	assert.True(t, ok)

	feedback, _ := signedEvent(t, nostr.KindJobFeedback, "", nostr.Tags{{"status", "processing"}})
	ok, _ = r.admit(context.Background(), feedback)
	assert.True(t, ok)
}

func TestAdmitZapGateOnDVMRequests(t *testing.T) {
	st := newFakeStore()
	r := testRelay(st, Options{MinPoW: 8, MinZapSats: 21})

	ev := mineEvent(t, 5001, 8)
	ok, msg := r.admit(context.Background(), ev)
	assert.False(t, ok)
	assert.Contains(t, msg, "zap")

	st.zapCredits[ev.PubKey] = 21_000
	ok, _ = r.admit(context.Background(), ev)
	assert.True(t, ok)
}

func TestAcceptDeletionRemovesReferencedEvents(t *testing.T) {
	st := newFakeStore()
	r := testRelay(st, Options{})

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	note := &nostr.Event{CreatedAt: time.Now().Unix(), Kind: nostr.KindNote, Content: "oops"}
	require.NoError(t, note.Sign(priv))
	require.NoError(t, st.InsertRelayEvent(context.Background(), note))

	deletion := &nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindDeletion,
		Tags:      nostr.Tags{{"e", note.ID}},
	}
	require.NoError(t, deletion.Sign(priv))

	require.NoError(t, r.accept(context.Background(), deletion))
	assert.NotContains(t, st.events, note.ID)
	assert.Contains(t, st.events, deletion.ID)
}

func TestAcceptEphemeralNotStored(t *testing.T) {
	st := newFakeStore()
	r := testRelay(st, Options{})
	ev, _ := signedEvent(t, nostr.KindWalletRequest, "rpc", nil)

	require.NoError(t, r.accept(context.Background(), ev))
	assert.NotContains(t, st.events, ev.ID)
}

func TestAcceptCreditsZapToRelay(t *testing.T) {
	st := newFakeStore()

	// Build the embedded zap request first; its author is the credited
	// sender.
	reqPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	zapReq := &nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindZapRequest,
		Tags:      nostr.Tags{{"p", "relay-pk"}, {"amount", "21000"}},
	}
	require.NoError(t, zapReq.Sign(reqPriv))
	desc, err := json.Marshal(zapReq)
	require.NoError(t, err)

	receipt, _ := signedEvent(t, nostr.KindZapReceipt, "",
		nostr.Tags{{"p", "relay-pk"}, {"description", string(desc)}})

	r := testRelay(st, Options{Pubkey: "relay-pk"})
	require.NoError(t, r.accept(context.Background(), receipt))
	assert.Equal(t, int64(21000), st.zapCredits[zapReq.PubKey])
}

func TestParseZapReceipt(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	zapReq := &nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindZapRequest,
		Tags:      nostr.Tags{{"p", "target"}, {"amount", "5000"}},
	}
	require.NoError(t, zapReq.Sign(priv))
	desc, _ := json.Marshal(zapReq)

	receipt := &nostr.Event{
		Kind: nostr.KindZapReceipt,
		Tags: nostr.Tags{{"description", string(desc)}},
	}
	sender, msats := ParseZapReceipt(receipt)
	assert.Equal(t, zapReq.PubKey, sender)
	assert.Equal(t, int64(5000), msats)

	sender, msats = ParseZapReceipt(&nostr.Event{Kind: nostr.KindZapReceipt})
	assert.Empty(t, sender)
	assert.Zero(t, msats)
}

func TestBolt11AmountMsats(t *testing.T) {
	cases := []struct {
		invoice string
		msats   int64
	}{
		{"lnbc1m1pexample", 100_000_000},
		{"lnbc21u1pexample", 2_100_000},
		{"lnbc500n1pexample", 50_000},
		{"lnbc2500p1pexample", 250},
		{"lnbc21p1pexample", 0},
		{"notaninvoice", 0},
		{"lnbc", 0},
	}
	for _, c := range cases {
		assert.Equal(t, c.msats, Bolt11AmountMsats(c.invoice), c.invoice)
	}
}
