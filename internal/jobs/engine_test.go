package jobs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dvmesh/backend/internal/nostr"
	"github.com/dvmesh/backend/internal/store"
)

func TestServiceServes(t *testing.T) {
	svc := &store.Service{Kinds: []int64{5001, 5050}}
	assert.True(t, serviceServes(svc, 5001))
	assert.True(t, serviceServes(svc, 5050))
	assert.False(t, serviceServes(svc, 5100))
	assert.False(t, serviceServes(&store.Service{}, 5001))
}

func TestValidationErrorsCarrySentinel(t *testing.T) {
	err := validation("bid %d below minimum", 100)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "bid 100 below minimum")
}

func TestAmountTag(t *testing.T) {
	ev := &nostr.Event{Tags: nostr.Tags{{"amount", "21000", "lnbc210n1..."}}}
	msats, bolt11 := amountTag(ev)
	assert.Equal(t, int64(21000), msats)
	assert.Equal(t, "lnbc210n1...", bolt11)

	ev = &nostr.Event{Tags: nostr.Tags{{"amount", "5000"}}}
	msats, bolt11 = amountTag(ev)
	assert.Equal(t, int64(5000), msats)
	assert.Empty(t, bolt11)

	for _, tags := range []nostr.Tags{
		nil,
		{{"amount"}},
		{{"amount", "not-a-number"}},
	} {
		msats, bolt11 = amountTag(&nostr.Event{Tags: tags})
		assert.Zero(t, msats)
		assert.Empty(t, bolt11)
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	for _, pair := range [][2]error{
		{ErrForbidden, ErrBadState},
		{ErrForbidden, ErrValidation},
		{ErrBadState, ErrValidation},
	} {
		assert.False(t, errors.Is(pair[0], pair[1]))
	}
}
