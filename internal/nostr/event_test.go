package nostr

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() *Event {
	return &Event{
		CreatedAt: 1700000000,
		Kind:      KindNote,
		Tags:      Tags{{"e", "abc"}, {"p", "def"}, {"e", "ghi"}},
		Content:   "hello",
	}
}

func TestComputeIDDeterministic(t *testing.T) {
	ev := testEvent()
	ev.PubKey = "0000000000000000000000000000000000000000000000000000000000000001"

	id1, err := ev.ComputeID()
	require.NoError(t, err)
	id2, err := ev.ComputeID()
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 64)
}

func TestComputeIDSensitiveToContent(t *testing.T) {
	ev := testEvent()
	ev.PubKey = "0000000000000000000000000000000000000000000000000000000000000001"
	id1, err := ev.ComputeID()
	require.NoError(t, err)

	ev.Content = "hello!"
	id2, err := ev.ComputeID()
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}

func TestSignAndVerify(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	ev := testEvent()
	require.NoError(t, ev.Sign(priv))

	assert.NotEmpty(t, ev.ID)
	assert.NotEmpty(t, ev.Sig)
	assert.Len(t, ev.PubKey, 64)
	assert.NoError(t, ev.Verify())
}

func TestVerifyRejectsTampering(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	ev := testEvent()
	require.NoError(t, ev.Sign(priv))

	tampered := *ev
	tampered.Content = "altered"
	assert.Error(t, tampered.Verify())

	wrongID := *ev
	wrongID.ID = "00" + wrongID.ID[2:]
	assert.Error(t, wrongID.Verify())
}

func TestLeadingZeroBits(t *testing.T) {
	cases := []struct {
		id   string
		bits int
	}{
		{"ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff", 0},
		{"7fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff", 1},
		{"0fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff", 4},
		{"00ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff", 8},
		{"000fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff", 12},
		{"0000000000000000000000000000000000000000000000000000000000000000", 256},
	}
	for _, c := range cases {
		assert.Equal(t, c.bits, LeadingZeroBits(c.id), c.id)
	}
}

func TestTagsHelpers(t *testing.T) {
	tags := Tags{{"e", "abc"}, {"p", "def"}, {"e", "ghi"}, {"amount", "21000", "lnbc..."}}

	assert.Equal(t, "abc", tags.First("e"))
	assert.Equal(t, "", tags.First("d"))
	assert.Equal(t, []string{"abc", "ghi"}, tags.Values("e"))
	assert.Equal(t, []string{"amount", "21000", "lnbc..."}, tags.Find("amount"))
	assert.Nil(t, tags.Find("missing"))
}

func TestKindBands(t *testing.T) {
	assert.True(t, IsJobRequest(5000))
	assert.True(t, IsJobRequest(5999))
	assert.False(t, IsJobRequest(6000))
	assert.True(t, IsJobResult(6001))
	assert.False(t, IsJobResult(7000))
	assert.Equal(t, 6117, ResultKind(5117))

	assert.True(t, IsReplaceable(KindMetadata))
	assert.True(t, IsReplaceable(KindContacts))
	assert.True(t, IsParamReplaceable(KindTrustAssert))
	assert.True(t, IsParamReplaceable(KindHandlerInfo))
	assert.False(t, IsParamReplaceable(KindNote))
	assert.True(t, IsEphemeral(KindWalletRequest))
	assert.False(t, IsEphemeral(KindNote))
}
