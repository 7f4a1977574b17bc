package nostr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64p(v int64) *int64 { return &v }

func TestFilterMatches(t *testing.T) {
	ev := &Event{
		ID:        "aa11",
		PubKey:    "author1",
		CreatedAt: 1000,
		Kind:      KindNote,
		Tags:      Tags{{"e", "ref1"}, {"p", "peer1"}},
	}

	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty matches all", Filter{}, true},
		{"kind match", Filter{Kinds: []int{KindNote, KindReaction}}, true},
		{"kind miss", Filter{Kinds: []int{KindReaction}}, false},
		{"author match", Filter{Authors: []string{"author1"}}, true},
		{"author miss", Filter{Authors: []string{"other"}}, false},
		{"id match", Filter{IDs: []string{"aa11"}}, true},
		{"since inclusive", Filter{Since: int64p(1000)}, true},
		{"since excludes older", Filter{Since: int64p(1001)}, false},
		{"until excludes newer", Filter{Until: int64p(999)}, false},
		{"tag match", Filter{Tags: map[string][]string{"e": {"ref1", "refX"}}}, true},
		{"tag miss", Filter{Tags: map[string][]string{"e": {"refX"}}}, false},
		{"conjunction", Filter{Kinds: []int{KindNote}, Authors: []string{"other"}}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.filter.Matches(ev))
		})
	}
}

func TestFilterJSONTagKeys(t *testing.T) {
	f := Filter{
		Kinds: []int{9735},
		Since: int64p(500),
		Limit: 10,
		Tags:  map[string][]string{"p": {"abc"}},
	}

	raw, err := json.Marshal(f)
	require.NoError(t, err)

	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Contains(t, wire, "#p")
	assert.NotContains(t, wire, "Tags")

	var back Filter
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, f.Kinds, back.Kinds)
	assert.Equal(t, int64(500), *back.Since)
	assert.Equal(t, 10, back.Limit)
	assert.Equal(t, []string{"abc"}, back.Tags["p"])
}
