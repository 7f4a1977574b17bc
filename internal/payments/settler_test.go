package payments

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeeMsats(t *testing.T) {
	s := NewSettler(nil, 10, "fees@dvmesh.example")
	assert.Equal(t, int64(8_000), s.FeeMsats(80_000))
	assert.Equal(t, int64(0), s.FeeMsats(0))

	assert.Equal(t, int64(0), NewSettler(nil, 0, "fees@dvmesh.example").FeeMsats(80_000))
	assert.Equal(t, int64(0), NewSettler(nil, 10, "").FeeMsats(80_000))
}
