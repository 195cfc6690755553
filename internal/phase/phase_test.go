package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseAcceptsWholeSet verifies every declared phase parses.
func TestParseAcceptsWholeSet(t *testing.T) {
	for _, p := range All() {
		got, err := Parse(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

// TestParseRejectsUnknownNames verifies names outside the closed set
// fail with ErrInvalidPhase.
func TestParseRejectsUnknownNames(t *testing.T) {
	for _, name := range []string{"", "preflight", "PREFLIGHT ", "TEARDOWN", "FAILED"} {
		_, err := Parse(name)
		assert.ErrorIs(t, err, ErrInvalidPhase, "name %q", name)
	}
}

// TestOrder verifies the total order drives Before, Index, and Next.
func TestOrder(t *testing.T) {
	assert.True(t, Preflight.Before(Initialization))
	assert.True(t, Seeding.Before(Complete))
	assert.False(t, Complete.Before(Preflight))
	assert.False(t, Preflight.Before(Preflight))

	assert.Equal(t, 0, Preflight.Index())
	assert.Equal(t, len(All())-1, Complete.Index())
	assert.Equal(t, -1, Phase("NOPE").Index())

	next, ok := KASInit.Next()
	require.True(t, ok)
	assert.Equal(t, Complete, next)

	_, ok = Complete.Next()
	assert.False(t, ok)
}

// TestAllReturnsCopy verifies mutating All's result cannot corrupt the
// package order.
func TestAllReturnsCopy(t *testing.T) {
	all := All()
	all[0] = Phase("CORRUPTED")
	assert.Equal(t, Preflight, All()[0])
}
