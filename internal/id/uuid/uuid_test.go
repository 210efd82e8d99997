package uuid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestGeneratorNewID verifies ids are unique and well formed.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	g := NewGenerator()
	a, err := g.NewID()
	require.NoError(t, err)
	b, err := g.NewID()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Len(t, a, 36)
}
