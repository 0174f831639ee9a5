package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionIdentity(t *testing.T) {
	t.Run("is fixed size and order preserving", func(t *testing.T) {
		positions := []Position{0, 1, 255, 256, 1 << 32, 1<<64 - 1}
		for i := 1; i < len(positions); i++ {
			lower := positions[i-1].Identity()
			higher := positions[i].Identity()
			assert.Len(t, lower, 8)
			assert.Negative(t, bytes.Compare(lower, higher),
				"%s must sort below %s", positions[i-1], positions[i])
		}
	})

	t.Run("round trips", func(t *testing.T) {
		p := Position(42)
		decoded, err := PositionFromIdentity(p.Identity())
		require.NoError(t, err)
		assert.Equal(t, p, decoded)
	})

	t.Run("rejects the wrong length", func(t *testing.T) {
		_, err := PositionFromIdentity([]byte{1, 2, 3})
		assert.Error(t, err)
	})
}

func TestPositionString(t *testing.T) {
	assert.Equal(t, "42", Position(42).String())
	assert.Equal(t, "0", Position(0).String())
}
