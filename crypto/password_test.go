package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword(t *testing.T) {
	t.Run("empty password has no digest", func(t *testing.T) {
		assert.Nil(t, HashPassword(""))
	})

	t.Run("digest is deterministic", func(t *testing.T) {
		a := HashPassword("secret")
		b := HashPassword("secret")
		require.Len(t, a, HashSize)
		assert.True(t, EqualHash(a, b))
	})

	t.Run("different passwords differ", func(t *testing.T) {
		assert.False(t, EqualHash(HashPassword("secret"), HashPassword("Secret")))
	})

	t.Run("digest does not contain the plaintext", func(t *testing.T) {
		assert.NotContains(t, string(HashPassword("hunter2")), "hunter2")
	})
}

func TestZeroBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	ZeroBytes(data)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)

	assert.NotPanics(t, func() { ZeroBytes(nil) })
}
