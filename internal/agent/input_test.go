package agent

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptToken(t *testing.T) {
	orig := readPassword
	t.Cleanup(func() { readPassword = orig })

	t.Run("trims and returns the token", func(t *testing.T) {
		readPassword = func(int) ([]byte, error) { return []byte("  tok-123  "), nil }

		var buf bytes.Buffer
		got, err := PromptToken(&buf)

		require.NoError(t, err)
		assert.Equal(t, "tok-123", got)
		assert.Contains(t, buf.String(), "Session token:")
	})

	t.Run("propagates read errors", func(t *testing.T) {
		readPassword = func(int) ([]byte, error) { return nil, errors.New("no tty") }

		var buf bytes.Buffer
		_, err := PromptToken(&buf)

		assert.Error(t, err)
	})
}
