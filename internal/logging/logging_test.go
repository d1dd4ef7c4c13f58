package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParsesLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, New(Options{Level: "debug"}).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, New(Options{Level: "nonsense"}).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, New(Options{}).GetLevel())
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signaling.log")
	l := New(Options{Level: "info", File: path})

	l.Info().Str("room_id", "room_42").Msg("peer joined")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"room_id":"room_42"`)
}
