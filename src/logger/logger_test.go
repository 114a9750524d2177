package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestInitLoggerWritesFile tests level parsing and the file copy
func TestInitLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emulator.log")
	InitLogger("warn", "", path)
	t.Cleanup(func() {
		CloseLogger()
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})

	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	log.Info().Msg("dropped")
	log.Warn().Str("security", "SBER@TQBR").Msg("kept")
	CloseLogger()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"kept"`)
	assert.Contains(t, string(data), `"service":"market-emulator"`)
	assert.NotContains(t, string(data), "dropped")
}

// TestInitLoggerFallsBack tests an unknown level and an unwritable file
func TestInitLoggerFallsBack(t *testing.T) {
	InitLogger("loud", "pretty", filepath.Join(t.TempDir(), "missing", "x.log"))
	t.Cleanup(CloseLogger)

	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
	assert.Nil(t, logFile)
}
