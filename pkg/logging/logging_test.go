package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestInit_WritesJSONToFile(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	path := filepath.Join(t.TempDir(), "chatsync.log")
	s := DefaultSettings()
	s.Level = "debug"
	s.Format = "json"
	s.File = path
	closer, err := Init(s)
	require.NoError(t, err)

	log.Debug().Str("component", "test").Msg("hello")
	log.Trace().Msg("hidden")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), `"component":"test"`)
	require.Contains(t, string(b), `"message":"hello"`)
	require.NotContains(t, string(b), "hidden")
	require.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestInit_RejectsUnknownValues(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	_, err := Init(Settings{Level: "loud"})
	require.Error(t, err)
	_, err = Init(Settings{Level: "info", Format: "xml"})
	require.Error(t, err)
}
