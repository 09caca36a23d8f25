package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func load(t *testing.T, fs *pflag.FlagSet, file string) (Settings, error) {
	t.Helper()
	// keep a developer's ~/.chatsync/config.yaml out of the test
	t.Setenv("HOME", t.TempDir())
	v, err := NewViper(fs)
	require.NoError(t, err)
	return Load(v, file)
}

func TestLoad_Defaults(t *testing.T) {
	s, err := load(t, newFlags(t), "")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8081", s.BackendURL)
	require.Equal(t, 5*time.Second, s.IdleTimeout)
	require.Equal(t, 30*time.Second, s.HardTimeout)
	require.Equal(t, 200*time.Millisecond, s.Debounce)
	require.Equal(t, "localhost:6379", s.Redis.Addr)
	require.False(t, s.Redis.Enabled)
	require.Equal(t, "info", s.Log.Level)
	require.Equal(t, 10, s.Log.MaxSizeMB)

	cfg := s.SessionDefaults()
	require.Equal(t, s.Model, cfg.Model)
	require.Equal(t, s.Temperature, cfg.Temperature)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
backend-url: http://from-file
model: file-model
temperature: 0.2
redis:
  enabled: true
  group: file-group
log:
  level: debug
`), 0o600))

	t.Setenv("CHATSYNC_MODEL", "env-model")
	t.Setenv("CHATSYNC_REDIS_ADDR", "redis:6380")

	s, err := load(t, newFlags(t, "--temperature", "1.1", "--idle-timeout", "2s"), file)
	require.NoError(t, err)
	require.Equal(t, "http://from-file", s.BackendURL)
	require.Equal(t, "env-model", s.Model)
	require.Equal(t, 1.1, s.Temperature)
	require.Equal(t, 2*time.Second, s.IdleTimeout)
	require.True(t, s.Redis.Enabled)
	require.Equal(t, "file-group", s.Redis.Group)
	require.Equal(t, "redis:6380", s.Redis.Addr)
	require.Equal(t, "debug", s.Log.Level)
	require.Equal(t, 2*time.Second, s.ControllerOptions().IdleTimeout)
}

func TestLoad_Validation(t *testing.T) {
	_, err := load(t, newFlags(t, "--temperature", "3"), "")
	require.Error(t, err)
	_, err = load(t, newFlags(t, "--idle-timeout", "1m", "--hard-timeout", "10s"), "")
	require.Error(t, err)
	_, err = load(t, newFlags(t), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadDotEnv_WalksUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("CHATSYNC_TEST_DOTENV=from-file\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("CHATSYNC_TEST_DOTENV") })

	path, err := LoadDotEnv(nested)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, ".env"), path)
	require.Equal(t, "from-file", os.Getenv("CHATSYNC_TEST_DOTENV"))
}
