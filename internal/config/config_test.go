package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// isolate points the user config directory at an empty temp dir and clears
// LW_ variables so the host environment cannot leak in.
func isolate(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	for _, key := range Keys() {
		name := "LW_" + envName(key)
		if _, ok := os.LookupEnv(name); ok {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

func envName(key string) string {
	out := []byte(key)
	for i, c := range out {
		switch {
		case c == '.' || c == '-':
			out[i] = '_'
		case c >= 'a' && c <= 'z':
			out[i] = c - 'a' + 'A'
		}
	}
	return string(out)
}

func writeProjectConfig(t *testing.T, root, body string) string {
	t.Helper()
	dir := filepath.Join(root, ProjectDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := NewLoader(t.TempDir()).Load()
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:8080", cfg.ServerAddr)
	require.Equal(t, 8081, cfg.DashboardPort)
	require.Equal(t, 30*time.Second, cfg.IssuesStale)
	require.Equal(t, 60*time.Second, cfg.IssueStale)
	require.Equal(t, 250*time.Millisecond, cfg.WatchDebounce)
	require.Equal(t, filepath.Join(ProjectDir, "linework.db"), cfg.DBPath)
	require.Empty(t, cfg.File)
	require.False(t, cfg.Remote())
}

// TestLoad_WalksUp tests that a project config in a parent directory is
// found from a nested working directory.
func TestLoad_WalksUp(t *testing.T) {
	isolate(t)

	root := t.TempDir()
	path := writeProjectConfig(t, root, `
server:
  url: http://tracker.local:8080/
team: 3f1c2a9e-8d4b-4c6a-9f0e-1b2c3d4e5f60
cache:
  issues_stale: 5s
`)
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	loader := NewLoader(nested)
	cfg, err := loader.Load()
	require.NoError(t, err)

	require.Equal(t, path, cfg.File)
	require.Equal(t, "http://tracker.local:8080", cfg.ServerURL)
	require.True(t, cfg.Remote())
	require.Equal(t, "3f1c2a9e-8d4b-4c6a-9f0e-1b2c3d4e5f60", cfg.Team)
	require.Equal(t, 5*time.Second, cfg.IssuesStale)
	require.Equal(t, SourceConfigFile, loader.Source(KeyTeam))
	require.Equal(t, SourceDefault, loader.Source(KeyDashboardPort))
}

func TestLoad_UserConfigFallback(t *testing.T) {
	isolate(t)

	configDir, err := os.UserConfigDir()
	require.NoError(t, err)
	dir := filepath.Join(configDir, "lw")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("dashboard:\n  port: 9000\n"), 0o644))

	cfg, err := NewLoader(t.TempDir()).Load()
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.DashboardPort)
}

// TestLoad_Precedence tests flag > env > file.
func TestLoad_Precedence(t *testing.T) {
	isolate(t)

	root := t.TempDir()
	writeProjectConfig(t, root, "auth:\n  token: from-file\ndb:\n  path: file.db\n")
	t.Setenv("LW_AUTH_TOKEN", "from-env")
	t.Setenv("LW_DB_PATH", "env.db")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("db", "", "database path")
	require.NoError(t, flags.Parse([]string{"--db", "flag.db"}))

	loader := NewLoader(root)
	require.NoError(t, loader.BindFlag(KeyDBPath, flags.Lookup("db")))

	cfg, err := loader.Load()
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.AuthToken)
	require.Equal(t, "flag.db", cfg.DBPath)
	require.Equal(t, SourceEnvVar, loader.Source(KeyAuthToken))
	require.Equal(t, SourceFlag, loader.Source(KeyDBPath))
}

func TestLoad_Invalid(t *testing.T) {
	isolate(t)

	root := t.TempDir()
	writeProjectConfig(t, root, "dashboard:\n  port: 70000\n")
	_, err := NewLoader(root).Load()
	require.ErrorContains(t, err, KeyDashboardPort)

	bad := t.TempDir()
	writeProjectConfig(t, bad, "server: [unclosed\n")
	_, err = NewLoader(bad).Load()
	require.ErrorContains(t, err, "error reading config file")
}

func TestBindFlag_Nil(t *testing.T) {
	isolate(t)
	require.Error(t, NewLoader(t.TempDir()).BindFlag(KeyTeam, nil))
}
