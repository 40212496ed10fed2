// Package config loads lw settings from config.yaml, LW_ environment
// variables and command-line flags.
//
// Precedence, highest first: flag, environment, config file, default. The
// config file is the first of:
//
//  1. .linework/config.yaml in the working directory or any parent
//  2. ~/.config/lw/config.yaml
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Keys
const (
	KeyServerAddr    = "server.addr"
	KeyServerURL     = "server.url"
	KeyAuthToken     = "auth.token"
	KeyDBPath        = "db.path"
	KeyDashboardPort = "dashboard.port"
	KeyIssuesStale   = "cache.issues_stale"
	KeyIssueStale    = "cache.issue_stale"
	KeyWatchDebounce = "watch.debounce"
	KeyLogFile       = "log.file"
	KeyTeam          = "team"
)

// ProjectDir is the per-project directory holding config.yaml.
const ProjectDir = ".linework"

// Source says where a value came from.
type Source string

const (
	SourceDefault    Source = "default"
	SourceConfigFile Source = "config_file"
	SourceEnvVar     Source = "env_var"
	SourceFlag       Source = "flag"
)

// Config is the resolved configuration.
type Config struct {
	ServerAddr    string
	ServerURL     string
	AuthToken     string
	DBPath        string
	DashboardPort int
	IssuesStale   time.Duration
	IssueStale    time.Duration
	WatchDebounce time.Duration
	LogFile       string
	Team          string

	// File is the config file that was read, empty when none was found
	File string
}

// Remote reports whether commands should talk to a server instead of
// opening the database directly.
func (c *Config) Remote() bool {
	return c.ServerURL != ""
}

// Loader resolves configuration for one process.
type Loader struct {
	v     *viper.Viper
	file  string
	flags map[string]*pflag.Flag
}

// NewLoader prepares a loader that searches for a project config starting
// at startDir. An empty startDir means the working directory.
func NewLoader(startDir string) *Loader {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault(KeyServerAddr, "127.0.0.1:8080")
	v.SetDefault(KeyServerURL, "")
	v.SetDefault(KeyAuthToken, "")
	v.SetDefault(KeyDBPath, filepath.Join(ProjectDir, "linework.db"))
	v.SetDefault(KeyDashboardPort, 8081)
	v.SetDefault(KeyIssuesStale, "30s")
	v.SetDefault(KeyIssueStale, "60s")
	v.SetDefault(KeyWatchDebounce, "250ms")
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyTeam, "")

	// LW_SERVER_URL maps to server.url
	v.SetEnvPrefix("LW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return &Loader{
		v:     v,
		file:  findConfigFile(startDir),
		flags: make(map[string]*pflag.Flag),
	}
}

// findConfigFile walks up from startDir looking for .linework/config.yaml,
// then falls back to the user config directory.
func findConfigFile(startDir string) string {
	if startDir == "" {
		if cwd, err := os.Getwd(); err == nil {
			startDir = cwd
		}
	}
	if startDir != "" {
		if abs, err := filepath.Abs(startDir); err == nil {
			for dir := abs; ; dir = filepath.Dir(dir) {
				configPath := filepath.Join(dir, ProjectDir, "config.yaml")
				if _, err := os.Stat(configPath); err == nil {
					return configPath
				}
				if dir == filepath.Dir(dir) {
					break
				}
			}
		}
	}

	if configDir, err := os.UserConfigDir(); err == nil {
		configPath := filepath.Join(configDir, "lw", "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}
	return ""
}

// SetFile overrides the discovered config file.
func (l *Loader) SetFile(path string) {
	l.file = path
}

// BindFlag lets flag override key when it is set on the command line.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag for %s", key)
	}
	if err := l.v.BindPFlag(key, flag); err != nil {
		return fmt.Errorf("failed to bind flag for %s: %w", key, err)
	}
	l.flags[key] = flag
	return nil
}

// Load reads the config file, if any, and returns the merged values.
func (l *Loader) Load() (*Config, error) {
	if l.file != "" {
		l.v.SetConfigFile(l.file)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{
		ServerAddr:    l.v.GetString(KeyServerAddr),
		ServerURL:     strings.TrimRight(l.v.GetString(KeyServerURL), "/"),
		AuthToken:     l.v.GetString(KeyAuthToken),
		DBPath:        l.v.GetString(KeyDBPath),
		DashboardPort: l.v.GetInt(KeyDashboardPort),
		IssuesStale:   l.v.GetDuration(KeyIssuesStale),
		IssueStale:    l.v.GetDuration(KeyIssueStale),
		WatchDebounce: l.v.GetDuration(KeyWatchDebounce),
		LogFile:       l.v.GetString(KeyLogFile),
		Team:          l.v.GetString(KeyTeam),
		File:          l.file,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no command can run with.
func (c *Config) Validate() error {
	if c.DashboardPort < 0 || c.DashboardPort > 65535 {
		return fmt.Errorf("%s must be between 0 and 65535, got %d", KeyDashboardPort, c.DashboardPort)
	}
	for key, d := range map[string]time.Duration{
		KeyIssuesStale:   c.IssuesStale,
		KeyIssueStale:    c.IssueStale,
		KeyWatchDebounce: c.WatchDebounce,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", key, d)
		}
	}
	if c.DBPath == "" && c.ServerURL == "" {
		return fmt.Errorf("either %s or %s must be set", KeyDBPath, KeyServerURL)
	}
	return nil
}

// Get returns the effective raw value of key.
func (l *Loader) Get(key string) any {
	return l.v.Get(key)
}

// Source reports where the value of key came from.
func (l *Loader) Source(key string) Source {
	if f, ok := l.flags[key]; ok && f.Changed {
		return SourceFlag
	}
	envKey := "LW_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
	if _, ok := os.LookupEnv(envKey); ok {
		return SourceEnvVar
	}
	if l.v.InConfig(key) {
		return SourceConfigFile
	}
	return SourceDefault
}

// Keys lists every known key in sorted order.
func Keys() []string {
	return []string{
		KeyAuthToken,
		KeyIssueStale,
		KeyIssuesStale,
		KeyDashboardPort,
		KeyDBPath,
		KeyLogFile,
		KeyServerAddr,
		KeyServerURL,
		KeyTeam,
		KeyWatchDebounce,
	}
}
