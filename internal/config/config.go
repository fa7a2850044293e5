// Package config loads the monerodctl YAML configuration, persists the node
// settings consumed by the supervisor and renders the monerod config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default network endpoints and timings.
const (
	DefaultProxyPort        = 8081
	DefaultAPIHost          = "127.0.0.1"
	DefaultAPIPort          = 8320
	DefaultDaemonHost       = "127.0.0.1"
	DefaultVersionCheckURL  = "https://downloads.getmonero.org/cli/linux64"
	DefaultDownloadBaseURL  = "https://downloads.getmonero.org/cli/"
	DefaultWarmupDelay      = 3 * time.Second
	DefaultReadinessTries   = 15
	DefaultReadinessSpacing = 2 * time.Second
	DefaultStatusInterval   = 5 * time.Second
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Proxy configures the external JSON-RPC gateway.
	Proxy ProxyConfig `yaml:"proxy" json:"proxy"`

	// API configures the local control API.
	API APIConfig `yaml:"api" json:"api"`

	// Paths holds on-disk locations.
	Paths PathsConfig `yaml:"paths" json:"paths"`

	// Release describes where artifacts and version information come from.
	Release ReleaseConfig `yaml:"release" json:"release"`

	Timing TimingConfig `yaml:"timing" json:"timing"`

	// LogLevel is one of debug, info, warn, error, quiet.
	LogLevel string `yaml:"log-level" json:"log-level"`

	// LoggingToFile enables the rotating log file under Paths.LogDir.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	LogMaxSizeMB  int `yaml:"log-max-size-mb" json:"log-max-size-mb"`
	LogMaxBackups int `yaml:"log-max-backups" json:"log-max-backups"`

	// MetricsEnabled turns on Prometheus collection and the /metrics endpoint.
	MetricsEnabled bool `yaml:"metrics-enabled" json:"metrics-enabled"`
}

// ProxyConfig configures the reverse proxy gateway.
type ProxyConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
	// DaemonHost is the address the proxy and RPC client dial to reach monerod.
	DaemonHost string `yaml:"daemon-host" json:"daemon-host"`
}

// APIConfig configures the control API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
}

// PathsConfig holds directory locations. Empty values are derived from BaseDir.
type PathsConfig struct {
	// BaseDir is the root for bin/, config/, blockchain/ and state.
	BaseDir string `yaml:"base-dir" json:"base-dir"`
	// BundledDir may contain a prebuilt libmonerod.so shipped with the host package.
	BundledDir string `yaml:"bundled-dir" json:"bundled-dir"`
	// ExternalDir is used for the blockchain when external storage is selected.
	ExternalDir string `yaml:"external-dir" json:"external-dir"`
	StateDir    string `yaml:"state-dir" json:"state-dir"`
	CacheDir    string `yaml:"cache-dir" json:"cache-dir"`
	LogDir      string `yaml:"log-dir" json:"log-dir"`
}

// ReleaseConfig configures artifact download and verification.
type ReleaseConfig struct {
	// DownloadURLs overrides the per-architecture artifact URL, keyed by arch id (e.g. androidarm8).
	DownloadURLs map[string]string `yaml:"download-urls,omitempty" json:"download-urls,omitempty"`
	// VersionCheckURL is HEAD-requested; its redirect Location carries the latest version.
	VersionCheckURL string `yaml:"version-check-url" json:"version-check-url"`
	// HashesURL points at a clearsigned hashes.txt. Verification is skipped when empty.
	HashesURL string `yaml:"hashes-url,omitempty" json:"hashes-url,omitempty"`
	// SigningKeyFile is an armored OpenPGP public key used to check HashesURL.
	SigningKeyFile string `yaml:"signing-key-file,omitempty" json:"signing-key-file,omitempty"`
	// ProxyURL routes downloads through an HTTP(S) or SOCKS5 proxy.
	ProxyURL  string `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`
	UserAgent string `yaml:"user-agent,omitempty" json:"user-agent,omitempty"`
}

// TimingConfig tunes supervisor and poller intervals.
type TimingConfig struct {
	WarmupDelay      time.Duration `yaml:"warmup-delay" json:"warmup-delay"`
	ReadinessTries   int           `yaml:"readiness-tries" json:"readiness-tries"`
	ReadinessSpacing time.Duration `yaml:"readiness-spacing" json:"readiness-spacing"`
	StatusInterval   time.Duration `yaml:"status-interval" json:"status-interval"`
}

// Default returns a Config with every default applied for baseDir.
func Default(baseDir string) *Config {
	cfg := &Config{
		Proxy:    ProxyConfig{Enabled: true},
		API:      APIConfig{Enabled: true},
		Paths:    PathsConfig{BaseDir: baseDir},
		LogLevel: "info",
	}
	cfg.applyDefaults()
	return cfg
}

// DefaultBaseDir returns $XDG_DATA_HOME/monerodctl or ~/.monerodctl.
func DefaultBaseDir() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); xdg != "" {
		return filepath.Join(xdg, "monerodctl")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".monerodctl"
	}
	return filepath.Join(home, ".monerodctl")
}

// LoadConfig reads a YAML configuration file. A missing file is an error.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads configFile; when optional is true a missing or
// empty file yields the defaults instead of an error.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := &Config{
		Proxy:    ProxyConfig{Enabled: true},
		API:      APIConfig{Enabled: true},
		LogLevel: "info",
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			if optional {
				fallback := Default("")
				return fallback, nil
			}
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Proxy.Port == 0 {
		c.Proxy.Port = DefaultProxyPort
	}
	if c.Proxy.DaemonHost == "" {
		c.Proxy.DaemonHost = DefaultDaemonHost
	}
	if c.API.Host == "" {
		c.API.Host = DefaultAPIHost
	}
	if c.API.Port == 0 {
		c.API.Port = DefaultAPIPort
	}

	if c.Paths.BaseDir == "" {
		c.Paths.BaseDir = DefaultBaseDir()
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = filepath.Join(c.Paths.BaseDir, "run")
	}
	if c.Paths.CacheDir == "" {
		c.Paths.CacheDir = filepath.Join(c.Paths.BaseDir, "cache")
	}
	if c.Paths.LogDir == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.BaseDir, "logs")
	}

	if c.Release.VersionCheckURL == "" {
		c.Release.VersionCheckURL = DefaultVersionCheckURL
	}
	if c.Release.UserAgent == "" {
		c.Release.UserAgent = "monerodctl"
	}

	if c.Timing.WarmupDelay <= 0 {
		c.Timing.WarmupDelay = DefaultWarmupDelay
	}
	if c.Timing.ReadinessTries <= 0 {
		c.Timing.ReadinessTries = DefaultReadinessTries
	}
	if c.Timing.ReadinessSpacing <= 0 {
		c.Timing.ReadinessSpacing = DefaultReadinessSpacing
	}
	if c.Timing.StatusInterval <= 0 {
		c.Timing.StatusInterval = DefaultStatusInterval
	}
}

// ValidateConfig checks port ranges and path consistency. It returns
// non-fatal warnings alongside a hard error for unusable values.
func ValidateConfig(cfg *Config) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var warnings []string
	for name, port := range map[string]int{"proxy.port": cfg.Proxy.Port, "api.port": cfg.API.Port} {
		if port < 0 || port > 65535 {
			return nil, fmt.Errorf("%s out of range: %d", name, port)
		}
	}
	if cfg.Proxy.Enabled && cfg.API.Enabled && cfg.Proxy.Port != 0 && cfg.Proxy.Port == cfg.API.Port && cfg.Proxy.Host == cfg.API.Host {
		return nil, fmt.Errorf("proxy and api share port %d", cfg.Proxy.Port)
	}
	if (cfg.Release.HashesURL == "") != (cfg.Release.SigningKeyFile == "") {
		warnings = append(warnings, "release verification needs both hashes-url and signing-key-file; verification disabled")
	}
	if cfg.API.Enabled && cfg.API.Host != "" && cfg.API.Host != "127.0.0.1" && cfg.API.Host != "localhost" {
		warnings = append(warnings, "control api bound to non-loopback host "+cfg.API.Host)
	}
	return warnings, nil
}

// BinDir is the writable install directory.
func (c *Config) BinDir() string { return filepath.Join(c.Paths.BaseDir, "bin") }

// DaemonConfigPath is where the rendered monerod.conf lives.
func (c *Config) DaemonConfigPath() string {
	return filepath.Join(c.Paths.BaseDir, "config", "monerod.conf")
}

// SettingsPath is the file backing FileSettings.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.Paths.BaseDir, "config", "settings.yaml")
}

// DataDir resolves the blockchain directory for the selected storage location.
func (c *Config) DataDir(useExternal bool) string {
	if useExternal && strings.TrimSpace(c.Paths.ExternalDir) != "" {
		return filepath.Join(c.Paths.ExternalDir, "blockchain")
	}
	return filepath.Join(c.Paths.BaseDir, "blockchain")
}

// VerificationEnabled reports whether both hashes URL and signing key are set.
func (c *Config) VerificationEnabled() bool {
	return c.Release.HashesURL != "" && c.Release.SigningKeyFile != ""
}
