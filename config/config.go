package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	coretypes "github.com/projecteru2/core/types"
	"github.com/tidwall/jsonc"

	"github.com/cocoonstack/nbinteract/binder"
	"github.com/cocoonstack/nbinteract/eventstream"
	"github.com/cocoonstack/nbinteract/interact"
)

// Config holds global nbinteract configuration.
type Config struct {
	// Spec is the BinderHub repository spec, e.g. "SamLau95/nbinteract-image/master".
	// Env: NBINTERACT_SPEC.
	Spec string `json:"spec" mapstructure:"spec"`
	// BaseURL is the BinderHub deployment. Default: https://mybinder.org.
	BaseURL string `json:"base_url" mapstructure:"base_url"`
	// Provider is the BinderHub repo provider. Default: gh.
	Provider string `json:"provider" mapstructure:"provider"`
	// NbURL points at an already running notebook server and bypasses
	// BinderHub entirely.
	NbURL string `json:"nb_url" mapstructure:"nb_url"`
	// Local uses http://localhost:8888 when NbURL is empty.
	Local bool `json:"local" mapstructure:"local"`
	// Token authenticates against NbURL.
	Token string `json:"token" mapstructure:"token"`
	// RootDir holds the session cache. Default: ~/.cache/nbinteract.
	RootDir string `json:"root_dir" mapstructure:"root_dir"`

	HeartbeatSeconds      int `json:"heartbeat_seconds" mapstructure:"heartbeat_seconds"`
	DebounceMS            int `json:"debounce_ms" mapstructure:"debounce_ms"`
	MaxConnectionAttempts int `json:"max_connection_attempts" mapstructure:"max_connection_attempts"`
	RetryDelayMS          int `json:"retry_delay_ms" mapstructure:"retry_delay_ms"`
	// KernelStartSeconds bounds the wait for a kernel to leave "starting".
	KernelStartSeconds int `json:"kernel_start_seconds" mapstructure:"kernel_start_seconds"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	root := filepath.Join(os.TempDir(), "nbinteract")
	if dir, err := os.UserCacheDir(); err == nil {
		root = filepath.Join(dir, "nbinteract")
	}
	return &Config{
		Spec:                  binder.DefaultSpec,
		BaseURL:               binder.DefaultBaseURL,
		Provider:              binder.DefaultProvider,
		RootDir:               root,
		HeartbeatSeconds:      int(interact.DefaultHeartbeatInterval / time.Second),
		DebounceMS:            int(interact.DefaultDebounce / time.Millisecond),
		MaxConnectionAttempts: binder.DefaultMaxConnectionAttempts,
		RetryDelayMS:          int(eventstream.DefaultRetryDelay / time.Millisecond),
		KernelStartSeconds:    int(interact.DefaultKernelStartTimeout / time.Second),
		Log:                   coretypes.ServerLogConfig{Level: "info"},
	}
}

// Validate rejects settings that cannot work.
func (c *Config) Validate() error {
	if c.NbURL == "" && !c.Local {
		if c.BaseURL == "" || c.Provider == "" || c.Spec == "" {
			return fmt.Errorf("base_url, provider and spec are required unless nb_url or local is set")
		}
	}
	if c.RootDir == "" {
		return fmt.Errorf("root_dir is required")
	}
	return nil
}

// Normalize fills zero values from DefaultConfig.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = def.HeartbeatSeconds
	}
	if c.DebounceMS <= 0 {
		c.DebounceMS = def.DebounceMS
	}
	if c.MaxConnectionAttempts <= 0 {
		c.MaxConnectionAttempts = def.MaxConnectionAttempts
	}
	if c.RetryDelayMS <= 0 {
		c.RetryDelayMS = def.RetryDelayMS
	}
	if c.KernelStartSeconds <= 0 {
		c.KernelStartSeconds = def.KernelStartSeconds
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

func (c *Config) Debounce() time.Duration { return time.Duration(c.DebounceMS) * time.Millisecond }

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

func (c *Config) KernelStartTimeout() time.Duration {
	return time.Duration(c.KernelStartSeconds) * time.Second
}

// HubConfig maps the configuration onto binder.Config.
func (c *Config) HubConfig() binder.Config {
	return binder.Config{
		BaseURL:               c.BaseURL,
		Provider:              c.Provider,
		Spec:                  c.Spec,
		NbURL:                 c.NbURL,
		Local:                 c.Local,
		Token:                 c.Token,
		MaxConnectionAttempts: c.MaxConnectionAttempts,
		RetryDelay:            c.RetryDelay(),
	}
}

// Derived path helpers.

func (c *Config) CacheDir() string { return filepath.Join(c.RootDir, "cache") }

// EnsureDirs creates the static directories.
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.CacheDir(), 0o750); err != nil {
		return fmt.Errorf("create directory %s: %w", c.CacheDir(), err)
	}
	return nil
}

// IsJSONC reports whether path is a JSON-with-comments config file.
func IsJSONC(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".jsonc")
}

// ReadJSONC reads a JSON-with-comments file and returns plain JSON.
func ReadJSONC(path string) ([]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return jsonc.ToJSON(data), nil
}
