// Package config loads the warden host configuration.
//
// Configuration comes from a TOML file layered over Default, followed by
// WARDEN_<SECTION>_<KEY> environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/warden/internal/logging"
	"github.com/dshills/warden/internal/plugin/manifest"
)

// Config is the host configuration.
type Config struct {
	Host    HostConfig    `toml:"host"`
	Loader  LoaderConfig  `toml:"loader"`
	Trust   TrustConfig   `toml:"trust"`
	Broker  BrokerConfig  `toml:"broker"`
	Store   StoreConfig   `toml:"store"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
}

// HostConfig locates plugins and host data.
type HostConfig struct {
	APIVersion string `toml:"api_version"`
	PluginDir  string `toml:"plugin_dir"`
	DataDir    string `toml:"data_dir"`
	// Watch installs archives dropped into PluginDir while running.
	Watch bool `toml:"watch"`
}

// LoaderConfig tunes the isolated code loader. Empty lists keep the
// built-in security defaults.
type LoaderConfig struct {
	Strict         bool     `toml:"strict"`
	SharedLibs     []string `toml:"shared_libs"`
	HostModules    []string `toml:"host_modules"`
	DenyReferences []string `toml:"deny_references"`
	DenyPackages   []string `toml:"deny_packages"`
}

// TrustConfig configures signature verification.
type TrustConfig struct {
	// AuthorityURL is the base URL of the authority server. Empty means
	// only the local cache is consulted.
	AuthorityURL   string   `toml:"authority_url"`
	AuthorityCache string   `toml:"authority_cache"`
	AuthorityTTL   Duration `toml:"authority_ttl"`
}

// BrokerConfig configures the privilege broker child process.
type BrokerConfig struct {
	// Executable is the broker binary. Empty disables elevation.
	Executable        string   `toml:"executable"`
	GrantFile         string   `toml:"grant_file"`
	AutoAcceptTrusted bool     `toml:"auto_accept_trusted"`
	AutoAcceptPolicy  string   `toml:"auto_accept_policy"`
	RequestTimeout    Duration `toml:"request_timeout"`
	StartTimeout      Duration `toml:"start_timeout"`
	MaxRestarts       int      `toml:"max_restarts"`
}

// StoreConfig selects the plugin state store.
type StoreConfig struct {
	// Driver is "file" or "redis".
	Driver   string `toml:"driver"`
	Dir      string `toml:"dir"`
	RedisURL string `toml:"redis_url"`
}

// LogConfig configures the host logger.
type LogConfig struct {
	Level   string   `toml:"level"`
	Format  string   `toml:"format"`
	Outputs []string `toml:"outputs"`
}

// Logging converts the section for the logging package.
func (c LogConfig) Logging() logging.Config {
	return logging.Config{Level: c.Level, Format: c.Format, Outputs: c.Outputs}
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables it.
	Addr string `toml:"addr"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a configuration that works out of the box.
func Default() *Config {
	return &Config{
		Host: HostConfig{
			APIVersion: "1.0.0",
			PluginDir:  "plugins",
			DataDir:    "data",
			Watch:      true,
		},
		Trust: TrustConfig{
			AuthorityCache: "authorities.toml",
			AuthorityTTL:   Duration{24 * time.Hour},
		},
		Broker: BrokerConfig{
			Executable:     "warden-broker",
			GrantFile:      "grants",
			RequestTimeout: Duration{5 * time.Minute},
			StartTimeout:   Duration{10 * time.Second},
			MaxRestarts:    3,
		},
		Store: StoreConfig{
			Driver: "file",
			Dir:    "store",
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "text",
			Outputs: []string{"stderr"},
		},
	}
}

// Load reads path over Default, applies environment overrides from environ,
// and validates the result. An empty path skips the file.
func Load(path string, environ []string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
			}
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := decode(cfg, path, data); err != nil {
			return nil, err
		}
	}
	if err := NewEnvLoader(EnvPrefix).Apply(cfg, environ); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode merges TOML data into cfg. Unknown keys are errors.
func decode(cfg *Config, source string, data []byte) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		pe := &ParseError{Path: source, Message: err.Error(), Err: err}
		var de *toml.DecodeError
		if errors.As(err, &de) {
			pe.Line, pe.Column = de.Position()
		}
		var sm *toml.StrictMissingError
		if errors.As(err, &sm) {
			pe.Message = strings.TrimSpace(sm.String())
		}
		return pe
	}
	return nil
}

// Validate reports every inconsistent setting.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(path, msg string, value any) {
		errs = append(errs, &ValidationError{Path: path, Message: msg, Value: value})
	}

	if _, err := manifest.ParseVersion(c.Host.APIVersion); err != nil {
		invalid("host.api_version", "not a version", c.Host.APIVersion)
	}
	if c.Host.PluginDir == "" {
		invalid("host.plugin_dir", "required", c.Host.PluginDir)
	}
	if c.Trust.AuthorityTTL.Duration <= 0 {
		invalid("trust.authority_ttl", "must be positive", c.Trust.AuthorityTTL)
	}
	if c.Broker.RequestTimeout.Duration <= 0 {
		invalid("broker.request_timeout", "must be positive", c.Broker.RequestTimeout)
	}
	if c.Broker.StartTimeout.Duration <= 0 {
		invalid("broker.start_timeout", "must be positive", c.Broker.StartTimeout)
	}
	if c.Broker.MaxRestarts < 0 {
		invalid("broker.max_restarts", "must not be negative", c.Broker.MaxRestarts)
	}
	if c.Broker.Executable != "" && c.Broker.GrantFile == "" {
		invalid("broker.grant_file", "required when the broker is enabled", c.Broker.GrantFile)
	}
	switch c.Store.Driver {
	case "file":
		if c.Store.Dir == "" {
			invalid("store.dir", "required for the file driver", c.Store.Dir)
		}
	case "redis":
		if c.Store.RedisURL == "" {
			invalid("store.redis_url", "required for the redis driver", c.Store.RedisURL)
		}
	default:
		invalid("store.driver", "must be file or redis", c.Store.Driver)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		invalid("log.format", "must be text or json", c.Log.Format)
	}
	return errors.Join(errs...)
}

// DataPath resolves p against the data directory unless it is absolute.
func (c *Config) DataPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Host.DataDir, p)
}
