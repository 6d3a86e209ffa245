// Package config holds the hostsync agent configuration.
//
// Config is read from $XDG_CONFIG_HOME/hostsync/config.yaml (defaults to
// ~/.config/hostsync/config.yaml) or an explicit --config path. Command-line
// flags override file values.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"hostsync/internal/logging"
	"hostsync/internal/reconcile"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// PasswordEnv is consulted for a registry password that has no entry of its own.
const PasswordEnv = "HOSTSYNC_REGISTRY_PASSWORD"

var _ reconcile.CredentialResolver = (*Config)(nil)

// Source selects where the desired state comes from. Exactly one of File and
// RemoteURL is set.
type Source struct {
	File      string            `yaml:"file,omitempty"`
	Watch     bool              `yaml:"watch,omitempty"`
	RemoteURL string            `yaml:"remote_url,omitempty"`
	DeviceID  string            `yaml:"device_id,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
}

// Ownership overrides the labels that mark managed containers.
type Ownership struct {
	IDLabel      string `yaml:"id_label,omitempty"`
	VersionLabel string `yaml:"version_label,omitempty"`
}

// LoggingPolicy bounds container log files.
type LoggingPolicy struct {
	Driver  string `yaml:"driver"`
	MaxSize string `yaml:"max_size"`
	MaxFile string `yaml:"max_file"`
}

// Log configures the agent's own logs.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Journal configures the optional SQLite cycle journal.
type Journal struct {
	Path      string `yaml:"path,omitempty"`
	Retention int    `yaml:"retention,omitempty"`
}

// Registry holds the secret half of a registry login. The username and
// registry come from the desired state.
type Registry struct {
	Password    string `yaml:"password,omitempty"`
	PasswordEnv string `yaml:"password_env,omitempty"`
}

type Config struct {
	Source         Source              `yaml:"source"`
	Interval       time.Duration       `yaml:"interval"`
	Parallelism    int                 `yaml:"parallelism"`
	PruneImages    bool                `yaml:"prune_images"`
	SkipImageCheck bool                `yaml:"skip_image_check"`
	ReportStatus   bool                `yaml:"report_status"`
	RuntimeTimeout time.Duration       `yaml:"runtime_timeout"`
	HTTPTimeout    time.Duration       `yaml:"http_timeout"`
	Ownership      Ownership           `yaml:"ownership,omitempty"`
	LoggingPolicy  LoggingPolicy       `yaml:"logging_policy"`
	Log            Log                 `yaml:"log"`
	Journal        Journal             `yaml:"journal,omitempty"`
	MetricsAddr    string              `yaml:"metrics_addr,omitempty"`
	OTLPEndpoint   string              `yaml:"otlp_endpoint,omitempty"`
	Registries     map[string]Registry `yaml:"registries,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	policy := reconcile.DefaultLogPolicy()
	return &Config{
		Interval:       reconcile.DefaultInterval,
		Parallelism:    1,
		RuntimeTimeout: 2 * time.Minute,
		HTTPTimeout:    30 * time.Second,
		LoggingPolicy:  LoggingPolicy{Driver: policy.Driver, MaxSize: policy.MaxSize, MaxFile: policy.MaxFile},
		Log:            Log{Level: logging.LevelInfo, Format: logging.FormatText},
		Registries:     make(map[string]Registry),
	}
}

// Path returns the default config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/hostsync/config.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "hostsync", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "hostsync", "config.yaml")
}

// Load reads the config file at path, or at Path() when path is empty. A
// missing default file yields Default(); a missing explicit path is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = Path()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Registries == nil {
		cfg.Registries = make(map[string]Registry)
	}
	return cfg, nil
}

// Validate checks the settings a run needs.
func (c *Config) Validate() error {
	var errs []error
	file, remote := strings.TrimSpace(c.Source.File), strings.TrimSpace(c.Source.RemoteURL)
	switch {
	case file == "" && remote == "":
		errs = append(errs, errors.New("a desired state source is required: set source.file or source.remote_url"))
	case file != "" && remote != "":
		errs = append(errs, errors.New("source.file and source.remote_url are mutually exclusive"))
	case remote != "":
		u, err := url.Parse(remote)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("source.remote_url %q must be an absolute http(s) url", remote))
		}
		if strings.TrimSpace(c.Source.DeviceID) == "" {
			errs = append(errs, errors.New("source.device_id is required with source.remote_url"))
		}
	}
	if c.Source.Watch && file == "" {
		errs = append(errs, errors.New("source.watch requires source.file"))
	}
	if c.ReportStatus && remote == "" {
		errs = append(errs, errors.New("report_status requires source.remote_url"))
	}

	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %s", c.Interval))
	}
	if c.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("parallelism must be at least 1, got %d", c.Parallelism))
	}
	if c.RuntimeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("runtime_timeout must be positive, got %s", c.RuntimeTimeout))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("http_timeout must be positive, got %s", c.HTTPTimeout))
	}

	if strings.TrimSpace(c.LoggingPolicy.Driver) == "" {
		errs = append(errs, errors.New("logging_policy.driver is required"))
	}
	if c.LoggingPolicy.MaxSize != "" {
		if _, err := units.RAMInBytes(c.LoggingPolicy.MaxSize); err != nil {
			errs = append(errs, fmt.Errorf("logging_policy.max_size: %w", err))
		}
	}
	if c.LoggingPolicy.MaxFile != "" {
		if n, err := strconv.Atoi(c.LoggingPolicy.MaxFile); err != nil || n < 1 {
			errs = append(errs, fmt.Errorf("logging_policy.max_file must be a positive integer, got %q", c.LoggingPolicy.MaxFile))
		}
	}
	if err := logging.Validate(c.Log.Level, c.Log.Format); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if c.Journal.Retention < 0 {
		errs = append(errs, fmt.Errorf("journal.retention must not be negative, got %d", c.Journal.Retention))
	}
	return errors.Join(errs...)
}

// ReconcileOwnership returns the ownership scope, defaults filled in.
func (c *Config) ReconcileOwnership() reconcile.Ownership {
	o := reconcile.DefaultOwnership()
	if v := strings.TrimSpace(c.Ownership.IDLabel); v != "" {
		o.IDLabel = v
	}
	if v := strings.TrimSpace(c.Ownership.VersionLabel); v != "" {
		o.VersionLabel = v
	}
	return o
}

// ReconcileLogPolicy returns the container logging policy.
func (c *Config) ReconcileLogPolicy() reconcile.LogPolicy {
	return reconcile.LogPolicy{
		Driver:  c.LoggingPolicy.Driver,
		MaxSize: c.LoggingPolicy.MaxSize,
		MaxFile: c.LoggingPolicy.MaxFile,
	}
}

// RegistryPassword resolves the password for a registry login. Entries match
// on the registry as written or with its scheme and trailing slash removed.
// Without a matching entry the PasswordEnv variable is used.
func (c *Config) RegistryPassword(registry, _ string) (string, bool) {
	for _, key := range []string{registry, normalizeRegistry(registry)} {
		entry, ok := c.Registries[key]
		if !ok {
			continue
		}
		if entry.Password != "" {
			return entry.Password, true
		}
		if entry.PasswordEnv != "" {
			if pw := os.Getenv(entry.PasswordEnv); pw != "" {
				return pw, true
			}
		}
	}
	if pw := os.Getenv(PasswordEnv); pw != "" {
		return pw, true
	}
	return "", false
}

func normalizeRegistry(registry string) string {
	r := strings.TrimSpace(registry)
	if i := strings.Index(r, "://"); i >= 0 {
		r = r[i+3:]
	}
	return strings.TrimRight(r, "/")
}
