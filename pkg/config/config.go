// Package config handles Minifly's own configuration: the fields here are
// all in PascalCase but in your actual config.yml they'll be in camelCase,
// the same convention the teacher (lazydocker) uses for its UserConfig. You
// can view the effective config with `minifly --config`. Because of the way
// the user config is merged with the defaults you may need to be careful:
// if you set a yaml key but give it no child values, it will scrap all the
// defaults under that key.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/OpenPeeDeeP/xdg"
	yaml "github.com/jesseduffield/yaml"
)

// UserConfig holds the tunables an operator may override in config.yml.
type UserConfig struct {
	// Server is for the HTTP API surface (C8).
	Server ServerConfig `yaml:"server,omitempty"`

	// Lease is for default lease durations (§3, §4.6).
	Lease LeaseConfig `yaml:"lease,omitempty"`

	// Reconcile tunes the lifecycle manager's reconciliation sweep (§4.6, §5).
	Reconcile ReconcileConfig `yaml:"reconcile,omitempty"`

	// LiteFS tunes the replicated-SQLite supervisor (§4.7).
	LiteFS LiteFSConfig `yaml:"litefs,omitempty"`

	// Events tunes log/event retention (§9 Open Questions).
	Events EventsConfig `yaml:"events,omitempty"`
}

// ServerConfig configures the HTTP API surface.
type ServerConfig struct {
	// Addr is the address the HTTP API listens on.
	Addr string `yaml:"addr,omitempty"`

	// DNSAddr is the address the optional UDP DNS front-end listens on. Empty
	// disables it (the in-process registry is still used by the resolver's
	// debug API regardless).
	DNSAddr string `yaml:"dnsAddr,omitempty"`

	// AuthToken, when set, is compared against the Authorization: Bearer
	// header on every request. Empty means dev mode: all requests accepted.
	AuthToken string `yaml:"authToken,omitempty"`

	// RequestTimeout bounds every HTTP request's deadline (§5).
	RequestTimeout time.Duration `yaml:"requestTimeout,omitempty"`

	// SSEHeartbeat is how often a heartbeat comment is sent on a following
	// log stream (§4.8).
	SSEHeartbeat time.Duration `yaml:"sseHeartbeat,omitempty"`
}

// LeaseConfig configures lease defaults.
type LeaseConfig struct {
	// DefaultTTL is how long a newly acquired lease is valid for absent an
	// explicit ttl in the request.
	DefaultTTL time.Duration `yaml:"defaultTTL,omitempty"`
}

// ReconcileConfig configures the reconciliation sweep.
type ReconcileConfig struct {
	// SweepInterval is the throttle period between periodic sweeps.
	SweepInterval time.Duration `yaml:"sweepInterval,omitempty"`

	// MaxConcurrent bounds the fan-out of a single sweep (§5).
	MaxConcurrent int `yaml:"maxConcurrent,omitempty"`

	// StopGrace is the default grace period used for stop(grace) when the
	// caller does not specify one.
	StopGrace time.Duration `yaml:"stopGrace,omitempty"`
}

// LiteFSConfig configures the replicated-SQLite supervisor.
type LiteFSConfig struct {
	// BinaryPath is the litefs executable to launch; looked up on $PATH if
	// relative. A missing binary degrades to a warning (§4.7).
	BinaryPath string `yaml:"binaryPath,omitempty"`

	// MaxRestarts is how many times the supervisor restarts a crashed child
	// within RestartWindow before giving up and failing the machine.
	MaxRestarts int `yaml:"maxRestarts,omitempty"`

	// RestartWindow is the rolling window MaxRestarts is counted over.
	RestartWindow time.Duration `yaml:"restartWindow,omitempty"`

	// StopGrace bounds how long the supervisor waits for the child to exit
	// on machine stop before SIGKILLing it.
	StopGrace time.Duration `yaml:"stopGrace,omitempty"`
}

// EventsConfig configures event/log retention (§9 Open Questions).
type EventsConfig struct {
	// MaxPerMachine is the retention bound on events per machine. The
	// trim that would apply it (store.TrimEvents) has no caller, so events
	// are not trimmed.
	MaxPerMachine int `yaml:"maxPerMachine,omitempty"`

	// MaxAge is the maximum age an event is kept regardless of count.
	MaxAge time.Duration `yaml:"maxAge,omitempty"`
}

// GetDefaultConfig returns the application default configuration. As with
// the teacher's GetDefaultConfig: do not default a bool to true, since false
// is the zero value and would be indistinguishable from "unset" on merge.
func GetDefaultConfig() UserConfig {
	return UserConfig{
		Server: ServerConfig{
			Addr:           "127.0.0.1:4280",
			RequestTimeout: 30 * time.Second,
			SSEHeartbeat:   15 * time.Second,
		},
		Lease: LeaseConfig{
			DefaultTTL: 13 * time.Second,
		},
		Reconcile: ReconcileConfig{
			SweepInterval: 5 * time.Second,
			MaxConcurrent: 16,
			StopGrace:     5 * time.Second,
		},
		LiteFS: LiteFSConfig{
			BinaryPath:    "litefs",
			MaxRestarts:   3,
			RestartWindow: 60 * time.Second,
			StopGrace:     5 * time.Second,
		},
		Events: EventsConfig{
			MaxPerMachine: 10_000,
			MaxAge:        30 * 24 * time.Hour,
		},
	}
}

// Config contains the base configuration fields required to run Minifly,
// combining build-time/flag-provided values with the on-disk UserConfig,
// mirroring the teacher's AppConfig/UserConfig split.
type Config struct {
	Debug      bool   `long:"debug" env:"DEBUG" default:"false"`
	Version    string `long:"version" env:"VERSION" default:"unversioned"`
	Commit     string `long:"commit" env:"COMMIT"`
	BuildDate  string `long:"build-date" env:"BUILD_DATE"`
	Name       string `long:"name" env:"NAME" default:"minifly"`
	Dev        bool   `long:"dev" env:"MINIFLY_DEV" default:"false"`
	DataRoot   string
	ConfigDir  string
	UserConfig *UserConfig
}

// New builds a Config, loading (and creating on first run) the on-disk
// config.yml the same way the teacher's NewAppConfig does.
func New(name, version, commit, date string, debug, dev bool, dataRoot string) (*Config, error) {
	configDir, err := findOrCreateConfigDir(name)
	if err != nil {
		return nil, err
	}

	if dataRoot == "" {
		dataRoot = filepath.Join(configDir, "data")
	}
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		return nil, err
	}

	userConfig, err := loadUserConfigWithDefaults(configDir)
	if err != nil {
		return nil, err
	}

	return &Config{
		Name:       name,
		Version:    version,
		Commit:     commit,
		BuildDate:  date,
		Debug:      debug || os.Getenv("DEBUG") == "TRUE",
		Dev:        dev,
		DataRoot:   dataRoot,
		ConfigDir:  configDir,
		UserConfig: userConfig,
	}, nil
}

func configDirForVendor(vendor string, projectName string) string {
	if envConfigDir := os.Getenv("MINIFLY_CONFIG_DIR"); envConfigDir != "" {
		return envConfigDir
	}
	configDirs := xdg.New(vendor, projectName)
	return configDirs.ConfigHome()
}

func findOrCreateConfigDir(projectName string) (string, error) {
	folder := configDirForVendor("", projectName)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", err
	}
	return folder, nil
}

func loadUserConfigWithDefaults(configDir string) (*UserConfig, error) {
	base := GetDefaultConfig()
	return loadUserConfig(configDir, &base)
}

func loadUserConfig(configDir string, base *UserConfig) (*UserConfig, error) {
	fileName := filepath.Join(configDir, "config.yml")

	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			file, ferr := os.Create(fileName)
			if ferr != nil {
				return nil, ferr
			}
			file.Close()
		} else {
			return nil, err
		}
	}

	content, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(content, base); err != nil {
		return nil, err
	}

	return base, nil
}

// ConfigFilename returns the filename of the current config file.
func (c *Config) ConfigFilename() string {
	return filepath.Join(c.ConfigDir, "config.yml")
}

// DataPath joins segments under the configured data root (§6 filesystem
// layout: <data-root>/<app>/<machine-id>/...).
func (c *Config) DataPath(segments ...string) string {
	return filepath.Join(append([]string{c.DataRoot}, segments...)...)
}

// SecretsPath returns the path to a secrets file in the invocation
// directory, per §6 ("secrets.default", "secrets.<app>").
func SecretsPath(invocationDir, app string) string {
	if app == "" {
		return filepath.Join(invocationDir, "secrets.default")
	}
	return filepath.Join(invocationDir, "secrets."+app)
}

// EncodeEffective renders the UserConfig as YAML, for `--config`.
func (c *Config) EncodeEffective() (string, error) {
	var sb strings.Builder
	enc := yaml.NewEncoder(&sb)
	if err := enc.Encode(c.UserConfig); err != nil {
		return "", err
	}
	return sb.String(), nil
}
