// Package manifest is the production-config adapter (C5): it parses the
// production app manifest (TOML, via BurntSushi/toml — pulled in from the
// rest of the example pack since the teacher itself never needed a TOML
// reader) and the replicated-SQLite config (YAML, via jesseduffield/yaml,
// reusing the same library the teacher uses for its own UserConfig), then
// adapts both into a locally-runnable Plan. Adapt is a pure function of its
// AdaptInput, so the same inputs always produce the same Plan (spec §8's
// round-trip/fixed-point property).
package manifest

import (
	"bytes"

	"github.com/BurntSushi/toml"
)

// AppManifest is the subset of the production app manifest (fly.toml-style)
// Minifly understands. Keys it does not decode are not kept on the struct;
// ParseAppManifest returns them as a separate list so the caller can warn
// on them without rejecting the manifest.
type AppManifest struct {
	App           string            `toml:"app"`
	PrimaryRegion string            `toml:"primary_region"`
	Build         BuildConfig       `toml:"build"`
	Env           map[string]string `toml:"env"`
	Services      []ServiceConfig   `toml:"services"`
	Mounts        []MountConfig     `toml:"mounts"`
	Processes     map[string]string `toml:"processes"`
	Deploy        DeployConfig      `toml:"deploy"`
	Metrics       map[string]interface{} `toml:"metrics"`
	Statics       []map[string]interface{} `toml:"statics"`
	Experimental  map[string]interface{} `toml:"experimental"`
}

type BuildConfig struct {
	Dockerfile string            `toml:"dockerfile"`
	Args       map[string]string `toml:"args"`
}

type ServiceConfig struct {
	InternalPort       int          `toml:"internal_port"`
	Protocol           string       `toml:"protocol"`
	Ports              []PortConfig `toml:"ports"`
	Concurrency        *Concurrency `toml:"concurrency"`
	AutoStopMachines   bool         `toml:"auto_stop_machines"`
	AutoStartMachines  bool         `toml:"auto_start_machines"`
	MinMachinesRunning int          `toml:"min_machines_running"`
	TCPChecks          []TCPCheck   `toml:"tcp_checks"`
	HTTPChecks         []HTTPCheck  `toml:"http_checks"`
}

type PortConfig struct {
	Port     int      `toml:"port"`
	Handlers []string `toml:"handlers"`
}

type Concurrency struct {
	Type      string `toml:"type"`
	HardLimit int    `toml:"hard_limit"`
	SoftLimit int    `toml:"soft_limit"`
}

type TCPCheck struct {
	GracePeriod   string `toml:"grace_period"`
	Interval      string `toml:"interval"`
	Timeout       string `toml:"timeout"`
	RestartLimit  int    `toml:"restart_limit"`
}

type HTTPCheck struct {
	Interval     string `toml:"interval"`
	Timeout      string `toml:"timeout"`
	GracePeriod  string `toml:"grace_period"`
	Method       string `toml:"method"`
	Path         string `toml:"path"`
	RestartLimit int    `toml:"restart_limit"`
}

type MountConfig struct {
	Source      string `toml:"source"`
	Destination string `toml:"destination"`
}

type DeployConfig struct {
	Strategy       string `toml:"strategy"`
	MaxUnavailable string `toml:"max_unavailable"`
}

// ParseAppManifest decodes a TOML app manifest, returning the manifest plus
// the set of top-level keys BurntSushi/toml couldn't map onto a known
// field (surfaced by the adapter as warnings rather than errors).
func ParseAppManifest(data []byte) (*AppManifest, []string, error) {
	var m AppManifest
	meta, err := toml.Decode(string(bytes.TrimSpace(data)), &m)
	if err != nil {
		return nil, nil, err
	}

	var unrecognized []string
	for _, key := range meta.Undecoded() {
		unrecognized = append(unrecognized, key.String())
	}
	return &m, unrecognized, nil
}
