package manifest

import (
	yaml "github.com/jesseduffield/yaml"
)

// LiteFSConfig is the subset of the production replicated-SQLite config
// Minifly understands, decoded with jesseduffield/yaml — the same fork the
// teacher uses for its own UserConfig, reused here for a second document
// instead of reaching for a different YAML library.
type LiteFSConfig struct {
	FUSE  FUSEConfig  `yaml:"fuse"`
	Data  DataConfig  `yaml:"data"`
	Lease LeaseConfig `yaml:"lease"`
	Proxy ProxyConfig `yaml:"proxy"`
	Log   LogConfig   `yaml:"log"`
	Exec  []ExecEntry `yaml:"exec"`
}

type FUSEConfig struct {
	Dir string `yaml:"dir"`
}

type DataConfig struct {
	Dir string `yaml:"dir"`
}

// LeaseConfig mirrors the production document's lease block, including the
// consul.* fields the adapter strips.
type LeaseConfig struct {
	Type         string       `yaml:"type"`
	Candidate    bool         `yaml:"candidate"`
	AdvertiseURL string       `yaml:"advertise-url"`
	Consul       *ConsulBlock `yaml:"consul,omitempty"`
}

type ConsulBlock struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

type ProxyConfig struct {
	Addr   string `yaml:"addr"`
	Target string `yaml:"target"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ExecEntry struct {
	Cmd string `yaml:"cmd"`
}

// ParseLiteFSConfig decodes a YAML replicated-SQLite config document.
func ParseLiteFSConfig(data []byte) (*LiteFSConfig, error) {
	var cfg LiteFSConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal renders the config back to YAML for materializing at the
// per-machine config path (§4.7).
func (c *LiteFSConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
