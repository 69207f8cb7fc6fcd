package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// channelsDocument is the on-disk shape of channels.yaml.
type channelsDocument struct {
	Channels []string       `yaml:"channels"`
	Features map[string]bool `yaml:"features"`
}

// LoadChannelsYAML reads a channel-list/feature-flag document and merges it
// into c. Env-var-supplied channels take precedence: the YAML document only
// fills in channels when KISSBOT_CHANNELS was not set. A missing file is not
// an error — the document is optional per the core's "any hierarchical
// format" allowance.
func (c *Config) LoadChannelsYAML(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read channels document: %w", err)
	}

	var doc channelsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse channels document: %w", err)
	}

	if len(c.Channels) == 0 {
		c.Channels = doc.Channels
	}
	c.Features = doc.Features
	return nil
}

// FeatureEnabled reports whether a per-feature flag is set in the loaded
// channels document. Feature flags are treated opaquely by the core — no
// component interprets their names, they are only handed to external
// command-handler collaborators.
func (c *Config) FeatureEnabled(name string) bool {
	if c.Features == nil {
		return false
	}
	return c.Features[name]
}
