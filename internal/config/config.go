// Package config loads the declarative provider configuration this core
// runs against: the store location, per-provider environment variable
// names, and the refresh/backoff tuning knobs. It is a drastically
// trimmed sibling of a gin-server config layer: no HTTP-facing settings,
// no legacy-field migration, just what C1-C6 need to start.
package config

import "time"

// ProviderConfig declares one provider's env-var fallback chain.
type ProviderConfig struct {
	EnvVars []string `yaml:"env_vars,omitempty"`
}

// FileConfig is the on-disk shape, loaded from YAML.
type FileConfig struct {
	StorePath        string                    `yaml:"store_path"`
	RefreshAhead     time.Duration             `yaml:"refresh_ahead"`
	TransientBackoff time.Duration             `yaml:"transient_backoff"`
	UsageBackoff     time.Duration             `yaml:"usage_backoff"`
	Debug            bool                      `yaml:"debug"`
	LogFile          string                    `yaml:"log_file"`
	Providers        map[string]ProviderConfig `yaml:"providers"`
}

// Default returns the configuration this core starts with absent a file.
func Default() *FileConfig {
	return &FileConfig{
		StorePath:        "~/.authcore/credentials.db",
		RefreshAhead:     2 * time.Minute,
		TransientBackoff: 5 * time.Minute,
		UsageBackoff:     60 * time.Second,
		Providers:        map[string]ProviderConfig{},
	}
}

// ProviderEnvVars extracts the env_vars map the selector needs, skipping
// providers that declare none.
func (c *FileConfig) ProviderEnvVars() map[string][]string {
	out := make(map[string][]string, len(c.Providers))
	for name, p := range c.Providers {
		if len(p.EnvVars) > 0 {
			out[name] = p.EnvVars
		}
	}
	return out
}
