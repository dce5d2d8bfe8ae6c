// Package config loads the server's TOML configuration file: listening
// port, upstream host/port, the two access tokens, and the update-rate
// hints.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full set of values the fan-out server and its upstream
// adapter need at startup.
type Config struct {
	// Listen is the viewer-facing TCP listen address, e.g. ":5900".
	Listen string `toml:"listen"`

	// UpstreamHost and UpstreamPort locate the screen source this
	// instance connects to as a client.
	UpstreamHost string `toml:"upstream_host"`
	UpstreamPort int    `toml:"upstream_port"`

	// UpstreamToken authenticates this server to the upstream source.
	UpstreamToken string `toml:"upstream_token"`

	// ViewerToken is the single shared secret every viewer must present.
	ViewerToken string `toml:"viewer_token"`

	// FramebufferWidth and FramebufferHeight size the synthetic
	// framebuffer used when no real upstream capture adapter is wired in.
	FramebufferWidth  int `toml:"framebuffer_width"`
	FramebufferHeight int `toml:"framebuffer_height"`

	// QualityHint (1-10, higher is better) scales the synthetic upstream
	// adapter's tick rate; UpdateIntervalMS is the base interval it
	// scales. Core fan-out/codec behavior does not change with quality —
	// this only affects how often the upstream source itself ticks.
	QualityHint      int `toml:"quality_hint"`
	UpdateIntervalMS int `toml:"update_interval_ms"`

	// MaxRects overrides the per-session dirty-rectangle limit before a
	// session collapses to a full-framebuffer update. Zero or negative
	// falls back to session.DefaultMaxRects.
	MaxRects int `toml:"max_rects"`

	// MetricsListen is the address the Prometheus /metrics endpoint binds
	// to. Empty disables it.
	MetricsListen string `toml:"metrics_listen"`
}

// UpdateInterval returns UpdateIntervalMS as a time.Duration, defaulting
// to 100ms when unset or non-positive.
func (c Config) UpdateInterval() time.Duration {
	if c.UpdateIntervalMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.UpdateIntervalMS) * time.Millisecond
}

// Load parses the TOML file at path and fills in defaults for the listen
// address and framebuffer size when they are left at their zero value.
func Load(path string) (Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, fmt.Errorf("config: loading %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":5900"
	}
	if c.FramebufferWidth <= 0 {
		c.FramebufferWidth = 1024
	}
	if c.FramebufferHeight <= 0 {
		c.FramebufferHeight = 768
	}
}

func (c Config) validate() error {
	if c.ViewerToken == "" {
		return fmt.Errorf("config: viewer_token must not be empty")
	}
	return nil
}
