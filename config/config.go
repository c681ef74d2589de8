// Package config loads and validates the collector configuration file.
// The file is YAML; durations accept either Go duration strings ("10s")
// or bare numbers meaning seconds.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"

	"github.com/eltsu7/ruusti-tag/internal/transport"
)

// Duration is a time.Duration that unmarshals from "10s" or plain seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	// Bare numbers are seconds.
	if !strings.ContainsAny(raw, "nsuµmh") {
		raw += "s"
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Influx holds the sink connection parameters.
type Influx struct {
	Host        string `yaml:"host"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement" default:"ruuvi_measurements"`
}

// Config is the collector configuration. Loaded once at startup and
// treated as immutable afterwards.
type Config struct {
	Influx Influx `yaml:"influx"`

	// Tags maps logical device names to hardware (MAC) addresses.
	Tags map[string]string `yaml:"tags"`

	Interval           Duration `yaml:"interval"`
	ScanWindow         Duration `yaml:"scan_window"`
	ConnectTimeout     Duration `yaml:"connect_timeout"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	RetryDelay         Duration `yaml:"retry_delay"`
	ReconcileInterval  Duration `yaml:"reconcile_interval"`
	MaxConcurrentReads int      `yaml:"max_concurrent_reads" default:"4"`

	// MetricsListen enables the Prometheus endpoint when non-empty,
	// e.g. ":9090".
	MetricsListen string `yaml:"metrics_listen"`
}

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDurationDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDurationDefaults fills zero durations. The yaml decoder cannot tag
// these through go-defaults because Duration is a custom scalar.
func (c *Config) applyDurationDefaults() {
	setIfZero := func(d *Duration, def time.Duration) {
		if *d == 0 {
			*d = Duration(def)
		}
	}
	setIfZero(&c.Interval, 10*time.Second)
	setIfZero(&c.ScanWindow, 5*time.Second)
	setIfZero(&c.ConnectTimeout, 30*time.Second)
	setIfZero(&c.ReadTimeout, 15*time.Second)
	setIfZero(&c.RetryDelay, time.Second)
	setIfZero(&c.ReconcileInterval, 30*time.Second)
}

func (c *Config) validate() error {
	switch {
	case c.Influx.Host == "":
		return fmt.Errorf("influx.host is required")
	case c.Influx.Token == "":
		return fmt.Errorf("influx.token is required")
	case c.Influx.Org == "":
		return fmt.Errorf("influx.org is required")
	case c.Influx.Bucket == "":
		return fmt.Errorf("influx.bucket is required")
	}

	if len(c.Tags) == 0 {
		return fmt.Errorf("tags must list at least one device")
	}

	seen := make(map[string]string, len(c.Tags))
	for name, addr := range c.Tags {
		if !macPattern.MatchString(addr) {
			return fmt.Errorf("device %q: malformed hardware address %q", name, addr)
		}
		normalized := transport.NormalizeAddr(addr)
		if prev, dup := seen[normalized]; dup {
			return fmt.Errorf("devices %q and %q share address %s", prev, name, normalized)
		}
		seen[normalized] = name
		c.Tags[name] = normalized
	}

	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.MaxConcurrentReads <= 0 {
		return fmt.Errorf("max_concurrent_reads must be positive")
	}
	return nil
}
