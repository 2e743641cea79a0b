// Package config loads the proxy's YAML configuration, the same shape
// Ealireza-SuperProxy's config.go used, generalized from that proxy's
// per-entry IPv6 list to this reactor's single listener plus its reactor
// and ambient-stack tuning knobs. Struct-tag validation (in place of the
// teacher's hand-written field-by-field checks) is delegated to
// go-playground/validator, which the rest of the retrieval pack also
// pulls in for request/struct validation.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration. CLI flags (see
// cmd/socks-proxy/main.go) override the matching field when set.
type Config struct {
	// Port is the SOCKS5 listener's TCP port.
	Port int `yaml:"port" validate:"required,min=1,max=65535"`

	// IdleTimeoutSeconds is how long epoll_wait may go without any ready
	// fd before the reactor treats the process as idle and exits (0 uses
	// reactor.DefaultIdleTimeout).
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds" validate:"gte=0"`

	// MaxPairs bounds concurrent client/target pairs (0 uses
	// reactor.DefaultMaxPairs).
	MaxPairs int `yaml:"max_pairs" validate:"gte=0"`

	// Verbose enables per-connection reactor logging.
	Verbose bool `yaml:"verbose"`

	// MetricsAddr, if set, serves Prometheus metrics and /healthz on this
	// address (e.g. "127.0.0.1:9090"). Empty disables the admin server.
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`

	// ProfilingServerAddr enables continuous profiling via Pyroscope when non-empty,
	// naming the server URL to ship profiles to.
	ProfilingServerAddr string `yaml:"profiling_server_addr" validate:"omitempty,url"`
}

var validate = validator.New()

// Load reads, parses and validates the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return &cfg, nil
}

// ApplyFlagOverrides copies any non-zero-value flag overrides onto cfg,
// matching the CLI-over-file precedence cmd/socks-proxy/main.go expects.
func (c *Config) ApplyFlagOverrides(port int, verbose bool, metricsAddr string) {
	if port != 0 {
		c.Port = port
	}
	if verbose {
		c.Verbose = true
	}
	if metricsAddr != "" {
		c.MetricsAddr = metricsAddr
	}
}
