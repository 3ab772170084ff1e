// Package config loads the gateway configuration: a YAML file defining
// the admission rules, plus environment overrides for operational
// knobs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	envconfig "quotagate/internal/pkg/config"
)

// Valid values for RuleConfig.Phase.
const (
	PhaseConnect  = "connect"
	PhasePreAuth  = "pre_auth"
	PhasePostAuth = "post_auth"
)

// Valid values for KeyConfig.Source.
const (
	KeySourceIP     = "ip"
	KeySourceHeader = "header"
	KeySourceStatic = "static"
)

// Valid values for RuleConfig.OnError.
const (
	OnErrorOpen   = "open"
	OnErrorClosed = "closed"
)

// Duration wraps time.Duration for YAML decoding of Go duration
// strings ("500ms", "2m", "1h30m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root gateway configuration.
type Config struct {
	Server         ServerConfig   `yaml:"server"`
	Registry       RegistryConfig `yaml:"registry"`
	Quota          QuotaConfig    `yaml:"quota"`
	TrustedProxies []string       `yaml:"trusted_proxies"`
	Rules          []RuleConfig   `yaml:"rules"`
}

// ServerConfig holds the HTTP listener addresses.
type ServerConfig struct {
	// Listen is the main traffic listener address. Default: ":8080".
	Listen string `yaml:"listen"`

	// MetricsListen serves /metrics and /healthz. Default: ":9091".
	MetricsListen string `yaml:"metrics_listen"`
}

// RegistryConfig holds pending-request registry tuning.
type RegistryConfig struct {
	// EntryTTL is the maximum age of a pending entry before the sweeper
	// evicts it. Default: 2m.
	EntryTTL Duration `yaml:"entry_ttl"`

	// SweepInterval is the sweeper period. Default: 30s.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// QuotaConfig holds quota service client tuning shared by all
// backends.
type QuotaConfig struct {
	// CheckTimeout bounds each quota check RPC. Default: 500ms.
	CheckTimeout Duration `yaml:"check_timeout"`

	// ConnectTimeout bounds the startup connection wait. Default: 5s.
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// WaitReady makes startup block until every backend connection is
	// ready. Default: false (connect lazily).
	WaitReady bool `yaml:"wait_ready"`
}

// RuleConfig defines one admission rule.
type RuleConfig struct {
	// Phase the rule is bound to: connect, pre_auth or post_auth.
	Phase string `yaml:"phase"`

	// Bucket is a fixed bucket type. Mutually exclusive with
	// BucketHeader.
	Bucket string `yaml:"bucket"`

	// BucketHeader names a request header carrying the bucket type,
	// for traffic classified upstream. Mutually exclusive with Bucket.
	BucketHeader string `yaml:"bucket_header"`

	// Address is the quota backend, "host:port".
	Address string `yaml:"address"`

	// Key selects how requests are identified.
	Key KeyConfig `yaml:"key"`

	// OnError selects the behavior when the backend is unreachable:
	// "open" lets requests through (default), "closed" rejects with 503.
	OnError string `yaml:"on_error"`
}

// KeyConfig selects the request identity used as the quota key.
type KeyConfig struct {
	// Source is "ip", "header" or "static".
	Source string `yaml:"source"`

	// Header names the key header when Source is "header".
	Header string `yaml:"header"`

	// Value is the fixed key when Source is "static".
	Value string `yaml:"value"`
}

// Load reads, defaults, overrides, and validates the gateway
// configuration. The path is expected to come from a trusted source
// (command-line argument or hardcoded default).
func Load(path string) (*Config, error) {
	// #nosec G304 -- path is provided by trusted source (CLI arg or default), not user input
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyDefaults()
	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.MetricsListen == "" {
		c.Server.MetricsListen = ":9091"
	}
	if c.Registry.EntryTTL <= 0 {
		c.Registry.EntryTTL = Duration(2 * time.Minute)
	}
	if c.Registry.SweepInterval <= 0 {
		c.Registry.SweepInterval = Duration(30 * time.Second)
	}
	if c.Quota.CheckTimeout <= 0 {
		c.Quota.CheckTimeout = Duration(500 * time.Millisecond)
	}
	if c.Quota.ConnectTimeout <= 0 {
		c.Quota.ConnectTimeout = Duration(5 * time.Second)
	}
}

// applyEnvOverrides lets deployments adjust operational knobs without
// editing the rules file.
func (c *Config) applyEnvOverrides() {
	c.Server.Listen = envconfig.GetEnvString("QUOTAGATE_LISTEN", c.Server.Listen)
	c.Server.MetricsListen = envconfig.GetEnvString("QUOTAGATE_METRICS_LISTEN", c.Server.MetricsListen)
	c.Registry.EntryTTL = Duration(envconfig.GetEnvDuration("QUOTAGATE_ENTRY_TTL", c.Registry.EntryTTL.Std()))
	c.Registry.SweepInterval = Duration(envconfig.GetEnvDuration("QUOTAGATE_SWEEP_INTERVAL", c.Registry.SweepInterval.Std()))
	c.Quota.CheckTimeout = Duration(envconfig.GetEnvDuration("QUOTAGATE_CHECK_TIMEOUT", c.Quota.CheckTimeout.Std()))
	c.Quota.ConnectTimeout = Duration(envconfig.GetEnvDuration("QUOTAGATE_CONNECT_TIMEOUT", c.Quota.ConnectTimeout.Std()))
	c.Quota.WaitReady = envconfig.GetEnvBool("QUOTAGATE_WAIT_READY", c.Quota.WaitReady)
	c.TrustedProxies = envconfig.GetEnvStringList("QUOTAGATE_TRUSTED_PROXIES", c.TrustedProxies)
}

// Validate checks configuration correctness. An empty rule list is
// valid: the gateway then admits everything and stamps no headers.
func (c *Config) Validate() error {
	for i, rule := range c.Rules {
		if err := rule.validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

func (r *RuleConfig) validate() error {
	switch r.Phase {
	case PhaseConnect, PhasePreAuth, PhasePostAuth:
	case "":
		return fmt.Errorf("phase is required")
	default:
		return fmt.Errorf("unknown phase %q", r.Phase)
	}

	if r.Bucket == "" && r.BucketHeader == "" {
		return fmt.Errorf("one of bucket or bucket_header is required")
	}
	if r.Bucket != "" && r.BucketHeader != "" {
		return fmt.Errorf("bucket and bucket_header are mutually exclusive")
	}

	if r.Address == "" {
		return fmt.Errorf("address is required")
	}

	switch r.Key.Source {
	case KeySourceIP:
	case KeySourceHeader:
		if r.Key.Header == "" {
			return fmt.Errorf("key.header is required when key.source is %q", KeySourceHeader)
		}
	case KeySourceStatic:
		if r.Key.Value == "" {
			return fmt.Errorf("key.value is required when key.source is %q", KeySourceStatic)
		}
	case "":
		return fmt.Errorf("key.source is required")
	default:
		return fmt.Errorf("unknown key.source %q", r.Key.Source)
	}

	switch r.OnError {
	case "", OnErrorOpen, OnErrorClosed:
	default:
		return fmt.Errorf("unknown on_error %q", r.OnError)
	}
	return nil
}

// Addresses returns the distinct quota backend addresses referenced by
// the rules, in first-seen order.
func (c *Config) Addresses() []string {
	seen := make(map[string]struct{}, len(c.Rules))
	addresses := make([]string, 0, len(c.Rules))
	for _, rule := range c.Rules {
		if _, ok := seen[rule.Address]; ok {
			continue
		}
		seen[rule.Address] = struct{}{}
		addresses = append(addresses, rule.Address)
	}
	return addresses
}
