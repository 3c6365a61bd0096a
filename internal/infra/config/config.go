// Package config loads the process configuration: one identity/secret/
// credential triple per agent, the broker address, the HTTP port, and the
// ambient logger/tracer settings. Startup aborts on any malformed agent
// credential, so no partial network ever comes up.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"civicmesh/internal/domain"
)

// LoggerConfig controls slog construction.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
	Output string `yaml:"output"` // stdout|stderr|<path>
}

// TracerConfig controls OpenTelemetry setup.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout|noop
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Addr           string `yaml:"addr"`             // e.g. ":8080"
	RequestsPerMin int    `yaml:"requests_per_min"` // rate limit, 0 = default
	Burst          int    `yaml:"burst"`
}

// BrokerConfig holds transport settings.
type BrokerConfig struct {
	Address        string        `yaml:"address"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// LedgerConfig bounds the audit ledger.
type LedgerConfig struct {
	Capacity int `yaml:"capacity"`
}

// ChannelConfig holds Secure Channel trust-primitive settings.
type ChannelConfig struct {
	SignerMode       string        `yaml:"signer_mode"`       // ed25519|hmac
	MasterSecret     string        `yaml:"master_secret"`     // pair-key derivation; empty = random keys
	MaxPairs         int           `yaml:"max_pairs"`         // pair-key cache cap
	KeyMaxIdle       time.Duration `yaml:"key_max_idle"`      // idle age before rotation sweep
	RotationSchedule string        `yaml:"rotation_schedule"` // cron spec, e.g. "@every 1h"
}

// PolicyConfig locates plain-text policy programs.
type PolicyConfig struct {
	Dir string `yaml:"dir"` // one program per file, filename stem = program id
}

// AgentConfig is one agent's identity/secret/credential triple, supplied out
// of band at process start.
type AgentConfig struct {
	ID           string         `yaml:"id"`
	Name         string         `yaml:"name"`
	Role         string         `yaml:"role"`
	Secret       string         `yaml:"secret"`
	Capabilities []string       `yaml:"capabilities"`
	Credential   map[string]any `yaml:"credential"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Broker  BrokerConfig  `yaml:"broker"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Channel ChannelConfig `yaml:"channel"`
	Policy  PolicyConfig  `yaml:"policy"`
	Agents  []AgentConfig `yaml:"agents"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
}

// Defaults applied when a field is zero.
const (
	DefaultAddr           = ":8080"
	DefaultConnectTimeout = 5 * time.Second
	DefaultLedgerCapacity = 1000
	DefaultMaxPairs       = 1024
	DefaultKeyMaxIdle     = time.Hour
	DefaultRotation       = "@every 15m"
	DefaultRequestsPerMin = 120
	DefaultBurst          = 30
)

// Load reads, fills, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, err.Error())
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.RequestsPerMin <= 0 {
		c.Server.RequestsPerMin = DefaultRequestsPerMin
	}
	if c.Server.Burst <= 0 {
		c.Server.Burst = DefaultBurst
	}
	if c.Broker.Address == "" {
		c.Broker.Address = "inproc://civicmesh"
	}
	if c.Broker.ConnectTimeout <= 0 {
		c.Broker.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Ledger.Capacity <= 0 {
		c.Ledger.Capacity = DefaultLedgerCapacity
	}
	if c.Channel.SignerMode == "" {
		c.Channel.SignerMode = "ed25519"
	}
	if c.Channel.MaxPairs <= 0 {
		c.Channel.MaxPairs = DefaultMaxPairs
	}
	if c.Channel.KeyMaxIdle <= 0 {
		c.Channel.KeyMaxIdle = DefaultKeyMaxIdle
	}
	if c.Channel.RotationSchedule == "" {
		c.Channel.RotationSchedule = DefaultRotation
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
}

// Validate checks the configuration, including every agent credential
// document against the credential schema. Any failure is fatal at startup.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return domain.NewDomainError("config.Validate", domain.ErrConfigLoad, "no agents configured")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return domain.NewDomainError("config.Validate", domain.ErrConfigLoad,
				fmt.Sprintf("agent[%d] has no id", i))
		}
		if seen[a.ID] {
			return domain.NewDomainError("config.Validate", domain.ErrConfigLoad,
				fmt.Sprintf("duplicate agent id %q", a.ID))
		}
		seen[a.ID] = true

		if a.Secret == "" {
			return domain.NewDomainError("config.Validate", domain.ErrConfigLoad,
				fmt.Sprintf("agent %q has no secret", a.ID))
		}
		// Not every agent holds a credential; only holders carry one.
		if len(a.Credential) > 0 {
			if err := ValidateCredential(a.Credential); err != nil {
				return domain.NewDomainError("config.Validate", domain.ErrConfigLoad,
					fmt.Sprintf("agent %q credential: %v", a.ID, err))
			}
		}
	}
	return nil
}
