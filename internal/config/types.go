package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option plus the audit and forwarder planes.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Audit      AuditConfig      `koanf:"audit"`
	Forwarder  ForwarderConfig  `koanf:"forwarder"`
	Classifier ClassifierConfig `koanf:"classifier"`
}

// ServerConfig collects the bootstrap knobs owned by the gateway lifecycle.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
	Rules   RulesConfig   `koanf:"rules"`
	Auth    AuthConfig    `koanf:"auth"`
	// Shadow is the global switch: when true decisions are reported as allow
	// while the would-have-been action is preserved in the audit chain. A
	// firing rule with shadow_override enforce still overrides it.
	Shadow bool `koanf:"shadow"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// RulesConfig announces where the rule document is sourced from.
type RulesConfig struct {
	RulesFile string `koanf:"rulesFile"`
}

// AuthConfig carries the shared secret evaluate callers must present.
type AuthConfig struct {
	APIKey string `koanf:"apiKey"`
}

// AuditConfig selects the audit chain location and its hash/signature scheme.
type AuditConfig struct {
	LogPath    string `koanf:"logPath"`
	HashAlgo   string `koanf:"hashAlgo"`
	SigAlgo    string `koanf:"sigAlgo"`
	SigningKey string `koanf:"signingKey"`
	SigningPub string `koanf:"signingPub"`
}

// ForwarderConfig describes the async delivery plane behind the audit chain.
type ForwarderConfig struct {
	QueueSize      int           `koanf:"queueSize"`
	DeadLetterPath string        `koanf:"deadLetterPath"`
	ReplayInterval time.Duration `koanf:"replayInterval"`
	Breaker        BreakerConfig `koanf:"breaker"`
	Sinks          []SinkConfig  `koanf:"sinks"`
}

// BreakerConfig tunes the per-sink circuit breakers.
type BreakerConfig struct {
	FailureThreshold      int           `koanf:"failureThreshold"`
	RecoveryTimeout       time.Duration `koanf:"recoveryTimeout"`
	TestRequestsThreshold int           `koanf:"testRequestsThreshold"`
}

// SinkConfig declares one audit record destination.
type SinkConfig struct {
	Name  string `koanf:"name"`
	Type  string `koanf:"type"`
	URL   string `koanf:"url"`
	Token string `koanf:"token"`
	Index string `koanf:"index"`
	// Template is an optional inline payload template for webhook sinks.
	Template string `koanf:"template"`
	// Address and ListKey configure the valkey sink.
	Address string `koanf:"address"`
	ListKey string `koanf:"listKey"`
}

// ClassifierConfig points at the optional external classifier used by
// llm_prompt rules. An empty URL disables the classifier entirely.
type ClassifierConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

// DefaultConfig returns the baseline the loader layers files and env on top of.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:  ListenConfig{Address: "0.0.0.0", Port: 9000},
			Logging: LoggingConfig{Level: "info", Format: "json"},
		},
		Audit: AuditConfig{
			LogPath:  "logs/audit.jsonl",
			HashAlgo: "sha3_256",
			SigAlgo:  "none",
		},
		Forwarder: ForwarderConfig{
			QueueSize:      256,
			DeadLetterPath: "logs/deadletter.jsonl",
			ReplayInterval: 30 * time.Second,
			Breaker: BreakerConfig{
				FailureThreshold:      5,
				RecoveryTimeout:       60 * time.Second,
				TestRequestsThreshold: 3,
			},
		},
		Classifier: ClassifierConfig{Timeout: 2 * time.Second},
	}
}

var sinkTypes = map[string]struct{}{
	"splunk":  {},
	"elastic": {},
	"webhook": {},
	"valkey":  {},
}

// Validate rejects configurations the runtime could not serve.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Server.Auth.APIKey) == "" {
		return errors.New("config: server.auth.apiKey (JIMINI_API_KEY) is required")
	}
	if strings.TrimSpace(c.Audit.LogPath) == "" {
		return errors.New("config: audit.logPath is required")
	}
	switch c.Audit.HashAlgo {
	case "sha3_256", "sha3_512", "sha256":
	default:
		return fmt.Errorf("config: unsupported audit hash algo %q", c.Audit.HashAlgo)
	}
	switch c.Audit.SigAlgo {
	case "", "none", "ed25519":
	default:
		return fmt.Errorf("config: unsupported audit signature algo %q", c.Audit.SigAlgo)
	}
	for _, sink := range c.Forwarder.Sinks {
		if strings.TrimSpace(sink.Name) == "" {
			return errors.New("config: forwarder sink without a name")
		}
		if _, ok := sinkTypes[sink.Type]; !ok {
			return fmt.Errorf("config: forwarder sink %q has unsupported type %q", sink.Name, sink.Type)
		}
	}
	if c.Forwarder.QueueSize <= 0 {
		return fmt.Errorf("config: forwarder queue size %d must be positive", c.Forwarder.QueueSize)
	}
	return nil
}
