package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective configuration using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		// The documented flat names (JIMINI_API_KEY, JIMINI_RULES_PATH, ...)
		// map onto the nested config; double underscores address arbitrary
		// nested keys (JIMINI_FORWARDER__QUEUESIZE -> forwarder.queueSize).
		canonical := map[string]string{
			"api.key":                  "server.auth.apiKey",
			"apikey":                   "server.auth.apiKey",
			"rules.path":               "server.rules.rulesFile",
			"rulespath":                "server.rules.rulesFile",
			"shadow":                   "server.shadow",
			"hash.algo":                "audit.hashAlgo",
			"hashalgo":                 "audit.hashAlgo",
			"sig.algo":                 "audit.sigAlgo",
			"sigalgo":                  "audit.sigAlgo",
			"signing.key":              "audit.signingKey",
			"signingkey":               "audit.signingKey",
			"signing.pub":              "audit.signingPub",
			"signingpub":               "audit.signingPub",
			"server.rules.rulesfile":   "server.rules.rulesFile",
			"server.auth.apikey":       "server.auth.apiKey",
			"audit.logpath":            "audit.logPath",
			"audit.hashalgo":           "audit.hashAlgo",
			"audit.sigalgo":            "audit.sigAlgo",
			"audit.signingkey":         "audit.signingKey",
			"audit.signingpub":         "audit.signingPub",
			"forwarder.deadletterpath": "forwarder.deadLetterPath",
			"forwarder.replayinterval": "forwarder.replayInterval",
			"forwarder.queuesize":      "forwarder.queueSize",
		}
		transform := func(s string) string {
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(strings.ReplaceAll(key, "_", "."))
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			lower = strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	// AUDIT_LOG_PATH predates the prefixed scheme and stays supported as-is.
	if path := strings.TrimSpace(os.Getenv("AUDIT_LOG_PATH")); path != "" {
		cfg.Audit.LogPath = path
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"rules": map[string]any{
				"rulesFile": cfg.Server.Rules.RulesFile,
			},
			"auth": map[string]any{
				"apiKey": cfg.Server.Auth.APIKey,
			},
			"shadow": cfg.Server.Shadow,
		},
		"audit": map[string]any{
			"logPath":    cfg.Audit.LogPath,
			"hashAlgo":   cfg.Audit.HashAlgo,
			"sigAlgo":    cfg.Audit.SigAlgo,
			"signingKey": cfg.Audit.SigningKey,
			"signingPub": cfg.Audit.SigningPub,
		},
		"forwarder": map[string]any{
			"queueSize":      cfg.Forwarder.QueueSize,
			"deadLetterPath": cfg.Forwarder.DeadLetterPath,
			"replayInterval": cfg.Forwarder.ReplayInterval,
			"breaker": map[string]any{
				"failureThreshold":      cfg.Forwarder.Breaker.FailureThreshold,
				"recoveryTimeout":       cfg.Forwarder.Breaker.RecoveryTimeout,
				"testRequestsThreshold": cfg.Forwarder.Breaker.TestRequestsThreshold,
			},
		},
		"classifier": map[string]any{
			"url":     cfg.Classifier.URL,
			"timeout": cfg.Classifier.Timeout,
		},
	}
}
