package config

import (
	"fmt"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// RuleConfig is one declarative rule as it appears in the rule document.
// Unknown fields on a rule are ignored by the parser; unknown values for the
// enumerated fields are rejected later, at compile time.
type RuleConfig struct {
	ID             string   `koanf:"id"`
	Title          string   `koanf:"title"`
	Severity       string   `koanf:"severity"`
	Action         string   `koanf:"action"`
	Pattern        string   `koanf:"pattern"`
	MinCount       int      `koanf:"min_count"`
	MaxChars       int      `koanf:"max_chars"`
	LLMPrompt      string   `koanf:"llm_prompt"`
	Expr           string   `koanf:"expr"`
	AppliesTo      []string `koanf:"applies_to"`
	Endpoints      []string `koanf:"endpoints"`
	ShadowOverride string   `koanf:"shadow_override"`
}

type ruleDocument struct {
	Rules []RuleConfig `koanf:"rules"`
}

// LoadRules parses the rule document at path. The parser is chosen by file
// extension (.json, .toml); anything else is parsed as yaml.
func LoadRules(path string) ([]RuleConfig, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config: rules file path is empty")
	}

	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		parser = kjson.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		parser = yaml.Parser()
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("config: load rules %s: %w", path, err)
	}

	var doc ruleDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("config: unmarshal rules %s: %w", path, err)
	}
	// An empty document is not an error: the engine serves allow-everything
	// and /health reports loaded_rules: 0 so operators can notice.
	return doc.Rules, nil
}
