package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file. ${VAR} and ${VAR:-default} references are
// expanded from the environment first; a reference to an unset variable
// without a default is an error, so missing credentials fail at load time
// instead of at login.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	expanded, unset := expandEnv(string(data))
	if len(unset) > 0 {
		return nil, fmt.Errorf("config references unset environment variables: %s", strings.Join(unset, ", "))
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	cfg.Account.Type = strings.ToLower(strings.TrimSpace(cfg.Account.Type))
	return &cfg, nil
}

// expandEnv substitutes environment references and returns the sorted names
// of unset variables that had no default.
func expandEnv(s string) (string, []string) {
	missing := make(map[string]struct{})
	out := os.Expand(s, func(ref string) string {
		name, def, hasDefault := strings.Cut(ref, ":-")
		if v, ok := os.LookupEnv(name); ok && (v != "" || !hasDefault) {
			return v
		}
		if hasDefault {
			return def
		}
		missing[name] = struct{}{}
		return ""
	})

	unset := make([]string, 0, len(missing))
	for name := range missing {
		unset = append(unset, name)
	}
	sort.Strings(unset)
	return out, unset
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
