package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// keyset enumerates recognized keys; a nil child marks a leaf.
type keyset map[string]keyset

var knownKeys = keyset{
	"llm": {
		"provider":           nil,
		"base_url":           nil,
		"model":              nil,
		"max_context_tokens": nil,
		"api_key":            nil,
	},
	"skills": {
		"mode":    nil,
		"enabled": nil,
		"dir":     nil,
		"fs_root": nil,
	},
	"api": {
		"host":       nil,
		"port":       nil,
		"secret_key": nil,
	},
	"rate_limit": {
		"tier":             nil,
		"burst_multiplier": nil,
	},
	"audit": {
		"enabled":     nil,
		"log_dir":     nil,
		"max_file_mb": nil,
		"backups":     nil,
	},
	"cluster": {
		"discovery": nil,
		"node_name": nil,
		"peers":     nil,
	},
	"observability": {
		"otlp_endpoint": nil,
	},
	"memory": {
		"path": nil,
	},
}

// Load reads and parses the configuration file at path. Environment
// references ($VAR or ${VAR}) are expanded before parsing. Unrecognized
// keys are dropped and returned as dotted paths for the caller to log;
// anything malformed is an error.
func Load(path string) (Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, nil, fmt.Errorf("read config: %w", err)
	}
	cfg, unknown, err := Parse(data)
	if err != nil {
		return Config{}, unknown, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, unknown, nil
}

// Parse decodes YAML config bytes on top of Default.
func Parse(data []byte) (Config, []string, error) {
	expanded := os.ExpandEnv(string(data))

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return Config{}, nil, err
	}
	cfg := Default()
	if raw == nil {
		return cfg, nil, nil
	}

	unknown := pruneUnknown(raw, knownKeys, "")

	// Re-encode the pruned tree and decode strictly; shape errors on
	// recognized keys surface here.
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return Config{}, unknown, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, unknown, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, unknown, err
	}
	return cfg, unknown, nil
}

// pruneUnknown removes unrecognized keys from raw and returns their dotted
// paths, sorted for stable logging.
func pruneUnknown(raw map[string]any, known keyset, prefix string) []string {
	var dropped []string
	for key, value := range raw {
		sub, ok := known[key]
		if !ok {
			dropped = append(dropped, prefix+key)
			delete(raw, key)
			continue
		}
		if sub == nil {
			continue
		}
		child, ok := value.(map[string]any)
		if !ok {
			// Scalar where a section was expected; the strict decode
			// reports it with a better message.
			continue
		}
		dropped = append(dropped, pruneUnknown(child, sub, prefix+key+".")...)
	}
	sort.Strings(dropped)
	return dropped
}
