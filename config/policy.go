package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed policies.yaml
var defaultPolicies []byte

// PolicyConfig is the raw upload policy for one submission kind.
type PolicyConfig struct {
	Extensions []string `yaml:"extensions"`
	MaxBytes   int64    `yaml:"max_bytes"`
}

// LoadPolicies returns the embedded defaults overlaid with the file at path, if any.
// Keys are submission kinds ("document", "photo", "bim").
func LoadPolicies(path string) (map[string]PolicyConfig, error) {
	policies, err := parsePolicies(defaultPolicies)
	if err != nil {
		return nil, fmt.Errorf("failed to parse default policies: %w", err)
	}
	if path == "" {
		return policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	overrides, err := parsePolicies(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	for kind, p := range overrides {
		policies[kind] = p
	}
	return policies, nil
}

func parsePolicies(data []byte) (map[string]PolicyConfig, error) {
	out := map[string]PolicyConfig{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	for kind, p := range out {
		if p.MaxBytes <= 0 {
			return nil, fmt.Errorf("policy %s: max_bytes must be positive", kind)
		}
		if len(p.Extensions) == 0 {
			return nil, fmt.Errorf("policy %s: no extensions", kind)
		}
	}
	return out, nil
}
