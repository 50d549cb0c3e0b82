package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AuthEntry is the loosely-typed auth block of a catalog entry. The registry
// validates and converts it into the typed models.Auth.
type AuthEntry struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`
	Env  string `yaml:"env"`
}

// ResourceEntry is a single loosely-typed catalog entry as it appears in the
// resources file. Fields are kept as plain strings so a malformed entry can be
// rejected individually during registry validation instead of failing the
// whole file parse.
type ResourceEntry struct {
	ID               string    `yaml:"id"`
	Name             string    `yaml:"name"`
	Category         string    `yaml:"category"`
	PriorityTier     string    `yaml:"priority_tier"`
	BaseURL          string    `yaml:"base_url"`
	EndpointTemplate string    `yaml:"endpoint_template"`
	Auth             AuthEntry `yaml:"auth"`
	RateLimitHint    int       `yaml:"rate_limit_hint"`
	ValuePath        string    `yaml:"value_path"`
	Mirrors          []string  `yaml:"mirrors"`
}

// ResourceFile is the full resource catalog configuration.
type ResourceFile struct {
	Resources []ResourceEntry `yaml:"resources"`
}

// LoadResourceFile loads the resource catalog from the given path.
func LoadResourceFile(path string) (*ResourceFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resources file: %w", err)
	}
	var file ResourceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse resources file: %w", err)
	}
	return &file, nil
}
