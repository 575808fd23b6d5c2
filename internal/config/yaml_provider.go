package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// YAMLFileProvider reads configuration keys from a flat YAML map.
// Keys are matched case-insensitively, so both WAREHOUSE_DSN and warehouse_dsn work.
//
//	warehouse_driver: sqlite3
//	warehouse_dsn: file:demo.db
//	retrieval_top_k: 10
type YAMLFileProvider struct {
	path string

	once   sync.Once
	values map[string]string
	err    error
}

// NewYAMLFileProvider creates a provider over the YAML file at path
func NewYAMLFileProvider(path string) *YAMLFileProvider {
	return &YAMLFileProvider{path: path}
}

func (p *YAMLFileProvider) load() {
	data, err := os.ReadFile(p.path)
	if err != nil {
		p.err = fmt.Errorf("failed to read config file %s: %w", p.path, err)
		return
	}

	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		p.err = fmt.Errorf("failed to parse config file %s: %w", p.path, err)
		return
	}

	p.values = make(map[string]string, len(raw))
	for k, v := range raw {
		p.values[strings.ToUpper(k)] = stringify(v)
	}
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(val)
	}
}

// GetSecret returns the value stored under key, or "" when it is absent
func (p *YAMLFileProvider) GetSecret(ctx context.Context, key string) (string, error) {
	p.once.Do(p.load)
	if p.err != nil {
		return "", p.err
	}
	return p.values[strings.ToUpper(key)], nil
}

// Name returns the provider name
func (p *YAMLFileProvider) Name() string {
	return "yaml"
}

// IsAvailable checks that the file exists
func (p *YAMLFileProvider) IsAvailable(ctx context.Context) bool {
	if p.path == "" {
		return false
	}
	info, err := os.Stat(p.path)
	return err == nil && !info.IsDir()
}
