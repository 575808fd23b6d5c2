package config

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvPrefix namespaces environment variables. SEMANTIC_BI_PORT takes precedence over PORT.
const EnvPrefix = "SEMANTIC_BI_"

// EnvProvider reads environment variables. When a key is unset, <KEY>_FILE may name a file
// holding the value, as container secret mounts do.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates a new environment variable provider using EnvPrefix
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{prefix: EnvPrefix}
}

func (e *EnvProvider) get(key string) string {
	if e.prefix != "" {
		if value := os.Getenv(e.prefix + key); value != "" {
			return value
		}
	}
	return os.Getenv(key)
}

// GetSecret returns the prefixed variable, the bare one, or the content of <KEY>_FILE
func (e *EnvProvider) GetSecret(ctx context.Context, key string) (string, error) {
	if value := e.get(key); value != "" {
		return value, nil
	}

	path := e.get(key + "_FILE")
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s_FILE: %w", key, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Name returns the provider name
func (e *EnvProvider) Name() string {
	return "env"
}

// IsAvailable always returns true as env vars are always available
func (e *EnvProvider) IsAvailable(ctx context.Context) bool {
	return true
}
