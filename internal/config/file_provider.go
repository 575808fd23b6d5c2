package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxSecretFileSize bounds a mounted secret; DSNs and keys are far smaller
const maxSecretFileSize = 64 << 10

// FileProvider reads mounted secrets, one value per file under a directory.
// WAREHOUSE_DSN is looked up as warehouse-dsn, then as WAREHOUSE_DSN.
type FileProvider struct {
	dir string
}

// NewFileProvider creates a provider over dir, e.g. /var/secrets
func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

func secretFileNames(key string) []string {
	hyphenated := strings.ToLower(strings.ReplaceAll(key, "_", "-"))
	if hyphenated == key {
		return []string{key}
	}
	return []string{hyphenated, key}
}

// GetSecret returns the trimmed content of the first matching file, or "" when none exists
func (f *FileProvider) GetSecret(ctx context.Context, key string) (string, error) {
	if f.dir == "" {
		return "", errors.New("secrets directory not configured")
	}

	for _, name := range secretFileNames(key) {
		path := filepath.Join(f.dir, name)
		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to stat secret %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if info.Size() > maxSecretFileSize {
			return "", fmt.Errorf("secret %s is larger than %d bytes", path, maxSecretFileSize)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", nil
}

// Name returns the provider name
func (f *FileProvider) Name() string {
	return "file"
}

// IsAvailable reports whether the secrets directory exists
func (f *FileProvider) IsAvailable(ctx context.Context) bool {
	if f.dir == "" {
		return false
	}
	info, err := os.Stat(f.dir)
	return err == nil && info.IsDir()
}
