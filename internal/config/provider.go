package config

import (
	"context"
	"errors"
	"fmt"
)

// SecretProvider is one source of configuration keys. GetSecret returns "" with a nil error
// when the provider does not hold key.
type SecretProvider interface {
	GetSecret(ctx context.Context, key string) (string, error)
	Name() string
	IsAvailable(ctx context.Context) bool
}

// ErrNoProvider is returned by a chain none of whose providers is usable
var ErrNoProvider = errors.New("no configuration provider available")

// ChainProvider consults providers in order; the first non-empty value wins
type ChainProvider struct {
	providers []SecretProvider
}

// NewChainProvider creates a chain over providers in lookup order
func NewChainProvider(providers ...SecretProvider) *ChainProvider {
	return &ChainProvider{providers: providers}
}

// Lookup returns the value of key and the name of the provider that supplied it. A key no
// provider holds yields an empty value and source; provider failures are joined into err.
func (c *ChainProvider) Lookup(ctx context.Context, key string) (value, source string, err error) {
	var errs []error
	usable := 0

	for _, p := range c.providers {
		if !p.IsAvailable(ctx) {
			continue
		}
		usable++

		v, perr := p.GetSecret(ctx, key)
		if perr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), perr))
			continue
		}
		if v != "" {
			return v, p.Name(), nil
		}
	}

	if usable == 0 {
		return "", "", ErrNoProvider
	}
	return "", "", errors.Join(errs...)
}

// GetSecret implements SecretProvider
func (c *ChainProvider) GetSecret(ctx context.Context, key string) (string, error) {
	v, _, err := c.Lookup(ctx, key)
	return v, err
}

// Name returns the chain provider name
func (c *ChainProvider) Name() string {
	return "chain"
}

// Available lists the usable providers in lookup order
func (c *ChainProvider) Available(ctx context.Context) []string {
	names := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		if p.IsAvailable(ctx) {
			names = append(names, p.Name())
		}
	}
	return names
}

// IsAvailable reports whether any provider is usable
func (c *ChainProvider) IsAvailable(ctx context.Context) bool {
	return len(c.Available(ctx)) > 0
}
