package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrCredentialNotFound is returned when a credential reference resolves to
// nothing.
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialResolver turns an AuthConfig.CredentialRef into the secret value
// attached to outgoing requests.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// CredentialResolverFunc adapts a function to CredentialResolver
type CredentialResolverFunc func(ctx context.Context, ref string) (string, error)

// Resolve calls f
func (f CredentialResolverFunc) Resolve(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// EnvResolver reads credentials from the environment. References are either
// "env:NAME" or a bare NAME. When Prefix is set, PREFIX_NAME is tried before
// NAME.
type EnvResolver struct {
	Prefix string
}

// Resolve implements CredentialResolver
func (r EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	name := strings.TrimPrefix(ref, "env:")
	if name == "" {
		return "", fmt.Errorf("empty credential reference: %w", ErrCredentialNotFound)
	}

	if r.Prefix != "" {
		if v := os.Getenv(r.Prefix + "_" + name); v != "" {
			return v, nil
		}
	}
	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("environment variable %s: %w", name, ErrCredentialNotFound)
}

// FileResolver reads credentials from "file:/path" references. Surrounding
// whitespace is trimmed.
type FileResolver struct{}

// Resolve implements CredentialResolver
func (FileResolver) Resolve(_ context.Context, ref string) (string, error) {
	path, ok := strings.CutPrefix(ref, "file:")
	if !ok || path == "" {
		return "", fmt.Errorf("not a file reference %q: %w", ref, ErrCredentialNotFound)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("credential file %s: %w", path, ErrCredentialNotFound)
		}
		return "", fmt.Errorf("failed to read credential file %s: %w", path, err)
	}

	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("credential file %s is empty: %w", path, ErrCredentialNotFound)
	}
	return value, nil
}

// StaticResolver serves credentials from a fixed map, mostly for tests and
// embedding.
type StaticResolver map[string]string

// Resolve implements CredentialResolver
func (s StaticResolver) Resolve(_ context.Context, ref string) (string, error) {
	if v, ok := s[ref]; ok {
		return v, nil
	}
	return "", fmt.Errorf("credential %q: %w", ref, ErrCredentialNotFound)
}

// FallbackResolver tries primary first and falls back to the default chain
// (file references, then environment) when the primary has nothing.
type FallbackResolver struct {
	primary CredentialResolver
	env     EnvResolver
}

// NewFallbackResolver wraps primary with file and environment fallback. A
// nil primary yields the default resolver.
func NewFallbackResolver(primary CredentialResolver) CredentialResolver {
	return &FallbackResolver{
		primary: primary,
		env:     EnvResolver{Prefix: EnvPrefix},
	}
}

// DefaultCredentialResolver resolves file: references and environment
// variables.
func DefaultCredentialResolver() CredentialResolver {
	return NewFallbackResolver(nil)
}

// Resolve implements CredentialResolver
func (f *FallbackResolver) Resolve(ctx context.Context, ref string) (string, error) {
	if f.primary != nil {
		value, err := f.primary.Resolve(ctx, ref)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrCredentialNotFound) {
			return "", err
		}
	}

	if strings.HasPrefix(ref, "file:") {
		return FileResolver{}.Resolve(ctx, ref)
	}
	return f.env.Resolve(ctx, ref)
}
