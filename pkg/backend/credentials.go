package backend

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// CredentialProvider supplies a bearer token on demand.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken always returns the same token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", errors.New("no token configured")
	}
	return string(s), nil
}

// EnvToken reads the token from an environment variable on every call, so a
// rotated value is picked up without a restart.
type EnvToken string

func (e EnvToken) Token(context.Context) (string, error) {
	v := strings.TrimSpace(os.Getenv(string(e)))
	if v == "" {
		return "", errors.Errorf("environment variable %s is not set", string(e))
	}
	return v, nil
}

// TokenFunc adapts a function.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }
