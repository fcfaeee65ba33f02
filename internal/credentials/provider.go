package credentials

import (
	"context"
	"errors"
	"os"
	"strings"

	"pkt.systems/crewwatch/schema"
)

// EnvToken is the environment variable consulted by Env.
const EnvToken = "CREWWATCH_TOKEN"

// Source supplies bearer tokens. It matches livestream.TokenSource.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// Static always returns the same token.
type Static string

// Token implements Source.
func (s Static) Token(context.Context) (string, error) {
	token := strings.TrimSpace(string(s))
	if token == "" {
		return "", schema.ErrMissingCredential
	}
	return token, nil
}

// Env reads the token from an environment variable on every call.
type Env struct {
	// Name defaults to EnvToken.
	Name string
}

// Token implements Source.
func (e Env) Token(context.Context) (string, error) {
	name := e.Name
	if name == "" {
		name = EnvToken
	}
	token := strings.TrimSpace(os.Getenv(name))
	if token == "" {
		return "", schema.ErrMissingCredential
	}
	return token, nil
}

// Chain returns the first token any source yields. Sources reporting
// ErrMissingCredential are skipped; other errors stop the search.
type Chain []Source

// Token implements Source.
func (c Chain) Token(ctx context.Context) (string, error) {
	for _, source := range c {
		if source == nil {
			continue
		}
		token, err := source.Token(ctx)
		if err == nil && strings.TrimSpace(token) != "" {
			return token, nil
		}
		if err != nil && !errors.Is(err, schema.ErrMissingCredential) {
			return "", err
		}
	}
	return "", schema.ErrMissingCredential
}
