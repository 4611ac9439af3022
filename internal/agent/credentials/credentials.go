package credentials

import (
	"context"
	"fmt"
)

// Credential is one resolved secret.
type Credential struct {
	Key    string
	Value  string
	Source string
}

// Provider resolves credentials by key.
type Provider interface {
	Name() string
	GetCredential(ctx context.Context, key string) (*Credential, error)
	ListAvailable(ctx context.Context) ([]string, error)
}

// ResolveEnv resolves each required key through the provider and returns
// KEY=value entries ready for a subprocess environment. A missing required
// credential fails the whole resolution so the agent never launches
// half-authenticated.
func ResolveEnv(ctx context.Context, provider Provider, required []string) ([]string, error) {
	env := make([]string, 0, len(required))
	for _, key := range required {
		cred, err := provider.GetCredential(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", key, err)
		}
		env = append(env, cred.Key+"="+cred.Value)
	}
	return env, nil
}
