package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// knownAPIKeys are the environment variables the supported agent backends
// authenticate with.
var knownAPIKeys = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"DASHSCOPE_API_KEY",
	"GITHUB_TOKEN",
}

// EnvProvider resolves credentials from the process environment.
type EnvProvider struct {
	prefix string // Optional prefix filter (e.g., "AGENTWIRE_")
}

// NewEnvProvider creates a new environment provider.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{
		prefix: prefix,
	}
}

// Name returns the provider name.
func (p *EnvProvider) Name() string {
	return "environment"
}

// GetCredential looks up a credential, preferring the exact key and falling
// back to the prefixed form.
func (p *EnvProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	if value := os.Getenv(key); value != "" {
		return &Credential{Key: key, Value: value, Source: "environment"}, nil
	}

	if p.prefix != "" {
		if value := os.Getenv(p.prefix + key); value != "" {
			return &Credential{Key: key, Value: value, Source: "environment"}, nil
		}
	}

	return nil, fmt.Errorf("credential not found: %s", key)
}

// ListAvailable returns credential keys present in the environment: the
// known agent API keys plus anything that looks like a key or token.
func (p *EnvProvider) ListAvailable(ctx context.Context) ([]string, error) {
	available := make([]string, 0)
	seen := make(map[string]bool)

	for _, key := range knownAPIKeys {
		if os.Getenv(key) != "" || (p.prefix != "" && os.Getenv(p.prefix+key) != "") {
			available = append(available, key)
			seen[key] = true
		}
	}

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			continue
		}

		key := parts[0]
		if p.prefix != "" && strings.HasPrefix(key, p.prefix) {
			key = strings.TrimPrefix(key, p.prefix)
		}
		if seen[key] {
			continue
		}

		lowered := strings.ToLower(key)
		if strings.Contains(lowered, "api_key") ||
			strings.Contains(lowered, "apikey") ||
			strings.Contains(lowered, "_token") ||
			strings.Contains(lowered, "_secret") {
			available = append(available, key)
			seen[key] = true
		}
	}

	return available, nil
}
