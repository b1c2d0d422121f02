package credentials

import (
	"context"
	"fmt"
	"os"
)

// EnvProvider resolves credentials directly from the process environment, the lowest-effort
// and highest-priority source for the API keys named in AgentTypeConfig.RequiredEnv (e.g.
// ANTHROPIC_API_KEY, OPENAI_API_KEY).
type EnvProvider struct {
	// Keys restricts ListAvailable/GetCredential to this allowlist. A nil/empty Keys makes
	// GetCredential accept any environment variable name, which is fine since Manager only
	// ever queries keys the caller already named explicitly.
	Keys []string
}

// NewEnvProvider creates an EnvProvider scoped to keys.
func NewEnvProvider(keys ...string) *EnvProvider {
	return &EnvProvider{Keys: keys}
}

// Name returns the provider name.
func (p *EnvProvider) Name() string {
	return "env"
}

// GetCredential reads key from the environment.
func (p *EnvProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return nil, fmt.Errorf("credential not found in environment: %s", key)
	}
	return &Credential{Key: key, Value: value, Source: "env"}, nil
}

// ListAvailable returns the subset of configured Keys actually set in the environment.
func (p *EnvProvider) ListAvailable(ctx context.Context) ([]string, error) {
	available := make([]string, 0, len(p.Keys))
	for _, key := range p.Keys {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			available = append(available, key)
		}
	}
	return available, nil
}
