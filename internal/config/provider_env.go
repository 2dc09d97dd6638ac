package config

import (
	"context"
	"os"
)

// SecretsSourceEnv selects EnvVarProvider in ProviderFromEnv. CI stacks use it
// to point *_SSM_PARAM at plain variables instead of Parameter Store paths.
const SecretsSourceEnv = "env"

// ProviderFromEnv picks the secret provider for a binary's entry point from
// SECRETS_SOURCE and AWS_REGION.
func ProviderFromEnv() SecretProvider {
	if os.Getenv("SECRETS_SOURCE") == SecretsSourceEnv {
		return NewEnvVarProvider()
	}
	return NewSSMProvider(os.Getenv("AWS_REGION"))
}

// EnvVarProvider treats every secret reference as the name of another
// environment variable.
type EnvVarProvider struct{}

func NewEnvVarProvider() *EnvVarProvider { return &EnvVarProvider{} }

// GetParametersBatch omits unset keys so the loader reports them as missing.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			out[k] = v
		}
	}
	return out, nil
}
