package config

import "context"

// SecretProvider resolves secret references (SSM parameter paths in
// deployed environments) to plaintext values.
type SecretProvider interface {
	// GetParametersBatch returns path -> value for every key it could
	// resolve. Unresolvable keys are omitted, not reported as errors.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
