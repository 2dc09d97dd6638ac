package types

import "log/slog"

const redacted = "[redacted]"

// SecretString holds a credential loaded from configuration: a database URL,
// a webhook signing secret, the service token table. fmt, encoding/json and
// slog all see a placeholder. Call Unmask at the point of use.
type SecretString string

func (s SecretString) String() string   { return redacted }
func (s SecretString) GoString() string { return `types.SecretString("` + redacted + `")` }

func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

func (s SecretString) LogValue() slog.Value { return slog.StringValue(redacted) }

// Unmask returns the raw value.
func (s SecretString) Unmask() string { return string(s) }

// IsSet reports whether a value was configured.
func (s SecretString) IsSet() bool { return s != "" }
