package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// passkeyVisiblePrefix is how many leading passkey characters stay readable
// in masked output.
const passkeyVisiblePrefix = 8

// secretKeys are log keys whose values never reach the output.
var secretKeys = map[string]struct{}{
	"authorization": {},
	"token":         {},
	"hmac_secret":   {},
	"secret":        {},
	"password":      {},
	"dsn":           {},
}

// MaskPasskey keeps the first few characters of a passkey and replaces the rest
// with '*', preserving the length so operators can still tell keys apart.
func MaskPasskey(passkey string) string {
	if len(passkey) <= passkeyVisiblePrefix {
		return strings.Repeat("*", len(passkey))
	}
	return passkey[:passkeyVisiblePrefix] + strings.Repeat("*", len(passkey)-passkeyVisiblePrefix)
}

// Redact rewrites a single attribute: passkeys are masked, secrets replaced.
// Empty values pass through untouched.
func Redact(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindString || attr.Value.String() == "" {
		return attr
	}
	key := strings.ToLower(strings.TrimSpace(attr.Key))
	if strings.Contains(key, "passkey") {
		return slog.String(attr.Key, MaskPasskey(attr.Value.String()))
	}
	if _, ok := secretKeys[key]; ok {
		return slog.String(attr.Key, RedactedValue)
	}
	return attr
}
