package logging

import (
	"log/slog"
	"strings"
)

// Redacted replaces values that must not reach log output.
const Redacted = "[REDACTED]"

// credentialMarkers flag attribute keys that carry secrets or key material.
// Any key containing one of them is masked by every logger built here.
var credentialMarkers = []string{"secret", "token", "seed", "private", "password", "authorization"}

// identifiers are logged in the clear when passed through MaskField.
var identifiers = map[string]struct{}{
	"intent_id":   {},
	"receipt_id":  {},
	"dispute_id":  {},
	"lock_id":     {},
	"opened_by":   {},
	"signer_b58":  {},
	"provider_id": {},
	"route":       {},
	"scope":       {},
}

// IsCredential reports whether key names secret material.
func IsCredential(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range credentialMarkers {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

// MaskField is for values supplied by callers, such as token subjects and
// issuers. Only protocol identifiers pass through unmasked.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	if _, ok := identifiers[strings.ToLower(strings.TrimSpace(key))]; ok && !IsCredential(key) {
		return slog.String(key, value)
	}
	return slog.String(key, Redacted)
}

// redactCredential is applied to every attribute by the handler.
func redactCredential(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup || !IsCredential(attr.Key) {
		return attr
	}
	return slog.String(attr.Key, Redacted)
}
