package logging

import (
	"log/slog"
	"strings"
)

// Network identifiers (node pubkeys, socket addresses) are the sensitive
// surface of this daemon's logs. Masking keeps a short prefix so operators
// can still correlate one peer across log lines without the full identifier
// ending up in aggregated log storage.

const (
	maskPlaceholder = "[masked]"
	maskKeepPrefix  = 8
)

var sensitiveKeySuffixes = []string{"_pub_key", "_address"}

// Sensitive reports whether a log key names a network identifier that must
// not be logged in full.
func Sensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	for _, suffix := range sensitiveKeySuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return true
		}
	}
	return false
}

// MaskValue shortens an identifier to its correlation prefix. Values too
// short to truncate safely are replaced outright.
func MaskValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return value
	}
	if len(trimmed) <= maskKeepPrefix+2 {
		return maskPlaceholder
	}
	return trimmed[:maskKeepPrefix] + "…"
}

// MaskField builds a slog.Attr, masking the value when the key is sensitive.
func MaskField(key, value string) slog.Attr {
	if !Sensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}
