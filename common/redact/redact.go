// Package redact keeps secrets and personal identifiers out of log output.
//
// Feelix conversations are private: logs carry a stable, non-reversible tag
// for each user instead of the raw transport id, and API keys or bot tokens
// are scrubbed from any error text before it is logged.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Map returns a shallow copy of m with string values replaced by
// [REDACTED] for keys that look like they hold credentials.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if str, ok := v.(string); ok && str != "" && isSensitiveKey(k) {
			out[k] = placeholder
			continue
		}
		out[k] = v
	}
	return out
}

// UserTag returns a short stable tag for a user id, suitable for log
// correlation. The same id always maps to the same tag.
func UserTag(userID int64) string {
	sum := sha256.Sum256([]byte("feelix-user:" + strconv.FormatInt(userID, 10)))
	return "u_" + hex.EncodeToString(sum[:6])
}

// Preview shortens message content to at most n runes for DEBUG logging.
func Preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
