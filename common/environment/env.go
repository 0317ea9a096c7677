// Package environment reads Feelix configuration from environment variables.
//
// Every helper returns the parsed value or the supplied default. Required
// variables produce an error instead of exiting so that cmd/feelix decides
// how to report a bad deployment.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StringOr returns the variable's value, or def when it is unset or empty.
func StringOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// RequiredString returns the variable's value or an error when it is unset
// or empty.
func RequiredString(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// BoolOr parses the variable with strconv.ParseBool. Unset, empty or
// unparsable values yield def.
func BoolOr(name string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(name))
	if err != nil {
		return def
	}
	return b
}

// IntOr parses the variable as a decimal int.
func IntOr(name string, def int) int {
	n, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return def
	}
	return n
}

// FloatOr parses the variable as a float64.
func FloatOr(name string, def float64) float64 {
	f, err := strconv.ParseFloat(os.Getenv(name), 64)
	if err != nil {
		return def
	}
	return f
}

// DurationOr parses the variable with time.ParseDuration ("90s", "120h").
func DurationOr(name string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(name))
	if err != nil {
		return def
	}
	return d
}

// StringSliceOr splits a comma-separated variable, trimming whitespace and
// dropping empty elements. An unset variable or one with no elements yields
// def.
func StringSliceOr(name string, def []string) []string {
	parts := split(os.Getenv(name))
	if len(parts) == 0 {
		return def
	}
	return parts
}

// Int64SliceOr splits a comma-separated list of integer ids such as
// FEELIX_ADMIN_IDS="1001, 1002". Elements that do not parse are reported
// as an error so that a typo in an allow-list is never silently ignored.
func Int64SliceOr(name string, def []int64) ([]int64, error) {
	parts := split(os.Getenv(name))
	if len(parts) == 0 {
		return def, nil
	}
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("environment variable %q: invalid id %q: %w", name, p, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func split(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
