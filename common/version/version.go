// Package version carries build metadata injected with -ldflags.
package version

var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info returns a one-line version string for `feelix version`.
func Info() string {
	return "feelix " + Version + " (" + GitCommit + ") built at " + BuildTime
}
