// Package version carries build identity injected at link time.
package version

var (
	// Version is the semantic version of the broker. Overridden by -ldflags.
	Version = "0.4.0-dev"

	// Commit is the VCS revision the binary was built from.
	Commit = "unknown"
)

// String returns "version (commit)" for banners and health payloads.
func String() string {
	return Version + " (" + Commit + ")"
}
