package version

// These variables are set at build time via -ldflags
// Example: go build -ldflags "-X github.com/orca-platform/orca-server/internal/version.Version=v0.3.0"
var (
	// Version is the semantic version of the application
	Version = "dev"

	// Commit is the git commit hash
	Commit = "none"

	// BuildTime is the timestamp of the build
	BuildTime = "unknown"
)

// UserAgent is sent on every outbound request to map, search and page hosts.
// Nominatim's usage policy requires an identifying agent.
func UserAgent() string {
	return "Orca/" + Version
}
