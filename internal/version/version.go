package version

// Build identification, stamped via -ldflags:
//
//	go build -ldflags "-X github.com/nkatsov/acctkeeper/internal/version.Version=v0.3.0"
var (
	// Version is the semantic version of the binary.
	Version = "dev"

	// Commit is the git commit hash of the build.
	Commit = "none"

	// BuildTime is when the binary was built.
	BuildTime = "unknown"
)
