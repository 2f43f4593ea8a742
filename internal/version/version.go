// Package version provides build-time version information.
package version

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String returns the version with commit and build date when known.
func String() string {
	s := Version
	if Commit != "unknown" {
		s += " (" + Commit + ")"
	}
	if BuildDate != "unknown" {
		s += " built " + BuildDate
	}
	return s
}
