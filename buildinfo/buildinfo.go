// Package buildinfo holds build metadata, overridable with ldflags:
//
//	go build -ldflags "\
//	  -X github.com/dotside-studios/tagengine/buildinfo.Version=1.0.0 \
//	  -X github.com/dotside-studios/tagengine/buildinfo.Commit=$(git rev-parse --short HEAD)"
package buildinfo

import "fmt"

var (
	// Name is the technical name, also used as the mDNS instance prefix.
	Name = "nfc-engine"

	// DisplayName is shown on the CA bootstrap page.
	DisplayName = "NFC Tag Engine"

	// Version is set via ldflags for releases.
	Version = "dev"

	Commit    = ""
	BuildTime = ""
)

// FullVersion returns the version with the commit when known, e.g. "1.0.0 (abc1234)".
func FullVersion() string {
	if Commit != "" {
		return fmt.Sprintf("%s (%s)", Version, Commit)
	}
	return Version
}
