package repo

import "fmt"

const (
	appMajor = 0
	appMinor = 1
	appPatch = 0

	// appPreRelease is appended to the version with a dash when set.
	appPreRelease = "alpha"
)

// VersionString returns the application version as a semver string.
func VersionString() string {
	version := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if appPreRelease != "" {
		version = fmt.Sprintf("%s-%s", version, appPreRelease)
	}
	return version
}
