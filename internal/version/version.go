package version

import (
	"fmt"
)

var version string

// GetVersionString returns a standard version header
func GetVersionString() string {
	return fmt.Sprintf("Broadcaster, version %v", version)
}

// GetVersion returns the semver compatible version number
func GetVersion() string {
	return version
}
