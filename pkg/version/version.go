// Package version holds the build version, overridden at link time with
// -ldflags "-X github.com/crewdeck/crewdeck/pkg/version.Version=...".
package version

// Version is the crewdeck build version.
var Version = "dev"
