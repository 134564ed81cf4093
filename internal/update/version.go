package update

import (
	"fmt"
	"strconv"
	"strings"
)

// ShouldUpdate reports whether the manifest advertises a newer build.
// Equal or older manifest versions never trigger an update.
func ShouldUpdate(manifestVersion, installedVersion int) bool {
	return manifestVersion > installedVersion
}

// ParseVersionCode parses a build version code such as "5".
func ParseVersionCode(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("version code is empty")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid version code %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid version code %q: must be non-negative", s)
	}
	return n, nil
}

// StaticVersion is a VersionSource with a fixed version code
type StaticVersion int

// InstalledVersionCode returns the fixed code
func (v StaticVersion) InstalledVersionCode() (int, error) {
	return int(v), nil
}

// BuildVersion is a VersionSource backed by a version code injected at build
// time (-ldflags "-X main.versionCode=5")
type BuildVersion string

// InstalledVersionCode parses the injected code
func (v BuildVersion) InstalledVersionCode() (int, error) {
	return ParseVersionCode(string(v))
}
