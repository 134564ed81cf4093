package update

import (
	"fmt"
	"runtime"
)

// DefaultPackageMIMEType is the MIME type of an Android application package.
const DefaultPackageMIMEType = "application/vnd.android.package-archive"

// Detect returns the current platform (OS and architecture)
func Detect() Platform {
	return Platform{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}
}

// PackageMIMEType returns the MIME type the installer is told to expect when
// none is configured, e.g. "application/vnd.android.package-archive".
func (p Platform) PackageMIMEType() string {
	return fmt.Sprintf("application/vnd.%s.package-archive", p.OS)
}

// DefaultInstallerCommand returns the command that hands a file to the
// system's default handler. The artifact path is appended as the last argument.
// Unsupported platforms have no default.
func (p Platform) DefaultInstallerCommand() []string {
	if !p.IsSupported() {
		return nil
	}
	switch p.OS {
	case "darwin":
		return []string{"open"}
	case "windows":
		return []string{"cmd", "/c", "start", ""}
	case "android":
		return []string{"am", "start", "-a", "android.intent.action.VIEW", "-t", DefaultPackageMIMEType, "-d"}
	default:
		return []string{"xdg-open"}
	}
}

// IsSupported returns true if an installer can be launched on this platform
func (p Platform) IsSupported() bool {
	switch p.OS {
	case "android", "darwin", "linux", "windows", "freebsd", "openbsd", "netbsd":
		return true
	}
	return false
}
