package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adamancini/sideload/internal/manifest"
	"github.com/adamancini/sideload/internal/update"
)

func newVersionCmd() *cobra.Command {
	var checkOnly bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information and check for updates",
		Long: `Display the current sideload version and optionally check the manifest
for a newer build. Checking never prompts, downloads or installs.

Examples:
  sideload version              # Show current version
  sideload version --check      # Check if update is available`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd.Context(), cmd.OutOrStdout(), checkOnly)
		},
	}

	cmd.Flags().BoolVar(&checkOnly, "check", false, "Check for updates without installing")

	return cmd
}

// versionInfo is the output of sideload version.
type versionInfo struct {
	Version         string        `json:"version" yaml:"version"`
	VersionCode     int           `json:"version_code" yaml:"version_code"`
	Commit          string        `json:"commit" yaml:"commit"`
	Date            string        `json:"date" yaml:"date"`
	ManifestURL     string        `json:"manifest_url,omitempty" yaml:"manifest_url,omitempty"`
	ManifestVersion int           `json:"manifest_version,omitempty" yaml:"manifest_version,omitempty"`
	PackageURL      string        `json:"package_url,omitempty" yaml:"package_url,omitempty"`
	ManifestError   manifest.Kind `json:"manifest_error,omitempty" yaml:"manifest_error,omitempty"`
	UpdateAvailable bool          `json:"update_available" yaml:"update_available"`
	checked         bool
}

func (v *versionInfo) String() string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "sideload version %s (versionCode %d, commit %s, built %s)", v.Version, v.VersionCode, v.Commit, v.Date)
	if !v.checked {
		return b.String()
	}

	switch {
	case v.ManifestError != "":
		_, _ = fmt.Fprintf(&b, "\nManifest unavailable (%s): %s", v.ManifestError, v.ManifestURL)
	case v.UpdateAvailable:
		_, _ = fmt.Fprintf(&b, "\nversionCode %d available: %s", v.ManifestVersion, v.PackageURL)
		_, _ = fmt.Fprintf(&b, "\nRun 'sideload check' to install")
	default:
		_, _ = fmt.Fprintf(&b, "\nAlready running latest version (manifest versionCode %d)", v.ManifestVersion)
	}
	return b.String()
}

func runVersion(ctx context.Context, stdout io.Writer, checkOnly bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	code, err := update.BuildVersion(build.VersionCode).InstalledVersionCode()
	if err != nil {
		return fmt.Errorf("this build has no usable versionCode: %w", err)
	}

	info := &versionInfo{
		Version:     build.Version,
		VersionCode: code,
		Commit:      build.Commit,
		Date:        build.Date,
	}
	if !checkOnly {
		return writeOutput(stdout, info)
	}

	client := manifest.NewClient(cfg.ManifestURL,
		manifest.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout.Duration}),
		manifest.WithUserAgent(userAgent()),
	)
	info.checked = true
	info.ManifestURL = client.URL()

	m, fetchErr := client.Fetch(ctx)
	switch {
	case fetchErr == nil:
		info.ManifestVersion = m.VersionCode
		info.PackageURL = m.PackageURL
		info.UpdateAvailable = update.ShouldUpdate(m.VersionCode, code)
	case manifest.IsNotAvailable(fetchErr):
		info.ManifestError = manifest.KindOf(fetchErr)
	default:
		return fmt.Errorf("failed to check for updates: %w", fetchErr)
	}

	if err := writeOutput(stdout, info); err != nil {
		return err
	}
	if fetchErr != nil {
		return fmt.Errorf("failed to check for updates: %w", fetchErr)
	}
	return nil
}
