package update

import (
	"context"

	"github.com/adamancini/sideload/internal/downloads"
	"github.com/adamancini/sideload/internal/manifest"
	"github.com/adamancini/sideload/internal/types"
)

// Platform describes the system the package is installed on
type Platform struct {
	OS   string // Operating system (android, linux, darwin, windows)
	Arch string // Architecture (amd64, arm64)
}

// ManifestFetcher fetches the remote release manifest
type ManifestFetcher interface {
	Fetch(ctx context.Context) (*manifest.Manifest, error)
}

// VersionSource reports the version code of the installed build
type VersionSource interface {
	InstalledVersionCode() (int, error)
}

// Prompter asks the user to accept or decline an update
type Prompter interface {
	PresentChoice(ctx context.Context, title, message string) (types.Choice, error)
}

// Notifier shows a short notice to the user
type Notifier interface {
	Notify(message string)
}

// JobService is the download service the coordinator hands jobs to
type JobService interface {
	Submit(ctx context.Context, req downloads.Request) (downloads.JobID, error)
	Query(ctx context.Context, id downloads.JobID) (types.DownloadStatus, error)
	Resolve(ctx context.Context, id downloads.JobID) (string, error)
}

// Downloader submits a package download and waits for it to settle
type Downloader interface {
	Submit(ctx context.Context, packageURL string) (downloads.JobID, error)
	PollUntilTerminal(ctx context.Context, id downloads.JobID) (*PollResult, error)
}

// Installer hands a downloaded package to the system installer
type Installer interface {
	Install(ctx context.Context, locator string) error
}

// PollResult is the settled outcome of a download job
type PollResult struct {
	JobID   downloads.JobID   `json:"job_id" yaml:"job_id"`
	Outcome types.PollOutcome `json:"outcome" yaml:"outcome"`
	Locator string            `json:"locator,omitempty" yaml:"locator,omitempty"` // file:// URI, set when succeeded
	Polls   int               `json:"polls" yaml:"polls"`                         // status queries issued, terminal one included
	Reason  string            `json:"reason,omitempty" yaml:"reason,omitempty"`
}
