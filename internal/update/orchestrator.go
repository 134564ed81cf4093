package update

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/sideload/internal/downloads"
	"github.com/adamancini/sideload/internal/manifest"
	"github.com/adamancini/sideload/internal/types"
)

// User-facing texts.
const (
	PromptTitle   = "Update Available"
	PromptMessage = "A new version is available. Would you like to update?"

	NoticeDownloadFailed  = "Download failed."
	NoticeDownloadTimeout = "Download timed out."
	NoticeInstallFailed   = "Could not start the installer."
)

// ErrCycleInProgress is returned by Run while another cycle is running.
var ErrCycleInProgress = errors.New("update cycle already in progress")

// cycleInProgress is held by the running cycle of any Orchestrator in the
// process. It is set on cycle start and cleared once the cycle is back at idle.
var cycleInProgress atomic.Bool

// Report describes one finished update cycle.
type Report struct {
	InstalledVersion int              `json:"installed_version" yaml:"installed_version"`
	ManifestVersion  int              `json:"manifest_version,omitempty" yaml:"manifest_version,omitempty"`
	PackageURL       string           `json:"package_url,omitempty" yaml:"package_url,omitempty"`
	ManifestError    manifest.Kind    `json:"manifest_error,omitempty" yaml:"manifest_error,omitempty"`
	Choice           types.Choice     `json:"choice,omitempty" yaml:"choice,omitempty"`
	JobID            downloads.JobID  `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	Poll             *PollResult      `json:"poll,omitempty" yaml:"poll,omitempty"`
	Final            types.CycleState `json:"final_state" yaml:"final_state"` // last state before returning to idle
	Notices          []string         `json:"notices,omitempty" yaml:"notices,omitempty"`
	Err              error            `json:"-" yaml:"-"`
}

// UpdateInstalled reports whether the installer was started.
func (r *Report) UpdateInstalled() bool {
	return r.Final == types.StateInstalling && r.Err == nil
}

// Dependencies are the collaborators of an Orchestrator. All are required.
type Dependencies struct {
	Manifest   ManifestFetcher
	Version    VersionSource
	Prompter   Prompter
	Notifier   Notifier
	Downloader Downloader
	Installer  Installer
}

// TransitionHook observes state changes.
type TransitionHook func(from, to types.CycleState)

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithTransitionHook registers a hook called synchronously on every transition.
func WithTransitionHook(hook TransitionHook) OrchestratorOption {
	return func(o *Orchestrator) {
		o.hook = hook
	}
}

// Orchestrator runs update cycles: check, prompt, download, install.
// At most one cycle runs at a time in the whole process, whichever
// Orchestrator started it.
type Orchestrator struct {
	deps Dependencies
	hook TransitionHook

	mu    sync.Mutex
	state types.CycleState
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Dependencies, opts ...OrchestratorOption) (*Orchestrator, error) {
	var missing []string
	if deps.Manifest == nil {
		missing = append(missing, "manifest")
	}
	if deps.Version == nil {
		missing = append(missing, "version")
	}
	if deps.Prompter == nil {
		missing = append(missing, "prompter")
	}
	if deps.Notifier == nil {
		missing = append(missing, "notifier")
	}
	if deps.Downloader == nil {
		missing = append(missing, "downloader")
	}
	if deps.Installer == nil {
		missing = append(missing, "installer")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing orchestrator dependencies: %v", missing)
	}

	o := &Orchestrator{deps: deps, state: types.StateIdle}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// State returns the current state.
func (o *Orchestrator) State() types.CycleState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Run executes one update cycle and returns to idle. Failures inside the
// cycle, panics included, are reported in Report.Err; the only error
// returned is ErrCycleInProgress.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	if !cycleInProgress.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer cycleInProgress.Store(false)

	report := &Report{}
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("update cycle panicked: %v\n%s", r, debug.Stack())
				report.Err = fmt.Errorf("update cycle panicked: %v", r)
				o.fail()
			}
		}()
		o.cycle(ctx, report)
	}()

	report.Final = o.State()
	o.set(types.StateIdle, true)
	return report, nil
}

func (o *Orchestrator) cycle(ctx context.Context, report *Report) {
	o.to(types.StateChecking)

	installed, err := o.deps.Version.InstalledVersionCode()
	if err != nil {
		report.Err = fmt.Errorf("read installed version: %w", err)
		o.to(types.StateFailed)
		return
	}
	report.InstalledVersion = installed

	m, err := o.deps.Manifest.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			report.Err = ctx.Err()
			o.to(types.StateFailed)
			return
		}
		report.ManifestError = manifest.KindOf(err)
		log.Debugf("no update: manifest unavailable (%s): %v", report.ManifestError, err)
		o.to(types.StateNoUpdate)
		return
	}
	report.ManifestVersion = m.VersionCode
	report.PackageURL = m.PackageURL

	if !ShouldUpdate(m.VersionCode, installed) {
		log.Debugf("no update: manifest version %d, installed %d", m.VersionCode, installed)
		o.to(types.StateNoUpdate)
		return
	}
	o.to(types.StateUpdateAvailable)

	o.to(types.StatePrompting)
	choice, err := o.deps.Prompter.PresentChoice(ctx, PromptTitle, PromptMessage+"\n\n"+m.PackageURL)
	if err != nil {
		report.Err = fmt.Errorf("present update choice: %w", err)
		o.to(types.StateFailed)
		return
	}
	report.Choice = choice
	if !choice.IsAccepted() {
		o.to(types.StateDeclined)
		return
	}
	o.to(types.StateAccepted)

	id, err := o.deps.Downloader.Submit(ctx, m.PackageURL)
	if err != nil {
		report.Err = err
		o.to(types.StateFailed)
		return
	}
	report.JobID = id
	o.to(types.StateDownloading)

	result, err := o.deps.Downloader.PollUntilTerminal(ctx, id)
	if err != nil {
		report.Err = fmt.Errorf("wait for download %s: %w", id, err)
		o.to(types.StateFailed)
		return
	}
	report.Poll = result

	switch result.Outcome {
	case types.OutcomeSucceeded:
		o.to(types.StateDownloadSucceeded)
	case types.OutcomeTimeout:
		log.WithField("job", id).Warnf("download timed out after %d poll(s): %s", result.Polls, result.Reason)
		o.to(types.StateDownloadTimeout)
		o.notify(report, NoticeDownloadTimeout)
		return
	default:
		log.WithField("job", id).Warnf("download failed: %s", result.Reason)
		o.to(types.StateDownloadFailed)
		o.notify(report, NoticeDownloadFailed)
		return
	}

	o.to(types.StateInstalling)
	if err := o.deps.Installer.Install(ctx, result.Locator); err != nil {
		log.Errorf("failed to start installer: %v", err)
		report.Err = err
		o.notify(report, NoticeInstallFailed)
	}
}

func (o *Orchestrator) notify(report *Report, message string) {
	report.Notices = append(report.Notices, message)
	o.deps.Notifier.Notify(message)
}

// fail moves a cycle that was interrupted by a panic to the failed state.
func (o *Orchestrator) fail() {
	current := o.State()
	if current.IsTerminal() {
		return
	}
	if !current.CanTransition(types.StateFailed) {
		log.Warnf("forcing update cycle from %s to %s", current, types.StateFailed)
	}
	o.set(types.StateFailed, true)
}

// to performs a validated transition. An illegal transition is a programming
// error and panics; Run recovers it into a failed cycle.
func (o *Orchestrator) to(next types.CycleState) {
	o.set(next, false)
}

func (o *Orchestrator) set(next types.CycleState, force bool) {
	o.mu.Lock()
	from := o.state
	if !force && !from.CanTransition(next) {
		o.mu.Unlock()
		panic(fmt.Sprintf("illegal update cycle transition %s -> %s", from, next))
	}
	o.state = next
	o.mu.Unlock()

	if from == next {
		return
	}
	log.Debugf("update cycle: %s -> %s", from, next)
	if o.hook != nil {
		o.callHook(from, next)
	}
}

func (o *Orchestrator) callHook(from, next types.CycleState) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("update cycle transition hook panicked: %v", r)
		}
	}()
	o.hook(from, next)
}
