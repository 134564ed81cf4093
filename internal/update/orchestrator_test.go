package update

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamancini/sideload/internal/downloads"
	"github.com/adamancini/sideload/internal/manifest"
	"github.com/adamancini/sideload/internal/types"
)

const testPackageURL = "https://example.com/builds/app-release.apk"

type fakeManifest struct {
	m   *manifest.Manifest
	err error
}

func (f *fakeManifest) Fetch(ctx context.Context) (*manifest.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, &manifest.Error{Kind: manifest.KindTransport, Message: "request manifest", Err: err}
	}
	return f.m, f.err
}

type fakePrompter struct {
	mu       sync.Mutex
	choice   types.Choice
	err      error
	panicMsg string
	entered  chan struct{}
	release  chan struct{}
	titles   []string
	messages []string
}

func (f *fakePrompter) PresentChoice(_ context.Context, title, message string) (types.Choice, error) {
	f.mu.Lock()
	f.titles = append(f.titles, title)
	f.messages = append(f.messages, message)
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.choice, f.err
}

func (f *fakePrompter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Notify(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

type fakeDownloader struct {
	result    *PollResult
	pollErr   error
	submitErr error
	submitted []string
}

func (f *fakeDownloader) Submit(_ context.Context, packageURL string) (downloads.JobID, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, packageURL)
	return "job-1", nil
}

func (f *fakeDownloader) PollUntilTerminal(_ context.Context, id downloads.JobID) (*PollResult, error) {
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	r := *f.result
	r.JobID = id
	return &r, nil
}

type fakeInstaller struct {
	mu       sync.Mutex
	err      error
	locators []string
}

func (f *fakeInstaller) Install(_ context.Context, locator string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locators = append(f.locators, locator)
	return f.err
}

type fixture struct {
	manifest   *fakeManifest
	prompter   *fakePrompter
	notifier   *fakeNotifier
	downloader *fakeDownloader
	installer  *fakeInstaller
	version    VersionSource
}

func newFixture(manifestVersion int, choice types.Choice, outcome types.PollOutcome) *fixture {
	return &fixture{
		manifest: &fakeManifest{m: &manifest.Manifest{VersionCode: manifestVersion, PackageURL: testPackageURL}},
		prompter: &fakePrompter{choice: choice},
		notifier: &fakeNotifier{},
		downloader: &fakeDownloader{result: &PollResult{
			Outcome: outcome,
			Locator: "file:///downloads/app-release.apk",
			Polls:   3,
		}},
		installer: &fakeInstaller{},
		version:   StaticVersion(5),
	}
}

func (f *fixture) orchestrator(t *testing.T, opts ...OrchestratorOption) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(Dependencies{
		Manifest:   f.manifest,
		Version:    f.version,
		Prompter:   f.prompter,
		Notifier:   f.notifier,
		Downloader: f.downloader,
		Installer:  f.installer,
	}, opts...)
	require.NoError(t, err)
	return o
}

func TestNewOrchestratorRequiresDependencies(t *testing.T) {
	_, err := NewOrchestrator(Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest")
	assert.Contains(t, err.Error(), "installer")
}

func TestRunNoUpdateWhenManifestNotNewer(t *testing.T) {
	for _, v := range []int{5, 4} {
		t.Run(fmt.Sprintf("manifest %d", v), func(t *testing.T) {
			f := newFixture(v, types.ChoiceAccepted, types.OutcomeSucceeded)
			o := f.orchestrator(t)

			report, err := o.Run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, types.StateNoUpdate, report.Final)
			assert.Equal(t, 5, report.InstalledVersion)
			assert.Equal(t, v, report.ManifestVersion)
			assert.NoError(t, report.Err)
			assert.Zero(t, f.prompter.calls())
			assert.Empty(t, f.downloader.submitted)
			assert.Equal(t, types.StateIdle, o.State())
		})
	}
}

func TestRunNoUpdateWhenManifestUnavailable(t *testing.T) {
	f := newFixture(6, types.ChoiceAccepted, types.OutcomeSucceeded)
	f.manifest = &fakeManifest{err: &manifest.Error{Kind: manifest.KindMalformed, Message: "decode manifest"}}
	o := f.orchestrator(t)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateNoUpdate, report.Final)
	assert.Equal(t, manifest.KindMalformed, report.ManifestError)
	assert.NoError(t, report.Err)
	assert.Zero(t, f.prompter.calls())
	assert.Empty(t, f.notifier.messages)
}

func TestRunPromptsOnceWithPackageURL(t *testing.T) {
	f := newFixture(6, types.ChoiceDeclined, types.OutcomeSucceeded)
	o := f.orchestrator(t)

	report, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, f.prompter.calls())
	assert.Equal(t, PromptTitle, f.prompter.titles[0])
	assert.Contains(t, f.prompter.messages[0], PromptMessage)
	assert.Contains(t, f.prompter.messages[0], testPackageURL)
	assert.Equal(t, types.ChoiceDeclined, report.Choice)
}

func TestRunDeclinedSubmitsNothing(t *testing.T) {
	f := newFixture(6, types.ChoiceDeclined, types.OutcomeSucceeded)
	report, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.StateDeclined, report.Final)
	assert.Empty(t, f.downloader.submitted)
	assert.Empty(t, f.installer.locators)
	assert.Empty(t, report.JobID)
}

func TestRunAcceptedInstallsOnce(t *testing.T) {
	f := newFixture(6, types.ChoiceAccepted, types.OutcomeSucceeded)
	report, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{testPackageURL}, f.downloader.submitted)
	assert.Equal(t, []string{"file:///downloads/app-release.apk"}, f.installer.locators)
	assert.Equal(t, types.StateInstalling, report.Final)
	assert.Equal(t, downloads.JobID("job-1"), report.JobID)
	assert.True(t, report.UpdateInstalled())
	assert.NoError(t, report.Err)
	assert.Empty(t, f.notifier.messages)
}

func TestRunDownloadFailedNotifies(t *testing.T) {
	f := newFixture(6, types.ChoiceAccepted, types.OutcomeFailed)
	report, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.StateDownloadFailed, report.Final)
	assert.Equal(t, []string{NoticeDownloadFailed}, f.notifier.messages)
	assert.Equal(t, []string{NoticeDownloadFailed}, report.Notices)
	assert.Empty(t, f.installer.locators)
	assert.False(t, report.UpdateInstalled())
}

func TestRunDownloadTimeoutNotifies(t *testing.T) {
	f := newFixture(6, types.ChoiceAccepted, types.OutcomeTimeout)
	report, err := f.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.StateDownloadTimeout, report.Final)
	assert.Equal(t, []string{NoticeDownloadTimeout}, f.notifier.messages)
	assert.Empty(t, f.installer.locators)
}

func TestRunInstallFailureNotifiesWithoutRetry(t *testing.T) {
	f := newFixture(6, types.ChoiceAccepted, types.OutcomeSucceeded)
	f.installer.err = &InstallError{Locator: "file:///downloads/app-release.apk", Err: errors.New("exec: not found")}

	o := f.orchestrator(t)
	report, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.StateInstalling, report.Final)
	assert.Len(t, f.installer.locators, 1)
	assert.Equal(t, []string{NoticeInstallFailed}, f.notifier.messages)

	var installErr *InstallError
	assert.ErrorAs(t, report.Err, &installErr)
	assert.False(t, report.UpdateInstalled())
	assert.Equal(t, types.StateIdle, o.State())
}

func TestRunInternalErrorsEndInFailed(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{
			name:  "version source",
			setup: func(f *fixture) { f.version = BuildVersion("dev") },
		},
		{
			name:  "prompter",
			setup: func(f *fixture) { f.prompter.err = errors.New("no display") },
		},
		{
			name:  "submit",
			setup: func(f *fixture) { f.downloader.submitErr = downloads.ErrClosed },
		},
		{
			name:  "poll",
			setup: func(f *fixture) { f.downloader.pollErr = context.Canceled },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(6, types.ChoiceAccepted, types.OutcomeSucceeded)
			tt.setup(f)
			o := f.orchestrator(t)

			report, err := o.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, types.StateFailed, report.Final)
			assert.Error(t, report.Err)
			assert.Empty(t, f.installer.locators)
			assert.Equal(t, types.StateIdle, o.State())
		})
	}
}

func TestRunCancelledContext(t *testing.T) {
	f := newFixture(6, types.ChoiceAccepted, types.OutcomeSucceeded)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.orchestrator(t).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, report.Final)
	assert.ErrorIs(t, report.Err, context.Canceled)
	assert.Zero(t, f.prompter.calls())
}

func TestRunRecoversPanic(t *testing.T) {
	f := newFixture(6, types.ChoiceAccepted, types.OutcomeSucceeded)
	f.prompter.panicMsg = "boom"
	o := f.orchestrator(t)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, report.Final)
	require.Error(t, report.Err)
	assert.Contains(t, report.Err.Error(), "boom")
	assert.Equal(t, types.StateIdle, o.State())

	// the guard is released after a panic
	f.prompter.panicMsg = ""
	report, err = o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateInstalling, report.Final)
}

func TestRunRejectsConcurrentCycle(t *testing.T) {
	f := newFixture(6, types.ChoiceDeclined, types.OutcomeSucceeded)
	f.prompter.entered = make(chan struct{})
	f.prompter.release = make(chan struct{})
	o := f.orchestrator(t)

	done := make(chan *Report, 1)
	go func() {
		report, err := o.Run(context.Background())
		assert.NoError(t, err)
		done <- report
	}()

	<-f.prompter.entered
	assert.Equal(t, types.StatePrompting, o.State())

	report, err := o.Run(context.Background())
	assert.Nil(t, report)
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(f.prompter.release)
	select {
	case report := <-done:
		assert.Equal(t, types.StateDeclined, report.Final)
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle did not finish")
	}

	// a new cycle can start once the previous one ended
	f.prompter.entered = nil
	report, err = o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateDeclined, report.Final)
	assert.Equal(t, 2, f.prompter.calls())
}

func TestRunTransitionHook(t *testing.T) {
	f := newFixture(6, types.ChoiceAccepted, types.OutcomeSucceeded)

	var got []types.CycleState
	o := f.orchestrator(t, WithTransitionHook(func(from, to types.CycleState) {
		assert.True(t, from.CanTransition(to), "%s -> %s", from, to)
		got = append(got, to)
	}))

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []types.CycleState{
		types.StateChecking,
		types.StateUpdateAvailable,
		types.StatePrompting,
		types.StateAccepted,
		types.StateDownloading,
		types.StateDownloadSucceeded,
		types.StateInstalling,
		types.StateIdle,
	}, got)
}

func TestRunEndToEndWithDownloadService(t *testing.T) {
	payload := []byte("apk payload")
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/update.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `{"versionCode": 6, "apkUrl": "%s/app-release.apk"}`, server.URL)
	})
	mux.HandleFunc("/app-release.apk", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	})

	root := t.TempDir()
	svc, err := downloads.Open(context.Background(), downloads.Options{
		StateDir:    filepath.Join(root, "state"),
		DownloadDir: filepath.Join(root, "downloads"),
		HTTPClient:  server.Client(),
	})
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, svc.Close())
	}()

	installer := &fakeInstaller{}
	notifier := &fakeNotifier{}
	o, err := NewOrchestrator(Dependencies{
		Manifest:   manifest.NewClient(server.URL+"/update.json", manifest.WithHTTPClient(server.Client())),
		Version:    StaticVersion(5),
		Prompter:   &fakePrompter{choice: types.ChoiceAccepted},
		Notifier:   notifier,
		Downloader: NewCoordinator(svc, CoordinatorOptions{PollInterval: 5 * time.Millisecond, MaxPollDuration: 10 * time.Second}),
		Installer:  installer,
	})
	require.NoError(t, err)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, report.Err)
	assert.Equal(t, types.StateInstalling, report.Final)
	require.NotNil(t, report.Poll)
	assert.Equal(t, types.OutcomeSucceeded, report.Poll.Outcome)

	require.Len(t, installer.locators, 1)
	path, err := downloads.PathFromLocator(installer.locators[0])
	require.NoError(t, err)
	assert.Equal(t, "app-release.apk", filepath.Base(path))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Empty(t, notifier.messages)
}

func TestRunRejectsCycleOfAnotherOrchestrator(t *testing.T) {
	first := newFixture(6, types.ChoiceDeclined, types.OutcomeSucceeded)
	first.prompter.entered = make(chan struct{})
	first.prompter.release = make(chan struct{})
	a := first.orchestrator(t)

	second := newFixture(6, types.ChoiceAccepted, types.OutcomeSucceeded)
	b := second.orchestrator(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := a.Run(context.Background())
		assert.NoError(t, err)
	}()

	<-first.prompter.entered
	report, err := b.Run(context.Background())
	assert.Nil(t, report)
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.Equal(t, types.StateIdle, b.State())
	assert.Empty(t, second.downloader.submitted)

	close(first.prompter.release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle did not finish")
	}

	report, err = b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateInstalling, report.Final)
}
