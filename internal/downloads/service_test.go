package downloads

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamancini/sideload/internal/types"
)

type recordingNotifier struct {
	mu       sync.Mutex
	progress []Job
	finished []Job
}

func (n *recordingNotifier) DownloadProgress(job Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, job)
}

func (n *recordingNotifier) DownloadFinished(job Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finished = append(n.finished, job)
}

func (n *recordingNotifier) finishedJobs() []Job {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Job(nil), n.finished...)
}

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	root := t.TempDir()
	if opts.StateDir == "" {
		opts.StateDir = filepath.Join(root, "state")
	}
	if opts.DownloadDir == "" {
		opts.DownloadDir = filepath.Join(root, "downloads")
	}
	svc, err := Open(context.Background(), opts)
	require.NoError(t, err)
	svc.retryInitialInterval = time.Millisecond
	t.Cleanup(func() {
		assert.NoError(t, svc.Close())
	})
	return svc
}

func waitTerminal(t *testing.T, svc *Service, id JobID) types.DownloadStatus {
	t.Helper()
	var status types.DownloadStatus
	require.Eventually(t, func() bool {
		var err error
		status, err = svc.Query(context.Background(), id)
		return err == nil && status.IsTerminal()
	}, 10*time.Second, 10*time.Millisecond)
	return status
}

func fileServer(payload []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.android.package-archive")
		_, _ = w.Write(payload)
	}))
}

func TestServiceDownloadSucceeds(t *testing.T) {
	payload := []byte("package bytes")
	server := fileServer(payload)
	defer server.Close()

	notifier := &recordingNotifier{}
	svc := newTestService(t, Options{Notifier: notifier, UserAgent: "sideload/test"})

	id, err := svc.Submit(context.Background(), Request{
		URL:         server.URL + "/app-release.apk",
		Filename:    "app-release.apk",
		Title:       "Downloading update",
		Description: "app-release.apk",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	assert.Equal(t, types.StatusSucceeded, waitTerminal(t, svc, id))

	job, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), job.BytesDone)
	assert.Equal(t, int64(len(payload)), job.BytesTotal)
	assert.Equal(t, float64(100), job.Percent())
	assert.Equal(t, types.VisibilityVisibleNotifyCompleted, job.Visibility)
	assert.Empty(t, job.Error)

	locator, err := svc.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, locator, "file://")

	path, err := PathFromLocator(locator)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = os.Stat(partialPath(path, id))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, svc.Close())
	finished := notifier.finishedJobs()
	require.Len(t, finished, 1)
	assert.Equal(t, id, finished[0].ID)
	assert.Equal(t, types.StatusSucceeded, finished[0].Status)
}

func TestServiceDownloadOverwritesExistingFile(t *testing.T) {
	payload := []byte("new release")
	server := fileServer(payload)
	defer server.Close()

	svc := newTestService(t, Options{})
	dest := filepath.Join(svc.opts.DownloadDir, "app-release.apk")
	require.NoError(t, os.WriteFile(dest, []byte("old release, longer than the new one"), 0o644))

	id, err := svc.Submit(context.Background(), Request{URL: server.URL, Filename: "app-release.apk"})
	require.NoError(t, err)
	require.Equal(t, types.StatusSucceeded, waitTerminal(t, svc, id))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestServiceRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	svc := newTestService(t, Options{MaxRetryElapsed: 5 * time.Second})
	id, err := svc.Submit(context.Background(), Request{URL: server.URL, Filename: "a.apk"})
	require.NoError(t, err)

	assert.Equal(t, types.StatusSucceeded, waitTerminal(t, svc, id))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestServiceDoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	svc := newTestService(t, Options{MaxRetryElapsed: 5 * time.Second})
	id, err := svc.Submit(context.Background(), Request{URL: server.URL, Filename: "a.apk"})
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, waitTerminal(t, svc, id))
	assert.Equal(t, int32(1), attempts.Load())

	job, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, job.Error, "404")

	_, err = svc.Resolve(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotSucceeded)

	_, err = os.Stat(filepath.Join(svc.opts.DownloadDir, "a.apk"))
	assert.True(t, os.IsNotExist(err))
}

func TestServiceWithoutRetryBudgetFailsOnFirstError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	svc := newTestService(t, Options{})
	id, err := svc.Submit(context.Background(), Request{URL: server.URL, Filename: "a.apk"})
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, waitTerminal(t, svc, id))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestServiceQueryUnknownJob(t *testing.T) {
	svc := newTestService(t, Options{})

	status, err := svc.Query(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, types.StatusNotFound, status)

	_, err = svc.Get(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Resolve(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServiceSubmitRejectsInvalidRequests(t *testing.T) {
	svc := newTestService(t, Options{})

	tests := []struct {
		name string
		req  Request
	}{
		{name: "relative url", req: Request{URL: "/a.apk", Filename: "a.apk"}},
		{name: "ftp url", req: Request{URL: "ftp://example.com/a.apk", Filename: "a.apk"}},
		{name: "no host", req: Request{URL: "https:///a.apk", Filename: "a.apk"}},
		{name: "empty filename", req: Request{URL: "https://example.com/a.apk"}},
		{name: "path in filename", req: Request{URL: "https://example.com/a.apk", Filename: "../a.apk"}},
		{name: "bad visibility", req: Request{URL: "https://example.com/a.apk", Filename: "a.apk", Visibility: "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	jobs, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestServiceSubmitAfterClose(t *testing.T) {
	svc := newTestService(t, Options{})
	require.NoError(t, svc.Close())

	_, err := svc.Submit(context.Background(), Request{URL: "https://example.com/a.apk", Filename: "a.apk"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenMarksInterruptedJobsFailed(t *testing.T) {
	stateDir := t.TempDir()
	dir := t.TempDir()

	st, err := openStore(context.Background(), filepath.Join(stateDir, DBFileName))
	require.NoError(t, err)
	st.owner = "crashed"
	st.now = func() time.Time { return time.Now().Add(-time.Hour) }
	for _, job := range []*Job{
		{ID: "running", URL: "https://example.com/a", Filename: "a", Path: filepath.Join(dir, "a"), Visibility: types.VisibilityHidden, Status: types.StatusRunning},
		{ID: "pending", URL: "https://example.com/b", Filename: "b", Path: filepath.Join(dir, "b"), Visibility: types.VisibilityHidden, Status: types.StatusPending},
		{ID: "done", URL: "https://example.com/c", Filename: "c", Path: filepath.Join(dir, "c"), Visibility: types.VisibilityHidden, Status: types.StatusSucceeded},
	} {
		require.NoError(t, st.insert(context.Background(), job))
	}
	st.owner = "alive"
	st.now = time.Now
	require.NoError(t, st.insert(context.Background(), &Job{
		ID: "fresh", URL: "https://example.com/d", Filename: "d", Path: filepath.Join(dir, "d"),
		Visibility: types.VisibilityHidden, Status: types.StatusRunning,
	}))
	require.NoError(t, st.close())

	stalePartial := partialPath(filepath.Join(dir, "a"), "running")
	freshPartial := partialPath(filepath.Join(dir, "d"), "fresh")
	require.NoError(t, os.WriteFile(stalePartial, []byte("half"), 0o644))
	require.NoError(t, os.WriteFile(freshPartial, []byte("half"), 0o644))

	svc := newTestService(t, Options{StateDir: stateDir})

	for id, want := range map[JobID]types.DownloadStatus{
		"running": types.StatusFailed,
		"pending": types.StatusFailed,
		"done":    types.StatusSucceeded,
		"fresh":   types.StatusRunning,
	} {
		job, err := svc.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, job.Status, "job %s", id)
		if want == types.StatusFailed {
			assert.Equal(t, reasonInterrupted, job.Error)
		}
	}

	_, err = os.Stat(stalePartial)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshPartial)
	assert.NoError(t, err)
}

func TestOpenRecoversJobsFromOlderSchema(t *testing.T) {
	stateDir := t.TempDir()
	dbPath := filepath.Join(stateDir, DBFileName)

	db, err := sql.Open("sqlite", buildDSN(dbPath))
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE jobs (
		id TEXT PRIMARY KEY, url TEXT NOT NULL, filename TEXT NOT NULL, path TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '', description TEXT NOT NULL DEFAULT '',
		visibility TEXT NOT NULL, status TEXT NOT NULL,
		bytes_done INTEGER NOT NULL DEFAULT 0, bytes_total INTEGER NOT NULL DEFAULT -1,
		error TEXT NOT NULL DEFAULT '', created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO jobs (id, url, filename, path, visibility, status, created_at, updated_at)
		VALUES ('old', 'https://example.com/a', 'a', '/tmp/a', 'hidden', 'running', 1, 1)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	svc := newTestService(t, Options{StateDir: stateDir})

	job, err := svc.Get(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, reasonInterrupted, job.Error)
}

func TestOpenLeavesJobsOfLiveServiceRunning(t *testing.T) {
	release := make(chan struct{})
	var releaseOnce sync.Once
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "8")
		_, _ = w.Write([]byte("half"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
			_, _ = w.Write([]byte("done"))
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })

	stateDir := t.TempDir()
	interval := 20 * time.Millisecond

	first := newTestService(t, Options{StateDir: stateDir, HeartbeatInterval: interval})
	id, err := first.Submit(context.Background(), Request{URL: server.URL, Filename: "a.apk"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := first.Get(context.Background(), id)
		return err == nil && job.Status == types.StatusRunning && job.BytesDone > 0
	}, 10*time.Second, 5*time.Millisecond)

	// well past the staleness window of a service that stopped heartbeating
	time.Sleep(5 * interval)

	second := newTestService(t, Options{StateDir: stateDir, HeartbeatInterval: interval})
	status, err := second.Query(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, status)

	releaseOnce.Do(func() { close(release) })
	assert.Equal(t, types.StatusSucceeded, waitTerminal(t, first, id))

	status, err = second.Query(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, status)
}

func TestCloseRemovesPartialFiles(t *testing.T) {
	server := fileServer([]byte("package bytes"))
	defer server.Close()

	svc := newTestService(t, Options{})
	id, err := svc.Submit(context.Background(), Request{URL: server.URL, Filename: "a.apk"})
	require.NoError(t, err)
	require.Equal(t, types.StatusSucceeded, waitTerminal(t, svc, id))

	dest := filepath.Join(svc.opts.DownloadDir, "a.apk")
	partial := partialPath(dest, id)
	require.NoError(t, os.WriteFile(partial, []byte("leftover"), 0o644))

	require.NoError(t, svc.Close())

	_, err = os.Stat(partial)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(dest)
	assert.NoError(t, err)
}

func TestCloseAggregatesCleanupErrors(t *testing.T) {
	server := fileServer([]byte("package bytes"))
	defer server.Close()

	svc := newTestService(t, Options{})
	for _, name := range []string{"a.apk", "b.apk"} {
		id, err := svc.Submit(context.Background(), Request{URL: server.URL, Filename: name})
		require.NoError(t, err)
		require.Equal(t, types.StatusSucceeded, waitTerminal(t, svc, id))

		// a non-empty directory cannot be removed
		partial := partialPath(filepath.Join(svc.opts.DownloadDir, name), id)
		require.NoError(t, os.MkdirAll(partial, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(partial, "keep"), nil, 0o644))
	}

	err := svc.Close()
	require.Error(t, err)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 2)
	assert.Contains(t, err.Error(), "remove partial download")

	assert.NoError(t, svc.Close())
}

func TestOpenSkipRecovery(t *testing.T) {
	stateDir := t.TempDir()

	st, err := openStore(context.Background(), filepath.Join(stateDir, DBFileName))
	require.NoError(t, err)
	require.NoError(t, st.insert(context.Background(), &Job{
		ID: "running", URL: "https://example.com/a", Filename: "a", Path: "/tmp/a",
		Visibility: types.VisibilityHidden, Status: types.StatusRunning,
	}))
	require.NoError(t, st.close())

	svc := newTestService(t, Options{StateDir: stateDir, SkipRecovery: true})

	status, err := svc.Query(context.Background(), "running")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, status)
}

func TestServicePrune(t *testing.T) {
	svc := newTestService(t, Options{})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	svc.store.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	statuses := []types.DownloadStatus{
		types.StatusSucceeded, // oldest
		types.StatusFailed,
		types.StatusRunning,
		types.StatusSucceeded,
		types.StatusFailed, // newest
	}
	for i, status := range statuses {
		job := &Job{
			ID:         JobID(string(rune('a' + i))),
			URL:        "https://example.com/a.apk",
			Filename:   "a.apk",
			Path:       "/tmp/a.apk",
			Visibility: types.VisibilityHidden,
			Status:     status,
		}
		require.NoError(t, svc.store.insert(context.Background(), job))
	}

	result, err := svc.Prune(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Kept)
	require.Len(t, result.Deleted, 2)
	assert.Equal(t, JobID("b"), result.Deleted[0].ID)
	assert.Equal(t, JobID("a"), result.Deleted[1].ID)

	jobs, err := svc.List(context.Background())
	require.NoError(t, err)
	var ids []JobID
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []JobID{"e", "d", "c"}, ids)

	_, err = svc.Prune(context.Background(), -1)
	assert.Error(t, err)
}

func TestLocatorRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app release.apk")

	locator, err := LocatorFor(path)
	require.NoError(t, err)
	assert.Contains(t, locator, "file://")
	if runtime.GOOS != "windows" {
		assert.Contains(t, locator, "app%20release.apk")
	}

	got, err := PathFromLocator(locator)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	got, err = PathFromLocator(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = PathFromLocator("")
	assert.Error(t, err)

	_, err = PathFromLocator("file://remote-host/share/a.apk")
	assert.Error(t, err)
}
