// Package downloads is a persistent download service.
//
// It plays the role the operating system's download manager plays for a
// mobile client: callers enqueue a job and get back an opaque id, the
// service transfers the file on its own goroutine, and callers learn the
// outcome only by querying the job. Job state lives in a SQLite table so it
// outlives the task that submitted it and can be inspected by another
// process (sideload jobs).
//
// Downloads are not resumable. A service that has unresolved jobs refreshes
// their heartbeat every HeartbeatInterval. When a service is opened, jobs
// left pending or running by a service that stopped doing so are marked
// failed and their partial files removed. Services sharing a state directory
// should use the same HeartbeatInterval.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/adamancini/sideload/internal/types"
)

const (
	// DefaultMaxRetryElapsed bounds the retries of a single job.
	DefaultMaxRetryElapsed = 2 * time.Minute
	// DefaultProgressInterval throttles progress writes and notifications.
	DefaultProgressInterval = 250 * time.Millisecond
	// DefaultHeartbeatInterval is how often a service proves its jobs are alive.
	DefaultHeartbeatInterval = 2 * time.Second

	// missed heartbeats after which an unresolved job counts as interrupted
	staleHeartbeats = 3
)

var (
	// ErrInvalidRequest is returned by Submit for a request it cannot enqueue.
	ErrInvalidRequest = errors.New("invalid download request")
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("download job not found")
	// ErrNotSucceeded is returned by Resolve for a job without an artifact.
	ErrNotSucceeded = errors.New("download job has not succeeded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("download service closed")
)

// JobID is the opaque handle of a download job.
type JobID string

func (id JobID) String() string {
	return string(id)
}

// Job is a download job as recorded by the service.
type Job struct {
	ID          JobID                `json:"id" yaml:"id"`
	URL         string               `json:"url" yaml:"url"`
	Filename    string               `json:"filename" yaml:"filename"`
	Path        string               `json:"path" yaml:"path"`
	Title       string               `json:"title,omitempty" yaml:"title,omitempty"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Visibility  types.Visibility     `json:"visibility" yaml:"visibility"`
	Status      types.DownloadStatus `json:"status" yaml:"status"`
	BytesDone   int64                `json:"bytes_done" yaml:"bytes_done"`
	BytesTotal  int64                `json:"bytes_total" yaml:"bytes_total"` // -1 when unknown
	Error       string               `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt   time.Time            `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at" yaml:"updated_at"`
}

// Percent returns the completed share in [0, 100], or -1 when the size is unknown.
func (j Job) Percent() float64 {
	if j.Status == types.StatusSucceeded {
		return 100
	}
	if j.BytesTotal <= 0 {
		return -1
	}
	return float64(j.BytesDone) * 100 / float64(j.BytesTotal)
}

// Request describes a download to enqueue.
type Request struct {
	URL         string
	Filename    string // destination file name inside the download directory
	Title       string
	Description string
	Visibility  types.Visibility
}

// Notifier renders the user-visible download notification.
type Notifier interface {
	DownloadProgress(job Job)
	DownloadFinished(job Job)
}

// Options configures a Service.
type Options struct {
	// StateDir holds the job database.
	StateDir string
	// DownloadDir receives finished artifacts.
	DownloadDir string
	// HTTPClient performs the transfers. Defaults to a client without timeout.
	HTTPClient *http.Client
	// UserAgent is sent with every transfer.
	UserAgent string
	// MaxRetryElapsed bounds retries of transient failures. Zero disables retries.
	MaxRetryElapsed time.Duration
	// ProgressInterval throttles progress updates. Defaults to DefaultProgressInterval.
	ProgressInterval time.Duration
	// Notifier receives progress for visible jobs. Optional.
	Notifier Notifier
	// HeartbeatInterval defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
	// SkipRecovery leaves interrupted jobs untouched. Used when the service
	// is opened only to inspect or prune jobs.
	SkipRecovery bool
}

// Service runs download jobs and answers status queries.
type Service struct {
	opts  Options
	store *store

	retryInitialInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	closed        bool
	heartbeatOnce sync.Once
	partials      []string

	errMu sync.Mutex
	errs  *multierror.Error
}

// Open creates the directories, opens the job database and, unless
// SkipRecovery is set, fails jobs left unresolved by a previous process.
func Open(ctx context.Context, opts Options) (*Service, error) {
	if opts.StateDir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if opts.DownloadDir == "" {
		return nil, fmt.Errorf("download directory is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}

	for _, dir := range []string{opts.StateDir, opts.DownloadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	st, err := openStore(ctx, filepath.Join(opts.StateDir, DBFileName))
	if err != nil {
		return nil, err
	}

	st.owner = uuid.NewString()

	if !opts.SkipRecovery {
		staleBefore := st.now().Add(-staleHeartbeats * opts.HeartbeatInterval)
		partials, err := st.markInterrupted(ctx, staleBefore)
		if err != nil {
			_ = st.close()
			return nil, err
		}
		if len(partials) > 0 {
			log.Infof("marked %d interrupted download job(s) as failed", len(partials))
		}
		if err := removePartials(partials); err != nil {
			log.Warnf("failed to clean up interrupted downloads: %v", err)
		}
	}

	svcCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:   opts,
		store:  st,
		ctx:    svcCtx,
		cancel: cancel,
	}, nil
}

// Submit enqueues exactly one job and starts transferring it in the background.
// An existing file with the same destination name is overwritten when the
// job completes.
func (s *Service) Submit(ctx context.Context, req Request) (JobID, error) {
	if err := validateRequest(&req); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	job := &Job{
		ID:          JobID(uuid.NewString()),
		URL:         req.URL,
		Filename:    req.Filename,
		Path:        filepath.Join(s.opts.DownloadDir, req.Filename),
		Title:       req.Title,
		Description: req.Description,
		Visibility:  req.Visibility,
		Status:      types.StatusPending,
		BytesTotal:  -1,
	}
	if err := s.store.insert(ctx, job); err != nil {
		return "", err
	}

	log.WithField("job", job.ID).Infof("enqueued download of %s to %s", job.URL, job.Path)

	s.partials = append(s.partials, partialPath(job.Path, job.ID))
	s.heartbeatOnce.Do(func() {
		s.wg.Add(1)
		go s.heartbeat()
	})

	s.wg.Add(1)
	go s.run(*job)

	return job.ID, nil
}

// Query returns the current status of a job, or StatusNotFound for an unknown id.
func (s *Service) Query(ctx context.Context, id JobID) (types.DownloadStatus, error) {
	job, err := s.store.get(ctx, id)
	if errors.Is(err, errJobNotFound) {
		return types.StatusNotFound, nil
	}
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// Get returns the full job record.
func (s *Service) Get(ctx context.Context, id JobID) (*Job, error) {
	job, err := s.store.get(ctx, id)
	if errors.Is(err, errJobNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, err
}

// List returns all known jobs, newest first.
func (s *Service) List(ctx context.Context) ([]Job, error) {
	return s.store.list(ctx)
}

// Resolve returns a file:// locator for the artifact of a succeeded job.
func (s *Service) Resolve(ctx context.Context, id JobID) (string, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != types.StatusSucceeded {
		return "", fmt.Errorf("%w: %s is %s", ErrNotSucceeded, id, job.Status)
	}
	return LocatorFor(job.Path)
}

// Close stops running jobs, waits for their workers, removes partial files
// they left and closes the database. The error aggregates outcomes the
// workers could not record, failed cleanups and the database close.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	partials := s.partials
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.errMu.Lock()
	merr := s.errs
	s.errMu.Unlock()

	if err := removePartials(partials); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := s.store.close(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("close job db: %w", err))
	}
	return merr.ErrorOrNil()
}

// heartbeat keeps the jobs of this service from being recovered by another
// process until the service is closed.
func (s *Service) heartbeat() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.heartbeat(s.ctx); err != nil && s.ctx.Err() == nil {
				log.Warnf("failed to refresh download heartbeat: %v", err)
			}
		}
	}
}

// recordErr keeps an error for Close to report.
func (s *Service) recordErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.errs = multierror.Append(s.errs, err)
}

// removePartials deletes partial download files; missing ones are fine.
func removePartials(paths []string) error {
	var merr *multierror.Error
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			merr = multierror.Append(merr, fmt.Errorf("remove partial download: %w", err))
		}
	}
	return merr.ErrorOrNil()
}

func validateRequest(req *Request) error {
	u, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported URL scheme %q", ErrInvalidRequest, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: URL %q has no host", ErrInvalidRequest, req.URL)
	}

	name := strings.TrimSpace(req.Filename)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: invalid destination file name %q", ErrInvalidRequest, req.Filename)
	}
	req.Filename = name

	if req.Visibility == "" {
		req.Visibility = types.VisibilityVisibleNotifyCompleted
	}
	if err := req.Visibility.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// LocatorFor converts a local path into a file:// locator.
func LocatorFor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve artifact path: %w", err)
	}
	p := filepath.ToSlash(abs)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String(), nil
}

// PathFromLocator converts a file:// locator (or a plain path) back into a local path.
func PathFromLocator(locator string) (string, error) {
	if !strings.HasPrefix(locator, "file:") {
		if locator == "" {
			return "", fmt.Errorf("empty artifact locator")
		}
		return filepath.Clean(locator), nil
	}
	u, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("parse artifact locator: %w", err)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("artifact locator %q is not local", locator)
	}
	p := u.Path
	// file:///C:/dir -> C:/dir
	if len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.FromSlash(p), nil
}
