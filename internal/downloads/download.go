package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/adamancini/sideload/internal/types"
)

const (
	partSuffix = ".part"

	defaultRetryInitialInterval = 500 * time.Millisecond
)

// statusError is an HTTP response outside the 2xx range.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.code)
}

// run drives one job from pending to a terminal status.
func (s *Service) run(job Job) {
	defer s.wg.Done()

	logger := log.WithField("job", job.ID)

	if err := s.store.setStatus(s.ctx, job.ID, types.StatusRunning, ""); err != nil {
		logger.Errorf("failed to mark download running: %v", err)
	}
	job.Status = types.StatusRunning

	err := s.download(s.ctx, &job)

	// the service context may be cancelled already, the outcome must still land
	finalCtx := context.Background()
	if err != nil {
		job.Status = types.StatusFailed
		job.Error = failureReason(err)
		logger.Warnf("download failed: %v", err)
	} else {
		job.Status = types.StatusSucceeded
		job.Error = ""
		logger.Infof("download finished: %s (%d bytes)", job.Path, job.BytesDone)
	}
	if err := s.store.setProgress(finalCtx, job.ID, job.BytesDone, job.BytesTotal); err != nil {
		logger.Errorf("failed to record final progress: %v", err)
		s.recordErr(fmt.Errorf("record progress of job %s: %w", job.ID, err))
	}
	if err := s.store.setStatus(finalCtx, job.ID, job.Status, job.Error); err != nil {
		logger.Errorf("failed to record download outcome: %v", err)
		s.recordErr(fmt.Errorf("record outcome of job %s: %w", job.ID, err))
	}

	if s.opts.Notifier != nil && job.Visibility.NotifiesCompletion() {
		s.opts.Notifier.DownloadFinished(job)
	}
}

// download retries transient failures with exponential backoff.
// Client errors (4xx) are not retried.
func (s *Service) download(ctx context.Context, job *Job) error {
	var bo backoff.BackOff = &backoff.StopBackOff{}
	if s.opts.MaxRetryElapsed > 0 {
		initial := s.retryInitialInterval
		if initial <= 0 {
			initial = defaultRetryInitialInterval
		}
		eb := &backoff.ExponentialBackOff{
			InitialInterval:     initial,
			RandomizationFactor: backoff.DefaultRandomizationFactor,
			Multiplier:          backoff.DefaultMultiplier,
			MaxInterval:         10 * time.Second,
			MaxElapsedTime:      s.opts.MaxRetryElapsed,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		}
		eb.Reset()
		bo = eb
	}

	return backoff.RetryNotify(
		func() error {
			err := s.transfer(ctx, job)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			var se *statusError
			if errors.As(err, &se) && se.code >= 400 && se.code < 500 {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(bo, ctx),
		func(err error, d time.Duration) {
			log.WithField("job", job.ID).Warnf("download attempt failed, retrying in %v: %v", d, err)
		},
	)
}

// transfer performs one attempt. The body is written to a partial file that
// replaces the destination only after the whole body arrived.
func (s *Service) transfer(ctx context.Context, job *Job) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	if s.opts.UserAgent != "" {
		req.Header.Set("User-Agent", s.opts.UserAgent)
	}

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", job.URL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode}
	}

	job.BytesDone = 0
	job.BytesTotal = resp.ContentLength
	if job.BytesTotal < 0 {
		job.BytesTotal = -1
	}

	tmp := partialPath(job.Path, job.ID)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create %s: %w", tmp, err))
	}

	pr := &progressReader{
		r:      resp.Body,
		total:  job.BytesTotal,
		report: s.progressReporter(ctx, job),
	}
	n, copyErr := io.Copy(f, pr)
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr == nil && job.BytesTotal >= 0 && n != job.BytesTotal {
		copyErr = fmt.Errorf("short body: got %d of %d bytes", n, job.BytesTotal)
	}
	if copyErr != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", job.Path, copyErr)
	}

	if err := os.Rename(tmp, job.Path); err != nil {
		_ = os.Remove(tmp)
		return backoff.Permanent(fmt.Errorf("move artifact into place: %w", err))
	}

	job.BytesDone = n
	if job.BytesTotal < 0 {
		job.BytesTotal = n
	}
	return nil
}

// partialPath is where a job writes its body until it is complete. It is
// unique per job so concurrent jobs for the same destination never share it.
func partialPath(dest string, id JobID) string {
	return dest + "." + string(id) + partSuffix
}

// progressReporter persists progress at most once per ProgressInterval and
// forwards it to the notifier when the job is visible.
func (s *Service) progressReporter(ctx context.Context, job *Job) func(done, total int64) {
	var (
		mu   sync.Mutex
		last time.Time
	)
	return func(done, total int64) {
		mu.Lock()
		defer mu.Unlock()

		job.BytesDone = done
		now := time.Now()
		if now.Sub(last) < s.opts.ProgressInterval && done != total {
			return
		}
		last = now

		if err := s.store.setProgress(ctx, job.ID, done, total); err != nil && ctx.Err() == nil {
			log.WithField("job", job.ID).Debugf("failed to record progress: %v", err)
		}
		if s.opts.Notifier != nil && job.Visibility.ShowsProgress() {
			s.opts.Notifier.DownloadProgress(*job)
		}
	}
}

func failureReason(err error) string {
	var se *statusError
	switch {
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &se):
		return se.Error()
	default:
		return err.Error()
	}
}

type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	report func(done, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.report(p.read, p.total)
	}
	return n, err
}
