package update

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/sideload/internal/downloads"
	"github.com/adamancini/sideload/internal/types"
)

const (
	// DefaultPollInterval is the delay between two status queries.
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultMaxPollDuration bounds how long a download is waited for.
	DefaultMaxPollDuration = 30 * time.Minute
	// DefaultDestinationFilename is the fixed name the package is saved under.
	DefaultDestinationFilename = "app-release.apk"

	downloadTitle       = "Downloading Update"
	downloadDescription = "Downloading the latest version of the app."
)

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	// Filename is the destination file name. Defaults to DefaultDestinationFilename.
	Filename string
	// Visibility of the download notification. Defaults to visible_notify_completed.
	Visibility types.Visibility
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	// MaxPollDuration caps the wait. Zero disables the cap.
	MaxPollDuration time.Duration
	// MaxPolls caps the number of status queries. Zero disables the cap.
	MaxPolls int
}

// Coordinator hands downloads to the download service and waits for them.
type Coordinator struct {
	jobs JobService
	opts CoordinatorOptions
}

// NewCoordinator creates a coordinator on top of a download service.
func NewCoordinator(jobs JobService, opts CoordinatorOptions) *Coordinator {
	if opts.Filename == "" {
		opts.Filename = DefaultDestinationFilename
	}
	if opts.Visibility == "" {
		opts.Visibility = types.VisibilityVisibleNotifyCompleted
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Coordinator{jobs: jobs, opts: opts}
}

// Submit enqueues exactly one download of packageURL.
func (c *Coordinator) Submit(ctx context.Context, packageURL string) (downloads.JobID, error) {
	id, err := c.jobs.Submit(ctx, downloads.Request{
		URL:         packageURL,
		Filename:    c.opts.Filename,
		Title:       downloadTitle,
		Description: downloadDescription,
		Visibility:  c.opts.Visibility,
	})
	if err != nil {
		return "", fmt.Errorf("submit download: %w", err)
	}
	log.WithField("job", id).Debugf("submitted download of %s", packageURL)
	return id, nil
}

// jobGetter is implemented by services that expose the failure reason.
type jobGetter interface {
	Get(ctx context.Context, id downloads.JobID) (*downloads.Job, error)
}

// PollUntilTerminal queries the job every PollInterval until it succeeds,
// fails, or one of the caps is hit. Unknown jobs and query errors count as
// not yet settled. The only error returned is the context's.
func (c *Coordinator) PollUntilTerminal(ctx context.Context, id downloads.JobID) (*PollResult, error) {
	logger := log.WithField("job", id)
	result := &PollResult{JobID: id}

	var deadline <-chan time.Time
	if c.opts.MaxPollDuration > 0 {
		timer := time.NewTimer(c.opts.MaxPollDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		status, err := c.jobs.Query(ctx, id)
		result.Polls++

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Debugf("status query failed, will retry: %v", err)
		case status == types.StatusSucceeded:
			locator, err := c.jobs.Resolve(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				result.Outcome = types.OutcomeFailed
				result.Reason = fmt.Sprintf("resolve artifact: %v", err)
				return result, nil
			}
			result.Outcome = types.OutcomeSucceeded
			result.Locator = locator
			return result, nil
		case status == types.StatusFailed:
			result.Outcome = types.OutcomeFailed
			result.Reason = c.failureReason(ctx, id)
			return result, nil
		default:
			logger.Tracef("download %s after %d poll(s)", status, result.Polls)
		}

		if c.opts.MaxPolls > 0 && result.Polls >= c.opts.MaxPolls {
			result.Outcome = types.OutcomeTimeout
			result.Reason = fmt.Sprintf("no result after %d status queries", result.Polls)
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			result.Outcome = types.OutcomeTimeout
			result.Reason = fmt.Sprintf("no result after %v", c.opts.MaxPollDuration)
			return result, nil
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) failureReason(ctx context.Context, id downloads.JobID) string {
	const generic = "download job failed"
	g, ok := c.jobs.(jobGetter)
	if !ok {
		return generic
	}
	job, err := g.Get(ctx, id)
	if err != nil || job.Error == "" {
		if err != nil && !errors.Is(err, downloads.ErrNotFound) {
			log.WithField("job", id).Debugf("failed to read failure reason: %v", err)
		}
		return generic
	}
	return job.Error
}
