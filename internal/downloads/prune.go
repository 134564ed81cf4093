package downloads

import (
	"context"
	"fmt"
)

// DefaultKeepCount is the default number of finished jobs to retain.
const DefaultKeepCount = 20

// PruneResult contains information about what was pruned.
type PruneResult struct {
	Deleted []Job `json:"deleted" yaml:"deleted"`
	Kept    int   `json:"kept" yaml:"kept"`
}

// Prune removes old job records, keeping only the most recent N finished jobs.
// Pending and running jobs are never pruned and do not count against keep.
// Artifacts on disk are left alone.
func (s *Service) Prune(ctx context.Context, keep int) (*PruneResult, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep count must be non-negative")
	}

	jobs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	result := &PruneResult{}

	// Jobs are already sorted newest first
	finished := 0
	for _, job := range jobs {
		if job.Status.IsActive() {
			result.Kept++
			continue
		}
		if finished < keep {
			finished++
			result.Kept++
			continue
		}
		if err := s.store.delete(ctx, job.ID); err != nil {
			return nil, fmt.Errorf("failed to delete job %s: %w", job.ID, err)
		}
		result.Deleted = append(result.Deleted, job)
	}

	return result, nil
}
