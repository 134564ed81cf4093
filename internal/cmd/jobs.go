package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/adamancini/sideload/internal/downloads"
	"github.com/adamancini/sideload/internal/types"
)

func newJobsCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List download jobs",
		Long: `List the jobs recorded by the download service, newest first.

Examples:
  sideload jobs                 # List all jobs
  sideload jobs --status failed # List failed jobs only
  sideload jobs show <id>       # Show one job
  sideload jobs prune --keep 5  # Forget all but the 5 newest finished jobs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var want types.DownloadStatus
			if status != "" {
				parsed, err := types.ParseDownloadStatus(status)
				if err != nil {
					return err
				}
				want = parsed
			}
			return withJobs(cmd.Context(), func(svc *downloads.Service) error {
				list, err := svc.List(cmd.Context())
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), filterJobs(list, want))
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only list jobs with this status: "+statusNames())
	_ = cmd.RegisterFlagCompletionFunc("status", completeStatuses)

	cmd.AddCommand(newJobsShowCmd())
	cmd.AddCommand(newJobsPruneCmd())

	return cmd
}

func newJobsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:               "show <id>",
		Short:             "Show a download job",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeJobIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobs(cmd.Context(), func(svc *downloads.Service) error {
				job, err := svc.Get(cmd.Context(), downloads.JobID(args[0]))
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), (*jobDetail)(job))
			})
		},
	}
}

func newJobsPruneCmd() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Forget old finished download jobs",
		Long: `Prune deletes the records of finished jobs beyond the newest --keep.
Pending and running jobs are always kept. Downloaded files are left on disk.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobs(cmd.Context(), func(svc *downloads.Service) error {
				result, err := svc.Prune(cmd.Context(), keep)
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), (*pruneSummary)(result))
			})
		},
	}

	cmd.Flags().IntVar(&keep, "keep", downloads.DefaultKeepCount, "Number of finished jobs to keep")

	return cmd
}

// withJobs opens the download service for inspection and closes it after fn.
func withJobs(ctx context.Context, fn func(svc *downloads.Service) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := openJobs(ctx, nil, true)
	if err != nil {
		return fmt.Errorf("failed to open download service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warnf("failed to close download service: %v", err)
		}
	}()
	return fn(svc)
}

type jobList []downloads.Job

// filterJobs keeps the jobs with the given status; an empty status keeps all.
func filterJobs(list []downloads.Job, status types.DownloadStatus) jobList {
	if status == "" {
		return list
	}
	filtered := jobList{}
	for _, job := range list {
		if job.Status == status {
			filtered = append(filtered, job)
		}
	}
	return filtered
}

func (l jobList) String() string {
	if len(l) == 0 {
		return "No download jobs."
	}

	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tSIZE\tUPDATED\tFILE")
	for _, job := range l {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", job.ID, job.Status, size(job), humanize.Time(job.UpdatedAt), job.Filename)
	}
	_ = tw.Flush()
	return strings.TrimRight(b.String(), "\n")
}

type jobDetail downloads.Job

func (j *jobDetail) String() string {
	job := downloads.Job(*j)

	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 0, 1, ' ', 0)
	row := func(k, v string) {
		if v != "" {
			_, _ = fmt.Fprintf(tw, "%s:\t%s\n", k, v)
		}
	}
	row("ID", job.ID.String())
	row("Status", job.Status.String())
	row("Error", job.Error)
	row("URL", job.URL)
	row("Path", job.Path)
	row("Title", job.Title)
	row("Visibility", job.Visibility.String())
	row("Size", size(job))
	row("Created", job.CreatedAt.Format(time.RFC3339))
	row("Updated", fmt.Sprintf("%s (%s)", job.UpdatedAt.Format(time.RFC3339), humanize.Time(job.UpdatedAt)))
	_ = tw.Flush()
	return strings.TrimRight(b.String(), "\n")
}

type pruneSummary downloads.PruneResult

func (p *pruneSummary) String() string {
	if len(p.Deleted) == 0 {
		return fmt.Sprintf("Nothing to prune (%d job(s) kept).", p.Kept)
	}
	var b strings.Builder
	for _, job := range p.Deleted {
		_, _ = fmt.Fprintf(&b, "Deleted %s (%s, %s)\n", job.ID, job.Status, humanize.Time(job.UpdatedAt))
	}
	_, _ = fmt.Fprintf(&b, "Pruned %d job(s), kept %d.", len(p.Deleted), p.Kept)
	return b.String()
}

// size renders "1.2 MB / 5.0 MB" or just the transferred bytes when the
// total is unknown.
func size(job downloads.Job) string {
	done := humanize.Bytes(uint64(max(job.BytesDone, 0)))
	if job.BytesTotal <= 0 {
		return done
	}
	return done + " / " + humanize.Bytes(uint64(job.BytesTotal))
}
