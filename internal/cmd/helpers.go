package cmd

import (
	"context"
	"io"

	"github.com/adamancini/sideload/internal/downloads"
	"github.com/adamancini/sideload/internal/output"
)

// writeOutput renders v in the --output format.
func writeOutput(w io.Writer, v interface{}) error {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	return output.NewWriter(w, format).Write(v)
}

func userAgent() string {
	return "sideload/" + build.Version
}

// openJobs opens the download service described by the loaded config.
func openJobs(ctx context.Context, notifier downloads.Notifier, inspectOnly bool) (*downloads.Service, error) {
	return downloads.Open(ctx, downloads.Options{
		StateDir:        cfg.StateDir,
		DownloadDir:     cfg.DownloadDir,
		UserAgent:       userAgent(),
		MaxRetryElapsed: cfg.MaxRetryElapsed.Duration,
		Notifier:        notifier,
		SkipRecovery:    inspectOnly,
	})
}
