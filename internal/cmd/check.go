package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/adamancini/sideload/internal/config"
	"github.com/adamancini/sideload/internal/interactive"
	"github.com/adamancini/sideload/internal/manifest"
	"github.com/adamancini/sideload/internal/types"
	"github.com/adamancini/sideload/internal/update"
)

func newCheckCmd() *cobra.Command {
	var (
		yes    bool
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check for a newer build and offer to install it",
		Long: `Check runs one update cycle:

1. Fetch the version manifest and compare its versionCode with this build.
2. If it is newer, show the package URL and ask whether to update.
3. On yes, hand the download to the download service and poll it.
4. Once the package is downloaded, start the platform installer.

A manifest that cannot be fetched or parsed is treated as "no update".

Examples:
  sideload check                         # Prompt before downloading
  sideload check --yes                   # Accept without prompting
  sideload check --yes --dry-run         # Download but only print the installer command
  sideload check -o json                 # Machine-readable cycle report`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), yes, dryRun)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Accept the update without prompting")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the installer command instead of running it")
	cmd.Flags().String(config.KeyManifestURL, config.DefaultManifestURL, "Version manifest URL")
	cmd.Flags().String(config.KeyNotification, types.VisibilityVisibleNotifyCompleted.String(), "Download notification: "+visibilityNames())

	_ = cmd.RegisterFlagCompletionFunc(config.KeyNotification, completeVisibilities)

	return cmd
}

// runCheck wires the update cycle from the loaded config and runs it once.
func runCheck(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, yes, dryRun bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	prompter := interactive.NewPrompterWithIO(stdin, stderr)
	prompter.SetAutoAccept(yes)
	prompter.SetQuiet(quiet || !prompter.IsTerminal())

	jobs, err := openJobs(ctx, prompter, false)
	if err != nil {
		return fmt.Errorf("failed to open download service: %w", err)
	}
	defer func() {
		if err := jobs.Close(); err != nil {
			log.Warnf("failed to close download service: %v", err)
		}
	}()

	client := manifest.NewClient(cfg.ManifestURL,
		manifest.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout.Duration}),
		manifest.WithUserAgent(userAgent()),
	)

	coordinator := update.NewCoordinator(jobs, update.CoordinatorOptions{
		Filename:        cfg.DestinationFilename,
		Visibility:      cfg.Notification,
		PollInterval:    cfg.PollInterval.Duration,
		MaxPollDuration: cfg.MaxPollDuration.Duration,
		MaxPolls:        cfg.MaxPolls,
	})

	launcher := update.NewLauncher(update.LauncherOptions{
		Command:  cfg.InstallerCommand,
		MIMEType: cfg.PackageMIMEType,
		DryRun:   dryRun,
	})
	if len(launcher.Command()) == 0 {
		platform := update.Detect()
		return fmt.Errorf("no default installer on %s/%s: set installer_command", platform.OS, platform.Arch)
	}
	log.WithField("mime", launcher.MIMEType()).Debugf("installer: %s", strings.Join(launcher.Command(), " "))

	var transitions []string
	orchestrator, err := update.NewOrchestrator(update.Dependencies{
		Manifest:   client,
		Version:    update.BuildVersion(build.VersionCode),
		Prompter:   prompter,
		Notifier:   prompter,
		Downloader: coordinator,
		Installer:  launcher,
	}, update.WithTransitionHook(func(from, to types.CycleState) {
		transitions = append(transitions, string(to))
	}))
	if err != nil {
		return err
	}

	report, err := orchestrator.Run(ctx)
	if err != nil {
		return err
	}
	if verbose {
		_, _ = fmt.Fprintf(stderr, "Cycle: idle -> %s\n", strings.Join(transitions, " -> "))
	}

	if err := writeOutput(stdout, (*cycleReport)(report)); err != nil {
		return err
	}

	switch {
	case report.Err != nil:
		return fmt.Errorf("update cycle failed: %w", report.Err)
	case report.Poll != nil && !report.UpdateInstalled():
		// accepted and downloaded (or tried to) without reaching the installer
		return fmt.Errorf("update not installed: %s", report.Final)
	}
	return nil
}

// cycleReport renders an update.Report for the text output format.
type cycleReport update.Report

func (r *cycleReport) String() string {
	var b strings.Builder

	_, _ = fmt.Fprintf(&b, "Installed versionCode: %d\n", r.InstalledVersion)
	switch {
	case r.ManifestError != "":
		_, _ = fmt.Fprintf(&b, "Manifest: unavailable (%s)\n", r.ManifestError)
	case r.PackageURL != "":
		_, _ = fmt.Fprintf(&b, "Manifest versionCode: %d\n", r.ManifestVersion)
		_, _ = fmt.Fprintf(&b, "Package: %s\n", r.PackageURL)
	}
	if r.Poll != nil {
		_, _ = fmt.Fprintf(&b, "Download %s: %s after %d poll(s)\n", r.Poll.JobID, r.Poll.Outcome, r.Poll.Polls)
		if r.Poll.Locator != "" {
			_, _ = fmt.Fprintf(&b, "Artifact: %s\n", r.Poll.Locator)
		}
	}
	_, _ = fmt.Fprintf(&b, "Result: %s", r.summary())
	return b.String()
}

func (r *cycleReport) summary() string {
	if r.Err != nil {
		return fmt.Sprintf("failed (%v)", r.Err)
	}
	switch r.Final {
	case types.StateNoUpdate:
		return "up to date"
	case types.StateDeclined:
		return "update declined"
	case types.StateInstalling:
		return "installer started"
	case types.StateDownloadFailed:
		return "download failed"
	case types.StateDownloadTimeout:
		return "download timed out"
	default:
		return string(r.Final)
	}
}
