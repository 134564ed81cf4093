package update

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/sideload/internal/downloads"
)

// PackageMIMEEnv carries the package MIME type to the installer process.
const PackageMIMEEnv = "SIDELOAD_PACKAGE_MIME"

// ErrNoInstallerCommand is returned when no installer command is configured
// and the platform has no default.
var ErrNoInstallerCommand = errors.New("no installer command")

// InstallError means the installer could not be started.
type InstallError struct {
	Locator string
	Err     error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install %s: %v", e.Locator, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// LauncherOptions configures a Launcher.
type LauncherOptions struct {
	// Command is the installer invocation; the artifact path is appended.
	// Defaults to the platform's DefaultInstallerCommand.
	Command []string
	// MIMEType defaults to the platform's PackageMIMEType.
	MIMEType string
	// DryRun logs the command instead of running it.
	DryRun bool
	// Platform defaults to Detect().
	Platform *Platform
}

// Launcher hands a downloaded package to the system installer and does not
// wait for the installation.
type Launcher struct {
	command  []string
	mimeType string
	dryRun   bool
}

// NewLauncher creates an installer launcher.
func NewLauncher(opts LauncherOptions) *Launcher {
	platform := Detect()
	if opts.Platform != nil {
		platform = *opts.Platform
	}
	command := opts.Command
	if len(command) == 0 {
		command = platform.DefaultInstallerCommand()
	}
	mimeType := opts.MIMEType
	if mimeType == "" {
		mimeType = platform.PackageMIMEType()
	}
	return &Launcher{
		command:  append([]string(nil), command...),
		mimeType: mimeType,
		dryRun:   opts.DryRun,
	}
}

// Command returns the configured installer invocation, empty when the
// platform has no default and none was configured.
func (l *Launcher) Command() []string {
	return append([]string(nil), l.command...)
}

// MIMEType returns the value passed to the installer in PackageMIMEEnv.
func (l *Launcher) MIMEType() string {
	return l.mimeType
}

// Install grants read access on the artifact and starts the installer with
// the artifact path. It returns once the process has started.
func (l *Launcher) Install(ctx context.Context, locator string) error {
	if err := ctx.Err(); err != nil {
		return &InstallError{Locator: locator, Err: err}
	}

	path, err := downloads.PathFromLocator(locator)
	if err != nil {
		return &InstallError{Locator: locator, Err: err}
	}

	info, err := os.Stat(path)
	if err != nil {
		return &InstallError{Locator: locator, Err: fmt.Errorf("artifact not accessible: %w", err)}
	}
	if info.IsDir() {
		return &InstallError{Locator: locator, Err: fmt.Errorf("artifact %s is a directory", path)}
	}

	if len(l.command) == 0 || l.command[0] == "" {
		return &InstallError{Locator: locator, Err: ErrNoInstallerCommand}
	}

	args := append(append([]string(nil), l.command[1:]...), path)

	if l.dryRun {
		log.Infof("dry run: would start installer: %s %s", l.command[0], strings.Join(args, " "))
		return nil
	}

	// the installer runs as another process and must be able to read the package
	if err := os.Chmod(path, info.Mode().Perm()|0o444); err != nil {
		return &InstallError{Locator: locator, Err: fmt.Errorf("grant read permission: %w", err)}
	}

	cmd := exec.Command(l.command[0], args...)
	cmd.Env = append(os.Environ(), PackageMIMEEnv+"="+l.mimeType)
	setInstallerProcAttr(cmd)

	log.Infof("starting installer: %s", cmd.String())
	if err := cmd.Start(); err != nil {
		return &InstallError{Locator: locator, Err: err}
	}
	log.Debugf("installer started with PID %d", cmd.Process.Pid)

	if err := cmd.Process.Release(); err != nil {
		log.Warnf("failed to release installer process: %v", err)
	}
	return nil
}
