package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/adamancini/sideload/internal/config"
	"github.com/adamancini/sideload/internal/logging"
	"github.com/adamancini/sideload/internal/output"
)

// BuildInfo is injected by the linker into main and handed to Execute.
type BuildInfo struct {
	Version     string
	VersionCode string
	Commit      string
	Date        string
}

var (
	// Global flags
	outputFormat string
	configPath   string
	logLevel     string
	logFile      string
	verbose      bool
	quiet        bool

	build BuildInfo
	cfg   *config.Config
)

// skipConfig marks commands that run without loading the config file.
const skipConfig = "skip-config"

// Execute runs the sideload command line.
func Execute(ctx context.Context, info BuildInfo) error {
	build = info
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sideload",
		Short: "Self-update for sideloaded app builds",
		Long: `sideload checks a version manifest for a newer build, asks before
downloading it, hands the download to the background download service and
launches the platform installer once the package is on disk.

Configuration is read from sideload.yaml (or .toml/.json) in
$XDG_CONFIG_HOME/sideload or ~/.sideload, overridden by SIDELOAD_*
environment variables and flags.`,
		Version:           fmt.Sprintf("%s (versionCode %s)", build.Version, build.VersionCode),
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, json, yaml")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, config.KeyLogLevel, config.DefaultLogLevel, "Log level: "+strings.Join(logLevels, ", "))
	rootCmd.PersistentFlags().StringVar(&logFile, config.KeyLogFile, config.DefaultLogFile, "Log file path, or console for stderr")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Quiet mode (errors only)")

	// Add subcommands
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newJobsCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newCompletionCmd())

	_ = rootCmd.RegisterFlagCompletionFunc("output", completeOutputFormats)
	_ = rootCmd.RegisterFlagCompletionFunc(config.KeyLogLevel, completeLogLevels)

	return rootCmd
}

// loadConfig resolves the config for every command that needs one and
// configures logging from it.
func loadConfig(cmd *cobra.Command, args []string) error {
	if _, err := output.ParseFormat(outputFormat); err != nil {
		return err
	}
	if verbose && quiet {
		return fmt.Errorf("--verbose and --quiet are mutually exclusive")
	}

	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[skipConfig] == "true" {
			return logging.InitLog(levelOverride(logLevel), logFile)
		}
	}

	path, err := config.Find(configPath)
	if err != nil && !errors.Is(err, config.ErrNotFound) {
		return err
	}

	loaded, err := config.Load(path, cmd.Flags())
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed(config.KeyLogLevel) {
		loaded.LogLevel = levelOverride(loaded.LogLevel)
	}
	if err := logging.InitLog(loaded.LogLevel, loaded.LogFile); err != nil {
		return err
	}
	if loaded.Path != "" {
		log.Debugf("using config file %s", loaded.Path)
	}

	cfg = loaded
	return nil
}

// levelOverride applies -v and -q on top of a configured level.
func levelOverride(level string) string {
	switch {
	case verbose:
		return log.DebugLevel.String()
	case quiet:
		return log.ErrorLevel.String()
	default:
		return level
	}
}
