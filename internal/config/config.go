// Package config handles sideload configuration: locating the config file,
// parsing it, overlaying environment variables and flags, and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/adamancini/sideload/internal/downloads"
	"github.com/adamancini/sideload/internal/manifest"
	"github.com/adamancini/sideload/internal/types"
	"github.com/adamancini/sideload/internal/update"
)

// Defaults for every key. They match the behavior of a build without config.
const (
	DefaultManifestURL         = manifest.DefaultURL
	DefaultDestinationFilename = update.DefaultDestinationFilename
	DefaultPackageMIMEType     = update.DefaultPackageMIMEType
	DefaultHTTPTimeout         = manifest.DefaultTimeout
	DefaultPollInterval        = update.DefaultPollInterval
	DefaultMaxPollDuration     = update.DefaultMaxPollDuration
	DefaultMaxRetryElapsed     = downloads.DefaultMaxRetryElapsed
	DefaultLogLevel            = "info"
	DefaultLogFile             = "console"
)

// EnvPrefix prefixes every environment variable, e.g. SIDELOAD_MANIFEST_URL.
const EnvPrefix = "SIDELOAD"

// ErrNotFound is returned by Find when no config file exists.
var ErrNotFound = errors.New("no config file found")

// FileNames are the config file names searched in every directory.
var FileNames = []string{
	"sideload.yaml",
	"sideload.yml",
	"sideload.toml",
	"sideload.json",
	"config.yaml",
	"config.yml",
	"config.toml",
	"config.json",
}

// Config is the complete sideload configuration.
type Config struct {
	ManifestURL         string           `yaml:"manifest_url" toml:"manifest_url" json:"manifest_url"`
	DestinationFilename string           `yaml:"destination_filename" toml:"destination_filename" json:"destination_filename"`
	DownloadDir         string           `yaml:"download_dir" toml:"download_dir" json:"download_dir"`
	StateDir            string           `yaml:"state_dir" toml:"state_dir" json:"state_dir"`
	HTTPTimeout         Duration         `yaml:"http_timeout" toml:"http_timeout" json:"http_timeout"`
	PollInterval        Duration         `yaml:"poll_interval" toml:"poll_interval" json:"poll_interval"`
	MaxPollDuration     Duration         `yaml:"max_poll_duration" toml:"max_poll_duration" json:"max_poll_duration"` // 0 disables the cap
	MaxPolls            int              `yaml:"max_polls" toml:"max_polls" json:"max_polls"`                         // 0 disables the cap
	MaxRetryElapsed     Duration         `yaml:"max_retry_elapsed" toml:"max_retry_elapsed" json:"max_retry_elapsed"` // 0 disables retries
	InstallerCommand    []string         `yaml:"installer_command,omitempty" toml:"installer_command,omitempty" json:"installer_command,omitempty"`
	PackageMIMEType     string           `yaml:"package_mime_type" toml:"package_mime_type" json:"package_mime_type"`
	Notification        types.Visibility `yaml:"notification" toml:"notification" json:"notification"`
	LogLevel            string           `yaml:"log_level" toml:"log_level" json:"log_level"`
	LogFile             string           `yaml:"log_file" toml:"log_file" json:"log_file"`

	// Path is the file the config was read from, empty for defaults only.
	Path string `yaml:"-" toml:"-" json:"-"`
}

// Default returns the configuration used when nothing is configured.
func Default() *Config {
	return &Config{
		ManifestURL:         DefaultManifestURL,
		DestinationFilename: DefaultDestinationFilename,
		DownloadDir:         DefaultDownloadDir(),
		StateDir:            DefaultStateDir(),
		HTTPTimeout:         Duration{DefaultHTTPTimeout},
		PollInterval:        Duration{DefaultPollInterval},
		MaxPollDuration:     Duration{DefaultMaxPollDuration},
		MaxRetryElapsed:     Duration{DefaultMaxRetryElapsed},
		PackageMIMEType:     DefaultPackageMIMEType,
		Notification:        types.VisibilityVisibleNotifyCompleted,
		LogLevel:            DefaultLogLevel,
		LogFile:             DefaultLogFile,
	}
}

// DefaultStateDir returns $XDG_STATE_HOME/sideload, falling back to
// ~/.local/state/sideload.
func DefaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "sideload")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "sideload")
	}
	return filepath.Join(os.TempDir(), "sideload", "state")
}

// DefaultDownloadDir returns <user cache dir>/sideload/downloads.
func DefaultDownloadDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "sideload", "downloads")
	}
	return filepath.Join(os.TempDir(), "sideload", "downloads")
}

// Find searches for a config file in the standard locations.
// Returns the path to the first file found, or ErrNotFound.
func Find(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("specified config file not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	// Check SIDELOAD_CONFIG environment variable
	if envPath := os.Getenv(EnvPrefix + "_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
	}

	for _, dir := range SearchDirs() {
		for _, name := range FileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}

	return "", ErrNotFound
}

// SearchDirs returns the directories Find looks in, in order of precedence.
func SearchDirs() []string {
	var dirs []string

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	home, err := os.UserHomeDir()
	if xdgConfig == "" && err == nil {
		xdgConfig = filepath.Join(home, ".config")
	}
	if xdgConfig != "" {
		dirs = append(dirs, filepath.Join(xdgConfig, "sideload"))
	}
	if err == nil {
		dirs = append(dirs, filepath.Join(home, ".sideload"))
	}
	return dirs
}

// Load builds the configuration: defaults, then the config file at path (if
// any), then SIDELOAD_* environment variables, then changed flags. The result
// is validated.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := applyOverrides(cfg, flags); err != nil {
		return nil, err
	}

	cfg.DownloadDir = expandHome(cfg.DownloadDir)
	cfg.StateDir = expandHome(cfg.StateDir)
	cfg.LogFile = expandHome(cfg.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes content on top of the defaults and validates the result.
// The environment and flags are not consulted.
func Parse(content []byte, format Format) (*Config, error) {
	cfg := Default()
	if err := parse(content, format, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	format := detectFormat(path, content)
	if format == FormatUnknown {
		return fmt.Errorf("unable to detect file format for %s", path)
	}

	if err := parse(content, format, c); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	c.Path = path
	return nil
}

// expandHome replaces a leading ~ with the home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Duration is a time.Duration that reads and writes as "30s", "500ms", ...
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" || s == "0" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	d.Duration = v
	return nil
}
