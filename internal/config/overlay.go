package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/adamancini/sideload/internal/types"
)

// Override keys. Each is both a flag name and, upper-cased with the
// SIDELOAD_ prefix and dashes turned into underscores, an environment variable.
const (
	KeyManifestURL         = "manifest-url"
	KeyDestinationFilename = "destination-filename"
	KeyDownloadDir         = "download-dir"
	KeyStateDir            = "state-dir"
	KeyHTTPTimeout         = "http-timeout"
	KeyPollInterval        = "poll-interval"
	KeyMaxPollDuration     = "max-poll-duration"
	KeyMaxPolls            = "max-polls"
	KeyMaxRetryElapsed     = "max-retry-elapsed"
	KeyInstallerCommand    = "installer-command"
	KeyPackageMIMEType     = "package-mime-type"
	KeyNotification        = "notification"
	KeyLogLevel            = "log-level"
	KeyLogFile             = "log-file"
)

var overrideKeys = []string{
	KeyManifestURL,
	KeyDestinationFilename,
	KeyDownloadDir,
	KeyStateDir,
	KeyHTTPTimeout,
	KeyPollInterval,
	KeyMaxPollDuration,
	KeyMaxPolls,
	KeyMaxRetryElapsed,
	KeyInstallerCommand,
	KeyPackageMIMEType,
	KeyNotification,
	KeyLogLevel,
	KeyLogFile,
}

// EnvVar returns the environment variable that overrides key.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// newViper returns a viper instance that reads SIDELOAD_* variables and the
// flags in fs whose names match an override key.
func newViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs == nil {
		return v, nil
	}
	for _, key := range overrideKeys {
		f := fs.Lookup(key)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("bind flag --%s: %w", key, err)
		}
	}
	return v, nil
}

// applyOverrides applies environment variables, then changed flags, on top of cfg.
func applyOverrides(cfg *Config, fs *pflag.FlagSet) error {
	v, err := newViper(fs)
	if err != nil {
		return err
	}

	for _, key := range overrideKeys {
		if !v.IsSet(key) {
			continue
		}
		raw := v.GetString(key)
		if err := applyOverride(cfg, key, raw); err != nil {
			return fmt.Errorf("%s (--%s / %s): %w", key, key, EnvVar(key), err)
		}
	}
	return nil
}

func applyOverride(cfg *Config, key, raw string) error {
	switch key {
	case KeyManifestURL:
		cfg.ManifestURL = raw
	case KeyDestinationFilename:
		cfg.DestinationFilename = raw
	case KeyDownloadDir:
		cfg.DownloadDir = raw
	case KeyStateDir:
		cfg.StateDir = raw
	case KeyPackageMIMEType:
		cfg.PackageMIMEType = raw
	case KeyLogLevel:
		cfg.LogLevel = raw
	case KeyLogFile:
		cfg.LogFile = raw
	case KeyInstallerCommand:
		cfg.InstallerCommand = strings.Fields(raw)
	case KeyHTTPTimeout:
		return cfg.HTTPTimeout.UnmarshalText([]byte(raw))
	case KeyPollInterval:
		return cfg.PollInterval.UnmarshalText([]byte(raw))
	case KeyMaxPollDuration:
		return cfg.MaxPollDuration.UnmarshalText([]byte(raw))
	case KeyMaxRetryElapsed:
		return cfg.MaxRetryElapsed.UnmarshalText([]byte(raw))
	case KeyMaxPolls:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		cfg.MaxPolls = n
	case KeyNotification:
		vis, err := types.ParseVisibility(raw)
		if err != nil {
			return err
		}
		cfg.Notification = vis
	}
	return nil
}
