package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ValidationError represents a config validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the config for required fields and valid values. All
// problems are reported at once.
func Validate(c *Config) error {
	var errors []string

	check := func(err error) {
		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	check(validateManifestURL(c.ManifestURL))
	check(validateFilename(c.DestinationFilename))
	check(validateDir("download_dir", c.DownloadDir))
	check(validateDir("state_dir", c.StateDir))
	check(validatePositive("http_timeout", c.HTTPTimeout))
	check(validatePositive("poll_interval", c.PollInterval))
	check(validateNonNegative("max_poll_duration", c.MaxPollDuration))
	check(validateNonNegative("max_retry_elapsed", c.MaxRetryElapsed))
	if c.MaxPolls < 0 {
		check(ValidationError{Field: "max_polls", Message: "must not be negative"})
	}
	if err := c.Notification.Validate(); err != nil {
		check(ValidationError{Field: "notification", Message: err.Error()})
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		check(ValidationError{Field: "log_level", Message: fmt.Sprintf("unknown level %q", c.LogLevel)})
	}
	if len(c.InstallerCommand) > 0 && strings.TrimSpace(c.InstallerCommand[0]) == "" {
		check(ValidationError{Field: "installer_command", Message: "program must not be empty"})
	}

	if len(errors) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

func validateManifestURL(raw string) error {
	if raw == "" {
		return ValidationError{Field: "manifest_url", Message: "is required"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ValidationError{Field: "manifest_url", Message: err.Error()}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ValidationError{Field: "manifest_url", Message: "must be an absolute http or https URL"}
	}
	return nil
}

func validateFilename(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return ValidationError{Field: "destination_filename", Message: fmt.Sprintf("%q must be a plain file name", name)}
	}
	return nil
}

func validateDir(field, dir string) error {
	if strings.TrimSpace(dir) == "" {
		return ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

func validatePositive(field string, d Duration) error {
	if d.Duration <= 0 {
		return ValidationError{Field: field, Message: "must be greater than zero"}
	}
	return nil
}

func validateNonNegative(field string, d Duration) error {
	if d.Duration < 0 {
		return ValidationError{Field: field, Message: "must not be negative"}
	}
	return nil
}
