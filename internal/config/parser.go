package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/adamancini/sideload/internal/types"
)

// Format represents the file format of a config file.
type Format int

const (
	FormatUnknown Format = iota
	FormatYAML
	FormatTOML
	FormatJSON
)

// String returns the file extension style name of the format.
func (f Format) String() string {
	switch f {
	case FormatYAML:
		return "yaml"
	case FormatTOML:
		return "toml"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseFormat parses a format name such as "yaml" or "toml".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yaml", "yml":
		return FormatYAML, nil
	case "toml":
		return FormatTOML, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatUnknown, fmt.Errorf("unknown config format: %s", s)
	}
}

// detectFormat determines the file format based on extension or content.
func detectFormat(path string, content []byte) Format {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	case ".json":
		return FormatJSON
	}

	// Content sniffing for extensionless files
	return sniffFormat(content)
}

// sniffFormat attempts to detect format from content.
func sniffFormat(content []byte) Format {
	trimmed := strings.TrimSpace(string(content))

	if strings.HasPrefix(trimmed, "{") {
		return FormatJSON
	}

	// First meaningful line decides: key = value is TOML, key: value is YAML
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") || strings.Contains(line, " = ") || (strings.Contains(line, "=") && !strings.Contains(line, ":")) {
			return FormatTOML
		}
		if strings.Contains(line, ":") {
			return FormatYAML
		}
	}

	return FormatUnknown
}

// rawConfig is an intermediate representation for parsing. Pointer fields
// tell absent keys apart from zero values, and installer_command accepts
// either a string or a list.
type rawConfig struct {
	ManifestURL         *string           `yaml:"manifest_url" toml:"manifest_url" json:"manifest_url"`
	DestinationFilename *string           `yaml:"destination_filename" toml:"destination_filename" json:"destination_filename"`
	DownloadDir         *string           `yaml:"download_dir" toml:"download_dir" json:"download_dir"`
	StateDir            *string           `yaml:"state_dir" toml:"state_dir" json:"state_dir"`
	HTTPTimeout         *Duration         `yaml:"http_timeout" toml:"http_timeout" json:"http_timeout"`
	PollInterval        *Duration         `yaml:"poll_interval" toml:"poll_interval" json:"poll_interval"`
	MaxPollDuration     *Duration         `yaml:"max_poll_duration" toml:"max_poll_duration" json:"max_poll_duration"`
	MaxPolls            *int              `yaml:"max_polls" toml:"max_polls" json:"max_polls"`
	MaxRetryElapsed     *Duration         `yaml:"max_retry_elapsed" toml:"max_retry_elapsed" json:"max_retry_elapsed"`
	InstallerCommand    interface{}       `yaml:"installer_command" toml:"installer_command" json:"installer_command"`
	PackageMIMEType     *string           `yaml:"package_mime_type" toml:"package_mime_type" json:"package_mime_type"`
	Notification        *types.Visibility `yaml:"notification" toml:"notification" json:"notification"`
	LogLevel            *string           `yaml:"log_level" toml:"log_level" json:"log_level"`
	LogFile             *string           `yaml:"log_file" toml:"log_file" json:"log_file"`
}

// parseCommand converts the flexible installer_command format to an argv.
// A command can be specified as:
//   - Simple string: "xdg-open" or "adb install -r" (split on whitespace)
//   - List: ["cmd", "/c", "start", ""] (taken verbatim)
func parseCommand(raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return strings.Fields(v), nil
	case []interface{}:
		argv := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("installer_command[%d]: expected string, got %T", i, item)
			}
			argv = append(argv, s)
		}
		return argv, nil
	default:
		return nil, fmt.Errorf("installer_command: invalid format (expected string or list)")
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns in content.
func expandEnvVars(content []byte) []byte {
	return envVarPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		parts := envVarPattern.FindSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		value := os.Getenv(string(parts[1]))
		if value == "" && len(parts) >= 3 && len(parts[2]) > 0 {
			value = string(parts[2])
		}
		return []byte(value)
	})
}

// parse decodes content according to format and applies every key present
// onto cfg.
func parse(content []byte, format Format, cfg *Config) error {
	// Expand environment variables first
	content = expandEnvVars(content)

	var raw rawConfig

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(content, &raw); err != nil {
			return fmt.Errorf("YAML parse error: %w", err)
		}
	case FormatTOML:
		if err := toml.Unmarshal(content, &raw); err != nil {
			return fmt.Errorf("TOML parse error: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(content, &raw); err != nil {
			return fmt.Errorf("JSON parse error: %w", err)
		}
	default:
		return fmt.Errorf("unknown file format")
	}

	command, err := parseCommand(raw.InstallerCommand)
	if err != nil {
		return err
	}

	setString(&cfg.ManifestURL, raw.ManifestURL)
	setString(&cfg.DestinationFilename, raw.DestinationFilename)
	setString(&cfg.DownloadDir, raw.DownloadDir)
	setString(&cfg.StateDir, raw.StateDir)
	setString(&cfg.PackageMIMEType, raw.PackageMIMEType)
	setString(&cfg.LogLevel, raw.LogLevel)
	setString(&cfg.LogFile, raw.LogFile)
	setDuration(&cfg.HTTPTimeout, raw.HTTPTimeout)
	setDuration(&cfg.PollInterval, raw.PollInterval)
	setDuration(&cfg.MaxPollDuration, raw.MaxPollDuration)
	setDuration(&cfg.MaxRetryElapsed, raw.MaxRetryElapsed)
	if raw.MaxPolls != nil {
		cfg.MaxPolls = *raw.MaxPolls
	}
	if raw.Notification != nil {
		cfg.Notification = *raw.Notification
	}
	if command != nil {
		cfg.InstallerCommand = command
	}

	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *Duration, v *Duration) {
	if v != nil {
		*dst = *v
	}
}
