package cmd

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/adamancini/sideload/internal/config"
	"github.com/adamancini/sideload/internal/templates"
)

const (
	previewLines     = 20
	maxTemplateBytes = 256 << 10
	customTemplate   = "custom"
)

func newInitCmd() *cobra.Command {
	var templateName string
	var format string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a config file from a template",
		Long: `Create a sideload config file from a built-in or custom template.

Available templates:
  android    - Android package installer via am start
  full       - Every key with its default
  minimal    - Manifest URL and polling defaults

The file is written to --config, or to the first config search location.
Remote templates keep the format of their URL extension.

Examples:
  sideload init                              # Interactive mode
  sideload init --template=minimal           # Direct template selection
  sideload init --template=full --format=toml
  sideload init --template=https://...       # Custom template URL
  sideload init --config ~/path/sideload.yaml  # Custom output location`,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), templateName, format, configPath, force)
		},
	}

	cmd.Flags().StringVarP(&templateName, "template", "t", "", "Template name or URL")
	cmd.Flags().StringVar(&format, "format", "yaml", "Config format: "+strings.Join(templates.Formats, ", "))
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")

	_ = cmd.RegisterFlagCompletionFunc("template", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		var completions []string
		for _, name := range templates.List() {
			completions = append(completions, name+"\t"+templates.GetDescription(name))
		}
		return completions, cobra.ShellCompDirectiveNoFileComp
	})
	_ = cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return templates.Formats, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

// resolvedTemplate is a validated template ready to be written.
type resolvedTemplate struct {
	name    string
	format  config.Format
	content []byte
}

// runInit writes a config file from a template. The target defaults to the
// first search location, in which case the user may pick another path.
func runInit(stdin io.Reader, stdout, stderr io.Writer, templateName, format, outputPath string, force bool) error {
	reader := bufio.NewReader(stdin)

	if format == "" {
		format = templates.Formats[0]
	}
	cfgFormat, err := config.ParseFormat(format)
	if err != nil {
		return err
	}

	defaultPath := getDefaultConfigPath(cfgFormat.String())
	askLocation := outputPath == "" && !quiet
	if outputPath == "" {
		outputPath = defaultPath
	}
	outputPath = expandHomePath(outputPath)

	if !force {
		ok, err := confirmOverwrite(reader, stdout, stderr, outputPath)
		if err != nil {
			return err
		}
		if !ok {
			_, _ = fmt.Fprintln(stdout, "Aborted.")
			return nil
		}
	}

	if templateName == "" {
		if templateName, err = selectTemplateInteractive(reader, stdout); err != nil {
			return err
		}
	}

	tmpl, err := resolveTemplate(templateName, cfgFormat)
	if err != nil {
		return err
	}

	if tmpl.name != customTemplate && !quiet {
		printPreview(stdout, tmpl)
	}

	if askLocation {
		answer, err := ask(reader, stdout, fmt.Sprintf("\nWhere should I create the config file? [%s]: ", outputPath))
		if err != nil {
			return err
		}
		if answer != "" {
			outputPath = expandHomePath(answer)
		}
	}

	if err := writeConfigFile(outputPath, tmpl.content); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(stdout, "\nCreated %s (%s, %s)\n", outputPath, tmpl.format, humanize.Bytes(uint64(len(tmpl.content))))
	_, _ = fmt.Fprintln(stdout, "\nNext steps:")
	_, _ = fmt.Fprintln(stdout, "  1. Set manifest_url to where your builds publish latest.json")
	_, _ = fmt.Fprintln(stdout, "  2. Run 'sideload version --check' to test the manifest")
	_, _ = fmt.Fprintln(stdout, "  3. Run 'sideload check' to update")

	return nil
}

// confirmOverwrite reports whether path may be written. A missing file needs
// no confirmation.
func confirmOverwrite(reader *bufio.Reader, stdout, stderr io.Writer, path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		return true, nil
	}
	_, _ = fmt.Fprintf(stderr, "Config file already exists at %s\n", path)
	answer, err := ask(reader, stdout, "Overwrite? [y/N]: ")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// resolveTemplate loads a built-in template or fetches a remote one and
// checks that it parses into a valid config.
func resolveTemplate(name string, format config.Format) (*resolvedTemplate, error) {
	tmpl := &resolvedTemplate{name: name, format: format}

	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
		content, err := fetchRemoteTemplate(name)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch template: %w", err)
		}
		tmpl.name = customTemplate
		tmpl.content = content
		if remote, err := config.ParseFormat(strings.TrimPrefix(path.Ext(name), ".")); err == nil {
			tmpl.format = remote
		}
	} else {
		builtin, err := templates.Get(name, format.String())
		if err != nil {
			return nil, fmt.Errorf("failed to load template: %w", err)
		}
		tmpl.content = builtin.Content
	}

	if _, err := config.Parse(tmpl.content, tmpl.format); err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}
	return tmpl, nil
}

func printPreview(w io.Writer, tmpl *resolvedTemplate) {
	rule := strings.Repeat("-", 40)
	_, _ = fmt.Fprintf(w, "\nPreview of '%s' template:\n%s\n", tmpl.name, rule)

	lines := strings.Split(strings.TrimRight(string(tmpl.content), "\n"), "\n")
	shown := lines
	if len(lines) > previewLines {
		shown = lines[:previewLines]
	}
	_, _ = fmt.Fprintln(w, strings.Join(shown, "\n"))
	if rest := len(lines) - len(shown); rest > 0 {
		_, _ = fmt.Fprintf(w, "... (%d more lines)\n", rest)
	}
	_, _ = fmt.Fprintln(w, rule)
}

// writeConfigFile writes content next to path and renames it into place.
func writeConfigFile(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func ask(reader *bufio.Reader, w io.Writer, prompt string) (string, error) {
	_, _ = fmt.Fprint(w, prompt)
	answer, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

// selectTemplateInteractive lists the built-in templates plus a custom URL
// entry and returns the chosen name or URL.
func selectTemplateInteractive(reader *bufio.Reader, stdout io.Writer) (string, error) {
	names := templates.List()
	custom := len(names) + 1

	_, _ = fmt.Fprintln(stdout, "\nSelect a config template:")
	for i, name := range names {
		_, _ = fmt.Fprintf(stdout, "  %d. %-12s - %s\n", i+1, name, templates.GetDescription(name))
	}
	_, _ = fmt.Fprintf(stdout, "  %d. %-12s - Provide custom template URL\n", custom, customTemplate)

	_, _ = fmt.Fprintf(stdout, "\nSelect [1-%d]: ", custom)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	answer = strings.TrimSpace(answer)

	num, err := strconv.Atoi(answer)
	switch {
	case err != nil || num < 1 || num > custom:
		return "", fmt.Errorf("invalid selection: %s", answer)
	case num < custom:
		return names[num-1], nil
	}

	_, _ = fmt.Fprint(stdout, "Enter template URL: ")
	url, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read URL: %w", err)
	}
	return strings.TrimSpace(url), nil
}

func fetchRemoteTemplate(url string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent())

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxTemplateBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return content, nil
}

// getDefaultConfigPath returns sideload.<format> in the first config search
// location.
func getDefaultConfigPath(format string) string {
	name := "sideload." + format
	if dirs := config.SearchDirs(); len(dirs) > 0 {
		return filepath.Join(dirs[0], name)
	}
	return name
}

func expandHomePath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
