// Package templates provides embedded starter config files for sideload init.
package templates

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed *.yaml *.toml
var templatesFS embed.FS

// Formats lists the file formats every template is available in.
var Formats = []string{"yaml", "toml"}

// Template represents a config template with metadata.
type Template struct {
	Name        string
	Format      string
	Description string
	Content     []byte
}

// Filename returns the name the template is written under by default.
func (t *Template) Filename() string {
	return "sideload." + t.Format
}

// Available templates with their descriptions.
var templateDescriptions = map[string]string{
	"minimal": "Manifest URL and polling defaults",
	"android": "Android package installer via am start",
	"full":    "Every key with its default",
}

// List returns all available template names sorted alphabetically.
func List() []string {
	entries, err := templatesFS.ReadDir(".")
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), path.Ext(entry.Name()))
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	sort.Strings(names)
	return names
}

// Get returns a template by name in the given format ("yaml" or "toml").
// An empty format means yaml.
func Get(name, format string) (*Template, error) {
	if format == "" || format == "yml" {
		format = "yaml"
	}
	if !isFormat(format) {
		return nil, fmt.Errorf("unsupported template format '%s' (want %s)", format, strings.Join(Formats, ", "))
	}

	filename := name + "." + format
	content, err := templatesFS.ReadFile(filename)
	if err != nil {
		if pathErr, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("template '%s' not found: %w", name, pathErr)
		}
		return nil, fmt.Errorf("failed to read template '%s': %w", name, err)
	}

	return &Template{
		Name:        name,
		Format:      format,
		Description: GetDescription(name),
		Content:     content,
	}, nil
}

// GetDescription returns the description for a template.
func GetDescription(name string) string {
	if desc, ok := templateDescriptions[name]; ok {
		return desc
	}
	return "Custom template"
}

func isFormat(format string) bool {
	for _, f := range Formats {
		if f == format {
			return true
		}
	}
	return false
}
