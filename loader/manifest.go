package loader

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// ManifestName is the required metadata entry at the root of every archive.
const ManifestName = "manifest.yaml"

// Manifest is the identity metadata a plugin archive declares about itself.
type Manifest struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	Author      string `yaml:"author"`

	// RequiredSystemVersion is the minimum host version the plugin needs.
	// Empty means any.
	RequiredSystemVersion string `yaml:"required_system_version"`

	// Packages lists the archive source packages to scan for declared
	// services and controllers. Empty means the entry point's own package.
	Packages []string `yaml:"packages"`

	// Entry optionally names the entry-point constructor as "pkg/path.Symbol".
	// Empty means the archive's packages are scanned for the first qualifying
	// constructor.
	Entry string `yaml:"entry"`
}

// parseManifest decodes and validates raw manifest bytes.
func parseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", ManifestName, err)
	}
	if m.ID == "" {
		return Manifest{}, fmt.Errorf("%s: missing required field id", ManifestName)
	}
	if m.Version == "" {
		return Manifest{}, fmt.Errorf("%s: missing required field version", ManifestName)
	}
	if m.Name == "" {
		m.Name = displayName(m.ID)
	}
	if m.Author == "" {
		m.Author = "Unknown"
	}
	return m, nil
}

// displayName derives a human-readable name from a plugin id,
// e.g. "metrics-exporter" becomes "Metrics Exporter".
func displayName(id string) string {
	name := strings.NewReplacer("-", " ", "_", " ", ".", " ").Replace(id)
	return cases.Title(language.English).String(name)
}
