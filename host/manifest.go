package host

import (
	"fmt"
	"regexp"
)

// Manifest describes a plugin before its bytes are loaded: the version
// compatibility check and the capabilities it wants granted up front.
// Grounded on holomush's internal/plugin/manifest.go (Manifest, namePattern,
// Validate), trimmed to what a WASM host-call plugin needs instead of
// holomush's Lua/binary runtime split.
type Manifest struct {
	Name           string   `yaml:"name" json:"name"`
	Version        string   `yaml:"version" json:"version"`
	MinHostVersion string   `yaml:"min_host_version,omitempty" json:"min_host_version,omitempty"`
	Capabilities   []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
}

const maxManifestNameLength = 64

var manifestNamePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// Validate checks manifest constraints that aren't already covered by
// checkABICompatibility (called separately once the manifest is known to
// be well-formed, since it needs no host state).
func (m *Manifest) Validate() error {
	if m.Name == "" || !manifestNamePattern.MatchString(m.Name) {
		return fmt.Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxManifestNameLength {
		return fmt.Errorf("name must be %d characters or less, got %d", maxManifestNameLength, len(m.Name))
	}
	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	return nil
}
