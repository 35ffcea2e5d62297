package capability

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the YAML sidecar declaring what a script may touch:
//
//	capabilities:
//	  read: ["data", "~/notes"]
//	  write: ["out"]
//	  net: true
type Manifest struct {
	Name         string       `yaml:"name"`
	Description  string       `yaml:"description"`
	Capabilities ManifestCaps `yaml:"capabilities"`
}

type ManifestCaps struct {
	Read  []string `yaml:"read"`
	Write []string `yaml:"write"`
	Net   bool     `yaml:"net"`
	Env   bool     `yaml:"env"`
	Exec  bool     `yaml:"exec"`
}

// ParseManifest decodes a manifest, rejecting unknown keys so a typo
// cannot silently drop a restriction.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("invalid capability manifest: %w", err)
	}
	return &m, nil
}

// LoadManifest reads the manifest at path. A missing file yields an empty
// manifest, which grants nothing.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return ParseManifest(data)
}

// Build turns the declared roots into absolute paths relative to
// the project directory and builds the immutable set.
func (m *Manifest) Build(roots Roots) (Capabilities, error) {
	abs := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, p := range in {
			if strings.TrimSpace(p) == "" {
				continue
			}
			out = append(out, projectRelative(p, roots))
		}
		return out
	}
	return New(Spec{
		Read:  abs(m.Capabilities.Read),
		Write: abs(m.Capabilities.Write),
		Net:   m.Capabilities.Net,
		Env:   m.Capabilities.Env,
		Exec:  m.Capabilities.Exec,
	})
}

// projectRelative resolves declared roots: absolute and "~" paths as-is,
// everything else against the project directory.
func projectRelative(p string, roots Roots) string {
	r := roots
	r.Strategy = Overlay
	if IsCognitivePath(p) {
		// declared roots are never routed to the workspace implicitly
		r.Workspace = r.Project
	}
	return r.Absolute(p)
}
