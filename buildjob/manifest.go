package buildjob

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mmlabs-mindmaze/mmpack-buildd/internal/ordered"
	"gopkg.in/yaml.v3"
)

// ManifestInconsistencyError is returned when two manifests found in the
// same package directory disagree on (name, source, version).
type ManifestInconsistencyError struct {
	Seed, Other string // file paths
	Field       string
	SeedValue   string
	OtherValue  string
}

func (e *ManifestInconsistencyError) Error() string {
	return fmt.Sprintf("merging inconsistent manifest: %s=%q in %s but %q in %s",
		e.Field, e.SeedValue, e.Seed, e.OtherValue, e.Other)
}

// manifest mirrors the recognized top-level keys of a *.mmpack-manifest
// file. Name, Source and Version are decoded as plain strings regardless of
// their YAML scalar style, mirroring the base-loader semantics of the
// original Python implementation (a bare 1.0 must not become a float).
type manifest struct {
	Name    string                           `yaml:"name"`
	Source  string                           `yaml:"source"`
	Version string                           `yaml:"version"`
	Binpkgs *ordered.Map[string, *yaml.Node] `yaml:"binpkgs"`
}

// MergeManifests scans pkgdir for files matching *.mmpack-manifest, checks
// that they describe the same (name, source, version), merges their binpkgs
// by key union (later files win on duplicate keys), and writes the result to
// <pkgdir>/<name>_<version>.mmpack-manifest. It returns the written path.
func MergeManifests(pkgdir string) (string, error) {
	paths, err := filepath.Glob(filepath.Join(pkgdir, "*.mmpack-manifest"))
	if err != nil {
		return "", fmt.Errorf("globbing manifests: %w", err)
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("no manifest found in %s", pkgdir)
	}
	sort.Strings(paths)

	var seed *manifest
	var seedPath string
	merged := ordered.NewMap[string, *yaml.Node](0)

	for _, p := range paths {
		m, err := readManifest(p)
		if err != nil {
			return "", fmt.Errorf("reading manifest %s: %w", p, err)
		}

		if seed == nil {
			seed, seedPath = m, p
		} else {
			if err := checkConsistent(seedPath, seed, p, m); err != nil {
				return "", err
			}
		}

		if m.Binpkgs != nil {
			m.Binpkgs.Range(func(k string, v *yaml.Node) error {
				merged.Set(k, v)
				return nil
			})
		}
	}

	out := filepath.Join(pkgdir, fmt.Sprintf("%s_%s.mmpack-manifest", seed.Name, seed.Version))
	if err := writeManifest(out, seed, merged); err != nil {
		return "", fmt.Errorf("writing merged manifest: %w", err)
	}
	return out, nil
}

func readManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func checkConsistent(seedPath string, seed *manifest, path string, m *manifest) error {
	switch {
	case seed.Name != m.Name:
		return &ManifestInconsistencyError{seedPath, path, "name", seed.Name, m.Name}
	case seed.Source != m.Source:
		return &ManifestInconsistencyError{seedPath, path, "source", seed.Source, m.Source}
	case seed.Version != m.Version:
		return &ManifestInconsistencyError{seedPath, path, "version", seed.Version, m.Version}
	}
	return nil
}

func writeManifest(path string, seed *manifest, binpkgs *ordered.Map[string, *yaml.Node]) error {
	root := ordered.NewMap[string, any](4)
	root.Set("name", seed.Name)
	root.Set("source", seed.Source)
	root.Set("version", seed.Version)
	root.Set("binpkgs", binpkgs)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(4)
	if err := enc.Encode(root); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	return os.WriteFile(path, buf.Bytes(), 0o644)
}
