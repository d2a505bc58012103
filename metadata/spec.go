// Package metadata implements the per-entity Spec and MANIFEST tree, tag
// synthesis, and tag lookup (spec §3 "Spec"/"Tag", §4.6, component C6).
package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mlgit-go/mlgit/mlgerr"
	"github.com/mlgit-go/mlgit/wsindex"
)

// ManifestRef is the spec file's "manifest" block.
type ManifestRef struct {
	Files   string `yaml:"files"`
	Storage string `yaml:"storage"`
}

// entitySpec is the inner, entity-type-keyed block of a .spec file.
type entitySpec struct {
	Categories []string           `yaml:"categories"`
	Mutability wsindex.Mutability `yaml:"mutability"`
	Manifest   ManifestRef        `yaml:"manifest"`
	Name       string             `yaml:"name"`
	Version    int                `yaml:"version"`
}

// Spec is the typed, validated form of a <name>.spec file (spec §6).
type Spec struct {
	EntityType string
	Categories []string
	Mutability wsindex.Mutability
	Manifest   ManifestRef
	Name       string
	Version    int
}

// LoadSpec parses and validates a spec file at path.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, mlgerr.New(mlgerr.KindIo, "metadata.LoadSpec", path, err)
	}
	return ParseSpec(data)
}

// ParseSpec parses and validates a spec document from bytes (used both by
// LoadSpec and by the metadata store when reading a spec out of a ref).
func ParseSpec(data []byte) (*Spec, error) {
	var raw map[string]entitySpec
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, mlgerr.New(mlgerr.KindConfig, "metadata.ParseSpec", "", err)
	}
	if len(raw) != 1 {
		return nil, mlgerr.New(mlgerr.KindConfig, "metadata.ParseSpec", "",
			fmt.Errorf("expected exactly one entity-type key, got %d", len(raw)))
	}
	var entityType string
	var es entitySpec
	for k, v := range raw {
		entityType, es = k, v
	}

	s := &Spec{
		EntityType: entityType,
		Categories: es.Categories,
		Mutability: es.Mutability,
		Manifest:   es.Manifest,
		Name:       es.Name,
		Version:    es.Version,
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Spec) validate() error {
	if s.Name == "" {
		return mlgerr.New(mlgerr.KindConfig, "metadata.Spec", "", fmt.Errorf("name is required"))
	}
	if s.Version < 1 {
		return mlgerr.New(mlgerr.KindConfig, "metadata.Spec", s.Name, fmt.Errorf("version must be >= 1"))
	}
	switch s.Mutability {
	case wsindex.Strict, wsindex.Flexible, wsindex.Mutable:
	default:
		return mlgerr.New(mlgerr.KindConfig, "metadata.Spec", s.Name,
			fmt.Errorf("invalid mutability %q", s.Mutability))
	}
	for _, c := range s.Categories {
		if strings.Contains(c, "__") {
			return mlgerr.New(mlgerr.KindConfig, "metadata.Spec", s.Name,
				fmt.Errorf("category %q must not contain \"__\"", c))
		}
	}
	if strings.Contains(s.Name, "__") {
		return mlgerr.New(mlgerr.KindConfig, "metadata.Spec", s.Name, fmt.Errorf("name must not contain \"__\""))
	}
	if s.Manifest.Storage != "" {
		parts := strings.SplitN(s.Manifest.Storage, "://", 2)
		if len(parts) != 2 {
			return mlgerr.New(mlgerr.KindConfig, "metadata.Spec", s.Name,
				fmt.Errorf("manifest.storage must be scheme://bucket, got %q", s.Manifest.Storage))
		}
		switch parts[0] {
		case "s3", "s3h", "gdriveh", "azureblobh", "sftph":
		default:
			return mlgerr.New(mlgerr.KindConfig, "metadata.Spec", s.Name,
				fmt.Errorf("unknown storage scheme %q", parts[0]))
		}
	}
	return nil
}

// Save writes the spec back out in the <entity-type>: {...} shape (spec §6).
func (s *Spec) Save(path string) error {
	raw := map[string]entitySpec{
		s.EntityType: {
			Categories: s.Categories,
			Mutability: s.Mutability,
			Manifest:   s.Manifest,
			Name:       s.Name,
			Version:    s.Version,
		},
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return mlgerr.New(mlgerr.KindIo, "metadata.Spec.Save", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return mlgerr.New(mlgerr.KindIo, "metadata.Spec.Save", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return mlgerr.New(mlgerr.KindIo, "metadata.Spec.Save", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return mlgerr.New(mlgerr.KindIo, "metadata.Spec.Save", path, err)
	}
	return nil
}

// Bump returns a copy of s with Version incremented by one.
func (s *Spec) Bump() *Spec {
	cp := *s
	cp.Version++
	return &cp
}
