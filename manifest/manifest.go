// Package manifest implements the per-version MANIFEST: a mapping from file
// CID to the set of workspace-relative paths that realize it, grounded on
// test/test_manifest.py and serialized as YAML per spec §3, §6.
package manifest

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/mlgit-go/mlgit/mlgerr"
)

// Manifest is an in-memory, unordered map of CID to an unordered set of
// paths, loaded from (and saved back to) a YAML file. The zero value is not
// usable; construct with Load or New.
type Manifest struct {
	path    string
	entries map[string]map[string]struct{}
}

// yamlForm is the on-disk shape: CID -> list of paths.
type yamlForm map[string][]string

// New creates an empty Manifest bound to path (not yet persisted).
func New(path string) *Manifest {
	return &Manifest{path: path, entries: map[string]map[string]struct{}{}}
}

// Load reads path if it exists, or returns an empty Manifest bound to it.
func Load(path string) (*Manifest, error) {
	m := New(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, mlgerr.New(mlgerr.KindIo, "manifest.Load", path, err)
	}
	if err := m.unmarshal(data); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseBytes decodes a MANIFEST.yaml document held in memory (e.g. pulled
// out of a metadata.Commit) without requiring it to live at a path on disk
// -- localrepo reads committed manifests this way when resolving a tag.
func ParseBytes(data []byte) (*Manifest, error) {
	m := New("")
	if err := m.unmarshal(data); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) unmarshal(data []byte) error {
	var raw yamlForm
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return mlgerr.New(mlgerr.KindConfig, "manifest.Load", m.path, err)
	}
	for cid, paths := range raw {
		set := make(map[string]struct{}, len(paths))
		for _, p := range paths {
			set[p] = struct{}{}
		}
		m.entries[cid] = set
	}
	return nil
}

// MarshalBytes renders the manifest's YAML form without touching disk.
func (m *Manifest) MarshalBytes() ([]byte, error) {
	raw := make(yamlForm, len(m.entries))
	for cid := range m.entries {
		raw[cid] = m.Paths(cid)
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, mlgerr.New(mlgerr.KindIo, "manifest.MarshalBytes", m.path, err)
	}
	return data, nil
}

// Clone returns a deep copy bound to path, used by localrepo to stage a new
// manifest from the previously committed one before applying this round's
// adds/deletes.
func (m *Manifest) Clone(path string) *Manifest {
	cp := New(path)
	for cid, set := range m.entries {
		dup := make(map[string]struct{}, len(set))
		for p := range set {
			dup[p] = struct{}{}
		}
		cp.entries[cid] = dup
	}
	return cp
}

// Add records that cid realizes path. Multiple paths may share one cid.
func (m *Manifest) Add(cid, path string) {
	set, ok := m.entries[cid]
	if !ok {
		set = map[string]struct{}{}
		m.entries[cid] = set
	}
	set[path] = struct{}{}
}

// Rm removes path from cid's set, returning whether path was present.
func (m *Manifest) Rm(cid, path string) bool {
	set, ok := m.entries[cid]
	if !ok {
		return false
	}
	if _, ok := set[path]; !ok {
		return false
	}
	delete(set, path)
	if len(set) == 0 {
		delete(m.entries, cid)
	}
	return true
}

// RmFile removes path from whichever cid currently owns it. Returns true if
// a removal happened.
func (m *Manifest) RmFile(path string) bool {
	for cid, set := range m.entries {
		if _, ok := set[path]; ok {
			delete(set, path)
			if len(set) == 0 {
				delete(m.entries, cid)
			}
			return true
		}
	}
	return false
}

// Search returns the cid that currently owns path, if any.
func (m *Manifest) Search(path string) (string, bool) {
	for cid, set := range m.entries {
		if _, ok := set[path]; ok {
			return cid, true
		}
	}
	return "", false
}

// Exists reports whether cid has at least one path.
func (m *Manifest) Exists(cid string) bool {
	set, ok := m.entries[cid]
	return ok && len(set) > 0
}

// ExistsKeyfile reports whether cid currently owns path.
func (m *Manifest) ExistsKeyfile(cid, path string) bool {
	set, ok := m.entries[cid]
	if !ok {
		return false
	}
	_, ok = set[path]
	return ok
}

// Paths returns a sorted copy of cid's paths.
func (m *Manifest) Paths(cid string) []string {
	set := m.entries[cid]
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// CIDs returns a sorted copy of every cid currently tracked.
func (m *Manifest) CIDs() []string {
	out := make([]string, 0, len(m.entries))
	for c := range m.entries {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Entries returns a defensive copy of the full cid -> paths mapping.
func (m *Manifest) Entries() map[string][]string {
	out := make(map[string][]string, len(m.entries))
	for cid := range m.entries {
		out[cid] = m.Paths(cid)
	}
	return out
}

// Save persists the manifest via temp-file-then-rename (atomic per spec
// §4.3), so a crash mid-write never leaves a half-written MANIFEST.yaml.
func (m *Manifest) Save() error {
	data, err := m.MarshalBytes()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return mlgerr.New(mlgerr.KindIo, "manifest.Save", m.path, err)
		}
	}
	tmp := m.path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return mlgerr.New(mlgerr.KindIo, "manifest.Save", m.path, err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return mlgerr.New(mlgerr.KindIo, "manifest.Save", m.path, err)
	}
	return nil
}

// Diff computes, relative to prev, the set of (cid,path) pairs added and
// removed in m -- used by LocalRepository's `log --fullstat` (spec §4.5).
type Diff struct {
	Added   []Pair
	Deleted []Pair
}

// Pair is one (cid, path) membership.
type Pair struct {
	CID  string
	Path string
}

func pairsOf(m *Manifest) map[Pair]struct{} {
	out := map[Pair]struct{}{}
	for cid, set := range m.entries {
		for p := range set {
			out[Pair{CID: cid, Path: p}] = struct{}{}
		}
	}
	return out
}

// DiffManifests reports pairs present in next but not prev (Added) and
// present in prev but not next (Deleted).
func DiffManifests(prev, next *Manifest) Diff {
	prevPairs := pairsOf(prev)
	nextPairs := pairsOf(next)

	var d Diff
	for p := range nextPairs {
		if _, ok := prevPairs[p]; !ok {
			d.Added = append(d.Added, p)
		}
	}
	for p := range prevPairs {
		if _, ok := nextPairs[p]; !ok {
			d.Deleted = append(d.Deleted, p)
		}
	}
	sort.Slice(d.Added, func(i, j int) bool { return d.Added[i].Path < d.Added[j].Path })
	sort.Slice(d.Deleted, func(i, j int) bool { return d.Deleted[i].Path < d.Deleted[j].Path })
	return d
}

// Count returns the number of paths tracked, summed over every cid's set.
// Manifest holds no sizes (those live in the workspace Index); Log/Status
// in localrepo use Count for their file totals.
func (m *Manifest) Count() int {
	n := 0
	for _, set := range m.entries {
		n += len(set)
	}
	return n
}
