// Package wsindex implements the workspace Index: the staging state
// machine that tracks files added to a local entity's staging area, their
// chunking status, and their mutability class (spec §4.4, component C4).
package wsindex

import (
	"context"
	"encoding/json"
	"os"
	"time"

	ds "github.com/ipfs/go-datastore"

	"github.com/mlgit-go/mlgit/kvstore"
	"github.com/mlgit-go/mlgit/mlgerr"
	"github.com/mlgit-go/mlgit/objectstore"
)

// Status is the per-path state in the index state machine (spec §3, §4.4).
type Status string

const (
	StatusAdded      Status = "a"
	StatusDeleted    Status = "d"
	StatusCorrupted  Status = "c"
	StatusUntracked  Status = "u"
)

// Mutability is the per-entity policy governing whether committed files may
// change (spec §3).
type Mutability string

const (
	Strict   Mutability = "strict"
	Flexible Mutability = "flexible"
	Mutable  Mutability = "mutable"
)

// Entry is one path's index record.
type Entry struct {
	Path        string     `json:"path"`
	CID         string     `json:"cid"`
	Size        int64      `json:"size"`
	Mtime       time.Time  `json:"mtime"`
	Status      Status     `json:"status"`
	Mutability  Mutability `json:"mutability"`
	PreviousCID string     `json:"previous_cid,omitempty"`
}

// PreviousLookup resolves the CID a path was tracked at in the last commit,
// so Add can enforce strict-mutability and populate PreviousCID for
// flexible entities. LocalRepository supplies this from the current
// MANIFEST; wsindex stays decoupled from the manifest package.
type PreviousLookup func(path string) (cid string, ok bool)

// Index is the per-entity staging state machine. Entries persist in a
// badger-backed kvstore so they survive process restarts (spec §3
// Lifecycles: "Index entries ... survive process restarts").
type Index struct {
	kv    kvstore.Store
	mhfs  *objectstore.MultihashFS
	cache *objectstore.HashFS
}

// New builds an Index over kv (for entry persistence), mhfs (the object
// store entries chunk into) and cache (the HashFS used to materialize
// workspace hard links).
func New(kv kvstore.Store, mhfs *objectstore.MultihashFS, cache *objectstore.HashFS) *Index {
	return &Index{kv: kv, mhfs: mhfs, cache: cache}
}

func entryKey(path string) ds.Key {
	return ds.NewKey("index").ChildString("entries").ChildString(path)
}

// Add is the central index operation (spec §4.4):
//  1. strict files must be hard-linked to their previously materialized
//     cache entry, or the edit is rejected as a mutability violation.
//  2. the file is chunked into the object store via MultihashFS.Put.
//  3. for strict/flexible entities, the workspace file is replaced by a
//     hard link to the materialized cache entry (dedup, tamper-evidence).
//  4. the resulting entry is recorded with status "a" (added).
func (ix *Index) Add(ctx context.Context, path string, mut Mutability, prev PreviousLookup) (Entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, mlgerr.New(mlgerr.KindNotFound, "wsindex.Add", path, err)
		}
		return Entry{}, mlgerr.New(mlgerr.KindIo, "wsindex.Add", path, err)
	}

	var previousCID string
	hadPrevious := false
	if prev != nil {
		previousCID, hadPrevious = prev(path)
	}

	if mut == Strict && hadPrevious && ix.cache.Exists(previousCID) {
		if !ix.isHardLinkToCache(path, previousCID) {
			return Entry{}, mlgerr.New(mlgerr.KindMutabilityViolation, "wsindex.Add", path,
				errMutabilityViolation)
		}
	}

	fileCID, err := ix.mhfs.Put(path)
	if err != nil {
		return Entry{}, err
	}

	if mut == Strict || mut == Flexible {
		if err := ix.materializeHardLink(path, fileCID); err != nil {
			return Entry{}, err
		}
	}

	entry := Entry{
		Path:        path,
		CID:         fileCID,
		Size:        info.Size(),
		Mtime:       info.ModTime(),
		Status:      StatusAdded,
		Mutability:  mut,
		PreviousCID: previousCID,
	}
	if err := ix.put(ctx, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// MarkDeleted records path as deleted in the index (cleared on commit).
func (ix *Index) MarkDeleted(ctx context.Context, path string, mut Mutability) error {
	entry := Entry{Path: path, Status: StatusDeleted, Mutability: mut}
	return ix.put(ctx, entry)
}

// MarkCorrupted records path as corrupted (set by fsck, spec §4.4).
func (ix *Index) MarkCorrupted(ctx context.Context, path string) error {
	existing, _ := ix.Get(ctx, path)
	existing.Path = path
	existing.Status = StatusCorrupted
	return ix.put(ctx, existing)
}

// Get loads the current entry for path, if any.
func (ix *Index) Get(ctx context.Context, path string) (Entry, bool) {
	data, err := ix.kv.Get(ctx, entryKey(path))
	if err != nil {
		return Entry{}, false
	}
	var e Entry
	if json.Unmarshal(data, &e) != nil {
		return Entry{}, false
	}
	return e, true
}

// List returns every entry currently staged.
func (ix *Index) List(ctx context.Context) ([]Entry, error) {
	out, errc, err := ix.kv.Iterator(ctx, ds.NewKey("index").ChildString("entries"), false)
	if err != nil {
		return nil, mlgerr.New(mlgerr.KindIo, "wsindex.List", "", err)
	}
	var entries []Entry
	for kv := range out {
		var e Entry
		if json.Unmarshal(kv.Value, &e) == nil {
			entries = append(entries, e)
		}
	}
	if err, ok := <-errc; ok && err != nil {
		return entries, mlgerr.New(mlgerr.KindIo, "wsindex.List", "", err)
	}
	return entries, nil
}

// Clear removes every staged entry (called after a successful commit).
func (ix *Index) Clear(ctx context.Context) error {
	if err := ix.kv.ClearPrefix(ctx, ds.NewKey("index").ChildString("entries")); err != nil {
		return mlgerr.New(mlgerr.KindIo, "wsindex.Clear", "", err)
	}
	return nil
}

func (ix *Index) put(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return mlgerr.New(mlgerr.KindIo, "wsindex.put", e.Path, err)
	}
	if err := ix.kv.Put(ctx, entryKey(e.Path), data); err != nil {
		return mlgerr.New(mlgerr.KindIo, "wsindex.put", e.Path, err)
	}
	return nil
}

// isHardLinkToCache reports whether path shares an inode with the cache
// entry materialized for cid.
func (ix *Index) isHardLinkToCache(path, cid string) bool {
	tmp, err := os.CreateTemp("", "mlgit-cache-check-*")
	if err != nil {
		return false
	}
	tmpPath := tmp.Name()
	tmp.Close()
	os.Remove(tmpPath)

	if _, err := ix.cache.Get(cid, tmpPath); err != nil {
		return false
	}
	defer os.Remove(tmpPath)

	a, err := os.Stat(path)
	if err != nil {
		return false
	}
	b, err := os.Stat(tmpPath)
	if err != nil {
		return false
	}
	return os.SameFile(a, b)
}

// materializeHardLink replaces the workspace file at path with a hard link
// to the object cache entry for fileCID: assembles the whole file into the
// cache (keyed by fileCID) if not already resident, then links it over
// path, atomically via a same-directory temp name plus rename.
func (ix *Index) materializeHardLink(path, fileCID string) error {
	if !ix.cache.Exists(fileCID) {
		tmpDir, err := os.MkdirTemp("", "mlgit-assemble-*")
		if err != nil {
			return mlgerr.New(mlgerr.KindIo, "wsindex.materializeHardLink", path, err)
		}
		defer os.RemoveAll(tmpDir)
		assembled := tmpDir + string(os.PathSeparator) + fileCID
		if _, err := ix.mhfs.Get(fileCID, assembled); err != nil {
			return err
		}
		if _, err := ix.cache.Put(assembled); err != nil {
			return err
		}
	}

	linkTmp := path + ".mlgit-link-tmp"
	os.Remove(linkTmp)
	if _, err := ix.cache.Get(fileCID, linkTmp); err != nil {
		return err
	}
	if err := os.Rename(linkTmp, path); err != nil {
		os.Remove(linkTmp)
		return mlgerr.New(mlgerr.KindIo, "wsindex.materializeHardLink", path, err)
	}
	return nil
}

type mutabilityError string

func (e mutabilityError) Error() string { return string(e) }

const errMutabilityViolation = mutabilityError("workspace file is not a hard link to its tracked cache entry")
