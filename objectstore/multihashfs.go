// Package objectstore implements the content-addressed chunked blob store
// that is the hard engineering core of mlgit-go: a sharded cache (HashFS)
// and a self-verifying chunked store (MultihashFS) addressed by CIDv1
// (sha2-256, dag-pb codec), grounded on src/mlgit/hashfs.py and adapted to
// the teacher's blockstore/chunker wiring (github.com/ipfs/boxo/chunker).
package objectstore

import (
	"io"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/boxo/chunker"
	blocks "github.com/ipfs/go-block-format"

	"github.com/mlgit-go/mlgit/config"
	"github.com/mlgit-go/mlgit/mlgerr"
)

const shardStartMultihashFS = 5 // skip the common CIDv1 "zdj7W..." prefix (spec §3)

const existsCacheSize = 4096

// MultihashFS is the primary object store: a sharded tree of chunks and
// descriptor objects, named by their own CID (spec §4.2, component C2).
type MultihashFS struct {
	root      string
	logPath   string
	levels    int
	blocksize int
	// exists caches confirmed-present objects as blocks.Block (content +
	// its own CID bundled together, the same unit the teacher's
	// blockstore.blockstore caches), so a presence check never re-verifies
	// a CID it already confirmed this process. It is consulted only by
	// Exists/storeChunk, never by Get, which always re-reads and
	// re-verifies from disk (spec §4.2's self-verifying read path).
	exists *lru.Cache[string, blocks.Block]
}

// NewMultihashFS creates (if needed) the on-disk layout rooted at root.
// blocksize and levels are clamped per spec §3.
func NewMultihashFS(root string, blocksize, levels int) (*MultihashFS, error) {
	logDir := filepath.Join(root, storeLogDirName)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, mlgerr.New(mlgerr.KindIo, "MultihashFS.New", root, err)
	}
	cache, _ := lru.New[string, blocks.Block](existsCacheSize)
	return &MultihashFS{
		root:      root,
		logPath:   filepath.Join(logDir, storeLogFileName),
		levels:    config.ClampShardLevels(levels),
		blocksize: config.ClampBlocksize(blocksize),
		exists:    cache,
	}, nil
}

func (m *MultihashFS) path(key string) string {
	return objectPath(m.root, key, shardStartMultihashFS, m.levels)
}

// Exists reports whether cid is present and CID-valid (spec §9, open
// question #1: the reference implementation's exists() is a permanently
// disabled stub; this implementation makes it authoritative as directed).
func (m *MultihashFS) Exists(fileCID string) bool {
	if _, ok := m.exists.Get(fileCID); ok {
		return true
	}
	data, err := os.ReadFile(m.path(fileCID))
	if err != nil {
		return false
	}
	if !verify(fileCID, data) {
		return false
	}
	c, err := parseCID(fileCID)
	if err != nil {
		return false
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return false
	}
	m.exists.Add(fileCID, blk)
	return true
}

// storeChunk persists data under key if not already present, matching the
// reference's create-if-absent "_store_chunk" (idempotent, race-free across
// concurrent Put of the same content per spec §5).
func (m *MultihashFS) storeChunk(key string, data []byte) error {
	if _, ok := m.exists.Get(key); ok {
		return nil
	}
	c, err := parseCID(key)
	if err != nil {
		return mlgerr.New(mlgerr.KindIo, "MultihashFS.Put", key, err)
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return mlgerr.New(mlgerr.KindIntegrity, "MultihashFS.Put", key, err)
	}

	dst := m.path(key)
	if _, err := os.Stat(dst); err == nil {
		m.exists.Add(key, blk)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return mlgerr.New(mlgerr.KindIo, "MultihashFS.Put", key, err)
	}
	tmp := dst + ".tmp-" + randomSuffix()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return mlgerr.New(mlgerr.KindIo, "MultihashFS.Put", key, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		if os.IsExist(err) {
			m.exists.Add(key, blk)
			return nil
		}
		return mlgerr.New(mlgerr.KindIo, "MultihashFS.Put", key, err)
	}
	m.exists.Add(key, blk)
	return nil
}

// Put chunks srcPath into fixed blocksize windows, stores each chunk and a
// descriptor enumerating them, and returns the descriptor's CID (the file
// CID). Chunking uses boxo's fixed-size splitter, the same primitive the
// teacher's blockstore.AddFile uses for its non-Rabin path.
func (m *MultihashFS) Put(srcPath string) (string, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", mlgerr.New(mlgerr.KindNotFound, "MultihashFS.Put", srcPath, err)
		}
		return "", mlgerr.New(mlgerr.KindIo, "MultihashFS.Put", srcPath, err)
	}
	defer f.Close()

	splitter := chunker.NewSizeSplitter(f, int64(m.blocksize))
	var links []Link
	for {
		chunk, err := splitter.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", mlgerr.New(mlgerr.KindIo, "MultihashFS.Put", srcPath, err)
		}
		chunkCID, err := digestString(chunk)
		if err != nil {
			return "", mlgerr.New(mlgerr.KindIo, "MultihashFS.Put", srcPath, err)
		}
		if err := m.storeChunk(chunkCID, chunk); err != nil {
			return "", err
		}
		links = append(links, Link{Hash: chunkCID, Size: int64(len(chunk))})
	}

	descBytes, err := marshalDescriptor(descriptor{Links: links})
	if err != nil {
		return "", mlgerr.New(mlgerr.KindIo, "MultihashFS.Put", srcPath, err)
	}
	fileCID, err := digestString(descBytes)
	if err != nil {
		return "", mlgerr.New(mlgerr.KindIo, "MultihashFS.Put", srcPath, err)
	}
	if err := m.storeChunk(fileCID, descBytes); err != nil {
		return "", err
	}

	if err := m.appendLog(fileCID, links); err != nil {
		return "", err
	}
	return fileCID, nil
}

// Get loads the descriptor named fileCID, verifies it, then streams each
// chunk (verified individually) into dstPath. Any mismatch deletes the
// partial output and returns 0, per spec §4.2.
func (m *MultihashFS) Get(fileCID, dstPath string) (int64, error) {
	descBytes, err := os.ReadFile(m.path(fileCID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, mlgerr.New(mlgerr.KindNotFound, "MultihashFS.Get", fileCID, err)
		}
		return 0, mlgerr.New(mlgerr.KindIo, "MultihashFS.Get", fileCID, err)
	}
	if !verify(fileCID, descBytes) {
		return 0, mlgerr.New(mlgerr.KindIntegrity, "MultihashFS.Get", fileCID, errIntegrity)
	}
	desc, err := unmarshalDescriptor(descBytes)
	if err != nil {
		return 0, mlgerr.New(mlgerr.KindIo, "MultihashFS.Get", fileCID, err)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return 0, mlgerr.New(mlgerr.KindIo, "MultihashFS.Get", fileCID, err)
	}
	out, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, mlgerr.New(mlgerr.KindIo, "MultihashFS.Get", fileCID, err)
	}

	var size int64
	for _, link := range desc.Links {
		chunk, err := os.ReadFile(m.path(link.Hash))
		if err != nil || !verify(link.Hash, chunk) {
			out.Close()
			os.Remove(dstPath)
			return 0, mlgerr.New(mlgerr.KindIntegrity, "MultihashFS.Get", link.Hash, errIntegrity)
		}
		if _, err := out.Write(chunk); err != nil {
			out.Close()
			os.Remove(dstPath)
			return 0, mlgerr.New(mlgerr.KindIo, "MultihashFS.Get", fileCID, err)
		}
		size += link.Size
	}
	if err := out.Close(); err != nil {
		return 0, mlgerr.New(mlgerr.KindIo, "MultihashFS.Get", fileCID, err)
	}
	return size, nil
}

// RemoveHash best-effort unlinks a single object, used by garbage collection
// against reachable manifests.
func (m *MultihashFS) RemoveHash(key string) {
	os.Remove(m.path(key))
	m.exists.Remove(key)
}

// ObjectPath exposes the on-disk location of key, so localrepo can push a
// chunk or descriptor straight off disk instead of reading it into memory.
func (m *MultihashFS) ObjectPath(key string) string {
	return m.path(key)
}

// Links returns the chunk list of the descriptor named fileCID, verifying
// it first. localrepo's Push walks this to discover every chunk CID a file
// CID depends on; Fetch walks it to know what remains to download once the
// descriptor itself has landed.
func (m *MultihashFS) Links(fileCID string) ([]Link, error) {
	data, err := os.ReadFile(m.path(fileCID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, mlgerr.New(mlgerr.KindNotFound, "MultihashFS.Links", fileCID, err)
		}
		return nil, mlgerr.New(mlgerr.KindIo, "MultihashFS.Links", fileCID, err)
	}
	if !verify(fileCID, data) {
		return nil, mlgerr.New(mlgerr.KindIntegrity, "MultihashFS.Links", fileCID, errIntegrity)
	}
	desc, err := unmarshalDescriptor(data)
	if err != nil {
		return nil, mlgerr.New(mlgerr.KindIo, "MultihashFS.Links", fileCID, err)
	}
	return desc.Links, nil
}

// StoreVerified persists data under key after checking its CID matches,
// the ingest-side counterpart of storeChunk used when data arrived over
// the network (localrepo.Fetch) rather than from Put's own chunking.
func (m *MultihashFS) StoreVerified(key string, data []byte) error {
	if !verify(key, data) {
		return mlgerr.New(mlgerr.KindIntegrity, "MultihashFS.StoreVerified", key, errIntegrity)
	}
	return m.storeChunk(key, data)
}

// validBlock reports whether data is the content of name (a CID string):
// it recomputes data's CID and compares it with name, then wraps data as a
// blocks.Block under the parsed CID. NewBlockWithCid does not hash data
// outside the library's debug mode, so the comparison is made here with
// verify — an object on disk is only ever named by its CID, so "is this
// file's name a valid block for its bytes" is exactly fsck's integrity
// question.
func validBlock(name string, data []byte) bool {
	if !verify(name, data) {
		return false
	}
	c, err := parseCID(name)
	if err != nil {
		return false
	}
	_, err = blocks.NewBlockWithCid(data, c)
	return err == nil
}

// FsckReport is the result of an integrity sweep.
type FsckReport struct {
	Corrupted []string
	Repaired  []string
}

// Remote is the subset of BucketStore fsck needs to attempt a repair
// download for a corrupted chunk.
type Remote interface {
	FileGet(key, dstPath string) (int64, error)
}

// Fsck walks the tree, recomputes the CID of every object, and reports
// names whose contents don't match. When remote is non-nil it attempts to
// re-download corrupted entries (spec §4.2).
func (m *MultihashFS) Fsck(exclude []string, remote Remote) (FsckReport, error) {
	var report FsckReport
	err := filepath.Walk(m.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if info.Name() == storeLogFileName || contains(exclude, info.Name()) {
			return nil
		}
		data, rerr := os.ReadFile(p)
		if rerr != nil || !validBlock(info.Name(), data) {
			report.Corrupted = append(report.Corrupted, info.Name())
			if remote != nil {
				if _, gerr := remote.FileGet(info.Name(), p); gerr == nil {
					fixed, rerr2 := os.ReadFile(p)
					if rerr2 == nil && validBlock(info.Name(), fixed) {
						report.Repaired = append(report.Repaired, info.Name())
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return report, mlgerr.New(mlgerr.KindIo, "MultihashFS.Fsck", m.root, err)
	}
	return report, nil
}

// ResetLog truncates store.log, the MultihashFS counterpart of
// HashFS.ResetLog (both mirror src/mlgit/hashfs.py's reset_log), used by
// the CLI's `fsck --reset-log` once an integrity pass confirms the store
// is clean.
func (m *MultihashFS) ResetLog() error {
	if err := os.Truncate(m.logPath, 0); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return mlgerr.New(mlgerr.KindIo, "MultihashFS.ResetLog", m.logPath, err)
	}
	return nil
}

func (m *MultihashFS) appendLog(fileCID string, links []Link) error {
	f, err := os.OpenFile(m.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return mlgerr.New(mlgerr.KindIo, "MultihashFS.Put", m.logPath, err)
	}
	defer f.Close()
	if _, err := f.WriteString(fileCID + "\n"); err != nil {
		return mlgerr.New(mlgerr.KindIo, "MultihashFS.Put", m.logPath, err)
	}
	for _, link := range links {
		if _, err := f.WriteString(link.Hash + "\n"); err != nil {
			return mlgerr.New(mlgerr.KindIo, "MultihashFS.Put", m.logPath, err)
		}
	}
	return nil
}

type integrityError string

func (e integrityError) Error() string { return string(e) }

const errIntegrity = integrityError("cid mismatch")
