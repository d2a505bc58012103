// Package repository implements LocalRepository, the orchestrator that
// drives add/commit/push/fetch/checkout/log across the object store,
// workspace index, manifest, and metadata layers against a single
// pluggable remote bucket (spec §4.5, component C5).
package repository

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"golang.org/x/sync/errgroup"

	"github.com/mlgit-go/mlgit/bucketstore"
	"github.com/mlgit-go/mlgit/config"
	"github.com/mlgit-go/mlgit/kvstore"
	"github.com/mlgit-go/mlgit/manifest"
	"github.com/mlgit-go/mlgit/metadata"
	"github.com/mlgit-go/mlgit/mlgerr"
	"github.com/mlgit-go/mlgit/objectstore"
	"github.com/mlgit-go/mlgit/progress"
	"github.com/mlgit-go/mlgit/wsindex"
)

// LocalRepository orchestrates every operation for one entity type (e.g.
// "dataset", "model", "labels") within a single `<mlgit_path>` tree (spec
// §6 "Object store layout"). One LocalRepository serves every entity of
// that type; entity name and categories select the metadata subtree.
type LocalRepository struct {
	cfg        *config.Config
	entityType string
	root       string // <mlgit_path>/<entity-type>

	kv    kvstore.Store
	mhfs  *objectstore.MultihashFS
	cache *objectstore.HashFS
	index *wsindex.Index
	meta  *metadata.Store
	head  HeadStorage
}

// Open wires up every layer for entityType rooted at cfg.MlgitPath, creating
// the on-disk tree if it doesn't exist yet (the "init" operation).
func Open(cfg *config.Config, baseDir, entityType string) (*LocalRepository, error) {
	root := filepath.Join(baseDir, cfg.MlgitPath, entityType)

	kv, err := kvstore.Open(filepath.Join(root, "kv"), nil)
	if err != nil {
		return nil, mlgerr.New(mlgerr.KindIo, "repository.Open", root, err)
	}

	mhfs, err := objectstore.NewMultihashFS(filepath.Join(root, "objects", "hashfs"), config.DefaultBlocksize, config.DefaultShardLevels)
	if err != nil {
		return nil, err
	}
	cache, err := objectstore.NewHashFS(filepath.Join(root, "cache", "hashfs"), config.DefaultShardLevels)
	if err != nil {
		return nil, err
	}

	return &LocalRepository{
		cfg:        cfg,
		entityType: entityType,
		root:       root,
		kv:         kv,
		mhfs:       mhfs,
		cache:      cache,
		index:      wsindex.New(kv, mhfs, cache),
		meta:       metadata.Open(kv, entityType),
		head:       NewDatastoreHeadStorage(kv),
	}, nil
}

// Close releases the repository's persistent handles.
func (r *LocalRepository) Close() error {
	return r.kv.Close()
}

// openBucket constructs the BucketStore a Spec's manifest.storage names.
// It is a package-level var rather than a direct call to bucketstore.Open
// so tests can substitute a fake BucketStore and exercise Push/Fetch's
// fence and retry behavior without touching real cloud SDKs.
var openBucket = bucketstore.Open

func (r *LocalRepository) specPath(entityCategories []string, entityName string) string {
	parts := append([]string{r.root, "metadata"}, entityCategories...)
	parts = append(parts, entityName, entityName+".spec")
	return filepath.Join(parts...)
}

func (r *LocalRepository) committedManifestPath(entityCategories []string, entityName string) string {
	parts := append([]string{r.root, "metadata"}, entityCategories...)
	parts = append(parts, entityName, "MANIFEST.yaml")
	return filepath.Join(parts...)
}

func (r *LocalRepository) stagedManifestPath(entityName string) string {
	return filepath.Join(r.root, "index", "metadata", entityName, "MANIFEST.yaml")
}

// AddSummary reports the outcome of an Add call.
type AddSummary struct {
	Added   []string
	Deleted []string
}

// Add walks workspaceDir, stages every regular file into the object store
// (spec §4.5 "walks workspace, classifies files, dispatches per-file
// Index.add across the worker pool"), and regenerates the staged MANIFEST
// from the previous committed one plus this round's index entries (spec
// §4.4, §4.5). Paths recorded in the manifest are workspace-relative.
func (r *LocalRepository) Add(ctx context.Context, spec *metadata.Spec, workspaceDir string, sink progress.Sink) (AddSummary, error) {
	if sink == nil {
		sink = progress.Noop{}
	}

	current, err := listWorkspaceFiles(workspaceDir)
	if err != nil {
		return AddSummary{}, err
	}

	prevManifest, err := manifest.Load(r.committedManifestPath(spec.Categories, spec.Name))
	if err != nil {
		return AddSummary{}, err
	}

	prevPaths := map[string]struct{}{}
	for _, cid := range prevManifest.CIDs() {
		for _, p := range prevManifest.Paths(cid) {
			prevPaths[p] = struct{}{}
		}
	}

	currentRel := make(map[string]struct{}, len(current))
	for p := range current {
		if rel, err := filepath.Rel(workspaceDir, p); err == nil {
			currentRel[rel] = struct{}{}
		}
	}

	var deleted []string
	for p := range prevPaths {
		if _, ok := currentRel[p]; !ok {
			deleted = append(deleted, p)
		}
	}
	sort.Strings(deleted)
	for _, p := range deleted {
		if err := r.index.MarkDeleted(ctx, p, spec.Mutability); err != nil {
			return AddSummary{}, err
		}
	}

	abs := make([]string, 0, len(current))
	for p := range current {
		abs = append(abs, p)
	}
	sort.Strings(abs)

	prevLookup := wsindex.PreviousLookup(func(path string) (string, bool) {
		rel, err := filepath.Rel(workspaceDir, path)
		if err != nil {
			return "", false
		}
		return prevManifest.Search(rel)
	})

	sink.Start(len(abs))
	results := wsindex.AddAll(ctx, r.index, abs, spec.Mutability, prevLookup, r.cfg.PushThreadsCount)

	failures := map[string]error{}
	added := make([]string, 0, len(results))
	for _, res := range results {
		rel, relErr := filepath.Rel(workspaceDir, res.Path)
		if relErr != nil {
			rel = res.Path
		}
		if res.Err != nil {
			failures[rel] = res.Err
			continue
		}
		sink.Advance(1, rel)
		added = append(added, rel)
	}
	sink.Done()

	if len(failures) > 0 {
		// Aggregate and surface every failure together; the staged
		// manifest is left untouched (spec §7 propagation policy).
		return AddSummary{}, mlgerr.NewAggregate("repository.Add", failures)
	}

	staged := prevManifest.Clone(r.stagedManifestPath(spec.Name))
	for _, p := range deleted {
		staged.RmFile(p)
	}
	for i, absPath := range abs {
		rel, relErr := filepath.Rel(workspaceDir, absPath)
		if relErr != nil {
			continue
		}
		entry := results[i].Entry
		staged.RmFile(rel) // drop any stale cid pairing before re-adding under the new one
		staged.Add(entry.CID, rel)
	}

	if err := staged.Save(); err != nil {
		return AddSummary{}, err
	}

	return AddSummary{Added: added, Deleted: deleted}, nil
}

// Commit materializes the new Spec (optionally bumping its version),
// writes the staged MANIFEST to the committed metadata tree, records a
// commit, and synthesizes and publishes the tag (spec §4.5). Fails
// VersionConflict if the tag already exists.
func (r *LocalRepository) Commit(ctx context.Context, spec *metadata.Spec, message string, bumpVersion bool) (metadata.Tag, error) {
	newSpec := spec
	if bumpVersion {
		newSpec = spec.Bump()
	}
	tag := metadata.SynthesizeTag(newSpec)

	if r.meta.TagExists(ctx, tag.String()) {
		return metadata.Tag{}, mlgerr.New(mlgerr.KindVersionConflict, "repository.Commit", tag.String(), errTagAlreadyExists)
	}

	staged, err := manifest.Load(r.stagedManifestPath(newSpec.Name))
	if err != nil {
		return metadata.Tag{}, err
	}
	manifestBytes, err := staged.MarshalBytes()
	if err != nil {
		return metadata.Tag{}, err
	}

	specPath := r.specPath(newSpec.Categories, newSpec.Name)
	if err := newSpec.Save(specPath); err != nil {
		return metadata.Tag{}, err
	}
	committedManifestPath := r.committedManifestPath(newSpec.Categories, newSpec.Name)
	committed := manifest.New(committedManifestPath)
	for _, cid := range staged.CIDs() {
		for _, p := range staged.Paths(cid) {
			committed.Add(cid, p)
		}
	}
	if err := committed.Save(); err != nil {
		return metadata.Tag{}, err
	}

	specBytes, err := os.ReadFile(specPath)
	if err != nil {
		return metadata.Tag{}, mlgerr.New(mlgerr.KindIo, "repository.Commit", specPath, err)
	}

	commitID, err := r.meta.Commit(ctx, newSpec.Name, message, specBytes, manifestBytes, specPath)
	if err != nil {
		return metadata.Tag{}, err
	}
	if err := r.meta.TagAdd(ctx, tag.String(), commitID); err != nil {
		return metadata.Tag{}, err
	}
	if err := r.index.Clear(ctx); err != nil {
		return metadata.Tag{}, err
	}

	prevHead, _ := r.head.LoadHead(ctx, newSpec.Name)
	if err := r.head.SaveHead(ctx, newSpec.Name, RepositoryState{
		Head:    commitCID(commitID),
		Prev:    prevHead.Head,
		Version: prevHead.Version + 1,
		RepoID:  newSpec.Name,
	}); err != nil {
		return metadata.Tag{}, err
	}

	return tag, nil
}

// Push enumerates every CID reachable from tag's committed MANIFEST that is
// not yet present remotely, uploads them with bounded concurrency, and only
// then marks the tag pushed -- the metadata-publication fence of spec §4.5
// and §5 ("metadata is published strictly after all referenced CIDs are
// confirmed present remotely").
func (r *LocalRepository) Push(ctx context.Context, tag string, sink progress.Sink) error {
	if sink == nil {
		sink = progress.Noop{}
	}
	commit, err := r.meta.CommitForTag(ctx, tag)
	if err != nil {
		return err
	}
	m, err := manifest.ParseBytes(commit.Manifest)
	if err != nil {
		return err
	}
	spec, err := metadata.ParseSpec(commit.Spec)
	if err != nil {
		return err
	}
	if spec.Manifest.Storage == "" {
		return mlgerr.New(mlgerr.KindConfig, "repository.Push", tag, errNoStorageConfigured)
	}
	bucket, err := openBucket(ctx, r.cfg, spec.Manifest.Storage)
	if err != nil {
		return err
	}

	objects := r.objectSetFor(m)
	sink.Start(len(objects))

	sem := make(chan struct{}, r.cfg.PushThreadsCount)
	g, gctx := errgroup.WithContext(ctx)
	failures := map[string]error{}
	var mu errMutex

	for _, key := range objects {
		key := key
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			exists, err := bucket.FileExists(gctx, key)
			if err != nil {
				mu.record(failures, key, mlgerr.Wrap(mlgerr.KindTransfer, "repository.Push", key, err))
				return nil
			}
			if exists {
				sink.Advance(1, key)
				return nil
			}
			if err := bucket.FilePut(gctx, key, r.mhfs.ObjectPath(key)); err != nil {
				mu.record(failures, key, mlgerr.Wrap(mlgerr.KindTransfer, "repository.Push", key, err))
				return nil
			}
			sink.Advance(1, key)
			return nil
		})
	}
	_ = g.Wait()
	sink.Done()

	if len(failures) > 0 {
		return mlgerr.NewAggregate("repository.Push", failures)
	}
	return r.meta.MarkPushed(ctx, tag)
}

// objectSetFor enumerates every descriptor and chunk CID a MANIFEST
// references: each file CID plus the chunk hashes its descriptor lists.
func (r *LocalRepository) objectSetFor(m *manifest.Manifest) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, fileCID := range m.CIDs() {
		if _, ok := seen[fileCID]; !ok {
			seen[fileCID] = struct{}{}
			out = append(out, fileCID)
		}
		links, err := r.mhfs.Links(fileCID)
		if err != nil {
			continue
		}
		for _, l := range links {
			if _, ok := seen[l.Hash]; !ok {
				seen[l.Hash] = struct{}{}
				out = append(out, l.Hash)
			}
		}
	}
	return out
}

// Fetch checks out the metadata at tag, reads its MANIFEST, and downloads
// every CID not already present locally, with per-object integrity
// checking and exponential-backoff retry (base 1s, cap 30s, 3 attempts per
// spec §4.5, §7).
func (r *LocalRepository) Fetch(ctx context.Context, tag string, sink progress.Sink) error {
	if sink == nil {
		sink = progress.Noop{}
	}
	commit, err := r.meta.CommitForTag(ctx, tag)
	if err != nil {
		return err
	}
	m, err := manifest.ParseBytes(commit.Manifest)
	if err != nil {
		return err
	}
	spec, err := metadata.ParseSpec(commit.Spec)
	if err != nil {
		return err
	}
	if spec.Manifest.Storage == "" {
		return mlgerr.New(mlgerr.KindConfig, "repository.Fetch", tag, errNoStorageConfigured)
	}
	bucket, err := openBucket(ctx, r.cfg, spec.Manifest.Storage)
	if err != nil {
		return err
	}

	sink.Start(len(m.CIDs()))
	sem := make(chan struct{}, r.cfg.PushThreadsCount)
	g, gctx := errgroup.WithContext(ctx)
	failures := map[string]error{}
	var mu errMutex

	for _, fileCID := range m.CIDs() {
		fileCID := fileCID
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := r.fetchFile(gctx, bucket, fileCID); err != nil {
				mu.record(failures, fileCID, err)
				return nil
			}
			sink.Advance(1, fileCID)
			return nil
		})
	}
	_ = g.Wait()
	sink.Done()

	if len(failures) > 0 {
		return mlgerr.NewAggregate("repository.Fetch", failures)
	}
	return nil
}

// fetchFile downloads fileCID's descriptor (if missing) and every chunk it
// lists (if missing), verifying each against its own CID.
func (r *LocalRepository) fetchFile(ctx context.Context, bucket bucketstore.BucketStore, fileCID string) error {
	if !r.mhfs.Exists(fileCID) {
		if err := r.downloadVerified(ctx, bucket, fileCID); err != nil {
			return err
		}
	}
	links, err := r.mhfs.Links(fileCID)
	if err != nil {
		return err
	}
	for _, l := range links {
		if r.mhfs.Exists(l.Hash) {
			continue
		}
		if err := r.downloadVerified(ctx, bucket, l.Hash); err != nil {
			return err
		}
	}
	return nil
}

// downloadVerified retries a single-object download with exponential
// backoff and verifies the CID before storing it, per spec §7 TransferError
// policy ("retry with backoff (3 attempts), then surface").
func (r *LocalRepository) downloadVerified(ctx context.Context, bucket bucketstore.BucketStore, key string) error {
	tmpDir, err := os.MkdirTemp("", "mlgit-fetch-*")
	if err != nil {
		return mlgerr.New(mlgerr.KindIo, "repository.Fetch", key, err)
	}
	defer os.RemoveAll(tmpDir)
	tmpPath := filepath.Join(tmpDir, key)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second

	op := func() error {
		if _, err := bucket.FileGet(ctx, key, tmpPath); err != nil {
			return mlgerr.Wrap(mlgerr.KindTransfer, "repository.Fetch", key, err)
		}
		return nil
	}
	// WithMaxRetries counts retries after the first try: 2 retries, 3 attempts.
	if err := backoff.Retry(op, backoff.WithMaxRetries(b, 2)); err != nil {
		return mlgerr.New(mlgerr.KindTransfer, "repository.Fetch", key, err)
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return mlgerr.New(mlgerr.KindIo, "repository.Fetch", key, err)
	}
	if err := r.mhfs.StoreVerified(key, data); err != nil {
		return err
	}
	return nil
}

// Checkout materializes tag's MANIFEST into workspaceDir, hard-linking each
// path from the object cache (falling back to copy) and, for strict
// entities, marking files read-only (spec §4.5). A path whose file CID has
// no cache entry is reassembled from the object store's verified chunks
// instead. sampling in (0,1]
// deterministically restricts which paths are materialized; 0 or 1 means
// "every path".
func (r *LocalRepository) Checkout(ctx context.Context, tag, workspaceDir string, sampling float64, sink progress.Sink) error {
	if sink == nil {
		sink = progress.Noop{}
	}
	commit, err := r.meta.CommitForTag(ctx, tag)
	if err != nil {
		return err
	}
	m, err := manifest.ParseBytes(commit.Manifest)
	if err != nil {
		return err
	}
	spec, err := metadata.ParseSpec(commit.Spec)
	if err != nil {
		return err
	}

	var allPaths []string
	for _, cid := range m.CIDs() {
		allPaths = append(allPaths, m.Paths(cid)...)
	}
	sort.Strings(allPaths)

	sink.Start(len(allPaths))
	for _, p := range allPaths {
		if sampling > 0 && sampling < 1 && !sampledIn(p, sampling) {
			continue
		}
		cid, ok := m.Search(p)
		if !ok {
			continue
		}
		dst := filepath.Join(workspaceDir, p)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return mlgerr.New(mlgerr.KindIo, "repository.Checkout", p, err)
		}
		if r.cache.Exists(cid) {
			if _, err := r.cache.Get(cid, dst); err != nil {
				return err
			}
		} else if _, err := r.mhfs.Get(cid, dst); err != nil {
			return err
		}
		if spec.Mutability == wsindex.Strict {
			if err := os.Chmod(dst, 0o444); err != nil {
				return mlgerr.New(mlgerr.KindIo, "repository.Checkout", p, err)
			}
		}
		sink.Advance(1, p)
	}
	sink.Done()
	return nil
}

// sampledIn deterministically selects a path into a fraction-sized subset,
// independent of materialization order.
func sampledIn(path string, fraction float64) bool {
	h := fnv32(path)
	return float64(h%1000)/1000.0 < fraction
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// ReportMode selects between the short and full forms of Log (spec §4.5,
// "log --fullstat"/"log --stat").
type ReportMode int

const (
	Stat ReportMode = iota
	FullStat
)

// LogReport is the result of diffing two commits' manifests.
type LogReport struct {
	Added       []string
	Deleted     []string
	TotalFiles  int
	AddedCount  int
	DeletedCount int
}

// Log reports, for entityName's most recent commit, the files added and
// deleted relative to its parent commit (spec §4.5). Stat mode omits the
// per-file path lists, reporting counts only.
func (r *LocalRepository) Log(ctx context.Context, entityName string, mode ReportMode) (LogReport, error) {
	cur, prev, err := r.meta.GetSpecsToCompare(ctx, entityName)
	if err != nil {
		return LogReport{}, err
	}
	curManifest, err := manifest.ParseBytes(cur.Manifest)
	if err != nil {
		return LogReport{}, err
	}

	var prevManifest *manifest.Manifest
	if prev != nil {
		prevManifest, err = manifest.ParseBytes(prev.Manifest)
		if err != nil {
			return LogReport{}, err
		}
	} else {
		prevManifest = manifest.New("")
	}

	diff := manifest.DiffManifests(prevManifest, curManifest)
	report := LogReport{
		TotalFiles:   curManifest.Count(),
		AddedCount:   len(diff.Added),
		DeletedCount: len(diff.Deleted),
	}
	if mode == FullStat {
		for _, pair := range diff.Added {
			report.Added = append(report.Added, pair.Path)
		}
		for _, pair := range diff.Deleted {
			report.Deleted = append(report.Deleted, pair.Path)
		}
	}
	return report, nil
}

// Status reports the staged (pre-commit) diff against the last committed
// MANIFEST, the same shape as Log but sourced from the index's staged
// manifest rather than a metadata commit.
func (r *LocalRepository) Status(spec *metadata.Spec) (LogReport, error) {
	prevManifest, err := manifest.Load(r.committedManifestPath(spec.Categories, spec.Name))
	if err != nil {
		return LogReport{}, err
	}
	staged, err := manifest.Load(r.stagedManifestPath(spec.Name))
	if err != nil {
		return LogReport{}, err
	}
	diff := manifest.DiffManifests(prevManifest, staged)
	report := LogReport{TotalFiles: staged.Count(), AddedCount: len(diff.Added), DeletedCount: len(diff.Deleted)}
	for _, pair := range diff.Added {
		report.Added = append(report.Added, pair.Path)
	}
	for _, pair := range diff.Deleted {
		report.Deleted = append(report.Deleted, pair.Path)
	}
	return report, nil
}

// Fsck runs MultihashFS.Fsck over the local object store, attempting a
// repair download from storageURI when one is configured (spec §4.2). When
// resetLog is set and the pass found nothing corrupted, both store.log
// files are truncated (SUPPLEMENTED FEATURES: `fsck --reset-log`).
func (r *LocalRepository) Fsck(ctx context.Context, storageURI string, exclude []string, resetLog bool) (objectstore.FsckReport, error) {
	var remote objectstore.Remote
	if storageURI != "" {
		bucket, err := openBucket(ctx, r.cfg, storageURI)
		if err != nil {
			return objectstore.FsckReport{}, err
		}
		remote = remoteAdapter{ctx: ctx, bucket: bucket}
	}
	report, err := r.mhfs.Fsck(exclude, remote)
	if err != nil {
		return report, err
	}
	if resetLog && len(report.Corrupted) == 0 {
		if err := r.mhfs.ResetLog(); err != nil {
			return report, err
		}
		if err := r.cache.ResetLog(); err != nil {
			return report, err
		}
	}
	return report, nil
}

type remoteAdapter struct {
	ctx    context.Context
	bucket bucketstore.BucketStore
}

func (a remoteAdapter) FileGet(key, dstPath string) (int64, error) {
	return a.bucket.FileGet(a.ctx, key, dstPath)
}

func listWorkspaceFiles(dir string) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		out[p] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, mlgerr.New(mlgerr.KindIo, "repository.Add", dir, err)
	}
	return out, nil
}

// commitCID wraps a commit id in a raw CIDv1 so it fits RepositoryState.Head,
// which generalizes the teacher's single-pointer HEAD (repository/head_storage.go)
// to an opaque versioned-KV commit id rather than an IPLD DAG root.
func commitCID(id string) cid.Cid {
	sum, err := multihash.Sum([]byte(id), multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef
	}
	return cid.NewCidV1(cid.Raw, sum)
}

// errMutex guards concurrent writes into a shared per-key failure map from
// the Push/Fetch worker pools.
type errMutex struct {
	mu sync.Mutex
}

func (m *errMutex) record(dst map[string]error, key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dst[key] = err
}

type tagError string

func (e tagError) Error() string { return string(e) }

const (
	errTagAlreadyExists   = tagError("tag already exists")
	errNoStorageConfigured = tagError("spec has no manifest.storage configured")
)
