package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mlgit-go/mlgit/bucketstore"
	"github.com/mlgit-go/mlgit/config"
	"github.com/mlgit-go/mlgit/manifest"
	"github.com/mlgit-go/mlgit/metadata"
	"github.com/mlgit-go/mlgit/progress"
	"github.com/mlgit-go/mlgit/wsindex"
)

// fakeBucket is an in-memory bucketstore.BucketStore used in place of a
// real cloud SDK to exercise Push's durability fence and Fetch's retry
// path (spec §8 seed scenario 6), the same hand-written-fake-over-mock
// idiom the pack's tests use elsewhere (no mocking library is vendored).
type fakeBucket struct {
	mu       sync.Mutex
	objects  map[string][]byte
	putCount map[string]int
	failKeys map[string]bool
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{
		objects:  map[string][]byte{},
		putCount: map[string]int{},
		failKeys: map[string]bool{},
	}
}

func (f *fakeBucket) FilePut(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCount[key]++
	if f.failKeys[key] {
		return errors.New("fake: induced put failure")
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeBucket) FileGet(ctx context.Context, key, dstPath string) (int64, error) {
	f.mu.Lock()
	data, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return 0, os.ErrNotExist
	}
	if err := os.WriteFile(dstPath, data, 0o644); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (f *fakeBucket) FileExists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeBucket) ListFilesFromPath(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeBucket) DeleteFile(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeBucket) Kind() bucketstore.Kind { return bucketstore.KindS3 }
func (f *fakeBucket) Bucket() string         { return "fake-bucket" }

// putCountFor is a small race-safe accessor for assertions made from the
// test goroutine while Push's worker pool may still be touching the map.
func (f *fakeBucket) putCountFor(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putCount[key]
}

func newTestRepo(t *testing.T) (*LocalRepository, string) {
	t.Helper()
	base := t.TempDir()
	cfg := &config.Config{
		MlgitPath:        ".ml-git",
		BatchSize:        20,
		PushThreadsCount: 2,
	}
	repo, err := Open(cfg, base, "dataset")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo, base
}

func writeWorkspaceFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLocalRepository_AddCommitStatusLog(t *testing.T) {
	repo, base := newTestRepo(t)
	ctx := context.Background()

	workspace := filepath.Join(base, "workspace")
	writeWorkspaceFile(t, workspace, "images/a.png", "image-a")
	writeWorkspaceFile(t, workspace, "images/b.png", "image-b")

	spec := &metadata.Spec{
		EntityType: "dataset",
		Categories: []string{"vision"},
		Mutability: wsindex.Mutable,
		Name:       "imgset",
		Version:    1,
	}

	summary, err := repo.Add(ctx, spec, workspace, progress.Noop{})
	require.NoError(t, err)
	require.Len(t, summary.Added, 2)
	require.Empty(t, summary.Deleted)

	status, err := repo.Status(spec)
	require.NoError(t, err)
	require.Equal(t, 2, status.AddedCount)

	tag, err := repo.Commit(ctx, spec, "first import", false)
	require.NoError(t, err)
	require.Equal(t, "vision__imgset__1", tag.String())

	log, err := repo.Log(ctx, "imgset", FullStat)
	require.NoError(t, err)
	require.Equal(t, 2, log.TotalFiles)
	require.Equal(t, 2, log.AddedCount)
	require.Len(t, log.Added, 2)
}

func TestLocalRepository_CommitRejectsDuplicateTag(t *testing.T) {
	repo, base := newTestRepo(t)
	ctx := context.Background()

	workspace := filepath.Join(base, "workspace")
	writeWorkspaceFile(t, workspace, "a.bin", "content")

	spec := &metadata.Spec{
		EntityType: "dataset",
		Categories: []string{"vision"},
		Mutability: wsindex.Mutable,
		Name:       "imgset",
		Version:    5,
	}

	_, err := repo.Add(ctx, spec, workspace, nil)
	require.NoError(t, err)
	_, err = repo.Commit(ctx, spec, "import", false)
	require.NoError(t, err)

	// Re-adding the same workspace (nothing changed) and committing at the
	// same version must fail: the tag already exists (spec §3 Tag is
	// write-once).
	_, err = repo.Add(ctx, spec, workspace, nil)
	require.NoError(t, err)
	_, err = repo.Commit(ctx, spec, "import again", false)
	require.Error(t, err)
}

func TestLocalRepository_AddTracksDeletions(t *testing.T) {
	repo, base := newTestRepo(t)
	ctx := context.Background()

	workspace := filepath.Join(base, "workspace")
	writeWorkspaceFile(t, workspace, "a.bin", "content-a")
	writeWorkspaceFile(t, workspace, "b.bin", "content-b")

	spec := &metadata.Spec{
		EntityType: "dataset",
		Categories: []string{"vision"},
		Mutability: wsindex.Mutable,
		Name:       "imgset",
		Version:    1,
	}

	_, err := repo.Add(ctx, spec, workspace, nil)
	require.NoError(t, err)
	_, err = repo.Commit(ctx, spec, "first", false)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(workspace, "b.bin")))

	summary, err := repo.Add(ctx, spec, workspace, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"b.bin"}, summary.Deleted)
}

func TestLocalRepository_FsckCleanStoreReportsNothing(t *testing.T) {
	repo, base := newTestRepo(t)
	ctx := context.Background()

	workspace := filepath.Join(base, "workspace")
	writeWorkspaceFile(t, workspace, "a.bin", "clean-content")

	spec := &metadata.Spec{
		EntityType: "dataset",
		Categories: []string{"vision"},
		Mutability: wsindex.Mutable,
		Name:       "imgset",
		Version:    1,
	}
	_, err := repo.Add(ctx, spec, workspace, nil)
	require.NoError(t, err)

	report, err := repo.Fsck(ctx, "", nil, false)
	require.NoError(t, err)
	require.Empty(t, report.Corrupted)
}

// TestLocalRepository_PushFenceBlocksUntilAllObjectsLand exercises spec §8
// seed scenario 6: inducing an upload failure on one object (a.bin's
// descriptor) must prevent the
// metadata tag from being marked pushed, must leave every other object that
// did land durable, and a retry after the failure clears must not
// re-upload what is already present remotely.
func TestLocalRepository_PushFenceBlocksUntilAllObjectsLand(t *testing.T) {
	repo, base := newTestRepo(t)
	ctx := context.Background()

	workspace := filepath.Join(base, "workspace")
	writeWorkspaceFile(t, workspace, "a.bin", "alpha-content")
	writeWorkspaceFile(t, workspace, "b.bin", "beta-content")

	spec := &metadata.Spec{
		EntityType: "dataset",
		Categories: []string{"vision"},
		Mutability: wsindex.Mutable,
		Manifest:   metadata.ManifestRef{Storage: "s3://test-bucket"},
		Name:       "imgset",
		Version:    1,
	}

	_, err := repo.Add(ctx, spec, workspace, nil)
	require.NoError(t, err)
	tag, err := repo.Commit(ctx, spec, "first", false)
	require.NoError(t, err)

	m, err := manifest.Load(repo.committedManifestPath(spec.Categories, spec.Name))
	require.NoError(t, err)
	aCID, ok := m.Search("a.bin")
	require.True(t, ok)
	bCID, ok := m.Search("b.bin")
	require.True(t, ok)

	bucket := newFakeBucket()
	bucket.failKeys[aCID] = true

	old := openBucket
	openBucket = func(ctx context.Context, cfg *config.Config, storageURI string) (bucketstore.BucketStore, error) {
		return bucket, nil
	}
	t.Cleanup(func() { openBucket = old })

	err = repo.Push(ctx, tag.String(), nil)
	require.Error(t, err)
	require.False(t, repo.meta.IsPushed(ctx, tag.String()))

	exists, err := bucket.FileExists(ctx, bCID)
	require.NoError(t, err)
	require.True(t, exists, "b.bin's descriptor must have landed despite a.bin's failure")

	bPuts := bucket.putCountFor(bCID)

	bucket.mu.Lock()
	delete(bucket.failKeys, aCID)
	bucket.mu.Unlock()

	err = repo.Push(ctx, tag.String(), nil)
	require.NoError(t, err)
	require.True(t, repo.meta.IsPushed(ctx, tag.String()))

	exists, err = bucket.FileExists(ctx, aCID)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, bPuts, bucket.putCountFor(bCID), "already-durable object must not be re-uploaded on retry")
}

// TestLocalRepository_CheckoutRoundTrip exercises spec §4.5 Checkout:
// materializing a committed MANIFEST into a fresh workspace directory must
// reproduce every path's bytes exactly, and strict entities must come back
// read-only.
func TestLocalRepository_CheckoutRoundTrip(t *testing.T) {
	repo, base := newTestRepo(t)
	ctx := context.Background()

	workspace := filepath.Join(base, "workspace")
	writeWorkspaceFile(t, workspace, "images/a.png", "image-a-bytes")
	writeWorkspaceFile(t, workspace, "nested/dir/b.bin", "nested-content")

	spec := &metadata.Spec{
		EntityType: "dataset",
		Categories: []string{"vision"},
		Mutability: wsindex.Strict,
		Name:       "imgset",
		Version:    1,
	}

	_, err := repo.Add(ctx, spec, workspace, nil)
	require.NoError(t, err)
	tag, err := repo.Commit(ctx, spec, "first", false)
	require.NoError(t, err)

	checkoutDir := filepath.Join(base, "checkout")
	require.NoError(t, repo.Checkout(ctx, tag.String(), checkoutDir, 0, nil))

	gotA, err := os.ReadFile(filepath.Join(checkoutDir, "images", "a.png"))
	require.NoError(t, err)
	require.Equal(t, "image-a-bytes", string(gotA))

	gotB, err := os.ReadFile(filepath.Join(checkoutDir, "nested", "dir", "b.bin"))
	require.NoError(t, err)
	require.Equal(t, "nested-content", string(gotB))

	info, err := os.Stat(filepath.Join(checkoutDir, "images", "a.png"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o444), info.Mode().Perm())
}
