package metadata

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mlgit-go/mlgit/kvstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "kv"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return Open(kv, "dataset")
}

func TestStore_CommitChainsOffHead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Commit(ctx, "imgset", "first import", []byte("spec-v1"), []byte("manifest-v1"), "imgset.spec")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := s.Commit(ctx, "imgset", "second import", []byte("spec-v2"), []byte("manifest-v2"), "imgset.spec")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	c, err := s.GetCommit(ctx, second)
	require.NoError(t, err)
	require.Equal(t, first, c.Parent)
}

func TestStore_TagAddAndExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	commitID, err := s.Commit(ctx, "imgset", "import", []byte("spec"), []byte("manifest"), "imgset.spec")
	require.NoError(t, err)

	require.False(t, s.TagExists(ctx, "vision__imgset__1"))
	require.NoError(t, s.TagAdd(ctx, "vision__imgset__1", commitID))
	require.True(t, s.TagExists(ctx, "vision__imgset__1"))

	err = s.TagAdd(ctx, "vision__imgset__1", commitID)
	require.Error(t, err)
}

func TestStore_GetTagResolvesLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for v := 1; v <= 3; v++ {
		commitID, err := s.Commit(ctx, "imgset", "import", []byte("spec"), []byte("manifest"), "imgset.spec")
		require.NoError(t, err)
		tag := SynthesizeTag(&Spec{Categories: []string{"vision"}, Name: "imgset", Version: v})
		require.NoError(t, s.TagAdd(ctx, tag.String(), commitID))
	}

	got, err := s.GetTag(ctx, "imgset", -1)
	require.NoError(t, err)
	require.Equal(t, 3, got.Version)
}

func TestStore_GetSpecsToCompare(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Commit(ctx, "imgset", "first", []byte("spec-v1"), []byte("manifest-v1"), "imgset.spec")
	require.NoError(t, err)
	_, err = s.Commit(ctx, "imgset", "second", []byte("spec-v2"), []byte("manifest-v2"), "imgset.spec")
	require.NoError(t, err)

	cur, prev, err := s.GetSpecsToCompare(ctx, "imgset")
	require.NoError(t, err)
	require.NotNil(t, cur)
	require.NotNil(t, prev)
	require.Equal(t, []byte("spec-v2"), cur.Spec)
	require.Equal(t, []byte("spec-v1"), prev.Spec)
}

func TestStore_CloneImportsCommitsTagsAndPushedMarkers(t *testing.T) {
	src := newTestStore(t)
	ctx := context.Background()

	commitID, err := src.Commit(ctx, "imgset", "first import", []byte("spec-v1"), []byte("manifest-v1"), "imgset.spec")
	require.NoError(t, err)
	require.NoError(t, src.TagAdd(ctx, "vision__imgset__1", commitID))
	require.NoError(t, src.MarkPushed(ctx, "vision__imgset__1"))

	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "kv"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	dst := Open(kv, "dataset")

	require.NoError(t, dst.Clone(ctx, src))

	require.True(t, dst.TagExists(ctx, "vision__imgset__1"))
	require.True(t, dst.IsPushed(ctx, "vision__imgset__1"))

	c, err := dst.CommitForTag(ctx, "vision__imgset__1")
	require.NoError(t, err)
	require.Equal(t, []byte("spec-v1"), c.Spec)
}

func TestStore_DeleteGitReference(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Commit(ctx, "imgset", "first", []byte("spec"), []byte("manifest"), "imgset.spec")
	require.NoError(t, err)

	require.NoError(t, s.DeleteGitReference(ctx, "imgset"))
	_, _, err = s.GetSpecsToCompare(ctx, "imgset")
	require.Error(t, err)
}
