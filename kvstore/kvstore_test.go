package kvstore

import (
	"context"
	"testing"

	ds "github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	store, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_IteratorAndKeys(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, ds.NewKey("ns").ChildString("a"), []byte("1")))
	require.NoError(t, store.Put(ctx, ds.NewKey("ns").ChildString("b"), []byte("2")))
	require.NoError(t, store.Put(ctx, ds.NewKey("other").ChildString("c"), []byte("3")))

	out, errc, err := store.Iterator(ctx, ds.NewKey("ns"), false)
	require.NoError(t, err)
	var got []KeyValue
	for kv := range out {
		got = append(got, kv)
	}
	require.NoError(t, <-errc)
	require.Len(t, got, 2)

	keys, errc, err := store.Keys(ctx, ds.NewKey("ns"))
	require.NoError(t, err)
	var names []string
	for k := range keys {
		names = append(names, k.String())
	}
	require.NoError(t, <-errc)
	require.Len(t, names, 2)
}

func TestStore_ClearPrefixLeavesOtherNamespacesIntact(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, ds.NewKey("index").ChildString("entries").ChildString("a.bin"), []byte("1")))
	require.NoError(t, store.Put(ctx, ds.NewKey("index").ChildString("entries").ChildString("b.bin"), []byte("2")))
	require.NoError(t, store.Put(ctx, ds.NewKey("metadata").ChildString("dataset").ChildString("tags").ChildString("t1"), []byte("commit-1")))

	require.NoError(t, store.ClearPrefix(ctx, ds.NewKey("index").ChildString("entries")))

	has, err := store.Has(ctx, ds.NewKey("index").ChildString("entries").ChildString("a.bin"))
	require.NoError(t, err)
	require.False(t, has)

	has, err = store.Has(ctx, ds.NewKey("metadata").ChildString("dataset").ChildString("tags").ChildString("t1"))
	require.NoError(t, err)
	require.True(t, has, "clearing the index namespace must not touch metadata")
}

func TestStore_CopyPrefixImportsSourceNamespace(t *testing.T) {
	src := openTestStore(t)
	dst := openTestStore(t)
	ctx := context.Background()

	prefix := ds.NewKey("metadata").ChildString("dataset")
	require.NoError(t, src.Put(ctx, prefix.ChildString("commits").ChildString("c1"), []byte("commit-bytes")))
	require.NoError(t, src.Put(ctx, prefix.ChildString("tags").ChildString("t1"), []byte("c1")))
	require.NoError(t, dst.Put(ctx, ds.NewKey("metadata").ChildString("model").ChildString("tags").ChildString("other"), []byte("unrelated")))

	require.NoError(t, dst.CopyPrefix(ctx, src, prefix))

	data, err := dst.Get(ctx, prefix.ChildString("commits").ChildString("c1"))
	require.NoError(t, err)
	require.Equal(t, "commit-bytes", string(data))

	data, err = dst.Get(ctx, prefix.ChildString("tags").ChildString("t1"))
	require.NoError(t, err)
	require.Equal(t, "c1", string(data))

	has, err := dst.Has(ctx, ds.NewKey("metadata").ChildString("model").ChildString("tags").ChildString("other"))
	require.NoError(t, err)
	require.True(t, has, "copy must not clobber unrelated existing keys in the destination")
}
