// Package kvstore wraps github.com/ipfs/go-ds-badger4 behind the
// go-datastore interfaces, giving mlgit-go a persistent key/value backend
// for the workspace Index (wsindex) and the metadata ref/tag store
// (metadata), adapted from the teacher's datastore.Datastorage.
package kvstore

import (
	"context"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	badger4 "github.com/ipfs/go-ds-badger4"
)

// Store is a persistent, batching, transactional key/value store.
type Store interface {
	ds.Datastore
	ds.BatchingFeature
	ds.TxnFeature
	ds.GCFeature
	ds.PersistentFeature
	ds.TTL

	// Iterator streams key/value pairs under prefix.
	Iterator(ctx context.Context, prefix ds.Key, keysOnly bool) (<-chan KeyValue, <-chan error, error)

	// Keys streams keys under prefix.
	Keys(ctx context.Context, prefix ds.Key) (<-chan ds.Key, <-chan error, error)

	// ClearPrefix batch-deletes every key under prefix.
	ClearPrefix(ctx context.Context, prefix ds.Key) error

	// CopyPrefix batch-copies every key/value pair under prefix from src
	// into this store.
	CopyPrefix(ctx context.Context, src Store, prefix ds.Key) error
}

// KeyValue is one key/value pair from Iterator.
type KeyValue struct {
	Key   ds.Key
	Value []byte
}

var (
	_ ds.Datastore           = (*store)(nil)
	_ ds.PersistentDatastore = (*store)(nil)
	_ ds.TxnDatastore        = (*store)(nil)
	_ ds.TTLDatastore        = (*store)(nil)
	_ ds.GCDatastore         = (*store)(nil)
	_ ds.Batching            = (*store)(nil)
)

type store struct {
	*badger4.Datastore
}

// Open opens (creating if needed) a badger-backed Store rooted at path.
func Open(path string, opts *badger4.Options) (Store, error) {
	bds, err := badger4.NewDatastore(path, opts)
	if err != nil {
		return nil, err
	}
	return &store{Datastore: bds}, nil
}

func (s *store) Iterator(ctx context.Context, prefix ds.Key, keysOnly bool) (<-chan KeyValue, <-chan error, error) {
	result, err := s.Datastore.Query(ctx, query.Query{Prefix: prefix.String(), KeysOnly: keysOnly})
	if err != nil {
		return nil, nil, err
	}

	out := make(chan KeyValue)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		defer result.Close()
		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case res, ok := <-result.Next():
				if !ok {
					return
				}
				if res.Error != nil {
					errc <- res.Error
					return
				}
				out <- KeyValue{Key: ds.NewKey(res.Key), Value: res.Value}
			}
		}
	}()
	return out, errc, nil
}

func (s *store) Keys(ctx context.Context, prefix ds.Key) (<-chan ds.Key, <-chan error, error) {
	result, err := s.Datastore.Query(ctx, query.Query{Prefix: prefix.String(), KeysOnly: true})
	if err != nil {
		return nil, nil, err
	}

	out := make(chan ds.Key)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		defer result.Close()
		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case res, ok := <-result.Next():
				if !ok {
					return
				}
				if res.Error != nil {
					errc <- res.Error
					return
				}
				out <- ds.NewKey(res.Key)
			}
		}
	}()
	return out, errc, nil
}

// ClearPrefix batch-deletes every key under prefix. Adapted from the
// teacher's Datastorage.Clear, which drains the entire datastore: a
// kvstore.Store here multiplexes the workspace index, the metadata
// commit/tag/ref tree, and head state in one badger instance under
// disjoint key prefixes (see wsindex.entryKey, metadata.Store.commitKey),
// so an unscoped Clear would destroy unrelated namespaces. Scoping to a
// prefix makes it safe for wsindex.Index.Clear to use without touching
// metadata or head state sharing the same store.
func (s *store) ClearPrefix(ctx context.Context, prefix ds.Key) error {
	keys, errc, err := s.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	b, err := s.Batch(ctx)
	if err != nil {
		return err
	}
	for k := range keys {
		if err := b.Delete(ctx, k); err != nil {
			return err
		}
	}
	if err, ok := <-errc; ok && err != nil {
		return err
	}
	return b.Commit(ctx)
}

// CopyPrefix batch-copies every key/value pair under prefix from src into
// s. Adapted from the teacher's Datastorage.Merge, which drains another
// whole datastore into this one; here it moves a single entity-type's
// metadata subtree at a time, the unit metadata.Store.Clone needs when
// cloning one entity-type's commits/tags/refs from a source store.
func (s *store) CopyPrefix(ctx context.Context, src Store, prefix ds.Key) error {
	it, errc, err := src.Iterator(ctx, prefix, false)
	if err != nil {
		return err
	}
	b, err := s.Batch(ctx)
	if err != nil {
		return err
	}
	for kv := range it {
		if err := b.Put(ctx, kv.Key, kv.Value); err != nil {
			return err
		}
	}
	if err, ok := <-errc; ok && err != nil {
		return err
	}
	return b.Commit(ctx)
}

func (s *store) Close() error {
	return s.Datastore.Close()
}
