package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
)

// HeadStorage persists the current/previous commit pointer for one entity
// (dataset/model/labels). LocalRepository.Commit loads it to find the
// previous head and saves the new one; Checkout and Log read commits from
// metadata.Store and do not consult it.
type HeadStorage interface {
	// LoadHead returns the last saved state for repoID, or a zero state
	// (Version 1, Head/Prev undefined) if the entity has never committed.
	LoadHead(ctx context.Context, repoID string) (RepositoryState, error)

	// SaveHead persists state for repoID, replacing whatever was there.
	SaveHead(ctx context.Context, repoID string, state RepositoryState) error

	// Close releases any resources held by the storage.
	Close() error
}

// RepositoryState is a snapshot of one entity's head pointer.
type RepositoryState struct {
	Head      cid.Cid `json:"head"`    // commit id of the current HEAD, wrapped as a CID
	Prev      cid.Cid `json:"prev"`    // commit id of the previous HEAD
	RootIndex cid.Cid `json:"root"`    // CID of the root MANIFEST for Head; LocalRepository.Commit leaves it unset
	Version   int     `json:"version"` // 1 before the first commit; LocalRepository.Commit increments it on every commit
	RepoID    string  `json:"repo_id"` // entity name this state belongs to
}

// datastoreHeadStorage implements HeadStorage over a ds.Datastore, the same
// badger-backed store wsindex and metadata.Store use.
type datastoreHeadStorage struct {
	ds ds.Datastore
}

// NewDatastoreHeadStorage builds a HeadStorage backed by store.
func NewDatastoreHeadStorage(store ds.Datastore) HeadStorage {
	return &datastoreHeadStorage{ds: store}
}

func (h *datastoreHeadStorage) LoadHead(ctx context.Context, repoID string) (RepositoryState, error) {
	key := ds.NewKey("repository").ChildString(repoID).ChildString("head")

	data, err := h.ds.Get(ctx, key)
	if err != nil {
		if err == ds.ErrNotFound {
			return RepositoryState{
				Head:    cid.Undef,
				Prev:    cid.Undef,
				Version: 1,
				RepoID:  repoID,
			}, nil
		}
		return RepositoryState{}, fmt.Errorf("failed to load head state: %w", err)
	}

	var state RepositoryState
	if err := json.Unmarshal(data, &state); err != nil {
		return RepositoryState{}, fmt.Errorf("failed to unmarshal head state: %w", err)
	}

	return state, nil
}

func (h *datastoreHeadStorage) SaveHead(ctx context.Context, repoID string, state RepositoryState) error {
	key := ds.NewKey("repository").ChildString(repoID).ChildString("head")

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal head state: %w", err)
	}

	if err := h.ds.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to save head state: %w", err)
	}

	return nil
}

// Close is a no-op: the underlying datastore is owned and closed by whoever
// opened it (LocalRepository.Close), not by this storage.
func (h *datastoreHeadStorage) Close() error {
	return nil
}
