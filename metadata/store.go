package metadata

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/google/uuid"

	"github.com/mlgit-go/mlgit/kvstore"
	"github.com/mlgit-go/mlgit/mlgerr"
)

// Commit is one metadata commit: a spec + MANIFEST snapshot for one entity,
// generalizing the teacher's RepositoryState/HeadStorage pattern
// (repository/head_storage.go) from a single CID pointer to a full
// versioned-KV commit record, since spec.md §4.6 assumes "some versioned
// key-value store with tag semantics" rather than a concrete git wrapper.
type Commit struct {
	ID        string    `json:"id"`
	Parent    string    `json:"parent,omitempty"`
	Entity    string    `json:"entity"`
	Message   string    `json:"message"`
	SpecPath  string    `json:"spec_path"`
	Spec      []byte    `json:"spec"`
	Manifest  []byte    `json:"manifest"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the per-entity-type metadata store: commits, tags, and HEAD
// refs, all persisted in a badger-backed kvstore (component C6).
type Store struct {
	kv         kvstore.Store
	entityType string
}

// Open binds a Store to an already-open kvstore for entityType.
func Open(kv kvstore.Store, entityType string) *Store {
	return &Store{kv: kv, entityType: entityType}
}

func (s *Store) commitKey(id string) ds.Key {
	return ds.NewKey("metadata").ChildString(s.entityType).ChildString("commits").ChildString(id)
}

func (s *Store) tagKey(tag string) ds.Key {
	return ds.NewKey("metadata").ChildString(s.entityType).ChildString("tags").ChildString(tag)
}

func (s *Store) headKey(entity string) ds.Key {
	return ds.NewKey("metadata").ChildString(s.entityType).ChildString("refs").ChildString(entity).ChildString("HEAD")
}

// Init is a no-op placeholder matching the reference's init()/clone() pair:
// the badger store is created lazily by kvstore.Open, so nothing further is
// required here; Init exists so callers mirror the reference API shape.
func (s *Store) Init() error { return nil }

// Clone copies src's entire commit/tag/ref/pushed subtree for entityType
// into s, the local equivalent of the reference's metadata `clone()`
// (spec §4.6) now that the metadata store is an abstract versioned KV
// rather than a git remote: "cloning" means importing another store's
// history for this entity type wholesale.
func (s *Store) Clone(ctx context.Context, src *Store) error {
	prefix := ds.NewKey("metadata").ChildString(src.entityType)
	if err := s.kv.CopyPrefix(ctx, src.kv, prefix); err != nil {
		return mlgerr.New(mlgerr.KindIo, "metadata.Clone", src.entityType, err)
	}
	return nil
}

// Commit writes a new commit for entity, chaining it off the entity's
// current HEAD, and returns the new commit id.
func (s *Store) Commit(ctx context.Context, entity, message string, specBytes, manifestBytes []byte, specPath string) (string, error) {
	parent, _ := s.headOf(ctx, entity)

	id := newCommitID()
	c := Commit{
		ID:        id,
		Parent:    parent,
		Entity:    entity,
		Message:   message,
		SpecPath:  specPath,
		Spec:      specBytes,
		Manifest:  manifestBytes,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", mlgerr.New(mlgerr.KindIo, "metadata.Commit", entity, err)
	}
	if err := s.kv.Put(ctx, s.commitKey(id), data); err != nil {
		return "", mlgerr.New(mlgerr.KindIo, "metadata.Commit", entity, err)
	}
	if err := s.kv.Put(ctx, s.headKey(entity), []byte(id)); err != nil {
		return "", mlgerr.New(mlgerr.KindIo, "metadata.Commit", entity, err)
	}
	return id, nil
}

func (s *Store) headOf(ctx context.Context, entity string) (string, bool) {
	data, err := s.kv.Get(ctx, s.headKey(entity))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// GetCommit loads a commit record by id.
func (s *Store) GetCommit(ctx context.Context, id string) (Commit, error) {
	data, err := s.kv.Get(ctx, s.commitKey(id))
	if err != nil {
		return Commit{}, mlgerr.New(mlgerr.KindNotFound, "metadata.GetCommit", id, err)
	}
	var c Commit
	if err := json.Unmarshal(data, &c); err != nil {
		return Commit{}, mlgerr.New(mlgerr.KindIo, "metadata.GetCommit", id, err)
	}
	return c, nil
}

// TagAdd records tag -> commit id. Fails VersionConflict if tag already
// exists, since tags are write-once (spec §3 Tag invariant, §4.5).
func (s *Store) TagAdd(ctx context.Context, tag, commitID string) error {
	if s.TagExists(ctx, tag) {
		return mlgerr.New(mlgerr.KindVersionConflict, "metadata.TagAdd", tag, errTagExists)
	}
	if err := s.kv.Put(ctx, s.tagKey(tag), []byte(commitID)); err != nil {
		return mlgerr.New(mlgerr.KindIo, "metadata.TagAdd", tag, err)
	}
	return nil
}

// TagExists reports whether tag has already been published.
func (s *Store) TagExists(ctx context.Context, tag string) bool {
	has, err := s.kv.Has(ctx, s.tagKey(tag))
	return err == nil && has
}

// ListTags returns every tag currently known to this entity-type's store.
func (s *Store) ListTags(ctx context.Context) ([]string, error) {
	prefix := ds.NewKey("metadata").ChildString(s.entityType).ChildString("tags")
	keys, errc, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return nil, mlgerr.New(mlgerr.KindIo, "metadata.ListTags", "", err)
	}
	var tags []string
	for k := range keys {
		tags = append(tags, k.Name())
	}
	if err, ok := <-errc; ok && err != nil {
		return tags, mlgerr.New(mlgerr.KindIo, "metadata.ListTags", "", err)
	}
	return tags, nil
}

// GetTag resolves the tag for entity at version (-1 for latest), applying
// _get_target_tag semantics (spec §4.6).
func (s *Store) GetTag(ctx context.Context, entity string, version int) (Tag, error) {
	raw, err := s.ListTags(ctx)
	if err != nil {
		return Tag{}, err
	}
	tags := make([]Tag, 0, len(raw))
	for _, r := range raw {
		t, err := ParseTag(r)
		if err != nil {
			continue
		}
		tags = append(tags, t)
	}
	return GetTargetTag(tags, entity, version)
}

// CommitForTag resolves tag to its commit record.
func (s *Store) CommitForTag(ctx context.Context, tag string) (Commit, error) {
	data, err := s.kv.Get(ctx, s.tagKey(tag))
	if err != nil {
		return Commit{}, mlgerr.New(mlgerr.KindNotFound, "metadata.CommitForTag", tag, err)
	}
	return s.GetCommit(ctx, string(data))
}

func (s *Store) pushedKey(tag string) ds.Key {
	return ds.NewKey("metadata").ChildString(s.entityType).ChildString("pushed").ChildString(tag)
}

// MarkPushed records that every object tag's MANIFEST references has been
// confirmed durable in the remote bucket, so the tag itself may now be
// considered published (spec §4.5 push fence: "metadata tag is pushed only
// after all referenced objects are durable remotely").
func (s *Store) MarkPushed(ctx context.Context, tag string) error {
	if err := s.kv.Put(ctx, s.pushedKey(tag), []byte{1}); err != nil {
		return mlgerr.New(mlgerr.KindIo, "metadata.MarkPushed", tag, err)
	}
	return nil
}

// IsPushed reports whether tag has been marked pushed.
func (s *Store) IsPushed(ctx context.Context, tag string) bool {
	has, err := s.kv.Has(ctx, s.pushedKey(tag))
	return err == nil && has
}

// GetDefaultBranch returns the conventional default branch name. The
// reference project reads this from the git remote; since this core treats
// the metadata store as an abstract versioned KV rather than a git
// wrapper (spec §1 Out-of-scope), it is a fixed convention here.
func (s *Store) GetDefaultBranch() string { return "main" }

// DeleteGitReference is named for parity with the reference API
// (ml_git_message.py callers expect it); here it drops entity's HEAD
// pointer, the local equivalent of deleting a branch ref.
func (s *Store) DeleteGitReference(ctx context.Context, entity string) error {
	if err := s.kv.Delete(ctx, s.headKey(entity)); err != nil {
		return mlgerr.New(mlgerr.KindIo, "metadata.DeleteGitReference", entity, err)
	}
	return nil
}

// GetSpecsToCompare returns the two most recent commits for entity so a
// caller can diff their specs/manifests (used by `log`/`status`).
func (s *Store) GetSpecsToCompare(ctx context.Context, entity string) (current, previous *Commit, err error) {
	id, ok := s.headOf(ctx, entity)
	if !ok {
		return nil, nil, mlgerr.New(mlgerr.KindNotFound, "metadata.GetSpecsToCompare", entity, errNoHead)
	}
	c, err := s.GetCommit(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if c.Parent == "" {
		return &c, nil, nil
	}
	p, err := s.GetCommit(ctx, c.Parent)
	if err != nil {
		return &c, nil, nil
	}
	return &c, &p, nil
}

// newCommitID derives a content-flavored id from a fresh random suffix,
// giving commits the same short hex identity git users expect without
// needing an actual hash-chain over tree content.
func newCommitID() string {
	sum := sha256.Sum256([]byte(uuid.NewString()))
	return hex.EncodeToString(sum[:])[:12]
}

type storeError string

func (e storeError) Error() string { return string(e) }

const (
	errTagExists storeError = "tag already exists"
	errNoHead    storeError = "entity has no commits yet"
)
