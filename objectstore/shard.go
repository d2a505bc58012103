package objectstore

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
)

// shardPath splits key's characters [start, start+2*levels) into levels
// two-character directory components, mirroring the reference HashFS's
// _get_hash: HashFS shards from offset 0 (md5 hex has no common prefix to
// skip), MultihashFS shards from offset 5 (skipping the common CIDv1
// "zdj7W" prefix so directories fan out evenly, per spec §3).
func shardPath(key string, start, levels int) string {
	var parts []string
	for i := 0; i < levels; i++ {
		lo := start + i*2
		hi := lo + 2
		if hi > len(key) {
			break
		}
		parts = append(parts, key[lo:hi])
	}
	return filepath.Join(parts...)
}

// objectPath returns root/<shard>/<key>.
func objectPath(root, key string, start, levels int) string {
	return filepath.Join(root, shardPath(key, start, levels), key)
}

// md5Hex hashes name (used by HashFS to pick a shard for a cache basename,
// since cache keys are plain filenames rather than content hashes).
func md5Hex(name string) string {
	sum := md5.Sum([]byte(name))
	return hex.EncodeToString(sum[:])
}
