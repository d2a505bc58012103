package objectstore

import "github.com/google/uuid"

// randomSuffix names the temp file used by store-under-temp-then-rename
// writes, so two concurrent Put calls for the same chunk never collide on
// the same temp path (spec §5: writes use create-if-absent semantics).
func randomSuffix() string {
	return uuid.NewString()
}
