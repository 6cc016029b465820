package lsm

// InternalKey is a user key paired with the transaction id that wrote it.
// There is no separate tombstone marker: an empty Value encodes a logical
// delete, matching the on-disk Block entry format, which has no kind byte.
type InternalKey struct {
	UserKey []byte
	TrancID uint64
}

func isTombstone(value []byte) bool { return len(value) == 0 }
