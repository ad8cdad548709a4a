package util

import (
	"slices"
)

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// HashString hashes s with FNV-1a, mixing seed into the offset basis.
// The result is stable across processes and platforms.
func HashString(s string, seed uint64) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64) ^ seed
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return hash
}

// PickShard maps key onto one of shardIDs. The ids are sorted first so the
// result only depends on the set of ids, not on the order they were
// configured in. Returns false if shardIDs is empty.
func PickShard(key string, shardIDs []uint64) (uint64, bool) {
	if len(shardIDs) == 0 {
		return 0, false
	}
	ids := slices.Clone(shardIDs)
	slices.Sort(ids)
	return ids[HashString(key, 0)%uint64(len(ids))], true
}
