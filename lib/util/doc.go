// Package util contains small building blocks shared by the hub packages:
//
//   - Queue: a lock-free multi-producer single-consumer queue with idle tracking,
//     used by the search indexer
//   - TopK: a bounded min-heap with key access for top-k selection
//   - SizeHistogram: exponential bucket histogram for document sizes
//   - HashString / PickShard: stable FNV-1a hashing for shard assignment
package util
