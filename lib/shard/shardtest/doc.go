// Package shardtest provides a conformance suite for implementations of the
// shard.IShard interface.
//
// Example usage:
//
//	shardtest.RunShardTests(t, "LocalShard", func(t testing.TB) shard.IShard {
//		s, err := shard.Open(opts)
//		if err != nil {
//			t.Fatal(err)
//		}
//		t.Cleanup(func() { _ = s.Close() })
//		return s
//	})
package shardtest
