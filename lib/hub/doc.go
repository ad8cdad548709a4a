/*
Package hub is the facade of the storage core.

A Hub ties the shards, the router and the derived data together. Every
operation takes the calling Principal, resolves the document to its primary
shard through the directory and commits or reads there; access is enforced
by the shard against the catalog and the agent scopes in effect.

Committed changes are propagated to the derived data after the commit:

  - the directory records the document's shard, name and version and
    schedules replication of secondary copies
  - the search index fetches the new content asynchronously
  - index guides (INDEX.md) of affected folders are regenerated after a
    short delay

Flush waits for the search index and the guides. History is served by the
timeline package from the shard's WAL and checkpoints.

Example usage:

	h, err := hub.Open(cfg)
	if err != nil {
		return err
	}
	defer h.Close()
	h.Start(ctx)

	alice := hub.Principal{ID: "alice"}
	id, err := h.Create(ctx, alice, hub.CreateRequest{Name: "notes.md", Content: "hello"})
*/
package hub
