/*
Package router decides where documents live.

Every owner is assigned to one shard the first time it is seen. The
assignment is a hash of the owner over the configured shard ids, persisted
in the directory database so that changing the shard set later never moves
existing owners. A document lives on the shard of its owner; the directory
maps document ids to that shard and keeps a trigram index over names.

Sharing a document with an owner on another shard creates a secondary copy
there. Copies are maintained by a background replicator:

	ShareCrossShard -> shared_documents row (pending) -> job queue
	replicator: OpReplicaSync on the target, watermark, OpShareComplete on the source

Placements whose watermark is behind the primary are found again by a
periodic sweep, so a dropped job or a crash only delays a copy.
*/
package router
