package hub

import (
	"context"
	"os"
	"time"

	"github.com/lni/dragonboat/v4"

	"github.com/ValentinKolb/ctxhub/lib/blob"
	"github.com/ValentinKolb/ctxhub/lib/catalog"
	"github.com/ValentinKolb/ctxhub/lib/config"
	"github.com/ValentinKolb/ctxhub/lib/errs"
	"github.com/ValentinKolb/ctxhub/lib/router"
	"github.com/ValentinKolb/ctxhub/lib/search"
	"github.com/ValentinKolb/ctxhub/lib/shard"
	"github.com/ValentinKolb/ctxhub/lib/shard/dshard"
)

// Open assembles a hub from cfg: the blob store, the directory, every
// configured shard and, if any shard is replicated, a dragonboat node host.
// Everything opened is released by Close.
func Open(cfg *config.HubConfig) (h *Hub, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	scopes := catalog.NewScopeConfig(nil)
	if cfg.ScopeFile != "" {
		if err := scopes.Load(cfg.ScopeFile); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.CodeIOFailure, err, "create data directory")
	}

	blobCfg := blob.DefaultConfig(cfg.BlobDir())
	blobCfg.SyncWrites = cfg.SyncWrites
	blobs, err := blob.Open(blobCfg)
	if err != nil {
		return nil, err
	}
	closers = append(closers, blobs.Close)

	dir, err := router.OpenDirectory(cfg.DirectoryPath())
	if err != nil {
		return nil, err
	}
	closers = append(closers, dir.Close)

	r := router.New(dir, router.Options{
		ShardIDs:      cfg.ShardIDs(),
		QueueSize:     cfg.ReplicationQueue,
		SweepInterval: cfg.SweepInterval,
	})

	base := shard.Options{
		Blobs:            blobs,
		SyncWrites:       cfg.SyncWrites,
		SegmentSize:      cfg.SegmentSize,
		BlobThreshold:    cfg.BlobThreshold,
		CheckpointEvery:  cfg.CheckpointEvery,
		SubscriberBuffer: cfg.SubscriberBuffer,
		Scopes:           scopes,
	}
	openLocal := shard.LocalFactory(base, cfg.ShardDir)

	var (
		nh     *dragonboat.NodeHost
		shards []shard.IShard
	)
	if cfg.HasReplicatedShard() {
		nh, err = dragonboat.NewNodeHost(cfg.ToNodeHostConfig())
		if err != nil {
			return nil, errs.Wrap(errs.CodeInternal, err, "create node host")
		}
		closers = append(closers, func() error { nh.Close(); return nil })
	}
	// shards close before the node host and the stores they write to
	closers = append(closers, func() error {
		var cerr error
		for _, s := range shards {
			if err := s.Close(); err != nil && cerr == nil {
				cerr = err
			}
		}
		return cerr
	})

	reg := dshard.NewRegistry()
	members := make(map[uint64]dragonboat.Target, len(cfg.ClusterMembers))
	for id, addr := range cfg.ClusterMembers {
		members[id] = addr
	}
	timeout := time.Duration(cfg.TimeoutSecond) * time.Second

	for _, sc := range cfg.Shards {
		var s shard.IShard
		switch sc.Mode {
		case config.ShardModeReplicated:
			factory := dshard.CreateStateMachineFactory(reg, func(shardID, _ uint64) (*shard.Shard, error) {
				opts := base
				opts.ID, opts.Dir = shardID, cfg.ShardDir(shardID)
				return shard.Open(opts)
			})
			if err := nh.StartOnDiskReplica(members, false, factory, cfg.ToDragonboatConfig(sc.ID)); err != nil {
				return nil, errs.Wrap(errs.CodeInternal, err, "start replica")
			}
			s = dshard.NewStore(nh, sc.ID, timeout, reg, scopes)
		default:
			s, err = openLocal(sc.ID)
			if err != nil {
				return nil, err
			}
		}
		shards = append(shards, s)
		r.AddShard(s)
		log.Infof("opened %s shard %d", sc.Mode, sc.ID)
	}

	h = New(r, scopes, Options{
		Search:             search.Options{MaxTries: cfg.IndexMaxTries},
		CheckpointInterval: cfg.CheckpointInterval,
		ScopeFile:          cfg.ScopeFile,
	})
	h.closers = closers
	if err := h.Reindex(context.Background()); err != nil {
		log.Warningf("rebuilding derived data: %v", err)
	}
	return h, nil
}
