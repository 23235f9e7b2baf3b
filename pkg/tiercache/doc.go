/*
Package tiercache is a two-tier cache for fleets of stateless instances.

Reads check the in-process local tier, then the shared distributed tier, and
only then the source of truth. When both tiers miss, one loader runs
fleet-wide per key while other callers wait for its result. Writes evict the
key locally, broadcast it so every other instance evicts too, then evict it
from the shared tier and clear its access counter.

	svc, err := tiercache.NewService(cfg, redisStore, rankings, logger)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Close()

	media, err := tiercache.NewCache[Media](svc, "media")
	if err != nil {
		return err
	}

	key := cache.NewKey("media", id).String()
	m, found, err := media.Get(ctx, key, func(ctx context.Context) (Media, bool, error) {
		return repo.Find(ctx, id)
	})

Only loader failures and LOAD_TIMEOUT errors reach the caller. Failures of
the shared store degrade reads to misses and writes to no-ops.
*/
package tiercache
