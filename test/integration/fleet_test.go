//go:build integration

package integration

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/tiercache/internal/config"
	"github.com/objectfs/tiercache/internal/store"
	"github.com/objectfs/tiercache/pkg/tiercache"
	"github.com/objectfs/tiercache/pkg/types"
)

type article struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// redisAddr returns TIERCACHE_TEST_REDIS_ADDR when set, otherwise an
// in-process miniredis.
func redisAddr(t *testing.T) string {
	t.Helper()
	if addr := os.Getenv("TIERCACHE_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	return miniredis.RunT(t).Addr()
}

// node is one process of the fleet with its own Redis connection.
type node struct {
	svc      *tiercache.Service
	articles *tiercache.Orchestrator[article]
}

func startNode(t *testing.T, addr, id string, source types.RankingSource) node {
	t.Helper()
	ctx := context.Background()

	cfg := config.NewDefault()
	cfg.Global.InstanceID = id
	cfg.Redis.Addr = addr
	cfg.Distributed.JitterPercent = 0
	cfg.SingleFlight.PollInterval = 10 * time.Millisecond
	cfg.SingleFlight.MaxRetries = 100

	s, err := store.NewRedisStore(ctx, cfg.Redis, nil)
	require.NoError(t, err)
	svc, err := tiercache.NewService(cfg, s, source, nil)
	require.NoError(t, err)
	articles, err := tiercache.NewCache[article](svc, "articles")
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	t.Cleanup(func() {
		_ = svc.Close()
		_ = s.Close()
	})
	return node{svc: svc, articles: articles}
}

func TestFleet(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	addr := redisAddr(t)

	source := types.StaticRanking{types.HorizonToday: {{ID: "a1", Count: 10}}}
	nodes := []node{
		startNode(t, addr, "node-1", source),
		startNode(t, addr, "node-2", source),
		startNode(t, addr, "node-3", source),
	}

	t.Run("one_load_across_the_fleet", func(t *testing.T) {
		var loads atomic.Int32
		loader := func(context.Context) (article, bool, error) {
			loads.Add(1)
			time.Sleep(150 * time.Millisecond)
			return article{ID: "a7", Version: 1}, true, nil
		}

		var wg conc.WaitGroup
		for _, n := range nodes {
			for i := 0; i < 5; i++ {
				wg.Go(func() {
					got, found, err := n.articles.Get(ctx, "article:a7", loader)
					assert.NoError(t, err)
					assert.True(t, found)
					assert.Equal(t, 1, got.Version)
				})
			}
		}
		wg.Wait()
		assert.EqualValues(t, 1, loads.Load())
	})

	t.Run("invalidation_reaches_every_node", func(t *testing.T) {
		v1 := func(context.Context) (article, bool, error) { return article{ID: "a8", Version: 1}, true, nil }
		for _, n := range nodes {
			_, _, err := n.articles.Get(ctx, "article:a8", v1)
			require.NoError(t, err)
		}

		require.NoError(t, nodes[0].articles.Put(ctx, "article:a8", article{ID: "a8", Version: 2}))

		notLoaded := func(context.Context) (article, bool, error) { return article{}, false, assert.AnError }
		for _, n := range nodes[1:] {
			assert.Eventually(t, func() bool {
				got, _, err := n.articles.Get(ctx, "article:a8", notLoaded)
				return err == nil && got.Version == 2
			}, 5*time.Second, 20*time.Millisecond)
		}
	})

	t.Run("known_hot_set_is_shared", func(t *testing.T) {
		require.NoError(t, nodes[0].svc.RefreshKnownHotKeys(ctx))
		for _, n := range nodes {
			assert.True(t, n.articles.IsHotKey(ctx, "article:a1"))
			assert.False(t, n.articles.IsHotKey(ctx, "article:a2"))
		}
	})

	t.Run("health", func(t *testing.T) {
		for _, n := range nodes {
			assert.NoError(t, n.svc.Health(ctx))
		}
	})
}
