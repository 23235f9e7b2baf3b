/*
Package cache provides the two cache tiers and the key model they share.

# Tier Architecture

	┌─────────────────────────────────────────────┐
	│              Orchestrator                   │
	│          (pkg/tiercache)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│  LocalTier (L1, per process)                │
	│   • bounded LRU, short TTL (30s)            │
	│   • variant-aware eviction                  │
	└─────────────────────────────────────────────┘
	                      │ miss
	┌─────────────────────────────────────────────┐
	│  DistributedTier (L2, shared)               │
	│   • Redis via store.Store                   │
	│   • jittered TTL, hot keys live longer      │
	│   • guarded by a circuit breaker            │
	└─────────────────────────────────────────────┘

# Keys

Keys are "<entity>:<id>" with an optional ":<variant>" suffix, for example
"media:m1" and "media:m1:webp". BaseOf strips the variant so an
invalidation of an entity drops every variant from the local tier.

# Failure Behavior

Neither tier returns errors from Get or Put. The local tier never fails;
the distributed tier reports store failures and an open breaker as a miss
and skips writes, logging each fallback.

# Codecs

Values are stored in the distributed tier through a Codec. JSONCodec is
the default; StringCodec stores strings as raw bytes.
*/
package cache
