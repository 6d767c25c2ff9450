// Package persistence checkpoints per-peer session state (sent_seqno,
// received_seqno, the replay bitmap, and MTU state). ApplyToPeer restores
// only the MTU state into a restarted daemon's peer; sequence numbers and
// the replay bitmap are not restored, and no key material is stored.
// Redis is the hot, short-TTL cache; Postgres is the durable record.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meshwire/meshwire/pkg/logging"
)

// Checkpoint is the serializable session state for one peer.
type Checkpoint struct {
	PeerName      string `json:"peer_name"`
	SentSeqno     uint32 `json:"sent_seqno"`
	ReceivedSeqno uint32 `json:"received_seqno"`
	ReplayBitmap  []byte `json:"replay_bitmap"`
	MTU           int    `json:"mtu"`
	MinMTU        int    `json:"min_mtu"`
	MaxMTU        int    `json:"max_mtu"`
	SavedAt       int64  `json:"saved_at"`
}

// RedisCacheConfig configures the hot checkpoint cache.
type RedisCacheConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration
}

// RedisCache is the short-TTL, low-latency checkpoint cache consulted
// before falling back to the durable Postgres store.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logging.Logger
}

// NewRedisCache connects to Redis and verifies reachability.
func NewRedisCache(cfg RedisCacheConfig, log *logging.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("persistence: connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	log.Info("", "redis checkpoint cache connected")
	return &RedisCache{client: client, ttl: ttl, log: log}, nil
}

func checkpointKey(peerName string) string {
	return fmt.Sprintf("meshwire:checkpoint:%s", peerName)
}

// Save writes cp to the cache with the configured TTL.
func (c *RedisCache) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("persistence: marshal checkpoint: %w", err)
	}
	if err := c.client.Set(ctx, checkpointKey(cp.PeerName), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("persistence: cache checkpoint: %w", err)
	}
	return nil
}

// Load retrieves the cached checkpoint for peerName, if present.
func (c *RedisCache) Load(ctx context.Context, peerName string) (*Checkpoint, bool, error) {
	data, err := c.client.Get(ctx, checkpointKey(peerName)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("persistence: read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, false, fmt.Errorf("persistence: unmarshal checkpoint: %w", err)
	}
	return &cp, true, nil
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
