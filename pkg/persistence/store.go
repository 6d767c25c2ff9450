package persistence

import (
	"context"
	"time"

	"github.com/meshwire/meshwire/pkg/peer"
)

// Store combines the Redis cache and Postgres durable store behind one
// save/load API: Save writes through both; Load checks the cache first
// and falls back to Postgres, repopulating the cache on a hit there.
type Store struct {
	cache   *RedisCache
	durable *PostgresStore
}

// NewStore builds a Store from whichever backends are configured; either
// may be nil.
func NewStore(cache *RedisCache, durable *PostgresStore) *Store {
	return &Store{cache: cache, durable: durable}
}

// CheckpointFromPeer snapshots the fields of p that matter for restart
// continuity.
func CheckpointFromPeer(p *peer.Peer) *Checkpoint {
	return &Checkpoint{
		PeerName:      p.Name,
		SentSeqno:     p.SentSeqno,
		ReceivedSeqno: p.Replay.ReceivedSeqno(),
		ReplayBitmap:  p.Replay.Bitmap(),
		MTU:           p.MTU,
		MinMTU:        p.MinMTU,
		MaxMTU:        p.MaxMTU,
		SavedAt:       time.Now().Unix(),
	}
}

// ApplyToPeer restores cp's MTU state onto p. Sequence/replay state is
// deliberately not restored: a new handshake always starts
// sent_seqno/received_seqno at zero, so resuming stale sequence numbers
// would only make the anti-replay window reject the peer's first
// legitimate packets.
func ApplyToPeer(p *peer.Peer, cp *Checkpoint) {
	p.MTU = cp.MTU
	p.MinMTU = cp.MinMTU
	p.MaxMTU = cp.MaxMTU
}

// Save writes cp to every configured backend.
func (s *Store) Save(ctx context.Context, cp *Checkpoint) error {
	if s.cache != nil {
		if err := s.cache.Save(ctx, cp); err != nil {
			return err
		}
	}
	if s.durable != nil {
		if err := s.durable.Save(ctx, cp); err != nil {
			return err
		}
	}
	return nil
}

// Load tries the cache, then the durable store, repopulating the cache on
// a durable-store hit.
func (s *Store) Load(ctx context.Context, peerName string) (*Checkpoint, bool, error) {
	if s.cache != nil {
		if cp, ok, err := s.cache.Load(ctx, peerName); err == nil && ok {
			return cp, true, nil
		}
	}
	if s.durable != nil {
		cp, ok, err := s.durable.Load(ctx, peerName)
		if err != nil || !ok {
			return nil, ok, err
		}
		if s.cache != nil {
			_ = s.cache.Save(ctx, cp)
		}
		return cp, true, nil
	}
	return nil, false, nil
}
