package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/meshwire/meshwire/pkg/logging"
)

// PostgresConfig configures the durable checkpoint store.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// PostgresStore is the durable, authoritative checkpoint record.
type PostgresStore struct {
	db  *sql.DB
	log *logging.Logger
}

// NewPostgresStore connects to Postgres and ensures the checkpoint schema
// exists.
func NewPostgresStore(cfg PostgresConfig, log *logging.Logger) (*PostgresStore, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("persistence: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("persistence: ping postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &PostgresStore{db: db, log: log}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("persistence: init schema: %w", err)
	}

	log.Info("", "postgres checkpoint store connected")
	return store, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_checkpoints (
			peer_name      VARCHAR(255) PRIMARY KEY,
			sent_seqno     BIGINT NOT NULL,
			received_seqno BIGINT NOT NULL,
			replay_bitmap  BYTEA NOT NULL,
			mtu            INTEGER NOT NULL,
			min_mtu        INTEGER NOT NULL,
			max_mtu        INTEGER NOT NULL,
			saved_at       TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	return nil
}

// Save upserts cp as the durable record for its peer.
func (s *PostgresStore) Save(ctx context.Context, cp *Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_checkpoints
			(peer_name, sent_seqno, received_seqno, replay_bitmap, mtu, min_mtu, max_mtu, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (peer_name) DO UPDATE SET
			sent_seqno = EXCLUDED.sent_seqno,
			received_seqno = EXCLUDED.received_seqno,
			replay_bitmap = EXCLUDED.replay_bitmap,
			mtu = EXCLUDED.mtu,
			min_mtu = EXCLUDED.min_mtu,
			max_mtu = EXCLUDED.max_mtu,
			saved_at = EXCLUDED.saved_at
	`, cp.PeerName, cp.SentSeqno, cp.ReceivedSeqno, cp.ReplayBitmap, cp.MTU, cp.MinMTU, cp.MaxMTU, time.Unix(cp.SavedAt, 0))
	if err != nil {
		return fmt.Errorf("persistence: save checkpoint: %w", err)
	}
	return nil
}

// Load retrieves the durable checkpoint for peerName, if one exists.
func (s *PostgresStore) Load(ctx context.Context, peerName string) (*Checkpoint, bool, error) {
	var cp Checkpoint
	var savedAt time.Time
	cp.PeerName = peerName

	row := s.db.QueryRowContext(ctx, `
		SELECT sent_seqno, received_seqno, replay_bitmap, mtu, min_mtu, max_mtu, saved_at
		FROM session_checkpoints WHERE peer_name = $1
	`, peerName)

	err := row.Scan(&cp.SentSeqno, &cp.ReceivedSeqno, &cp.ReplayBitmap, &cp.MTU, &cp.MinMTU, &cp.MaxMTU, &savedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("persistence: load checkpoint: %w", err)
	}
	cp.SavedAt = savedAt.Unix()
	return &cp, true, nil
}

// Close releases the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
