package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Checkpoint is a Merkle batch proof over a contiguous range of ledger
// transaction IDs. There is one global ledger per coordinator process, so
// unlike the reference service's per-org proofs, a checkpoint here has no
// tenant scope — just a txId range and the root hash over that range's
// event hashes.
type Checkpoint struct {
	ID           uuid.UUID `json:"id"`
	FromTxID     int64     `json:"from_tx_id"`
	ToTxID       int64     `json:"to_tx_id"`
	EventCount   int       `json:"event_count"`
	RootHash     string    `json:"root_hash"`
	PreviousRoot *string   `json:"previous_root,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// GetLatestCheckpoint returns the most recently created checkpoint, or nil if
// none exist yet (the first proof run after boot).
func (db *DB) GetLatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	var c Checkpoint
	err := db.pool.QueryRow(ctx,
		`SELECT id, from_tx_id, to_tx_id, event_count, root_hash, previous_root, created_at
		 FROM ledger_checkpoints
		 ORDER BY to_tx_id DESC
		 LIMIT 1`,
	).Scan(&c.ID, &c.FromTxID, &c.ToTxID, &c.EventCount, &c.RootHash, &c.PreviousRoot, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get latest checkpoint: %w", err)
	}
	return &c, nil
}

// CreateCheckpoint inserts a new checkpoint row.
func (db *DB) CreateCheckpoint(ctx context.Context, c Checkpoint) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO ledger_checkpoints (id, from_tx_id, to_tx_id, event_count, root_hash, previous_root, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.FromTxID, c.ToTxID, c.EventCount, c.RootHash, c.PreviousRoot, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create checkpoint: %w", err)
	}
	return nil
}
