package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/replicant-partners/chrysalis/internal/model"
)

// UpsertInstance inserts or updates an instance's current public key. Called
// on registration and on key rotation — both are "this (agentId, instanceId)
// now has this key" writes, differing only in whether a row already exists.
func (db *DB) UpsertInstance(ctx context.Context, inst model.Instance) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO instances (agent_id, instance_id, public_key, registered_at, last_seen_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (agent_id, instance_id)
		 DO UPDATE SET public_key = EXCLUDED.public_key, last_seen_at = EXCLUDED.last_seen_at`,
		inst.AgentID, inst.InstanceID, []byte(inst.PublicKey), inst.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert instance: %w", err)
	}
	return nil
}

// TouchInstance bumps last_seen_at for an instance, used on every accepted commit.
func (db *DB) TouchInstance(ctx context.Context, agentID, instanceID string, at time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE instances SET last_seen_at = $3 WHERE agent_id = $1 AND instance_id = $2`,
		agentID, instanceID, at,
	)
	if err != nil {
		return fmt.Errorf("storage: touch instance: %w", err)
	}
	return nil
}

// GetInstance retrieves one (agentId, instanceId)'s current record.
func (db *DB) GetInstance(ctx context.Context, agentID, instanceID string) (model.Instance, error) {
	var inst model.Instance
	var key []byte
	err := db.pool.QueryRow(ctx,
		`SELECT agent_id, instance_id, public_key, registered_at, last_seen_at
		 FROM instances WHERE agent_id = $1 AND instance_id = $2`,
		agentID, instanceID,
	).Scan(&inst.AgentID, &inst.InstanceID, &key, &inst.RegisteredAt, &inst.LastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Instance{}, fmt.Errorf("storage: instance %s/%s: %w", agentID, instanceID, ErrNotFound)
		}
		return model.Instance{}, fmt.Errorf("storage: get instance: %w", err)
	}
	inst.PublicKey = key
	return inst, nil
}

// ListInstances returns every registered instance for an agent, used to
// warm-start the in-memory registry and to compute registeredInstanceCount
// for quorum sizing.
func (db *DB) ListInstances(ctx context.Context, agentID string) ([]model.Instance, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT agent_id, instance_id, public_key, registered_at, last_seen_at
		 FROM instances WHERE agent_id = $1 ORDER BY registered_at ASC`, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list instances: %w", err)
	}
	defer rows.Close()

	var out []model.Instance
	for rows.Next() {
		var inst model.Instance
		var key []byte
		if err := rows.Scan(&inst.AgentID, &inst.InstanceID, &key, &inst.RegisteredAt, &inst.LastSeenAt); err != nil {
			return nil, fmt.Errorf("storage: scan instance: %w", err)
		}
		inst.PublicKey = key
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ListAllInstances returns every instance across every agent, used only for a
// full registry warm-start at process boot.
func (db *DB) ListAllInstances(ctx context.Context) ([]model.Instance, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT agent_id, instance_id, public_key, registered_at, last_seen_at
		 FROM instances ORDER BY agent_id, registered_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list all instances: %w", err)
	}
	defer rows.Close()

	var out []model.Instance
	for rows.Next() {
		var inst model.Instance
		var key []byte
		if err := rows.Scan(&inst.AgentID, &inst.InstanceID, &key, &inst.RegisteredAt, &inst.LastSeenAt); err != nil {
			return nil, fmt.Errorf("storage: scan instance: %w", err)
		}
		inst.PublicKey = key
		out = append(out, inst)
	}
	return out, rows.Err()
}
