// Package registry binds (agentId, instanceId) pairs to their current
// Ed25519 public key and validates the signed messages that create and
// rotate those bindings. The authoritative copy lives in memory, guarded by
// one mutex per the concurrency model's "verify-signature paths read under
// a lock" rule; Postgres persistence (via Store) exists only to warm-start
// the map after a restart, since the design notes permit rebuilding the
// registry by replaying a KeyRotated-aware event stream.
package registry

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/replicant-partners/chrysalis/internal/crypto"
	"github.com/replicant-partners/chrysalis/internal/model"
)

// Sentinel errors named after the failure semantics in §4.1.
var (
	ErrInstanceNotRegistered = errors.New("registry: instance_not_registered")
	ErrInvalidSignature      = errors.New("registry: invalid_signature")
)

// Store is the subset of storage.DB the registry needs for warm-start and
// durability. Implemented by *storage.DB.
type Store interface {
	UpsertInstance(ctx context.Context, inst model.Instance) error
	TouchInstance(ctx context.Context, agentID, instanceID string, at time.Time) error
	ListAllInstances(ctx context.Context) ([]model.Instance, error)
}

// Registry is the in-memory identity map plus its optional durable backing store.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]model.Instance // "agentId/instanceId" -> instance
	store     Store
}

func key(agentID, instanceID string) string {
	return agentID + "/" + instanceID
}

// New constructs an empty registry. Call WarmStart before serving traffic if
// store is non-nil and durable state should survive a restart.
func New(store Store) *Registry {
	return &Registry{
		instances: make(map[string]model.Instance),
		store:     store,
	}
}

// WarmStart loads every instance from the durable store into memory.
func (r *Registry) WarmStart(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	all, err := r.store.ListAllInstances(ctx)
	if err != nil {
		return fmt.Errorf("registry: warm start: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range all {
		r.instances[key(inst.AgentID, inst.InstanceID)] = inst
	}
	return nil
}

// Register verifies signature over SHA-384("{agentId}:{instanceId}:{ts}")
// under publicKey and records the binding. Idempotent re-registration with
// the same key only updates lastSeenAt.
func (r *Registry) Register(ctx context.Context, agentID, instanceID string, publicKey ed25519.PublicKey, ts string, signature []byte) (model.Instance, error) {
	msg := crypto.RegistrationMessage(agentID, instanceID, ts)
	if !crypto.Verify(publicKey, msg, signature) {
		return model.Instance{}, ErrInvalidSignature
	}

	now := time.Now().UTC()
	r.mu.Lock()
	existing, had := r.instances[key(agentID, instanceID)]
	inst := model.Instance{
		AgentID:      agentID,
		InstanceID:   instanceID,
		PublicKey:    publicKey,
		RegisteredAt: now,
		LastSeenAt:   now,
	}
	if had {
		inst.RegisteredAt = existing.RegisteredAt
	}
	r.instances[key(agentID, instanceID)] = inst
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpsertInstance(ctx, inst); err != nil {
			return model.Instance{}, fmt.Errorf("registry: persist registration: %w", err)
		}
	}
	return inst, nil
}

// LookupKey returns the current public key for (agentId, instanceId), if registered.
func (r *Registry) LookupKey(agentID, instanceID string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[key(agentID, instanceID)]
	if !ok {
		return nil, false
	}
	return inst.PublicKey, true
}

// Touch records that an instance was just observed on the write path (e.g. a
// successful ledger commit), bumping lastSeenAt without requiring a fresh
// signed registration message.
func (r *Registry) Touch(ctx context.Context, agentID, instanceID string) {
	now := time.Now().UTC()
	r.mu.Lock()
	inst, ok := r.instances[key(agentID, instanceID)]
	if ok {
		inst.LastSeenAt = now
		r.instances[key(agentID, instanceID)] = inst
	}
	r.mu.Unlock()

	if ok && r.store != nil {
		_ = r.store.TouchInstance(ctx, agentID, instanceID, now)
	}
}

// RotateKey verifies signature over
// SHA-384("{agentId}:{instanceId}:keyrotate:{newPublicKeyBase64}") under the
// CURRENT public key, then replaces the binding. Returns the KeyRotated
// event the caller should commit to the ledger for auditability.
func (r *Registry) RotateKey(ctx context.Context, agentID, instanceID string, newPublicKey ed25519.PublicKey, newPublicKeyBase64 string, signature []byte) (model.Event, error) {
	r.mu.RLock()
	existing, ok := r.instances[key(agentID, instanceID)]
	r.mu.RUnlock()
	if !ok {
		return model.Event{}, ErrInstanceNotRegistered
	}

	msg := crypto.KeyRotationMessage(agentID, instanceID, newPublicKeyBase64)
	if !crypto.Verify(existing.PublicKey, msg, signature) {
		return model.Event{}, ErrInvalidSignature
	}

	now := time.Now().UTC()
	r.mu.Lock()
	existing.PublicKey = newPublicKey
	existing.LastSeenAt = now
	r.instances[key(agentID, instanceID)] = existing
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpsertInstance(ctx, existing); err != nil {
			return model.Event{}, fmt.Errorf("registry: persist key rotation: %w", err)
		}
	}

	return model.Event{
		AgentID:   agentID,
		EventID:   fmt.Sprintf("keyrotate-%s-%d", instanceID, now.UnixNano()),
		Type:      model.EventKeyRotated,
		Primitive: model.PrimitiveRights,
		CreatedAt: now,
		Payload: map[string]any{
			"instanceId":         instanceID,
			"newPublicKeyBase64": newPublicKeyBase64,
		},
	}, nil
}

// RegisteredInstanceCount returns N, the registered-instance count for an
// agent, used by the voting coordinator to size quorum.
func (r *Registry) RegisteredInstanceCount(agentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, inst := range r.instances {
		if inst.AgentID == agentID {
			n++
		}
	}
	return n
}
