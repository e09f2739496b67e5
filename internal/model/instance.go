package model

import (
	"crypto/ed25519"
	"time"
)

// Instance binds an (agentId, instanceId) pair to its current Ed25519 public
// key. Invariant owned by the registry: at any moment there is exactly one
// current public key per (agentId, instanceId).
type Instance struct {
	AgentID      string
	InstanceID   string
	PublicKey    ed25519.PublicKey
	RegisteredAt time.Time
	LastSeenAt   time.Time
}
