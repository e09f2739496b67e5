package chrysalis

import "time"

// OperatorRole is the RBAC role carried by an optional operator JWT used for
// human/debugging read access to the private plane. It has no bearing on the
// per-instance Ed25519 write protocol, which authenticates by signature alone.
type OperatorRole string

const (
	OperatorRoleAdmin  OperatorRole = "admin"
	OperatorRoleReader OperatorRole = "reader"
)

// TxRecord is the public representation of a committed ledger transaction.
// It is a curated view of internal/ledger's record type for use in extension
// interfaces — no internal package imports, safe to use from outside the module.
type TxRecord struct {
	TxID       string
	AgentID    string
	InstanceID string
	EventHash  string
	AcceptedAt time.Time
	Event      Event
}

// Event is the public representation of a committed event.
type Event struct {
	AgentID   string
	EventID   string
	Type      string
	Primitive string
	CreatedAt time.Time
	Payload   map[string]any
	Prev      string
}

// SemanticClaim is the public representation of a SemanticClaimUpserted payload.
type SemanticClaim struct {
	Key         string
	Value       string
	Confidence  float64
	Provenance  string
	ClaimHash   string
}

// Poll is the public representation of an open or decided semantic conflict poll.
type Poll struct {
	PollID          string
	AgentID         string
	Key             string
	Candidates      []string
	QuorumRequired  int
	Votes           map[string]string
	WinnerClaimHash string
	DecidedAt       *time.Time
}

// Resolution is the public representation of a ResolutionEvent payload.
type Resolution struct {
	Key                  string
	WinnerClaimHash      string
	SuppressedClaimHashes []string
	DecidedBy            string
}
