package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/replicant-partners/chrysalis/internal/crypto"
	"github.com/replicant-partners/chrysalis/internal/model"
)

// Sentinel errors surfaced by Commit, Query, and Tail. Handlers translate
// these into the status codes named in the transport boundary.
var (
	ErrInvalidSignature = errors.New("ledger: invalid signature")
	ErrMalformedEvent   = errors.New("ledger: malformed event")
	ErrNotFound         = errors.New("ledger: record not found")
)

// CommitRequest is everything a caller must supply to commit one event.
type CommitRequest struct {
	AgentID      string
	InstanceID   string
	PublicKeyRaw []byte // decoded Ed25519 public key
	Event        model.Event
	EventHash    string // lowercase hex SHA-384 of canonical(Event), asserted by the caller
	Signature    []byte // decoded signature over the hex digest string
}

// Ledger is the authoritative ordered event log for one coordinator process.
// Commit serializes txId assignment and indexing under a single mutex, per
// the concurrency model's requirement that ledger writes form one critical
// section; Query and Tail take the read lock.
type Ledger struct {
	mu sync.RWMutex

	byHash map[string]model.TxRecord
	ordered []model.TxRecord // index i holds txId i+1
	nextTxID int64

	wal    *WAL
	logger *slog.Logger
}

// New constructs an empty ledger, optionally backed by a WAL for durability.
// If wal is non-nil, its Recover() output should be fed to Restore before
// the ledger begins serving traffic.
func New(logger *slog.Logger, wal *WAL) *Ledger {
	return &Ledger{
		byHash:   make(map[string]model.TxRecord),
		wal:      wal,
		logger:   logger,
		nextTxID: 1,
	}
}

// Restore replays previously-committed records (e.g. from WAL.Recover) to
// rebuild the in-memory indexes at startup. Records must be supplied in
// ascending txId order.
func (l *Ledger) Restore(records []model.TxRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range records {
		l.byHash[r.EventHash] = r
		l.ordered = append(l.ordered, r)
		if r.TxID >= l.nextTxID {
			l.nextTxID = r.TxID + 1
		}
	}
}

// Commit verifies the signature, assigns a txId, and appends the record.
// Re-submitting an identical eventHash is idempotent: the original record is
// returned without a new txId being assigned (I1, R2, S6).
func (l *Ledger) Commit(ctx context.Context, req CommitRequest) (model.TxRecord, error) {
	if req.AgentID == "" || req.InstanceID == "" || req.EventHash == "" {
		return model.TxRecord{}, fmt.Errorf("%w: missing agentId, instanceId, or eventHash", ErrMalformedEvent)
	}

	if !crypto.VerifyDigestHex(req.PublicKeyRaw, req.EventHash, req.Signature) {
		return model.TxRecord{}, ErrInvalidSignature
	}

	l.mu.Lock()
	if existing, ok := l.byHash[req.EventHash]; ok {
		l.mu.Unlock()
		return existing, nil
	}

	record := model.TxRecord{
		TxID:       l.nextTxID,
		AgentID:    req.AgentID,
		InstanceID: req.InstanceID,
		EventHash:  req.EventHash,
		AcceptedAt: time.Now().UTC(),
		Event:      req.Event,
	}
	// The record reaches the WAL before it becomes visible or its txId is
	// returned; a failed write assigns nothing and is reported to the caller.
	if l.wal != nil {
		if err := l.wal.Write([]model.TxRecord{record}); err != nil {
			l.mu.Unlock()
			return model.TxRecord{}, fmt.Errorf("ledger: commit: %w", err)
		}
	}
	l.nextTxID++
	l.byHash[record.EventHash] = record
	l.ordered = append(l.ordered, record)
	l.mu.Unlock()

	return record, nil
}

// Query looks up a record by txId or by eventHash. Exactly one of the two
// selectors should be set by the caller.
func (l *Ledger) Query(txID int64, hash string) (model.TxRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if hash != "" {
		if r, ok := l.byHash[hash]; ok {
			return r, nil
		}
		return model.TxRecord{}, ErrNotFound
	}
	if txID >= 1 && int(txID) <= len(l.ordered) {
		return l.ordered[txID-1], nil
	}
	return model.TxRecord{}, ErrNotFound
}

// Tail returns the contiguous slice of the ledger starting immediately after
// afterTxID (0 means from the beginning), up to limit records. The result is
// stable: repeated calls with the same afterTxID return the same records,
// since txId assignment never changes once committed (R3, S4, B2).
func (l *Ledger) Tail(afterTxID int64, limit int) []model.TxRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := int(afterTxID) // ordered[afterTxID] is the record with txId afterTxID+1
	if start < 0 {
		start = 0
	}
	if start >= len(l.ordered) {
		return nil
	}
	end := start + limit
	if end > len(l.ordered) {
		end = len(l.ordered)
	}
	out := make([]model.TxRecord, end-start)
	copy(out, l.ordered[start:end])
	return out
}

// AppendResolution commits a ResolutionEvent produced internally by the
// voting coordinator or an empirical resolver. Unlike Commit, this path is
// not instance-signed — the coordinator itself is the author of record — but
// the event is hashed, ordered, and replayable exactly like any other
// ledger event, per §4.5/§4.3.
func (l *Ledger) AppendResolution(ctx context.Context, agentID string, resolution model.Resolution) error {
	now := time.Now().UTC()
	event := model.Event{
		AgentID:   agentID,
		EventID:   fmt.Sprintf("resolution-%s-%d", resolution.Key, now.UnixNano()),
		Type:      model.EventResolutionEvent,
		Primitive: model.PrimitiveSemanticMemory,
		CreatedAt: now,
		Payload: map[string]any{
			"key":                   resolution.Key,
			"winnerClaimHash":       resolution.WinnerClaimHash,
			"suppressedClaimHashes": resolution.SuppressedClaimHashes,
			"decidedBy":             string(resolution.DecidedBy),
		},
	}
	if resolution.Poll != nil {
		event.Payload["poll"] = resolution.Poll
	}
	_, err := l.AppendSystemEvent(ctx, agentID, event)
	return err
}

// AppendSystemEvent commits an event the coordinator itself authors — a
// ResolutionEvent or a KeyRotated record — rather than an instance. It skips
// signature verification but is otherwise identical to Commit: hashed,
// deduplicated, assigned a txId, and WAL-written.
func (l *Ledger) AppendSystemEvent(ctx context.Context, agentID string, event model.Event) (model.TxRecord, error) {
	hash, err := crypto.EventHash(event)
	if err != nil {
		return model.TxRecord{}, fmt.Errorf("ledger: hash system event: %w", err)
	}

	now := time.Now().UTC()
	l.mu.Lock()
	if existing, exists := l.byHash[hash]; exists {
		l.mu.Unlock()
		return existing, nil
	}
	record := model.TxRecord{
		TxID:       l.nextTxID,
		AgentID:    agentID,
		InstanceID: "",
		EventHash:  hash,
		AcceptedAt: now,
		Event:      event,
	}
	if l.wal != nil {
		if err := l.wal.Write([]model.TxRecord{record}); err != nil {
			l.mu.Unlock()
			return model.TxRecord{}, fmt.Errorf("ledger: append system event: %w", err)
		}
	}
	l.nextTxID++
	l.byHash[hash] = record
	l.ordered = append(l.ordered, record)
	l.mu.Unlock()
	return record, nil
}

// Len returns the number of committed records, used by tests and diagnostics.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ordered)
}

// Close releases the underlying WAL, if any.
func (l *Ledger) Close() error {
	if l.wal != nil {
		return l.wal.Close()
	}
	return nil
}
