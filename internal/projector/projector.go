// Package projector tails the ledger and materializes the per-agent CRDT
// document that the public plane broadcasts. Its polling-loop shape (atomic
// start guard, cancelable background goroutine, done channel) mirrors a
// buffered ingestion pipeline; the transform table it applies per event type
// is domain logic specific to the five event primitives this system defines.
package projector

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/replicant-partners/chrysalis/internal/crdt"
	"github.com/replicant-partners/chrysalis/internal/model"
)

// Tailer is the subset of ledger.Ledger the projector needs.
type Tailer interface {
	Tail(afterTxID int64, limit int) []model.TxRecord
}

// ConflictObserver receives every SemanticClaimUpserted the projector applies,
// so the conflict detector's index stays in lockstep with the CRDT documents.
type ConflictObserver interface {
	Observe(ctx context.Context, agentID, eventHash string, claim model.SemanticClaim)
}

// Broadcaster fans out an incremental update for a room to its subscribers.
type Broadcaster interface {
	Broadcast(room string, snapshot crdt.Snapshot)
}

// Indexer keeps the claim-similarity search index in sync with committed
// claims. Optional: a nil Indexer just means no similarity hints are ever
// attached to a future conflict poll.
type Indexer interface {
	Index(ctx context.Context, agentID, key, claimHash, value string) error
}

// Projector owns one crdt.Document per agent and the polling loop that keeps
// them current.
type Projector struct {
	tailer    Tailer
	conflicts ConflictObserver
	broadcast Broadcaster
	logger    *slog.Logger
	interval  time.Duration
	batchSize int

	indexer Indexer

	mu           sync.RWMutex
	documents    map[string]*crdt.Document // agentId -> document
	lastSeenTxID int64

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
}

// New constructs a Projector. interval and batchSize default to 200ms/500
// when zero.
func New(tailer Tailer, conflicts ConflictObserver, broadcast Broadcaster, logger *slog.Logger, interval time.Duration, batchSize int) *Projector {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Projector{
		tailer:    tailer,
		conflicts: conflicts,
		broadcast: broadcast,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		documents: make(map[string]*crdt.Document),
	}
}

// SetIndexer wires the optional claim-similarity indexer. Must be called
// before Start.
func (p *Projector) SetIndexer(indexer Indexer) {
	p.indexer = indexer
}

// Room names the broadcast channel for an agent.
func Room(agentID string) string {
	return "agent:" + agentID
}

// Document returns (creating if needed) the CRDT document for an agent. Safe
// for concurrent use; used both by the polling loop and by new-subscriber
// snapshot requests.
func (p *Projector) Document(agentID string) *crdt.Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc, ok := p.documents[agentID]
	if !ok {
		doc = crdt.NewDocument()
		p.documents[agentID] = doc
	}
	return doc
}

// Start begins the background polling loop. Safe to call only once.
func (p *Projector) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("projector: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel
	p.done = make(chan struct{})
	go p.loop(loopCtx)
}

// Stop cancels the polling loop and waits for it to exit.
func (p *Projector) Stop() {
	if p.cancelLoop != nil {
		p.cancelLoop()
	}
	if p.done != nil {
		<-p.done
	}
}

func (p *Projector) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drainOnce(ctx)
		}
	}
}

// drainOnce applies every record currently available past lastSeenTxID, in
// as many batchSize-sized passes as needed, so a burst of commits doesn't
// wait multiple poll intervals to be projected.
func (p *Projector) drainOnce(ctx context.Context) {
	for {
		records := p.tailer.Tail(p.lastSeenTxID, p.batchSize)
		if len(records) == 0 {
			return
		}
		for _, r := range records {
			p.apply(ctx, r)
			p.lastSeenTxID = r.TxID
		}
		if len(records) < p.batchSize {
			return
		}
	}
}

// apply runs the deterministic per-event-type transform from §4.6. Errors
// (malformed payloads) are logged and skip the record — they never block
// subsequent records.
func (p *Projector) apply(ctx context.Context, r model.TxRecord) {
	doc := p.Document(r.AgentID)
	now := time.Now().UTC()

	switch r.Event.Type {
	case model.EventSemanticClaimUpserted:
		claim, ok := decodeClaim(r.Event.Payload)
		if !ok {
			p.logger.Warn("projector: malformed SemanticClaimUpserted payload", "tx_id", r.TxIDString())
			return
		}
		doc.AddCandidate(claim.Key, r.EventHash, now)
		if p.conflicts != nil {
			p.conflicts.Observe(ctx, r.AgentID, r.EventHash, claim)
		}
		if p.indexer != nil {
			if err := p.indexer.Index(ctx, r.AgentID, claim.Key, r.EventHash, claim.Value); err != nil {
				p.logger.Debug("projector: similarity index update skipped", "tx_id", r.TxIDString(), "error", err)
			}
		}

	case model.EventResolutionEvent:
		key, _ := r.Event.Payload["key"].(string)
		winner, _ := r.Event.Payload["winnerClaimHash"].(string)
		suppressed := decodeStringSlice(r.Event.Payload["suppressedClaimHashes"])
		if key == "" || winner == "" {
			p.logger.Warn("projector: malformed ResolutionEvent payload", "tx_id", r.TxIDString())
			return
		}
		doc.ApplyResolution(key, winner, suppressed, now)

	case model.EventSkillAdded:
		skill := decodeSkill(r.Event.Payload, "active", now)
		doc.UpsertSkill(skill)

	case model.EventSkillDeprecated:
		skill := decodeSkill(r.Event.Payload, "deprecated", now)
		doc.UpsertSkill(skill)

	case model.EventPersonaUpdated:
		for field, v := range r.Event.Payload {
			if s, ok := v.(string); ok {
				doc.UpsertProfileField(field, s, now)
			}
		}

	default:
		return // unknown/other types are ignored, not rejected
	}

	if p.broadcast != nil {
		p.broadcast.Broadcast(Room(r.AgentID), doc.Snapshot())
	}
}

func decodeClaim(payload map[string]any) (model.SemanticClaim, bool) {
	key, ok := payload["key"].(string)
	if !ok || key == "" {
		return model.SemanticClaim{}, false
	}
	value, _ := payload["value"].(string)
	confidence, _ := payload["confidence"].(float64)
	provenance, _ := payload["provenance"].(string)
	return model.SemanticClaim{Key: key, Value: value, Confidence: confidence, Provenance: provenance}, true
}

func decodeSkill(payload map[string]any, status string, now time.Time) crdt.Skill {
	name, _ := payload["name"].(string)
	desc, _ := payload["description"].(string)
	confidence, _ := payload["confidence"].(float64)
	source, _ := payload["source"].(string)
	return crdt.Skill{
		Name:        name,
		Description: desc,
		Confidence:  confidence,
		Status:      status,
		UpdatedAt:   now,
		Source:      source,
	}
}

func decodeStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		if strs, ok := v.([]string); ok {
			return strs
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
