package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/replicant-partners/chrysalis/internal/crdt"
)

// Broker fans out CRDT snapshots to the SSE subscribers of a room. It
// implements projector.Broadcaster: the projector calls Broadcast after
// every ledger record it applies, and Broker delivers the resulting snapshot
// to every subscriber of that room. The notification source here is
// in-process (the projector), not a database channel — rooms are per-agent
// CRDT documents, not per-org decision/conflict feeds.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]map[chan []byte]struct{} // room -> subscriber channels
}

// NewBroker creates a new room-keyed SSE broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[string]map[chan []byte]struct{}),
	}
}

// Broadcast implements projector.Broadcaster: formats snapshot as one SSE
// event and sends it to every subscriber currently watching room. A
// subscriber whose buffer is full is skipped rather than blocking the
// others, per §7's "broadcast errors to one subscriber are isolated."
func (b *Broker) Broadcast(room string, snapshot crdt.Snapshot) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		b.logger.Error("broker: failed to marshal snapshot", "room", room, "error", err)
		return
	}
	event := formatSSE("snapshot", string(payload))

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[room] {
		select {
		case ch <- event:
		default:
			b.logger.Warn("broker: dropped event for slow subscriber", "room", room, "buffer_cap", cap(ch))
		}
	}
}

// Subscribe returns a channel that receives SSE-formatted snapshot events for
// room. The channel is buffered so a burst of updates doesn't block Broadcast.
func (b *Broker) Subscribe(room string) chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	if b.subscribers[room] == nil {
		b.subscribers[room] = make(map[chan []byte]struct{})
	}
	b.subscribers[room][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broker) Unsubscribe(room string, ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers[room], ch)
	if len(b.subscribers[room]) == 0 {
		delete(b.subscribers, room)
	}
	b.mu.Unlock()
	close(ch)
}

// formatSSE formats a notification as a Server-Sent Events message. Per the
// SSE spec, each line of a multi-line data field must be prefixed with
// "data: " to avoid desynchronizing the client parser.
func formatSSE(eventType, data string) []byte {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(eventType)
	buf.WriteByte('\n')
	for _, line := range strings.Split(data, "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}
