// Package model holds the coordinator's core domain types: events, the
// closed event-type set, instances, semantic claims, polls, and resolutions.
// Types here are plain structs with no behavior beyond small accessors —
// the packages that operate on them (ledger, registry, conflict, voting,
// projector) own the logic.
package model

import (
	"strconv"
	"time"
)

// Primitive is one of the five event primitives named in the data model.
type Primitive string

const (
	PrimitivePersona         Primitive = "persona"
	PrimitiveRights          Primitive = "rights"
	PrimitiveSkills          Primitive = "skills"
	PrimitiveEpisodicMemory  Primitive = "episodic_memory"
	PrimitiveSemanticMemory  Primitive = "semantic_memory"
)

// EventType is the closed set of event types the coordinator assigns
// semantics to. Unknown types are preserved in the ledger for forward
// compatibility but produce no CRDT effect in the projector.
type EventType string

const (
	EventPersonaUpdated      EventType = "PersonaUpdated"
	EventRightGranted        EventType = "RightGranted"
	EventRightRevoked        EventType = "RightRevoked"
	EventKeyRotated          EventType = "KeyRotated"
	EventSkillAdded          EventType = "SkillAdded"
	EventSkillDeprecated     EventType = "SkillDeprecated"
	EventEpisodicMemoryAdded EventType = "EpisodicMemoryAdded"
	EventSemanticClaimUpserted EventType = "SemanticClaimUpserted"
	EventResolutionEvent     EventType = "ResolutionEvent"
)

// primitiveByType maps the closed event-type set to its declared primitive,
// used only to validate commits; the ledger does not reject unknown types,
// it simply can't validate their primitive.
var primitiveByType = map[EventType]Primitive{
	EventPersonaUpdated:        PrimitivePersona,
	EventRightGranted:          PrimitiveRights,
	EventRightRevoked:          PrimitiveRights,
	EventKeyRotated:            PrimitiveRights,
	EventSkillAdded:            PrimitiveSkills,
	EventSkillDeprecated:       PrimitiveSkills,
	EventEpisodicMemoryAdded:   PrimitiveEpisodicMemory,
	EventSemanticClaimUpserted: PrimitiveSemanticMemory,
	EventResolutionEvent:       PrimitiveSemanticMemory,
}

// PrimitiveFor returns the declared primitive for a known event type, and
// false for a type outside the closed set.
func PrimitiveFor(t EventType) (Primitive, bool) {
	p, ok := primitiveByType[t]
	return p, ok
}

// Event is an immutable record committed to the ledger. Events are never
// mutated or deleted once accepted.
type Event struct {
	AgentID   string         `json:"agentId"`
	EventID   string         `json:"eventId"`
	Type      EventType      `json:"type"`
	Primitive Primitive      `json:"primitive"`
	CreatedAt time.Time      `json:"createdAt"`
	Payload   map[string]any `json:"payload"`
	Prev      string         `json:"prev,omitempty"`
}

// TxRecord is a ledger-assigned record: the monotonic transaction ID,
// acceptance time, and the committing tuple.
type TxRecord struct {
	TxID       int64
	AgentID    string
	InstanceID string
	EventHash  string
	AcceptedAt time.Time
	Event      Event
}

// TxIDString renders TxID in the ledger's external "tx_N" form.
func (r TxRecord) TxIDString() string {
	return TxIDString(r.TxID)
}

// TxIDString formats a raw transaction sequence number as "tx_N".
func TxIDString(n int64) string {
	return "tx_" + strconv.FormatInt(n, 10)
}
