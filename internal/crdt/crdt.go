// Package crdt implements the convergent read model the projector maintains
// per agent: a G-Set of proposed claim hashes, an LWW register of the current
// public claim per key, a G-Set of suppressed (losing) claim hashes, an LWW
// map of skills, and an LWW register of profile fields.
//
// Built on the standard library only: any implementation satisfying
// commutativity and idempotence is acceptable here, and these merge
// semantics are a few dozen lines of map operations each — nothing in the
// surrounding dependency stack offers a CRDT type that would do less work
// than writing them directly.
package crdt

import (
	"sort"
	"sync"
	"time"
)

// ClaimRef is the LWW-register value for a resolved public claim.
type ClaimRef struct {
	ClaimHash  string
	ResolvedAt time.Time
}

// Skill is the LWW-map value for one named skill.
type Skill struct {
	Name        string
	Description string
	Confidence  float64
	Status      string // "active" | "deprecated"
	UpdatedAt   time.Time
	Source      string
}

// Document is the per-agent CRDT document broadcast over a room. All mutating
// methods are safe for concurrent use; callers that need a consistent
// multi-field read should use Snapshot.
type Document struct {
	mu sync.RWMutex

	publicClaims       map[string]ClaimRef       // key -> current winner
	semanticCandidates map[string][]string       // key -> ordered, deduped set of claim hashes
	candidateSeen      map[string]map[string]bool // key -> set membership, for O(1) dedup
	suppressionSet     map[string]bool           // claimHash -> true
	skills             map[string]Skill          // name -> skill
	agentProfile       map[string]string         // field -> value
	profileUpdatedAt   map[string]time.Time
}

// NewDocument returns an empty convergent document.
func NewDocument() *Document {
	return &Document{
		publicClaims:       make(map[string]ClaimRef),
		semanticCandidates: make(map[string][]string),
		candidateSeen:      make(map[string]map[string]bool),
		suppressionSet:     make(map[string]bool),
		skills:             make(map[string]Skill),
		agentProfile:       make(map[string]string),
		profileUpdatedAt:   make(map[string]time.Time),
	}
}

// AddCandidate adds claimHash to semanticCandidates[key] (G-Set union: a
// repeat insertion is a no-op). If this is the first and only candidate for
// key, it also sets publicClaims[key] to this hash, per the projector's
// single-candidate fast path. Returns true if this call produced the
// single-candidate projection.
func (d *Document) AddCandidate(key, claimHash string, now time.Time) (fastPathApplied bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.candidateSeen[key] == nil {
		d.candidateSeen[key] = make(map[string]bool)
	}
	if d.candidateSeen[key][claimHash] {
		return false
	}
	d.candidateSeen[key][claimHash] = true
	d.semanticCandidates[key] = append(d.semanticCandidates[key], claimHash)

	if len(d.semanticCandidates[key]) == 1 {
		if _, resolved := d.publicClaims[key]; !resolved {
			d.publicClaims[key] = ClaimRef{ClaimHash: claimHash, ResolvedAt: now}
			return true
		}
	}
	return false
}

// ApplyResolution applies a decided poll or empirical resolution: sets the
// winner as the current public claim, ensures the winner is present in
// semanticCandidates ahead of the suppressed hashes, and marks every
// suppressed hash in the suppression set. Idempotent: replaying the same
// resolution twice leaves the document in the same state.
func (d *Document) ApplyResolution(key, winnerClaimHash string, suppressedClaimHashes []string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.publicClaims[key] = ClaimRef{ClaimHash: winnerClaimHash, ResolvedAt: now}

	if d.candidateSeen[key] == nil {
		d.candidateSeen[key] = make(map[string]bool)
	}
	// Ensure winner is present, first.
	if !d.candidateSeen[key][winnerClaimHash] {
		d.candidateSeen[key][winnerClaimHash] = true
		d.semanticCandidates[key] = append([]string{winnerClaimHash}, d.semanticCandidates[key]...)
	} else {
		d.reorderWinnerFirst(key, winnerClaimHash)
	}
	for _, h := range suppressedClaimHashes {
		if !d.candidateSeen[key][h] {
			d.candidateSeen[key][h] = true
			d.semanticCandidates[key] = append(d.semanticCandidates[key], h)
		}
		d.suppressionSet[h] = true
	}
}

// reorderWinnerFirst moves an already-present winner hash to the front of
// the key's candidate list, so the "winner first then suppressed" ordering
// promised by the projector's transform table holds even on replay.
func (d *Document) reorderWinnerFirst(key, winner string) {
	list := d.semanticCandidates[key]
	idx := -1
	for i, h := range list {
		if h == winner {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return
	}
	reordered := make([]string, 0, len(list))
	reordered = append(reordered, winner)
	reordered = append(reordered, list[:idx]...)
	reordered = append(reordered, list[idx+1:]...)
	d.semanticCandidates[key] = reordered
}

// UpsertSkill applies an LWW-map update: the incoming update wins only if its
// UpdatedAt is not older than the stored value's, so replaying events out of
// order (or twice) converges to the same state.
func (d *Document) UpsertSkill(s Skill) {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.skills[s.Name]
	if ok && existing.UpdatedAt.After(s.UpdatedAt) {
		return
	}
	d.skills[s.Name] = s
}

// UpsertProfileField applies an LWW-register update to one agentProfile
// field, keyed by its own per-field timestamp so fields updated at different
// times by different instances converge independently.
func (d *Document) UpsertProfileField(field, value string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, ok := d.profileUpdatedAt[field]; ok && ts.After(now) {
		return
	}
	d.agentProfile[field] = value
	d.profileUpdatedAt[field] = now
}

// Snapshot is a point-in-time, order-independent rendering of a Document's
// logical contents, suitable for encoding and broadcasting. Two documents
// that have processed the same set of updates produce equal snapshots
// regardless of application order (the convergence invariant).
type Snapshot struct {
	PublicClaims       map[string]ClaimRef `json:"publicClaims"`
	SemanticCandidates map[string][]string `json:"semanticCandidates"`
	SuppressionSet     []string            `json:"suppressionSet"`
	Skills             map[string]Skill    `json:"skills"`
	AgentProfile       map[string]string   `json:"agentProfile"`
}

// Snapshot returns a deep, order-independent copy of the document's state.
// Candidate lists are sorted so two documents that converged on the same
// logical set produce byte-identical JSON regardless of arrival order,
// except for semanticCandidates[key][0], which — per the projector's
// transform table — must stay the resolved winner when one exists; all
// other entries in that slice are sorted for determinism.
func (d *Document) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snap := Snapshot{
		PublicClaims:       make(map[string]ClaimRef, len(d.publicClaims)),
		SemanticCandidates: make(map[string][]string, len(d.semanticCandidates)),
		SuppressionSet:     make([]string, 0, len(d.suppressionSet)),
		Skills:             make(map[string]Skill, len(d.skills)),
		AgentProfile:       make(map[string]string, len(d.agentProfile)),
	}

	for k, v := range d.publicClaims {
		snap.PublicClaims[k] = v
	}
	for k, list := range d.semanticCandidates {
		cp := make([]string, len(list))
		copy(cp, list)
		if winner, ok := d.publicClaims[k]; ok && len(cp) > 1 {
			sortKeepingFirst(cp, winner.ClaimHash)
		} else {
			sort.Strings(cp)
		}
		snap.SemanticCandidates[k] = cp
	}
	for h := range d.suppressionSet {
		snap.SuppressionSet = append(snap.SuppressionSet, h)
	}
	sort.Strings(snap.SuppressionSet)
	for k, v := range d.skills {
		snap.Skills[k] = v
	}
	for k, v := range d.agentProfile {
		snap.AgentProfile[k] = v
	}

	return snap
}

// sortKeepingFirst sorts list in place except it keeps "first" at index 0 if
// present, matching the projector's "winner first then suppressed" ordering.
func sortKeepingFirst(list []string, first string) {
	rest := list[:0:0]
	hasFirst := false
	for _, h := range list {
		if h == first && !hasFirst {
			hasFirst = true
			continue
		}
		rest = append(rest, h)
	}
	sort.Strings(rest)
	if hasFirst {
		copy(list[1:], rest)
		list[0] = first
	} else {
		copy(list, rest)
	}
}
