// Package conflict maintains the (agentId, key) -> set<eventHash> index the
// ledger-tailing pipeline uses to notice when two instances have committed
// contradictory semantic claims, and opens a poll over the divergent
// candidates. Simplified to exact-value grouping since claims here are typed
// (key, value) pairs rather than free-text decision outcomes.
package conflict

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/replicant-partners/chrysalis/internal/model"
)

// PollOpener is the subset of voting.Coordinator the detector drives.
type PollOpener interface {
	OpenPollFor(agentID, key string) (string, bool)
	StartPoll(ctx context.Context, agentID, key string, candidates []string, registeredCount int) (*model.Poll, error)
	SetSimilarClaims(pollID string, hashes []string)
}

// InstanceCounter supplies N for quorum sizing.
type InstanceCounter interface {
	RegisteredInstanceCount(agentID string) int
}

// SimilarityFinder is the additive near-duplicate enrichment hook (backed by
// the claim-embedding search index). It is advisory only: a nil Finder or a
// failed lookup simply means no hint is attached to the poll.
type SimilarityFinder interface {
	SimilarClaimHashes(ctx context.Context, agentID, key, value string, exclude []string) ([]string, error)
}

// Detector holds the exact-value conflict index for one coordinator process.
type Detector struct {
	mu    sync.Mutex
	index map[string]map[string]model.SemanticClaim // "agentId/key" -> eventHash -> claim

	polls     PollOpener
	instances InstanceCounter
	similar   SimilarityFinder
	logger    *slog.Logger
}

// New constructs a Detector. similar may be nil to disable the enrichment hook.
func New(polls PollOpener, instances InstanceCounter, similar SimilarityFinder, logger *slog.Logger) *Detector {
	return &Detector{
		index:     make(map[string]map[string]model.SemanticClaim),
		polls:     polls,
		instances: instances,
		similar:   similar,
		logger:    logger,
	}
}

func indexKey(agentID, key string) string {
	return agentID + "/" + key
}

// Observe ingests one SemanticClaimUpserted event's hash and payload. If this
// insertion brings the number of distinct values for (agentId, key) to 2 or
// more and no poll is already open for that key, it starts one.
func (d *Detector) Observe(ctx context.Context, agentID, eventHash string, claim model.SemanticClaim) {
	ik := indexKey(agentID, claim.Key)

	d.mu.Lock()
	if d.index[ik] == nil {
		d.index[ik] = make(map[string]model.SemanticClaim)
	}
	d.index[ik][eventHash] = claim
	distinct := d.groupByValue(ik)
	d.mu.Unlock()

	if len(distinct) < 2 {
		return
	}
	if _, open := d.polls.OpenPollFor(agentID, claim.Key); open {
		return
	}

	candidates := make([]string, 0, len(distinct))
	for _, hashes := range distinct {
		// One representative hash per distinct value becomes a candidate; a
		// key with 3 claims sharing one value and 1 with another still yields
		// exactly 2 candidates, matching "≥2 distinct values" in §4.4. The
		// representative must be chosen deterministically — hashes here come
		// from ranging over a Go map in groupByValue, so two replicas
		// replaying the same ledger prefix must not be able to pick different
		// representatives and open polls over different candidate sets (I3).
		sort.Strings(hashes)
		candidates = append(candidates, hashes[0])
	}
	sort.Strings(candidates)

	n := d.instances.RegisteredInstanceCount(agentID)
	poll, err := d.polls.StartPoll(ctx, agentID, claim.Key, candidates, n)
	if err != nil {
		d.logger.Warn("conflict: failed to open poll", "agent_id", agentID, "key", claim.Key, "error", err)
		return
	}

	if d.similar != nil {
		hints, err := d.similar.SimilarClaimHashes(ctx, agentID, claim.Key, claim.Value, candidates)
		if err != nil {
			d.logger.Debug("conflict: similarity enrichment skipped", "poll_id", poll.PollID, "error", err)
			return
		}
		if len(hints) > 0 {
			d.polls.SetSimilarClaims(poll.PollID, hints)
		}
	}
}

// groupByValue returns, for the given index key, every distinct claim value
// mapped to the event hashes that carry it. Caller must hold d.mu.
func (d *Detector) groupByValue(ik string) map[string][]string {
	byValue := make(map[string][]string)
	for hash, claim := range d.index[ik] {
		byValue[claim.Value] = append(byValue[claim.Value], hash)
	}
	return byValue
}
