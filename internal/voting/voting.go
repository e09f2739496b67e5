// Package voting manages polls: the quorum vote among registered instances
// that resolves which of several candidate claim hashes becomes the current
// public claim for a key. There is no direct teacher analogue for this
// package — it is new domain logic — but its structure follows the
// surrounding codebase's convention of a mutex-guarded struct exposing
// small, independently-lockable operations.
package voting

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/replicant-partners/chrysalis/internal/crypto"
	"github.com/replicant-partners/chrysalis/internal/model"
)

// Sentinel errors named after the failure semantics in §4.5.
var (
	ErrUnknownPoll           = errors.New("voting: unknown poll")
	ErrCandidateMismatch     = errors.New("voting: candidate not in poll")
	ErrInstanceNotRegistered = errors.New("voting: instance not registered")
	ErrKeyMismatch           = errors.New("voting: public key does not match registry")
	ErrInvalidSignature      = errors.New("voting: invalid signature")
	ErrTooFewCandidates      = errors.New("voting: at least 2 candidates required")
	ErrNoRegisteredInstances = errors.New("voting: cannot resolve: no registered instances")
)

// KeyLookup resolves an instance's current registered public key, used to
// validate that a vote's asserted key matches the registry (not just that
// the signature verifies under whatever key the caller supplied).
type KeyLookup interface {
	LookupKey(agentID, instanceID string) (ed25519.PublicKey, bool)
}

// LedgerAppender commits the ResolutionEvent a decided poll produces.
type LedgerAppender interface {
	AppendResolution(ctx context.Context, agentID string, resolution model.Resolution) error
}

// EmpiricalResolver is the pluggable ground-truth path that may short-circuit
// polling entirely. The core must work without one configured.
type EmpiricalResolver interface {
	Resolve(ctx context.Context, agentID, key string, candidates []model.SemanticClaim) (winnerClaimHash string, decided bool, err error)
}

// Coordinator owns every open and decided poll for the process.
type Coordinator struct {
	mu      sync.Mutex
	polls   map[string]*model.Poll
	byKey   map[string]string // "agentId/key" -> pollId, for open polls only
	keys    KeyLookup
	ledger  LedgerAppender
	resolve EmpiricalResolver
}

// New constructs a Coordinator. resolve may be nil.
func New(keys KeyLookup, ledger LedgerAppender, resolve EmpiricalResolver) *Coordinator {
	return &Coordinator{
		polls:  make(map[string]*model.Poll),
		byKey:  make(map[string]string),
		keys:   keys,
		ledger: ledger,
		resolve: resolve,
	}
}

func pollKey(agentID, key string) string {
	return agentID + "/" + key
}

// OpenPollFor returns the pollId of the currently open poll for
// (agentId, key), if any.
func (c *Coordinator) OpenPollFor(agentID, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byKey[pollKey(agentID, key)]
	return id, ok
}

// StartPoll computes quorumRequired = ceil(N·0.5) and opens a poll over the
// given candidate claim hashes. Refuses fewer than 2 candidates and refuses
// to open a poll when there are zero registered instances (per the design
// notes' resolution of the N=0 quorum edge case), returning the same
// "cannot resolve" sense of error as the candidate-count boundary.
func (c *Coordinator) StartPoll(ctx context.Context, agentID, key string, candidates []string, registeredCount int) (*model.Poll, error) {
	if len(candidates) < 2 {
		return nil, ErrTooFewCandidates
	}
	if registeredCount == 0 {
		return nil, ErrNoRegisteredInstances
	}

	quorum := quorumRequired(registeredCount)

	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.byKey[pollKey(agentID, key)]; ok {
		return c.polls[id], nil
	}

	poll := &model.Poll{
		PollID:         "poll_" + uuid.New().String(),
		AgentID:        agentID,
		Key:            key,
		Candidates:     append([]string(nil), candidates...),
		QuorumRequired: quorum,
		Status:         model.PollOpen,
		Votes:          make(map[string]string),
	}
	c.polls[poll.PollID] = poll
	c.byKey[pollKey(agentID, key)] = poll.PollID
	return poll, nil
}

// quorumRequired implements ceil(N * 0.5) without floating point.
func quorumRequired(n int) int {
	return (n + 1) / 2
}

// Vote validates and records a signed vote, then evaluates finalization.
// Votes are idempotent per (pollId, instanceId): a re-vote overwrites the
// instance's previous choice rather than appending (R4).
func (c *Coordinator) Vote(ctx context.Context, pollID, agentID, instanceID string, claimHash string, publicKey ed25519.PublicKey, signature []byte) error {
	c.mu.Lock()
	poll, ok := c.polls[pollID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownPoll
	}
	if poll.AgentID != agentID {
		c.mu.Unlock()
		return ErrCandidateMismatch
	}
	if poll.Status == model.PollDecided {
		c.mu.Unlock()
		return nil // further votes are no-ops (I5)
	}
	if !containsHash(poll.Candidates, claimHash) {
		c.mu.Unlock()
		return ErrCandidateMismatch
	}

	registeredKey, ok := c.keys.LookupKey(agentID, instanceID)
	if !ok {
		c.mu.Unlock()
		return ErrInstanceNotRegistered
	}
	if !registeredKey.Equal(publicKey) {
		c.mu.Unlock()
		return ErrKeyMismatch
	}
	if !crypto.Verify(publicKey, crypto.VoteMessage(pollID, claimHash), signature) {
		c.mu.Unlock()
		return ErrInvalidSignature
	}

	poll.Votes[instanceID] = claimHash
	decided := len(poll.Votes) >= poll.QuorumRequired
	var resolution model.Resolution
	if decided {
		resolution = finalize(poll)
	}
	c.mu.Unlock()

	if decided && c.ledger != nil {
		if err := c.ledger.AppendResolution(ctx, agentID, resolution); err != nil {
			return fmt.Errorf("voting: append resolution event: %w", err)
		}
	}
	return nil
}

// finalize tallies votes, picks the winner (highest count, ties broken by
// ascending claimHash), marks the poll decided, and returns the resolution
// payload to append to the ledger. Caller must hold c.mu.
func finalize(poll *model.Poll) model.Resolution {
	tally := make(map[string]int)
	for _, h := range poll.Votes {
		tally[h]++
	}
	type count struct {
		hash string
		n    int
	}
	counts := make([]count, 0, len(tally))
	for h, n := range tally {
		counts = append(counts, count{h, n})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].n != counts[j].n {
			return counts[i].n > counts[j].n
		}
		return counts[i].hash < counts[j].hash
	})
	winner := counts[0].hash

	var suppressed []string
	for _, h := range poll.Candidates {
		if h != winner {
			suppressed = append(suppressed, h)
		}
	}

	now := time.Now().UTC()
	poll.Status = model.PollDecided
	poll.WinnerClaimHash = winner
	poll.DecidedAt = &now

	votesCopy := make(map[string]string, len(poll.Votes))
	for k, v := range poll.Votes {
		votesCopy[k] = v
	}

	return model.Resolution{
		Key:                   poll.Key,
		WinnerClaimHash:       winner,
		SuppressedClaimHashes: suppressed,
		DecidedBy:             model.DecidedByPoll,
		Poll: &model.PollSummary{
			QuorumRequired: poll.QuorumRequired,
			QuorumReached:  len(poll.Votes),
			Votes:          votesCopy,
		},
	}
}

// SetSimilarClaims attaches the additive, advisory near-duplicate hint to an
// open poll. It never affects candidates, quorum, or finalization — see
// model.Poll.SimilarClaimHashes.
func (c *Coordinator) SetSimilarClaims(pollID string, hashes []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if poll, ok := c.polls[pollID]; ok && poll.Status == model.PollOpen {
		poll.SimilarClaimHashes = hashes
	}
}

// Status returns a copy of the poll's current state.
func (c *Coordinator) Status(pollID string) (model.Poll, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	poll, ok := c.polls[pollID]
	if !ok {
		return model.Poll{}, ErrUnknownPoll
	}
	cp := *poll
	cp.Candidates = append([]string(nil), poll.Candidates...)
	cp.Votes = make(map[string]string, len(poll.Votes))
	for k, v := range poll.Votes {
		cp.Votes[k] = v
	}
	return cp, nil
}

func containsHash(list []string, h string) bool {
	for _, v := range list {
		if v == h {
			return true
		}
	}
	return false
}
