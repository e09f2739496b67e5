package voting

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/replicant-partners/chrysalis/internal/crypto"
	"github.com/replicant-partners/chrysalis/internal/model"
)

type fakeKeys struct {
	keys map[string]ed25519.PublicKey
}

func (f *fakeKeys) LookupKey(agentID, instanceID string) (ed25519.PublicKey, bool) {
	k, ok := f.keys[agentID+"/"+instanceID]
	return k, ok
}

type fakeLedger struct {
	resolutions []model.Resolution
}

func (f *fakeLedger) AppendResolution(ctx context.Context, agentID string, resolution model.Resolution) error {
	f.resolutions = append(f.resolutions, resolution)
	return nil
}

func TestQuorumRequiredTable(t *testing.T) {
	cases := map[int]int{1: 1, 2: 1, 3: 2, 4: 2, 5: 3}
	for n, want := range cases {
		if got := quorumRequired(n); got != want {
			t.Errorf("quorumRequired(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestStartPollRejectsFewerThanTwoCandidates(t *testing.T) {
	c := New(&fakeKeys{}, &fakeLedger{}, nil)
	_, err := c.StartPoll(context.Background(), "agent1", "ceo", []string{"HA"}, 2)
	if err != ErrTooFewCandidates {
		t.Fatalf("expected ErrTooFewCandidates, got %v", err)
	}
}

func TestStartPollRejectsZeroRegisteredInstances(t *testing.T) {
	c := New(&fakeKeys{}, &fakeLedger{}, nil)
	_, err := c.StartPoll(context.Background(), "agent1", "ceo", []string{"HA", "HB"}, 0)
	if err != ErrNoRegisteredInstances {
		t.Fatalf("expected ErrNoRegisteredInstances, got %v", err)
	}
}

func TestMajorityVoteScenario(t *testing.T) {
	pubA, privA, _ := ed25519.GenerateKey(nil)
	pubB, privB, _ := ed25519.GenerateKey(nil)
	keys := &fakeKeys{keys: map[string]ed25519.PublicKey{
		"agent1/A": pubA,
		"agent1/B": pubB,
	}}
	ledger := &fakeLedger{}
	c := New(keys, ledger, nil)

	poll, err := c.StartPoll(context.Background(), "agent1", "ceo", []string{"HA", "HB"}, 2)
	if err != nil {
		t.Fatalf("start poll: %v", err)
	}
	if poll.QuorumRequired != 1 {
		t.Fatalf("expected quorum 1 for N=2, got %d", poll.QuorumRequired)
	}

	sigA := crypto.Sign(privA, crypto.VoteMessage(poll.PollID, "HA"))
	if err := c.Vote(context.Background(), poll.PollID, "agent1", "A", "HA", pubA, sigA); err != nil {
		t.Fatalf("vote A: %v", err)
	}

	status, err := c.Status(poll.PollID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.WinnerClaimHash != "HA" || status.Status != model.PollDecided {
		t.Fatalf("expected poll decided with winner HA, got %+v", status)
	}
	if len(ledger.resolutions) != 1 || ledger.resolutions[0].WinnerClaimHash != "HA" {
		t.Fatalf("expected exactly one resolution emitted with winner HA, got %+v", ledger.resolutions)
	}

	// A late vote from B must not change the winner (I5).
	sigB := crypto.Sign(privB, crypto.VoteMessage(poll.PollID, "HB"))
	if err := c.Vote(context.Background(), poll.PollID, "agent1", "B", "HB", pubB, sigB); err != nil {
		t.Fatalf("vote B: %v", err)
	}
	status2, _ := c.Status(poll.PollID)
	if status2.WinnerClaimHash != "HA" {
		t.Fatalf("expected winner to remain HA after a late vote, got %q", status2.WinnerClaimHash)
	}
	if len(ledger.resolutions) != 1 {
		t.Fatalf("expected no additional resolution event after poll was decided, got %d", len(ledger.resolutions))
	}
}

func TestVoteRejectsKeyMismatch(t *testing.T) {
	pubA, _, _ := ed25519.GenerateKey(nil)
	pubWrong, privWrong, _ := ed25519.GenerateKey(nil)
	keys := &fakeKeys{keys: map[string]ed25519.PublicKey{"agent1/A": pubA}}
	c := New(keys, &fakeLedger{}, nil)

	poll, _ := c.StartPoll(context.Background(), "agent1", "ceo", []string{"HA", "HB"}, 2)
	sig := crypto.Sign(privWrong, crypto.VoteMessage(poll.PollID, "HA"))

	err := c.Vote(context.Background(), poll.PollID, "agent1", "A", "HA", pubWrong, sig)
	if err != ErrKeyMismatch {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}
}

func TestVoteRejectsUnregisteredInstance(t *testing.T) {
	pubC, privC, _ := ed25519.GenerateKey(nil)
	c := New(&fakeKeys{keys: map[string]ed25519.PublicKey{}}, &fakeLedger{}, nil)

	poll, _ := c.StartPoll(context.Background(), "agent1", "ceo", []string{"HA", "HB"}, 2)
	sig := crypto.Sign(privC, crypto.VoteMessage(poll.PollID, "HA"))

	err := c.Vote(context.Background(), poll.PollID, "agent1", "C", "HA", pubC, sig)
	if err != ErrInstanceNotRegistered {
		t.Fatalf("expected ErrInstanceNotRegistered, got %v", err)
	}
}

func TestVoteRejectsCandidateNotInPoll(t *testing.T) {
	pubA, privA, _ := ed25519.GenerateKey(nil)
	keys := &fakeKeys{keys: map[string]ed25519.PublicKey{"agent1/A": pubA}}
	c := New(keys, &fakeLedger{}, nil)

	poll, _ := c.StartPoll(context.Background(), "agent1", "ceo", []string{"HA", "HB"}, 2)
	sig := crypto.Sign(privA, crypto.VoteMessage(poll.PollID, "HZ"))

	err := c.Vote(context.Background(), poll.PollID, "agent1", "A", "HZ", pubA, sig)
	if err != ErrCandidateMismatch {
		t.Fatalf("expected ErrCandidateMismatch, got %v", err)
	}
}

func TestRevoteReplacesPriorVote(t *testing.T) {
	pubA, privA, _ := ed25519.GenerateKey(nil)
	pubB, privB, _ := ed25519.GenerateKey(nil)
	pubD, privD, _ := ed25519.GenerateKey(nil)
	keys := &fakeKeys{keys: map[string]ed25519.PublicKey{
		"agent1/A": pubA, "agent1/B": pubB, "agent1/D": pubD,
	}}
	c := New(keys, &fakeLedger{}, nil)

	// N=3 -> quorum 2, so a single revote doesn't finalize on its own.
	poll, _ := c.StartPoll(context.Background(), "agent1", "ceo", []string{"HA", "HB"}, 3)

	sigA1 := crypto.Sign(privA, crypto.VoteMessage(poll.PollID, "HA"))
	if err := c.Vote(context.Background(), poll.PollID, "agent1", "A", "HA", pubA, sigA1); err != nil {
		t.Fatalf("vote A->HA: %v", err)
	}
	sigA2 := crypto.Sign(privA, crypto.VoteMessage(poll.PollID, "HB"))
	if err := c.Vote(context.Background(), poll.PollID, "agent1", "A", "HB", pubA, sigA2); err != nil {
		t.Fatalf("vote A->HB: %v", err)
	}

	status, _ := c.Status(poll.PollID)
	if len(status.Votes) != 1 || status.Votes["A"] != "HB" {
		t.Fatalf("expected A's revote to replace, not append: %+v", status.Votes)
	}
	_ = pubD
	_ = privD
	_ = privB
	_ = pubB
}
