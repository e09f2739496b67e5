package ledger

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"testing"
	"time"

	"github.com/replicant-partners/chrysalis/internal/crypto"
	"github.com/replicant-partners/chrysalis/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func signedCommit(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, agentID, instanceID, key, value string) CommitRequest {
	t.Helper()
	ev := model.Event{
		AgentID:   agentID,
		EventID:   key + "-" + value,
		Type:      model.EventSemanticClaimUpserted,
		Primitive: model.PrimitiveSemanticMemory,
		CreatedAt: time.Now().UTC(),
		Payload:   map[string]any{"key": key, "value": value, "confidence": 1.0, "provenance": "test"},
	}
	hash, err := crypto.EventHash(ev)
	if err != nil {
		t.Fatalf("hash event: %v", err)
	}
	sig := crypto.SignDigestHex(priv, hash)
	return CommitRequest{
		AgentID:      agentID,
		InstanceID:   instanceID,
		PublicKeyRaw: pub,
		Event:        ev,
		EventHash:    hash,
		Signature:    sig,
	}
}

func TestCommitAssignsMonotonicTxID(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	l := New(testLogger(), nil)

	r1, err := l.Commit(context.Background(), signedCommit(t, pub, priv, "agent1", "A", "ceo", "X"))
	if err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	r2, err := l.Commit(context.Background(), signedCommit(t, pub, priv, "agent1", "A", "ceo", "Y"))
	if err != nil {
		t.Fatalf("commit 2: %v", err)
	}
	if r2.TxID != r1.TxID+1 {
		t.Fatalf("expected monotonic txId, got %d then %d", r1.TxID, r2.TxID)
	}
}

func TestCommitRejectsFlippedSignatureBit(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	l := New(testLogger(), nil)

	req := signedCommit(t, pub, priv, "agent1", "A", "ceo", "X")
	req.Signature[0] ^= 0x01

	_, err := l.Commit(context.Background(), req)
	if err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestCommitIsIdempotentOnDuplicateHash(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	l := New(testLogger(), nil)

	req := signedCommit(t, pub, priv, "agent1", "A", "ceo", "X")
	first, err := l.Commit(context.Background(), req)
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	second, err := l.Commit(context.Background(), req)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if second.TxID != first.TxID || second.AcceptedAt != first.AcceptedAt {
		t.Fatalf("expected idempotent replay to return the original record, got %+v vs %+v", first, second)
	}
	if l.Len() != 1 {
		t.Fatalf("expected exactly one record after duplicate commit, got %d", l.Len())
	}
}

func TestQueryByHashAndTxID(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	l := New(testLogger(), nil)

	req := signedCommit(t, pub, priv, "agent1", "A", "ceo", "X")
	committed, err := l.Commit(context.Background(), req)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	byHash, err := l.Query(0, committed.EventHash)
	if err != nil || byHash.TxID != committed.TxID {
		t.Fatalf("query by hash: %+v, %v", byHash, err)
	}
	byTx, err := l.Query(committed.TxID, "")
	if err != nil || byTx.EventHash != committed.EventHash {
		t.Fatalf("query by txId: %+v, %v", byTx, err)
	}

	if _, err := l.Query(0, "does-not-exist"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTailIsStableAndEmptyPastEnd(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	l := New(testLogger(), nil)

	for i := 0; i < 100; i++ {
		req := signedCommit(t, pub, priv, "agent1", "A", "k", string(rune('a'+i%26))+string(rune(i)))
		if _, err := l.Commit(context.Background(), req); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	first := l.Tail(0, 50)
	if len(first) != 50 || first[0].TxID != 1 {
		t.Fatalf("expected first 50 records starting at tx 1, got %d records starting at %d", len(first), first[0].TxID)
	}
	second := l.Tail(50, 50)
	if len(second) != 50 || second[0].TxID != 51 {
		t.Fatalf("expected next 50 records starting at tx 51, got %d records starting at %d", len(second), second[0].TxID)
	}
	past := l.Tail(100, 50)
	if len(past) != 0 {
		t.Fatalf("expected empty tail past the end, got %d records", len(past))
	}

	repeat := l.Tail(0, 50)
	for i := range repeat {
		if repeat[i].EventHash != first[i].EventHash {
			t.Fatalf("tail was not stable on repeat call at index %d", i)
		}
	}
}

func TestAppendResolutionPersistsPollSummary(t *testing.T) {
	l := New(testLogger(), nil)

	resolution := model.Resolution{
		Key:                   "ceo",
		WinnerClaimHash:       "hash-a",
		SuppressedClaimHashes: []string{"hash-b"},
		DecidedBy:             model.DecidedByPoll,
		Poll: &model.PollSummary{
			QuorumRequired: 2,
			QuorumReached:  2,
			Votes:          map[string]string{"A": "hash-a", "B": "hash-a"},
		},
	}
	if err := l.AppendResolution(context.Background(), "agent1", resolution); err != nil {
		t.Fatalf("append resolution: %v", err)
	}

	records := l.Tail(0, 1)
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	poll, ok := records[0].Event.Payload["poll"]
	if !ok {
		t.Fatalf("expected payload to carry a poll summary, got %+v", records[0].Event.Payload)
	}
	summary, ok := poll.(*model.PollSummary)
	if !ok {
		t.Fatalf("expected *model.PollSummary, got %T", poll)
	}
	if summary.QuorumRequired != 2 || summary.QuorumReached != 2 || len(summary.Votes) != 2 {
		t.Fatalf("unexpected poll summary: %+v", summary)
	}
}

func TestRestoreRebuildsIndexesAndNextTxID(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	source := New(testLogger(), nil)
	for i := 0; i < 5; i++ {
		req := signedCommit(t, pub, priv, "agent1", "A", "k", string(rune('a'+i)))
		if _, err := source.Commit(context.Background(), req); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	restored := New(testLogger(), nil)
	restored.Restore(source.Tail(0, 1000))

	if restored.Len() != source.Len() {
		t.Fatalf("expected restored ledger to have %d records, got %d", source.Len(), restored.Len())
	}

	req := signedCommit(t, pub, priv, "agent1", "A", "k", "next")
	r, err := restored.Commit(context.Background(), req)
	if err != nil {
		t.Fatalf("commit after restore: %v", err)
	}
	if r.TxID != 6 {
		t.Fatalf("expected next commit after restore to get txId 6, got %d", r.TxID)
	}
}
