package crdt

import (
	"testing"
	"time"
)

func TestAddCandidateSingleCandidateFastPath(t *testing.T) {
	d := NewDocument()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	applied := d.AddCandidate("country", "hash-fr", now)
	if !applied {
		t.Fatal("expected single-candidate fast path to apply")
	}

	snap := d.Snapshot()
	claim, ok := snap.PublicClaims["country"]
	if !ok || claim.ClaimHash != "hash-fr" {
		t.Fatalf("expected publicClaims[country] = hash-fr, got %+v", claim)
	}
}

func TestAddCandidateSecondDistinctDoesNotOverwritePublicClaim(t *testing.T) {
	d := NewDocument()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	d.AddCandidate("ceo", "HA", now)
	applied := d.AddCandidate("ceo", "HB", now.Add(time.Second))
	if applied {
		t.Fatal("second distinct candidate must not trigger the fast path")
	}

	snap := d.Snapshot()
	if snap.PublicClaims["ceo"].ClaimHash != "HA" {
		t.Fatalf("expected first candidate to remain the implicit public claim until a resolution arrives, got %+v", snap.PublicClaims["ceo"])
	}
}

func TestAddCandidateIdempotent(t *testing.T) {
	d := NewDocument()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	d.AddCandidate("ceo", "HA", now)
	d.AddCandidate("ceo", "HA", now) // replay

	snap := d.Snapshot()
	if len(snap.SemanticCandidates["ceo"]) != 1 {
		t.Fatalf("expected exactly one candidate after replay, got %v", snap.SemanticCandidates["ceo"])
	}
}

func TestApplyResolutionSetsWinnerAndSuppresses(t *testing.T) {
	d := NewDocument()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	d.AddCandidate("ceo", "HA", now)
	d.AddCandidate("ceo", "HB", now)
	d.ApplyResolution("ceo", "HA", []string{"HB"}, now.Add(time.Minute))

	snap := d.Snapshot()
	if snap.PublicClaims["ceo"].ClaimHash != "HA" {
		t.Fatalf("expected winner HA, got %+v", snap.PublicClaims["ceo"])
	}
	if !contains(snap.SuppressionSet, "HB") {
		t.Fatalf("expected HB in suppression set, got %v", snap.SuppressionSet)
	}
	if snap.SemanticCandidates["ceo"][0] != "HA" {
		t.Fatalf("expected winner first in candidate list, got %v", snap.SemanticCandidates["ceo"])
	}
}

func TestApplyResolutionIdempotentOnReplay(t *testing.T) {
	d := NewDocument()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	d.AddCandidate("ceo", "HA", now)
	d.AddCandidate("ceo", "HB", now)
	d.ApplyResolution("ceo", "HA", []string{"HB"}, now.Add(time.Minute))
	first := d.Snapshot()
	d.ApplyResolution("ceo", "HA", []string{"HB"}, now.Add(time.Minute))
	second := d.Snapshot()

	if len(first.SemanticCandidates["ceo"]) != len(second.SemanticCandidates["ceo"]) {
		t.Fatalf("replaying a resolution changed candidate count: %v vs %v",
			first.SemanticCandidates["ceo"], second.SemanticCandidates["ceo"])
	}
}

func TestUpsertSkillLWWIgnoresStaleUpdate(t *testing.T) {
	d := NewDocument()
	newer := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	d.UpsertSkill(Skill{Name: "go", Status: "active", UpdatedAt: newer})
	d.UpsertSkill(Skill{Name: "go", Status: "deprecated", UpdatedAt: older})

	snap := d.Snapshot()
	if snap.Skills["go"].Status != "active" {
		t.Fatalf("expected newer write to win, got status %q", snap.Skills["go"].Status)
	}
}

func TestUpsertProfileFieldPerFieldLWW(t *testing.T) {
	d := NewDocument()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	d.UpsertProfileField("designation", "Replicant A", t2)
	d.UpsertProfileField("designation", "Replicant B", t1) // stale, must not overwrite

	snap := d.Snapshot()
	if snap.AgentProfile["designation"] != "Replicant A" {
		t.Fatalf("expected newest write to win, got %q", snap.AgentProfile["designation"])
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
