package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	msg := RegistrationMessage("agent1", "A", "2026-01-01T00:00:00Z")
	sig := Sign(priv, msg)

	if !Verify(pub, msg, sig) {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyRejectsFlippedBit(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	msg := VoteMessage("poll1", "hash1")
	sig := Sign(priv, msg)
	sig[0] ^= 0x01

	if Verify(pub, msg, sig) {
		t.Fatal("expected flipped-bit signature to fail verification")
	}
}

func TestCanonicalJSONStableKeyOrder(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	b := map[string]any{"c": map[string]any{"y": 2, "z": 1}, "a": 2, "b": 1}

	ca, err := CanonicalJSON(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	cb, err := CanonicalJSON(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}

	if string(ca) != string(cb) {
		t.Fatalf("expected identical canonical bytes for equivalent maps, got %q vs %q", ca, cb)
	}
	want := `{"a":2,"b":1,"c":{"y":2,"z":1}}`
	if string(ca) != want {
		t.Fatalf("canonical JSON = %q, want %q", ca, want)
	}
}

func TestEventHashDeterministic(t *testing.T) {
	event := map[string]any{"type": "SkillAdded", "payload": map[string]any{"name": "x"}}

	h1, err := EventHash(event)
	if err != nil {
		t.Fatalf("hash 1: %v", err)
	}
	h2, err := EventHash(event)
	if err != nil {
		t.Fatalf("hash 2: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected deterministic hash, got %q != %q", h1, h2)
	}
	if len(h1) != 96 {
		t.Fatalf("expected 96 hex chars for SHA-384, got %d", len(h1))
	}
}

func TestDecodeBase64KeyAcceptsPaddedAndUnpadded(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	padded := EncodeBase64(pub)
	unpadded := padded
	for len(unpadded) > 0 && unpadded[len(unpadded)-1] == '=' {
		unpadded = unpadded[:len(unpadded)-1]
	}

	decodedPadded, err := DecodeBase64Key(padded)
	if err != nil {
		t.Fatalf("decode padded: %v", err)
	}
	decodedUnpadded, err := DecodeBase64Key(unpadded)
	if err != nil {
		t.Fatalf("decode unpadded: %v", err)
	}

	if string(decodedPadded) != string(decodedUnpadded) {
		t.Fatal("padded and unpadded decodings should match")
	}
	if string(decodedPadded) != string(pub) {
		t.Fatal("decoded bytes should match original public key")
	}
}
