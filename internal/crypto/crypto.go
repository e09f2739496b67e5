// Package crypto provides the Ed25519 signing and SHA-384 hashing primitives
// that every signed message in the coordinator (registration, event commit,
// key rotation, vote) is built on, plus the canonical JSON encoding events
// are hashed from.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidSignature is returned by Verify (and anything built on it) when a
// signature does not verify under the given public key.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// Digest384 returns the 48-byte SHA-384 digest of msg.
func Digest384(msg []byte) [48]byte {
	return sha512.Sum384(msg)
}

// Sign signs the SHA-384 digest of msg with priv, returning the raw Ed25519
// signature bytes. The signature covers the digest, not msg itself — callers
// that need to verify against a hex digest string should use SignDigest.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	digest := Digest384(msg)
	return ed25519.Sign(priv, digest[:])
}

// Verify reports whether sig is a valid Ed25519 signature over the SHA-384
// digest of msg under pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	digest := Digest384(msg)
	return ed25519.Verify(pub, digest[:], sig)
}

// VerifyOrError is Verify wrapped to return ErrInvalidSignature on mismatch,
// for use directly in error-returning call chains.
func VerifyOrError(pub ed25519.PublicKey, msg, sig []byte) error {
	if !Verify(pub, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// SignDigestHex signs a pre-computed digest, given as a lowercase hex string,
// as required for event commits (§6.2: the signature covers the hex-encoded
// digest of the canonical event, not the event bytes themselves).
func SignDigestHex(priv ed25519.PrivateKey, digestHex string) []byte {
	return ed25519.Sign(priv, []byte(digestHex))
}

// VerifyDigestHex verifies a signature produced by SignDigestHex.
func VerifyDigestHex(pub ed25519.PublicKey, digestHex string, sig []byte) bool {
	return ed25519.Verify(pub, []byte(digestHex), sig)
}

// RegistrationMessage builds the exact message registration signatures cover:
// "{agentId}:{instanceId}:{ts}".
func RegistrationMessage(agentID, instanceID, ts string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s", agentID, instanceID, ts))
}

// KeyRotationMessage builds the exact message key-rotation signatures cover:
// "{agentId}:{instanceId}:keyrotate:{newPublicKeyBase64}".
func KeyRotationMessage(agentID, instanceID, newPublicKeyBase64 string) []byte {
	return []byte(fmt.Sprintf("%s:%s:keyrotate:%s", agentID, instanceID, newPublicKeyBase64))
}

// VoteMessage builds the exact message vote signatures cover: "{pollId}:{claimHash}".
func VoteMessage(pollID, claimHash string) []byte {
	return []byte(fmt.Sprintf("%s:%s", pollID, claimHash))
}

// CanonicalJSON produces a deterministic JSON encoding of v: object keys are
// sorted and re-emitted in sorted order at every nesting level, so that
// identical logical payloads always produce identical bytes regardless of
// map iteration order or field insertion order upstream.
func CanonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, fmt.Errorf("crypto: canonicalize: %w", err)
	}
	return json.Marshal(normalized)
}

// normalize round-trips v through encoding/json to obtain a generic
// map[string]any/[]any/scalar tree, then wraps every map in an orderedMap so
// json.Marshal emits keys in sorted order. This is the simplest reliable way
// to get stable key order regardless of the input struct's field order or a
// map's iteration order.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return normalizeValue(generic), nil
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		om := orderedMap{keys: keys, values: make(map[string]any, len(t))}
		for _, k := range keys {
			om.values[k] = normalizeValue(t[k])
		}
		return om
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return t
	}
}

// orderedMap marshals to JSON with keys emitted in the order recorded in keys,
// rather than Go's default (alphabetical-by-map-iteration, which is actually
// what encoding/json already does for map[string]any — but we build this
// explicitly so the sort order is guaranteed and independent of that
// implementation detail).
type orderedMap struct {
	keys   []string
	values map[string]any
}

func (om orderedMap) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, '{')
	for i, k := range om.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		vb, err := json.Marshal(om.values[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// EventHash returns the lowercase hex SHA-384 digest of the canonical JSON
// encoding of event, as defined in §6.2.
func EventHash(event any) (string, error) {
	canon, err := CanonicalJSON(event)
	if err != nil {
		return "", err
	}
	digest := sha512.Sum384(canon)
	return hex.EncodeToString(digest[:]), nil
}

// DecodeBase64Key decodes a public key or signature transported as either
// padded or unpadded standard base64, per §6.2.
func DecodeBase64Key(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode base64: %w", err)
	}
	return b, nil
}

// EncodeBase64 emits padded standard base64, per §6.2's "emit padded" rule.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// ParsePublicKey decodes and validates an Ed25519 public key transported as
// base64 (padded or unpadded).
func ParsePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := DecodeBase64Key(b64)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("crypto: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
