package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/replicant-partners/chrysalis/internal/auth"
	"github.com/replicant-partners/chrysalis/internal/conflict"
	"github.com/replicant-partners/chrysalis/internal/crypto"
	"github.com/replicant-partners/chrysalis/internal/ledger"
	"github.com/replicant-partners/chrysalis/internal/model"
	"github.com/replicant-partners/chrysalis/internal/projector"
	"github.com/replicant-partners/chrysalis/internal/registry"
	"github.com/replicant-partners/chrysalis/internal/voting"
)

// maxBodyBytes bounds every request body the write endpoints accept.
const maxBodyBytes = 1 << 20 // 1 MiB

// Handlers holds the dependencies every route handler needs. All fields are
// set once at construction in New and never reassigned.
type Handlers struct {
	ledger    *ledger.Ledger
	registry  *registry.Registry
	voting    *voting.Coordinator
	conflicts *conflict.Detector
	projector *projector.Projector
	broker    *Broker
	jwtMgr    *auth.JWTManager
	logger    *slog.Logger
}

// --- POST /registry/register ---

type registerRequest struct {
	AgentID         string `json:"agentId"`
	InstanceID      string `json:"instanceId"`
	PublicKeyBase64 string `json:"publicKeyBase64"`
	Timestamp       string `json:"ts"`
	SignatureBase64 string `json:"signatureBase64"`
}

type registerResponse struct {
	OK           bool      `json:"ok"`
	RegisteredAt time.Time `json:"registeredAt"`
}

func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req, maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "malformed request body")
		return
	}
	if req.AgentID == "" || req.InstanceID == "" || req.PublicKeyBase64 == "" || req.Timestamp == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "agentId, instanceId, publicKeyBase64, and ts are required")
		return
	}

	pubKey, err := crypto.ParsePublicKey(req.PublicKeyBase64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid publicKeyBase64")
		return
	}
	sig, err := crypto.DecodeBase64Key(req.SignatureBase64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid signatureBase64")
		return
	}

	inst, err := h.registry.Register(r.Context(), req.AgentID, req.InstanceID, pubKey, req.Timestamp, sig)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidSignature) {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "registration signature does not verify")
			return
		}
		h.writeInternalError(w, r, "registry: register failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, registerResponse{OK: true, RegisteredAt: inst.RegisteredAt})
}

// --- POST /ledger/commit ---

type commitRequest struct {
	AgentID         string       `json:"agentId"`
	InstanceID      string       `json:"instanceId"`
	PublicKeyBase64 string       `json:"publicKeyBase64"`
	Event           model.Event  `json:"event"`
	EventHash       string       `json:"eventHash"`
	SignatureBase64 string       `json:"signatureBase64"`
}

type commitResponse struct {
	TxID       string    `json:"txId"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

func (h *Handlers) HandleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := decodeJSON(r, &req, maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "malformed request body")
		return
	}
	if req.AgentID == "" || req.InstanceID == "" || req.EventHash == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "agentId, instanceId, and eventHash are required")
		return
	}

	// An unregistered instance is still accepted if its commit verifies
	// against its own asserted public key — registration is an optimization
	// that lets later commits omit publicKeyBase64, not a precondition.
	verifyKey, ok := h.registry.LookupKey(req.AgentID, req.InstanceID)
	if ok {
		if req.PublicKeyBase64 != "" {
			asserted, err := crypto.ParsePublicKey(req.PublicKeyBase64)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid publicKeyBase64")
				return
			}
			if !verifyKey.Equal(asserted) {
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "publicKeyBase64 does not match registry")
				return
			}
		}
	} else {
		if req.PublicKeyBase64 == "" {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "publicKeyBase64 is required for an unregistered instance")
			return
		}
		asserted, err := crypto.ParsePublicKey(req.PublicKeyBase64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid publicKeyBase64")
			return
		}
		verifyKey = asserted
	}

	sig, err := crypto.DecodeBase64Key(req.SignatureBase64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid signatureBase64")
		return
	}

	computed, err := crypto.EventHash(req.Event)
	if err != nil || computed != req.EventHash {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "eventHash does not match canonical event encoding")
		return
	}

	record, err := h.ledger.Commit(r.Context(), ledger.CommitRequest{
		AgentID:      req.AgentID,
		InstanceID:   req.InstanceID,
		PublicKeyRaw: verifyKey,
		Event:        req.Event,
		EventHash:    req.EventHash,
		Signature:    sig,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidSignature) {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "commit signature does not verify")
			return
		}
		if errors.Is(err, ledger.ErrMalformedEvent) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
			return
		}
		h.writeInternalError(w, r, "ledger: commit failed", err)
		return
	}

	h.registry.Touch(r.Context(), req.AgentID, req.InstanceID)
	writeJSON(w, r, http.StatusOK, commitResponse{TxID: record.TxIDString(), AcceptedAt: record.AcceptedAt})
}

// --- POST /ledger/keyrotate ---

type keyRotateRequest struct {
	AgentID            string `json:"agentId"`
	InstanceID         string `json:"instanceId"`
	NewPublicKeyBase64 string `json:"newPublicKeyBase64"`
	SignatureBase64    string `json:"signatureBase64"`
}

type keyRotateResponse struct {
	TxID            string    `json:"txId"`
	AcceptedAt      time.Time `json:"acceptedAt"`
	PublicKeyBase64 string    `json:"publicKeyBase64"`
}

func (h *Handlers) HandleKeyRotate(w http.ResponseWriter, r *http.Request) {
	var req keyRotateRequest
	if err := decodeJSON(r, &req, maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "malformed request body")
		return
	}
	if req.AgentID == "" || req.InstanceID == "" || req.NewPublicKeyBase64 == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "agentId, instanceId, and newPublicKeyBase64 are required")
		return
	}

	newKey, err := crypto.ParsePublicKey(req.NewPublicKeyBase64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid newPublicKeyBase64")
		return
	}
	sig, err := crypto.DecodeBase64Key(req.SignatureBase64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid signatureBase64")
		return
	}

	event, err := h.registry.RotateKey(r.Context(), req.AgentID, req.InstanceID, newKey, req.NewPublicKeyBase64, sig)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrInstanceNotRegistered):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "instance_not_registered")
		case errors.Is(err, registry.ErrInvalidSignature):
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "key rotation signature does not verify")
		default:
			h.writeInternalError(w, r, "registry: key rotation failed", err)
		}
		return
	}

	record, err := h.ledger.AppendSystemEvent(r.Context(), req.AgentID, event)
	if err != nil {
		h.writeInternalError(w, r, "ledger: append key rotation event failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, keyRotateResponse{
		TxID:            record.TxIDString(),
		AcceptedAt:      record.AcceptedAt,
		PublicKeyBase64: req.NewPublicKeyBase64,
	})
}

// --- POST /semantic/poll/start ---

type pollStartRequest struct {
	AgentID    string   `json:"agentId"`
	Key        string   `json:"key"`
	Candidates []string `json:"candidates"`
}

type pollStartResponse struct {
	PollID         string `json:"pollId"`
	QuorumRequired int    `json:"quorumRequired"`
}

func (h *Handlers) HandlePollStart(w http.ResponseWriter, r *http.Request) {
	var req pollStartRequest
	if err := decodeJSON(r, &req, maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "malformed request body")
		return
	}
	if req.AgentID == "" || req.Key == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "agentId and key are required")
		return
	}

	n := h.registry.RegisteredInstanceCount(req.AgentID)
	poll, err := h.voting.StartPoll(r.Context(), req.AgentID, req.Key, req.Candidates, n)
	if err != nil {
		switch {
		case errors.Is(err, voting.ErrTooFewCandidates):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		case errors.Is(err, voting.ErrNoRegisteredInstances):
			// Same "cannot resolve" validation error as too-few-candidates: a
			// quorum of zero is unsatisfiable, not a conflict between peers.
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		default:
			h.writeInternalError(w, r, "voting: start poll failed", err)
		}
		return
	}

	writeJSON(w, r, http.StatusOK, pollStartResponse{PollID: poll.PollID, QuorumRequired: poll.QuorumRequired})
}

// --- POST /semantic/poll/vote ---

type pollVoteRequest struct {
	AgentID         string `json:"agentId"`
	PollID          string `json:"pollId"`
	InstanceID      string `json:"instanceId"`
	PublicKeyBase64 string `json:"publicKeyBase64"`
	ClaimHash       string `json:"claimHash"`
	SignatureBase64 string `json:"signatureBase64"`
}

type pollVoteResponse struct {
	OK bool `json:"ok"`
}

func (h *Handlers) HandlePollVote(w http.ResponseWriter, r *http.Request) {
	var req pollVoteRequest
	if err := decodeJSON(r, &req, maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "malformed request body")
		return
	}
	if req.AgentID == "" || req.PollID == "" || req.InstanceID == "" || req.ClaimHash == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "agentId, pollId, instanceId, and claimHash are required")
		return
	}

	pubKey, err := crypto.ParsePublicKey(req.PublicKeyBase64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid publicKeyBase64")
		return
	}
	sig, err := crypto.DecodeBase64Key(req.SignatureBase64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid signatureBase64")
		return
	}

	err = h.voting.Vote(r.Context(), req.PollID, req.AgentID, req.InstanceID, req.ClaimHash, pubKey, sig)
	if err != nil {
		switch {
		case errors.Is(err, voting.ErrUnknownPoll):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		case errors.Is(err, voting.ErrCandidateMismatch):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		case errors.Is(err, voting.ErrInstanceNotRegistered):
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, err.Error())
		case errors.Is(err, voting.ErrKeyMismatch), errors.Is(err, voting.ErrInvalidSignature):
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, err.Error())
		default:
			h.writeInternalError(w, r, "voting: vote failed", err)
		}
		return
	}

	writeJSON(w, r, http.StatusOK, pollVoteResponse{OK: true})
}

// --- GET /ledger/query ---

type ledgerQueryResponse struct {
	TxID       string      `json:"txId"`
	AgentID    string      `json:"agentId"`
	InstanceID string      `json:"instanceId"`
	EventHash  string      `json:"eventHash"`
	AcceptedAt time.Time   `json:"acceptedAt"`
	Event      model.Event `json:"event"`
}

func (h *Handlers) HandleLedgerQuery(w http.ResponseWriter, r *http.Request) {
	if _, err := h.checkOperatorRead(w, r); err != nil {
		return
	}

	q := r.URL.Query()
	hash := q.Get("hash")
	var txID int64
	if raw := q.Get("txId"); raw != "" {
		parsed, err := parseTxID(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "txId must be of the form tx_N")
			return
		}
		txID = parsed
	}
	if hash == "" && txID == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "txId or hash is required")
		return
	}

	record, err := h.ledger.Query(txID, hash)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "record not found")
		return
	}

	writeJSON(w, r, http.StatusOK, ledgerQueryResponse{
		TxID:       record.TxIDString(),
		AgentID:    record.AgentID,
		InstanceID: record.InstanceID,
		EventHash:  record.EventHash,
		AcceptedAt: record.AcceptedAt,
		Event:      record.Event,
	})
}

// parseTxID parses the "tx_N" external form back to its numeric sequence.
func parseTxID(s string) (int64, error) {
	if len(s) > 3 && s[:3] == "tx_" {
		s = s[3:]
	}
	return strconv.ParseInt(s, 10, 64)
}

// --- GET /ledger/tail ---

type ledgerTailResponse struct {
	Items []ledgerQueryResponse `json:"items"`
}

func (h *Handlers) HandleLedgerTail(w http.ResponseWriter, r *http.Request) {
	if _, err := h.checkOperatorRead(w, r); err != nil {
		return
	}

	q := r.URL.Query()
	var afterTxID int64
	if raw := q.Get("afterTxId"); raw != "" {
		parsed, err := parseTxID(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "afterTxId must be of the form tx_N")
			return
		}
		afterTxID = parsed
	}
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "limit must be an integer")
			return
		}
		limit = parsed
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}

	records := h.ledger.Tail(afterTxID, limit)
	items := make([]ledgerQueryResponse, 0, len(records))
	for _, record := range records {
		items = append(items, ledgerQueryResponse{
			TxID:       record.TxIDString(),
			AgentID:    record.AgentID,
			InstanceID: record.InstanceID,
			EventHash:  record.EventHash,
			AcceptedAt: record.AcceptedAt,
			Event:      record.Event,
		})
	}

	writeJSON(w, r, http.StatusOK, ledgerTailResponse{Items: items})
}

// --- GET /semantic/poll/status ---

type pollStatusResponse struct {
	PollID             string            `json:"pollId"`
	AgentID            string            `json:"agentId"`
	Key                string            `json:"key"`
	Candidates         []string          `json:"candidates"`
	QuorumRequired     int               `json:"quorumRequired"`
	Status             model.PollStatus  `json:"status"`
	Votes              map[string]string `json:"votes"`
	WinnerClaimHash    string            `json:"winnerClaimHash,omitempty"`
	SimilarClaimHashes []string          `json:"similarClaimHashes,omitempty"`
}

func (h *Handlers) HandlePollStatus(w http.ResponseWriter, r *http.Request) {
	if _, err := h.checkOperatorRead(w, r); err != nil {
		return
	}

	pollID := r.URL.Query().Get("pollId")
	if pollID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "pollId is required")
		return
	}

	poll, err := h.voting.Status(pollID)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown poll")
		return
	}

	writeJSON(w, r, http.StatusOK, pollStatusResponse{
		PollID:             poll.PollID,
		AgentID:            poll.AgentID,
		Key:                poll.Key,
		Candidates:         poll.Candidates,
		QuorumRequired:     poll.QuorumRequired,
		Status:             poll.Status,
		Votes:              poll.Votes,
		WinnerClaimHash:    poll.WinnerClaimHash,
		SimilarClaimHashes: poll.SimilarClaimHashes,
	})
}

// checkOperatorRead validates an optional operator JWT. A missing credential
// is allowed — these three endpoints are read-only and carry no secrets
// beyond what the public room stream already exposes — but a present,
// invalid one is rejected rather than silently downgraded to anonymous.
func (h *Handlers) checkOperatorRead(w http.ResponseWriter, r *http.Request) (*auth.Claims, error) {
	claims, err := operatorClaims(h.jwtMgr, r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired operator token")
		return nil, err
	}
	return claims, nil
}

// --- GET /rooms/{room}/stream ---

// HandleRoomStream serves the public plane: an SSE stream that opens with
// the room's current CRDT snapshot, then forwards every subsequent
// Broker-pushed update until the client disconnects.
func (h *Handlers) HandleRoomStream(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if room == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "room is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeInternalError(w, r, "room stream: response writer does not support flushing", fmt.Errorf("no http.Flusher"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	agentID := agentIDForRoom(room)
	initial := h.projector.Document(agentID).Snapshot()
	payload, err := json.Marshal(initial)
	if err != nil {
		h.writeInternalError(w, r, "room stream: failed to marshal initial snapshot", err)
		return
	}
	if _, err := w.Write(formatSSE("snapshot", string(payload))); err != nil {
		return
	}
	flusher.Flush()

	ch := h.broker.Subscribe(room)
	defer h.broker.Unsubscribe(room, ch)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := w.Write(formatSSE("heartbeat", "{}")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// agentIDForRoom inverts projector.Room's "agent:{agentId}" naming.
func agentIDForRoom(room string) string {
	const prefix = "agent:"
	if len(room) > len(prefix) && room[:len(prefix)] == prefix {
		return room[len(prefix):]
	}
	return room
}

// --- POST /rooms/{room}/merge ---

type roomMergeRequest struct {
	Key        string `json:"key"`
	ClaimHash  string `json:"claimHash"`
	Value      string `json:"value"`
	Confidence float64 `json:"confidence"`
	Provenance string `json:"provenance"`
}

type roomMergeResponse struct {
	OK bool `json:"ok"`
}

// HandleRoomMerge applies a peer-submitted semantic claim directly to the
// authoritative document for a room, exactly as if it had arrived via the
// ledger-tailing pipeline, then re-broadcasts. This is a deliberate
// simplification of the private plane's signed-commit path: the public room
// merge endpoint trusts the request body outright rather than requiring a
// registered instance's signature, since it exists for peers that only hold
// the public read/write surface, not a private signing key.
func (h *Handlers) HandleRoomMerge(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if room == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "room is required")
		return
	}

	var req roomMergeRequest
	if err := decodeJSON(r, &req, maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "malformed request body")
		return
	}
	if req.Key == "" || req.ClaimHash == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "key and claimHash are required")
		return
	}

	agentID := agentIDForRoom(room)
	doc := h.projector.Document(agentID)
	now := time.Now().UTC()
	doc.AddCandidate(req.Key, req.ClaimHash, now)

	if h.conflicts != nil {
		h.conflicts.Observe(r.Context(), agentID, req.ClaimHash, model.SemanticClaim{
			Key:        req.Key,
			Value:      req.Value,
			Confidence: req.Confidence,
			Provenance: req.Provenance,
		})
	}

	if h.broker != nil {
		h.broker.Broadcast(room, doc.Snapshot())
	}

	writeJSON(w, r, http.StatusOK, roomMergeResponse{OK: true})
}

// --- GET /health ---

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]bool{"ok": true})
}

// --- GET /config ---

// HandleConfig exposes the ambient, non-secret coordinator parameters a
// deploying operator needs to confirm (quorum sizing is derived from
// registered-instance count, not a fixed knob, so there is nothing
// configurable to report there).
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"maxRequestBytes": maxBodyBytes,
		"ledgerTailLimit": 1000,
	})
}
