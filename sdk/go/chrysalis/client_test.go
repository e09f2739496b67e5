package chrysalis

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	return httptest.NewServer(mux)
}

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeErrorEnvelope(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	c, err := NewClient(Config{
		BaseURL:    baseURL,
		AgentID:    "agent-1",
		InstanceID: "instance-1",
		PrivateKey: priv,
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresBaseURLAndAgentID(t *testing.T) {
	_, err := NewClient(Config{AgentID: "a"})
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "http://x"})
	assert.Error(t, err)
}

func TestClient_Register(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /registry/register": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "agent-1", body["agentId"])
			assert.Equal(t, "instance-1", body["instanceId"])
			assert.NotEmpty(t, body["publicKeyBase64"])
			assert.NotEmpty(t, body["signatureBase64"])
			writeEnvelope(w, http.StatusOK, map[string]any{
				"ok":           true,
				"registeredAt": time.Now().UTC(),
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	registeredAt, err := c.Register(context.Background())
	require.NoError(t, err)
	assert.False(t, registeredAt.IsZero())
}

func TestClient_Commit(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /ledger/commit": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "agent-1", body["agentId"])
			assert.NotEmpty(t, body["eventHash"])
			writeEnvelope(w, http.StatusOK, map[string]any{
				"txId":       "tx_1",
				"acceptedAt": time.Now().UTC(),
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	record, err := c.Commit(context.Background(), Event{
		AgentID:   "agent-1",
		EventID:   "evt-1",
		Type:      "semantic_claim",
		Primitive: "claim",
		CreatedAt: time.Now().UTC(),
		Payload:   map[string]any{"key": "value"},
	})
	require.NoError(t, err)
	assert.Equal(t, "tx_1", record.TxID)
	assert.NotEmpty(t, record.EventHash)
}

func TestClient_CommitRequiresPrivateKey(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://unused", AgentID: "agent-1"})
	require.NoError(t, err)
	_, err = c.Commit(context.Background(), Event{})
	assert.Error(t, err)
}

func TestClient_StartPollAndVote(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /semantic/poll/start": func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusOK, map[string]any{
				"pollId":         "poll-1",
				"quorumRequired": 2,
			})
		},
		"POST /semantic/poll/vote": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "poll-1", body["pollId"])
			writeEnvelope(w, http.StatusOK, map[string]any{"ok": true})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	poll, err := c.StartPoll(context.Background(), "key-1", []string{"hash-a", "hash-b"})
	require.NoError(t, err)
	assert.Equal(t, "poll-1", poll.PollID)
	assert.Equal(t, 2, poll.QuorumRequired)

	err = c.Vote(context.Background(), poll.PollID, "hash-a")
	assert.NoError(t, err)
}

func TestClient_PollStatus(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /semantic/poll/status": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "poll-1", r.URL.Query().Get("pollId"))
			writeEnvelope(w, http.StatusOK, map[string]any{
				"pollId":         "poll-1",
				"agentId":        "agent-1",
				"key":            "key-1",
				"status":         "decided",
				"quorumRequired": 2,
				"votes":          map[string]string{"instance-1": "hash-a"},
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	poll, err := c.PollStatus(context.Background(), "poll-1")
	require.NoError(t, err)
	assert.Equal(t, "decided", poll.Status)
}

func TestClient_Tail(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /ledger/tail": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "tx_5", r.URL.Query().Get("afterTxId"))
			assert.Equal(t, "10", r.URL.Query().Get("limit"))
			writeEnvelope(w, http.StatusOK, map[string]any{
				"items": []map[string]any{
					{"txId": "tx_6", "agentId": "agent-1"},
				},
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	items, err := c.Tail(context.Background(), "tx_5", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "tx_6", items[0].TxID)
}

func TestClient_RoomSnapshot(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /rooms/agent:agent-1/stream": func(w http.ResponseWriter, r *http.Request) {
			flusher := w.(http.Flusher)
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			payload, _ := json.Marshal(RoomSnapshot{
				PublicClaims: map[string]ClaimRef{"key-1": {ClaimHash: "hash-a", Value: "v"}},
			})
			_, _ = w.Write([]byte("event: snapshot\ndata: " + string(payload) + "\n\n"))
			flusher.Flush()
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	snap, err := c.RoomSnapshot(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Contains(t, snap.PublicClaims, "key-1")
	assert.Equal(t, "hash-a", snap.PublicClaims["key-1"].ClaimHash)
}

func TestClient_Health(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusOK, map[string]bool{"ok": true})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, health.OK)
}

func TestClient_ErrorResponse(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /ledger/query": func(w http.ResponseWriter, r *http.Request) {
			writeErrorEnvelope(w, http.StatusNotFound, "not_found", "record not found")
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.QueryByTxID(context.Background(), "tx_999")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
