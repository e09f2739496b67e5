package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicant-partners/chrysalis/internal/crdt"
	"github.com/replicant-partners/chrysalis/internal/ledger"
	"github.com/replicant-partners/chrysalis/internal/model"
	"github.com/replicant-partners/chrysalis/internal/projector"
	"github.com/replicant-partners/chrysalis/internal/testutil"
	"github.com/replicant-partners/chrysalis/internal/voting"
)

// noopBroadcaster discards every broadcast; the test never starts the
// projector's background loop, so nothing is ever published to it anyway.
type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(string, crdt.Snapshot) {}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := testutil.TestLogger()

	led := ledger.New(logger, nil)
	led.Restore([]model.TxRecord{
		{
			TxID:       1,
			AgentID:    "agent-1",
			InstanceID: "instance-a",
			EventHash:  "deadbeef",
			AcceptedAt: time.Now().UTC(),
			Event: model.Event{
				AgentID:   "agent-1",
				EventID:   "evt-1",
				Type:      model.EventPersonaUpdated,
				Primitive: model.PrimitivePersona,
				CreatedAt: time.Now().UTC(),
				Payload:   map[string]any{"name": "scout"},
			},
		},
	})

	vote := voting.New(nil, led, nil)
	_, err := vote.StartPoll(context.Background(), "agent-1", "tone", []string{"hash-a", "hash-b"}, 2)
	require.NoError(t, err)

	proj := projector.New(led, nil, noopBroadcaster{}, logger, 0, 0)

	return New(led, vote, proj, logger, "test")
}

func callTool(t *testing.T, s *Server, handler func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error), args map[string]any) *mcplib.CallToolResult {
	t.Helper()
	req := mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Arguments: args,
		},
	}
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	return res
}

func textOf(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestHandleTxByID(t *testing.T) {
	s := newTestServer(t)
	res := callTool(t, s, s.handleTx, map[string]any{"tx_id": "tx_1"})
	require.False(t, res.IsError)

	var record model.TxRecord
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &record))
	assert.Equal(t, "agent-1", record.AgentID)
	assert.Equal(t, "deadbeef", record.EventHash)
}

func TestHandleTxByHash(t *testing.T) {
	s := newTestServer(t)
	res := callTool(t, s, s.handleTx, map[string]any{"event_hash": "deadbeef"})
	require.False(t, res.IsError)

	var record model.TxRecord
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &record))
	assert.Equal(t, int64(1), record.TxID)
}

func TestHandleTxRequiresSelector(t *testing.T) {
	s := newTestServer(t)
	res := callTool(t, s, s.handleTx, map[string]any{})
	assert.True(t, res.IsError)
}

func TestHandleTxNotFound(t *testing.T) {
	s := newTestServer(t)
	res := callTool(t, s, s.handleTx, map[string]any{"tx_id": "tx_999"})
	assert.True(t, res.IsError)
}

func TestHandleTail(t *testing.T) {
	s := newTestServer(t)
	res := callTool(t, s, s.handleTail, map[string]any{"after_tx_id": "tx_0"})
	require.False(t, res.IsError)

	var records []model.TxRecord
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "agent-1", records[0].AgentID)
}

func TestHandlePollStatus(t *testing.T) {
	s := newTestServer(t)
	pollID, ok := s.voting.OpenPollFor("agent-1", "tone")
	require.True(t, ok)

	res := callTool(t, s, s.handlePollStatus, map[string]any{"poll_id": pollID})
	require.False(t, res.IsError)

	var poll model.Poll
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &poll))
	assert.Equal(t, "agent-1", poll.AgentID)
	assert.Equal(t, "tone", poll.Key)
}

func TestHandlePollStatusUnknown(t *testing.T) {
	s := newTestServer(t)
	res := callTool(t, s, s.handlePollStatus, map[string]any{"poll_id": "nope"})
	assert.True(t, res.IsError)
}

func TestHandleRoomSnapshotAcceptsRoomPrefix(t *testing.T) {
	s := newTestServer(t)
	direct := callTool(t, s, s.handleRoomSnapshot, map[string]any{"agent_id": "agent-1"})
	prefixed := callTool(t, s, s.handleRoomSnapshot, map[string]any{"agent_id": "agent:agent-1"})

	require.False(t, direct.IsError)
	require.False(t, prefixed.IsError)
	assert.Equal(t, textOf(t, direct), textOf(t, prefixed))
}
