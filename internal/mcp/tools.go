package mcp

import (
	"context"
	"encoding/json"
	"strconv"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("chrysalis_tx",
			mcplib.WithDescription(`Fetch a single transaction from the ledger by tx ID or event hash.

WHEN TO USE: to inspect exactly what a specific commit recorded — its event
payload, which instance submitted it, and when it was accepted. Provide
exactly one of tx_id (the "tx_N" form) or event_hash.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("tx_id",
				mcplib.Description(`Transaction ID in "tx_N" form, e.g. "tx_42".`),
			),
			mcplib.WithString("event_hash",
				mcplib.Description("SHA-384 event hash, as returned by a prior commit or tail call."),
			),
		),
		s.handleTx,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("chrysalis_tail",
			mcplib.WithDescription(`List ledger transactions after a given tx ID, oldest first.

WHEN TO USE: to page through recent ledger activity for an agent, or to
resume consuming the ledger from a known watermark. Pass after_tx_id="tx_0"
(or omit it) to start from the beginning.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("after_tx_id",
				mcplib.Description(`Return transactions strictly after this tx ID, in "tx_N" form. Defaults to "tx_0".`),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of transactions to return."),
				mcplib.Min(1),
				mcplib.Max(1000),
				mcplib.DefaultNumber(100),
			),
		),
		s.handleTail,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("chrysalis_poll_status",
			mcplib.WithDescription(`Fetch a semantic conflict poll's current status: candidates, quorum
required, votes cast so far, and the winning claim hash once decided.

WHEN TO USE: after opening or voting on a poll, to check whether it has
reached quorum yet.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("poll_id",
				mcplib.Description("The poll's ID, as returned when the poll was opened."),
				mcplib.Required(),
			),
		),
		s.handlePollStatus,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("chrysalis_room_snapshot",
			mcplib.WithDescription(`Fetch an agent's current converged CRDT state: public claims, semantic
poll candidates, the suppression set, skills, and profile fields.

WHEN TO USE: to see the authoritative merged view for an agent's replicated
instances, the same state the public-plane room stream opens with.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description(`The agent ID, or its room form ("agent:<agentId>") — both are accepted.`),
				mcplib.Required(),
			),
		),
		s.handleRoomSnapshot,
	)
}

func (s *Server) handleTx(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	txIDRaw := req.GetString("tx_id", "")
	hash := req.GetString("event_hash", "")
	if txIDRaw == "" && hash == "" {
		return errorResult("one of tx_id or event_hash is required"), nil
	}

	var txID int64
	if txIDRaw != "" {
		parsed, err := parseTxID(txIDRaw)
		if err != nil {
			return errorResult("tx_id must be of the form tx_N"), nil
		}
		txID = parsed
	}

	record, err := s.ledger.Query(txID, hash)
	if err != nil {
		return errorResult("transaction not found"), nil
	}
	return jsonResult(record)
}

func (s *Server) handleTail(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var afterTxID int64
	if raw := req.GetString("after_tx_id", ""); raw != "" {
		parsed, err := parseTxID(raw)
		if err != nil {
			return errorResult("after_tx_id must be of the form tx_N"), nil
		}
		afterTxID = parsed
	}
	limit := int(req.GetFloat("limit", 100))
	if limit < 1 {
		limit = 1
	}

	records := s.ledger.Tail(afterTxID, limit)
	return jsonResult(records)
}

func (s *Server) handlePollStatus(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	pollID := req.GetString("poll_id", "")
	if pollID == "" {
		return errorResult("poll_id is required"), nil
	}

	poll, err := s.voting.Status(pollID)
	if err != nil {
		return errorResult("unknown poll"), nil
	}
	return jsonResult(poll)
}

func (s *Server) handleRoomSnapshot(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return errorResult("agent_id is required"), nil
	}
	agentID = stripRoomPrefix(agentID)

	snapshot := s.projector.Document(agentID).Snapshot()
	return jsonResult(snapshot)
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return errorResult("failed to marshal result"), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(payload)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func parseTxID(s string) (int64, error) {
	if len(s) > 3 && s[:3] == "tx_" {
		s = s[3:]
	}
	return strconv.ParseInt(s, 10, 64)
}

func stripRoomPrefix(room string) string {
	const prefix = "agent:"
	if len(room) > len(prefix) && room[:len(prefix)] == prefix {
		return room[len(prefix):]
	}
	return room
}
