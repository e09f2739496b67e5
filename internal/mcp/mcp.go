// Package mcp mounts a read-only Model Context Protocol tool surface over
// the ledger and projector. Every mutation still goes through the signed
// private-plane endpoints; nothing in this package can write.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/replicant-partners/chrysalis/internal/ledger"
	"github.com/replicant-partners/chrysalis/internal/projector"
	"github.com/replicant-partners/chrysalis/internal/voting"
)

const serverInstructions = `You have read access to a chrysalis coordinator: a replicated-identity
synchronization ledger for AI agent instances sharing one logical identity.

TOOLS:
- chrysalis_tx: fetch a single transaction by tx ID or event hash
- chrysalis_tail: list transactions after a given tx ID
- chrysalis_poll_status: fetch a semantic conflict poll's current status
- chrysalis_room_snapshot: fetch an agent's current converged CRDT state

All tools are read-only. To commit an event, open a poll, or cast a vote,
use the coordinator's signed private-plane HTTP endpoints instead.`

// Server wraps the MCP server over the coordinator's read surface.
type Server struct {
	mcpServer *mcpserver.MCPServer
	ledger    *ledger.Ledger
	voting    *voting.Coordinator
	projector *projector.Projector
	logger    *slog.Logger
}

// New creates and configures the MCP server with its read-only tool set.
func New(led *ledger.Ledger, vote *voting.Coordinator, proj *projector.Projector, logger *slog.Logger, version string) *Server {
	s := &Server{
		ledger:    led,
		voting:    vote,
		projector: proj,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"chrysalis",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport mounting.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
