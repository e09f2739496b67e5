package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/replicant-partners/chrysalis/internal/auth"
	"github.com/replicant-partners/chrysalis/internal/conflict"
	"github.com/replicant-partners/chrysalis/internal/ledger"
	"github.com/replicant-partners/chrysalis/internal/model"
	"github.com/replicant-partners/chrysalis/internal/projector"
	"github.com/replicant-partners/chrysalis/internal/ratelimit"
	"github.com/replicant-partners/chrysalis/internal/registry"
	"github.com/replicant-partners/chrysalis/internal/voting"
)

// Server is the coordinator's HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds the dependencies and HTTP settings needed to build a
// Server. Ledger, Registry, Voting, and Logger are required; JWTMgr, Broker,
// and RateLimiter are optional and degrade gracefully when nil.
type ServerConfig struct {
	Ledger    *ledger.Ledger
	Registry  *registry.Registry
	Voting    *voting.Coordinator
	Conflicts *conflict.Detector
	Projector *projector.Projector
	Logger    *slog.Logger

	JWTMgr      *auth.JWTManager     // optional: enables operator-JWT read access
	Broker      *Broker              // optional: public-plane room fan-out
	RateLimiter *ratelimit.Limiter   // optional: nil disables instance-level rate limiting
	MCPServer   *mcpserver.MCPServer // optional: mounts the read-only MCP tool surface at /mcp

	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	CORSAllowedOrigins []string

	// ExtraRoutes are registered on the shared mux after the built-in route
	// table, each given a RoleMiddlewareFn to gate its own routes.
	ExtraRoutes []func(*http.ServeMux, RoleMiddlewareFn)
	// Middlewares wrap the root handler outermost, in registration order
	// (first-registered = outermost, sees every request first).
	Middlewares []func(http.Handler) http.Handler
}

// New creates a Server with the full §6 route table and middleware chain.
func New(cfg ServerConfig) *Server {
	h := &Handlers{
		ledger:    cfg.Ledger,
		registry:  cfg.Registry,
		voting:    cfg.Voting,
		conflicts: cfg.Conflicts,
		projector: cfg.Projector,
		broker:    cfg.Broker,
		jwtMgr:    cfg.JWTMgr,
		logger:    cfg.Logger,
	}

	mux := http.NewServeMux()

	commitLimit := ratelimit.Rule{Prefix: "ledger_commit", Limit: 120, Window: time.Minute}
	voteLimit := ratelimit.Rule{Prefix: "poll_vote", Limit: 60, Window: time.Minute}
	rateLimited := func(rule ratelimit.Rule, next http.Handler) http.Handler {
		return ratelimit.MiddlewareWithRequestID(cfg.RateLimiter, rule, instanceKeyFunc, requestIDFunc)(next)
	}

	// Private plane — authenticated writes (§6.1). Write endpoints authenticate
	// via the Ed25519 signature embedded in the request body itself (§6.2);
	// they carry no separate bearer-token middleware.
	mux.Handle("POST /registry/register", http.HandlerFunc(h.HandleRegister))
	mux.Handle("POST /ledger/commit", rateLimited(commitLimit, http.HandlerFunc(h.HandleCommit)))
	mux.Handle("POST /ledger/keyrotate", http.HandlerFunc(h.HandleKeyRotate))
	mux.Handle("POST /semantic/poll/start", http.HandlerFunc(h.HandlePollStart))
	mux.Handle("POST /semantic/poll/vote", rateLimited(voteLimit, http.HandlerFunc(h.HandlePollVote)))

	// Read endpoints accept either no credential or an optional operator JWT
	// (§11); the handlers themselves decide whether a missing/expired token
	// still permits the read, so no auth middleware gates these routes.
	mux.Handle("GET /ledger/query", http.HandlerFunc(h.HandleLedgerQuery))
	mux.Handle("GET /ledger/tail", http.HandlerFunc(h.HandleLedgerTail))
	mux.Handle("GET /semantic/poll/status", http.HandlerFunc(h.HandlePollStatus))

	// Public plane — streaming reads (§6.3). No authentication by design.
	mux.Handle("GET /rooms/{room}/stream", http.HandlerFunc(h.HandleRoomStream))
	mux.Handle("POST /rooms/{room}/merge", http.HandlerFunc(h.HandleRoomMerge))

	// Ambient operational endpoints.
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /config", h.HandleConfig)

	// Extra routes from embedding callers, each gated by its own role choice.
	roleFn := RoleMiddlewareFn(func(role model.OperatorRole) func(http.Handler) http.Handler {
		return requireOperatorRole(cfg.JWTMgr, role)
	})
	for _, fn := range cfg.ExtraRoutes {
		fn(mux, roleFn)
	}

	// MCP read-only tool surface, gated behind an operator-reader token.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", roleFn(model.RoleOperatorReader)(mcpHTTP))
	}

	// Middleware chain (outermost executes first): request ID → security
	// headers → CORS → tracing → logging → recovery → mux. Per-route rate
	// limiting is applied above, in the route table, rather than globally, so
	// /health and the room stream are never throttled.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  orDefault(cfg.ReadTimeout, 30*time.Second),
			WriteTimeout: orDefault(cfg.WriteTimeout, 60*time.Second), // generous: covers SSE heartbeats
			IdleTimeout:  2 * orDefault(cfg.ReadTimeout, 30*time.Second),
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// instanceKeyFunc rate-limits by (agentId, instanceId) per §11, rather than
// by IP, since the private plane's real actors are signing instances. No
// caller sets identifying headers — the private plane authenticates via a
// signature embedded in the JSON body (§6.2) — so the key is read from the
// body itself. The body is restored afterward so the handler can still
// decode it in full.
func instanceKeyFunc(r *http.Request) string {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var ids struct {
		AgentID    string `json:"agentId"`
		InstanceID string `json:"instanceId"`
	}
	if err := json.Unmarshal(body, &ids); err != nil || ids.AgentID == "" {
		return ""
	}
	return ids.AgentID + "/" + ids.InstanceID
}

func requestIDFunc(r *http.Request) string {
	return RequestIDFromContext(r.Context())
}

// Handlers returns the underlying Handlers, e.g. for warm-start wiring.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
