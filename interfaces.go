package chrysalis

import (
	"context"
	"net/http"
)

// EmbeddingProvider generates vector embeddings from text. When provided via
// WithEmbeddingProvider, replaces the auto-detected Ollama/OpenAI/noop provider
// used by the conflict detector's near-duplicate claim enrichment.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// EmpiricalResolver is the pluggable "ground truth" resolution path described
// in the voting coordinator's alternate resolution path: called before a poll
// is opened for a conflicting key; if it returns a winner, no poll is opened
// and a ResolutionEvent with decidedBy="ground_truth_service" is emitted
// directly. Returning ("", false, nil) means "no decision" and the normal
// poll path proceeds.
type EmpiricalResolver interface {
	Resolve(ctx context.Context, agentID, key string, candidates []SemanticClaim) (winnerClaimHash string, decided bool, err error)
}

// EventHook is the interface accepted by WithEventHook for ledger commit and
// resolution notifications. Multiple hooks may be passed via multiple
// WithEventHook calls. The App stores registered hooks but does not invoke
// OnCommit or OnResolution.
type EventHook interface {
	OnCommit(ctx context.Context, record TxRecord) error
	OnResolution(ctx context.Context, agentID string, resolution Resolution) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// The function is called once during New() after the built-in API routes are
// registered and before the /mcp mount.
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper provides operator-role middleware for use in RouteRegistrar,
// without requiring enterprise code to depend on internal/server directly.
type AuthHelper interface {
	RequireRole(role OperatorRole) func(http.Handler) http.Handler
}

// Middleware wraps the root HTTP handler. Applied outermost (before routing),
// so it sees all requests including /health. Multiple middlewares are applied
// in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
