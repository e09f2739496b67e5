// Package chrysalis is the public API for embedding the replication
// coordinator described in this repository.
//
// Enterprise and plugin consumers import this package to construct and
// extend the coordinator without forking it:
//
//	app, err := chrysalis.New(
//	    chrysalis.WithVersion(version),
//	    chrysalis.WithLogger(logger),
//	    chrysalis.WithEventHook(myEventHook{}),
//	    chrysalis.WithExtraRoutes(myExtraRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: chrysalis (root) imports
// internal/*, but internal/* never imports chrysalis (root). Public types
// (TxRecord, Poll, Resolution, etc.) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package chrysalis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/replicant-partners/chrysalis/internal/auth"
	"github.com/replicant-partners/chrysalis/internal/config"
	"github.com/replicant-partners/chrysalis/internal/conflict"
	"github.com/replicant-partners/chrysalis/internal/embedding"
	"github.com/replicant-partners/chrysalis/internal/integrity"
	"github.com/replicant-partners/chrysalis/internal/ledger"
	"github.com/replicant-partners/chrysalis/internal/mcp"
	"github.com/replicant-partners/chrysalis/internal/model"
	"github.com/replicant-partners/chrysalis/internal/projector"
	"github.com/replicant-partners/chrysalis/internal/ratelimit"
	"github.com/replicant-partners/chrysalis/internal/registry"
	"github.com/replicant-partners/chrysalis/internal/search"
	"github.com/replicant-partners/chrysalis/internal/server"
	"github.com/replicant-partners/chrysalis/internal/storage"
	"github.com/replicant-partners/chrysalis/internal/telemetry"
	"github.com/replicant-partners/chrysalis/internal/voting"
	"github.com/replicant-partners/chrysalis/migrations"
)

// App is the coordinator's lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg config.Config

	db         *storage.DB // nil when DatabaseURL could not be reached; warm-start is skipped
	ledger     *ledger.Ledger
	registry   *registry.Registry
	voting     *voting.Coordinator
	conflicts  *conflict.Detector
	projector  *projector.Projector
	srv        *server.Server
	broker     *server.Broker
	claimIndex *search.ClaimIndex // nil when Qdrant is not configured
	limiter    *ratelimit.Limiter
	redis      *redis.Client // nil when rate limiting runs in noop mode

	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the coordinator. It loads configuration, wires every
// subsystem together, and returns a ready-to-run App. It does NOT start any
// goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("chrysalis starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Event WAL — the only state that must survive a restart (§ write-ahead log).
	var wal *ledger.WAL
	if cfg.WALDir != "" {
		if err := os.MkdirAll(cfg.WALDir, 0o750); err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("event WAL: create directory %s: %w", cfg.WALDir, err)
		}
		wal, err = ledger.NewWAL(logger, ledger.WALConfig{
			Dir:            cfg.WALDir,
			SyncMode:       cfg.WALSyncMode,
			SyncInterval:   cfg.WALSyncInterval,
			MaxSegmentSize: cfg.WALMaxSegmentSize,
			MaxSegmentRecs: cfg.WALMaxSegmentRecs,
		})
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("event WAL: %w", err)
		}
		logger.Info("write-ahead log", "enabled", true, "dir", cfg.WALDir, "sync_mode", cfg.WALSyncMode)
	} else {
		logger.Warn("write-ahead log", "enabled", false, "reason", "CHRYSALIS_WAL_DIR unset",
			"risk", "committed events will be lost on crash")
	}

	led := ledger.New(logger, wal)
	if wal != nil {
		records, err := wal.Recover()
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("event WAL: recover: %w", err)
		}
		led.Restore(records)
		if len(records) > 0 {
			logger.Info("ledger: restored from write-ahead log", "records", len(records))
		}
	}

	// Database — warm-starts the instance registry and backs the Merkle
	// checkpoint. The ledger itself does not depend on it.
	var db *storage.DB
	if cfg.DatabaseURL != "" {
		db, err = storage.New(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			logger.Warn("storage: unreachable, registry will not warm-start", "error", err)
			db = nil
		} else if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}

	var reg *registry.Registry
	if db != nil {
		reg = registry.New(db)
		if err := reg.WarmStart(context.Background()); err != nil {
			logger.Warn("registry: warm start failed", "error", err)
		}
	} else {
		reg = registry.New(nil)
	}

	// JWT manager for the optional operator read-access layer.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		closeApp(db, otelShutdown)
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Embedding provider — external override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &embeddingProviderAdapter{p: o.embeddingProvider}
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	// Voting coordinator — resolve uses the external empirical resolver if
	// one was registered, else the normal quorum poll path runs alone.
	var resolve voting.EmpiricalResolver
	if o.empiricalResolver != nil {
		resolve = &empiricalResolverAdapter{r: o.empiricalResolver}
	}
	vote := voting.New(reg, led, resolve)

	// Claim-similarity search index (advisory enrichment on conflict polls).
	var claimIndex *search.ClaimIndex
	var similarity conflict.SimilarityFinder
	if cfg.QdrantURL != "" {
		claimIndex, err = search.NewClaimIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, embedder, logger)
		if err != nil {
			closeApp(db, otelShutdown)
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := claimIndex.EnsureCollection(context.Background()); err != nil {
			_ = claimIndex.Close()
			closeApp(db, otelShutdown)
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		similarity = claimIndex
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	conflicts := conflict.New(vote, reg, similarity, logger)

	broker := server.NewBroker(logger)

	proj := projector.New(led, conflicts, broker, logger, 0, 0)
	if claimIndex != nil {
		proj.SetIndexer(claimIndex)
	}

	mcpSrv := mcp.New(led, vote, proj, logger, o.version)

	// Rate limiter — Redis-backed sliding window. A nil client degrades to
	// the Limiter's built-in noop mode (every request allowed).
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Warn("ratelimit: invalid REDIS_URL, running without rate limiting", "error", err)
		} else {
			redisClient = redis.NewClient(redisOpts)
			if err := redisClient.Ping(context.Background()).Err(); err != nil {
				logger.Warn("ratelimit: redis unreachable, running without rate limiting", "error", err)
				_ = redisClient.Close()
				redisClient = nil
			}
		}
	}
	limiter := ratelimit.New(redisClient, logger, !cfg.RateLimitFailOpen)

	// Adapt middlewares from chrysalis.Middleware to func(http.Handler) http.Handler.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		mw := mw // capture
		middlewares = append(middlewares, func(h http.Handler) http.Handler { return mw(h) })
	}

	// Adapt route registrars from chrysalis.RouteRegistrar to the internal
	// server's mux/role-middleware signature.
	var extraRoutes []func(*http.ServeMux, server.RoleMiddlewareFn)
	for _, fn := range o.routeRegistrars {
		fn := fn // capture
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux, roleFn server.RoleMiddlewareFn) {
			fn(mux, &authHelperImpl{roleFn: roleFn})
		})
	}

	srv := server.New(server.ServerConfig{
		Ledger:             led,
		Registry:           reg,
		Voting:             vote,
		Conflicts:          conflicts,
		Projector:          proj,
		Logger:             logger,
		JWTMgr:             jwtMgr,
		Broker:             broker,
		RateLimiter:        limiter,
		MCPServer:          mcpSrv.MCPServer(),
		Port:               cfg.Port,
		ReadTimeout:        cfg.ReadTimeout,
		WriteTimeout:       cfg.WriteTimeout,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		ExtraRoutes:        extraRoutes,
		Middlewares:        middlewares,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		ledger:       led,
		registry:     reg,
		voting:       vote,
		conflicts:    conflicts,
		projector:    proj,
		srv:          srv,
		broker:       broker,
		claimIndex:   claimIndex,
		limiter:      limiter,
		redis:        redisClient,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

func closeApp(db *storage.DB, otelShutdown telemetry.Shutdown) {
	if db != nil {
		db.Close(context.Background())
	}
	_ = otelShutdown(context.Background())
}

// Run starts the projector's polling loop and the HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. On return, Shutdown
// is called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.projector.Start(ctx)
	go a.checkpointLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting HTTP requests, drains in-flight ones, stops the
// projector's polling loop, and releases every external connection.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("chrysalis shutting down")

	if err := a.srv.Shutdown(ctx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	a.projector.Stop()

	if a.claimIndex != nil {
		_ = a.claimIndex.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.limiter.Close()
	if err := a.ledger.Close(); err != nil {
		a.logger.Error("ledger close error", "error", err)
	}
	if a.db != nil {
		a.db.Close(context.Background())
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("chrysalis stopped")
	return nil
}

// checkpointLoop periodically folds every ledger record committed since the
// last checkpoint into a new Merkle root, so an operator can verify the
// ledger hasn't been silently altered without replaying the whole history.
// A no-op when the database is unreachable — checkpoints are an optional
// tamper-evidence layer, not required for the ledger to function.
func (a *App) checkpointLoop(ctx context.Context) {
	if a.db == nil {
		return
	}

	ticker := time.NewTicker(a.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.buildCheckpoint(ctx)
		}
	}
}

func (a *App) buildCheckpoint(ctx context.Context) {
	latest, err := a.db.GetLatestCheckpoint(ctx)
	if err != nil {
		a.logger.Warn("checkpoint: get latest failed", "error", err)
		return
	}

	fromTxID := int64(0)
	var previousRoot *string
	if latest != nil {
		fromTxID = latest.ToTxID
		previousRoot = &latest.RootHash
	}

	records := a.ledger.Tail(fromTxID, a.ledger.Len())
	if len(records) == 0 {
		return
	}

	hashes := make([]string, len(records))
	for i, r := range records {
		hashes[i] = r.EventHash
	}
	root := integrity.BuildMerkleRoot(hashes)

	checkpoint := storage.Checkpoint{
		FromTxID:     fromTxID,
		ToTxID:       records[len(records)-1].TxID,
		EventCount:   len(records),
		RootHash:     root,
		PreviousRoot: previousRoot,
		CreatedAt:    time.Now().UTC(),
	}

	if err := a.db.CreateCheckpoint(ctx, checkpoint); err != nil {
		a.logger.Warn("checkpoint: create failed", "error", err)
		return
	}

	a.logger.Info("ledger checkpoint created",
		"from_tx_id", checkpoint.FromTxID,
		"to_tx_id", checkpoint.ToTxID,
		"events", checkpoint.EventCount,
		"root_hash", root[:16]+"...",
	)
}

// ── Adapters (defined here because this file imports both sides) ───────────

// embeddingProviderAdapter wraps a public chrysalis.EmbeddingProvider to
// satisfy internal/embedding.Provider.
type embeddingProviderAdapter struct {
	p EmbeddingProvider
}

func (a *embeddingProviderAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	return a.p.Embed(ctx, text)
}

func (a *embeddingProviderAdapter) Dimensions() int {
	return a.p.Dimensions()
}

// empiricalResolverAdapter wraps a public chrysalis.EmpiricalResolver to
// satisfy internal/voting.EmpiricalResolver, converting model.SemanticClaim
// to the public SemanticClaim type at the boundary.
type empiricalResolverAdapter struct {
	r EmpiricalResolver
}

func (a *empiricalResolverAdapter) Resolve(ctx context.Context, agentID, key string, candidates []model.SemanticClaim) (string, bool, error) {
	pubCandidates := make([]SemanticClaim, len(candidates))
	for i, c := range candidates {
		pubCandidates[i] = SemanticClaim{
			Key:        c.Key,
			Value:      c.Value,
			Confidence: c.Confidence,
			Provenance: c.Provenance,
		}
	}
	return a.r.Resolve(ctx, agentID, key, pubCandidates)
}

// authHelperImpl implements chrysalis.AuthHelper using an internal
// server.RoleMiddlewareFn. Constructed in the route registrar adapter
// closure; bridges the public interface to the internal role check without
// exposing internal/server to embedding code.
type authHelperImpl struct {
	roleFn server.RoleMiddlewareFn
}

func (a *authHelperImpl) RequireRole(role OperatorRole) func(http.Handler) http.Handler {
	return a.roleFn(model.OperatorRole(role))
}

// ── Helpers ──────────────────────────────────────────────────────────────

func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when CHRYSALIS_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		return p
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	case "noop":
		logger.Info("embedding provider: noop (similarity enrichment disabled)")
		return embedding.NewNoopProvider(dims)
	case "auto":
		fallthrough
	default:
		if embedding.Reachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
			if err != nil {
				logger.Error("openai provider init failed", "error", err)
				return embedding.NewNoopProvider(dims)
			}
			return p
		}
		logger.Warn("no embedding provider available, using noop (similarity enrichment disabled)")
		return embedding.NewNoopProvider(dims)
	}
}
