// Package search provides near-duplicate claim lookup backed by Qdrant. It is
// the optional similarity-enrichment hook the conflict detector attaches to a
// poll (§4.4): an additive hint, never load-bearing for correctness.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Embedder turns a claim value into a vector. Satisfied by internal/embedding's
// Provider.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ClaimIndex implements conflict.SimilarityFinder backed by Qdrant Cloud.
// Points are payload-filtered by (agent_id, key) since a claim is only ever
// compared against other claims under the same key.
type ClaimIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	embedder   Embedder
	logger     *slog.Logger

	healthMu  sync.Mutex
	lastCheck time.Time
	lastErr   error
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewClaimIndex creates a new ClaimIndex and connects to the Qdrant server via gRPC.
func NewClaimIndex(cfg QdrantConfig, embedder Embedder, logger *slog.Logger) (*ClaimIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &ClaimIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		embedder:   embedder,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist,
// with HNSW parameters tuned for 1024-dim cosine similarity.
func (q *ClaimIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}
	if exists {
		q.logger.Info("qdrant: collection already exists", "collection", q.collection)
		return nil
	}

	m := uint64(16)
	efConstruct := uint64(128)

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.dims,
			Distance: qdrant.Distance_Cosine,
			HnswConfig: &qdrant.HnswConfigDiff{
				M:           &m,
				EfConstruct: &efConstruct,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("search: create collection %q: %w", q.collection, err)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"agent_id", "key", "claim_hash"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: create index on %q: %w", field, err)
		}
	}

	q.logger.Info("qdrant: created collection with payload indexes", "collection", q.collection, "dims", q.dims)
	return nil
}

// Index embeds value and upserts it into the collection keyed by claimHash,
// payload-tagged by (agentId, key) for scoped lookup. Called after a
// SemanticClaimUpserted event commits (§4.3); a failure here only degrades
// future similarity hints, so callers log and continue rather than fail the
// commit itself.
func (q *ClaimIndex) Index(ctx context.Context, agentID, key, claimHash, value string) error {
	vec, err := q.embedder.Embed(ctx, value)
	if err != nil {
		return fmt.Errorf("search: embed claim value: %w", err)
	}

	payload := map[string]any{
		"agent_id":   agentID,
		"key":        key,
		"claim_hash": claimHash,
	}
	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(claimHashPointID(claimHash).String()),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert claim %s: %w", claimHash, err)
	}
	return nil
}

// SimilarClaimHashes implements conflict.SimilarityFinder: embeds value and
// searches the collection for near-duplicate claims under the same
// (agentId, key), excluding any hash already a poll candidate.
func (q *ClaimIndex) SimilarClaimHashes(ctx context.Context, agentID, key, value string, exclude []string) ([]string, error) {
	vec, err := q.embedder.Embed(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("search: embed claim value: %w", err)
	}

	must := []*qdrant.Condition{
		qdrant.NewMatch("agent_id", agentID),
		qdrant.NewMatch("key", key),
	}

	const overfetch = 3 // excluded candidates are filtered client-side, so over-fetch a little
	limit := uint64(len(exclude) + overfetch)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Filter:         &qdrant.Filter{Must: must},
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	excluded := make(map[string]struct{}, len(exclude))
	for _, h := range exclude {
		excluded[h] = struct{}{}
	}

	var hashes []string
	for _, sp := range scored {
		v, ok := sp.Payload["claim_hash"]
		if !ok {
			continue
		}
		hash := v.GetStringValue()
		if hash == "" {
			continue
		}
		if _, skip := excluded[hash]; skip {
			continue
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

// claimHashPointID derives a stable UUID point ID from a claim hash (a hex
// SHA-384 digest, not itself a valid Qdrant point ID) so re-indexing the same
// claim is an idempotent upsert rather than a new point.
func claimHashPointID(claimHash string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(claimHash))
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5 seconds
// to avoid hammering the health endpoint on every search request.
func (q *ClaimIndex) Healthy(ctx context.Context) error {
	q.healthMu.Lock()
	defer q.healthMu.Unlock()

	if time.Since(q.lastCheck) < 5*time.Second {
		return q.lastErr
	}

	_, err := q.client.HealthCheck(ctx)
	q.lastCheck = time.Now()
	if err != nil {
		q.lastErr = fmt.Errorf("search: qdrant unhealthy: %w", err)
	} else {
		q.lastErr = nil
	}
	return q.lastErr
}

// Close shuts down the Qdrant gRPC connection.
func (q *ClaimIndex) Close() error {
	return q.client.Close()
}
