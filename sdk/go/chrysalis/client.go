package chrysalis

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the coordinator (e.g. "http://localhost:8080").
	BaseURL string

	// AgentID identifies the logical agent this instance is a replica of.
	AgentID string

	// InstanceID identifies this specific replica within AgentID.
	InstanceID string

	// PrivateKey signs the private-plane write calls register, commit,
	// keyrotate and vote, and is required for them. StartPoll sends no
	// signature and does not use it.
	PrivateKey ed25519.PrivateKey

	// OperatorToken, if set, is sent as a Bearer token on the read endpoints
	// that accept an optional operator credential (ledger query/tail, poll
	// status).
	OperatorToken string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the coordinator's private and public plane
// APIs. All methods are safe for concurrent use.
type Client struct {
	baseURL    string
	agentID    string
	instanceID string
	privKey    ed25519.PrivateKey
	token      string
	client     *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("chrysalis: BaseURL is required")
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("chrysalis: AgentID is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		agentID:    cfg.AgentID,
		instanceID: cfg.InstanceID,
		privKey:    cfg.PrivateKey,
		token:      cfg.OperatorToken,
		client:     httpClient,
	}, nil
}

// ---------------------------------------------------------------------------
// Private plane: registration, commit, key rotation, voting
// ---------------------------------------------------------------------------

type registerResponse struct {
	OK           bool      `json:"ok"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Register enrolls this instance under AgentID with its current public key.
// The timestamp and signature are computed here; callers only provide the
// agent/instance identity and signing key via Config.
func (c *Client) Register(ctx context.Context) (time.Time, error) {
	if c.privKey == nil {
		return time.Time{}, fmt.Errorf("chrysalis: Register requires Config.PrivateKey")
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	pub := c.privKey.Public().(ed25519.PublicKey)
	sig := signDigest(c.privKey, registrationMessage(c.agentID, c.instanceID, ts))

	body := map[string]string{
		"agentId":         c.agentID,
		"instanceId":      c.instanceID,
		"publicKeyBase64": base64.StdEncoding.EncodeToString(pub),
		"ts":              ts,
		"signatureBase64": base64.StdEncoding.EncodeToString(sig),
	}

	var resp registerResponse
	if err := c.post(ctx, "/registry/register", body, &resp); err != nil {
		return time.Time{}, err
	}
	return resp.RegisteredAt, nil
}

type commitResponse struct {
	TxID       string    `json:"txId"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

// Commit signs and submits event, returning the assigned transaction ID.
func (c *Client) Commit(ctx context.Context, event Event) (*TxRecord, error) {
	if c.privKey == nil {
		return nil, fmt.Errorf("chrysalis: Commit requires Config.PrivateKey")
	}
	hash, err := eventHash(event)
	if err != nil {
		return nil, fmt.Errorf("chrysalis: hash event: %w", err)
	}
	pub := c.privKey.Public().(ed25519.PublicKey)
	sig := ed25519.Sign(c.privKey, []byte(hash))

	body := map[string]any{
		"agentId":         c.agentID,
		"instanceId":      c.instanceID,
		"publicKeyBase64": base64.StdEncoding.EncodeToString(pub),
		"event":           event,
		"eventHash":       hash,
		"signatureBase64": base64.StdEncoding.EncodeToString(sig),
	}

	var resp commitResponse
	if err := c.post(ctx, "/ledger/commit", body, &resp); err != nil {
		return nil, err
	}
	return &TxRecord{
		TxID:       resp.TxID,
		AgentID:    c.agentID,
		InstanceID: c.instanceID,
		EventHash:  hash,
		AcceptedAt: resp.AcceptedAt,
		Event:      event,
	}, nil
}

type keyRotateResponse struct {
	TxID            string    `json:"txId"`
	AcceptedAt      time.Time `json:"acceptedAt"`
	PublicKeyBase64 string    `json:"publicKeyBase64"`
}

// RotateKey signs a key-rotation request with the current private key and
// installs newPub as the instance's key of record, returning the new
// transaction ID. Callers are responsible for switching Config.PrivateKey to
// the matching private key after this call succeeds.
func (c *Client) RotateKey(ctx context.Context, newPub ed25519.PublicKey) (string, error) {
	if c.privKey == nil {
		return "", fmt.Errorf("chrysalis: RotateKey requires Config.PrivateKey")
	}
	newPubB64 := base64.StdEncoding.EncodeToString(newPub)
	sig := signDigest(c.privKey, keyRotationMessage(c.agentID, c.instanceID, newPubB64))

	body := map[string]string{
		"agentId":            c.agentID,
		"instanceId":         c.instanceID,
		"newPublicKeyBase64": newPubB64,
		"signatureBase64":    base64.StdEncoding.EncodeToString(sig),
	}

	var resp keyRotateResponse
	if err := c.post(ctx, "/ledger/keyrotate", body, &resp); err != nil {
		return "", err
	}
	return resp.TxID, nil
}

type pollStartResponse struct {
	PollID         string `json:"pollId"`
	QuorumRequired int    `json:"quorumRequired"`
}

// StartPoll opens a semantic-convergence poll for key among candidates.
func (c *Client) StartPoll(ctx context.Context, key string, candidates []string) (*Poll, error) {
	body := map[string]any{
		"agentId":    c.agentID,
		"key":        key,
		"candidates": candidates,
	}
	var resp pollStartResponse
	if err := c.post(ctx, "/semantic/poll/start", body, &resp); err != nil {
		return nil, err
	}
	return &Poll{
		PollID:         resp.PollID,
		AgentID:        c.agentID,
		Key:            key,
		Candidates:     candidates,
		QuorumRequired: resp.QuorumRequired,
		Status:         "open",
	}, nil
}

// Vote casts this instance's signed vote for claimHash in pollID.
func (c *Client) Vote(ctx context.Context, pollID, claimHash string) error {
	if c.privKey == nil {
		return fmt.Errorf("chrysalis: Vote requires Config.PrivateKey")
	}
	pub := c.privKey.Public().(ed25519.PublicKey)
	sig := signDigest(c.privKey, voteMessage(pollID, claimHash))

	body := map[string]string{
		"agentId":         c.agentID,
		"pollId":          pollID,
		"instanceId":      c.instanceID,
		"publicKeyBase64": base64.StdEncoding.EncodeToString(pub),
		"claimHash":       claimHash,
		"signatureBase64": base64.StdEncoding.EncodeToString(sig),
	}

	return c.post(ctx, "/semantic/poll/vote", body, nil)
}

// ---------------------------------------------------------------------------
// Public plane: ledger and poll reads
// ---------------------------------------------------------------------------

// QueryByTxID retrieves a single transaction by its external "tx_N" ID.
func (c *Client) QueryByTxID(ctx context.Context, txID string) (*TxRecord, error) {
	var resp TxRecord
	if err := c.get(ctx, "/ledger/query?"+url.Values{"txId": {txID}}.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueryByHash retrieves a single transaction by its event hash.
func (c *Client) QueryByHash(ctx context.Context, hash string) (*TxRecord, error) {
	var resp TxRecord
	if err := c.get(ctx, "/ledger/query?"+url.Values{"hash": {hash}}.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type tailResponse struct {
	Items []TxRecord `json:"items"`
}

// Tail returns up to limit transactions after afterTxID ("" for the start of
// the ledger).
func (c *Client) Tail(ctx context.Context, afterTxID string, limit int) ([]TxRecord, error) {
	params := url.Values{}
	if afterTxID != "" {
		params.Set("afterTxId", afterTxID)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := "/ledger/tail"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp tailResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// PollStatus fetches a poll's current status, votes, and winner (if decided).
func (c *Client) PollStatus(ctx context.Context, pollID string) (*Poll, error) {
	var resp Poll
	path := "/semantic/poll/status?" + url.Values{"pollId": {pollID}}.Encode()
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RoomSnapshot fetches the converged CRDT snapshot for agentID's room by
// opening its SSE stream and reading the opening "snapshot" frame, then
// closing the connection without following subsequent updates.
func (c *Client) RoomSnapshot(ctx context.Context, agentID string) (*RoomSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rooms/agent:"+agentID+"/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("chrysalis: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chrysalis: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, parseErrorResponse(resp.StatusCode, body)
	}

	payload, err := readFirstSSEData(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("chrysalis: read room stream: %w", err)
	}

	var snap RoomSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("chrysalis: decode room snapshot: %w", err)
	}
	return &snap, nil
}

// readFirstSSEData scans r for the first "data: " line of the first SSE
// frame and returns its payload. The room stream's opening frame is always a
// single-line "snapshot" event.
func readFirstSSEData(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			return []byte(strings.TrimPrefix(line, "data: ")), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("stream closed before a data frame arrived")
}

// Merge submits a peer-observed semantic claim directly to a room's document,
// bypassing the private plane's signed-commit path.
func (c *Client) Merge(ctx context.Context, agentID, key, claimHash, value string, confidence float64, provenance string) error {
	body := map[string]any{
		"key":        key,
		"claimHash":  claimHash,
		"value":      value,
		"confidence": confidence,
		"provenance": provenance,
	}
	return c.post(ctx, "/rooms/agent:"+agentID+"/merge", body, nil)
}

// Health checks the coordinator's health. Requires no authentication.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetConfig retrieves the coordinator's non-secret ambient parameters.
func (c *Client) GetConfig(ctx context.Context) (*ConfigResponse, error) {
	var resp ConfigResponse
	if err := c.getNoAuth(ctx, "/config", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Signing helpers
//
// These mirror internal/crypto's message framing exactly but are
// reimplemented independently since this module cannot import internal/crypto
// across the module boundary.
// ---------------------------------------------------------------------------

func registrationMessage(agentID, instanceID, ts string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s", agentID, instanceID, ts))
}

func keyRotationMessage(agentID, instanceID, newPublicKeyBase64 string) []byte {
	return []byte(fmt.Sprintf("%s:%s:keyrotate:%s", agentID, instanceID, newPublicKeyBase64))
}

func voteMessage(pollID, claimHash string) []byte {
	return []byte(fmt.Sprintf("%s:%s", pollID, claimHash))
}

// signDigest signs the SHA-384 digest of msg, matching internal/crypto.Sign.
func signDigest(priv ed25519.PrivateKey, msg []byte) []byte {
	digest := sha512.Sum384(msg)
	return ed25519.Sign(priv, digest[:])
}

// eventHash returns the lowercase hex SHA-384 digest of the canonical JSON
// encoding of event, matching internal/crypto.EventHash's key-sorted
// canonicalization at every nesting level.
func eventHash(event any) (string, error) {
	canon, err := canonicalJSON(event)
	if err != nil {
		return "", err
	}
	digest := sha512.Sum384(canon)
	return fmt.Sprintf("%x", digest[:]), nil
}

func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(sortKeys(generic))
}

func sortKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		return orderedMap{keys: sortedStrings(keys), values: t}
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortKeys(e)
		}
		return out
	default:
		return t
	}
}

func sortedStrings(ss []string) []string {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j] < ss[j-1]; j-- {
			ss[j], ss[j-1] = ss[j-1], ss[j]
		}
	}
	return ss
}

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
		vb, err := json.Marshal(sortKeys(om.values[k]))
		if err != nil {
			return nil, err
		}
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the coordinator's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the coordinator's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("chrysalis: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("chrysalis: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("chrysalis: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("chrysalis: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chrysalis: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chrysalis: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("chrysalis: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("chrysalis: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
