// Package qdrant is a small REST client for a Qdrant collection holding
// named dense and sparse vectors per passage.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"docchat/internal/domain"
)

const (
	DenseVector  = "dense"
	SparseVector = "sparse"

	defaultDenseSize = 768
	scrollPageSize   = 256
)

// Payload keys stored on every point.
const (
	PayloadText       = "text"
	PayloadMetadata   = "metadata"
	PayloadDocumentID = "document_id"
	PayloadFileName   = "file_name"
	PayloadChunkIdx   = "chunk_idx"
)

type Config struct {
	URL        string
	APIKey     string
	Collection string
	DenseSize  int
	Timeout    time.Duration
}

// HTTPStatusError is returned for non-2xx responses.
type HTTPStatusError struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("qdrant: %s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

type Client struct {
	baseURL    string
	apiKey     string
	collection string
	denseSize  int
	httpClient *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.New("qdrant: url must not be empty")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, errors.New("qdrant: collection must not be empty")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	size := cfg.DenseSize
	if size <= 0 {
		size = defaultDenseSize
	}
	return &Client{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		denseSize:  size,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Point is one indexed passage.
type Point struct {
	ID      string
	Dense   []float32
	Sparse  domain.SparseVector
	Payload map[string]any
}

// EnsureCollection creates the collection when it does not exist yet.
func (c *Client) EnsureCollection(ctx context.Context) error {
	var exists struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodGet, c.collectionURL("/exists"), nil, &exists); err != nil {
		return fmt.Errorf("qdrant: check collection: %w", err)
	}
	if exists.Result.Exists {
		return nil
	}
	body := map[string]any{
		"vectors": map[string]any{
			DenseVector: map[string]any{"size": c.denseSize, "distance": "Cosine"},
		},
		"sparse_vectors": map[string]any{
			SparseVector: map[string]any{"modifier": "idf"},
		},
	}
	if err := c.do(ctx, http.MethodPut, c.collectionURL(""), body, nil); err != nil {
		return fmt.Errorf("qdrant: create collection: %w", err)
	}
	return nil
}

func (c *Client) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	wire := make([]map[string]any, len(points))
	for i, p := range points {
		if len(p.Dense) != c.denseSize {
			return fmt.Errorf("qdrant: point %s: dense size %d, collection expects %d", p.ID, len(p.Dense), c.denseSize)
		}
		wire[i] = map[string]any{
			"id": p.ID,
			"vector": map[string]any{
				DenseVector:  p.Dense,
				SparseVector: p.Sparse,
			},
			"payload": p.Payload,
		}
	}
	if err := c.do(ctx, http.MethodPut, c.collectionURL("/points?wait=true"), map[string]any{"points": wire}, nil); err != nil {
		return fmt.Errorf("qdrant: upsert: %w", err)
	}
	return nil
}

func (c *Client) SearchDense(ctx context.Context, using string, vector []float32, documentFilter string, limit int) ([]domain.Candidate, error) {
	return c.query(ctx, using, vector, documentFilter, limit)
}

func (c *Client) SearchSparse(ctx context.Context, using string, vector domain.SparseVector, documentFilter string, limit int) ([]domain.Candidate, error) {
	if len(vector.Indices) == 0 {
		// Nothing lexical to match on; Qdrant rejects empty sparse queries.
		return []domain.Candidate{}, nil
	}
	return c.query(ctx, using, vector, documentFilter, limit)
}

type scoredPoint struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

func (c *Client) query(ctx context.Context, using string, vector any, documentFilter string, limit int) ([]domain.Candidate, error) {
	if limit <= 0 {
		return []domain.Candidate{}, nil
	}
	body := map[string]any{
		"query":        vector,
		"using":        using,
		"limit":        limit,
		"with_payload": true,
	}
	if f := documentIDFilter(documentFilter); f != nil {
		body["filter"] = f
	}
	var resp struct {
		Result struct {
			Points []scoredPoint `json:"points"`
		} `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, c.collectionURL("/points/query"), body, &resp); err != nil {
		return nil, fmt.Errorf("qdrant: query %s: %w", using, err)
	}
	out := make([]domain.Candidate, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		out = append(out, toCandidate(p))
	}
	return out, nil
}

// ScrollPayloads returns the payload of every point in the collection.
func (c *Client) ScrollPayloads(ctx context.Context) ([]map[string]any, error) {
	var (
		payloads []map[string]any
		offset   json.RawMessage
	)
	for {
		body := map[string]any{
			"limit":        scrollPageSize,
			"with_payload": true,
			"with_vector":  false,
		}
		if len(offset) > 0 {
			body["offset"] = offset
		}
		var resp struct {
			Result struct {
				Points         []scoredPoint   `json:"points"`
				NextPageOffset json.RawMessage `json:"next_page_offset"`
			} `json:"result"`
		}
		if err := c.do(ctx, http.MethodPost, c.collectionURL("/points/scroll"), body, &resp); err != nil {
			return nil, fmt.Errorf("qdrant: scroll: %w", err)
		}
		for _, p := range resp.Result.Points {
			payloads = append(payloads, p.Payload)
		}
		next := resp.Result.NextPageOffset
		if len(next) == 0 || string(next) == "null" {
			return payloads, nil
		}
		offset = next
	}
}

func documentIDFilter(documentID string) map[string]any {
	if documentID == "" {
		return nil
	}
	return map[string]any{
		"must": []map[string]any{{
			"key":   PayloadDocumentID,
			"match": map[string]any{"value": documentID},
		}},
	}
}

func toCandidate(p scoredPoint) domain.Candidate {
	cand := domain.Candidate{ID: pointID(p.ID), Score: p.Score}
	if v, ok := p.Payload[PayloadText].(string); ok {
		cand.Content = v
	}
	if v, ok := p.Payload[PayloadMetadata].(map[string]any); ok {
		cand.Metadata = v
	} else {
		cand.Metadata = map[string]any{}
	}
	if v, ok := p.Payload[PayloadDocumentID].(string); ok {
		cand.DocumentID = v
	}
	if v, ok := p.Payload[PayloadFileName].(string); ok {
		cand.FileName = v
	}
	return cand
}

// pointID renders a point id, which Qdrant returns as either a UUID string
// or an unsigned integer.
func pointID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (c *Client) collectionURL(suffix string) string {
	return c.baseURL + "/collections/" + url.PathEscape(c.collection) + suffix
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, Method: method, URL: endpoint, Body: string(buf)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
