package rill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Delivery requests override it because chunk streams
// are long lived.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the OpenRill REST API.
type Client struct {
	baseURL      *url.URL
	httpClient   *http.Client
	streamClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// Session mirrors the server side session snapshot.
type Session struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Byte      bool   `json:"byte"`
	State     string `json:"state"`
	Chunks    uint64 `json:"chunks"`
	Bytes     uint64 `json:"bytes"`
	Offset    string `json:"offset,omitempty"`
	LastError string `json:"last_error,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// OpenStreamRequest is the payload for opening a new delivery session.
type OpenStreamRequest struct {
	Source        string   `json:"source"`
	Resume        string   `json:"resume,omitempty"`
	HighWaterMark *float64 `json:"high_water_mark,omitempty"`
}

// Chunk is one NDJSON record from the delivery endpoint.
type Chunk struct {
	Payload json.RawMessage `json:"payload"`
	Offset  string          `json:"offset,omitempty"`
	Bytes   int             `json:"bytes,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rill api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the OpenRill API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{
		baseURL:      parsed,
		httpClient:   httpClient,
		streamClient: &http.Client{},
	}
}

// SetAPIKey stores the bearer key attached to subsequent requests.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// APIKey returns the currently stored key.
func (c *Client) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// OpenStream opens a new delivery session for the named source.
func (c *Client) OpenStream(ctx context.Context, req OpenStreamRequest) (Session, error) {
	var session Session
	if err := c.post(ctx, "/api/v1/streams", req, &session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// GetStream fetches a session snapshot by identifier.
func (c *Client) GetStream(ctx context.Context, id string) (Session, error) {
	var session Session
	endpoint := fmt.Sprintf("/api/v1/streams?id=%s", url.QueryEscape(id))
	if err := c.get(ctx, endpoint, &session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// ListStreams returns up to limit session snapshots, most recent first.
func (c *Client) ListStreams(ctx context.Context, limit int) ([]Session, error) {
	endpoint := "/api/v1/streams"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var sessions []Session
	if err := c.get(ctx, endpoint, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CancelStream cancels a session.
func (c *Client) CancelStream(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("/api/v1/streams?id=%s", url.QueryEscape(id))
	req, err := c.newRequest(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return newAPIError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// ReadChunks attaches to an object session and returns an iterator over its
// NDJSON records. The iterator must be closed.
func (c *Client) ReadChunks(ctx context.Context, id string) (*ChunkIterator, error) {
	resp, err := c.openDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ChunkIterator{body: resp.Body, decoder: json.NewDecoder(resp.Body), resp: resp}, nil
}

// ReadBytes attaches to a byte session and returns the raw body stream.
// The reader must be closed.
func (c *Client) ReadBytes(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := c.openDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) openDelivery(ctx context.Context, id string) (*http.Response, error) {
	endpoint := fmt.Sprintf("/api/v1/streams/chunks?id=%s", url.QueryEscape(id))
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	// 交付请求不能带整体超时，持续读取由 ctx 控制。
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, newAPIError(resp)
	}
	return resp, nil
}

// ChunkIterator decodes NDJSON records until the stream ends.
type ChunkIterator struct {
	body    io.ReadCloser
	decoder *json.Decoder
	resp    *http.Response
}

// Next returns the next record, or io.EOF when the stream is complete.
func (it *ChunkIterator) Next() (Chunk, error) {
	var chunk Chunk
	if err := it.decoder.Decode(&chunk); err != nil {
		return Chunk{}, err
	}
	return chunk, nil
}

// LastOffset reports the Last-Offset trailer; valid after Next returned io.EOF.
func (it *ChunkIterator) LastOffset() string {
	return it.resp.Trailer.Get("Last-Offset")
}

// Close releases the underlying connection.
func (it *ChunkIterator) Close() error {
	return it.body.Close()
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if key := c.APIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return newAPIError(resp)
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func newAPIError(resp *http.Response) *APIError {
	data, _ := io.ReadAll(resp.Body)
	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    string(bytes.TrimSpace(data)),
	}
}
