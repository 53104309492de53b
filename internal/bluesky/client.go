// Package bluesky is a small AT Protocol PDS client for registering feed
// generator records.
package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/blackmichael/eueoeo-feed/internal/domain"
	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultPDS = "https://bsky.social"

	maxAttempts = 3
)

// ErrNotAuthenticated is returned by calls that need a session before Login.
var ErrNotAuthenticated = errors.New("not authenticated: call Login first")

// APIError is an XRPC error response.
type APIError struct {
	StatusCode int
	Name       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("xrpc status %d", e.StatusCode)
	}
	return fmt.Sprintf("xrpc status %d: %s: %s", e.StatusCode, e.Name, e.Message)
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Session is an authenticated PDS session.
type Session struct {
	DID       string `json:"did"`
	Handle    string `json:"handle"`
	AccessJwt string `json:"accessJwt"`
}

// Client talks to a PDS over XRPC.
type Client struct {
	pds        string
	httpClient *http.Client
	retryWait  time.Duration
	session    *Session
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryWait sets the initial delay between attempts of a retryable call.
func WithRetryWait(d time.Duration) Option {
	return func(c *Client) { c.retryWait = d }
}

// NewClient creates a client for pds. An empty pds means DefaultPDS.
func NewClient(pds string, opts ...Option) *Client {
	if pds == "" {
		pds = DefaultPDS
	}
	c := &Client{
		pds:        pds,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryWait:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login creates a session. Use an app password, not the account password.
func (c *Client) Login(ctx context.Context, identifier, password string) error {
	var s Session
	body := map[string]string{"identifier": identifier, "password": password}
	if err := c.call(ctx, "com.atproto.server.createSession", body, &s); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if s.DID == "" || s.AccessJwt == "" {
		return fmt.Errorf("create session: incomplete session in response")
	}
	c.session = &s
	return nil
}

// DID returns the DID of the logged-in account, or "" before Login.
func (c *Client) DID() string {
	if c.session == nil {
		return ""
	}
	return c.session.DID
}

// BlobRef references uploaded content.
type BlobRef struct {
	Type string `json:"$type"`
	Ref  struct {
		Link string `json:"$link"`
	} `json:"ref"`
	MimeType string `json:"mimeType"`
	Size     int    `json:"size"`
}

// FeedGeneratorRecord is the body of an app.bsky.feed.generator record.
type FeedGeneratorRecord struct {
	Type        string   `json:"$type"`
	DID         string   `json:"did"`
	DisplayName string   `json:"displayName"`
	Description string   `json:"description,omitempty"`
	Avatar      *BlobRef `json:"avatar,omitempty"`
	CreatedAt   string   `json:"createdAt"`
}

// NewFeedGeneratorRecord returns a record pointing at serviceDID.
func NewFeedGeneratorRecord(serviceDID, displayName, description string, now time.Time) FeedGeneratorRecord {
	return FeedGeneratorRecord{
		Type:        domain.FeedGeneratorCollection,
		DID:         serviceDID,
		DisplayName: displayName,
		Description: description,
		CreatedAt:   now.UTC().Format(time.RFC3339),
	}
}

type putRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
	Record     any    `json:"record"`
}

type putRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type deleteRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
}

// PutFeedGenerator creates or replaces the feed generator record rkey in the
// logged-in account's repo and returns its AT-URI.
func (c *Client) PutFeedGenerator(ctx context.Context, rkey string, record FeedGeneratorRecord) (string, error) {
	if c.session == nil {
		return "", ErrNotAuthenticated
	}
	req := putRecordRequest{
		Repo:       c.session.DID,
		Collection: domain.FeedGeneratorCollection,
		RKey:       rkey,
		Record:     record,
	}
	var resp putRecordResponse
	if err := c.call(ctx, "com.atproto.repo.putRecord", req, &resp); err != nil {
		return "", fmt.Errorf("put record %s: %w", rkey, err)
	}
	if resp.URI == "" {
		resp.URI = domain.FeedURI(c.session.DID, rkey)
	}
	return resp.URI, nil
}

// DeleteFeedGenerator removes the feed generator record rkey.
func (c *Client) DeleteFeedGenerator(ctx context.Context, rkey string) error {
	if c.session == nil {
		return ErrNotAuthenticated
	}
	req := deleteRecordRequest{
		Repo:       c.session.DID,
		Collection: domain.FeedGeneratorCollection,
		RKey:       rkey,
	}
	if err := c.call(ctx, "com.atproto.repo.deleteRecord", req, nil); err != nil {
		return fmt.Errorf("delete record %s: %w", rkey, err)
	}
	return nil
}

// UploadBlob uploads raw bytes and returns a reference for use in a record.
// The PDS garbage-collects blobs that no record references.
func (c *Client) UploadBlob(ctx context.Context, data []byte, mimeType string) (*BlobRef, error) {
	if c.session == nil {
		return nil, ErrNotAuthenticated
	}
	var resp struct {
		Blob BlobRef `json:"blob"`
	}
	if err := c.do(ctx, "com.atproto.repo.uploadBlob", mimeType, data, &resp); err != nil {
		return nil, fmt.Errorf("upload blob: %w", err)
	}
	return &resp.Blob, nil
}

func (c *Client) call(ctx context.Context, nsid string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, nsid, "application/json", payload, result)
}

// do posts payload to the XRPC procedure nsid, retrying rate-limited and
// server-side failures.
func (c *Client) do(ctx context.Context, nsid, contentType string, payload []byte, result any) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryWait

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.send(ctx, nsid, contentType, payload, result)
		var apiErr *APIError
		if err != nil && errors.As(err, &apiErr) && !apiErr.Retryable() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(maxAttempts))
	return err
}

func (c *Client) send(ctx context.Context, nsid, contentType string, payload []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pds+"/xrpc/"+nsid, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	if c.session != nil {
		req.Header.Set("Authorization", "Bearer "+c.session.AccessJwt)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(respBody, apiErr)
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return backoff.Permanent(fmt.Errorf("unmarshal response: %w", err))
		}
	}
	return nil
}
