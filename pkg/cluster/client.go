package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client issues JSON requests to leaves. One client is shared across all
// leaves; per-request cancellation comes from the context.
type Client struct {
	httpClient *http.Client
	issuer     *TokenIssuer
}

// NewClient creates a leaf client. The timeout caps each request on top of
// any context deadline. A nil issuer sends unauthenticated requests, which
// only an isolated test topology should accept.
func NewClient(timeout time.Duration, issuer *TokenIssuer) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		issuer:     issuer,
	}
}

// LeafError reports a non-2xx response from a leaf. The body is preserved so
// executor diagnostics surface verbatim.
type LeafError struct {
	Leaf   LeafDescriptor
	Status int
	Body   string
}

// Error implements the error interface.
func (e *LeafError) Error() string {
	return fmt.Sprintf("leaf %s returned %d: %s", e.Leaf, e.Status, e.Body)
}

// PostJSON sends in to the leaf endpoint and decodes the JSON response into
// out (out may be nil to discard the body). Requests carry a signed node
// token when the client has an issuer.
func (c *Client) PostJSON(ctx context.Context, leaf LeafDescriptor, path string, claims NodeClaims, in, out any) error {
	buf, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding leaf request: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", leaf.Address(), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("building leaf request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.issuer != nil {
		token, err := c.issuer.Issue(claims)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling leaf %s: %w", leaf, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading leaf %s response: %w", leaf, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &LeafError{Leaf: leaf, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding leaf %s response: %w", leaf, err)
		}
	}
	return nil
}

// GetJSON fetches a leaf endpoint and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, leaf LeafDescriptor, path string, out any) error {
	url := fmt.Sprintf("http://%s%s", leaf.Address(), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building leaf request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling leaf %s: %w", leaf, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading leaf %s response: %w", leaf, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &LeafError{Leaf: leaf, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding leaf %s response: %w", leaf, err)
		}
	}
	return nil
}

// Ping checks a leaf's health endpoint. Used at startup to log unreachable
// leaves before the first query arrives.
func (c *Client) Ping(ctx context.Context, leaf LeafDescriptor) error {
	return c.GetJSON(ctx, leaf, "/healthz", nil)
}
