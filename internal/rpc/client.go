package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

// Client issues signed JSON-RPC 2.0 calls to a single peer endpoint (a
// worker's registered Endpoint, or the gateway's /rpc URL). One Client is
// safe for concurrent use by multiple goroutines.
type Client struct {
	endpoint string
	signer   *Signer
	hc       *http.Client
	nextID   atomic.Int64
}

// NewClient returns a Client that signs every request with signer and
// issues it against endpoint using HTTP/2 (prior-knowledge cleartext, via
// h2c, or TLS if endpoint is https://).
func NewClient(endpoint string, signer *Signer, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		signer:   signer,
		hc: &http.Client{
			Timeout:   timeout,
			Transport: &http2.Transport{AllowHTTP: true, DialTLSContext: nil},
		},
	}
}

// Call marshals params, signs the envelope, and decodes the result into out
// (which may be nil if the caller does not need the result). Returns the
// server's *Error if the response carries one.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	id := c.nextID.Add(1)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return fmt.Errorf("rpc: marshal request: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rpc: marshal envelope: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpc: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderKeyFingerprint, c.signer.Fingerprint())
	httpReq.Header.Set(HeaderSignature, c.signer.Sign(body))

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpc: call %s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("rpc: decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("rpc: decode result: %w", err)
	}
	return nil
}
