package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/paygent-labs/paygent"
)

// DefaultMaxBodyBytes caps resource response bodies
const DefaultMaxBodyBytes = 1 << 20

// ResourceConfig configures a ResourceClient
type ResourceConfig struct {
	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// MaxBodyBytes caps response bodies (optional, defaults to 1 MiB)
	MaxBodyBytes int64

	// UserAgent is sent on every request (optional)
	UserAgent string
}

// ResourceClient fetches paid resources. It never interprets status codes;
// the orchestrator decides what a response means.
type ResourceClient struct {
	httpClient   *http.Client
	maxBodyBytes int64
	userAgent    string
}

var _ paygent.ResourceFetcher = (*ResourceClient)(nil)

// NewResourceClient creates a resource client
func NewResourceClient(config *ResourceConfig) *ResourceClient {
	if config == nil {
		config = &ResourceConfig{}
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limit := config.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	ua := config.UserAgent
	if ua == "" {
		ua = "paygent/1.0"
	}
	return &ResourceClient{httpClient: httpClient, maxBodyBytes: limit, userAgent: ua}
}

// Fetch performs a GET on target with the extra headers. Transport failures
// and oversized bodies are retryable network errors.
func (c *ResourceClient) Fetch(ctx context.Context, target string, header http.Header) (*paygent.ResourceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, paygent.WrapPaymentError(paygent.KindInvalidIntent, "invalid service URL", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, paygent.WrapPaymentError(paygent.KindCancelled, "resource request cancelled", err)
		}
		return nil, paygent.WrapPaymentError(paygent.KindNetwork, "resource request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, paygent.WrapPaymentError(paygent.KindNetwork, "failed to read resource body", err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, paygent.NewPaymentError(paygent.KindNetwork,
			fmt.Sprintf("resource body exceeds %d bytes", c.maxBodyBytes), nil)
	}

	return &paygent.ResourceResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}
