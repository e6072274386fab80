package http

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

	"github.com/paygent-labs/paygent"
	"github.com/paygent-labs/paygent/settlement"
)

// ============================================================================
// HTTP Facilitator Client
// ============================================================================

// FacilitatorClient talks to a remote facilitator over HTTP. It implements
// settlement.Backend.
type FacilitatorClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
	identifier   string
}

var _ settlement.Backend = (*FacilitatorClient)(nil)

// AuthProvider generates authentication headers for facilitator requests
type AuthProvider interface {
	// GetAuthHeaders returns authentication headers for each endpoint
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders contains authentication headers for facilitator endpoints
type AuthHeaders struct {
	Submit map[string]string
	Verify map[string]string
}

// StaticAuth sends the same bearer token to every endpoint
type StaticAuth string

// GetAuthHeaders implements AuthProvider
func (s StaticAuth) GetAuthHeaders(context.Context) (AuthHeaders, error) {
	h := map[string]string{"Authorization": "Bearer " + string(s)}
	return AuthHeaders{Submit: h, Verify: h}, nil
}

// FacilitatorConfig configures the HTTP facilitator client
type FacilitatorConfig struct {
	// URL is the base URL of the facilitator service
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// Identifier for this facilitator (optional)
	Identifier string
}

// DefaultFacilitatorURL is the facilitator used when none is configured
const DefaultFacilitatorURL = "http://localhost:4020"

// DefaultTimeout bounds one facilitator request
const DefaultTimeout = 30 * time.Second

// maxFacilitatorBody caps facilitator response bodies
const maxFacilitatorBody = 64 << 10

// NewFacilitatorClient creates a new HTTP facilitator client
func NewFacilitatorClient(config *FacilitatorConfig) *FacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	baseURL := strings.TrimRight(config.URL, "/")
	if baseURL == "" {
		baseURL = DefaultFacilitatorURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	identifier := config.Identifier
	if identifier == "" {
		identifier = baseURL
	}

	return &FacilitatorClient{
		url:          baseURL,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
		identifier:   identifier,
	}
}

// Identifier names this facilitator in logs
func (c *FacilitatorClient) Identifier() string {
	return c.identifier
}

// Submit posts a signed authorization to {url}/submit
func (c *FacilitatorClient) Submit(ctx context.Context, request *settlement.SubmitRequest) (*settlement.SubmitResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submit request: %w", err)
	}

	var auth map[string]string
	if c.authProvider != nil {
		headers, err := c.authProvider.GetAuthHeaders(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get auth headers: %w", err)
		}
		auth = headers.Submit
	}

	status, responseBody, err := c.do(ctx, http.MethodPost, c.url+"/submit", body, auth)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated:
	case status == http.StatusConflict:
		resp, err := decodeSubmit(responseBody)
		if err != nil || resp.Status != settlement.StatusAlreadySettled {
			return nil, fmt.Errorf("%w: facilitator conflict (%d): %s", paygent.ErrSettlementRejected, status, snippet(responseBody))
		}
		return resp, nil
	case status == http.StatusTooManyRequests || status >= 500:
		return nil, fmt.Errorf("%w: facilitator submit failed (%d): %s", paygent.ErrFacilitatorUnavailable, status, snippet(responseBody))
	default:
		return nil, fmt.Errorf("%w: facilitator submit failed (%d): %s", paygent.ErrSettlementRejected, status, snippet(responseBody))
	}

	return decodeSubmit(responseBody)
}

// Verify fetches {url}/verify/{paymentId}
func (c *FacilitatorClient) Verify(ctx context.Context, paymentID string) (*settlement.VerifyResponse, error) {
	var auth map[string]string
	if c.authProvider != nil {
		headers, err := c.authProvider.GetAuthHeaders(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get auth headers: %w", err)
		}
		auth = headers.Verify
	}

	status, responseBody, err := c.do(ctx, http.MethodGet, c.url+"/verify/"+url.PathEscape(paymentID), nil, auth)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK:
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("payment %s: %w", paymentID, paygent.ErrNotFound)
	case status == http.StatusTooManyRequests || status >= 500:
		return nil, fmt.Errorf("%w: facilitator verify failed (%d): %s", paygent.ErrFacilitatorUnavailable, status, snippet(responseBody))
	default:
		return nil, fmt.Errorf("%w: facilitator verify failed (%d): %s", paygent.ErrSettlementRejected, status, snippet(responseBody))
	}

	if err := validateBody(verifySchema, responseBody); err != nil {
		return nil, err
	}
	var verifyResponse settlement.VerifyResponse
	if err := json.Unmarshal(responseBody, &verifyResponse); err != nil {
		return nil, fmt.Errorf("%w: failed to decode verify response: %w", paygent.ErrFacilitatorUnavailable, err)
	}
	return &verifyResponse, nil
}

func (c *FacilitatorClient) do(ctx context.Context, method, target string, body []byte, headers map[string]string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create facilitator request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, nil, err
		}
		return 0, nil, fmt.Errorf("%w: facilitator request failed: %w", paygent.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, maxFacilitatorBody))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: failed to read response body: %w", paygent.ErrFacilitatorUnavailable, err)
	}
	return resp.StatusCode, responseBody, nil
}

func decodeSubmit(body []byte) (*settlement.SubmitResponse, error) {
	if err := validateBody(submitSchema, body); err != nil {
		return nil, err
	}
	var submitResponse settlement.SubmitResponse
	if err := json.Unmarshal(body, &submitResponse); err != nil {
		return nil, fmt.Errorf("%w: failed to decode submit response: %w", paygent.ErrFacilitatorUnavailable, err)
	}
	return &submitResponse, nil
}

func snippet(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
