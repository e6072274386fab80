package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygent-labs/paygent"
)

func TestResourceClient_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(paygent.HeaderPaymentProof) == "" {
			w.Header().Set(paygent.HeaderPaymentRequired, "x402; amount=0.10; token=USDC")
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		assert.Equal(t, "proof_1", r.Header.Get(paygent.HeaderPaymentProof))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"report":"ok"}`))
	}))
	defer server.Close()

	client := NewResourceClient(nil)
	ctx := context.Background()

	resp, err := client.Fetch(ctx, server.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "x402; amount=0.10; token=USDC", resp.Header.Get(paygent.HeaderPaymentRequired))

	header := http.Header{}
	header.Set(paygent.HeaderPaymentProof, "proof_1")
	resp, err = client.Fetch(ctx, server.URL, header)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"report":"ok"}`, string(resp.Body))
}

func TestResourceClient_BodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer server.Close()

	_, err := NewResourceClient(&ResourceConfig{MaxBodyBytes: 1024}).Fetch(context.Background(), server.URL, nil)
	require.Error(t, err)
	assert.Equal(t, paygent.KindNetwork, paygent.KindOf(err))
	assert.True(t, paygent.IsRetryable(err))

	resp, err := NewResourceClient(&ResourceConfig{MaxBodyBytes: 2048}).Fetch(context.Background(), server.URL, nil)
	require.NoError(t, err)
	assert.Len(t, resp.Body, 2048)
}

func TestResourceClient_Errors(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	client := NewResourceClient(nil)

	_, err := client.Fetch(context.Background(), server.URL, nil)
	assert.Equal(t, paygent.KindNetwork, paygent.KindOf(err))

	_, err = client.Fetch(context.Background(), "://bad", nil)
	assert.Equal(t, paygent.KindInvalidIntent, paygent.KindOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Fetch(ctx, "http://127.0.0.1:1", nil)
	assert.Equal(t, paygent.KindCancelled, paygent.KindOf(err))
}
