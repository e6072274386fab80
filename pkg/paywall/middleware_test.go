package paywall

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygent-labs/paygent"
)

func newRouter(opts ...Option) *gin.Engine {
	gin.SetMode(gin.TestMode)
	opts = append(opts, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	r := gin.New()
	r.GET("/report", Middleware(decimal.RequireFromString("0.10"), "USDC", opts...), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"report": "ok", "proof": c.GetString(ContextKeyProof)})
	})
	return r
}

func get(r http.Handler, proof string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/report", nil)
	if proof != "" {
		req.Header.Set(paygent.HeaderPaymentProof, proof)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_RequiresPayment(t *testing.T) {
	rec := get(newRouter(WithDescription("daily report")), "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	req, err := paygent.ParsePaymentRequired(rec.Header().Get(paygent.HeaderPaymentRequired))
	require.NoError(t, err)
	assert.True(t, req.Amount.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, "USDC", req.Token)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "daily report", body["description"])
	assert.Equal(t, "0.1", body["amount"])
}

func TestMiddleware_AcceptsProof(t *testing.T) {
	rec := get(newRouter(), "proof_abc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"report":"ok","proof":"proof_abc"}`, rec.Body.String())
}

func TestMiddleware_Verifier(t *testing.T) {
	verifier := ProofVerifierFunc(func(_ context.Context, proof string) (bool, error) {
		switch proof {
		case "proof_good":
			return true, nil
		case "proof_error":
			return false, errors.New("facilitator down")
		}
		return false, nil
	})
	r := newRouter(WithVerifier(verifier))

	assert.Equal(t, http.StatusOK, get(r, "proof_good").Code)

	rec := get(r, "proof_forged")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(paygent.HeaderPaymentRequired))

	assert.Equal(t, http.StatusInternalServerError, get(r, "proof_error").Code)
}
