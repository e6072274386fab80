// Package paywall gates gin routes behind an x402 payment. Requests without
// a Payment-Proof header are answered with 402 and a Payment-Required
// header the paygent orchestrator understands.
package paywall

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/paygent-labs/paygent"
)

// ProofVerifier checks a proof presented on retry
type ProofVerifier interface {
	CheckProof(ctx context.Context, proof string) (bool, error)
}

// ProofVerifierFunc adapts a function to ProofVerifier
type ProofVerifierFunc func(ctx context.Context, proof string) (bool, error)

// CheckProof calls f
func (f ProofVerifierFunc) CheckProof(ctx context.Context, proof string) (bool, error) {
	return f(ctx, proof)
}

// ContextKeyProof is the gin context key holding the accepted proof
const ContextKeyProof = "paygent.proof"

// MiddlewareOptions configures Middleware
type MiddlewareOptions struct {
	Description string
	Verifier    ProofVerifier
	Logger      *slog.Logger
}

// Option configures Middleware
type Option func(*MiddlewareOptions)

// WithDescription sets the description returned in the 402 body
func WithDescription(description string) Option {
	return func(o *MiddlewareOptions) {
		o.Description = description
	}
}

// WithVerifier checks proofs before the handler runs. Without one any
// non-empty proof is accepted.
func WithVerifier(v ProofVerifier) Option {
	return func(o *MiddlewareOptions) {
		o.Verifier = v
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *MiddlewareOptions) {
		o.Logger = logger
	}
}

// Middleware charges amount of token for every request it wraps
func Middleware(amount decimal.Decimal, token string, opts ...Option) gin.HandlerFunc {
	options := &MiddlewareOptions{Logger: slog.Default()}
	for _, opt := range opts {
		opt(options)
	}
	challenge := paygent.FormatPaymentRequired(amount, token)

	paymentRequired := func(c *gin.Context, reason string) {
		c.Header(paygent.HeaderPaymentRequired, challenge)
		body := gin.H{
			"error":  reason,
			"amount": amount.String(),
			"token":  token,
		}
		if options.Description != "" {
			body["description"] = options.Description
		}
		c.AbortWithStatusJSON(http.StatusPaymentRequired, body)
	}

	return func(c *gin.Context) {
		proof := c.GetHeader(paygent.HeaderPaymentProof)
		if proof == "" {
			paymentRequired(c, paygent.HeaderPaymentProof+" header is required")
			return
		}

		if options.Verifier != nil {
			ok, err := options.Verifier.CheckProof(c.Request.Context(), proof)
			if err != nil {
				options.Logger.Error("proof verification failed", "path", c.Request.URL.Path, "error", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if !ok {
				options.Logger.Warn("invalid payment proof", "path", c.Request.URL.Path)
				paymentRequired(c, "invalid payment proof")
				return
			}
		}

		options.Logger.Debug("payment proof accepted", "path", c.Request.URL.Path)
		c.Set(ContextKeyProof, proof)
		c.Next()
	}
}
