// Package mockfacilitator serves a settlement.Backend over the facilitator
// wire protocol so the pipeline can run end to end without a chain.
package mockfacilitator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/paygent-labs/paygent"
	"github.com/paygent-labs/paygent/pkg/paywall"
	"github.com/paygent-labs/paygent/settlement"
)

// Option configures the router
type Option func(*options)

type options struct {
	apiKey  string
	timeout time.Duration
	logger  *slog.Logger
	demo    *demoResource
}

type demoResource struct {
	path   string
	amount decimal.Decimal
	token  string
}

// WithDemoResource serves a paywalled GET path priced at amount. When the
// backend can check proofs only proofs it issued are accepted.
func WithDemoResource(path string, amount decimal.Decimal, token string) Option {
	return func(o *options) {
		o.demo = &demoResource{path: path, amount: amount, token: token}
	}
}

// WithAPIKey requires "Authorization: Bearer <key>" on every facilitator call
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
	}
}

// WithTimeout bounds one backend call
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the request logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewRouter exposes backend as POST /submit and GET /verify/:paymentId.
// A resubmitted authorization answers 409 with the original settlement.
func NewRouter(backend settlement.Backend, opts ...Option) *gin.Engine {
	o := &options{timeout: 30 * time.Second, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(o.logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/")
	if o.apiKey != "" {
		api.Use(bearerAuth(o.apiKey))
	}

	api.POST("/submit", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), o.timeout)
		defer cancel()

		var req settlement.SubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		resp, err := backend.Submit(ctx, &req)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		if resp.Status == settlement.StatusAlreadySettled {
			c.JSON(http.StatusConflict, resp)
			return
		}
		c.JSON(http.StatusOK, resp)
	})

	api.GET("/verify/:paymentId", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), o.timeout)
		defer cancel()

		resp, err := backend.Verify(ctx, c.Param("paymentId"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, resp)
	})

	if o.demo != nil {
		pw := []paywall.Option{paywall.WithDescription("demo resource"), paywall.WithLogger(o.logger)}
		if v, ok := backend.(paywall.ProofVerifier); ok {
			pw = append(pw, paywall.WithVerifier(v))
		}
		r.GET(o.demo.path, paywall.Middleware(o.demo.amount, o.demo.token, pw...), func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"resource": o.demo.path,
				"paid":     o.demo.amount.String() + " " + o.demo.token,
				"proof":    c.GetString(paywall.ContextKeyProof),
			})
		})
	}

	return r
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, paygent.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, paygent.ErrSettlementRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusServiceUnavailable
}

func bearerAuth(key string) gin.HandlerFunc {
	want := "Bearer " + key
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") != want {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestLogger(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		l.InfoContext(c.Request.Context(), "facilitator request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
