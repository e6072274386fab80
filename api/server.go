// Package api is the HTTP control plane: approvers decide on pending
// payments, operators inspect budgets and subscriptions, and the agent layer
// submits payments.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/paygent-labs/paygent"
	"github.com/paygent-labs/paygent/approval"
	"github.com/paygent-labs/paygent/budget"
	"github.com/paygent-labs/paygent/renewal"
)

// Payer executes payments. *paygent.Orchestrator implements it.
type Payer interface {
	Execute(ctx context.Context, intent paygent.PaymentIntent) (*paygent.PaymentResult, error)
}

// Approvals is the approver side of the approval coordinator
type Approvals interface {
	Get(requestID string) (*paygent.ApprovalRequest, error)
	List(decision paygent.ApprovalDecision) []paygent.ApprovalRequest
	AddApproval(requestID, approverID string) (bool, error)
	Reject(requestID, approverID, reason string) error
	EditAndApprove(requestID, approverID string, edited paygent.PaymentIntent) (bool, error)
	RevokeApproval(requestID, approverID string) error
}

// Budgets reports wallet budgets
type Budgets interface {
	State(wallet string) budget.State
}

// Renewals manages subscriptions
type Renewals interface {
	Subscribe(ctx context.Context, sub paygent.Subscription) (*paygent.Subscription, error)
	Cancel(ctx context.Context, id string) (*paygent.Subscription, error)
	RenewAll(ctx context.Context, withinHours, maxAttempts int) ([]renewal.RenewalOutcome, error)
}

var (
	_ Approvals = (*approval.Coordinator)(nil)
	_ Budgets   = (*budget.Guard)(nil)
	_ Renewals  = (*renewal.Scheduler)(nil)
)

// Config wires the server to the pipeline
type Config struct {
	Payer         Payer
	Approvals     Approvals
	Budgets       Budgets
	Renewals      Renewals
	Subscriptions paygent.SubscriptionStore
	// Payments is optional; without it GET /api/payments/:id is not served
	Payments paygent.PaymentStore

	RenewWithinHours int
	RenewMaxAttempts int

	Logger *slog.Logger
}

// Server is the control API
type Server struct {
	echo *echo.Echo
	cfg  Config
	log  *slog.Logger
}

// NewServer creates the server and registers its routes
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RenewWithinHours <= 0 {
		cfg.RenewWithinHours = 24
	}
	if cfg.RenewMaxAttempts <= 0 {
		cfg.RenewMaxAttempts = renewal.DefaultMaxAttempts
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			cfg.Logger.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	}))

	s := &Server{echo: e, cfg: cfg, log: cfg.Logger}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := s.echo.Group("/api")

	api.POST("/payments", s.createPayment)
	if s.cfg.Payments != nil {
		api.GET("/payments/:id", s.getPayment)
	}

	approvals := api.Group("/approvals")
	approvals.GET("", s.listApprovals)
	approvals.GET("/:id", s.getApproval)
	approvals.POST("/:id/approve", s.approve)
	approvals.POST("/:id/reject", s.reject)
	approvals.POST("/:id/edit", s.edit)
	approvals.POST("/:id/revoke", s.revoke)

	api.GET("/budget/:wallet", s.getBudget)

	subs := api.Group("/subscriptions")
	subs.GET("", s.listSubscriptions)
	subs.POST("", s.createSubscription)
	subs.POST("/renew", s.renewAll)
	subs.POST("/:id/cancel", s.cancelSubscription)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on address until Shutdown is called
func (s *Server) Start(address string) error {
	if err := s.echo.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
