// Package app wires the payment pipeline from configuration and runs its
// long-lived loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/paygent-labs/paygent"
	"github.com/paygent-labs/paygent/api"
	"github.com/paygent-labs/paygent/approval"
	"github.com/paygent-labs/paygent/authority"
	"github.com/paygent-labs/paygent/budget"
	phttp "github.com/paygent-labs/paygent/http"
	"github.com/paygent-labs/paygent/internal/config"
	"github.com/paygent-labs/paygent/mcp"
	paygentevm "github.com/paygent-labs/paygent/mechanisms/evm"
	"github.com/paygent-labs/paygent/notify"
	"github.com/paygent-labs/paygent/renewal"
	"github.com/paygent-labs/paygent/settlement"
	evmsigners "github.com/paygent-labs/paygent/signers/evm"
	"github.com/paygent-labs/paygent/store/memory"
	"github.com/paygent-labs/paygent/store/postgres"
)

// Store is the persistence the pipeline needs. The memory and postgres
// stores both implement it.
type Store interface {
	paygent.PaymentStore
	paygent.ApprovalStore
	paygent.SubscriptionStore
}

// App is a fully wired pipeline
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Store        Store
	Budget       *budget.Guard
	Approvals    *approval.Coordinator
	Authority    *authority.Authority
	Settlement   *settlement.Client
	Orchestrator *paygent.Orchestrator
	Renewals     *renewal.Scheduler
	API          *api.Server
	MCP          *mcp.Server

	closers []func()
}

// New builds the pipeline described by cfg. Pending approvals are restored
// and nonce counters seeded from the store before New returns.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	policy, err := cfg.Budget.Policy()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("budget: %w", err)
	}
	a.Budget = budget.NewGuard(policy, budget.WithLogger(logger))

	a.Approvals = approval.NewCoordinator(
		approval.WithTimeout(cfg.Approval.ApprovalTimeout()),
		approval.WithStore(a.Store),
		approval.WithLogger(logger),
	)
	restored, err := a.Approvals.Restore(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("restore approvals: %w", err)
	}
	if restored > 0 {
		logger.Info("pending approvals restored", "count", restored)
	}

	signer, err := a.signer()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Authority = authority.New(
		paygentevm.NewPaymentDomain(cfg.Signing.ChainID, cfg.Signing.VerifyingContract),
		authority.WithSigner(signer),
		authority.WithLogger(logger),
	)
	if err := a.Authority.SeedFromStore(ctx, a.Store); err != nil {
		a.Close()
		return nil, err
	}

	settlementStore, err := a.settlementStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Settlement = settlement.NewClient(a.facilitator(),
		settlement.WithStore(settlementStore),
		settlement.WithConfirmPolls(cfg.Facilitator.ConfirmPolls, cfg.Retry.BaseDelay()),
		settlement.WithLogger(logger),
	)

	a.Orchestrator, err = paygent.NewOrchestrator(paygent.OrchestratorConfig{
		Budget:          a.Budget,
		Approvals:       a.Approvals,
		Authority:       a.Authority,
		Settlement:      a.Settlement,
		Fetcher:         phttp.NewResourceClient(&phttp.ResourceConfig{Timeout: cfg.Facilitator.Timeout}),
		Retry:           paygent.RetryPolicy{Attempts: cfg.Retry.Attempts, BaseDelay: cfg.Retry.BaseDelay()},
		ApprovalTimeout: cfg.Approval.ApprovalTimeout(),
	},
		paygent.WithPaymentStore(a.Store),
		paygent.WithOrchestratorLogger(logger),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Renewals = renewal.New(a.Store, a.Orchestrator, notify.NewLogNotifier(logger),
		renewal.WithWorkers(cfg.Renewal.Workers),
		renewal.WithBackoff(cfg.Retry.BaseDelay()),
		renewal.WithGracePeriod(cfg.Renewal.GracePeriod),
		renewal.WithLogger(logger),
	)

	a.API = api.NewServer(api.Config{
		Payer:            a.Orchestrator,
		Approvals:        a.Approvals,
		Budgets:          a.Budget,
		Renewals:         a.Renewals,
		Subscriptions:    a.Store,
		Payments:         a.Store,
		RenewWithinHours: cfg.Renewal.WithinHours,
		RenewMaxAttempts: cfg.Renewal.MaxAttempts,
		Logger:           logger,
	})
	a.MCP = mcp.NewServer(mcp.Config{
		Payer:         a.Orchestrator,
		Approvals:     a.Approvals,
		Subscriptions: a.Store,
		Logger:        logger,
	})

	return a, nil
}

// Run serves the control API and runs the approval expiry sweep and the
// renewal loop until ctx is done. The MCP SSE listener runs when enabled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	addr := net.JoinHostPort(a.cfg.HTTP.Host, strconv.Itoa(a.cfg.HTTP.Port))

	g.Go(func() error {
		a.logger.Info("control API listening", "addr", addr)
		if err := a.API.Start(addr); err != nil {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return a.API.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		a.Approvals.RunExpirySweep(ctx, a.cfg.Approval.SweepInterval, a.cfg.Approval.ApprovalTimeout())
		return nil
	})
	g.Go(func() error {
		a.Renewals.Run(ctx, a.cfg.Renewal.Interval, a.cfg.Renewal.WithinHours, a.cfg.Renewal.MaxAttempts)
		return nil
	})

	if a.cfg.MCP.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/sse", a.MCP.SSEHandler())
		mux.Handle("/messages", a.MCP.SSEHandler())
		srv := &http.Server{Addr: a.cfg.MCP.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			a.logger.Info("MCP SSE listening", "addr", a.cfg.MCP.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Close releases the store and cache connections
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openStore(ctx context.Context) error {
	switch strings.ToLower(a.cfg.Store.Driver) {
	case "postgres":
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{DSN: a.cfg.Store.DSN, MaxConns: a.cfg.Store.MaxConns})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pool.Close)
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		a.Store = postgres.New(pool)
		a.logger.Info("using postgres store")
	default:
		a.Store = memory.New()
		a.logger.Warn("using in-memory store; state is lost on restart")
	}
	return nil
}

func (a *App) signer() (paygentevm.Signer, error) {
	if key := a.cfg.Signing.PrivateKey; key != "" {
		s, err := evmsigners.NewSignerFromPrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}
		a.logger.Info("signer loaded", "wallet", s.Address())
		return s, nil
	}
	if !strings.EqualFold(a.cfg.Facilitator.Mode, "mock") {
		return nil, errors.New("signing.private_key is required outside mock mode")
	}
	s, err := evmsigners.GenerateSigner()
	if err != nil {
		return nil, fmt.Errorf("generate signer: %w", err)
	}
	a.logger.Warn("no signing key configured; using an ephemeral wallet", "wallet", s.Address())
	return s, nil
}

func (a *App) settlementStore(ctx context.Context) (settlement.Store, error) {
	if a.cfg.Redis.Addr == "" {
		return settlement.NewMemoryStore(a.cfg.Redis.CacheTTL), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.closers = append(a.closers, func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", a.cfg.Redis.Addr, err)
	}
	a.logger.Info("using redis settlement store", "addr", a.cfg.Redis.Addr)
	return settlement.NewRedisStore(client, settlement.WithResultTTL(a.cfg.Redis.CacheTTL)), nil
}

func (a *App) facilitator() settlement.Backend {
	if strings.EqualFold(a.cfg.Facilitator.Mode, "http") {
		var auth phttp.AuthProvider
		if a.cfg.Facilitator.APIKey != "" {
			auth = phttp.StaticAuth(a.cfg.Facilitator.APIKey)
		}
		a.logger.Info("using http facilitator", "url", a.cfg.Facilitator.URL)
		return phttp.NewFacilitatorClient(&phttp.FacilitatorConfig{
			URL:          a.cfg.Facilitator.URL,
			AuthProvider: auth,
			Timeout:      a.cfg.Facilitator.Timeout,
		})
	}
	a.logger.Warn("using the in-process mock facilitator")
	return settlement.NewDeterministicBackend()
}
