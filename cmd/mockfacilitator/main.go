// Command mockfacilitator serves the deterministic settlement backend over
// HTTP so paygent can run in http facilitator mode without a chain.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/paygent-labs/paygent/internal/app"
	"github.com/paygent-labs/paygent/internal/config"
	"github.com/paygent-labs/paygent/internal/mockfacilitator"
	"github.com/paygent-labs/paygent/settlement"
)

func main() {
	addr := flag.String("addr", ":4020", "listen address")
	demoPath := flag.String("demo-path", "/demo/report", "paywalled demo resource path, empty to disable")
	demoPrice := flag.String("demo-price", "0.10", "demo resource price")
	demoToken := flag.String("demo-token", "USDC", "demo resource token")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := app.NewLogger(cfg.Log)

	opts := []mockfacilitator.Option{
		mockfacilitator.WithAPIKey(cfg.Facilitator.APIKey),
		mockfacilitator.WithTimeout(cfg.Facilitator.Timeout),
		mockfacilitator.WithLogger(logger),
	}
	if *demoPath != "" {
		price, err := decimal.NewFromString(*demoPrice)
		if err != nil {
			log.Fatalf("demo price: %v", err)
		}
		opts = append(opts, mockfacilitator.WithDemoResource(*demoPath, price, *demoToken))
	}
	router := mockfacilitator.NewRouter(settlement.NewDeterministicBackend(), opts...)
	srv := &http.Server{Addr: *addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("mock facilitator listening", slog.String("addr", *addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("mock facilitator stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
