package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/paygent-labs/paygent"
	"github.com/paygent-labs/paygent/budget"
)

// Validate performs business-rule validation on the loaded configuration.
// Load calls it automatically.
func (c *Config) Validate() error {
	if _, err := c.Budget.Policy(); err != nil {
		return fmt.Errorf("budget: %w", err)
	}
	if c.Retry.Attempts < 1 || c.Retry.Attempts > paygent.MaxRetryAttempts {
		return fmt.Errorf("retry.attempts must be between 1 and %d (got %d)", paygent.MaxRetryAttempts, c.Retry.Attempts)
	}
	if c.Retry.BaseDelayMS < 0 {
		return fmt.Errorf("retry.base_delay_ms must be >= 0 (got %d)", c.Retry.BaseDelayMS)
	}
	if c.Approval.TimeoutHours < 1 {
		return fmt.Errorf("approval.timeout_hours must be >= 1 (got %d)", c.Approval.TimeoutHours)
	}
	if c.Approval.SweepInterval <= 0 {
		return errors.New("approval.sweep_interval must be positive")
	}
	if !common.IsHexAddress(c.Signing.VerifyingContract) {
		return fmt.Errorf("signing.verifying_contract %q is not a hex address", c.Signing.VerifyingContract)
	}
	if c.Signing.ChainID <= 0 {
		return fmt.Errorf("signing.chain_id must be positive (got %d)", c.Signing.ChainID)
	}

	switch strings.ToLower(c.Facilitator.Mode) {
	case "mock":
	case "http":
		if c.Facilitator.URL == "" {
			return errors.New("facilitator.url is required in http mode")
		}
	default:
		return fmt.Errorf("facilitator.mode must be mock or http (got %q)", c.Facilitator.Mode)
	}
	if c.Facilitator.ConfirmPolls < 0 {
		return fmt.Errorf("facilitator.confirm_polls must be >= 0 (got %d)", c.Facilitator.ConfirmPolls)
	}

	if c.Renewal.Interval <= 0 {
		return errors.New("renewal.interval must be positive")
	}
	if c.Renewal.MaxAttempts < 1 || c.Renewal.MaxAttempts > paygent.MaxRetryAttempts {
		return fmt.Errorf("renewal.max_attempts must be between 1 and %d (got %d)", paygent.MaxRetryAttempts, c.Renewal.MaxAttempts)
	}
	if c.Renewal.Workers < 1 {
		return fmt.Errorf("renewal.workers must be >= 1 (got %d)", c.Renewal.Workers)
	}
	if c.Renewal.WithinHours < 0 {
		return fmt.Errorf("renewal.within_hours must be >= 0 (got %d)", c.Renewal.WithinHours)
	}

	switch strings.ToLower(c.Store.Driver) {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be memory or postgres (got %q)", c.Store.Driver)
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range (got %d)", c.HTTP.Port)
	}
	return nil
}

// Policy converts the budget section into a budget.Config
func (b BudgetConfig) Policy() (budget.Config, error) {
	cfg := budget.DefaultConfig()
	fields := []struct {
		name  string
		raw   string
		value *decimal.Decimal
	}{
		{"daily_limit_usd", b.DailyLimitUSD, &cfg.DailyLimitUSD},
		{"max_single_transaction_usd", b.MaxSingleTransactionUSD, &cfg.MaxSingleTransactionUSD},
		{"approval_threshold_usd", b.ApprovalThresholdUSD, &cfg.ApprovalThresholdUSD},
		{"multisig_threshold_usd", b.MultisigThresholdUSD, &cfg.MultisigThresholdUSD},
	}

	for _, f := range fields {
		d, err := decimal.NewFromString(strings.TrimSpace(f.raw))
		if err != nil {
			return budget.Config{}, fmt.Errorf("%s %q is not a decimal", f.name, f.raw)
		}
		if !d.IsPositive() {
			return budget.Config{}, fmt.Errorf("%s must be positive (got %s)", f.name, d)
		}
		*f.value = d
	}

	if cfg.ApprovalThresholdUSD.GreaterThan(cfg.MaxSingleTransactionUSD) {
		return budget.Config{}, fmt.Errorf("approval_threshold_usd %s exceeds max_single_transaction_usd %s",
			cfg.ApprovalThresholdUSD, cfg.MaxSingleTransactionUSD)
	}
	if b.MultisigApprovers < 1 {
		return budget.Config{}, fmt.Errorf("multisig_approvers must be >= 1 (got %d)", b.MultisigApprovers)
	}
	cfg.MultisigApprovers = b.MultisigApprovers
	return cfg, nil
}
