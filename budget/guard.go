// Package budget tracks rolling daily spend per wallet and classifies
// intended payments as auto-approved, approval-gated or rejected.
package budget

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paygent-labs/paygent"
)

// DefaultWindow is the length of the spend window
const DefaultWindow = 24 * time.Hour

// Config holds the spend policy. Thresholds are inclusive: an amount equal to
// ApprovalThresholdUSD needs approval.
type Config struct {
	DailyLimitUSD           decimal.Decimal
	MaxSingleTransactionUSD decimal.Decimal
	ApprovalThresholdUSD    decimal.Decimal
	// MultisigThresholdUSD and above requires MultisigApprovers approvers
	MultisigThresholdUSD decimal.Decimal
	MultisigApprovers    int
	Window               time.Duration
}

// DefaultConfig returns $100 daily, $100 per transaction, approval from $10,
// three approvers from $1000.
func DefaultConfig() Config {
	return Config{
		DailyLimitUSD:           decimal.NewFromInt(100),
		MaxSingleTransactionUSD: decimal.NewFromInt(100),
		ApprovalThresholdUSD:    decimal.NewFromInt(10),
		MultisigThresholdUSD:    decimal.NewFromInt(1000),
		MultisigApprovers:       3,
		Window:                  DefaultWindow,
	}
}

// State is a snapshot of one wallet's budget
type State struct {
	WalletAddress        string          `json:"walletAddress"`
	WindowStart          time.Time       `json:"windowStart"`
	SpentInWindow        decimal.Decimal `json:"spentInWindow"`
	Remaining            decimal.Decimal `json:"remaining"`
	DailyLimit           decimal.Decimal `json:"dailyLimit"`
	MaxSingleTransaction decimal.Decimal `json:"maxSingleTransaction"`
	ApprovalThresholdUSD decimal.Decimal `json:"approvalThresholdUsd"`
}

// Guard is the budget guard. Each wallet has its own lock; Classify and
// RecordSpend for one wallet are serialized, different wallets are not.
type Guard struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	wallets map[string]*walletBudget
}

type walletBudget struct {
	mu          sync.Mutex
	cfg         Config
	windowStart time.Time
	spent       decimal.Decimal
}

var _ paygent.BudgetClassifier = (*Guard)(nil)

// Option configures a Guard
type Option func(*Guard)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = l
	}
}

// NewGuard creates a Guard with the default policy cfg
func NewGuard(cfg Config, opts ...Option) *Guard {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MultisigApprovers < 1 {
		cfg.MultisigApprovers = 1
	}
	g := &Guard{
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default(),
		wallets: make(map[string]*walletBudget),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetLimits overrides the policy of one wallet. Spent totals are kept.
func (g *Guard) SetLimits(wallet string, cfg Config) {
	if cfg.Window <= 0 {
		cfg.Window = g.cfg.Window
	}
	if cfg.MultisigApprovers < 1 {
		cfg.MultisigApprovers = 1
	}
	wb := g.walletFor(wallet)
	wb.mu.Lock()
	defer wb.mu.Unlock()
	wb.cfg = cfg
}

// Classify decides whether amountUSD may be spent from wallet now
func (g *Guard) Classify(wallet string, amountUSD decimal.Decimal) paygent.Classification {
	wb := g.walletFor(wallet)
	wb.mu.Lock()
	defer wb.mu.Unlock()

	g.rollover(wb)
	cfg := wb.cfg

	switch {
	case !amountUSD.IsPositive():
		return reject("non_positive_amount")
	case amountUSD.GreaterThan(cfg.MaxSingleTransactionUSD):
		return reject(paygent.ReasonExceedsMaxSingle)
	case wb.spent.Add(amountUSD).GreaterThan(cfg.DailyLimitUSD):
		return reject(paygent.ReasonExceedsDailyLimit)
	case cfg.MultisigThresholdUSD.IsPositive() && amountUSD.GreaterThanOrEqual(cfg.MultisigThresholdUSD):
		return paygent.Classification{Verdict: paygent.VerdictRequireApproval, RequiredApprovals: cfg.MultisigApprovers}
	case amountUSD.GreaterThanOrEqual(cfg.ApprovalThresholdUSD):
		return paygent.Classification{Verdict: paygent.VerdictRequireApproval, RequiredApprovals: 1}
	}
	return paygent.Classification{Verdict: paygent.VerdictAutoApprove}
}

// RecordSpend adds a confirmed settlement to the wallet's window
func (g *Guard) RecordSpend(wallet string, amountUSD decimal.Decimal) {
	if !amountUSD.IsPositive() {
		return
	}
	wb := g.walletFor(wallet)
	wb.mu.Lock()
	defer wb.mu.Unlock()

	g.rollover(wb)
	wb.spent = wb.spent.Add(amountUSD)

	g.logger.Debug("spend recorded", "wallet", normalize(wallet),
		"amount_usd", amountUSD.String(), "spent_in_window", wb.spent.String())
}

// State returns the wallet's budget after applying rollover
func (g *Guard) State(wallet string) State {
	wb := g.walletFor(wallet)
	wb.mu.Lock()
	defer wb.mu.Unlock()

	g.rollover(wb)
	remaining := wb.cfg.DailyLimitUSD.Sub(wb.spent)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return State{
		WalletAddress:        normalize(wallet),
		WindowStart:          wb.windowStart,
		SpentInWindow:        wb.spent,
		Remaining:            remaining,
		DailyLimit:           wb.cfg.DailyLimitUSD,
		MaxSingleTransaction: wb.cfg.MaxSingleTransactionUSD,
		ApprovalThresholdUSD: wb.cfg.ApprovalThresholdUSD,
	}
}

// rollover resets the window lazily. Must be called with wb.mu held.
func (g *Guard) rollover(wb *walletBudget) {
	now := g.now()
	if now.Sub(wb.windowStart) >= wb.cfg.Window {
		wb.windowStart = now
		wb.spent = decimal.Zero
	}
}

func (g *Guard) walletFor(wallet string) *walletBudget {
	key := normalize(wallet)
	g.mu.Lock()
	defer g.mu.Unlock()
	wb, ok := g.wallets[key]
	if !ok {
		wb = &walletBudget{cfg: g.cfg, windowStart: g.now(), spent: decimal.Zero}
		g.wallets[key] = wb
	}
	return wb
}

func reject(reason string) paygent.Classification {
	return paygent.Classification{Verdict: paygent.VerdictReject, Reason: reason}
}

func normalize(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}
