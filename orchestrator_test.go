package paygent_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygent-labs/paygent"
	"github.com/paygent-labs/paygent/approval"
	"github.com/paygent-labs/paygent/authority"
	"github.com/paygent-labs/paygent/budget"
	phttp "github.com/paygent-labs/paygent/http"
	"github.com/paygent-labs/paygent/mechanisms/evm"
	"github.com/paygent-labs/paygent/settlement"
	signers "github.com/paygent-labs/paygent/signers/evm"
)

const (
	testKey    = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testWallet = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// paidService is a metered endpoint. Without a proof it answers 402 with
// the configured quote, with one it serves the resource.
type paidService struct {
	quote    string
	requests atomic.Int32
	proofs   atomic.Int32
}

func (s *paidService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	if r.Header.Get(paygent.HeaderPaymentProof) == "" {
		w.Header().Set(paygent.HeaderPaymentRequired, s.quote)
		w.WriteHeader(http.StatusPaymentRequired)
		return
	}
	s.proofs.Add(1)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"data":"paid content"}`))
}

type harness struct {
	orch      *paygent.Orchestrator
	guard     *budget.Guard
	approvals *approval.Coordinator
	authority *authority.Authority
	backend   *settlement.DeterministicBackend
	clock     *clock
	sleeps    *atomic.Int32
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	budget  budget.Config
	fetcher paygent.ResourceFetcher
	signer  bool
	wrap    func(paygent.Settler) paygent.Settler
	opts    []paygent.OrchestratorOption
}

func withBudget(cfg budget.Config) harnessOption {
	return func(h *harnessConfig) { h.budget = cfg }
}

func withFetcher(f paygent.ResourceFetcher) harnessOption {
	return func(h *harnessConfig) { h.fetcher = f }
}

func withoutSigner() harnessOption {
	return func(h *harnessConfig) { h.signer = false }
}

func withSettler(wrap func(paygent.Settler) paygent.Settler) harnessOption {
	return func(h *harnessConfig) { h.wrap = wrap }
}

func withOptions(opts ...paygent.OrchestratorOption) harnessOption {
	return func(h *harnessConfig) { h.opts = append(h.opts, opts...) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := &harnessConfig{budget: budget.DefaultConfig(), fetcher: phttp.NewResourceClient(nil), signer: true}
	for _, opt := range opts {
		opt(cfg)
	}

	clk := &clock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		guard:     budget.NewGuard(cfg.budget, budget.WithClock(clk.Now)),
		approvals: approval.NewCoordinator(approval.WithClock(clk.Now)),
		authority: authority.New(evm.NewPaymentDomain(84532, ""), authority.WithClock(clk.Now)),
		backend:   settlement.NewDeterministicBackend(),
		clock:     clk,
		sleeps:    &atomic.Int32{},
	}
	if cfg.signer {
		signer, err := signers.NewSignerFromPrivateKey(testKey)
		require.NoError(t, err)
		h.authority.AddSigner(signer)
	}

	sleep := func(ctx context.Context, _ time.Duration) error {
		h.sleeps.Add(1)
		return ctx.Err()
	}
	var settler paygent.Settler = settlement.NewClient(h.backend, settlement.WithSleep(sleep))
	if cfg.wrap != nil {
		settler = cfg.wrap(settler)
	}
	orch, err := paygent.NewOrchestrator(paygent.OrchestratorConfig{
		Budget:     h.guard,
		Approvals:  h.approvals,
		Authority:  h.authority,
		Settlement: settler,
		Fetcher:    cfg.fetcher,
		Retry:      paygent.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, Sleep: sleep},
	}, append([]paygent.OrchestratorOption{paygent.WithOrchestratorClock(clk.Now)}, cfg.opts...)...)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func intent(url, amount string) paygent.PaymentIntent {
	return paygent.PaymentIntent{
		ServiceURL:    url,
		Amount:        decimal.RequireFromString(amount),
		Token:         "USDC",
		Description:   "market data",
		WalletAddress: testWallet,
	}
}

// awaitPending waits until the coordinator holds one pending request
func awaitPending(t *testing.T, c *approval.Coordinator) paygent.ApprovalRequest {
	t.Helper()
	var pending []paygent.ApprovalRequest
	require.Eventually(t, func() bool {
		pending = c.Pending()
		return len(pending) == 1
	}, 2*time.Second, 5*time.Millisecond)
	return pending[0]
}

type outcome struct {
	result *paygent.PaymentResult
	err    error
}

func executeAsync(h *harness, in paygent.PaymentIntent) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		res, err := h.orch.Execute(context.Background(), in)
		ch <- outcome{res, err}
	}()
	return ch
}

func wait(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return")
		return outcome{}
	}
}

func TestNewOrchestrator_RequiresComponents(t *testing.T) {
	_, err := paygent.NewOrchestrator(paygent.OrchestratorConfig{})
	assert.Error(t, err)
}

// Scenario A: below the approval threshold the payment needs no human
func TestExecute_AutoApprove(t *testing.T) {
	svc := &paidService{quote: "x402; amount=0.10; token=USDC"}
	server := httptest.NewServer(svc)
	defer server.Close()
	h := newHarness(t)

	assert.Equal(t, paygent.VerdictAutoApprove, h.guard.Classify(testWallet, decimal.RequireFromString("0.10")).Verdict)

	res, err := h.orch.Execute(context.Background(), intent(server.URL, "0.10"))
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.True(t, res.Success)
	assert.Equal(t, paygent.StatusConfirmed, res.Status)
	assert.NotEmpty(t, res.PaymentID)
	assert.NotEmpty(t, res.Proof)
	assert.Empty(t, res.ApprovalID)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"data":"paid content"}`, string(res.Body))
	assert.Empty(t, h.approvals.List(""), "no approval request for an auto-approved payment")

	require.NotNil(t, res.Authorization)
	assert.Equal(t, uint64(0), res.Authorization.Nonce)
	assert.Equal(t, "100000", res.Authorization.AmountUnits.String())
	assert.True(t, h.authority.Verify(res.Authorization.Signature, res.Authorization, testWallet))

	assert.True(t, h.guard.State(testWallet).SpentInWindow.Equal(decimal.RequireFromString("0.10")))
	assert.EqualValues(t, 1, svc.proofs.Load())
	assert.Equal(t, 1, h.backend.Settlements())
}

// Scenario B: a single approver approves a $15 payment
func TestExecute_SingleApproval(t *testing.T) {
	server := httptest.NewServer(&paidService{quote: "x402; amount=15; token=USDC"})
	defer server.Close()
	h := newHarness(t)

	ch := executeAsync(h, intent(server.URL, "15"))
	req := awaitPending(t, h.approvals)
	assert.Equal(t, 1, req.RequiredApprovals)

	done, err := h.approvals.AddApproval(req.ID, "alice")
	require.NoError(t, err)
	assert.True(t, done)

	out := wait(t, ch)
	require.NoError(t, out.err)
	assert.True(t, out.result.Success)
	assert.Equal(t, paygent.StatusConfirmed, out.result.Status)
	assert.Equal(t, req.ID, out.result.ApprovalID)
	assert.True(t, h.guard.State(testWallet).SpentInWindow.Equal(decimal.NewFromInt(15)))
}

// Scenario C: a single rejection fails the payment and spends nothing
func TestExecute_ApprovalRejected(t *testing.T) {
	svc := &paidService{quote: "x402; amount=15; token=USDC"}
	server := httptest.NewServer(svc)
	defer server.Close()
	h := newHarness(t)

	ch := executeAsync(h, intent(server.URL, "15"))
	req := awaitPending(t, h.approvals)
	require.NoError(t, h.approvals.Reject(req.ID, "bob", "too risky"))

	out := wait(t, ch)
	require.Error(t, out.err)
	assert.False(t, out.result.Success)
	assert.Equal(t, paygent.StatusFailed, out.result.Status)
	assert.Equal(t, paygent.KindApprovalRejected, out.result.Kind)
	assert.Contains(t, out.result.Reason, "too risky")
	assert.True(t, h.guard.State(testWallet).SpentInWindow.IsZero())
	assert.EqualValues(t, 0, svc.requests.Load(), "rejected payment never contacts the service")
	assert.Equal(t, uint64(0), h.authority.NextNonce(testWallet))
}

// Scenario D: a $2000 payment needs three approvers and expires with two
func TestExecute_MultisigExpires(t *testing.T) {
	server := httptest.NewServer(&paidService{quote: "x402; amount=2000; token=USDC"})
	defer server.Close()

	cfg := budget.DefaultConfig()
	cfg.DailyLimitUSD = decimal.NewFromInt(10000)
	cfg.MaxSingleTransactionUSD = decimal.NewFromInt(5000)
	h := newHarness(t, withBudget(cfg))

	ch := executeAsync(h, intent(server.URL, "2000"))
	req := awaitPending(t, h.approvals)
	assert.Equal(t, 3, req.RequiredApprovals)

	for _, approver := range []string{"alice", "bob", "alice"} {
		done, err := h.approvals.AddApproval(req.ID, approver)
		require.NoError(t, err)
		assert.False(t, done)
	}

	h.clock.Advance(25 * time.Hour)
	assert.Equal(t, []string{req.ID}, h.approvals.ExpireStale(24*time.Hour))

	out := wait(t, ch)
	require.Error(t, out.err)
	assert.Equal(t, paygent.StatusFailed, out.result.Status)
	assert.Equal(t, paygent.KindApprovalExpired, out.result.Kind)
	assert.True(t, h.guard.State(testWallet).SpentInWindow.IsZero())
}

func TestExecute_MultisigApproved(t *testing.T) {
	server := httptest.NewServer(&paidService{quote: "x402; amount=2000; token=USDC"})
	defer server.Close()

	cfg := budget.DefaultConfig()
	cfg.DailyLimitUSD = decimal.NewFromInt(10000)
	cfg.MaxSingleTransactionUSD = decimal.NewFromInt(5000)
	h := newHarness(t, withBudget(cfg))

	ch := executeAsync(h, intent(server.URL, "2000"))
	req := awaitPending(t, h.approvals)
	for _, approver := range []string{"alice", "bob", "carol"} {
		_, err := h.approvals.AddApproval(req.ID, approver)
		require.NoError(t, err)
	}

	out := wait(t, ch)
	require.NoError(t, out.err)
	assert.Equal(t, paygent.StatusConfirmed, out.result.Status)
}

// Scenario E: the service quotes a different price than the intent
func TestExecute_AmountMismatch(t *testing.T) {
	server := httptest.NewServer(&paidService{quote: "x402; amount=0.10; token=USDC"})
	defer server.Close()
	h := newHarness(t)

	res, err := h.orch.Execute(context.Background(), intent(server.URL, "0.20"))
	require.Error(t, err)
	assert.Equal(t, paygent.StatusFailed, res.Status)
	assert.Equal(t, paygent.KindAmountMismatch, res.Kind)
	assert.Contains(t, res.Reason, "amount_mismatch")
	assert.Nil(t, res.Authorization)
	assert.Equal(t, uint64(0), h.authority.NextNonce(testWallet), "nonce not consumed")
	assert.Equal(t, 0, h.backend.Submits())
}

func TestExecute_TokenMismatch(t *testing.T) {
	server := httptest.NewServer(&paidService{quote: "x402; amount=0.10; token=DAI"})
	defer server.Close()
	h := newHarness(t)

	res, err := h.orch.Execute(context.Background(), intent(server.URL, "0.10"))
	require.Error(t, err)
	assert.Equal(t, paygent.KindTokenMismatch, res.Kind)
	assert.Equal(t, uint64(0), h.authority.NextNonce(testWallet))
}

func TestExecute_MissingPaymentRequiredHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer server.Close()
	h := newHarness(t)

	res, err := h.orch.Execute(context.Background(), intent(server.URL, "0.10"))
	require.Error(t, err)
	assert.Equal(t, paygent.KindMissingPaymentHeader, res.Kind)
	assert.Equal(t, "missing_payment_required_header", res.Code)
	assert.Equal(t, http.StatusPaymentRequired, res.StatusCode)
	assert.EqualValues(t, 0, h.sleeps.Load(), "header failures are not retried")
}

func TestExecute_BudgetRejected(t *testing.T) {
	h := newHarness(t, withFetcher(failingFetcher(t)))

	res, err := h.orch.Execute(context.Background(), intent("https://api.example.com", "150"))
	require.Error(t, err)
	assert.Equal(t, paygent.StatusFailed, res.Status)
	assert.Equal(t, paygent.KindBudgetRejected, res.Kind)
	assert.Equal(t, paygent.ReasonExceedsMaxSingle, res.Code)
	assert.Empty(t, h.approvals.List(""), "a rejection creates no approval request")
}

func TestExecute_NoSigner(t *testing.T) {
	server := httptest.NewServer(&paidService{quote: "x402; amount=0.10; token=USDC"})
	defer server.Close()
	h := newHarness(t, withoutSigner())

	res, err := h.orch.Execute(context.Background(), intent(server.URL, "0.10"))
	require.Error(t, err)
	assert.Equal(t, paygent.KindNoSigner, res.Kind)
	assert.ErrorIs(t, err, paygent.ErrNoSigner)
	assert.False(t, paygent.IsRetryable(err))
	assert.Equal(t, 0, h.backend.Submits())
}

func TestExecute_InvalidIntent(t *testing.T) {
	h := newHarness(t, withFetcher(failingFetcher(t)))

	in := intent("https://api.example.com", "0.10")
	in.WalletAddress = "not-a-wallet"
	res, err := h.orch.Execute(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, paygent.KindInvalidIntent, res.Kind)

	in = intent("https://api.example.com", "0.10")
	in.Token = "DOGE"
	res, err = h.orch.Execute(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, paygent.KindInvalidIntent, res.Kind)
}

func TestExecute_NoPaymentRequired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"free":true}`))
	}))
	defer server.Close()
	h := newHarness(t)

	res, err := h.orch.Execute(context.Background(), intent(server.URL, "0.10"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, paygent.StatusNoPaymentRequired, res.Status)
	assert.Nil(t, res.Authorization)
	assert.True(t, h.guard.State(testWallet).SpentInWindow.IsZero())
}

// Retry boundedness: a permanently failing call is attempted exactly 3 times
func TestExecute_RetryBounded(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()
	h := newHarness(t)

	res, err := h.orch.Execute(context.Background(), intent(server.URL, "0.10"))
	require.Error(t, err)
	assert.Equal(t, paygent.KindNetwork, res.Kind)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.EqualValues(t, 3, attempts.Load())
	assert.EqualValues(t, 2, h.sleeps.Load(), "no sleep after the last attempt")
}

func TestExecute_ResponseClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		wantKind    paygent.ErrorKind
		wantCalls   int32
	}{
		{"not found is terminal", http.StatusNotFound, "", "missing", paygent.KindHTTPStatus, 1},
		{"bad request is terminal", http.StatusBadRequest, "", "bad", paygent.KindHTTPStatus, 1},
		{"rate limit is retried", http.StatusTooManyRequests, "", "slow down", paygent.KindNetwork, 3},
		{"empty body is retried", http.StatusOK, "", "", paygent.KindNetwork, 3},
		{"invalid json is retried", http.StatusOK, "application/json", "{oops", paygent.KindNetwork, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				if tt.contentType != "" {
					w.Header().Set("Content-Type", tt.contentType)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()
			h := newHarness(t)

			res, err := h.orch.Execute(context.Background(), intent(server.URL, "0.10"))
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, res.Kind)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestExecute_NoContentIsServed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()
	h := newHarness(t)

	res, err := h.orch.Execute(context.Background(), intent(server.URL, "0.10"))
	require.NoError(t, err)
	assert.Equal(t, paygent.StatusNoPaymentRequired, res.Status)
}

func TestExecute_FacilitatorRetried(t *testing.T) {
	server := httptest.NewServer(&paidService{quote: "x402; amount=0.10; token=USDC"})
	defer server.Close()
	h := newHarness(t)
	h.backend.FailNext(2, nil)

	res, err := h.orch.Execute(context.Background(), intent(server.URL, "0.10"))
	require.NoError(t, err)
	assert.Equal(t, paygent.StatusConfirmed, res.Status)
	assert.Equal(t, 3, h.backend.Submits())
	assert.Equal(t, 1, h.backend.Settlements())
}

func TestExecute_FacilitatorExhausted(t *testing.T) {
	server := httptest.NewServer(&paidService{quote: "x402; amount=0.10; token=USDC"})
	defer server.Close()
	h := newHarness(t)
	h.backend.FailNext(10, nil)

	res, err := h.orch.Execute(context.Background(), intent(server.URL, "0.10"))
	require.Error(t, err)
	assert.Equal(t, paygent.StatusFailed, res.Status)
	assert.Equal(t, paygent.KindFacilitatorUnavailable, res.Kind)
	assert.Equal(t, 3, h.backend.Submits())
	assert.True(t, h.guard.State(testWallet).SpentInWindow.IsZero(), "nothing is recorded without settlement")
	assert.Equal(t, uint64(1), h.authority.NextNonce(testWallet), "the signed nonce stays consumed")
}

func TestExecute_SettlementRejected(t *testing.T) {
	server := httptest.NewServer(&paidService{quote: "x402; amount=0.10; token=USDC"})
	defer server.Close()
	h := newHarness(t)
	h.backend.RejectNext("insufficient funds")

	res, err := h.orch.Execute(context.Background(), intent(server.URL, "0.10"))
	require.Error(t, err)
	assert.Equal(t, paygent.KindSettlementRejected, res.Kind)
	assert.Equal(t, 1, h.backend.Submits(), "rejection is not retried")
}

func TestExecute_ProofNotAccepted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(paygent.HeaderPaymentRequired, "x402; amount=0.10; token=USDC")
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer server.Close()
	h := newHarness(t)

	res, err := h.orch.Execute(context.Background(), intent(server.URL, "0.10"))
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, paygent.StatusConfirmed, res.Status, "settled money stays confirmed")
	assert.Equal(t, paygent.KindPaymentNotAccepted, res.Kind)
	assert.NotEmpty(t, res.Proof)
	assert.True(t, h.guard.State(testWallet).SpentInWindow.Equal(decimal.RequireFromString("0.10")))
}

func TestExecute_EditedIntent(t *testing.T) {
	server := httptest.NewServer(&paidService{quote: "x402; amount=12; token=USDC"})
	defer server.Close()
	h := newHarness(t)

	ch := executeAsync(h, intent(server.URL, "15"))
	req := awaitPending(t, h.approvals)

	edited := req.Intent
	edited.Amount = decimal.NewFromInt(12)
	done, err := h.approvals.EditAndApprove(req.ID, "alice", edited)
	require.NoError(t, err)
	assert.True(t, done)

	out := wait(t, ch)
	require.NoError(t, out.err)
	assert.Equal(t, paygent.StatusConfirmed, out.result.Status)
	assert.Equal(t, "12", out.result.Authorization.Intent.Amount.String())
	assert.True(t, h.guard.State(testWallet).SpentInWindow.Equal(decimal.NewFromInt(12)))
}

func TestExecute_EditedIntentNeedsMoreApprovals(t *testing.T) {
	server := httptest.NewServer(&paidService{quote: "x402; amount=1500; token=USDC"})
	defer server.Close()

	cfg := budget.DefaultConfig()
	cfg.DailyLimitUSD = decimal.NewFromInt(10000)
	cfg.MaxSingleTransactionUSD = decimal.NewFromInt(5000)
	h := newHarness(t, withBudget(cfg))

	ch := executeAsync(h, intent(server.URL, "15"))
	req := awaitPending(t, h.approvals)

	edited := req.Intent
	edited.Amount = decimal.NewFromInt(1500)
	_, err := h.approvals.EditAndApprove(req.ID, "alice", edited)
	require.NoError(t, err)

	out := wait(t, ch)
	require.Error(t, out.err)
	assert.Equal(t, paygent.KindApprovalRejected, out.result.Kind)
	assert.Equal(t, paygent.ReasonEditedNeedsMoreApprovals, out.result.Code)
	assert.Equal(t, uint64(0), h.authority.NextNonce(testWallet))
}

func TestExecute_CancelledWhileAwaitingApproval(t *testing.T) {
	h := newHarness(t, withFetcher(failingFetcher(t)))

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan outcome, 1)
	go func() {
		res, err := h.orch.Execute(ctx, intent("https://api.example.com", "15"))
		ch <- outcome{res, err}
	}()
	req := awaitPending(t, h.approvals)
	cancel()

	out := wait(t, ch)
	require.Error(t, out.err)
	assert.Equal(t, paygent.KindCancelled, out.result.Kind)
	assert.Equal(t, paygent.StatusFailed, out.result.Status)

	got, err := h.approvals.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, paygent.DecisionRejected, got.Decision)
	assert.Equal(t, paygent.ReasonExecutionCancelled, got.Reason)
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, withFetcher(failingFetcher(t)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.orch.Execute(ctx, intent("https://api.example.com", "0.10"))
	require.Error(t, err)
	assert.Equal(t, paygent.KindCancelled, res.Kind)
	assert.Equal(t, uint64(0), h.authority.NextNonce(testWallet))
}

// cancellingSettler cancels the caller's context once the payment is signed
type cancellingSettler struct {
	inner  paygent.Settler
	cancel context.CancelFunc
}

func (s *cancellingSettler) Submit(ctx context.Context, auth *paygent.PaymentAuthorization) (*paygent.SettlementRecord, error) {
	s.cancel()
	return s.inner.Submit(ctx, auth)
}

func TestExecute_CancelAfterSignResolvesSettlement(t *testing.T) {
	server := httptest.NewServer(&paidService{quote: "x402; amount=0.10; token=USDC"})
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, withSettler(func(inner paygent.Settler) paygent.Settler {
		return &cancellingSettler{inner: inner, cancel: cancel}
	}))
	h.backend.FailNext(1, nil)

	res, err := h.orch.Execute(ctx, intent(server.URL, "0.10"))
	require.Error(t, err, "the final fetch sees the cancelled context")
	assert.Equal(t, paygent.StatusConfirmed, res.Status, "a signed nonce always resolves its settlement")
	assert.Equal(t, paygent.KindCancelled, res.Kind)
	assert.NotEmpty(t, res.Proof)
	assert.Equal(t, 2, h.backend.Submits())
	assert.Equal(t, 1, h.backend.Settlements())
	assert.True(t, h.guard.State(testWallet).SpentInWindow.Equal(decimal.RequireFromString("0.10")))
}

func TestExecute_ConcurrentNoncesUnique(t *testing.T) {
	server := httptest.NewServer(&paidService{quote: "x402; amount=0.10; token=USDC"})
	defer server.Close()
	h := newHarness(t)

	const n = 32
	var wg sync.WaitGroup
	nonces := make(chan uint64, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.orch.Execute(context.Background(), intent(server.URL, "0.10"))
			if assert.NoError(t, err) {
				nonces <- res.Authorization.Nonce
			}
		}()
	}
	wg.Wait()
	close(nonces)

	seen := make(map[uint64]bool)
	for nonce := range nonces {
		assert.False(t, seen[nonce], "nonce %d reused", nonce)
		seen[nonce] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, h.backend.Settlements())
	assert.True(t, h.guard.State(testWallet).SpentInWindow.Equal(decimal.RequireFromString("3.2")))
}

func TestExecute_Hooks(t *testing.T) {
	server := httptest.NewServer(&paidService{quote: "x402; amount=0.10; token=USDC"})
	defer server.Close()

	var settled, failed atomic.Int32
	h := newHarness(t, withOptions(
		paygent.WithAfterSettleHook(func(c paygent.SettledContext) error {
			settled.Add(1)
			assert.NotEmpty(t, c.Settlement.ProofToken)
			return errors.New("ignored")
		}),
		paygent.WithOnFailureHook(func(c paygent.FailureContext) error {
			failed.Add(1)
			assert.Equal(t, paygent.CodeSignAborted, c.Error.Code)
			return nil
		}),
	))

	_, err := h.orch.Execute(context.Background(), intent(server.URL, "0.10"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, settled.Load())

	h.orch.OnBeforeSign(func(c paygent.BeforeSignContext) (*paygent.BeforeHookResult, error) {
		assert.True(t, c.Requirement.Amount.Equal(decimal.RequireFromString("0.10")))
		return &paygent.BeforeHookResult{Abort: true, Reason: "policy"}, nil
	})
	res, err := h.orch.Execute(context.Background(), intent(server.URL, "0.10"))
	require.Error(t, err)
	assert.Equal(t, paygent.KindCancelled, res.Kind)
	assert.EqualValues(t, 1, failed.Load())
	assert.Equal(t, uint64(1), h.authority.NextNonce(testWallet), "aborted payment consumes no nonce")
}

type panickyFetcher struct{}

func (panickyFetcher) Fetch(context.Context, string, http.Header) (*paygent.ResourceResponse, error) {
	panic("corrupted state")
}

func TestExecute_PanicIsContained(t *testing.T) {
	h := newHarness(t, withFetcher(panickyFetcher{}))

	res, err := h.orch.Execute(context.Background(), intent("https://api.example.com", "0.10"))
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, paygent.KindInternal, res.Kind)
	assert.Equal(t, paygent.StatusFailed, res.Status)
}

type recordingStore struct {
	mu       sync.Mutex
	statuses []paygent.PaymentStatus
}

func (s *recordingStore) SavePayment(_ context.Context, rec *paygent.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, rec.Status)
	return errors.New("disk full")
}

func (s *recordingStore) GetPayment(context.Context, string) (*paygent.PaymentRecord, error) {
	return nil, paygent.ErrNotFound
}

func (s *recordingStore) ListPayments(context.Context, string) ([]paygent.PaymentRecord, error) {
	return nil, nil
}

func (s *recordingStore) MaxNonce(context.Context, string) (uint64, bool, error) {
	return 0, false, nil
}

func TestExecute_PersistsTransitions(t *testing.T) {
	server := httptest.NewServer(&paidService{quote: "x402; amount=0.10; token=USDC"})
	defer server.Close()
	store := &recordingStore{}
	h := newHarness(t, withOptions(paygent.WithPaymentStore(store)))

	res, err := h.orch.Execute(context.Background(), intent(server.URL, "0.10"))
	require.NoError(t, err, "store errors do not fail the payment")
	assert.True(t, res.Success)
	assert.Equal(t, []paygent.PaymentStatus{
		paygent.StatusCreated,
		paygent.StatusClassified,
		paygent.StatusSigned,
		paygent.StatusSubmitted,
		paygent.StatusConfirmed,
		paygent.StatusConfirmed,
	}, store.statuses)
}

func failingFetcher(t *testing.T) paygent.ResourceFetcher {
	return fetcherFunc(func(context.Context, string, http.Header) (*paygent.ResourceResponse, error) {
		t.Error("the service must not be contacted")
		return nil, errors.New("unexpected fetch")
	})
}

type fetcherFunc func(ctx context.Context, url string, header http.Header) (*paygent.ResourceResponse, error)

func (f fetcherFunc) Fetch(ctx context.Context, url string, header http.Header) (*paygent.ResourceResponse, error) {
	return f(ctx, url, header)
}
