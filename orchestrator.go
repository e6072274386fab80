package paygent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultApprovalTimeout bounds the wait for a human decision
const DefaultApprovalTimeout = 24 * time.Hour

// ReasonEditedNeedsMoreApprovals fails an edited intent that now needs a
// larger quorum than it received
const ReasonEditedNeedsMoreApprovals = "edited_intent_requires_more_approvals"

// ReasonExecutionCancelled is recorded on an approval whose payment was cancelled
const ReasonExecutionCancelled = "execution_cancelled"

// CodeSignAborted is the code of a payment stopped by a before-sign hook
const CodeSignAborted = "sign_aborted"

// OrchestratorConfig holds the pipeline components. All of them are required.
type OrchestratorConfig struct {
	Budget     BudgetClassifier
	Approvals  ApprovalGate
	Authority  Authorizer
	Settlement Settler
	Fetcher    ResourceFetcher

	// Retry applies to both the resource requests and the settlement submit
	Retry RetryPolicy

	// ApprovalTimeout is how long a pending approval may wait (24h if zero)
	ApprovalTimeout time.Duration
}

// Orchestrator drives one payment from intent to a terminal state:
// classify, approve, quote, sign, settle, then retry the request with proof.
type Orchestrator struct {
	budget          BudgetClassifier
	approvals       ApprovalGate
	authority       Authorizer
	settlement      Settler
	fetcher         ResourceFetcher
	retry           RetryPolicy
	approvalTimeout time.Duration
	tokens          *TokenRegistry
	store           PaymentStore
	now             func() time.Time
	logger          *slog.Logger

	mu               sync.RWMutex
	beforeSignHooks  []BeforeSignHook
	afterSettleHooks []AfterSettleHook
	onFailureHooks   []OnFailureHook
}

// OrchestratorOption configures the orchestrator
type OrchestratorOption func(*Orchestrator)

// WithPaymentStore persists every status transition
func WithPaymentStore(s PaymentStore) OrchestratorOption {
	return func(o *Orchestrator) {
		o.store = s
	}
}

// WithTokenRegistry sets the token registry used for USD conversion
func WithTokenRegistry(r *TokenRegistry) OrchestratorOption {
	return func(o *Orchestrator) {
		o.tokens = r
	}
}

// WithOrchestratorClock overrides the time source
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithOrchestratorLogger sets the logger
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// NewOrchestrator creates an orchestrator over the given components
func NewOrchestrator(cfg OrchestratorConfig, opts ...OrchestratorOption) (*Orchestrator, error) {
	switch {
	case cfg.Budget == nil:
		return nil, errors.New("orchestrator: budget classifier is required")
	case cfg.Approvals == nil:
		return nil, errors.New("orchestrator: approval gate is required")
	case cfg.Authority == nil:
		return nil, errors.New("orchestrator: authorizer is required")
	case cfg.Settlement == nil:
		return nil, errors.New("orchestrator: settler is required")
	case cfg.Fetcher == nil:
		return nil, errors.New("orchestrator: resource fetcher is required")
	}

	retry := cfg.Retry
	if retry.Attempts == 0 && retry.BaseDelay == 0 {
		retry = DefaultRetryPolicy()
		retry.Sleep = cfg.Retry.Sleep
	}
	timeout := cfg.ApprovalTimeout
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}

	o := &Orchestrator{
		budget:          cfg.Budget,
		approvals:       cfg.Approvals,
		authority:       cfg.Authority,
		settlement:      cfg.Settlement,
		fetcher:         cfg.Fetcher,
		retry:           retry,
		approvalTimeout: timeout,
		tokens:          DefaultTokenRegistry(),
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Execute runs the payment pipeline for intent. The result is never nil;
// err is a *PaymentError whenever the result is not successful.
func (o *Orchestrator) Execute(ctx context.Context, intent PaymentIntent) (result *PaymentResult, err error) {
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = o.now()
	}

	run := &execution{
		o:       o,
		started: o.now(),
		record: &PaymentRecord{
			ID:        intent.ID,
			Intent:    intent,
			Status:    StatusCreated,
			CreatedAt: intent.CreatedAt,
			UpdatedAt: o.now(),
		},
	}
	run.logger = o.logger.With("payment_id", intent.ID, "wallet", intent.WalletAddress)

	defer func() {
		if r := recover(); r != nil {
			run.logger.Error("payment panicked", "panic", r)
			result, err = run.fail(ctx, NewPaymentError(KindInternal, fmt.Sprintf("internal fault: %v", r), nil))
		}
	}()

	run.save(ctx)
	return run.execute(ctx)
}

// execution is the state of one Execute call
type execution struct {
	o       *Orchestrator
	record  *PaymentRecord
	result  PaymentResult
	started time.Time
	logger  *slog.Logger
}

func (e *execution) execute(ctx context.Context) (*PaymentResult, error) {
	o := e.o
	intent := e.record.Intent

	if err := intent.Validate(); err != nil {
		return e.fail(ctx, err)
	}

	// Classify
	amountUSD, err := o.tokens.ToUSD(intent.Amount, intent.Token)
	if err != nil {
		return e.fail(ctx, err)
	}
	classification := o.budget.Classify(intent.WalletAddress, amountUSD)
	e.transition(ctx, StatusClassified)
	e.logger.Debug("payment classified", "verdict", classification.Verdict, "amount_usd", amountUSD.String())

	switch classification.Verdict {
	case VerdictReject:
		return e.fail(ctx, budgetRejection(classification, amountUSD))
	case VerdictRequireApproval:
		intent, amountUSD, classification, err = e.awaitApproval(ctx, intent, classification)
		if err != nil {
			return e.fail(ctx, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return e.fail(ctx, WrapPaymentError(KindCancelled, "payment cancelled before quote", err))
	}

	// Quote
	resp, err := e.fetch(ctx, intent.ServiceURL, nil)
	if err != nil {
		e.recordResponse(resp)
		return e.fail(ctx, err)
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		e.recordResponse(resp)
		e.result.Success = true
		e.transition(ctx, StatusNoPaymentRequired)
		e.logger.Info("service did not ask for payment", "status_code", resp.StatusCode)
		return e.finish(), nil
	}

	requirement, err := ParsePaymentRequired(resp.Header.Get(HeaderPaymentRequired))
	if err != nil {
		e.recordResponse(resp)
		return e.fail(ctx, err)
	}
	if err := requirement.Match(intent); err != nil {
		return e.fail(ctx, err)
	}
	if err := ctx.Err(); err != nil {
		return e.fail(ctx, WrapPaymentError(KindCancelled, "payment cancelled before signing", err))
	}
	if err := e.runBeforeSign(ctx, intent, requirement, classification); err != nil {
		return e.fail(ctx, err)
	}

	// Sign. From here on the nonce is consumed and must resolve to a
	// terminal settlement state, so cancellation is no longer honored.
	auth, err := o.authority.CreateAuthorization(ctx, intent)
	if err != nil {
		return e.fail(ctx, err)
	}
	e.record.Authorization = auth
	e.result.Authorization = auth
	e.transition(ctx, StatusSigned)
	e.logger.Info("payment signed", "nonce", auth.Nonce)

	settleCtx := context.WithoutCancel(ctx)
	e.transition(settleCtx, StatusSubmitted)
	var settled *SettlementRecord
	_, err = o.retry.Do(settleCtx, func(ctx context.Context, attempt int) error {
		rec, err := o.settlement.Submit(ctx, auth)
		if err != nil {
			e.logger.Warn("settlement attempt failed", "nonce", auth.Nonce, "attempt", attempt+1, "error", err)
			return err
		}
		settled = rec
		return nil
	})
	if err != nil {
		return e.fail(settleCtx, err)
	}

	o.budget.RecordSpend(intent.WalletAddress, amountUSD)
	e.record.Settlement = settled
	e.result.Settlement = settled
	e.result.Proof = settled.ProofToken
	e.transition(settleCtx, StatusConfirmed)
	e.logger.Info("payment confirmed", "nonce", auth.Nonce, "settlement_id", settled.PaymentID)
	e.runAfterSettle(settleCtx, auth, settled)

	// Retry the original request with the proof
	header := http.Header{}
	header.Set(HeaderPaymentProof, settled.ProofToken)
	final, err := e.fetch(ctx, intent.ServiceURL, header)
	e.recordResponse(final)
	if err != nil {
		return e.fail(settleCtx, err)
	}
	if final.StatusCode == http.StatusPaymentRequired {
		return e.fail(settleCtx, NewPaymentError(KindPaymentNotAccepted,
			"service answered 402 to a settled payment proof", map[string]interface{}{
				"settlementId": settled.PaymentID,
			}))
	}

	e.result.Success = true
	e.save(settleCtx)
	return e.finish(), nil
}

// awaitApproval parks the payment until a human decides. An edited intent is
// re-validated and re-classified before it may proceed.
func (e *execution) awaitApproval(ctx context.Context, intent PaymentIntent, classification Classification) (PaymentIntent, decimal.Decimal, Classification, error) {
	o := e.o
	req, err := o.approvals.Create(ctx, intent, classification.RequiredApprovals)
	if err != nil {
		return intent, decimal.Zero, classification, err
	}
	e.record.ApprovalID = req.ID
	e.result.ApprovalID = req.ID
	e.transition(ctx, StatusAwaitingApproval)
	e.logger.Info("payment awaiting approval", "approval_id", req.ID, "required", req.RequiredApprovals)

	decided, err := o.approvals.AwaitDecision(ctx, req.ID, o.approvalTimeout)
	if err != nil {
		if ctx.Err() != nil {
			if cerr := o.approvals.Cancel(req.ID, ReasonExecutionCancelled); cerr != nil {
				e.logger.Warn("cancel approval failed", "approval_id", req.ID, "error", cerr)
			}
			return intent, decimal.Zero, classification, WrapPaymentError(KindCancelled, "payment cancelled while awaiting approval", ctx.Err())
		}
		return intent, decimal.Zero, classification, err
	}

	switch decided.Decision {
	case DecisionRejected:
		reason := decided.Reason
		if reason == "" {
			reason = "rejected by approver"
		}
		return intent, decimal.Zero, classification, NewPaymentError(KindApprovalRejected,
			"approval rejected: "+reason, map[string]interface{}{"approvalId": decided.ID, "decidedBy": decided.DecidedBy})
	case DecisionExpired:
		return intent, decimal.Zero, classification, NewPaymentError(KindApprovalExpired,
			fmt.Sprintf("approval expired with %d of %d approvals", len(decided.ReceivedApprovals), decided.RequiredApprovals),
			map[string]interface{}{"approvalId": decided.ID})
	}
	if !decided.Decision.Proceeds() {
		return intent, decimal.Zero, classification, NewPaymentError(KindInternal,
			fmt.Sprintf("approval %s returned in state %s", decided.ID, decided.Decision), nil)
	}

	approved := decided.EffectiveIntent()
	if err := approved.Validate(); err != nil {
		return intent, decimal.Zero, classification, err
	}
	amountUSD, err := o.tokens.ToUSD(approved.Amount, approved.Token)
	if err != nil {
		return intent, decimal.Zero, classification, err
	}
	if decided.EditedIntent == nil {
		return approved, amountUSD, classification, nil
	}

	e.record.Intent = approved
	reclassified := o.budget.Classify(approved.WalletAddress, amountUSD)
	switch reclassified.Verdict {
	case VerdictReject:
		return approved, amountUSD, reclassified, budgetRejection(reclassified, amountUSD)
	case VerdictRequireApproval:
		if reclassified.RequiredApprovals > len(decided.ReceivedApprovals) {
			return approved, amountUSD, reclassified, NewPaymentError(KindApprovalRejected,
				fmt.Sprintf("%s: edited intent needs %d approvals, received %d", ReasonEditedNeedsMoreApprovals,
					reclassified.RequiredApprovals, len(decided.ReceivedApprovals)),
				nil).WithCode(ReasonEditedNeedsMoreApprovals)
		}
	}
	e.logger.Info("edited intent approved", "approval_id", decided.ID, "amount", approved.Amount.String())
	return approved, amountUSD, reclassified, nil
}

// fetch requests url with bounded retry and classifies the response. The
// last response seen is returned alongside any error.
func (e *execution) fetch(ctx context.Context, url string, header http.Header) (*ResourceResponse, error) {
	var last *ResourceResponse
	attempts, err := e.o.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		resp, err := e.o.fetcher.Fetch(ctx, url, header)
		if err != nil {
			e.logger.Debug("resource request failed", "attempt", attempt+1, "error", err)
			if _, ok := AsPaymentError(err); ok {
				return err
			}
			return WrapPaymentError(KindNetwork, "resource request failed", err)
		}
		last = resp
		return classifyResponse(resp)
	})
	if err != nil {
		e.logger.Warn("resource request gave up", "attempts", attempts, "error", err)
	}
	return last, err
}

// classifyResponse decides whether a resource response may be used, must be
// retried or is terminal. 402 and usable 2xx responses return nil.
func classifyResponse(resp *ResourceResponse) error {
	status := resp.StatusCode
	switch {
	case status == http.StatusPaymentRequired:
		return nil
	case status >= 200 && status < 300:
		if status != http.StatusNoContent && len(resp.Body) == 0 {
			return NewPaymentError(KindNetwork, "malformed response: empty body", map[string]interface{}{"statusCode": status})
		}
		if isJSON(resp.Header.Get("Content-Type")) && len(resp.Body) > 0 && !json.Valid(resp.Body) {
			return NewPaymentError(KindNetwork, "malformed response: invalid JSON body", map[string]interface{}{"statusCode": status})
		}
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return NewPaymentError(KindNetwork, fmt.Sprintf("service returned %d", status), map[string]interface{}{"statusCode": status})
	}
	return NewPaymentError(KindHTTPStatus, fmt.Sprintf("service returned %d", status), map[string]interface{}{"statusCode": status})
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

func budgetRejection(c Classification, amountUSD decimal.Decimal) *PaymentError {
	reason := c.Reason
	if reason == "" {
		reason = "rejected"
	}
	return NewPaymentError(KindBudgetRejected, fmt.Sprintf("%s: $%s not allowed by budget", reason, amountUSD.StringFixed(2)),
		map[string]interface{}{"amountUsd": amountUSD.String()}).WithCode(reason)
}

func (e *execution) runBeforeSign(ctx context.Context, intent PaymentIntent, req *PaymentRequirement, c Classification) error {
	e.o.mu.RLock()
	hooks := append([]BeforeSignHook(nil), e.o.beforeSignHooks...)
	e.o.mu.RUnlock()

	hookCtx := BeforeSignContext{
		PaymentContext: e.paymentContext(ctx, intent),
		Requirement:    req,
		Classification: c,
	}
	for _, hook := range hooks {
		result, err := hook(hookCtx)
		if err != nil {
			return WrapPaymentError(KindInternal, "before-sign hook failed", err)
		}
		if result != nil && result.Abort {
			return NewPaymentError(KindCancelled, "payment aborted before signing: "+result.Reason, nil).WithCode(CodeSignAborted)
		}
	}
	return nil
}

func (e *execution) runAfterSettle(ctx context.Context, auth *PaymentAuthorization, rec *SettlementRecord) {
	e.o.mu.RLock()
	hooks := append([]AfterSettleHook(nil), e.o.afterSettleHooks...)
	e.o.mu.RUnlock()

	hookCtx := SettledContext{
		PaymentContext: e.paymentContext(ctx, e.record.Intent),
		Authorization:  auth,
		Settlement:     rec,
		Duration:       e.o.now().Sub(e.started),
	}
	for _, hook := range hooks {
		if err := hook(hookCtx); err != nil {
			e.logger.Warn("after-settle hook failed", "error", err)
		}
	}
}

func (e *execution) paymentContext(ctx context.Context, intent PaymentIntent) PaymentContext {
	return PaymentContext{Ctx: ctx, PaymentID: e.record.ID, Intent: intent, Timestamp: e.o.now()}
}

// fail ends the payment. A failure after confirmation keeps the confirmed
// status; the money has moved even though the resource was not delivered.
func (e *execution) fail(ctx context.Context, err error) (*PaymentResult, error) {
	pe, ok := AsPaymentError(err)
	if !ok {
		pe = WrapPaymentError(KindInternal, "unexpected failure", err)
	}

	e.result.Success = false
	e.result.Kind = pe.Kind
	e.result.Code = pe.Code
	e.result.Reason = pe.Message
	e.record.Kind = pe.Kind
	e.record.Reason = pe.Message
	if e.record.Status != StatusConfirmed {
		e.record.Status = StatusFailed
	}
	e.save(ctx)

	e.logger.Warn("payment failed", "status", e.record.Status, "kind", pe.Kind, "reason", pe.Message)

	e.o.mu.RLock()
	hooks := append([]OnFailureHook(nil), e.o.onFailureHooks...)
	e.o.mu.RUnlock()
	hookCtx := FailureContext{
		PaymentContext: e.paymentContext(ctx, e.record.Intent),
		Status:         e.record.Status,
		Error:          pe,
		Duration:       e.o.now().Sub(e.started),
	}
	for _, hook := range hooks {
		if herr := hook(hookCtx); herr != nil {
			e.logger.Warn("failure hook failed", "error", herr)
		}
	}
	return e.finish(), pe
}

func (e *execution) transition(ctx context.Context, status PaymentStatus) {
	e.record.Status = status
	e.save(ctx)
}

func (e *execution) save(ctx context.Context) {
	e.record.UpdatedAt = e.o.now()
	if e.o.store == nil {
		return
	}
	rec := *e.record
	if err := e.o.store.SavePayment(context.WithoutCancel(ctx), &rec); err != nil {
		e.logger.Warn("persist payment failed", "status", e.record.Status, "error", err)
	}
}

func (e *execution) recordResponse(resp *ResourceResponse) {
	if resp == nil {
		return
	}
	e.result.StatusCode = resp.StatusCode
	e.result.Body = resp.Body
}

func (e *execution) finish() *PaymentResult {
	res := e.result
	res.PaymentID = e.record.ID
	res.Status = e.record.Status
	return &res
}
