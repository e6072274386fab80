package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/paygent-labs/paygent"
)

const (
	// DefaultConfirmPolls is how many times a pending settlement is polled
	DefaultConfirmPolls = 5

	// DefaultConfirmDelay is the first poll delay, doubled per poll
	DefaultConfirmDelay = 500 * time.Millisecond
)

// Client is the settlement client used by the orchestrator
type Client struct {
	backend      Backend
	store        Store
	confirmPolls int
	confirmDelay time.Duration
	sleep        paygent.SleepFunc
	now          func() time.Time
	logger       *slog.Logger
}

var _ paygent.Settler = (*Client)(nil)

// ClientOption configures a Client
type ClientOption func(*Client)

// WithStore sets the idempotency store (MemoryStore by default)
func WithStore(s Store) ClientOption {
	return func(c *Client) {
		c.store = s
	}
}

// WithConfirmPolls sets how a pending settlement is polled
func WithConfirmPolls(polls int, firstDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.confirmPolls = polls
		c.confirmDelay = firstDelay
	}
}

// WithSleep overrides the poll sleep
func WithSleep(sleep paygent.SleepFunc) ClientOption {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a settlement client on backend
func NewClient(backend Backend, opts ...ClientOption) *Client {
	c := &Client{
		backend:      backend,
		confirmPolls: DefaultConfirmPolls,
		confirmDelay: DefaultConfirmDelay,
		sleep:        paygent.Sleep,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = NewMemoryStore(DefaultCacheTTL)
	}
	return c
}

// Submit settles auth. Resubmitting the same (wallet, nonce) returns the
// original record. Facilitator outages are retryable PaymentErrors of kind
// facilitator_unavailable; rejections are fatal settlement_rejected.
func (c *Client) Submit(ctx context.Context, auth *paygent.PaymentAuthorization) (*paygent.SettlementRecord, error) {
	if auth == nil || len(auth.Signature) == 0 {
		return nil, paygent.NewPaymentError(paygent.KindInternal, "authorization is not signed", nil)
	}
	key := auth.Ref()

	for {
		status, cached, done, err := c.store.CheckAndMark(ctx, key)
		if err != nil {
			return nil, paygent.WrapPaymentError(paygent.KindFacilitatorUnavailable, "settlement store unavailable", err)
		}

		switch status {
		case StatusCached:
			c.logger.Debug("settlement served from cache", "ref", key, "payment_id", cached.PaymentID)
			return cached, nil

		case StatusInFlight:
			rec, err := c.store.WaitForResult(ctx, key, done)
			if err != nil {
				return nil, paygent.WrapPaymentError(paygent.KindFacilitatorUnavailable, "waiting for in-flight settlement", err)
			}
			if rec != nil {
				return rec, nil
			}
			// The other attempt failed, try again ourselves
			continue
		}

		rec, err := c.settle(ctx, auth, key)
		if err != nil {
			if ferr := c.store.Fail(ctx, key, done); ferr != nil {
				c.logger.Warn("release settlement marker failed", "ref", key, "error", ferr)
			}
			return nil, err
		}
		if cerr := c.store.Complete(ctx, key, rec, done); cerr != nil {
			c.logger.Warn("cache settlement failed", "ref", key, "error", cerr)
		}
		return copyRecord(rec), nil
	}
}

// Confirm fetches the facilitator's view of a settlement
func (c *Client) Confirm(ctx context.Context, paymentID string) (*paygent.SettlementRecord, error) {
	resp, err := c.backend.Verify(ctx, paymentID)
	if err != nil {
		return nil, backendError(err)
	}
	switch {
	case isConfirmed(resp.Status) && resp.Verified:
		return &paygent.SettlementRecord{
			PaymentID:        nonEmpty(resp.PaymentID, paymentID),
			FacilitatorTxRef: resp.TxHash,
			ProofToken:       resp.PaymentProof,
			Status:           paygent.SettlementConfirmed,
			SettledAt:        c.now(),
		}, nil
	case resp.Status == StatusPending || resp.Status == "submitted" || (isConfirmed(resp.Status) && !resp.Verified):
		return nil, paygent.NewPaymentError(paygent.KindSettlementPending,
			fmt.Sprintf("settlement %s is not confirmed yet", paymentID), nil)
	case resp.Status == StatusRejected || resp.Status == StatusFailed:
		pe := paygent.NewPaymentError(paygent.KindSettlementRejected,
			fmt.Sprintf("settlement %s %s", paymentID, resp.Status), nil)
		pe.Err = paygent.ErrSettlementRejected
		return nil, pe
	}
	return nil, malformed(fmt.Sprintf("unknown verify status %q", resp.Status))
}

func (c *Client) settle(ctx context.Context, auth *paygent.PaymentAuthorization, key string) (*paygent.SettlementRecord, error) {
	resp, err := c.backend.Submit(ctx, NewSubmitRequest(auth))
	if err != nil {
		return nil, backendError(err)
	}

	switch {
	case isConfirmed(resp.Status):
		if resp.PaymentID == "" || resp.PaymentProof == "" {
			return nil, malformed("confirmed settlement without paymentId or paymentProof")
		}
		c.logger.Info("settlement confirmed", "ref", key, "payment_id", resp.PaymentID, "tx", resp.TxHash)
		return &paygent.SettlementRecord{
			PaymentID:        resp.PaymentID,
			AuthorizationRef: key,
			FacilitatorTxRef: resp.TxHash,
			ProofToken:       resp.PaymentProof,
			Status:           paygent.SettlementConfirmed,
			SettledAt:        c.now(),
		}, nil

	case resp.Status == StatusAlreadySettled:
		c.logger.Info("authorization already settled", "ref", key, "payment_id", resp.PaymentID)
		return c.confirmExisting(ctx, resp, key)

	case resp.Status == StatusPending || resp.Status == "submitted":
		return c.pollPending(ctx, resp, key)

	case resp.Status == StatusRejected || resp.Status == StatusFailed:
		reason := nonEmpty(resp.Reason, resp.Status)
		pe := paygent.NewPaymentError(paygent.KindSettlementRejected, "facilitator rejected settlement: "+reason, nil)
		pe.Err = paygent.ErrSettlementRejected
		return nil, pe
	}
	return nil, malformed(fmt.Sprintf("unknown submit status %q", resp.Status))
}

// confirmExisting resolves an already_settled answer to the original record
func (c *Client) confirmExisting(ctx context.Context, resp *SubmitResponse, key string) (*paygent.SettlementRecord, error) {
	if resp.PaymentID == "" {
		return nil, malformed("already_settled without paymentId")
	}
	rec, err := c.Confirm(ctx, resp.PaymentID)
	if paygent.KindOf(err) == paygent.KindSettlementPending {
		return c.pollPending(ctx, resp, key)
	}
	if err != nil {
		return nil, err
	}
	rec.AuthorizationRef = key
	rec.ProofToken = nonEmpty(resp.PaymentProof, rec.ProofToken)
	rec.FacilitatorTxRef = nonEmpty(rec.FacilitatorTxRef, resp.TxHash)
	if rec.ProofToken == "" {
		return nil, malformed("already settled but no proof is available")
	}
	return rec, nil
}

func (c *Client) pollPending(ctx context.Context, resp *SubmitResponse, key string) (*paygent.SettlementRecord, error) {
	if resp.PaymentID == "" {
		return nil, malformed("pending settlement without paymentId")
	}
	var lastErr error
	for poll := range c.confirmPolls {
		if err := c.sleep(ctx, c.confirmDelay*time.Duration(1<<uint(poll))); err != nil {
			return nil, paygent.WrapPaymentError(paygent.KindSettlementPending, "confirmation polling interrupted", err)
		}
		rec, err := c.Confirm(ctx, resp.PaymentID)
		if err == nil {
			rec.AuthorizationRef = key
			rec.ProofToken = nonEmpty(rec.ProofToken, resp.PaymentProof)
			if rec.ProofToken == "" {
				return nil, malformed("confirmed settlement without paymentProof")
			}
			return rec, nil
		}
		if paygent.KindOf(err) != paygent.KindSettlementPending {
			return nil, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = paygent.NewPaymentError(paygent.KindSettlementPending,
			fmt.Sprintf("settlement %s is not confirmed yet", resp.PaymentID), nil)
	}
	return nil, lastErr
}

func backendError(err error) error {
	var pe *paygent.PaymentError
	switch {
	case errors.As(err, &pe):
		return err
	case errors.Is(err, paygent.ErrSettlementRejected):
		return paygent.WrapPaymentError(paygent.KindSettlementRejected, "facilitator rejected settlement", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return paygent.WrapPaymentError(paygent.KindFacilitatorUnavailable, "facilitator call interrupted", err)
	}
	wrapped := fmt.Errorf("%w: %w", paygent.ErrFacilitatorUnavailable, err)
	if errors.Is(err, paygent.ErrFacilitatorUnavailable) {
		wrapped = err
	}
	return paygent.WrapPaymentError(paygent.KindFacilitatorUnavailable, "facilitator unavailable", wrapped)
}

func malformed(message string) error {
	pe := paygent.NewPaymentError(paygent.KindFacilitatorUnavailable, "malformed facilitator response: "+message, nil)
	pe.Err = paygent.ErrFacilitatorUnavailable
	return pe
}

func isConfirmed(status string) bool {
	switch strings.ToLower(status) {
	case StatusConfirmed, "settled", "success":
		return true
	}
	return false
}

func nonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
