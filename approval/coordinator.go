// Package approval manages the human-in-the-loop lifecycle of payments the
// budget guard flags.
//
// A request moves from pending to exactly one of approved, edited, rejected
// or expired. Terminal requests are immutable. Waiters block on a per-request
// channel that is closed when the request becomes terminal.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paygent-labs/paygent"
)

// DefaultTimeout is how long a request may stay pending
const DefaultTimeout = 24 * time.Hour

// CancelledReason is recorded when the requesting payment is cancelled
const CancelledReason = paygent.ReasonExecutionCancelled

// ErrEmptyApprover is returned when an approver id is blank
var ErrEmptyApprover = errors.New("approver id is required")

// Coordinator owns all approval requests
type Coordinator struct {
	timeout time.Duration
	now     func() time.Time
	store   paygent.ApprovalStore
	logger  *slog.Logger

	mu       sync.Mutex
	requests map[string]*entry
	dirty    []snapshot
}

type entry struct {
	req       *paygent.ApprovalRequest
	approvers map[string]struct{}
	done      chan struct{}
	version   uint64

	saveMu sync.Mutex
	saved  uint64
}

// snapshot is one state of a request queued for the store. Snapshots are
// taken under c.mu and written after it is released.
type snapshot struct {
	e       *entry
	req     *paygent.ApprovalRequest
	version uint64
}

var _ paygent.ApprovalGate = (*Coordinator)(nil)

// Option configures a Coordinator
type Option func(*Coordinator)

// WithTimeout sets the pending timeout applied by AddApproval and the sweep
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithStore persists every transition
func WithStore(s paygent.ApprovalStore) Option {
	return func(c *Coordinator) {
		c.store = s
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// NewCoordinator creates a Coordinator
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout:  DefaultTimeout,
		now:      time.Now,
		logger:   slog.Default(),
		requests: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout returns the configured pending timeout
func (c *Coordinator) Timeout() time.Duration {
	return c.timeout
}

// Create opens a pending request for intent
func (c *Coordinator) Create(ctx context.Context, intent paygent.PaymentIntent, requiredApprovals int) (*paygent.ApprovalRequest, error) {
	if requiredApprovals < 1 {
		requiredApprovals = 1
	}
	req := &paygent.ApprovalRequest{
		ID:                uuid.NewString(),
		WalletAddress:     intent.WalletAddress,
		Intent:            intent,
		RequiredApprovals: requiredApprovals,
		ReceivedApprovals: []string{},
		Decision:          paygent.DecisionPending,
		CreatedAt:         c.now(),
	}
	e := &entry{req: req, approvers: make(map[string]struct{}), done: make(chan struct{})}

	c.mu.Lock()
	defer c.unlockAndSave(ctx)
	c.requests[req.ID] = e
	c.markDirtyLocked(e)

	c.logger.Info("approval requested", "approval_id", req.ID, "wallet", req.WalletAddress,
		"amount", intent.Amount.String(), "token", intent.Token, "required", requiredApprovals)
	return req.Clone(), nil
}

// Restore loads pending requests from the store, e.g. after a restart
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	pending, err := c.store.ListApprovals(ctx, paygent.DecisionPending)
	if err != nil {
		return 0, fmt.Errorf("restore approvals: %w", err)
	}

	c.mu.Lock()
	defer c.unlock()
	for i := range pending {
		req := pending[i].Clone()
		if _, exists := c.requests[req.ID]; exists {
			continue
		}
		e := &entry{req: req, approvers: make(map[string]struct{}), done: make(chan struct{})}
		for _, a := range req.ReceivedApprovals {
			e.approvers[a] = struct{}{}
		}
		c.requests[req.ID] = e
	}
	return len(pending), nil
}

// AddApproval counts approverID toward the request's quorum. It returns true
// when this approval completed the quorum. Duplicate approvals are ignored.
func (c *Coordinator) AddApproval(requestID, approverID string) (bool, error) {
	approverID = strings.TrimSpace(approverID)
	if approverID == "" {
		return false, ErrEmptyApprover
	}

	c.mu.Lock()
	defer c.unlock()

	e, err := c.pendingLocked(requestID)
	if err != nil {
		return false, err
	}
	if _, dup := e.approvers[approverID]; dup {
		return false, nil
	}
	e.approvers[approverID] = struct{}{}
	e.req.ReceivedApprovals = append(e.req.ReceivedApprovals, approverID)

	if len(e.approvers) >= e.req.RequiredApprovals {
		decision := paygent.DecisionApproved
		if e.req.EditedIntent != nil {
			decision = paygent.DecisionEdited
		}
		c.finalizeLocked(e, decision, approverID, "")
		return true, nil
	}
	c.markDirtyLocked(e)
	return false, nil
}

// Reject moves the request to rejected. A single rejection suffices.
func (c *Coordinator) Reject(requestID, approverID, reason string) error {
	approverID = strings.TrimSpace(approverID)
	if approverID == "" {
		return ErrEmptyApprover
	}

	c.mu.Lock()
	defer c.unlock()

	e, err := c.pendingLocked(requestID)
	if err != nil {
		return err
	}
	c.finalizeLocked(e, paygent.DecisionRejected, approverID, reason)
	return nil
}

// EditAndApprove replaces the intent and counts as one approval of the
// edited intent. Approvals given to the original intent are discarded. The
// wallet may not change. It returns true when the edit completed the quorum.
func (c *Coordinator) EditAndApprove(requestID, approverID string, edited paygent.PaymentIntent) (bool, error) {
	approverID = strings.TrimSpace(approverID)
	if approverID == "" {
		return false, ErrEmptyApprover
	}

	c.mu.Lock()
	defer c.unlock()

	e, err := c.pendingLocked(requestID)
	if err != nil {
		return false, err
	}

	if edited.WalletAddress == "" {
		edited.WalletAddress = e.req.WalletAddress
	}
	if !strings.EqualFold(edited.WalletAddress, e.req.WalletAddress) {
		return false, paygent.NewPaymentError(paygent.KindInvalidIntent, "edited intent may not change the wallet", nil)
	}
	if edited.ServiceURL == "" {
		edited.ServiceURL = e.req.Intent.ServiceURL
	}
	if edited.Token == "" {
		edited.Token = e.req.Intent.Token
	}
	edited.ID = e.req.Intent.ID
	edited.CreatedAt = e.req.Intent.CreatedAt
	if err := edited.Validate(); err != nil {
		return false, err
	}

	e.req.EditedIntent = &edited
	e.req.EditedBy = approverID
	e.approvers = map[string]struct{}{approverID: {}}
	e.req.ReceivedApprovals = []string{approverID}

	c.logger.Info("approval intent edited", "approval_id", requestID, "approver", approverID,
		"amount", edited.Amount.String(), "token", edited.Token)

	if len(e.approvers) >= e.req.RequiredApprovals {
		c.finalizeLocked(e, paygent.DecisionEdited, approverID, "")
		return true, nil
	}
	c.markDirtyLocked(e)
	return false, nil
}

// RevokeApproval withdraws a vote from a pending request
func (c *Coordinator) RevokeApproval(requestID, approverID string) error {
	c.mu.Lock()
	defer c.unlock()

	e, err := c.pendingLocked(requestID)
	if err != nil {
		return err
	}
	if _, ok := e.approvers[approverID]; !ok {
		return nil
	}
	delete(e.approvers, approverID)
	kept := e.req.ReceivedApprovals[:0]
	for _, a := range e.req.ReceivedApprovals {
		if a != approverID {
			kept = append(kept, a)
		}
	}
	e.req.ReceivedApprovals = kept
	c.markDirtyLocked(e)
	return nil
}

// Cancel rejects a pending request on behalf of its requester
func (c *Coordinator) Cancel(requestID, reason string) error {
	if reason == "" {
		reason = CancelledReason
	}
	c.mu.Lock()
	defer c.unlock()

	e, err := c.pendingLocked(requestID)
	if err != nil {
		return err
	}
	c.finalizeLocked(e, paygent.DecisionRejected, "", reason)
	return nil
}

// CheckExpiry expires the request if it has been pending for at least
// timeout. It returns true if the request is expired.
func (c *Coordinator) CheckExpiry(requestID string, timeout time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.unlock()

	e, ok := c.requests[requestID]
	if !ok {
		return false, fmt.Errorf("approval %s: %w", requestID, paygent.ErrNotFound)
	}
	return c.expireIfDueLocked(e, timeout), nil
}

// ExpireStale expires every pending request older than timeout and returns
// their IDs
func (c *Coordinator) ExpireStale(timeout time.Duration) []string {
	c.mu.Lock()
	defer c.unlock()

	var expired []string
	for id, e := range c.requests {
		if e.req.Decision == paygent.DecisionPending && c.expireIfDueLocked(e, timeout) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

// RunExpirySweep calls ExpireStale every interval until ctx is done
func (c *Coordinator) RunExpirySweep(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := c.ExpireStale(timeout); len(ids) > 0 {
				c.logger.Info("approval requests expired", "count", len(ids))
			}
		}
	}
}

// AwaitDecision blocks until the request is terminal. When timeout elapses
// since creation the request is expired. A done ctx returns ctx.Err() and
// leaves the request pending.
func (c *Coordinator) AwaitDecision(ctx context.Context, requestID string, timeout time.Duration) (*paygent.ApprovalRequest, error) {
	for {
		c.mu.Lock()
		e, ok := c.requests[requestID]
		if !ok {
			c.unlock()
			return nil, fmt.Errorf("approval %s: %w", requestID, paygent.ErrNotFound)
		}
		if timeout > 0 {
			c.expireIfDueLocked(e, timeout)
		}
		if e.req.Decision.IsTerminal() {
			req := e.req.Clone()
			c.unlock()
			return req, nil
		}
		done := e.done
		var wait <-chan time.Time
		var timer *time.Timer
		if timeout > 0 {
			timer = time.NewTimer(e.req.CreatedAt.Add(timeout).Sub(c.now()))
			wait = timer.C
		}
		c.unlock()

		select {
		case <-done:
		case <-wait:
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Get returns a copy of the request
func (c *Coordinator) Get(requestID string) (*paygent.ApprovalRequest, error) {
	c.mu.Lock()
	defer c.unlock()
	e, ok := c.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", requestID, paygent.ErrNotFound)
	}
	return e.req.Clone(), nil
}

// Pending lists pending requests, oldest first
func (c *Coordinator) Pending() []paygent.ApprovalRequest {
	return c.List(paygent.DecisionPending)
}

// List returns requests with the given decision, or all when decision is empty
func (c *Coordinator) List(decision paygent.ApprovalDecision) []paygent.ApprovalRequest {
	c.mu.Lock()
	defer c.unlock()
	out := make([]paygent.ApprovalRequest, 0, len(c.requests))
	for _, e := range c.requests {
		if decision == "" || e.req.Decision == decision {
			out = append(out, *e.req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// pendingLocked returns the entry if it exists and is still pending. A request
// past the configured timeout is expired first.
func (c *Coordinator) pendingLocked(requestID string) (*entry, error) {
	e, ok := c.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", requestID, paygent.ErrNotFound)
	}
	if c.timeout > 0 {
		c.expireIfDueLocked(e, c.timeout)
	}
	if e.req.Decision.IsTerminal() {
		return nil, fmt.Errorf("approval %s is %s: %w", requestID, e.req.Decision, paygent.ErrTerminalState)
	}
	return e, nil
}

func (c *Coordinator) expireIfDueLocked(e *entry, timeout time.Duration) bool {
	if e.req.Decision == paygent.DecisionExpired {
		return true
	}
	if e.req.Decision != paygent.DecisionPending {
		return false
	}
	if c.now().Sub(e.req.CreatedAt) < timeout {
		return false
	}
	c.finalizeLocked(e, paygent.DecisionExpired, "", "approval timed out")
	return true
}

func (c *Coordinator) finalizeLocked(e *entry, decision paygent.ApprovalDecision, by, reason string) {
	now := c.now()
	e.req.Decision = decision
	e.req.DecidedBy = by
	e.req.Reason = reason
	e.req.DecidedAt = &now
	close(e.done)
	c.markDirtyLocked(e)

	c.logger.Info("approval decided", "approval_id", e.req.ID, "decision", string(decision),
		"decided_by", by, "reason", reason)
}

// markDirtyLocked queues the current state of e for the store
func (c *Coordinator) markDirtyLocked(e *entry) {
	if c.store == nil {
		return
	}
	e.version++
	c.dirty = append(c.dirty, snapshot{e: e, req: e.req.Clone(), version: e.version})
}

func (c *Coordinator) unlock() {
	c.unlockAndSave(context.Background())
}

// unlockAndSave releases c.mu, then writes the queued snapshots. Store
// round trips never hold c.mu.
func (c *Coordinator) unlockAndSave(ctx context.Context) {
	dirty := c.dirty
	c.dirty = nil
	c.mu.Unlock()
	for _, snap := range dirty {
		c.persist(ctx, snap)
	}
}

// persist writes snap unless a newer state of the request was written
// first
func (c *Coordinator) persist(ctx context.Context, snap snapshot) {
	e := snap.e
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	if snap.version <= e.saved {
		return
	}
	if err := c.store.SaveApproval(ctx, snap.req); err != nil {
		c.logger.Warn("persist approval failed", "approval_id", snap.req.ID, "error", err)
		return
	}
	e.saved = snap.version
}
