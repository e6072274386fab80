// Package renewal renews recurring payments before they expire.
//
// The scheduler owns every Subscription status transition. Each renewal
// attempt runs a brand new payment through the Executor, so a retry never
// reuses the nonce or signature of an earlier attempt.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/paygent-labs/paygent"
)

const (
	// DefaultWorkers bounds concurrent renewals in RenewAll
	DefaultWorkers = 4

	// DefaultBackoff is the delay after the first failed attempt
	DefaultBackoff = 1 * time.Second

	// DefaultMaxAttempts is used when RenewOne is called with maxAttempts < 1
	DefaultMaxAttempts = 3
)

var (
	// ErrRenewalInProgress is returned when a subscription is already being renewed
	ErrRenewalInProgress = errors.New("renewal already in progress")

	// ErrNotRenewable is returned for subscriptions that are not active
	ErrNotRenewable = errors.New("subscription is not active")

	// ErrSubscriptionCancelled stops a renewal whose subscription was
	// cancelled before the next attempt
	ErrSubscriptionCancelled = errors.New("subscription cancelled during renewal")
)

// Executor runs one payment. *paygent.Orchestrator implements it.
type Executor interface {
	Execute(ctx context.Context, intent paygent.PaymentIntent) (*paygent.PaymentResult, error)
}

// RenewalOutcome is the result of renewing one subscription
type RenewalOutcome struct {
	SubscriptionID string   `json:"subscriptionId"`
	Renewed        bool     `json:"renewed"`
	Attempts       int      `json:"attempts"`
	TxRef          string   `json:"txRef,omitempty"`
	PaymentIDs     []string `json:"paymentIds,omitempty"`
	LastError      error    `json:"-"`
}

// Scheduler renews subscriptions nearing expiry
type Scheduler struct {
	store    paygent.SubscriptionStore
	executor Executor
	notifier paygent.Notifier
	workers  int
	backoff  time.Duration
	grace    time.Duration
	sleep    paygent.SleepFunc
	now      func() time.Time
	logger   *slog.Logger

	// inFlight claims a subscription for one status writer. cancels holds
	// cancellations requested while another writer had the claim; that
	// writer persists them before it lets go.
	mu       sync.Mutex
	inFlight map[string]struct{}
	cancels  map[string]struct{}
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithWorkers bounds the number of concurrent renewals
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithBackoff sets the base delay between attempts
func WithBackoff(base time.Duration) Option {
	return func(s *Scheduler) {
		s.backoff = base
	}
}

// WithGracePeriod delays expiry past expiresAt
func WithGracePeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		s.grace = d
	}
}

// WithSleep overrides the backoff sleep
func WithSleep(sleep paygent.SleepFunc) Option {
	return func(s *Scheduler) {
		s.sleep = sleep
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// New creates a scheduler
func New(store paygent.SubscriptionStore, executor Executor, notifier paygent.Notifier, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		executor: executor,
		notifier: notifier,
		workers:  DefaultWorkers,
		backoff:  DefaultBackoff,
		sleep:    paygent.Sleep,
		now:      time.Now,
		logger:   slog.Default(),
		inFlight: make(map[string]struct{}),
		cancels:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers a new active subscription. ExpiresAt defaults to one
// renewal interval from now.
func (s *Scheduler) Subscribe(ctx context.Context, sub paygent.Subscription) (*paygent.Subscription, error) {
	switch {
	case !common.IsHexAddress(sub.WalletAddress):
		return nil, paygent.NewPaymentError(paygent.KindInvalidIntent, "wallet address is not a hex address", nil)
	case strings.TrimSpace(sub.ServiceURL) == "":
		return nil, paygent.NewPaymentError(paygent.KindInvalidIntent, "service URL is required", nil)
	case !sub.Amount.IsPositive():
		return nil, paygent.NewPaymentError(paygent.KindInvalidIntent, "amount must be positive", nil)
	case strings.TrimSpace(sub.Token) == "":
		return nil, paygent.NewPaymentError(paygent.KindInvalidIntent, "token is required", nil)
	case sub.RenewalIntervalDays < 1:
		return nil, paygent.NewPaymentError(paygent.KindInvalidIntent, "renewal interval must be at least one day", nil)
	}

	now := s.now()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.ExpiresAt.IsZero() {
		sub.ExpiresAt = now.Add(interval(sub.RenewalIntervalDays))
	}
	sub.Status = paygent.SubscriptionActive
	sub.RenewalCount = 0
	sub.LastTxRef = ""
	sub.CreatedAt = now
	sub.UpdatedAt = now

	if err := s.store.SaveSubscription(ctx, &sub); err != nil {
		return nil, fmt.Errorf("save subscription %s: %w", sub.ID, err)
	}
	s.logger.Info("subscription created", "subscription_id", sub.ID, "wallet", sub.WalletAddress,
		"expires_at", sub.ExpiresAt)
	return &sub, nil
}

// FindExpiring returns active subscriptions expiring within the given hours,
// soonest first
func (s *Scheduler) FindExpiring(ctx context.Context, withinHours int) ([]paygent.Subscription, error) {
	before := s.now().Add(time.Duration(withinHours) * time.Hour)
	subs, err := s.store.ListExpiring(ctx, before, paygent.SubscriptionActive)
	if err != nil {
		return nil, fmt.Errorf("list expiring subscriptions: %w", err)
	}
	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].ExpiresAt.Before(subs[j].ExpiresAt)
	})
	return subs, nil
}

// RenewOne renews sub with up to maxAttempts payments. When every attempt
// fails, or a fatal failure stops early, the subscription stays active and
// the notifier is told exactly once.
func (s *Scheduler) RenewOne(ctx context.Context, sub paygent.Subscription, maxAttempts int) RenewalOutcome {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	out := RenewalOutcome{SubscriptionID: sub.ID}
	logger := s.logger.With("subscription_id", sub.ID, "wallet", sub.WalletAddress)

	if !s.acquire(sub.ID) {
		out.LastError = fmt.Errorf("subscription %s: %w", sub.ID, ErrRenewalInProgress)
		return out
	}
	// The renewal result must be written back even if ctx was cancelled.
	saveCtx := context.WithoutCancel(ctx)

	current, err := s.store.GetSubscription(ctx, sub.ID)
	if err != nil {
		s.release(sub.ID)
		out.LastError = fmt.Errorf("load subscription %s: %w", sub.ID, err)
		return out
	}
	if current.Status != paygent.SubscriptionActive {
		if ferr := s.finish(saveCtx, current, false); ferr != nil {
			logger.Error("release subscription failed", "error", ferr)
		}
		out.LastError = fmt.Errorf("subscription %s is %s: %w", sub.ID, current.Status, ErrNotRenewable)
		return out
	}

	current.Status = paygent.SubscriptionRenewing
	if err := s.save(ctx, current); err != nil {
		current.Status = paygent.SubscriptionActive
		if ferr := s.finish(saveCtx, current, false); ferr != nil {
			logger.Error("release subscription failed", "error", ferr)
		}
		out.LastError = err
		return out
	}
	logger.Info("renewing subscription", "expires_at", current.ExpiresAt, "max_attempts", maxAttempts)

	var result *paygent.PaymentResult
	policy := paygent.RetryPolicy{Attempts: maxAttempts, BaseDelay: s.backoff, Sleep: s.sleep}
	out.Attempts, err = policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := s.stillWanted(ctx, current.ID, attempt); err != nil {
			return err
		}
		intent := s.intentFor(current)
		out.PaymentIDs = append(out.PaymentIDs, intent.ID)

		res, err := s.executor.Execute(ctx, intent)
		if settled(res) {
			// The money moved. A failed delivery afterwards is not retried.
			result = res
			return nil
		}
		if err == nil {
			err = paygent.NewPaymentError(paygent.KindInternal, "payment ended without settlement", nil)
		}
		logger.Warn("renewal attempt failed", "attempt", attempt+1, "payment_id", intent.ID, "error", err)
		return err
	})
	if errors.Is(err, ErrSubscriptionCancelled) {
		// The failed attempt before the cancel counts, the skipped one does not.
		out.Attempts--
	}

	current.Status = paygent.SubscriptionActive
	if s.cancelRequested(current.ID) {
		current.Status = paygent.SubscriptionCancelled
	} else if latest, gerr := s.store.GetSubscription(saveCtx, current.ID); gerr == nil && latest.Status == paygent.SubscriptionCancelled {
		current.Status = paygent.SubscriptionCancelled
	}

	if err == nil {
		s.extend(current, result)
		out.Renewed = true
		out.TxRef = current.LastTxRef
		if serr := s.finish(saveCtx, current, true); serr != nil {
			out.LastError = serr
		}
		logger.Info("subscription renewed", "attempts", out.Attempts, "renewal_count", current.RenewalCount,
			"expires_at", current.ExpiresAt, "status", current.Status)
		return out
	}

	out.LastError = err
	if serr := s.finish(saveCtx, current, true); serr != nil {
		logger.Error("restore subscription failed", "error", serr)
	}
	if errors.Is(err, ErrSubscriptionCancelled) {
		logger.Info("renewal stopped, subscription cancelled", "attempts", out.Attempts)
		return out
	}
	if paygent.KindOf(err) == paygent.KindCancelled && ctx.Err() != nil {
		logger.Info("renewal interrupted", "attempts", out.Attempts)
		return out
	}

	reason := fmt.Sprintf("renewal failed after %d attempt(s): %s", out.Attempts, failureReason(err))
	if nerr := s.notifier.NotifyRenewalFailed(saveCtx, current.ID, reason); nerr != nil {
		logger.Error("renewal failure notification failed", "error", nerr)
	}
	logger.Warn("subscription renewal failed", "attempts", out.Attempts, "kind", paygent.KindOf(err))
	return out
}

// stillWanted fails with ErrSubscriptionCancelled when the subscription was
// cancelled since the renewal started. Retries also re-read the store, which
// sees cancellations made by other processes.
func (s *Scheduler) stillWanted(ctx context.Context, id string, attempt int) error {
	cancelled := s.cancelRequested(id)
	if !cancelled && attempt > 0 {
		latest, err := s.store.GetSubscription(ctx, id)
		if err != nil {
			return fmt.Errorf("reload subscription %s: %w", id, err)
		}
		cancelled = latest.Status == paygent.SubscriptionCancelled
	}
	if cancelled {
		return paygent.WrapPaymentError(paygent.KindCancelled, "subscription cancelled before the next attempt", ErrSubscriptionCancelled)
	}
	return nil
}

// RenewAll renews every subscription expiring within the given hours on a
// bounded worker pool. A failed renewal never stops the others.
func (s *Scheduler) RenewAll(ctx context.Context, withinHours, maxAttempts int) ([]RenewalOutcome, error) {
	subs, err := s.FindExpiring(ctx, withinHours)
	if err != nil {
		return nil, err
	}

	outcomes := make([]RenewalOutcome, len(subs))
	g := new(errgroup.Group)
	g.SetLimit(s.workers)
	for i, sub := range subs {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("renewal panicked", "subscription_id", sub.ID, "panic", r)
					outcomes[i] = RenewalOutcome{
						SubscriptionID: sub.ID,
						LastError:      fmt.Errorf("renewal panicked: %v", r),
					}
				}
			}()
			outcomes[i] = s.RenewOne(ctx, sub, maxAttempts)
			return nil
		})
	}
	_ = g.Wait()

	if len(outcomes) > 0 {
		renewed := 0
		for _, o := range outcomes {
			if o.Renewed {
				renewed++
			}
		}
		s.logger.Info("renewal sweep finished", "due", len(outcomes), "renewed", renewed)
	}
	return outcomes, nil
}

// ExpireOverdue marks active subscriptions past expiresAt plus the grace
// period as expired and returns their IDs
func (s *Scheduler) ExpireOverdue(ctx context.Context) ([]string, error) {
	cutoff := s.now().Add(-s.grace)
	subs, err := s.store.ListExpiring(ctx, cutoff, paygent.SubscriptionActive)
	if err != nil {
		return nil, fmt.Errorf("list overdue subscriptions: %w", err)
	}

	var expired []string
	for i := range subs {
		id := subs[i].ID
		if !subs[i].ExpiresAt.Before(cutoff) || !s.acquire(id) {
			continue
		}
		// The listing is a snapshot; only a row still active and overdue
		// under the claim is expired.
		current, err := s.store.GetSubscription(ctx, id)
		if err != nil {
			s.release(id)
			return expired, fmt.Errorf("load subscription %s: %w", id, err)
		}
		overdue := current.Status == paygent.SubscriptionActive && current.ExpiresAt.Before(cutoff)
		if overdue {
			current.Status = paygent.SubscriptionExpired
		}
		if err := s.finish(ctx, current, overdue); err != nil {
			return expired, err
		}
		if current.Status == paygent.SubscriptionExpired && overdue {
			expired = append(expired, id)
			s.logger.Info("subscription expired", "subscription_id", id, "expires_at", current.ExpiresAt)
		}
	}
	return expired, nil
}

// Cancel stops a subscription from renewing. When a renewal is running the
// cancellation is handed to it: no further attempt is made, and a payment
// already settled completes but leaves the subscription cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string) (*paygent.Subscription, error) {
	claimed := s.claimOrRequestCancel(id)
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		if claimed {
			s.release(id)
		}
		return nil, fmt.Errorf("load subscription %s: %w", id, err)
	}
	if !claimed {
		sub.Status = paygent.SubscriptionCancelled
		s.logger.Info("subscription cancel handed to running renewal", "subscription_id", id)
		return sub, nil
	}
	if sub.Status == paygent.SubscriptionCancelled {
		s.release(id)
		return sub, nil
	}
	sub.Status = paygent.SubscriptionCancelled
	if err := s.finish(ctx, sub, true); err != nil {
		return nil, err
	}
	s.logger.Info("subscription cancelled", "subscription_id", id)
	return sub, nil
}

// ResetInterrupted returns subscriptions left renewing by a previous process
// to active. It returns how many were reset.
func (s *Scheduler) ResetInterrupted(ctx context.Context) (int, error) {
	subs, err := s.store.ListSubscriptions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}
	reset := 0
	for i := range subs {
		sub := &subs[i]
		if sub.Status != paygent.SubscriptionRenewing || !s.acquire(sub.ID) {
			continue
		}
		sub.Status = paygent.SubscriptionActive
		if err := s.finish(ctx, sub, true); err != nil {
			return reset, err
		}
		reset++
	}
	return reset, nil
}

// Run sweeps every interval until ctx is done: overdue subscriptions are
// expired, then the ones due within withinHours are renewed. The first sweep
// runs immediately.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, withinHours, maxAttempts int) {
	if n, err := s.ResetInterrupted(ctx); err != nil {
		s.logger.Error("reset interrupted renewals failed", "error", err)
	} else if n > 0 {
		s.logger.Warn("reset interrupted renewals", "count", n)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.sweep(ctx, withinHours, maxAttempts)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context, withinHours, maxAttempts int) {
	if _, err := s.ExpireOverdue(ctx); err != nil {
		s.logger.Error("expire overdue subscriptions failed", "error", err)
	}
	if _, err := s.RenewAll(ctx, withinHours, maxAttempts); err != nil {
		s.logger.Error("renewal sweep failed", "error", err)
	}
}

func (s *Scheduler) intentFor(sub *paygent.Subscription) paygent.PaymentIntent {
	return paygent.PaymentIntent{
		ID:            uuid.NewString(),
		ServiceURL:    sub.ServiceURL,
		Amount:        sub.Amount,
		Token:         sub.Token,
		Description:   fmt.Sprintf("renewal %d of subscription %s", sub.RenewalCount+1, sub.ID),
		WalletAddress: sub.WalletAddress,
		CreatedAt:     s.now(),
	}
}

// extend advances expiresAt from the later of expiresAt and now, so a
// subscription renewed after lapsing does not stay in the past
func (s *Scheduler) extend(sub *paygent.Subscription, res *paygent.PaymentResult) {
	base := sub.ExpiresAt
	if now := s.now(); now.After(base) {
		base = now
	}
	sub.ExpiresAt = base.Add(interval(sub.RenewalIntervalDays))
	sub.RenewalCount++
	if res != nil && res.Settlement != nil {
		sub.LastTxRef = res.Settlement.FacilitatorTxRef
	}
}

func (s *Scheduler) save(ctx context.Context, sub *paygent.Subscription) error {
	sub.UpdatedAt = s.now()
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("save subscription %s: %w", sub.ID, err)
	}
	return nil
}

func (s *Scheduler) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

// claimOrRequestCancel claims id, or records a cancel for the current
// holder when it is claimed already
func (s *Scheduler) claimOrRequestCancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		s.cancels[id] = struct{}{}
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) cancelRequested(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancels[id]
	return ok
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
	delete(s.cancels, id)
}

// finish writes sub when changed is set and releases its claim. A cancel
// requested while the claim was held is written first, whatever status sub
// carried, and sub is updated to match.
func (s *Scheduler) finish(ctx context.Context, sub *paygent.Subscription, changed bool) error {
	for {
		if changed {
			if err := s.save(ctx, sub); err != nil {
				s.release(sub.ID)
				return err
			}
		}
		s.mu.Lock()
		_, cancel := s.cancels[sub.ID]
		if !cancel || sub.Status == paygent.SubscriptionCancelled {
			delete(s.inFlight, sub.ID)
			delete(s.cancels, sub.ID)
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		sub.Status = paygent.SubscriptionCancelled
		changed = true
	}
}

// settled reports whether the payment reached a confirmed settlement, or the
// service granted access without asking for one
func settled(res *paygent.PaymentResult) bool {
	if res == nil {
		return false
	}
	switch res.Status {
	case paygent.StatusConfirmed:
		return res.Settlement != nil
	case paygent.StatusNoPaymentRequired:
		return true
	}
	return false
}

func failureReason(err error) string {
	if pe, ok := paygent.AsPaymentError(err); ok {
		return fmt.Sprintf("%s: %s", pe.Kind, pe.Message)
	}
	return err.Error()
}

func interval(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
