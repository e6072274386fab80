// Package memory provides in-process implementations of the payment, approval
// and subscription stores. Values are copied on the way in and out.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/paygent-labs/paygent"
)

// Store keeps every record in maps guarded by one RWMutex
type Store struct {
	mu            sync.RWMutex
	payments      map[string]paygent.PaymentRecord
	approvals     map[string]*paygent.ApprovalRequest
	subscriptions map[string]paygent.Subscription
}

var (
	_ paygent.PaymentStore      = (*Store)(nil)
	_ paygent.ApprovalStore     = (*Store)(nil)
	_ paygent.SubscriptionStore = (*Store)(nil)
)

// New creates an empty store
func New() *Store {
	return &Store{
		payments:      make(map[string]paygent.PaymentRecord),
		approvals:     make(map[string]*paygent.ApprovalRequest),
		subscriptions: make(map[string]paygent.Subscription),
	}
}

// ============================================================================
// Payments
// ============================================================================

// SavePayment upserts a payment record
func (s *Store) SavePayment(_ context.Context, record *paygent.PaymentRecord) error {
	if record == nil || record.ID == "" {
		return errors.New("payment record without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[record.ID] = copyPayment(*record)
	return nil
}

// GetPayment returns the payment with id
func (s *Store) GetPayment(_ context.Context, id string) (*paygent.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, paygent.ErrNotFound)
	}
	c := copyPayment(rec)
	return &c, nil
}

// ListPayments returns the payments of wallet, newest first. An empty wallet
// lists every payment.
func (s *Store) ListPayments(_ context.Context, wallet string) ([]paygent.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]paygent.PaymentRecord, 0)
	for _, rec := range s.payments {
		if wallet == "" || strings.EqualFold(rec.Intent.WalletAddress, wallet) {
			out = append(out, copyPayment(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// MaxNonce returns the highest nonce signed for wallet
func (s *Store) MaxNonce(_ context.Context, wallet string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		highest uint64
		found   bool
	)
	for _, rec := range s.payments {
		if rec.Authorization == nil || !strings.EqualFold(rec.Intent.WalletAddress, wallet) {
			continue
		}
		if !found || rec.Authorization.Nonce > highest {
			highest = rec.Authorization.Nonce
			found = true
		}
	}
	return highest, found, nil
}

// ============================================================================
// Approvals
// ============================================================================

// SaveApproval upserts an approval request
func (s *Store) SaveApproval(_ context.Context, req *paygent.ApprovalRequest) error {
	if req == nil || req.ID == "" {
		return errors.New("approval request without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[req.ID] = req.Clone()
	return nil
}

// GetApproval returns the approval request with id
func (s *Store) GetApproval(_ context.Context, id string) (*paygent.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, paygent.ErrNotFound)
	}
	return req.Clone(), nil
}

// ListApprovals returns requests with the given decision, oldest first.
// An empty decision lists every request.
func (s *Store) ListApprovals(_ context.Context, decision paygent.ApprovalDecision) ([]paygent.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]paygent.ApprovalRequest, 0)
	for _, req := range s.approvals {
		if decision == "" || req.Decision == decision {
			out = append(out, *req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ============================================================================
// Subscriptions
// ============================================================================

// SaveSubscription upserts a subscription
func (s *Store) SaveSubscription(_ context.Context, sub *paygent.Subscription) error {
	if sub == nil || sub.ID == "" {
		return errors.New("subscription without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.ID] = *sub
	return nil
}

// GetSubscription returns the subscription with id
func (s *Store) GetSubscription(_ context.Context, id string) (*paygent.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, paygent.ErrNotFound)
	}
	return &sub, nil
}

// ListSubscriptions returns every subscription ordered by expiry
func (s *Store) ListSubscriptions(_ context.Context) ([]paygent.Subscription, error) {
	return s.filterSubscriptions(func(paygent.Subscription) bool { return true }), nil
}

// ListExpiring returns subscriptions in status expiring at or before before
func (s *Store) ListExpiring(_ context.Context, before time.Time, status paygent.SubscriptionStatus) ([]paygent.Subscription, error) {
	return s.filterSubscriptions(func(sub paygent.Subscription) bool {
		return sub.Status == status && !sub.ExpiresAt.After(before)
	}), nil
}

func (s *Store) filterSubscriptions(keep func(paygent.Subscription) bool) []paygent.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]paygent.Subscription, 0)
	for _, sub := range s.subscriptions {
		if keep(sub) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out
}

func copyPayment(rec paygent.PaymentRecord) paygent.PaymentRecord {
	if rec.Authorization != nil {
		auth := *rec.Authorization
		rec.Authorization = &auth
	}
	if rec.Settlement != nil {
		settled := *rec.Settlement
		rec.Settlement = &settled
	}
	return rec
}
