package paygent

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// Pipeline capabilities
// ============================================================================

// BudgetClassifier gates spend per wallet
type BudgetClassifier interface {
	Classify(wallet string, amountUSD decimal.Decimal) Classification
	// RecordSpend is called once per confirmed settlement
	RecordSpend(wallet string, amountUSD decimal.Decimal)
}

// ApprovalGate is the human-in-the-loop side of the pipeline
type ApprovalGate interface {
	Create(ctx context.Context, intent PaymentIntent, requiredApprovals int) (*ApprovalRequest, error)
	// AwaitDecision blocks until the request is terminal, the timeout
	// elapses (the request expires) or ctx is done.
	AwaitDecision(ctx context.Context, requestID string, timeout time.Duration) (*ApprovalRequest, error)
	Cancel(requestID, reason string) error
}

// Authorizer produces signed, nonce-bound authorizations
type Authorizer interface {
	CreateAuthorization(ctx context.Context, intent PaymentIntent) (*PaymentAuthorization, error)
}

// Settler settles authorizations through a facilitator
type Settler interface {
	Submit(ctx context.Context, auth *PaymentAuthorization) (*SettlementRecord, error)
}

// ResourceFetcher performs the outbound request for the paid resource.
// Transport failures are returned as errors, HTTP statuses are not.
type ResourceFetcher interface {
	Fetch(ctx context.Context, url string, header http.Header) (*ResourceResponse, error)
}

// ============================================================================
// Persistence and notification collaborators
// ============================================================================

// PaymentStore persists payment records
type PaymentStore interface {
	SavePayment(ctx context.Context, record *PaymentRecord) error
	GetPayment(ctx context.Context, id string) (*PaymentRecord, error)
	ListPayments(ctx context.Context, wallet string) ([]PaymentRecord, error)
	// MaxNonce returns the highest nonce ever signed for wallet
	MaxNonce(ctx context.Context, wallet string) (uint64, bool, error)
}

// ApprovalStore persists approval requests
type ApprovalStore interface {
	SaveApproval(ctx context.Context, req *ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*ApprovalRequest, error)
	ListApprovals(ctx context.Context, decision ApprovalDecision) ([]ApprovalRequest, error)
}

// SubscriptionStore persists subscriptions
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	SaveSubscription(ctx context.Context, sub *Subscription) error
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	// ListExpiring returns subscriptions in status that expire at or before before
	ListExpiring(ctx context.Context, before time.Time, status SubscriptionStatus) ([]Subscription, error)
}

// Notifier receives renewal failures for human follow-up
type Notifier interface {
	NotifyRenewalFailed(ctx context.Context, subscriptionID, reason string) error
}
