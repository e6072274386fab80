package paygent

import (
	"math/big"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// ============================================================================
// Payment lifecycle
// ============================================================================

// PaymentStatus is a state of the payment pipeline
type PaymentStatus string

const (
	StatusCreated          PaymentStatus = "created"
	StatusClassified       PaymentStatus = "classified"
	StatusAwaitingApproval PaymentStatus = "awaiting_approval"
	StatusSigned           PaymentStatus = "signed"
	StatusSubmitted        PaymentStatus = "submitted"
	StatusConfirmed        PaymentStatus = "confirmed"
	StatusFailed           PaymentStatus = "failed"

	// StatusNoPaymentRequired is reached when the service answers 2xx
	// without asking for payment. Nothing is signed or spent.
	StatusNoPaymentRequired PaymentStatus = "no_payment_required"
)

// IsTerminal reports whether no further transition is possible
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusNoPaymentRequired:
		return true
	}
	return false
}

// PaymentIntent describes what is being paid for. Amount is expressed in
// human token units (0.10 USDC), scaling happens at signing time.
type PaymentIntent struct {
	ID            string          `json:"id"`
	ServiceURL    string          `json:"serviceUrl"`
	Amount        decimal.Decimal `json:"amount"`
	Token         string          `json:"token"`
	Description   string          `json:"description"`
	WalletAddress string          `json:"walletAddress"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Validate checks the intent is well formed
func (i PaymentIntent) Validate() error {
	switch {
	case strings.TrimSpace(i.ServiceURL) == "":
		return NewPaymentError(KindInvalidIntent, "service URL is required", nil)
	case !i.Amount.IsPositive():
		return NewPaymentError(KindInvalidIntent, "amount must be positive", map[string]interface{}{
			"amount": i.Amount.String(),
		})
	case strings.TrimSpace(i.Token) == "":
		return NewPaymentError(KindInvalidIntent, "token is required", nil)
	case !common.IsHexAddress(i.WalletAddress):
		return NewPaymentError(KindInvalidIntent, "wallet address is not a hex address", map[string]interface{}{
			"walletAddress": i.WalletAddress,
		})
	}
	return nil
}

// PaymentAuthorization is a signed, nonce-bound authorization for one intent
type PaymentAuthorization struct {
	Intent            PaymentIntent `json:"intent"`
	Nonce             uint64        `json:"nonce"`
	Timestamp         int64         `json:"timestamp"`
	AmountUnits       *big.Int      `json:"amountUnits"`
	ChainID           int64         `json:"chainId"`
	VerifyingContract string        `json:"verifyingContract"`
	DomainSeparator   hexutil.Bytes `json:"domainSeparator"`
	StructHash        hexutil.Bytes `json:"structHash"`
	TypedDataHash     hexutil.Bytes `json:"typedDataHash"`
	Signature         hexutil.Bytes `json:"signature"`
	SignerAddress     string        `json:"signerAddress"`
}

// Ref returns the idempotency reference of the authorization (wallet:nonce)
func (a *PaymentAuthorization) Ref() string {
	return AuthorizationRef(a.Intent.WalletAddress, a.Nonce)
}

// AuthorizationRef builds the wallet:nonce reference used to key settlements
func AuthorizationRef(wallet string, nonce uint64) string {
	return strings.ToLower(wallet) + ":" + new(big.Int).SetUint64(nonce).String()
}

// SettlementStatus is the state of a settlement record
type SettlementStatus string

const (
	SettlementSubmitted SettlementStatus = "submitted"
	SettlementConfirmed SettlementStatus = "confirmed"
	SettlementFailed    SettlementStatus = "failed"
)

// SettlementRecord is the facilitator's answer for one authorization.
// Terminal once confirmed or failed.
type SettlementRecord struct {
	PaymentID        string           `json:"paymentId"`
	AuthorizationRef string           `json:"authorizationRef"`
	FacilitatorTxRef string           `json:"facilitatorTxRef"`
	ProofToken       string           `json:"proofToken"`
	Status           SettlementStatus `json:"status"`
	SettledAt        time.Time        `json:"settledAt"`
}

// PaymentRecord is the persisted view of one Execute call
type PaymentRecord struct {
	ID            string                `json:"id"`
	Intent        PaymentIntent         `json:"intent"`
	Status        PaymentStatus         `json:"status"`
	Kind          ErrorKind             `json:"kind,omitempty"`
	Reason        string                `json:"reason,omitempty"`
	ApprovalID    string                `json:"approvalId,omitempty"`
	Authorization *PaymentAuthorization `json:"authorization,omitempty"`
	Settlement    *SettlementRecord     `json:"settlement,omitempty"`
	CreatedAt     time.Time             `json:"createdAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

// PaymentResult is the terminal outcome of Execute
type PaymentResult struct {
	PaymentID     string                `json:"paymentId"`
	Success       bool                  `json:"success"`
	Status        PaymentStatus         `json:"status"`
	Kind          ErrorKind             `json:"kind,omitempty"`
	Code          string                `json:"code,omitempty"`
	Reason        string                `json:"reason,omitempty"`
	Proof         string                `json:"proof,omitempty"`
	ApprovalID    string                `json:"approvalId,omitempty"`
	Authorization *PaymentAuthorization `json:"authorization,omitempty"`
	Settlement    *SettlementRecord     `json:"settlement,omitempty"`
	StatusCode    int                   `json:"statusCode,omitempty"`
	Body          []byte                `json:"body,omitempty"`
}

// ResourceResponse is the outcome of one outbound resource request
type ResourceResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ============================================================================
// Budget
// ============================================================================

// Verdict is the budget classification of a payment
type Verdict string

const (
	VerdictAutoApprove     Verdict = "auto_approve"
	VerdictRequireApproval Verdict = "require_approval"
	VerdictReject          Verdict = "reject"
)

// Classification is returned by the budget guard
type Classification struct {
	Verdict           Verdict `json:"verdict"`
	RequiredApprovals int     `json:"requiredApprovals,omitempty"`
	Reason            string  `json:"reason,omitempty"`
}

// Budget rejection reasons
const (
	ReasonExceedsMaxSingle  = "exceeds_max_single_transaction"
	ReasonExceedsDailyLimit = "exceeds_daily_limit"
)

// ============================================================================
// Approvals
// ============================================================================

// ApprovalDecision is the state of an approval request
type ApprovalDecision string

const (
	DecisionPending  ApprovalDecision = "pending"
	DecisionApproved ApprovalDecision = "approved"
	DecisionEdited   ApprovalDecision = "edited"
	DecisionRejected ApprovalDecision = "rejected"
	DecisionExpired  ApprovalDecision = "expired"
)

// IsTerminal reports whether the decision can no longer change
func (d ApprovalDecision) IsTerminal() bool {
	return d != DecisionPending && d != ""
}

// Proceeds reports whether the payment may go ahead
func (d ApprovalDecision) Proceeds() bool {
	return d == DecisionApproved || d == DecisionEdited
}

// ApprovalRequest is a human-in-the-loop gate for one payment
type ApprovalRequest struct {
	ID                string           `json:"id"`
	WalletAddress     string           `json:"walletAddress"`
	Intent            PaymentIntent    `json:"intent"`
	EditedIntent      *PaymentIntent   `json:"editedIntent,omitempty"`
	EditedBy          string           `json:"editedBy,omitempty"`
	RequiredApprovals int              `json:"requiredApprovals"`
	ReceivedApprovals []string         `json:"receivedApprovals"`
	Decision          ApprovalDecision `json:"decision"`
	DecidedBy         string           `json:"decidedBy,omitempty"`
	Reason            string           `json:"reason,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	DecidedAt         *time.Time       `json:"decidedAt,omitempty"`
}

// EffectiveIntent returns the edited intent if present, the original otherwise
func (r *ApprovalRequest) EffectiveIntent() PaymentIntent {
	if r.EditedIntent != nil {
		return *r.EditedIntent
	}
	return r.Intent
}

// Clone returns a deep copy
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	c := *r
	c.ReceivedApprovals = append([]string(nil), r.ReceivedApprovals...)
	sort.Strings(c.ReceivedApprovals)
	if r.EditedIntent != nil {
		edited := *r.EditedIntent
		c.EditedIntent = &edited
	}
	if r.DecidedAt != nil {
		at := *r.DecidedAt
		c.DecidedAt = &at
	}
	return &c
}

// ============================================================================
// Subscriptions
// ============================================================================

// SubscriptionStatus is the state of a recurring payment
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionRenewing  SubscriptionStatus = "renewing"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// Subscription is a recurring payment to a service
type Subscription struct {
	ID                  string             `json:"id"`
	WalletAddress       string             `json:"walletAddress"`
	ServiceID           string             `json:"serviceId"`
	ServiceURL          string             `json:"serviceUrl"`
	Amount              decimal.Decimal    `json:"amount"`
	Token               string             `json:"token"`
	RenewalIntervalDays int                `json:"renewalIntervalDays"`
	ExpiresAt           time.Time          `json:"expiresAt"`
	RenewalCount        int                `json:"renewalCount"`
	LastTxRef           string             `json:"lastTxRef,omitempty"`
	Status              SubscriptionStatus `json:"status"`
	CreatedAt           time.Time          `json:"createdAt"`
	UpdatedAt           time.Time          `json:"updatedAt"`
}
