package mcp

import (
	"context"

	"github.com/paygent-labs/paygent"
)

// Tool names
const (
	ToolPay                  = "pay"
	ToolListPendingApprovals = "list_pending_approvals"
	ToolApprovePayment       = "approve_payment"
	ToolRejectPayment        = "reject_payment"
	ToolListSubscriptions    = "list_subscriptions"
)

// Payer executes payments
type Payer interface {
	Execute(ctx context.Context, intent paygent.PaymentIntent) (*paygent.PaymentResult, error)
}

// Approvals is the approver side of the approval coordinator
type Approvals interface {
	Get(requestID string) (*paygent.ApprovalRequest, error)
	Pending() []paygent.ApprovalRequest
	AddApproval(requestID, approverID string) (bool, error)
	Reject(requestID, approverID, reason string) error
}

// SubscriptionLister lists subscriptions
type SubscriptionLister interface {
	ListSubscriptions(ctx context.Context) ([]paygent.Subscription, error)
}

// PayArgs are the arguments of the pay tool. Amount is a decimal string.
type PayArgs struct {
	ServiceURL    string `json:"serviceUrl"`
	Amount        string `json:"amount"`
	Token         string `json:"token"`
	Description   string `json:"description,omitempty"`
	WalletAddress string `json:"walletAddress"`
}

// ApproveArgs are the arguments of approve_payment
type ApproveArgs struct {
	ApprovalID string `json:"approvalId"`
	Approver   string `json:"approver"`
}

// RejectArgs are the arguments of reject_payment
type RejectArgs struct {
	ApprovalID string `json:"approvalId"`
	Approver   string `json:"approver"`
	Reason     string `json:"reason,omitempty"`
}

// ListSubscriptionsArgs are the arguments of list_subscriptions
type ListSubscriptionsArgs struct {
	WalletAddress string `json:"walletAddress,omitempty"`
}

// Decision is the result of approve_payment and reject_payment
type Decision struct {
	QuorumReached bool                     `json:"quorumReached"`
	Request       *paygent.ApprovalRequest `json:"request"`
}

// ToolError is the body of a failed tool call
type ToolError struct {
	Kind   paygent.ErrorKind      `json:"kind"`
	Code   string                 `json:"code,omitempty"`
	Reason string                 `json:"reason"`
	Result *paygent.PaymentResult `json:"result,omitempty"`
}

func (e *ToolError) Error() string {
	if e.Code != "" && e.Code != string(e.Kind) {
		return string(e.Kind) + " (" + e.Code + "): " + e.Reason
	}
	return string(e.Kind) + ": " + e.Reason
}

const (
	payInputSchema = `{
		"type": "object",
		"required": ["serviceUrl", "amount", "token", "walletAddress"],
		"properties": {
			"serviceUrl":    {"type": "string", "description": "URL of the paid resource"},
			"amount":        {"type": "string", "description": "Decimal amount, e.g. \"0.10\""},
			"token":         {"type": "string", "description": "Token symbol, e.g. USDC"},
			"description":   {"type": "string"},
			"walletAddress": {"type": "string", "description": "0x-prefixed paying wallet"}
		}
	}`

	emptyInputSchema = `{"type": "object"}`

	approveInputSchema = `{
		"type": "object",
		"required": ["approvalId", "approver"],
		"properties": {
			"approvalId": {"type": "string"},
			"approver":   {"type": "string"}
		}
	}`

	rejectInputSchema = `{
		"type": "object",
		"required": ["approvalId", "approver"],
		"properties": {
			"approvalId": {"type": "string"},
			"approver":   {"type": "string"},
			"reason":     {"type": "string"}
		}
	}`

	listSubscriptionsInputSchema = `{
		"type": "object",
		"properties": {
			"walletAddress": {"type": "string", "description": "Only this wallet's subscriptions"}
		}
	}`
)
