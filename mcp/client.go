package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/paygent-labs/paygent"
)

// Client calls the paygent tools over a connected MCP session
type Client struct {
	session *mcpsdk.ClientSession
}

// NewClient wraps a connected session
func NewClient(session *mcpsdk.ClientSession) *Client {
	return &Client{session: session}
}

// Close closes the session
func (c *Client) Close() error {
	return c.session.Close()
}

// Pay calls the pay tool. A failed payment returns a *ToolError carrying the
// result.
func (c *Client) Pay(ctx context.Context, args PayArgs) (*paygent.PaymentResult, error) {
	var result paygent.PaymentResult
	if err := c.call(ctx, ToolPay, args, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PendingApprovals calls list_pending_approvals
func (c *Client) PendingApprovals(ctx context.Context) ([]paygent.ApprovalRequest, error) {
	var out []paygent.ApprovalRequest
	if err := c.call(ctx, ToolListPendingApprovals, struct{}{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Approve calls approve_payment
func (c *Client) Approve(ctx context.Context, approvalID, approver string) (*Decision, error) {
	var out Decision
	if err := c.call(ctx, ToolApprovePayment, ApproveArgs{ApprovalID: approvalID, Approver: approver}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reject calls reject_payment
func (c *Client) Reject(ctx context.Context, approvalID, approver, reason string) (*Decision, error) {
	var out Decision
	if err := c.call(ctx, ToolRejectPayment, RejectArgs{ApprovalID: approvalID, Approver: approver, Reason: reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscriptions calls list_subscriptions. An empty wallet lists all.
func (c *Client) Subscriptions(ctx context.Context, wallet string) ([]paygent.Subscription, error) {
	var out []paygent.Subscription
	if err := c.call(ctx, ToolListSubscriptions, ListSubscriptionsArgs{WalletAddress: wallet}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, name string, args, out any) error {
	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return fmt.Errorf("call %s: %w", name, err)
	}
	text := textOf(result)
	if result.IsError {
		var te ToolError
		if err := json.Unmarshal([]byte(text), &te); err != nil || te.Kind == "" {
			return &ToolError{Kind: paygent.KindInternal, Reason: text}
		}
		return &te
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("decode %s result: %w", name, err)
	}
	return nil
}
