package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shopspring/decimal"

	"github.com/paygent-labs/paygent"
)

// Implementation name advertised to MCP clients
const (
	ServerName    = "paygent"
	ServerVersion = "1.0.0"
)

// Config wires the tools to the pipeline
type Config struct {
	Payer         Payer
	Approvals     Approvals
	Subscriptions SubscriptionLister
	Logger        *slog.Logger
}

// Server is the MCP tool server
type Server struct {
	mcp    *mcpsdk.Server
	cfg    Config
	logger *slog.Logger
}

// NewServer creates the MCP server and registers its tools
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		mcp:    mcpsdk.NewServer(&mcpsdk.Implementation{Name: ServerName, Version: ServerVersion}, nil),
		cfg:    cfg,
		logger: cfg.Logger,
	}

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        ToolPay,
		Description: "Pay for an x402-protected resource and return its content. Payments over the approval threshold wait for human approval.",
		InputSchema: json.RawMessage(payInputSchema),
	}, s.pay)

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        ToolListPendingApprovals,
		Description: "List payment approval requests awaiting a decision",
		InputSchema: json.RawMessage(emptyInputSchema),
	}, s.listPendingApprovals)

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        ToolApprovePayment,
		Description: "Approve a pending payment on behalf of one approver",
		InputSchema: json.RawMessage(approveInputSchema),
	}, s.approvePayment)

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        ToolRejectPayment,
		Description: "Reject a pending payment",
		InputSchema: json.RawMessage(rejectInputSchema),
	}, s.rejectPayment)

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        ToolListSubscriptions,
		Description: "List recurring subscriptions and their renewal state",
		InputSchema: json.RawMessage(listSubscriptionsInputSchema),
	}, s.listSubscriptions)

	return s
}

// MCP returns the underlying go-sdk server
func (s *Server) MCP() *mcpsdk.Server {
	return s.mcp
}

// SSEHandler serves the tools over SSE. Mount it on both the stream and the
// message endpoints.
func (s *Server) SSEHandler() http.Handler {
	return mcpsdk.NewSSEHandler(func(*http.Request) *mcpsdk.Server {
		return s.mcp
	}, &mcpsdk.SSEOptions{})
}

// RunStdio serves the tools over stdin/stdout until ctx is done or the
// client disconnects
func (s *Server) RunStdio(ctx context.Context) error {
	return s.mcp.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) pay(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args PayArgs
	if err := decodeArgs(req, &args); err != nil {
		return invalidArgs(err), nil
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(args.Amount))
	if err != nil {
		return invalidArgs(fmt.Errorf("amount %q is not a decimal", args.Amount)), nil
	}

	result, err := s.cfg.Payer.Execute(ctx, paygent.PaymentIntent{
		ServiceURL:    args.ServiceURL,
		Amount:        amount,
		Token:         args.Token,
		Description:   args.Description,
		WalletAddress: args.WalletAddress,
	})
	if err != nil {
		s.logger.Info("pay tool failed", "kind", paygent.KindOf(err), "error", err)
		te := &ToolError{Kind: paygent.KindOf(err), Reason: err.Error(), Result: result}
		if pe, ok := paygent.AsPaymentError(err); ok {
			te.Code = pe.Code
			te.Reason = pe.Message
		}
		return errorResult(te), nil
	}
	return jsonResult(result)
}

func (s *Server) listPendingApprovals(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	return jsonResult(s.cfg.Approvals.Pending())
}

func (s *Server) approvePayment(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args ApproveArgs
	if err := decodeArgs(req, &args); err != nil {
		return invalidArgs(err), nil
	}
	done, err := s.cfg.Approvals.AddApproval(args.ApprovalID, args.Approver)
	if err != nil {
		return failure(err), nil
	}
	return s.decision(args.ApprovalID, done)
}

func (s *Server) rejectPayment(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args RejectArgs
	if err := decodeArgs(req, &args); err != nil {
		return invalidArgs(err), nil
	}
	if err := s.cfg.Approvals.Reject(args.ApprovalID, args.Approver, args.Reason); err != nil {
		return failure(err), nil
	}
	return s.decision(args.ApprovalID, true)
}

func (s *Server) decision(id string, done bool) (*mcpsdk.CallToolResult, error) {
	req, err := s.cfg.Approvals.Get(id)
	if err != nil {
		return failure(err), nil
	}
	return jsonResult(Decision{QuorumReached: done, Request: req})
}

func (s *Server) listSubscriptions(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args ListSubscriptionsArgs
	if err := decodeArgs(req, &args); err != nil {
		return invalidArgs(err), nil
	}
	subs, err := s.cfg.Subscriptions.ListSubscriptions(ctx)
	if err != nil {
		return failure(err), nil
	}
	if args.WalletAddress != "" {
		kept := subs[:0]
		for _, sub := range subs {
			if strings.EqualFold(sub.WalletAddress, args.WalletAddress) {
				kept = append(kept, sub)
			}
		}
		subs = kept
	}
	if subs == nil {
		subs = []paygent.Subscription{}
	}
	return jsonResult(subs)
}
