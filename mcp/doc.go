// Package mcp exposes the payment pipeline to agents as MCP (Model Context
// Protocol) tools.
//
// # Server Usage
//
//	srv := mcp.NewServer(mcp.Config{
//	    Payer:         orchestrator,
//	    Approvals:     coordinator,
//	    Subscriptions: store,
//	})
//
//	// Stdio, for agents that spawn paygent as a subprocess
//	err := srv.RunStdio(ctx)
//
//	// Or SSE, mounted on an HTTP mux
//	mux.Handle("/sse", srv.SSEHandler())
//	mux.Handle("/messages", srv.SSEHandler())
//
// # Tools
//
//   - pay: run a payment intent through the pipeline
//   - list_pending_approvals: list approval requests awaiting a decision
//   - approve_payment: count one approver toward a request's quorum
//   - reject_payment: reject a pending request
//   - list_subscriptions: list subscriptions, optionally for one wallet
//
// Every tool answers with JSON text content. A failed payment sets IsError
// and carries the failure kind and reason.
//
// # Client Usage
//
// Client wraps a connected go-sdk session with typed calls:
//
//	session, _ := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "agent", Version: "1.0.0"}, nil).
//	    Connect(ctx, transport, nil)
//	client := mcp.NewClient(session)
//	result, err := client.Pay(ctx, mcp.PayArgs{...})
package mcp
