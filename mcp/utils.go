package mcp

import (
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/paygent-labs/paygent"
)

func decodeArgs(req *mcpsdk.CallToolRequest, v any) error {
	if req.Params == nil || len(req.Params.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params.Arguments, v); err != nil {
		return fmt.Errorf("failed to unmarshal arguments: %w", err)
	}
	return nil
}

func jsonResult(v any) (*mcpsdk.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}, nil
}

func errorResult(te *ToolError) *mcpsdk.CallToolResult {
	data, err := json.Marshal(te)
	if err != nil {
		data = []byte(te.Error())
	}
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}
}

func invalidArgs(err error) *mcpsdk.CallToolResult {
	return errorResult(&ToolError{Kind: paygent.KindInvalidIntent, Reason: err.Error()})
}

func failure(err error) *mcpsdk.CallToolResult {
	te := &ToolError{Kind: paygent.KindOf(err), Reason: err.Error()}
	if pe, ok := paygent.AsPaymentError(err); ok {
		te.Code = pe.Code
	}
	return errorResult(te)
}

// textOf joins the text content of a tool result
func textOf(result *mcpsdk.CallToolResult) string {
	var text string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			text += tc.Text
		}
	}
	return text
}
