package http

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/paygent-labs/paygent"
)

// Facilitator response schemas. A response that does not match is treated
// as a malformed body from an unhealthy facilitator.
var (
	submitSchema = gojsonschema.NewStringLoader(`{
		"type": "object",
		"required": ["status"],
		"properties": {
			"paymentId":    {"type": "string"},
			"txHash":       {"type": "string"},
			"paymentProof": {"type": "string"},
			"status":       {"type": "string", "minLength": 1},
			"reason":       {"type": "string"}
		}
	}`)

	verifySchema = gojsonschema.NewStringLoader(`{
		"type": "object",
		"required": ["status", "verified"],
		"properties": {
			"paymentId":    {"type": "string"},
			"status":       {"type": "string", "minLength": 1},
			"verified":     {"type": "boolean"},
			"txHash":       {"type": "string"},
			"paymentProof": {"type": "string"}
		}
	}`)
)

// validateBody checks a facilitator response body against schema
func validateBody(schema gojsonschema.JSONLoader, body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: malformed facilitator response: empty body", paygent.ErrFacilitatorUnavailable)
	}

	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: malformed facilitator response: %w", paygent.ErrFacilitatorUnavailable, err)
	}
	if result.Valid() {
		return nil
	}

	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return fmt.Errorf("%w: malformed facilitator response: %s", paygent.ErrFacilitatorUnavailable, strings.Join(problems, "; "))
}
