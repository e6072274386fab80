package paygent

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// HeaderPaymentRequired is sent by the service with a 402
	HeaderPaymentRequired = "Payment-Required"

	// HeaderPaymentProof carries the settlement proof on the retried request
	HeaderPaymentProof = "Payment-Proof"

	// SchemeX402 is the only scheme understood in Payment-Required
	SchemeX402 = "x402"
)

// PaymentRequirement is a parsed Payment-Required header
type PaymentRequirement struct {
	Scheme string
	Amount decimal.Decimal
	Token  string
	Params map[string]string
}

// ParsePaymentRequired parses `x402; amount=0.10; token=USDC`.
//
// Segments are separated by ';' and trimmed. A leading bare segment names the
// scheme; every other segment must be key=value. Keys are case-insensitive.
func ParsePaymentRequired(value string) (*PaymentRequirement, error) {
	if strings.TrimSpace(value) == "" {
		return nil, headerError("header is missing")
	}

	req := &PaymentRequirement{Params: make(map[string]string)}
	for i, segment := range strings.Split(value, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		key, val, found := strings.Cut(segment, "=")
		if !found {
			if i != 0 {
				return nil, headerError(fmt.Sprintf("segment %q is not key=value", segment))
			}
			req.Scheme = strings.ToLower(segment)
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		if key == "" || val == "" {
			return nil, headerError(fmt.Sprintf("segment %q has an empty key or value", segment))
		}
		req.Params[key] = val
	}

	if req.Scheme != "" && req.Scheme != SchemeX402 {
		return nil, headerError(fmt.Sprintf("unsupported scheme %q", req.Scheme))
	}
	req.Scheme = SchemeX402

	rawAmount, ok := req.Params["amount"]
	if !ok {
		return nil, headerError("amount is missing")
	}
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil || !amount.IsPositive() {
		return nil, headerError(fmt.Sprintf("amount %q is not a positive decimal", rawAmount))
	}
	req.Amount = amount

	req.Token = req.Params["token"]
	if req.Token == "" {
		return nil, headerError("token is missing")
	}
	return req, nil
}

// FormatPaymentRequired renders a Payment-Required header value
func FormatPaymentRequired(amount decimal.Decimal, token string) string {
	return fmt.Sprintf("%s; amount=%s; token=%s", SchemeX402, amount.String(), token)
}

// Match checks the quoted price against the intent. Both amount and token
// must match exactly, a service may not silently change the price.
func (r *PaymentRequirement) Match(intent PaymentIntent) error {
	if !r.Amount.Equal(intent.Amount) {
		return NewPaymentError(KindAmountMismatch,
			fmt.Sprintf("amount_mismatch: service requested %s %s, intent authorizes %s %s",
				r.Amount.String(), r.Token, intent.Amount.String(), intent.Token),
			map[string]interface{}{"quoted": r.Amount.String(), "intent": intent.Amount.String()})
	}
	if !strings.EqualFold(r.Token, intent.Token) {
		return NewPaymentError(KindTokenMismatch,
			fmt.Sprintf("token_mismatch: service requested %s, intent authorizes %s", r.Token, intent.Token),
			map[string]interface{}{"quoted": r.Token, "intent": intent.Token})
	}
	return nil
}

func headerError(message string) *PaymentError {
	return NewPaymentError(KindMissingPaymentHeader, "invalid Payment-Required header: "+message, nil)
}
