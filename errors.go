package paygent

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-checkable category of a payment failure
type ErrorKind string

// Fatal kinds
const (
	KindNoSigner             ErrorKind = "no_signer"
	KindAmountMismatch       ErrorKind = "amount_mismatch"
	KindTokenMismatch        ErrorKind = "token_mismatch"
	KindMissingPaymentHeader ErrorKind = "missing_payment_required_header"
	KindBudgetRejected       ErrorKind = "budget_rejected"
	KindApprovalRejected     ErrorKind = "approval_rejected"
	KindApprovalExpired      ErrorKind = "approval_expired"
	KindNonceConsumed        ErrorKind = "nonce_consumed"
	KindInvalidIntent        ErrorKind = "invalid_intent"
	KindPaymentNotAccepted   ErrorKind = "payment_not_accepted"
	KindSettlementRejected   ErrorKind = "settlement_rejected"
	KindHTTPStatus           ErrorKind = "http_status"
	KindCancelled            ErrorKind = "cancelled"
	KindInternal             ErrorKind = "internal"
)

// Retryable kinds
const (
	KindNetwork                ErrorKind = "network"
	KindFacilitatorUnavailable ErrorKind = "facilitator_unavailable"
	KindSettlementPending      ErrorKind = "settlement_pending"
)

// Retryable reports whether failures of this kind may be retried with backoff
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindFacilitatorUnavailable, KindSettlementPending:
		return true
	}
	return false
}

// Sentinel errors
var (
	ErrNoSigner               = errors.New("no signer configured for wallet")
	ErrNonceConsumed          = errors.New("nonce already consumed")
	ErrFacilitatorUnavailable = errors.New("facilitator unavailable")
	ErrSettlementRejected     = errors.New("settlement rejected")
	ErrAlreadySettled         = errors.New("already settled")
	ErrNotFound               = errors.New("not found")
	ErrAlreadyExists          = errors.New("already exists")
	ErrTerminalState          = errors.New("request is in a terminal state")
)

// PaymentError represents a payment-specific error
type PaymentError struct {
	Kind      ErrorKind              `json:"kind"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Err       error                  `json:"-"`
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Is matches another *PaymentError of the same kind
func (e *PaymentError) Is(target error) bool {
	t, ok := target.(*PaymentError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// WithCode overrides the specific code, keeping the kind
func (e *PaymentError) WithCode(code string) *PaymentError {
	e.Code = code
	return e
}

// NewPaymentError creates a new payment error. Code defaults to the kind.
func NewPaymentError(kind ErrorKind, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Kind:      kind,
		Code:      string(kind),
		Message:   message,
		Retryable: kind.Retryable(),
		Details:   details,
	}
}

// WrapPaymentError creates a payment error around a cause
func WrapPaymentError(kind ErrorKind, message string, err error) *PaymentError {
	pe := NewPaymentError(kind, message, nil)
	pe.Err = err
	return pe
}

// AsPaymentError extracts a *PaymentError from an error chain
func AsPaymentError(err error) (*PaymentError, bool) {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err is a retryable payment failure
func IsRetryable(err error) bool {
	if pe, ok := AsPaymentError(err); ok {
		return pe.Retryable
	}
	return false
}

// KindOf returns the kind of err, or KindInternal for foreign errors
func KindOf(err error) ErrorKind {
	if pe, ok := AsPaymentError(err); ok {
		return pe.Kind
	}
	return KindInternal
}
