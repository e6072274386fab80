package paygent

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind_Retryable(t *testing.T) {
	for _, kind := range []ErrorKind{KindNetwork, KindFacilitatorUnavailable, KindSettlementPending} {
		assert.True(t, kind.Retryable(), kind)
	}
	for _, kind := range []ErrorKind{
		KindNoSigner, KindAmountMismatch, KindTokenMismatch, KindMissingPaymentHeader,
		KindBudgetRejected, KindApprovalRejected, KindApprovalExpired, KindNonceConsumed,
		KindPaymentNotAccepted, KindSettlementRejected, KindHTTPStatus, KindCancelled, KindInternal,
	} {
		assert.False(t, kind.Retryable(), kind)
	}
}

func TestPaymentError(t *testing.T) {
	err := NewPaymentError(KindBudgetRejected, "over the daily cap", map[string]interface{}{"amountUsd": "150"})
	assert.Equal(t, "budget_rejected: over the daily cap", err.Error())
	assert.Equal(t, "budget_rejected", err.Code)
	assert.False(t, err.Retryable)

	err.WithCode(ReasonExceedsDailyLimit)
	assert.Equal(t, KindBudgetRejected, err.Kind)
	assert.Equal(t, "exceeds_daily_limit: over the daily cap", err.Error())
}

func TestPaymentError_WrapAndMatch(t *testing.T) {
	cause := fmt.Errorf("dial tcp: %w", ErrFacilitatorUnavailable)
	err := fmt.Errorf("submit: %w", WrapPaymentError(KindFacilitatorUnavailable, "facilitator unavailable", cause))

	assert.ErrorIs(t, err, ErrFacilitatorUnavailable)
	assert.ErrorIs(t, err, &PaymentError{Kind: KindFacilitatorUnavailable})
	assert.NotErrorIs(t, err, &PaymentError{Kind: KindNetwork})
	assert.True(t, IsRetryable(err))
	assert.Equal(t, KindFacilitatorUnavailable, KindOf(err))

	pe, ok := AsPaymentError(err)
	assert.True(t, ok)
	assert.Contains(t, pe.Error(), "dial tcp")
}

func TestKindOf_ForeignError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, IsRetryable(errors.New("boom")))
}
