package paygent

import (
	"context"
	"time"
)

// ============================================================================
// Orchestrator Hook Context Types
// ============================================================================

// PaymentContext identifies the payment a hook is called for
type PaymentContext struct {
	Ctx       context.Context
	PaymentID string
	Intent    PaymentIntent
	Timestamp time.Time
}

// BeforeSignContext is passed to hooks running right before a nonce is consumed
type BeforeSignContext struct {
	PaymentContext
	Requirement    *PaymentRequirement
	Classification Classification
}

// SettledContext contains the confirmed settlement
type SettledContext struct {
	PaymentContext
	Authorization *PaymentAuthorization
	Settlement    *SettlementRecord
	Duration      time.Duration
}

// FailureContext contains the failure that ended a payment
type FailureContext struct {
	PaymentContext
	Status   PaymentStatus
	Error    *PaymentError
	Duration time.Duration
}

// ============================================================================
// Orchestrator Hook Result Types
// ============================================================================

// BeforeHookResult represents the result of a "before" hook
// If Abort is true, the payment ends before signing with the given Reason
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// ============================================================================
// Orchestrator Hook Function Types
// ============================================================================

// BeforeSignHook is called after the 402 quote is checked and before signing.
// Returning Abort=true or an error stops the payment without consuming a nonce.
type BeforeSignHook func(BeforeSignContext) (*BeforeHookResult, error)

// AfterSettleHook is called once the settlement is confirmed
// Any error returned will be logged but will not affect the payment
type AfterSettleHook func(SettledContext) error

// OnFailureHook is called when a payment ends unsuccessfully
// Any error returned will be logged but will not affect the payment
type OnFailureHook func(FailureContext) error

// ============================================================================
// Orchestrator Hook Registration Options
// ============================================================================

// WithBeforeSignHook registers a hook to execute before signing
func WithBeforeSignHook(hook BeforeSignHook) OrchestratorOption {
	return func(o *Orchestrator) {
		o.beforeSignHooks = append(o.beforeSignHooks, hook)
	}
}

// WithAfterSettleHook registers a hook to execute after a confirmed settlement
func WithAfterSettleHook(hook AfterSettleHook) OrchestratorOption {
	return func(o *Orchestrator) {
		o.afterSettleHooks = append(o.afterSettleHooks, hook)
	}
}

// WithOnFailureHook registers a hook to execute when a payment fails
func WithOnFailureHook(hook OnFailureHook) OrchestratorOption {
	return func(o *Orchestrator) {
		o.onFailureHooks = append(o.onFailureHooks, hook)
	}
}

// OnBeforeSign registers a before-sign hook after construction
func (o *Orchestrator) OnBeforeSign(hook BeforeSignHook) *Orchestrator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.beforeSignHooks = append(o.beforeSignHooks, hook)
	return o
}

// OnAfterSettle registers an after-settle hook after construction
func (o *Orchestrator) OnAfterSettle(hook AfterSettleHook) *Orchestrator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.afterSettleHooks = append(o.afterSettleHooks, hook)
	return o
}

// OnFailure registers a failure hook after construction
func (o *Orchestrator) OnFailure(hook OnFailureHook) *Orchestrator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onFailureHooks = append(o.onFailureHooks, hook)
	return o
}
