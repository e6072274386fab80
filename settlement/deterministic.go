package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/paygent-labs/paygent"
)

// DeterministicBackend is an in-process facilitator. Identifiers are derived
// from the authorization so repeated runs produce the same values, and a
// wallet:nonce pair is settled at most once.
type DeterministicBackend struct {
	mu          sync.Mutex
	byRef       map[string]*SubmitResponse
	byID        map[string]*SubmitResponse
	pending     map[string]int
	failNext    int
	failErr     error
	rejectNext  string
	pendingPoll int
	submits     int
	settlements int
}

var _ Backend = (*DeterministicBackend)(nil)

// NewDeterministicBackend creates an empty backend
func NewDeterministicBackend() *DeterministicBackend {
	return &DeterministicBackend{
		byRef:   make(map[string]*SubmitResponse),
		byID:    make(map[string]*SubmitResponse),
		pending: make(map[string]int),
	}
}

// FailNext makes the next n submissions fail with err
// (ErrFacilitatorUnavailable when nil)
func (b *DeterministicBackend) FailNext(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		err = paygent.ErrFacilitatorUnavailable
	}
	b.failNext = n
	b.failErr = err
}

// RejectNext makes the next submission come back rejected
func (b *DeterministicBackend) RejectNext(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectNext = reason
}

// SetPendingPolls makes new settlements report pending for n verify calls
func (b *DeterministicBackend) SetPendingPolls(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingPoll = n
}

// Submits returns the number of Submit calls, failed ones included
func (b *DeterministicBackend) Submits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits
}

// Settlements returns the number of distinct settlements made
func (b *DeterministicBackend) Settlements() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settlements
}

// Submit settles req once per wallet:nonce
func (b *DeterministicBackend) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits++

	if b.failNext > 0 {
		b.failNext--
		return nil, b.failErr
	}
	if b.rejectNext != "" {
		reason := b.rejectNext
		b.rejectNext = ""
		return &SubmitResponse{Status: StatusRejected, Reason: reason}, nil
	}
	if req.Signature == "" || req.WalletAddress == "" {
		return &SubmitResponse{Status: StatusRejected, Reason: "missing signature or wallet"}, nil
	}

	ref := req.Ref()
	if prior, ok := b.byRef[ref]; ok {
		return &SubmitResponse{
			PaymentID:    prior.PaymentID,
			TxHash:       prior.TxHash,
			PaymentProof: prior.PaymentProof,
			Status:       StatusAlreadySettled,
		}, nil
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", ref, req.ServiceURL, req.AmountUnits, req.Signature)))
	digest := hex.EncodeToString(sum[:])
	resp := &SubmitResponse{
		PaymentID:    "pay_" + digest[:24],
		TxHash:       "0x" + digest,
		PaymentProof: "proof_" + digest[24:56],
		Status:       StatusConfirmed,
	}
	b.byRef[ref] = resp
	b.byID[resp.PaymentID] = resp
	b.settlements++

	if b.pendingPoll > 0 {
		b.pending[resp.PaymentID] = b.pendingPoll
		out := *resp
		out.Status = StatusPending
		return &out, nil
	}
	out := *resp
	return &out, nil
}

// Verify reports a settlement, counting down pending polls
func (b *DeterministicBackend) Verify(ctx context.Context, paymentID string) (*VerifyResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	resp, ok := b.byID[paymentID]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", paymentID, paygent.ErrNotFound)
	}
	if left := b.pending[paymentID]; left > 0 {
		b.pending[paymentID] = left - 1
		return &VerifyResponse{PaymentID: paymentID, Status: StatusPending}, nil
	}
	return &VerifyResponse{
		PaymentID:    paymentID,
		Status:       StatusConfirmed,
		Verified:     true,
		TxHash:       resp.TxHash,
		PaymentProof: resp.PaymentProof,
	}, nil
}

// CheckProof reports whether proof was issued for a settlement of this
// backend. It satisfies paywall.ProofVerifier.
func (b *DeterministicBackend) CheckProof(ctx context.Context, proof string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, resp := range b.byID {
		if resp.PaymentProof == proof {
			return true, nil
		}
	}
	return false, nil
}
