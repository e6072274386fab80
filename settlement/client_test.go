package settlement_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygent-labs/paygent"
	"github.com/paygent-labs/paygent/settlement"
)

const wallet = "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1"

func signedAuth(nonce uint64) *paygent.PaymentAuthorization {
	return &paygent.PaymentAuthorization{
		Intent: paygent.PaymentIntent{
			ServiceURL:    "https://api.example.com/report",
			Amount:        decimal.RequireFromString("0.10"),
			Token:         "USDC",
			Description:   "report",
			WalletAddress: wallet,
		},
		Nonce:         nonce,
		Timestamp:     1767225600,
		AmountUnits:   big.NewInt(100000),
		ChainID:       84532,
		TypedDataHash: []byte{0x01, 0x02},
		Signature:     make([]byte, 65),
	}
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newClient(b settlement.Backend, opts ...settlement.ClientOption) *settlement.Client {
	opts = append([]settlement.ClientOption{settlement.WithSleep(noSleep)}, opts...)
	return settlement.NewClient(b, opts...)
}

func TestClient_Submit(t *testing.T) {
	backend := settlement.NewDeterministicBackend()
	c := newClient(backend)

	rec, err := c.Submit(context.Background(), signedAuth(0))
	require.NoError(t, err)
	assert.Equal(t, paygent.SettlementConfirmed, rec.Status)
	assert.Equal(t, "0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1:0", rec.AuthorizationRef)
	assert.NotEmpty(t, rec.ProofToken)
	assert.NotEmpty(t, rec.PaymentID)
	assert.Equal(t, 1, backend.Settlements())
}

func TestClient_Submit_Unsigned(t *testing.T) {
	c := newClient(settlement.NewDeterministicBackend())

	auth := signedAuth(0)
	auth.Signature = nil
	_, err := c.Submit(context.Background(), auth)
	assert.Equal(t, paygent.KindInternal, paygent.KindOf(err))
}

func TestClient_Submit_IdempotentPerNonce(t *testing.T) {
	backend := settlement.NewDeterministicBackend()
	c := newClient(backend)
	ctx := context.Background()

	first, err := c.Submit(ctx, signedAuth(3))
	require.NoError(t, err)
	second, err := c.Submit(ctx, signedAuth(3))
	require.NoError(t, err)

	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, first.ProofToken, second.ProofToken)
	assert.Equal(t, 1, backend.Submits(), "cached settlement must not reach the facilitator")
	assert.Equal(t, 1, backend.Settlements())
}

func TestClient_Submit_AlreadySettledAcrossClients(t *testing.T) {
	backend := settlement.NewDeterministicBackend()
	ctx := context.Background()

	first, err := newClient(backend).Submit(ctx, signedAuth(1))
	require.NoError(t, err)

	// A fresh client has an empty cache; the facilitator answers already_settled
	second, err := newClient(backend).Submit(ctx, signedAuth(1))
	require.NoError(t, err)

	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, first.ProofToken, second.ProofToken)
	assert.Equal(t, 2, backend.Submits())
	assert.Equal(t, 1, backend.Settlements())
}

func TestClient_Submit_ConcurrentSameNonce(t *testing.T) {
	backend := settlement.NewDeterministicBackend()
	c := newClient(backend)

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := c.Submit(context.Background(), signedAuth(5))
			if assert.NoError(t, err) {
				ids[i] = rec.PaymentID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, backend.Settlements())
}

func TestClient_Submit_Unavailable(t *testing.T) {
	backend := settlement.NewDeterministicBackend()
	backend.FailNext(1, nil)
	c := newClient(backend)
	ctx := context.Background()

	_, err := c.Submit(ctx, signedAuth(0))
	require.Error(t, err)
	assert.Equal(t, paygent.KindFacilitatorUnavailable, paygent.KindOf(err))
	assert.True(t, paygent.IsRetryable(err))
	assert.ErrorIs(t, err, paygent.ErrFacilitatorUnavailable)

	// The failure left no marker behind
	rec, err := c.Submit(ctx, signedAuth(0))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ProofToken)
	assert.Equal(t, 1, backend.Settlements())
}

func TestClient_Submit_TransportError(t *testing.T) {
	backend := settlement.NewDeterministicBackend()
	backend.FailNext(1, errors.New("connection refused"))
	c := newClient(backend)

	_, err := c.Submit(context.Background(), signedAuth(0))
	assert.Equal(t, paygent.KindFacilitatorUnavailable, paygent.KindOf(err))
	assert.ErrorIs(t, err, paygent.ErrFacilitatorUnavailable)
}

func TestClient_Submit_Rejected(t *testing.T) {
	backend := settlement.NewDeterministicBackend()
	backend.RejectNext("invalid signature")
	c := newClient(backend)

	_, err := c.Submit(context.Background(), signedAuth(0))
	require.Error(t, err)
	assert.Equal(t, paygent.KindSettlementRejected, paygent.KindOf(err))
	assert.False(t, paygent.IsRetryable(err))
	assert.ErrorIs(t, err, paygent.ErrSettlementRejected)
	assert.Contains(t, err.Error(), "invalid signature")
}

func TestClient_Submit_PendingThenConfirmed(t *testing.T) {
	backend := settlement.NewDeterministicBackend()
	backend.SetPendingPolls(2)
	c := newClient(backend, settlement.WithConfirmPolls(3, time.Millisecond))

	rec, err := c.Submit(context.Background(), signedAuth(0))
	require.NoError(t, err)
	assert.Equal(t, paygent.SettlementConfirmed, rec.Status)
	assert.NotEmpty(t, rec.ProofToken)
}

func TestClient_Submit_PendingExhausted(t *testing.T) {
	backend := settlement.NewDeterministicBackend()
	backend.SetPendingPolls(3)
	c := newClient(backend, settlement.WithConfirmPolls(2, time.Millisecond))
	ctx := context.Background()

	_, err := c.Submit(ctx, signedAuth(0))
	require.Error(t, err)
	assert.Equal(t, paygent.KindSettlementPending, paygent.KindOf(err))
	assert.True(t, paygent.IsRetryable(err))

	// Retrying resolves through already_settled without a second settlement
	rec, err := c.Submit(ctx, signedAuth(0))
	require.NoError(t, err)
	assert.Equal(t, paygent.SettlementConfirmed, rec.Status)
	assert.NotEmpty(t, rec.ProofToken)
	assert.Equal(t, 2, backend.Submits())
	assert.Equal(t, 1, backend.Settlements())
}

func TestClient_Confirm_Unknown(t *testing.T) {
	c := newClient(settlement.NewDeterministicBackend())

	_, err := c.Confirm(context.Background(), "pay_missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, paygent.ErrNotFound)
}

type scriptedBackend struct {
	submit *settlement.SubmitResponse
	verify *settlement.VerifyResponse
}

func (b *scriptedBackend) Submit(context.Context, *settlement.SubmitRequest) (*settlement.SubmitResponse, error) {
	return b.submit, nil
}

func (b *scriptedBackend) Verify(context.Context, string) (*settlement.VerifyResponse, error) {
	return b.verify, nil
}

func TestClient_Submit_MalformedResponses(t *testing.T) {
	tests := []struct {
		name   string
		submit *settlement.SubmitResponse
		verify *settlement.VerifyResponse
	}{
		{"confirmed without proof", &settlement.SubmitResponse{PaymentID: "pay_1", Status: "confirmed"}, nil},
		{"unknown status", &settlement.SubmitResponse{PaymentID: "pay_1", Status: "exploded"}, nil},
		{"already settled without id", &settlement.SubmitResponse{Status: "already_settled"}, nil},
		{
			"already settled without proof",
			&settlement.SubmitResponse{PaymentID: "pay_1", Status: "already_settled"},
			&settlement.VerifyResponse{Status: "confirmed", Verified: true, TxHash: "0x1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(&scriptedBackend{submit: tt.submit, verify: tt.verify})
			_, err := c.Submit(context.Background(), signedAuth(0))
			require.Error(t, err)
			assert.Equal(t, paygent.KindFacilitatorUnavailable, paygent.KindOf(err))
		})
	}
}

func TestClient_Submit_AlreadySettledUsesVerifyProof(t *testing.T) {
	c := newClient(&scriptedBackend{
		submit: &settlement.SubmitResponse{PaymentID: "pay_1", Status: "already_settled"},
		verify: &settlement.VerifyResponse{Status: "confirmed", Verified: true, TxHash: "0x1", PaymentProof: "proof_x"},
	})

	rec, err := c.Submit(context.Background(), signedAuth(0))
	require.NoError(t, err)
	assert.Equal(t, "pay_1", rec.PaymentID)
	assert.Equal(t, "proof_x", rec.ProofToken)
	assert.Equal(t, "0x1", rec.FacilitatorTxRef)
}

func TestClient_Submit_SharedStore(t *testing.T) {
	store := settlement.NewMemoryStore(time.Minute)
	backend := settlement.NewDeterministicBackend()

	a := newClient(backend, settlement.WithStore(store))
	b := newClient(backend, settlement.WithStore(store))

	first, err := a.Submit(context.Background(), signedAuth(2))
	require.NoError(t, err)
	second, err := b.Submit(context.Background(), signedAuth(2))
	require.NoError(t, err)

	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, 1, backend.Submits(), "shared store answers the second client")
}
