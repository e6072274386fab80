// Package settlement submits signed payment authorizations to a facilitator
// and returns the proof used to retry the original request.
//
// Submission is idempotent per (wallet, nonce): a resubmitted authorization
// yields the original record and never a second settlement.
package settlement

import (
	"context"
	"strings"

	"github.com/paygent-labs/paygent"
)

// Facilitator statuses
const (
	StatusConfirmed      = "confirmed"
	StatusPending        = "pending"
	StatusAlreadySettled = "already_settled"
	StatusRejected       = "rejected"
	StatusFailed         = "failed"
)

// Backend is a facilitator. The network facilitator and the deterministic
// double share this contract.
type Backend interface {
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error)
	Verify(ctx context.Context, paymentID string) (*VerifyResponse, error)
}

// SubmitRequest is the body of POST /submit
type SubmitRequest struct {
	ServiceURL    string `json:"serviceURL"`
	Amount        string `json:"amount"`
	AmountUnits   string `json:"amountUnits"`
	Token         string `json:"token"`
	Description   string `json:"description"`
	Signature     string `json:"signature"`
	Timestamp     int64  `json:"timestamp"`
	Nonce         uint64 `json:"nonce"`
	WalletAddress string `json:"walletAddress"`
	TypedDataHash string `json:"typedDataHash"`
	ChainID       int64  `json:"chainId"`
}

// Ref returns the wallet:nonce idempotency reference
func (r *SubmitRequest) Ref() string {
	return paygent.AuthorizationRef(r.WalletAddress, r.Nonce)
}

// SubmitResponse is the body returned by POST /submit
type SubmitResponse struct {
	PaymentID    string `json:"paymentId"`
	TxHash       string `json:"txHash"`
	PaymentProof string `json:"paymentProof"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
}

// VerifyResponse is the body returned by GET /verify/{paymentId}
type VerifyResponse struct {
	PaymentID    string `json:"paymentId,omitempty"`
	Status       string `json:"status"`
	Verified     bool   `json:"verified"`
	TxHash       string `json:"txHash"`
	PaymentProof string `json:"paymentProof,omitempty"`
}

// NewSubmitRequest builds the facilitator payload of an authorization
func NewSubmitRequest(auth *paygent.PaymentAuthorization) *SubmitRequest {
	units := ""
	if auth.AmountUnits != nil {
		units = auth.AmountUnits.String()
	}
	return &SubmitRequest{
		ServiceURL:    auth.Intent.ServiceURL,
		Amount:        auth.Intent.Amount.String(),
		AmountUnits:   units,
		Token:         auth.Intent.Token,
		Description:   auth.Intent.Description,
		Signature:     auth.Signature.String(),
		Timestamp:     auth.Timestamp,
		Nonce:         auth.Nonce,
		WalletAddress: strings.ToLower(auth.Intent.WalletAddress),
		TypedDataHash: auth.TypedDataHash.String(),
		ChainID:       auth.ChainID,
	}
}
