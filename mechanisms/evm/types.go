package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// DomainName is the EIP-712 domain name of payment authorizations
	DomainName = "PaygentPayment"

	// DomainVersion is the EIP-712 domain version
	DomainVersion = "1.0"

	// PrimaryType is the signed struct
	PrimaryType = "Payment"

	// ZeroAddress is used when no verifying contract is configured
	ZeroAddress = "0x0000000000000000000000000000000000000000"
)

// TypedDataDomain represents the EIP-712 domain
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// NewPaymentDomain builds the PaygentPayment domain for a chain
func NewPaymentDomain(chainID int64, verifyingContract string) TypedDataDomain {
	if verifyingContract == "" {
		verifyingContract = ZeroAddress
	}
	return TypedDataDomain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainID:           big.NewInt(chainID),
		VerifyingContract: common.HexToAddress(verifyingContract).Hex(),
	}
}

// DomainTypes is the EIP712Domain type used by the payment domain
var DomainTypes = []TypedDataField{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// PaymentFields is the field list of the Payment struct, in signing order
var PaymentFields = []TypedDataField{
	{Name: "serviceURL", Type: "string"},
	{Name: "amount", Type: "uint256"},
	{Name: "token", Type: "string"},
	{Name: "description", Type: "string"},
	{Name: "timestamp", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
	{Name: "walletAddress", Type: "address"},
}

// PaymentTypes returns the full type set for signing a Payment
func PaymentTypes() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"EIP712Domain": DomainTypes,
		PrimaryType:    PaymentFields,
	}
}

// PaymentMessage is the Payment struct. Amount is in the token's smallest unit.
type PaymentMessage struct {
	ServiceURL    string
	Amount        *big.Int
	Token         string
	Description   string
	Timestamp     int64
	Nonce         uint64
	WalletAddress string
}

// Map converts the message to the map form consumed by the EIP-712 encoder
func (m PaymentMessage) Map() map[string]interface{} {
	amount := m.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	return map[string]interface{}{
		"serviceURL":    m.ServiceURL,
		"amount":        new(big.Int).Set(amount),
		"token":         m.Token,
		"description":   m.Description,
		"timestamp":     big.NewInt(m.Timestamp),
		"nonce":         new(big.Int).SetUint64(m.Nonce),
		"walletAddress": common.HexToAddress(m.WalletAddress).Hex(),
	}
}

// Signer signs EIP-712 typed data with a key it holds
type Signer interface {
	Address() string
	SignTypedData(
		ctx context.Context,
		domain TypedDataDomain,
		types map[string][]TypedDataField,
		primaryType string,
		message map[string]interface{},
	) ([]byte, error)
}
