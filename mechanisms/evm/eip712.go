package evm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Digest holds the parts of an EIP-712 hash
type Digest struct {
	DomainSeparator []byte
	StructHash      []byte
	// Hash is keccak256("\x19\x01" || DomainSeparator || StructHash)
	Hash []byte
}

// HashTypedData hashes EIP-712 typed data.
//
// The EIP712Domain type is added when types does not declare it.
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) (*Digest, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	for typeName, fields := range types {
		typedFields := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			typedFields[i] = apitypes.Type{Name: field.Name, Type: field.Type}
		}
		typedData.Types[typeName] = typedFields
	}
	if _, exists := typedData.Types["EIP712Domain"]; !exists {
		fields := make([]apitypes.Type, len(DomainTypes))
		for i, field := range DomainTypes {
			fields[i] = apitypes.Type{Name: field.Name, Type: field.Type}
		}
		typedData.Types["EIP712Domain"] = fields
	}

	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	rawData := make([]byte, 0, 2+len(domainSeparator)+len(structHash))
	rawData = append(rawData, 0x19, 0x01)
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, structHash...)

	return &Digest{
		DomainSeparator: domainSeparator,
		StructHash:      structHash,
		Hash:            crypto.Keccak256(rawData),
	}, nil
}

// HashPayment hashes a Payment message under the given domain
func HashPayment(domain TypedDataDomain, msg PaymentMessage) (*Digest, error) {
	if msg.Amount == nil || msg.Amount.Sign() < 0 {
		return nil, fmt.Errorf("payment amount must be a non-negative integer")
	}
	return HashTypedData(domain, PaymentTypes(), PrimaryType, msg.Map())
}
