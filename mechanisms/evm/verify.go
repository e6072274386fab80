package evm

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is r || s || v
const SignatureLength = 65

var errBadSignature = errors.New("malformed signature")

// RecoverSigner recovers the address that produced sig over digest.
// Both the Ethereum (27/28) and raw (0/1) recovery ids are accepted.
func RecoverSigner(digest, sig []byte) (common.Address, error) {
	if len(digest) != 32 {
		return common.Address{}, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", errBadSignature, len(sig))
	}

	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", errBadSignature, sig[64])
	}

	pubKey, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", errBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// VerifySignature reports whether sig over digest was produced by expected.
// Malformed input is never an error, only unverified.
func VerifySignature(digest, sig []byte, expected string) bool {
	if !common.IsHexAddress(expected) {
		return false
	}
	recovered, err := RecoverSigner(digest, sig)
	if err != nil {
		return false
	}
	return recovered == common.HexToAddress(expected)
}

// VerifyPayment recomputes the Payment digest and checks the signature
func VerifyPayment(domain TypedDataDomain, msg PaymentMessage, sig []byte, expected string) bool {
	digest, err := HashPayment(domain, msg)
	if err != nil {
		return false
	}
	return VerifySignature(digest.Hash, sig, expected)
}
