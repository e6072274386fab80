package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	paygentevm "github.com/paygent-labs/paygent/mechanisms/evm"
)

// PrivateKeySigner implements paygentevm.Signer using an ECDSA private key
type PrivateKeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

var _ paygentevm.Signer = (*PrivateKeySigner)(nil)

// NewSignerFromPrivateKey creates a signer from a hex-encoded private key.
//
// Args:
//
//	privateKeyHex: Hex-encoded private key (with or without "0x" prefix)
//
// Example:
//
//	signer, err := evm.NewSignerFromPrivateKey(os.Getenv("SIGNER_PRIVATE_KEY"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	auth := authority.New(domain, authority.WithSigner(signer))
func NewSignerFromPrivateKey(privateKeyHex string) (*PrivateKeySigner, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewSigner(privateKey), nil
}

// NewSigner wraps an existing key
func NewSigner(privateKey *ecdsa.PrivateKey) *PrivateKeySigner {
	return &PrivateKeySigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// GenerateSigner creates a signer with a fresh random key
func GenerateSigner() (*PrivateKeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewSigner(key), nil
}

// Address returns the checksummed Ethereum address of the signer
func (s *PrivateKeySigner) Address() string {
	return s.address.Hex()
}

// SignTypedData signs EIP-712 typed data.
//
// Returns a 65-byte signature (r, s, v) with v in {27, 28}. Signing is
// deterministic (RFC 6979): identical input yields identical bytes.
func (s *PrivateKeySigner) SignTypedData(
	ctx context.Context,
	domain paygentevm.TypedDataDomain,
	types map[string][]paygentevm.TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	digest, err := paygentevm.HashTypedData(domain, types, primaryType, message)
	if err != nil {
		return nil, err
	}
	return s.SignDigest(digest.Hash)
}

// SignDigest signs a precomputed 32-byte digest
func (s *PrivateKeySigner) SignDigest(digest []byte) ([]byte, error) {
	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	signature[64] += 27

	return signature, nil
}
