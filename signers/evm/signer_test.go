package evm

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paygentevm "github.com/paygent-labs/paygent/mechanisms/evm"
)

func TestNewSignerFromPrivateKey(t *testing.T) {
	// Well-known development key
	key := "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

	s, err := NewSignerFromPrivateKey(key)
	require.NoError(t, err)
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", s.Address())

	noPrefix, err := NewSignerFromPrivateKey(key[2:])
	require.NoError(t, err)
	assert.Equal(t, s.Address(), noPrefix.Address())
}

func TestNewSignerFromPrivateKey_Invalid(t *testing.T) {
	for _, key := range []string{"", "0x", "zz", "0x1234"} {
		_, err := NewSignerFromPrivateKey(key)
		assert.Error(t, err, key)
	}
}

func TestSignTypedData(t *testing.T) {
	s, err := GenerateSigner()
	require.NoError(t, err)

	domain := paygentevm.NewPaymentDomain(84532, "")
	msg := paygentevm.PaymentMessage{
		ServiceURL:    "https://api.example.com/data",
		Amount:        big.NewInt(15000000),
		Token:         "USDC",
		Timestamp:     1700000000,
		Nonce:         7,
		WalletAddress: s.Address(),
	}

	sig, err := s.SignTypedData(context.Background(), domain, paygentevm.PaymentTypes(), paygentevm.PrimaryType, msg.Map())
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	digest, err := paygentevm.HashPayment(domain, msg)
	require.NoError(t, err)
	assert.True(t, paygentevm.VerifySignature(digest.Hash, sig, s.Address()))
}

func TestSignTypedData_ContextCancelled(t *testing.T) {
	s, err := GenerateSigner()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.SignTypedData(ctx, paygentevm.NewPaymentDomain(1, ""), paygentevm.PaymentTypes(), paygentevm.PrimaryType, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
