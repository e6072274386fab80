package paygent

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePaymentRequired(t *testing.T) {
	tests := []struct {
		name   string
		header string
		amount string
		token  string
	}{
		{"canonical", "x402; amount=0.10; token=USDC", "0.10", "USDC"},
		{"no spaces", "x402;amount=5;token=DAI", "5", "DAI"},
		{"extra whitespace", "  x402 ;  amount = 1.5 ;token=  USDT  ", "1.5", "USDT"},
		{"no scheme", "amount=2; token=USDC", "2", "USDC"},
		{"upper-case keys", "X402; Amount=3; TOKEN=USDC", "3", "USDC"},
		{"trailing semicolon", "x402; amount=0.10; token=USDC;", "0.10", "USDC"},
		{"extra params", "x402; amount=0.10; token=USDC; network=base", "0.10", "USDC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParsePaymentRequired(tt.header)
			require.NoError(t, err)
			assert.Equal(t, SchemeX402, req.Scheme)
			assert.True(t, req.Amount.Equal(decimal.RequireFromString(tt.amount)), "amount %s", req.Amount)
			assert.Equal(t, tt.token, req.Token)
		})
	}
}

func TestParsePaymentRequired_Invalid(t *testing.T) {
	for _, header := range []string{
		"",
		"   ",
		"x402",
		"x402; token=USDC",
		"x402; amount=0.10",
		"x402; amount=abc; token=USDC",
		"x402; amount=-1; token=USDC",
		"x402; amount=0; token=USDC",
		"x402; amount=; token=USDC",
		"x402; =0.10; token=USDC",
		"x402; amount=0.10; garbage",
		"l402; amount=0.10; token=USDC",
	} {
		t.Run(header, func(t *testing.T) {
			_, err := ParsePaymentRequired(header)
			require.Error(t, err)
			assert.Equal(t, KindMissingPaymentHeader, KindOf(err))
			assert.False(t, IsRetryable(err))
		})
	}
}

func TestFormatPaymentRequired_RoundTrip(t *testing.T) {
	header := FormatPaymentRequired(decimal.RequireFromString("0.25"), "USDC")
	assert.Equal(t, "x402; amount=0.25; token=USDC", header)

	req, err := ParsePaymentRequired(header)
	require.NoError(t, err)
	assert.Equal(t, "0.25", req.Amount.String())
}

func TestPaymentRequirement_Match(t *testing.T) {
	req, err := ParsePaymentRequired("x402; amount=0.10; token=USDC")
	require.NoError(t, err)

	intent := PaymentIntent{Amount: decimal.RequireFromString("0.1"), Token: "usdc"}
	assert.NoError(t, req.Match(intent), "0.1 equals 0.10 and tokens compare case-insensitively")

	intent.Amount = decimal.RequireFromString("0.20")
	err = req.Match(intent)
	assert.Equal(t, KindAmountMismatch, KindOf(err))
	assert.Contains(t, err.Error(), "amount_mismatch")

	intent.Amount = decimal.RequireFromString("0.10")
	intent.Token = "DAI"
	assert.Equal(t, KindTokenMismatch, KindOf(req.Match(intent)))
}
