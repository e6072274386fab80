package paygent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// TokenInfo describes a settlement token
type TokenInfo struct {
	Symbol   string
	Decimals int32
	// USDRate converts one human unit of the token to USD
	USDRate decimal.Decimal
}

// TokenRegistry resolves token symbols case-insensitively
type TokenRegistry struct {
	mu     sync.RWMutex
	tokens map[string]TokenInfo
}

// NewTokenRegistry creates a registry holding the given tokens
func NewTokenRegistry(tokens ...TokenInfo) *TokenRegistry {
	r := &TokenRegistry{tokens: make(map[string]TokenInfo)}
	for _, t := range tokens {
		r.Register(t)
	}
	return r
}

// DefaultTokenRegistry knows the USD stablecoins
func DefaultTokenRegistry() *TokenRegistry {
	one := decimal.NewFromInt(1)
	return NewTokenRegistry(
		TokenInfo{Symbol: "USDC", Decimals: 6, USDRate: one},
		TokenInfo{Symbol: "USDT", Decimals: 6, USDRate: one},
		TokenInfo{Symbol: "DAI", Decimals: 18, USDRate: one},
	)
}

// Register adds or replaces a token
func (r *TokenRegistry) Register(t TokenInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
	r.tokens[t.Symbol] = t
}

// Lookup returns the token registered under symbol
func (r *TokenRegistry) Lookup(symbol string) (TokenInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	return t, ok
}

// ToUSD converts a human token amount to USD
func (r *TokenRegistry) ToUSD(amount decimal.Decimal, symbol string) (decimal.Decimal, error) {
	t, ok := r.Lookup(symbol)
	if !ok {
		return decimal.Zero, NewPaymentError(KindInvalidIntent, fmt.Sprintf("unknown token %q", symbol), nil)
	}
	return amount.Mul(t.USDRate), nil
}
