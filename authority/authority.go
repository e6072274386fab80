// Package authority builds and signs payment authorizations.
//
// An Authority owns the per-wallet replay-nonce table. Nonces start at 0 and
// strictly increase; allocation and signing for one wallet happen under that
// wallet's lock, while different wallets never contend.
package authority

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/paygent-labs/paygent"
	"github.com/paygent-labs/paygent/mechanisms/evm"
)

// Authority is the signature authority for a set of wallets
type Authority struct {
	domain evm.TypedDataDomain
	tokens *paygent.TokenRegistry
	now    func() time.Time
	logger *slog.Logger

	// mu guards the maps only, never held while signing
	mu      sync.Mutex
	signers map[common.Address]evm.Signer
	wallets map[common.Address]*walletNonces
}

type walletNonces struct {
	mu   sync.Mutex
	next uint64
}

// Option configures an Authority
type Option func(*Authority)

// WithSigner registers a signer for its own address
func WithSigner(s evm.Signer) Option {
	return func(a *Authority) {
		a.signers[common.HexToAddress(s.Address())] = s
	}
}

// WithTokenRegistry sets the registry used to scale amounts
func WithTokenRegistry(r *paygent.TokenRegistry) Option {
	return func(a *Authority) {
		a.tokens = r
	}
}

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		a.now = now
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(a *Authority) {
		a.logger = l
	}
}

// New creates an Authority signing under domain
func New(domain evm.TypedDataDomain, opts ...Option) *Authority {
	a := &Authority{
		domain:  domain,
		tokens:  paygent.DefaultTokenRegistry(),
		now:     time.Now,
		logger:  slog.Default(),
		signers: make(map[common.Address]evm.Signer),
		wallets: make(map[common.Address]*walletNonces),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Domain returns the signing domain
func (a *Authority) Domain() evm.TypedDataDomain {
	return a.domain
}

// AddSigner registers a signer after construction
func (a *Authority) AddSigner(s evm.Signer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signers[common.HexToAddress(s.Address())] = s
}

// HasSigner reports whether wallet can sign
func (a *Authority) HasSigner(wallet string) bool {
	return a.signerFor(common.HexToAddress(wallet)) != nil
}

// Wallets lists the addresses with a signer, sorted
func (a *Authority) Wallets() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.signers))
	for addr := range a.signers {
		out = append(out, addr.Hex())
	}
	sort.Strings(out)
	return out
}

// NextNonce returns the nonce the next authorization for wallet will carry
func (a *Authority) NextNonce(wallet string) uint64 {
	wn := a.walletFor(common.HexToAddress(wallet))
	wn.mu.Lock()
	defer wn.mu.Unlock()
	return wn.next
}

// Advance moves the wallet's counter forward to next. It never moves back.
func (a *Authority) Advance(wallet string, next uint64) {
	wn := a.walletFor(common.HexToAddress(wallet))
	wn.mu.Lock()
	defer wn.mu.Unlock()
	if next > wn.next {
		wn.next = next
	}
}

// SeedFromStore advances every signer wallet past the highest persisted nonce
func (a *Authority) SeedFromStore(ctx context.Context, store paygent.PaymentStore) error {
	for _, wallet := range a.Wallets() {
		maxNonce, ok, err := store.MaxNonce(ctx, wallet)
		if err != nil {
			return fmt.Errorf("seed nonce for %s: %w", wallet, err)
		}
		if ok {
			a.Advance(wallet, maxNonce+1)
			a.logger.Info("nonce counter seeded", "wallet", wallet, "next", maxNonce+1)
		}
	}
	return nil
}

// CreateAuthorization allocates the wallet's next nonce and signs the intent.
// A missing signer is fatal and consumes no nonce; so does a signing error.
func (a *Authority) CreateAuthorization(ctx context.Context, intent paygent.PaymentIntent) (*paygent.PaymentAuthorization, error) {
	return a.authorize(ctx, intent, nil)
}

// SignWithNonce signs intent under an explicit nonce. It fails closed with
// ErrNonceConsumed when the nonce was already used for the wallet.
func (a *Authority) SignWithNonce(ctx context.Context, intent paygent.PaymentIntent, nonce uint64) (*paygent.PaymentAuthorization, error) {
	return a.authorize(ctx, intent, &nonce)
}

func (a *Authority) authorize(ctx context.Context, intent paygent.PaymentIntent, want *uint64) (*paygent.PaymentAuthorization, error) {
	wallet := common.HexToAddress(intent.WalletAddress)
	signer := a.signerFor(wallet)
	if signer == nil {
		pe := paygent.NewPaymentError(paygent.KindNoSigner,
			fmt.Sprintf("no signer configured for wallet %s", wallet.Hex()), nil)
		pe.Err = paygent.ErrNoSigner
		return nil, pe
	}

	token, ok := a.tokens.Lookup(intent.Token)
	if !ok {
		return nil, paygent.NewPaymentError(paygent.KindInvalidIntent,
			fmt.Sprintf("unknown token %q", intent.Token), nil)
	}
	units, err := evm.ScaleAmount(intent.Amount, token.Decimals)
	if err != nil {
		return nil, paygent.WrapPaymentError(paygent.KindInvalidIntent, "cannot scale amount", err)
	}

	wn := a.walletFor(wallet)
	wn.mu.Lock()
	defer wn.mu.Unlock()

	nonce := wn.next
	if want != nil {
		switch {
		case *want < wn.next:
			pe := paygent.NewPaymentError(paygent.KindNonceConsumed,
				fmt.Sprintf("nonce %d already consumed for wallet %s", *want, wallet.Hex()), nil)
			pe.Err = paygent.ErrNonceConsumed
			return nil, pe
		case *want > wn.next:
			return nil, paygent.NewPaymentError(paygent.KindInternal,
				fmt.Sprintf("nonce %d skips ahead of next nonce %d", *want, wn.next), nil)
		}
	}

	msg := evm.PaymentMessage{
		ServiceURL:    intent.ServiceURL,
		Amount:        units,
		Token:         intent.Token,
		Description:   intent.Description,
		Timestamp:     a.now().Unix(),
		Nonce:         nonce,
		WalletAddress: wallet.Hex(),
	}
	digest, err := evm.HashPayment(a.domain, msg)
	if err != nil {
		return nil, paygent.WrapPaymentError(paygent.KindInternal, "hash payment", err)
	}
	sig, err := signer.SignTypedData(ctx, a.domain, evm.PaymentTypes(), evm.PrimaryType, msg.Map())
	if err != nil {
		return nil, paygent.WrapPaymentError(paygent.KindInternal, "sign payment", err)
	}

	wn.next++

	a.logger.Debug("authorization signed", "wallet", wallet.Hex(), "nonce", nonce)

	return &paygent.PaymentAuthorization{
		Intent:            intent,
		Nonce:             nonce,
		Timestamp:         msg.Timestamp,
		AmountUnits:       units,
		ChainID:           a.domain.ChainID.Int64(),
		VerifyingContract: a.domain.VerifyingContract,
		DomainSeparator:   digest.DomainSeparator,
		StructHash:        digest.StructHash,
		TypedDataHash:     digest.Hash,
		Signature:         sig,
		SignerAddress:     signer.Address(),
	}, nil
}

// Verify recomputes the typed-data digest of auth and checks that sig was
// produced by expected. It returns false on any mismatch or malformed input.
func (a *Authority) Verify(sig []byte, auth *paygent.PaymentAuthorization, expected string) bool {
	return VerifyAuthorization(a.domain, sig, auth, expected)
}

// VerifyAuthorization is Verify for an arbitrary domain
func VerifyAuthorization(domain evm.TypedDataDomain, sig []byte, auth *paygent.PaymentAuthorization, expected string) bool {
	if auth == nil || auth.AmountUnits == nil {
		return false
	}
	return evm.VerifyPayment(domain, MessageOf(auth), sig, expected)
}

// MessageOf rebuilds the signed Payment message of an authorization
func MessageOf(auth *paygent.PaymentAuthorization) evm.PaymentMessage {
	return evm.PaymentMessage{
		ServiceURL:    auth.Intent.ServiceURL,
		Amount:        auth.AmountUnits,
		Token:         auth.Intent.Token,
		Description:   auth.Intent.Description,
		Timestamp:     auth.Timestamp,
		Nonce:         auth.Nonce,
		WalletAddress: auth.Intent.WalletAddress,
	}
}

func (a *Authority) signerFor(wallet common.Address) evm.Signer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.signers[wallet]
}

func (a *Authority) walletFor(wallet common.Address) *walletNonces {
	a.mu.Lock()
	defer a.mu.Unlock()
	wn, ok := a.wallets[wallet]
	if !ok {
		wn = &walletNonces{}
		a.wallets[wallet] = wn
	}
	return wn
}
