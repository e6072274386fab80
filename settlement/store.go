package settlement

import (
	"context"

	"github.com/paygent-labs/paygent"
)

// CacheStatus represents the result of checking the store
type CacheStatus int

const (
	// StatusNotFound means no cached result and no in-flight request.
	// The key is now marked in-flight for the caller.
	StatusNotFound CacheStatus = iota
	// StatusCached means a cached record was found.
	StatusCached
	// StatusInFlight means another request is currently settling this key.
	StatusInFlight
)

// Store provides idempotency for settlements keyed by wallet:nonce.
//
// CheckAndMark atomically returns a cached record, reports an in-flight
// settlement, or marks the key in-flight for the caller, who must then call
// Complete or Fail. The done channel may be nil for stores that cannot
// signal across processes; WaitForResult then polls.
type Store interface {
	CheckAndMark(ctx context.Context, key string) (CacheStatus, *paygent.SettlementRecord, chan struct{}, error)
	WaitForResult(ctx context.Context, key string, done chan struct{}) (*paygent.SettlementRecord, error)
	Complete(ctx context.Context, key string, record *paygent.SettlementRecord, done chan struct{}) error
	Fail(ctx context.Context, key string, done chan struct{}) error
}
