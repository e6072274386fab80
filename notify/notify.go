// Package notify delivers renewal failures to the humans who decide what
// happens to a subscription next.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/paygent-labs/paygent"
)

// LogNotifier writes every notification as a Warn record
type LogNotifier struct {
	logger *slog.Logger
}

var _ paygent.Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a notifier logging to l (slog.Default if nil)
func NewLogNotifier(l *slog.Logger) *LogNotifier {
	if l == nil {
		l = slog.Default()
	}
	return &LogNotifier{logger: l}
}

// NotifyRenewalFailed logs the failure
func (n *LogNotifier) NotifyRenewalFailed(ctx context.Context, subscriptionID, reason string) error {
	n.logger.WarnContext(ctx, "subscription renewal needs attention",
		"subscription_id", subscriptionID, "reason", reason)
	return nil
}

// Multi fans a notification out to every notifier. All of them are called
// even if some fail; the errors are joined.
type Multi []paygent.Notifier

// NotifyRenewalFailed notifies each member
func (m Multi) NotifyRenewalFailed(ctx context.Context, subscriptionID, reason string) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyRenewalFailed(ctx, subscriptionID, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Notification is one recorded call
type Notification struct {
	SubscriptionID string
	Reason         string
}

// Recorder keeps every notification in memory
type Recorder struct {
	mu    sync.Mutex
	calls []Notification
	err   error
}

var _ paygent.Notifier = (*Recorder)(nil)

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes every subsequent call return err (after recording it)
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// NotifyRenewalFailed records the call
func (r *Recorder) NotifyRenewalFailed(_ context.Context, subscriptionID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Notification{SubscriptionID: subscriptionID, Reason: reason})
	return r.err
}

// Calls returns a copy of the recorded notifications
func (r *Recorder) Calls() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.calls...)
}

// Count returns how many notifications were recorded for subscriptionID
func (r *Recorder) Count(subscriptionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.SubscriptionID == subscriptionID {
			n++
		}
	}
	return n
}
