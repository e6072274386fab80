// Package postgres persists payments, approvals and subscriptions in
// PostgreSQL. Rows are upserted by id; payment and approval records are kept
// as JSON documents next to the columns they are queried by.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"

	"github.com/paygent-labs/paygent"
)

// Store implements the paygent persistence interfaces over a Querier
type Store struct {
	q  Querier
	sb sq.StatementBuilderType
}

var (
	_ paygent.PaymentStore      = (*Store)(nil)
	_ paygent.ApprovalStore     = (*Store)(nil)
	_ paygent.SubscriptionStore = (*Store)(nil)
)

// New creates a store over q
func New(q Querier) *Store {
	return &Store{q: q, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

// ============================================================================
// Payments
// ============================================================================

// SavePayment upserts a payment record
func (s *Store) SavePayment(ctx context.Context, record *paygent.PaymentRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode payment %s: %w", record.ID, err)
	}
	intent, err := json.Marshal(record.Intent)
	if err != nil {
		return fmt.Errorf("encode payment %s intent: %w", record.ID, err)
	}
	var nonce any
	if record.Authorization != nil {
		nonce = int64(record.Authorization.Nonce)
	}

	query := s.sb.Insert("payments").
		Columns("id", "wallet", "status", "nonce", "intent", "data", "created_at", "updated_at").
		Values(record.ID, strings.ToLower(record.Intent.WalletAddress), string(record.Status), nonce,
			intent, data, record.CreatedAt, record.UpdatedAt).
		Suffix("ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, nonce = EXCLUDED.nonce, " +
			"intent = EXCLUDED.intent, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at")

	return s.exec(ctx, query, "payment", record.ID)
}

// GetPayment returns the payment with id
func (s *Store) GetPayment(ctx context.Context, id string) (*paygent.PaymentRecord, error) {
	query := s.sb.Select("data").From("payments").Where(sq.Eq{"id": id})
	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build payment query: %w", err)
	}

	var data []byte
	if err := s.q.QueryRow(ctx, sql, args...).Scan(&data); err != nil {
		return nil, mapError(err, "payment", id)
	}
	var rec paygent.PaymentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode payment %s: %w", id, err)
	}
	return &rec, nil
}

// ListPayments returns the payments of wallet, newest first. An empty wallet
// lists every payment.
func (s *Store) ListPayments(ctx context.Context, wallet string) ([]paygent.PaymentRecord, error) {
	query := s.sb.Select("data").From("payments").OrderBy("created_at DESC", "id")
	if wallet != "" {
		query = query.Where(sq.Eq{"wallet": strings.ToLower(wallet)})
	}
	return listJSON[paygent.PaymentRecord](ctx, s.q, query, "payments")
}

// MaxNonce returns the highest nonce signed for wallet
func (s *Store) MaxNonce(ctx context.Context, wallet string) (uint64, bool, error) {
	query := s.sb.Select("COALESCE(MAX(nonce), -1)").From("payments").
		Where(sq.Eq{"wallet": strings.ToLower(wallet)})
	sql, args, err := query.ToSql()
	if err != nil {
		return 0, false, fmt.Errorf("build nonce query: %w", err)
	}

	var highest int64
	if err := s.q.QueryRow(ctx, sql, args...).Scan(&highest); err != nil {
		return 0, false, mapError(err, "wallet", wallet)
	}
	if highest < 0 {
		return 0, false, nil
	}
	return uint64(highest), true, nil
}

// ============================================================================
// Approvals
// ============================================================================

// SaveApproval upserts an approval request
func (s *Store) SaveApproval(ctx context.Context, req *paygent.ApprovalRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode approval %s: %w", req.ID, err)
	}
	approvers := req.ReceivedApprovals
	if approvers == nil {
		approvers = []string{}
	}
	approversJSON, err := json.Marshal(approvers)
	if err != nil {
		return fmt.Errorf("encode approval %s approvers: %w", req.ID, err)
	}

	updated := req.CreatedAt
	if req.DecidedAt != nil {
		updated = *req.DecidedAt
	}

	query := s.sb.Insert("approvals").
		Columns("id", "wallet", "decision", "required_approvals", "approvers", "data", "created_at", "updated_at").
		Values(req.ID, strings.ToLower(req.WalletAddress), string(req.Decision), req.RequiredApprovals,
			approversJSON, data, req.CreatedAt, updated).
		Suffix("ON CONFLICT (id) DO UPDATE SET decision = EXCLUDED.decision, " +
			"required_approvals = EXCLUDED.required_approvals, approvers = EXCLUDED.approvers, " +
			"data = EXCLUDED.data, updated_at = EXCLUDED.updated_at")

	return s.exec(ctx, query, "approval", req.ID)
}

// GetApproval returns the approval request with id
func (s *Store) GetApproval(ctx context.Context, id string) (*paygent.ApprovalRequest, error) {
	query := s.sb.Select("data").From("approvals").Where(sq.Eq{"id": id})
	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build approval query: %w", err)
	}

	var data []byte
	if err := s.q.QueryRow(ctx, sql, args...).Scan(&data); err != nil {
		return nil, mapError(err, "approval", id)
	}
	var req paygent.ApprovalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode approval %s: %w", id, err)
	}
	return &req, nil
}

// ListApprovals returns requests with the given decision, oldest first.
// An empty decision lists every request.
func (s *Store) ListApprovals(ctx context.Context, decision paygent.ApprovalDecision) ([]paygent.ApprovalRequest, error) {
	query := s.sb.Select("data").From("approvals").OrderBy("created_at", "id")
	if decision != "" {
		query = query.Where(sq.Eq{"decision": string(decision)})
	}
	return listJSON[paygent.ApprovalRequest](ctx, s.q, query, "approvals")
}

// ============================================================================
// Subscriptions
// ============================================================================

var subscriptionColumns = []string{
	"id", "wallet", "service_id", "service_url", "amount::text", "token", "renewal_interval_days",
	"expires_at", "renewal_count", "last_tx_ref", "status", "created_at", "updated_at",
}

// SaveSubscription upserts a subscription
func (s *Store) SaveSubscription(ctx context.Context, sub *paygent.Subscription) error {
	query := s.sb.Insert("subscriptions").
		Columns("id", "wallet", "service_id", "service_url", "amount", "token", "renewal_interval_days",
			"expires_at", "renewal_count", "last_tx_ref", "status", "created_at", "updated_at").
		Values(sub.ID, sub.WalletAddress, sub.ServiceID, sub.ServiceURL, sub.Amount.String(), sub.Token,
			sub.RenewalIntervalDays, sub.ExpiresAt, sub.RenewalCount, sub.LastTxRef, string(sub.Status),
			sub.CreatedAt, sub.UpdatedAt).
		Suffix("ON CONFLICT (id) DO UPDATE SET service_url = EXCLUDED.service_url, amount = EXCLUDED.amount, " +
			"token = EXCLUDED.token, renewal_interval_days = EXCLUDED.renewal_interval_days, " +
			"expires_at = EXCLUDED.expires_at, renewal_count = EXCLUDED.renewal_count, " +
			"last_tx_ref = EXCLUDED.last_tx_ref, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at")

	return s.exec(ctx, query, "subscription", sub.ID)
}

// GetSubscription returns the subscription with id
func (s *Store) GetSubscription(ctx context.Context, id string) (*paygent.Subscription, error) {
	query := s.sb.Select(subscriptionColumns...).From("subscriptions").Where(sq.Eq{"id": id})
	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build subscription query: %w", err)
	}

	sub, err := scanSubscription(s.q.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, mapError(err, "subscription", id)
	}
	return sub, nil
}

// ListSubscriptions returns every subscription ordered by expiry
func (s *Store) ListSubscriptions(ctx context.Context) ([]paygent.Subscription, error) {
	query := s.sb.Select(subscriptionColumns...).From("subscriptions").OrderBy("expires_at", "id")
	return s.listSubscriptions(ctx, query)
}

// ListExpiring returns subscriptions in status expiring at or before before
func (s *Store) ListExpiring(ctx context.Context, before time.Time, status paygent.SubscriptionStatus) ([]paygent.Subscription, error) {
	query := s.sb.Select(subscriptionColumns...).From("subscriptions").
		Where(sq.Eq{"status": string(status)}).
		Where(sq.LtOrEq{"expires_at": before}).
		OrderBy("expires_at", "id")
	return s.listSubscriptions(ctx, query)
}

func (s *Store) listSubscriptions(ctx context.Context, query sq.SelectBuilder) ([]paygent.Subscription, error) {
	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build subscriptions query: %w", err)
	}
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError(err, "subscriptions", "list")
	}
	defer rows.Close()

	out := make([]paygent.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, mapError(err, "subscriptions", "scan")
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "subscriptions", "list")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*paygent.Subscription, error) {
	var (
		sub    paygent.Subscription
		amount string
		status string
	)
	if err := row.Scan(&sub.ID, &sub.WalletAddress, &sub.ServiceID, &sub.ServiceURL, &amount, &sub.Token,
		&sub.RenewalIntervalDays, &sub.ExpiresAt, &sub.RenewalCount, &sub.LastTxRef, &status,
		&sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("subscription %s amount %q: %w", sub.ID, amount, err)
	}
	sub.Amount = parsed
	sub.Status = paygent.SubscriptionStatus(status)
	return &sub, nil
}

// ============================================================================
// Helpers
// ============================================================================

func (s *Store) exec(ctx context.Context, query sq.InsertBuilder, entity, id string) error {
	sql, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build %s upsert: %w", entity, err)
	}
	if _, err := s.q.Exec(ctx, sql, args...); err != nil {
		return mapError(err, entity, id)
	}
	return nil
}

func listJSON[T any](ctx context.Context, q Querier, query sq.SelectBuilder, entity string) ([]T, error) {
	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s query: %w", entity, err)
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError(err, entity, "list")
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, mapError(err, entity, "scan")
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", entity, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, entity, "list")
	}
	return out, nil
}
