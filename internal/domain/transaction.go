package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is one immutable canonical ledger row. ID is the dedup
// fingerprint; (AccountID, ID) is unique. Exactly one of Withdrawal and
// Deposit is zero, both are non-negative. Balance is the running balance as
// reported by the source, never recomputed here.
type Transaction struct {
	ID            string            `json:"id"`
	AccountID     string            `json:"account_id"`
	InstitutionID string            `json:"institution_id"`
	BookedOn      time.Time         `json:"booked_on"`
	BookedAt      string            `json:"booked_at,omitempty"`
	Type          string            `json:"type,omitempty"`
	Description   string            `json:"description,omitempty"`
	Counterparty  string            `json:"counterparty,omitempty"`
	Withdrawal    decimal.Decimal   `json:"withdrawal"`
	Deposit       decimal.Decimal   `json:"deposit"`
	Balance       decimal.Decimal   `json:"balance"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	IngestedAt    time.Time         `json:"ingested_at"`
}

// IsDeposit reports whether the row credits the account.
func (t Transaction) IsDeposit() bool {
	return t.Deposit.IsPositive()
}

// TransactionFilter selects transactions for the query façade. Zero values
// mean "no constraint"; Limit 0 falls back to the repository default.
type TransactionFilter struct {
	AccountID     string
	InstitutionID string
	From          time.Time
	To            time.Time
	Limit         int
}

// TransactionRepository is the durable, append-only transaction store.
// InsertBatch must skip rows whose (account_id, fingerprint) already exists
// and return only the rows actually written, in input order.
type TransactionRepository interface {
	InsertBatch(ctx context.Context, txs []Transaction) (inserted []Transaction, err error)
	List(ctx context.Context, f TransactionFilter) ([]Transaction, error)
	SumScope(ctx context.Context, scope Scope, from, to time.Time) (AggregateStats, error)
	// ListScopes returns every account and institution scope with at least
	// one stored transaction.
	ListScopes(ctx context.Context) ([]Scope, error)
	// MonthlySums recomputes a scope's per-month aggregates from scratch,
	// keyed "2006-01". Used by the stats reconciler as the source of truth.
	MonthlySums(ctx context.Context, scope Scope) (map[string]AggregateStats, error)
}
