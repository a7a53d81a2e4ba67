package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// ScopeKind selects the aggregation level of a stats query.
type ScopeKind string

const (
	ScopeAccount     ScopeKind = "account"
	ScopeInstitution ScopeKind = "institution"
	ScopeGlobal      ScopeKind = "global"
)

// Scope identifies one aggregation target. ID is empty for the global scope.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// GlobalScope is the single all-accounts scope.
var GlobalScope = Scope{Kind: ScopeGlobal}

// AggregateStats are derived counters over a set of transactions. They are a
// cache, never authoritative: the transaction store is the source of truth
// and the reconciler corrects drift.
type AggregateStats struct {
	TotalTransactions int             `json:"total_transactions"`
	DepositCount      int             `json:"deposit_count"`
	WithdrawalCount   int             `json:"withdrawal_count"`
	TotalDeposits     decimal.Decimal `json:"total_deposits"`
	TotalWithdrawals  decimal.Decimal `json:"total_withdrawals"`
	NetChange         decimal.Decimal `json:"net_change"`
}

// Zero returns empty stats with properly initialised decimals.
func ZeroStats() AggregateStats {
	return AggregateStats{
		TotalDeposits:    decimal.Zero,
		TotalWithdrawals: decimal.Zero,
		NetChange:        decimal.Zero,
	}
}

// Add folds one transaction into the counters.
func (s AggregateStats) Add(t Transaction) AggregateStats {
	s.TotalTransactions++
	if t.IsDeposit() {
		s.DepositCount++
		s.TotalDeposits = s.TotalDeposits.Add(t.Deposit)
	} else {
		s.WithdrawalCount++
		s.TotalWithdrawals = s.TotalWithdrawals.Add(t.Withdrawal)
	}
	s.NetChange = s.TotalDeposits.Sub(s.TotalWithdrawals)
	return s
}

// Equal compares two stats values, treating decimals by value.
func (s AggregateStats) Equal(o AggregateStats) bool {
	return s.TotalTransactions == o.TotalTransactions &&
		s.DepositCount == o.DepositCount &&
		s.WithdrawalCount == o.WithdrawalCount &&
		s.TotalDeposits.Equal(o.TotalDeposits) &&
		s.TotalWithdrawals.Equal(o.TotalWithdrawals) &&
		s.NetChange.Equal(o.NetChange)
}

// StatsCache stores computed snapshots for cold starts and the excluded UI's
// cheap polling path.
type StatsCache interface {
	SaveSnapshot(ctx context.Context, scope Scope, stats AggregateStats) error
	GetSnapshot(ctx context.Context, scope Scope) (*AggregateStats, error)
}
