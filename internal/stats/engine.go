// Package stats maintains incremental per-account, per-institution, and
// global aggregates with monthly rollups. The incremental counters are an
// optimization: the transaction store stays the source of truth and a
// periodic reconciliation pass corrects any drift.
package stats

import (
	"context"
	"sync"
	"time"

	"financehub/internal/domain"
)

const monthKeyLayout = "2006-01"

// scopeStats holds one scope's running total plus its monthly rollups.
type scopeStats struct {
	total  domain.AggregateStats
	months map[string]domain.AggregateStats
}

func newScopeStats() *scopeStats {
	return &scopeStats{
		total:  domain.ZeroStats(),
		months: make(map[string]domain.AggregateStats),
	}
}

type Engine struct {
	repo  domain.TransactionRepository
	cache domain.StatsCache

	mu     sync.RWMutex
	scopes map[domain.Scope]*scopeStats
}

// NewEngine creates the aggregate stats engine. cache may be nil; snapshots
// are then simply not exported.
func NewEngine(repo domain.TransactionRepository, cache domain.StatsCache) *Engine {
	return &Engine{
		repo:   repo,
		cache:  cache,
		scopes: make(map[domain.Scope]*scopeStats),
	}
}

// OnIngested folds freshly inserted transactions into the account,
// institution, and global scopes and their month buckets. O(1) per
// transaction, no rescans.
func (e *Engine) OnIngested(accountID, institutionID string, txs []domain.Transaction) {
	if len(txs) == 0 {
		return
	}

	targets := []domain.Scope{
		{Kind: domain.ScopeAccount, ID: accountID},
		{Kind: domain.ScopeInstitution, ID: institutionID},
		domain.GlobalScope,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, scope := range targets {
		ss, ok := e.scopes[scope]
		if !ok {
			ss = newScopeStats()
			e.scopes[scope] = ss
		}
		for _, tx := range txs {
			ss.total = ss.total.Add(tx)
			key := tx.BookedOn.Format(monthKeyLayout)
			bucket, ok := ss.months[key]
			if !ok {
				bucket = domain.ZeroStats()
			}
			ss.months[key] = bucket.Add(tx)
		}
	}
}

// Query returns the scope's aggregates. A zero from/to means all time.
// Ranged queries resolve at month granularity: the range is widened to whole
// months, matching the rollup buckets the engine maintains.
func (e *Engine) Query(scope domain.Scope, from, to time.Time) domain.AggregateStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ss, ok := e.scopes[scope]
	if !ok {
		return domain.ZeroStats()
	}

	if from.IsZero() && to.IsZero() {
		return ss.total
	}

	sum := domain.ZeroStats()
	for key, bucket := range ss.months {
		t, err := time.Parse(monthKeyLayout, key)
		if err != nil {
			continue
		}
		if !from.IsZero() && t.Before(monthStart(from)) {
			continue
		}
		if !to.IsZero() && t.After(monthStart(to)) {
			continue
		}
		sum.TotalTransactions += bucket.TotalTransactions
		sum.DepositCount += bucket.DepositCount
		sum.WithdrawalCount += bucket.WithdrawalCount
		sum.TotalDeposits = sum.TotalDeposits.Add(bucket.TotalDeposits)
		sum.TotalWithdrawals = sum.TotalWithdrawals.Add(bucket.TotalWithdrawals)
	}
	sum.NetChange = sum.TotalDeposits.Sub(sum.TotalWithdrawals)
	return sum
}

// Rebuild replaces all in-memory counters with full-scan recomputations.
// Called at startup and by the reconciler when drift is detected.
func (e *Engine) Rebuild(ctx context.Context) error {
	scopes, err := e.repo.ListScopes(ctx)
	if err != nil {
		return err
	}
	scopes = append(scopes, domain.GlobalScope)

	fresh := make(map[domain.Scope]*scopeStats, len(scopes))
	for _, scope := range scopes {
		ss, err := e.rebuildScope(ctx, scope)
		if err != nil {
			return err
		}
		fresh[scope] = ss
	}

	e.mu.Lock()
	e.scopes = fresh
	e.mu.Unlock()
	return nil
}

func (e *Engine) rebuildScope(ctx context.Context, scope domain.Scope) (*scopeStats, error) {
	months, err := e.repo.MonthlySums(ctx, scope)
	if err != nil {
		return nil, err
	}

	ss := newScopeStats()
	for key, bucket := range months {
		ss.months[key] = bucket
		ss.total.TotalTransactions += bucket.TotalTransactions
		ss.total.DepositCount += bucket.DepositCount
		ss.total.WithdrawalCount += bucket.WithdrawalCount
		ss.total.TotalDeposits = ss.total.TotalDeposits.Add(bucket.TotalDeposits)
		ss.total.TotalWithdrawals = ss.total.TotalWithdrawals.Add(bucket.TotalWithdrawals)
	}
	ss.total.NetChange = ss.total.TotalDeposits.Sub(ss.total.TotalWithdrawals)
	return ss, nil
}

// trackedScopes returns the scopes currently held in memory.
func (e *Engine) trackedScopes() []domain.Scope {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.Scope, 0, len(e.scopes))
	for scope := range e.scopes {
		out = append(out, scope)
	}
	return out
}

// snapshot returns a copy of one scope's stats and whether it is tracked.
func (e *Engine) snapshot(scope domain.Scope) (domain.AggregateStats, map[string]domain.AggregateStats, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ss, ok := e.scopes[scope]
	if !ok {
		return domain.AggregateStats{}, nil, false
	}
	months := make(map[string]domain.AggregateStats, len(ss.months))
	for k, v := range ss.months {
		months[k] = v
	}
	return ss.total, months, true
}

// replaceScope swaps in reconciled values for one scope.
func (e *Engine) replaceScope(scope domain.Scope, ss *scopeStats) {
	e.mu.Lock()
	e.scopes[scope] = ss
	e.mu.Unlock()
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
