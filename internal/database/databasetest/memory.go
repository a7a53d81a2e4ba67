// Package databasetest provides in-memory repository implementations for
// tests that do not want a real Postgres behind them.
package databasetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"financehub/internal/domain"
)

// TransactionRepo is an in-memory domain.TransactionRepository with the same
// conflict semantics as the Postgres implementation: duplicate
// (account, fingerprint) pairs are silently dropped.
type TransactionRepo struct {
	mu   sync.Mutex
	rows map[string]domain.Transaction // key: accountID + "\x1f" + fingerprint
}

var _ domain.TransactionRepository = (*TransactionRepo)(nil)

func NewTransactionRepo() *TransactionRepo {
	return &TransactionRepo{rows: make(map[string]domain.Transaction)}
}

func (r *TransactionRepo) InsertBatch(_ context.Context, txs []domain.Transaction) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var inserted []domain.Transaction
	for _, tx := range txs {
		key := tx.AccountID + "\x1f" + tx.ID
		if _, exists := r.rows[key]; exists {
			continue
		}
		r.rows[key] = tx
		inserted = append(inserted, tx)
	}
	return inserted, nil
}

func (r *TransactionRepo) List(_ context.Context, f domain.TransactionFilter) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Transaction
	for _, tx := range r.rows {
		if f.AccountID != "" && tx.AccountID != f.AccountID {
			continue
		}
		if f.InstitutionID != "" && tx.InstitutionID != f.InstitutionID {
			continue
		}
		if !f.From.IsZero() && tx.BookedOn.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && tx.BookedOn.After(f.To) {
			continue
		}
		out = append(out, tx)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].BookedOn.Equal(out[j].BookedOn) {
			return out[i].BookedOn.Before(out[j].BookedOn)
		}
		return out[i].IngestedAt.Before(out[j].IngestedAt)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *TransactionRepo) SumScope(ctx context.Context, scope domain.Scope, from, to time.Time) (domain.AggregateStats, error) {
	filter := domain.TransactionFilter{From: from, To: to}
	switch scope.Kind {
	case domain.ScopeAccount:
		filter.AccountID = scope.ID
	case domain.ScopeInstitution:
		filter.InstitutionID = scope.ID
	}

	rows, err := r.List(ctx, filter)
	if err != nil {
		return domain.AggregateStats{}, err
	}

	stats := domain.ZeroStats()
	for _, tx := range rows {
		stats = stats.Add(tx)
	}
	return stats, nil
}

func (r *TransactionRepo) ListScopes(_ context.Context) ([]domain.Scope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	accounts := make(map[string]struct{})
	institutions := make(map[string]struct{})
	for _, tx := range r.rows {
		accounts[tx.AccountID] = struct{}{}
		institutions[tx.InstitutionID] = struct{}{}
	}

	var out []domain.Scope
	for id := range accounts {
		out = append(out, domain.Scope{Kind: domain.ScopeAccount, ID: id})
	}
	for id := range institutions {
		out = append(out, domain.Scope{Kind: domain.ScopeInstitution, ID: id})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *TransactionRepo) MonthlySums(ctx context.Context, scope domain.Scope) (map[string]domain.AggregateStats, error) {
	filter := domain.TransactionFilter{}
	switch scope.Kind {
	case domain.ScopeAccount:
		filter.AccountID = scope.ID
	case domain.ScopeInstitution:
		filter.InstitutionID = scope.ID
	}

	rows, err := r.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	months := make(map[string]domain.AggregateStats)
	for _, tx := range rows {
		key := tx.BookedOn.Format("2006-01")
		bucket, ok := months[key]
		if !ok {
			bucket = domain.ZeroStats()
		}
		months[key] = bucket.Add(tx)
	}
	return months, nil
}

// Count returns the number of stored rows.
func (r *TransactionRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// SyncOperationRepo is an in-memory domain.SyncOperationRepository.
type SyncOperationRepo struct {
	mu  sync.Mutex
	ops map[uuid.UUID]domain.SyncOperation
}

var _ domain.SyncOperationRepository = (*SyncOperationRepo)(nil)

func NewSyncOperationRepo() *SyncOperationRepo {
	return &SyncOperationRepo{ops: make(map[uuid.UUID]domain.SyncOperation)}
}

func (r *SyncOperationRepo) Insert(_ context.Context, op domain.SyncOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op.ID] = op
	return nil
}

func (r *SyncOperationRepo) Seal(_ context.Context, op domain.SyncOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op.ID] = op
	return nil
}

func (r *SyncOperationRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.SyncOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return nil, domain.ErrSyncNotFound
	}
	copied := op
	return &copied, nil
}

func (r *SyncOperationRepo) ListByAccount(_ context.Context, accountID string, limit int) ([]domain.SyncOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.SyncOperation
	for _, op := range r.ops {
		if op.AccountID == accountID {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
