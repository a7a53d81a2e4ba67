package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"financehub/internal/domain"
)

// transactionColumns must match the Scan order in scanTransaction.
const transactionColumns = `account_id, fingerprint, institution_id, booked_on, booked_at, tx_type, description, counterparty, withdrawal, deposit, balance, metadata, ingested_at`

// TransactionRepo implements domain.TransactionRepository backed by PostgreSQL.
type TransactionRepo struct {
	db *sql.DB
}

func NewTransactionRepo(db *DB) *TransactionRepo {
	return &TransactionRepo{db: db.DB}
}

var _ domain.TransactionRepository = (*TransactionRepo)(nil)

// InsertBatch writes canonical rows, silently skipping (account, fingerprint)
// conflicts, and returns the rows that were actually inserted in input order.
func (r *TransactionRepo) InsertBatch(ctx context.Context, txs []domain.Transaction) ([]domain.Transaction, error) {
	if len(txs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, 0, len(txs))
	args := make([]any, 0, len(txs)*13)
	for i, tx := range txs {
		base := i * 13
		placeholders = append(placeholders, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11, base+12, base+13,
		))

		metadata, err := json.Marshal(tx.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}

		args = append(args,
			tx.AccountID, tx.ID, tx.InstitutionID, tx.BookedOn, tx.BookedAt,
			tx.Type, tx.Description, tx.Counterparty,
			tx.Withdrawal, tx.Deposit, tx.Balance, metadata, tx.IngestedAt,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO transactions (%s)
		VALUES %s
		ON CONFLICT (account_id, fingerprint) DO NOTHING
		RETURNING account_id, fingerprint`,
		transactionColumns, strings.Join(placeholders, ", "))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transactions: %w", err)
	}
	defer rows.Close()

	written := make(map[string]struct{}, len(txs))
	for rows.Next() {
		var accountID, fingerprint string
		if err := rows.Scan(&accountID, &fingerprint); err != nil {
			return nil, fmt.Errorf("failed to scan inserted key: %w", err)
		}
		written[accountID+"\x1f"+fingerprint] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	inserted := make([]domain.Transaction, 0, len(written))
	for _, tx := range txs {
		if _, ok := written[tx.AccountID+"\x1f"+tx.ID]; ok {
			inserted = append(inserted, tx)
		}
	}
	return inserted, nil
}

func (r *TransactionRepo) List(ctx context.Context, f domain.TransactionFilter) ([]domain.Transaction, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.AccountID != "" {
		conds = append(conds, "account_id = "+arg(f.AccountID))
	}
	if f.InstitutionID != "" {
		conds = append(conds, "institution_id = "+arg(f.InstitutionID))
	}
	if !f.From.IsZero() {
		conds = append(conds, "booked_on >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "booked_on <= "+arg(f.To))
	}

	query := "SELECT " + transactionColumns + " FROM transactions"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY booked_on, ingested_at"

	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	query += " LIMIT " + arg(limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (r *TransactionRepo) SumScope(ctx context.Context, scope domain.Scope, from, to time.Time) (domain.AggregateStats, error) {
	conds, args := scopeConds(scope)
	if !from.IsZero() {
		args = append(args, from)
		conds = append(conds, fmt.Sprintf("booked_on >= $%d", len(args)))
	}
	if !to.IsZero() {
		args = append(args, to)
		conds = append(conds, fmt.Sprintf("booked_on <= $%d", len(args)))
	}

	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE deposit > 0),
		       COUNT(*) FILTER (WHERE deposit = 0),
		       COALESCE(SUM(deposit), 0),
		       COALESCE(SUM(withdrawal), 0)
		FROM transactions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	stats := domain.ZeroStats()
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalTransactions,
		&stats.DepositCount,
		&stats.WithdrawalCount,
		&stats.TotalDeposits,
		&stats.TotalWithdrawals,
	)
	if err != nil {
		return domain.AggregateStats{}, fmt.Errorf("failed to sum scope: %w", err)
	}
	stats.NetChange = stats.TotalDeposits.Sub(stats.TotalWithdrawals)
	return stats, nil
}

func (r *TransactionRepo) ListScopes(ctx context.Context) ([]domain.Scope, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT 'account', account_id FROM transactions GROUP BY account_id
		UNION ALL
		SELECT 'institution', institution_id FROM transactions GROUP BY institution_id
		ORDER BY 1, 2`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer rows.Close()

	var out []domain.Scope
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, err
		}
		out = append(out, domain.Scope{Kind: domain.ScopeKind(kind), ID: id})
	}
	return out, rows.Err()
}

func (r *TransactionRepo) MonthlySums(ctx context.Context, scope domain.Scope) (map[string]domain.AggregateStats, error) {
	conds, args := scopeConds(scope)

	query := `
		SELECT to_char(booked_on, 'YYYY-MM'),
		       COUNT(*),
		       COUNT(*) FILTER (WHERE deposit > 0),
		       COUNT(*) FILTER (WHERE deposit = 0),
		       COALESCE(SUM(deposit), 0),
		       COALESCE(SUM(withdrawal), 0)
		FROM transactions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " GROUP BY 1"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to compute monthly sums: %w", err)
	}
	defer rows.Close()

	months := make(map[string]domain.AggregateStats)
	for rows.Next() {
		var key string
		stats := domain.ZeroStats()
		err := rows.Scan(&key, &stats.TotalTransactions, &stats.DepositCount,
			&stats.WithdrawalCount, &stats.TotalDeposits, &stats.TotalWithdrawals)
		if err != nil {
			return nil, err
		}
		stats.NetChange = stats.TotalDeposits.Sub(stats.TotalWithdrawals)
		months[key] = stats
	}
	return months, rows.Err()
}

func scopeConds(scope domain.Scope) ([]string, []any) {
	switch scope.Kind {
	case domain.ScopeAccount:
		return []string{"account_id = $1"}, []any{scope.ID}
	case domain.ScopeInstitution:
		return []string{"institution_id = $1"}, []any{scope.ID}
	default:
		return nil, nil
	}
}

func scanTransaction(rows *sql.Rows) (domain.Transaction, error) {
	var (
		tx       domain.Transaction
		metadata []byte
	)
	err := rows.Scan(
		&tx.AccountID, &tx.ID, &tx.InstitutionID, &tx.BookedOn, &tx.BookedAt,
		&tx.Type, &tx.Description, &tx.Counterparty,
		&tx.Withdrawal, &tx.Deposit, &tx.Balance, &metadata, &tx.IngestedAt,
	)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("failed to scan transaction: %w", err)
	}
	if len(metadata) > 0 && string(metadata) != "null" {
		if err := json.Unmarshal(metadata, &tx.Metadata); err != nil {
			return domain.Transaction{}, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return tx, nil
}
