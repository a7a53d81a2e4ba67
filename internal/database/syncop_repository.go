package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"financehub/internal/domain"
)

// syncOpColumns must match the Scan order in scanSyncOperation.
const syncOpColumns = `id, account_id, institution_id, status, started_at, completed_at, duration_ms, total_count, total_deposits, total_withdrawals, error_message`

// SyncOperationRepo implements domain.SyncOperationRepository backed by PostgreSQL.
type SyncOperationRepo struct {
	db *sql.DB
}

func NewSyncOperationRepo(db *DB) *SyncOperationRepo {
	return &SyncOperationRepo{db: db.DB}
}

var _ domain.SyncOperationRepository = (*SyncOperationRepo)(nil)

func (r *SyncOperationRepo) Insert(ctx context.Context, op domain.SyncOperation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_operations (id, account_id, institution_id, status, started_at, total_deposits, total_withdrawals)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		op.ID, op.AccountID, op.InstitutionID, op.Status, op.StartedAt, op.TotalDeposits, op.TotalWithdrawals,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync operation: %w", err)
	}
	return nil
}

// Seal writes the final state of an operation. The log is append-only in the
// sense that a sealed row is never touched again; Seal is the single closing
// write.
func (r *SyncOperationRepo) Seal(ctx context.Context, op domain.SyncOperation) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sync_operations
		SET status = $2, completed_at = $3, duration_ms = $4,
		    total_count = $5, total_deposits = $6, total_withdrawals = $7,
		    error_message = $8
		WHERE id = $1 AND status = 'running'`,
		op.ID, op.Status, op.CompletedAt, op.DurationMs,
		op.TotalCount, op.TotalDeposits, op.TotalWithdrawals, op.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to seal sync operation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrSyncNotFound
	}
	return nil
}

func (r *SyncOperationRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.SyncOperation, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+syncOpColumns+" FROM sync_operations WHERE id = $1", id)

	op, err := scanSyncOperation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSyncNotFound
		}
		return nil, err
	}
	return op, nil
}

func (r *SyncOperationRepo) ListByAccount(ctx context.Context, accountID string, limit int) ([]domain.SyncOperation, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+syncOpColumns+" FROM sync_operations WHERE account_id = $1 ORDER BY started_at DESC LIMIT $2",
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync operations: %w", err)
	}
	defer rows.Close()

	var out []domain.SyncOperation
	for rows.Next() {
		op, err := scanSyncOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncOperation(row rowScanner) (*domain.SyncOperation, error) {
	var (
		op          domain.SyncOperation
		completedAt sql.NullTime
	)
	err := row.Scan(
		&op.ID, &op.AccountID, &op.InstitutionID, &op.Status,
		&op.StartedAt, &completedAt, &op.DurationMs,
		&op.TotalCount, &op.TotalDeposits, &op.TotalWithdrawals, &op.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		op.CompletedAt = &completedAt.Time
	}
	return &op, nil
}
