package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SyncStatus is the lifecycle state of one sync run.
type SyncStatus string

const (
	SyncRunning   SyncStatus = "running"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
)

// SyncOperation records one bounded data pull for one account. Operations are
// append-only: once sealed as Completed or Failed they are never mutated.
// At most one Running operation exists per account at any time.
type SyncOperation struct {
	ID               uuid.UUID       `json:"id"`
	AccountID        string          `json:"account_id"`
	InstitutionID    string          `json:"institution_id"`
	Status           SyncStatus      `json:"status"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	DurationMs       int64           `json:"duration_ms,omitempty"`
	TotalCount       int             `json:"total_count"`
	TotalDeposits    decimal.Decimal `json:"total_deposits"`
	TotalWithdrawals decimal.Decimal `json:"total_withdrawals"`
	ErrorMessage     string          `json:"error_message,omitempty"`
}

// SyncOperationRepository persists the append-only sync operation log.
type SyncOperationRepository interface {
	Insert(ctx context.Context, op SyncOperation) error
	Seal(ctx context.Context, op SyncOperation) error
	GetByID(ctx context.Context, id uuid.UUID) (*SyncOperation, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]SyncOperation, error)
}
