package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SessionState is the lifecycle state of an institution session.
type SessionState string

const (
	StateNone         SessionState = "none"
	StateActive       SessionState = "active"
	StateExtending    SessionState = "extending"
	StateExpired      SessionState = "expired"
	StateError        SessionState = "error"
	StateDisconnected SessionState = "disconnected"
)

// AccountSnapshot is a lightweight account descriptor cached on the session
// at login time. Order matters: it is preserved as returned by the driver.
type AccountSnapshot struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name"`
	Balance     decimal.Decimal `json:"balance"`
}

// SessionStatus is an immutable snapshot of a session, published by its
// owning worker after every transition. Readers never see intermediate state.
type SessionStatus struct {
	InstitutionID    string
	AccountProfileID string
	Kind             InstitutionKind
	State            SessionState
	Healthy          bool
	CreatedAt        time.Time
	LastActivityAt   time.Time
	LastExtendedAt   time.Time
	ExtendCount      int
	TimeToNextExtend time.Duration
	CachedAccounts   []AccountSnapshot
}

// ConnectedAccount is one row of the connected-accounts view, derived from
// all sessions currently in Active or Extending state.
type ConnectedAccount struct {
	AccountID     string          `json:"account_id"`
	DisplayName   string          `json:"display_name"`
	InstitutionID string          `json:"institution_id"`
	Balance       decimal.Decimal `json:"balance"`
	SessionState  SessionState    `json:"session_state"`
}

// StatusEvent is pushed to subscribers whenever a session changes state.
type StatusEvent struct {
	InstitutionID string
	Old           SessionState
	New           SessionState
	At            time.Time
}

// SessionRecord is the durable mirror of a session kept in the session store.
// It is written by the supervisor on every transition and read back for
// status queries after a restart. Closing a session never deletes its
// already-ingested transactions.
type SessionRecord struct {
	InstitutionID    string
	AccountProfileID string
	Kind             InstitutionKind
	CredentialsRef   string
	State            SessionState
	CreatedAt        time.Time
	LastActivityAt   time.Time
	LastExtendedAt   time.Time
	ExtendCount      int
	CachedAccounts   []AccountSnapshot
}

// SessionStore persists session records keyed by institution.
type SessionStore interface {
	Save(ctx context.Context, rec SessionRecord) error
	Get(ctx context.Context, institutionID string) (*SessionRecord, error)
	Delete(ctx context.Context, institutionID string) error
	List(ctx context.Context) ([]SessionRecord, error)
}
