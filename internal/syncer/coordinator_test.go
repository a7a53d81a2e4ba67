package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"financehub/internal/database/databasetest"
	"financehub/internal/domain"
	"financehub/internal/driver/drivertest"
	"financehub/internal/ingest"
	"financehub/internal/platform/retry"
	"financehub/internal/stats"
)

type fakeSessions struct {
	mu       sync.Mutex
	drv      domain.Driver
	healthy  bool
	accounts []domain.ConnectedAccount
	subs     []chan domain.StatusEvent
}

func newFakeSessions(drv domain.Driver, accountIDs ...string) *fakeSessions {
	f := &fakeSessions{drv: drv, healthy: true}
	for _, id := range accountIDs {
		f.accounts = append(f.accounts, domain.ConnectedAccount{
			AccountID:     id,
			InstitutionID: "acme-bank",
			SessionState:  domain.StateActive,
		})
	}
	return f
}

func (f *fakeSessions) FindAccount(accountID string) (domain.ConnectedAccount, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, acct := range f.accounts {
		if acct.AccountID == accountID {
			return acct, true
		}
	}
	return domain.ConnectedAccount{}, false
}

func (f *fakeSessions) LeaseSession(institutionID string) (domain.Driver, domain.SessionToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return nil, "", domain.ErrSessionNotActive
	}
	return f.drv, "tok", nil
}

func (f *fakeSessions) Subscribe() (<-chan domain.StatusEvent, func()) {
	ch := make(chan domain.StatusEvent, 16)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()

	// Like the real supervisor, cancel closes the channel so watchers
	// draining it terminate. Idempotent for double-Stop.
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			for i, sub := range f.subs {
				if sub == ch {
					f.subs = append(f.subs[:i], f.subs[i+1:]...)
					break
				}
			}
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *fakeSessions) emit(ev domain.StatusEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- ev
	}
}

func (f *fakeSessions) setHealthy(v bool) {
	f.mu.Lock()
	f.healthy = v
	f.mu.Unlock()
}

func testRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func newTestCoordinator(t *testing.T, sessions Sessions) (*Coordinator, *databasetest.TransactionRepo, *databasetest.SyncOperationRepo, *stats.Engine) {
	t.Helper()
	clock := clockwork.NewRealClock()
	txRepo := databasetest.NewTransactionRepo()
	opRepo := databasetest.NewSyncOperationRepo()
	statsEngine := stats.NewEngine(txRepo, nil)
	coord := New(sessions, ingest.NewEngine(txRepo, clock), statsEngine, opRepo, clock, Config{
		MaxPages: 10,
		Timeout:  5 * time.Second,
		Retry:    testRetry(),
	})
	t.Cleanup(coord.Stop)
	return coord, txRepo, opRepo, statsEngine
}

func rawDeposit(date, amount, desc string) domain.RawRecord {
	return domain.RawRecord{Date: date, Amount: amount, Marker: "deposit", Description: desc}
}

func rawWithdrawal(date, amount, desc string) domain.RawRecord {
	return domain.RawRecord{Date: date, Amount: amount, Marker: "withdrawal", Description: desc}
}

func TestSyncCompletesAcrossPages(t *testing.T) {
	drv := drivertest.PagedDriver([]domain.Page{
		{Records: []domain.RawRecord{
			rawDeposit("2024-06-01", "100.00", "salary"),
			rawWithdrawal("2024-06-02", "40.00", "groceries"),
		}},
		{Records: []domain.RawRecord{
			rawDeposit("2024-06-10", "25.50", "refund"),
		}},
	})
	sessions := newFakeSessions(drv, "acct-1")
	coord, txRepo, _, statsEngine := newTestCoordinator(t, sessions)

	op, err := coord.StartSync(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncRunning, op.Status)

	require.Eventually(t, func() bool {
		got, err := coord.GetSync(context.Background(), op.ID)
		return err == nil && got.Status == domain.SyncCompleted
	}, 2*time.Second, 5*time.Millisecond)

	got, err := coord.GetSync(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalCount)
	assert.True(t, got.TotalDeposits.Equal(decimal.RequireFromString("125.50")), got.TotalDeposits.String())
	assert.True(t, got.TotalWithdrawals.Equal(decimal.RequireFromString("40.00")), got.TotalWithdrawals.String())
	require.NotNil(t, got.CompletedAt)

	assert.Equal(t, 3, txRepo.Count())

	global := statsEngine.Query(domain.GlobalScope, time.Time{}, time.Time{})
	assert.Equal(t, 3, global.TotalTransactions)
	assert.True(t, global.TotalDeposits.Equal(decimal.RequireFromString("125.50")))
}

func TestIdenticalRecordsOnSeparatePagesAreKept(t *testing.T) {
	// Recurring transactions are disambiguated by their position in the
	// source feed. That position spans the whole run, so the same record
	// appearing on two pages is two real transactions, not a duplicate.
	same := rawWithdrawal("2024-06-03", "9.99", "coffee subscription")
	drv := drivertest.PagedDriver([]domain.Page{
		{Records: []domain.RawRecord{same}},
		{Records: []domain.RawRecord{same}},
	})
	sessions := newFakeSessions(drv, "acct-1")
	coord, txRepo, _, _ := newTestCoordinator(t, sessions)

	op, err := coord.StartSync(context.Background(), "acct-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := coord.GetSync(context.Background(), op.ID)
		return err == nil && got.Status == domain.SyncCompleted
	}, 2*time.Second, 5*time.Millisecond)

	got, err := coord.GetSync(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalCount)
	assert.Equal(t, 2, txRepo.Count())
	assert.True(t, got.TotalWithdrawals.Equal(decimal.RequireFromString("19.98")), got.TotalWithdrawals.String())
}

func TestStartSyncIsIdempotentPerAccount(t *testing.T) {
	release := make(chan struct{})
	drv := &drivertest.Driver{
		FetchPageFunc: func(ctx context.Context, _ domain.SessionToken, _, _ string) (domain.Page, error) {
			select {
			case <-release:
				return domain.Page{}, nil
			case <-ctx.Done():
				return domain.Page{}, ctx.Err()
			}
		},
	}
	sessions := newFakeSessions(drv, "acct-1")
	coord, _, _, _ := newTestCoordinator(t, sessions)

	first, err := coord.StartSync(context.Background(), "acct-1")
	require.NoError(t, err)

	second, err := coord.StartSync(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	close(release)
	require.Eventually(t, func() bool {
		got, err := coord.GetSync(context.Background(), first.ID)
		return err == nil && got.Status == domain.SyncCompleted
	}, 2*time.Second, 5*time.Millisecond)

	// With the first run sealed, a new sync gets a fresh operation.
	third, err := coord.StartSync(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestStartSyncRejectsUnknownAccount(t *testing.T) {
	sessions := newFakeSessions(&drivertest.Driver{}, "acct-1")
	coord, _, _, _ := newTestCoordinator(t, sessions)

	_, err := coord.StartSync(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestStartSyncRequiresHealthySession(t *testing.T) {
	sessions := newFakeSessions(&drivertest.Driver{}, "acct-1")
	sessions.setHealthy(false)
	coord, _, _, _ := newTestCoordinator(t, sessions)

	_, err := coord.StartSync(context.Background(), "acct-1")
	require.ErrorIs(t, err, domain.ErrSessionNotActive)
}

func TestFailedSyncKeepsPartialCounts(t *testing.T) {
	drv := &drivertest.Driver{}
	drv.FetchPageFunc = func(_ context.Context, _ domain.SessionToken, _, cursor string) (domain.Page, error) {
		if drv.FetchCalls() == 1 {
			return domain.Page{
				Records: []domain.RawRecord{
					rawDeposit("2024-06-01", "100.00", "salary"),
					rawWithdrawal("2024-06-02", "40.00", "groceries"),
				},
				NextCursor: "1",
			}, nil
		}
		return domain.Page{}, domain.ErrAuthFailed
	}
	sessions := newFakeSessions(drv, "acct-1")
	coord, txRepo, _, _ := newTestCoordinator(t, sessions)

	op, err := coord.StartSync(context.Background(), "acct-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := coord.GetSync(context.Background(), op.ID)
		return err == nil && got.Status == domain.SyncFailed
	}, 2*time.Second, 5*time.Millisecond)

	got, err := coord.GetSync(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalCount)
	assert.NotEmpty(t, got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)

	// The first page's rows are kept.
	assert.Equal(t, 2, txRepo.Count())
}

func TestDisconnectSealsRunningSyncAsFailed(t *testing.T) {
	// A disconnect mid-sync must not abort the page being worked on: the
	// in-flight page finishes ingesting, then the run seals as Failed.
	gate := make(chan struct{})
	drv := &drivertest.Driver{}
	drv.FetchPageFunc = func(_ context.Context, _ domain.SessionToken, _, _ string) (domain.Page, error) {
		if drv.FetchCalls() == 1 {
			return domain.Page{
				Records:    []domain.RawRecord{rawDeposit("2024-06-01", "100.00", "salary")},
				NextCursor: "next",
			}, nil
		}
		<-gate
		return domain.Page{
			Records:    []domain.RawRecord{rawWithdrawal("2024-06-02", "40.00", "groceries")},
			NextCursor: "more",
		}, nil
	}
	sessions := newFakeSessions(drv, "acct-1")
	coord, txRepo, _, _ := newTestCoordinator(t, sessions)
	coord.Start()

	op, err := coord.StartSync(context.Background(), "acct-1")
	require.NoError(t, err)

	sessions.emit(domain.StatusEvent{
		InstitutionID: "acme-bank",
		Old:           domain.StateActive,
		New:           domain.StateDisconnected,
		At:            time.Now(),
	})

	// Wait for the watcher to flag the run, then release the in-flight page.
	require.Eventually(t, func() bool {
		coord.mu.Lock()
		defer coord.mu.Unlock()
		ro := coord.running["acct-1"]
		return ro != nil && ro.disconnected
	}, 2*time.Second, time.Millisecond)
	close(gate)

	require.Eventually(t, func() bool {
		got, err := coord.GetSync(context.Background(), op.ID)
		return err == nil && got.Status == domain.SyncFailed
	}, 2*time.Second, 5*time.Millisecond)

	got, err := coord.GetSync(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, "session disconnected", got.ErrorMessage)

	// The page in flight at disconnect time was fully ingested.
	assert.Equal(t, 2, got.TotalCount)
	assert.Equal(t, 2, txRepo.Count())
}

func TestStopTerminatesEventWatcher(t *testing.T) {
	sessions := newFakeSessions(&drivertest.Driver{}, "acct-1")
	coord, _, _, _ := newTestCoordinator(t, sessions)

	coord.Start()
	// Stop must unsubscribe and join the watcher goroutine; a watcher stuck
	// on the events channel would hang this call.
	coord.Stop()
}

func TestTransientFetchErrorsAreRetried(t *testing.T) {
	drv := &drivertest.Driver{}
	drv.FetchPageFunc = func(_ context.Context, _ domain.SessionToken, _, _ string) (domain.Page, error) {
		if drv.FetchCalls() < 3 {
			return domain.Page{}, errors.New("flaky network")
		}
		return domain.Page{Records: []domain.RawRecord{
			rawDeposit("2024-06-01", "10.00", "tiny"),
		}}, nil
	}
	sessions := newFakeSessions(drv, "acct-1")
	coord, _, _, _ := newTestCoordinator(t, sessions)

	op, err := coord.StartSync(context.Background(), "acct-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := coord.GetSync(context.Background(), op.ID)
		return err == nil && got.Status == domain.SyncCompleted
	}, 2*time.Second, 5*time.Millisecond)

	got, err := coord.GetSync(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalCount)
	assert.Equal(t, 3, drv.FetchCalls())
}
