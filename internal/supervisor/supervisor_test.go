package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"financehub/internal/domain"
	"financehub/internal/driver"
	"financehub/internal/driver/drivertest"
	"financehub/internal/metrics"
)

func testConfig() Config {
	return Config{
		ExtendInterval:    4 * time.Minute,
		Grace:             30 * time.Second,
		MaxExtendFailures: 3,
		RetryBaseBackoff:  10 * time.Second,
		RetryMaxBackoff:   2 * time.Minute,
	}
}

func newTestSupervisor(t *testing.T, drv domain.Driver, store domain.SessionStore) (*Supervisor, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClock()
	reg := driver.NewRegistry()
	reg.Register("acme-bank", domain.KindBank, drv)
	sup := New(reg, store, fc, testConfig())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sup.Stop(ctx)
	})
	return sup, fc
}

func TestConnectStartsActiveSession(t *testing.T) {
	drv := &drivertest.Driver{
		LoginFunc: func(ctx context.Context, credentialsRef string) (domain.LoginResult, error) {
			return domain.LoginResult{
				Token: "tok-1",
				Accounts: []domain.AccountSnapshot{
					{ID: "acct-1", DisplayName: "Checking"},
				},
			}, nil
		},
	}
	sup, _ := newTestSupervisor(t, drv, nil)

	status, err := sup.Connect(context.Background(), "acme-bank", "profile-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, status.State)
	assert.True(t, status.Healthy)
	assert.Equal(t, 0, status.ExtendCount)
	require.Len(t, status.CachedAccounts, 1)
	assert.Equal(t, "acct-1", status.CachedAccounts[0].ID)

	accounts := sup.ListConnectedAccounts()
	require.Len(t, accounts, 1)
	assert.Equal(t, "acme-bank", accounts[0].InstitutionID)
}

func TestConnectUnknownInstitution(t *testing.T) {
	sup, _ := newTestSupervisor(t, &drivertest.Driver{}, nil)

	_, err := sup.Connect(context.Background(), "nope", "profile-1")
	require.ErrorIs(t, err, domain.ErrDriverNotRegistered)
}

func TestConnectAuthFailure(t *testing.T) {
	drv := &drivertest.Driver{
		LoginFunc: func(ctx context.Context, credentialsRef string) (domain.LoginResult, error) {
			return domain.LoginResult{}, domain.ErrAuthFailed
		},
	}
	sup, _ := newTestSupervisor(t, drv, nil)

	_, err := sup.Connect(context.Background(), "acme-bank", "profile-1")
	require.ErrorIs(t, err, domain.ErrAuthFailed)

	_, ok := sup.GetStatus("acme-bank")
	assert.False(t, ok)
}

func TestAutoExtendKeepsSessionAlive(t *testing.T) {
	drv := &drivertest.Driver{}
	sup, fc := newTestSupervisor(t, drv, nil)

	_, err := sup.Connect(context.Background(), "acme-bank", "profile-1")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		fc.BlockUntil(1)
		fc.Advance(4 * time.Minute)
		require.Eventually(t, func() bool {
			status, ok := sup.GetStatus("acme-bank")
			return ok && status.ExtendCount == i && status.State == domain.StateActive
		}, time.Second, time.Millisecond)
	}
	assert.Equal(t, 3, drv.ExtendCalls())
}

func TestManualExtendsNeverOverlap(t *testing.T) {
	var inFlight atomic.Int32
	var overlapped atomic.Bool
	drv := &drivertest.Driver{
		ExtendFunc: func(ctx context.Context, token domain.SessionToken) error {
			if inFlight.Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			return nil
		},
	}
	sup, _ := newTestSupervisor(t, drv, nil)

	_, err := sup.Connect(context.Background(), "acme-bank", "profile-1")
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, sup.ExtendNow(context.Background(), "acme-bank"))
		}()
	}
	wg.Wait()

	assert.False(t, overlapped.Load(), "driver extend calls overlapped")
	assert.Equal(t, callers, drv.ExtendCalls())

	status, ok := sup.GetStatus("acme-bank")
	require.True(t, ok)
	assert.Equal(t, callers, status.ExtendCount)
	assert.Equal(t, domain.StateActive, status.State)
}

func TestExtendFailuresDemoteToExpired(t *testing.T) {
	drv := &drivertest.Driver{
		ExtendFunc: func(ctx context.Context, token domain.SessionToken) error {
			return errors.New("driver crashed")
		},
	}
	sup, fc := newTestSupervisor(t, drv, nil)

	_, err := sup.Connect(context.Background(), "acme-bank", "profile-1")
	require.NoError(t, err)

	// First attempt at the regular interval fails and moves to Error.
	fc.BlockUntil(1)
	fc.Advance(4 * time.Minute)
	require.Eventually(t, func() bool {
		status, ok := sup.GetStatus("acme-bank")
		return ok && status.State == domain.StateError
	}, time.Second, time.Millisecond)

	// Retries follow the backoff schedule until the budget is exhausted.
	fc.BlockUntil(1)
	fc.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return drv.ExtendCalls() == 2 }, time.Second, time.Millisecond)

	fc.BlockUntil(1)
	fc.Advance(20 * time.Second)
	require.Eventually(t, func() bool {
		status, ok := sup.GetStatus("acme-bank")
		return ok && status.State == domain.StateExpired
	}, time.Second, time.Millisecond)

	// An expired session can no longer be leased or extended.
	_, _, err = sup.LeaseSession("acme-bank")
	assert.ErrorIs(t, err, domain.ErrSessionNotActive)
	assert.False(t, sup.ExtendNow(context.Background(), "acme-bank"))
}

func TestManualExtendRecoversFromError(t *testing.T) {
	var calls atomic.Int32
	drv := &drivertest.Driver{
		ExtendFunc: func(ctx context.Context, token domain.SessionToken) error {
			if calls.Add(1) == 1 {
				return errors.New("transient failure")
			}
			return nil
		},
	}
	sup, fc := newTestSupervisor(t, drv, nil)

	_, err := sup.Connect(context.Background(), "acme-bank", "profile-1")
	require.NoError(t, err)

	fc.BlockUntil(1)
	fc.Advance(4 * time.Minute)
	require.Eventually(t, func() bool {
		status, ok := sup.GetStatus("acme-bank")
		return ok && status.State == domain.StateError
	}, time.Second, time.Millisecond)

	require.True(t, sup.ExtendNow(context.Background(), "acme-bank"))

	status, ok := sup.GetStatus("acme-bank")
	require.True(t, ok)
	assert.Equal(t, domain.StateActive, status.State)
	assert.True(t, status.Healthy)
	assert.Equal(t, 1, status.ExtendCount)
}

func TestStaleSessionForcedToExpired(t *testing.T) {
	drv := &drivertest.Driver{}
	sup, fc := newTestSupervisor(t, drv, nil)

	_, err := sup.Connect(context.Background(), "acme-bank", "profile-1")
	require.NoError(t, err)

	// One large jump past interval plus grace simulates a stall: the worker
	// observes the staleness before attempting any extend.
	fc.BlockUntil(1)
	fc.Advance(5 * time.Minute)
	require.Eventually(t, func() bool {
		status, ok := sup.GetStatus("acme-bank")
		return ok && status.State == domain.StateExpired
	}, time.Second, time.Millisecond)

	assert.Equal(t, 0, drv.ExtendCalls())
}

func TestDisconnectLogsOutAndPublishes(t *testing.T) {
	drv := &drivertest.Driver{}
	sup, _ := newTestSupervisor(t, drv, nil)

	events, cancel := sup.Subscribe()
	defer cancel()

	_, err := sup.Connect(context.Background(), "acme-bank", "profile-1")
	require.NoError(t, err)

	require.NoError(t, sup.Disconnect(context.Background(), "acme-bank"))
	assert.Equal(t, 1, drv.LogoutCalls())

	status, ok := sup.GetStatus("acme-bank")
	require.True(t, ok)
	assert.Equal(t, domain.StateDisconnected, status.State)
	assert.False(t, status.Healthy)
	assert.Empty(t, sup.ListConnectedAccounts())

	var sawDisconnect bool
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.New == domain.StateDisconnected {
				sawDisconnect = true
				done = true
			}
		case <-time.After(time.Second):
			done = true
		}
	}
	assert.True(t, sawDisconnect)

	// Reconnecting starts a fresh session.
	status, err = sup.Connect(context.Background(), "acme-bank", "profile-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, status.State)
	assert.Equal(t, 2, drv.LoginCalls())
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	sup, _ := newTestSupervisor(t, &drivertest.Driver{}, nil)

	events, cancel := sup.Subscribe()
	cancel()

	// Watchers ranging over the channel must terminate once the
	// subscription is cancelled.
	_, open := <-events
	assert.False(t, open)

	// A second cancel is a no-op.
	cancel()
}

func TestDisconnectUnknownSession(t *testing.T) {
	sup, _ := newTestSupervisor(t, &drivertest.Driver{}, nil)
	err := sup.Disconnect(context.Background(), "acme-bank")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

type memSessionStore struct {
	mu   sync.Mutex
	recs map[string]domain.SessionRecord
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{recs: make(map[string]domain.SessionRecord)}
}

func (m *memSessionStore) Save(_ context.Context, rec domain.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.InstitutionID] = rec
	return nil
}

func (m *memSessionStore) Get(_ context.Context, institutionID string) (*domain.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[institutionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return &rec, nil
}

func (m *memSessionStore) Delete(_ context.Context, institutionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, institutionID)
	return nil
}

func (m *memSessionStore) List(_ context.Context) ([]domain.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SessionRecord, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, rec)
	}
	return out, nil
}

func TestSessionRecordPersistedOnTransitions(t *testing.T) {
	store := newMemSessionStore()
	sup, _ := newTestSupervisor(t, &drivertest.Driver{}, store)

	_, err := sup.Connect(context.Background(), "acme-bank", "profile-1")
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), "acme-bank")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, rec.State)

	require.NoError(t, sup.Disconnect(context.Background(), "acme-bank"))
	rec, err = store.Get(context.Background(), "acme-bank")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDisconnected, rec.State)
}

func TestRestoreFromStoreDemotesLiveSessions(t *testing.T) {
	store := newMemSessionStore()
	require.NoError(t, store.Save(context.Background(), domain.SessionRecord{
		InstitutionID: "acme-bank",
		Kind:          domain.KindBank,
		State:         domain.StateActive,
	}))
	require.NoError(t, store.Save(context.Background(), domain.SessionRecord{
		InstitutionID: "city-card",
		Kind:          domain.KindCard,
		State:         domain.StateDisconnected,
	}))

	sup, _ := newTestSupervisor(t, &drivertest.Driver{}, store)
	require.NoError(t, sup.RestoreFromStore(context.Background()))

	status, ok := sup.GetStatus("acme-bank")
	require.True(t, ok)
	assert.Equal(t, domain.StateExpired, status.State)
	assert.False(t, status.Healthy)

	status, ok = sup.GetStatus("city-card")
	require.True(t, ok)
	assert.Equal(t, domain.StateDisconnected, status.State)

	rec, err := store.Get(context.Background(), "acme-bank")
	require.NoError(t, err)
	assert.Equal(t, domain.StateExpired, rec.State)
}

func TestReconnectKeepsStateGaugeBalanced(t *testing.T) {
	store := newMemSessionStore()
	require.NoError(t, store.Save(context.Background(), domain.SessionRecord{
		InstitutionID: "acme-bank",
		Kind:          domain.KindBank,
		State:         domain.StateActive,
	}))

	expiredGauge := metrics.SessionsByState.WithLabelValues(string(domain.StateExpired))
	activeGauge := metrics.SessionsByState.WithLabelValues(string(domain.StateActive))
	expiredBefore := testutil.ToFloat64(expiredGauge)
	activeBefore := testutil.ToFloat64(activeGauge)

	sup, _ := newTestSupervisor(t, &drivertest.Driver{}, store)
	require.NoError(t, sup.RestoreFromStore(context.Background()))
	assert.Equal(t, expiredBefore+1, testutil.ToFloat64(expiredGauge))

	// Reconnecting consumes the restored Expired entry instead of leaving
	// it behind in the gauge.
	_, err := sup.Connect(context.Background(), "acme-bank", "profile-1")
	require.NoError(t, err)
	assert.Equal(t, expiredBefore, testutil.ToFloat64(expiredGauge))
	assert.Equal(t, activeBefore+1, testutil.ToFloat64(activeGauge))
}
