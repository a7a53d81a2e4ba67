// Package supervisor owns the session lifecycle: it performs logins through
// the driver layer, keeps every session alive with scheduled extends, demotes
// sessions on failure, and answers health queries from immutable snapshots.
//
// Each session's mutable state is owned by exactly one worker goroutine;
// everything outside the worker sees only published snapshots. Concurrency
// safety comes from sharding ownership, not from locking shared structures.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"financehub/internal/domain"
	"financehub/internal/driver"
	"financehub/internal/metrics"
)

// Config carries the session lifecycle policy.
type Config struct {
	// ExtendInterval is the validity window renewed by each extend.
	ExtendInterval time.Duration
	// Grace is the slack past ExtendInterval before an Active session is
	// considered stale and forced to Expired.
	Grace time.Duration
	// MaxExtendFailures is the consecutive-failure budget before a session
	// is demoted from Error to Expired.
	MaxExtendFailures int
	// RetryBaseBackoff and RetryMaxBackoff bound the exponential backoff
	// between failed-extend retries.
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration
}

const eventBuffer = 16

type Supervisor struct {
	registry *driver.Registry
	store    domain.SessionStore
	clock    clockwork.Clock
	cfg      Config

	connectGroup singleflight.Group

	mu       sync.RWMutex
	workers  map[string]*worker
	statuses map[string]domain.SessionStatus
	tokens   map[string]domain.SessionToken

	subsMu sync.Mutex
	subs   map[int]chan domain.StatusEvent
	nextID int

	wg sync.WaitGroup
}

// New creates the supervisor. store may be nil in tests; persistence is then
// skipped.
func New(registry *driver.Registry, store domain.SessionStore, clock clockwork.Clock, cfg Config) *Supervisor {
	return &Supervisor{
		registry: registry,
		store:    store,
		clock:    clock,
		cfg:      cfg,
		workers:  make(map[string]*worker),
		statuses: make(map[string]domain.SessionStatus),
		tokens:   make(map[string]domain.SessionToken),
		subs:     make(map[int]chan domain.StatusEvent),
	}
}

// Connect performs the initial login for an institution and starts the
// session's worker. Concurrent calls for the same institution collapse into
// one login. An institution with a live healthy session returns its current
// status without a second login.
func (s *Supervisor) Connect(ctx context.Context, institutionID, credentialsRef string) (domain.SessionStatus, error) {
	v, err, _ := s.connectGroup.Do(institutionID, func() (any, error) {
		if status, ok := s.GetStatus(institutionID); ok && status.Healthy {
			return status, nil
		}

		reg, err := s.registry.Lookup(institutionID)
		if err != nil {
			return nil, err
		}

		result, err := reg.Driver.Login(ctx, credentialsRef)
		if err != nil {
			if errors.Is(err, domain.ErrAuthFailed) {
				return nil, fmt.Errorf("connect %s: %w", institutionID, err)
			}
			return nil, fmt.Errorf("connect %s: login: %w", institutionID, err)
		}

		s.stopWorker(institutionID)

		// Reconnects replace an existing snapshot (expired, disconnected);
		// publishing with the prior state keeps the per-state gauges balanced.
		prev := domain.StateNone
		s.mu.RLock()
		if existing, tracked := s.statuses[institutionID]; tracked {
			prev = existing.State
		}
		s.mu.RUnlock()

		now := s.clock.Now().UTC()
		rec := domain.SessionRecord{
			InstitutionID:    institutionID,
			AccountProfileID: credentialsRef,
			Kind:             reg.Kind,
			CredentialsRef:   credentialsRef,
			State:            domain.StateActive,
			CreatedAt:        now,
			LastActivityAt:   now,
			LastExtendedAt:   now,
			CachedAccounts:   result.Accounts,
		}

		w := newWorker(s, reg.Driver, rec, result.Token)
		s.mu.Lock()
		s.workers[institutionID] = w
		s.mu.Unlock()

		w.publish(prev)
		w.persist(context.Background())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.run()
		}()

		slog.Info("Session connected",
			"institution", institutionID,
			"kind", reg.Kind.String(),
			"accounts", len(result.Accounts))

		status, _ := s.GetStatus(institutionID)
		return status, nil
	})
	if err != nil {
		return domain.SessionStatus{}, err
	}
	return v.(domain.SessionStatus), nil
}

// GetStatus returns the session's latest snapshot. It never blocks and never
// mutates; if it observes a stale Active session it reports Expired and asks
// the owning worker to make the demotion real.
func (s *Supervisor) GetStatus(institutionID string) (domain.SessionStatus, bool) {
	s.mu.RLock()
	status, ok := s.statuses[institutionID]
	w := s.workers[institutionID]
	s.mu.RUnlock()
	if !ok {
		return domain.SessionStatus{}, false
	}

	now := s.clock.Now()
	if s.isStale(status, now) {
		status.State = domain.StateExpired
		status.Healthy = false
		status.TimeToNextExtend = 0
		if w != nil {
			w.requestExpiryCheck()
		}
		return status, true
	}

	status.Healthy = healthy(status.State)
	status.TimeToNextExtend = timeToNext(status.LastExtendedAt, s.cfg.ExtendInterval, now)
	return status, true
}

// ListSessions returns a snapshot of every known session.
func (s *Supervisor) ListSessions() []domain.SessionStatus {
	s.mu.RLock()
	ids := make([]string, 0, len(s.statuses))
	for id := range s.statuses {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make([]domain.SessionStatus, 0, len(ids))
	for _, id := range ids {
		if status, ok := s.GetStatus(id); ok {
			out = append(out, status)
		}
	}
	return out
}

// ListConnectedAccounts flattens the cached account lists of all sessions
// currently Active or Extending.
func (s *Supervisor) ListConnectedAccounts() []domain.ConnectedAccount {
	var out []domain.ConnectedAccount
	for _, status := range s.ListSessions() {
		if status.State != domain.StateActive && status.State != domain.StateExtending {
			continue
		}
		for _, acct := range status.CachedAccounts {
			out = append(out, domain.ConnectedAccount{
				AccountID:     acct.ID,
				DisplayName:   acct.DisplayName,
				InstitutionID: status.InstitutionID,
				Balance:       acct.Balance,
				SessionState:  status.State,
			})
		}
	}
	return out
}

// FindAccount resolves a connected account to its owning institution.
func (s *Supervisor) FindAccount(accountID string) (domain.ConnectedAccount, bool) {
	for _, acct := range s.ListConnectedAccounts() {
		if acct.AccountID == accountID {
			return acct, true
		}
	}
	return domain.ConnectedAccount{}, false
}

// LeaseSession hands out the driver and token for an Active, healthy session.
// Used by the sync coordinator for page fetches.
func (s *Supervisor) LeaseSession(institutionID string) (domain.Driver, domain.SessionToken, error) {
	status, ok := s.GetStatus(institutionID)
	if !ok {
		return nil, "", domain.ErrSessionNotFound
	}
	if !status.Healthy {
		return nil, "", domain.ErrSessionNotActive
	}

	s.mu.RLock()
	w := s.workers[institutionID]
	token := s.tokens[institutionID]
	s.mu.RUnlock()
	if w == nil {
		return nil, "", domain.ErrSessionNotActive
	}
	return w.drv, token, nil
}

// ExtendNow performs a manual extend, serialized with the automatic timer
// through the worker's command channel. Returns false when the session is
// gone, Expired, or the extend itself failed.
func (s *Supervisor) ExtendNow(ctx context.Context, institutionID string) bool {
	s.mu.RLock()
	w := s.workers[institutionID]
	s.mu.RUnlock()
	if w == nil {
		return false
	}

	reply := make(chan bool, 1)
	select {
	case w.cmds <- extendCmd{reply: reply}:
	case <-w.done:
		return false
	case <-ctx.Done():
		return false
	}

	select {
	case ok := <-reply:
		return ok
	case <-ctx.Done():
		return false
	}
}

// Disconnect tears the session down: the worker logs out, cancels its timer,
// and publishes the Disconnected state. Already-ingested transactions are
// untouched. A session without a live worker (Expired, restart leftovers) is
// marked Disconnected directly.
func (s *Supervisor) Disconnect(ctx context.Context, institutionID string) error {
	s.mu.RLock()
	_, known := s.statuses[institutionID]
	w := s.workers[institutionID]
	s.mu.RUnlock()
	if !known {
		return domain.ErrSessionNotFound
	}

	if w != nil {
		reply := make(chan struct{})
		select {
		case w.cmds <- disconnectCmd{reply: reply}:
			select {
			case <-reply:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		case <-w.done:
			// Worker exited between lookup and send; fall through.
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.markDisconnected(institutionID)
	return nil
}

// Subscribe returns a channel of status change events and a cancel function.
// Cancel closes the channel so range loops over it terminate. Slow
// subscribers lose events rather than blocking the workers.
func (s *Supervisor) Subscribe() (<-chan domain.StatusEvent, func()) {
	ch := make(chan domain.StatusEvent, eventBuffer)

	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			// emit sends under subsMu, so closing here cannot race a send.
			close(ch)
		}
	}
	return ch, cancel
}

// RestoreFromStore loads persisted session records after a restart. Browser
// sessions do not survive a process restart, so anything that was live is
// demoted to Expired; the snapshots stay visible for status queries.
func (s *Supervisor) RestoreFromStore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	records, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list session records: %w", err)
	}

	for _, rec := range records {
		switch rec.State {
		case domain.StateActive, domain.StateExtending, domain.StateError:
			rec.State = domain.StateExpired
			if err := s.store.Save(ctx, rec); err != nil {
				slog.Warn("Failed to persist restored session", "institution", rec.InstitutionID, "error", err)
			}
		}

		s.mu.Lock()
		s.statuses[rec.InstitutionID] = statusFromRecord(rec)
		s.mu.Unlock()
		metrics.SessionsByState.WithLabelValues(string(rec.State)).Inc()
	}

	slog.Info("Restored session records", "count", len(records))
	return nil
}

// Stop disconnects every live session and waits for the workers to exit.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := s.Disconnect(ctx, id); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			slog.Warn("Disconnect during shutdown failed", "institution", id, "error", err)
		}
	}
	s.wg.Wait()
}

// --- internal helpers ---

func (s *Supervisor) isStale(status domain.SessionStatus, now time.Time) bool {
	if status.State != domain.StateActive {
		return false
	}
	return now.Sub(status.LastExtendedAt) >= s.cfg.ExtendInterval+s.cfg.Grace
}

func (s *Supervisor) stopWorker(institutionID string) {
	s.mu.RLock()
	w := s.workers[institutionID]
	s.mu.RUnlock()
	if w == nil {
		return
	}
	_ = s.Disconnect(context.Background(), institutionID)
}

func (s *Supervisor) removeWorker(institutionID string, w *worker) {
	s.mu.Lock()
	if s.workers[institutionID] == w {
		delete(s.workers, institutionID)
		delete(s.tokens, institutionID)
	}
	s.mu.Unlock()
}

func (s *Supervisor) markDisconnected(institutionID string) {
	s.mu.Lock()
	status, ok := s.statuses[institutionID]
	old := status.State
	if ok && old != domain.StateDisconnected {
		status.State = domain.StateDisconnected
		status.Healthy = false
		status.TimeToNextExtend = 0
		s.statuses[institutionID] = status
	}
	s.mu.Unlock()
	if !ok || old == domain.StateDisconnected {
		return
	}

	metrics.SessionsByState.WithLabelValues(string(old)).Dec()
	metrics.SessionsByState.WithLabelValues(string(domain.StateDisconnected)).Inc()
	s.emit(domain.StatusEvent{
		InstitutionID: institutionID,
		Old:           old,
		New:           domain.StateDisconnected,
		At:            s.clock.Now(),
	})

	if s.store != nil {
		if rec, err := s.store.Get(context.Background(), institutionID); err == nil {
			rec.State = domain.StateDisconnected
			if err := s.store.Save(context.Background(), *rec); err != nil {
				slog.Warn("Failed to persist disconnect", "institution", institutionID, "error", err)
			}
		}
	}
}

func (s *Supervisor) emit(ev domain.StatusEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func healthy(state domain.SessionState) bool {
	return state == domain.StateActive || state == domain.StateExtending
}

func timeToNext(lastExtended time.Time, interval time.Duration, now time.Time) time.Duration {
	d := lastExtended.Add(interval).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func statusFromRecord(rec domain.SessionRecord) domain.SessionStatus {
	return domain.SessionStatus{
		InstitutionID:    rec.InstitutionID,
		AccountProfileID: rec.AccountProfileID,
		Kind:             rec.Kind,
		State:            rec.State,
		Healthy:          false,
		CreatedAt:        rec.CreatedAt,
		LastActivityAt:   rec.LastActivityAt,
		LastExtendedAt:   rec.LastExtendedAt,
		ExtendCount:      rec.ExtendCount,
		TimeToNextExtend: 0,
		CachedAccounts:   rec.CachedAccounts,
	}
}
