package supervisor

import (
	"context"
	"log/slog"
	"time"

	"financehub/internal/domain"
	"financehub/internal/metrics"
)

type extendCmd struct {
	reply chan bool
}

type disconnectCmd struct {
	reply chan struct{}
}

// worker owns one session. All mutations of rec, token and failures happen on
// the worker goroutine; the outside world interacts through cmds and through
// snapshots published into the supervisor's maps.
type worker struct {
	sup   *Supervisor
	drv   domain.Driver
	rec   domain.SessionRecord
	token domain.SessionToken

	failures int

	cmds        chan any
	expiryCheck chan struct{}
	done        chan struct{}
}

func newWorker(sup *Supervisor, drv domain.Driver, rec domain.SessionRecord, token domain.SessionToken) *worker {
	return &worker{
		sup:         sup,
		drv:         drv,
		rec:         rec,
		token:       token,
		cmds:        make(chan any),
		expiryCheck: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

func (w *worker) run() {
	defer func() {
		w.sup.removeWorker(w.rec.InstitutionID, w)
		close(w.done)
	}()

	timer := w.sup.clock.NewTimer(w.sup.cfg.ExtendInterval)
	defer timer.Stop()

	for {
		select {
		case <-timer.Chan():
			if w.stale() {
				w.expire("stale")
				return
			}
			// A manual extend may have renewed the session after this
			// fire was scheduled; skip instead of extending twice.
			if w.rec.State == domain.StateActive && w.sup.clock.Now().Sub(w.rec.LastExtendedAt) < w.sup.cfg.ExtendInterval {
				timer.Reset(timeToNext(w.rec.LastExtendedAt, w.sup.cfg.ExtendInterval, w.sup.clock.Now()))
				continue
			}
			if !w.performExtend("auto") && w.rec.State == domain.StateExpired {
				return
			}
			timer.Reset(w.nextDelay())

		case <-w.expiryCheck:
			if w.stale() {
				w.expire("stale")
				return
			}

		case cmd := <-w.cmds:
			switch c := cmd.(type) {
			case extendCmd:
				ok := w.performExtend("manual")
				c.reply <- ok
				if !ok && w.rec.State == domain.StateExpired {
					return
				}
				timer.Reset(w.nextDelay())
			case disconnectCmd:
				w.disconnect()
				close(c.reply)
				return
			}
		}
	}
}

// performExtend runs one extend attempt and applies the state machine:
// success returns to Active and resets the failure budget; failure moves to
// Error with backoff, or to Expired once the budget is exhausted.
func (w *worker) performExtend(trigger string) bool {
	old := w.rec.State
	w.rec.State = domain.StateExtending
	w.publish(old)

	err := w.drv.Extend(context.Background(), w.token)
	now := w.sup.clock.Now().UTC()

	if err == nil {
		w.rec.State = domain.StateActive
		w.rec.LastExtendedAt = now
		w.rec.LastActivityAt = now
		w.rec.ExtendCount++
		w.failures = 0
		w.publish(domain.StateExtending)
		w.persist(context.Background())
		metrics.SessionExtendsTotal.WithLabelValues(trigger, "success").Inc()
		slog.Debug("Session extended",
			"institution", w.rec.InstitutionID,
			"trigger", trigger,
			"extend_count", w.rec.ExtendCount)
		return true
	}

	w.failures++
	metrics.SessionExtendsTotal.WithLabelValues(trigger, "failure").Inc()
	slog.Warn("Session extend failed",
		"institution", w.rec.InstitutionID,
		"trigger", trigger,
		"consecutive_failures", w.failures,
		"error", err)

	if w.failures >= w.sup.cfg.MaxExtendFailures {
		w.rec.State = domain.StateExpired
		w.publish(domain.StateExtending)
		w.persist(context.Background())
		metrics.SessionExpirationsTotal.WithLabelValues("retry_exhausted").Inc()
		slog.Error("Session expired after exhausting extend retries",
			"institution", w.rec.InstitutionID,
			"failures", w.failures)
		return false
	}

	w.rec.State = domain.StateError
	w.publish(domain.StateExtending)
	w.persist(context.Background())
	return false
}

// nextDelay is the time until the next automatic extend attempt: the full
// interval while healthy, exponential backoff while in Error.
func (w *worker) nextDelay() time.Duration {
	if w.rec.State != domain.StateError {
		return w.sup.cfg.ExtendInterval
	}
	backoff := w.sup.cfg.RetryBaseBackoff
	for i := 1; i < w.failures; i++ {
		backoff *= 2
		if backoff >= w.sup.cfg.RetryMaxBackoff {
			return w.sup.cfg.RetryMaxBackoff
		}
	}
	if backoff > w.sup.cfg.RetryMaxBackoff {
		return w.sup.cfg.RetryMaxBackoff
	}
	return backoff
}

func (w *worker) stale() bool {
	if w.rec.State != domain.StateActive {
		return false
	}
	return w.sup.clock.Now().Sub(w.rec.LastExtendedAt) >= w.sup.cfg.ExtendInterval+w.sup.cfg.Grace
}

func (w *worker) expire(reason string) {
	old := w.rec.State
	w.rec.State = domain.StateExpired
	w.publish(old)
	w.persist(context.Background())
	metrics.SessionExpirationsTotal.WithLabelValues(reason).Inc()
	slog.Warn("Session expired", "institution", w.rec.InstitutionID, "reason", reason)
}

func (w *worker) disconnect() {
	logoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.drv.Logout(logoutCtx, w.token); err != nil {
		slog.Warn("Logout failed during disconnect",
			"institution", w.rec.InstitutionID,
			"error", err)
	}

	old := w.rec.State
	w.rec.State = domain.StateDisconnected
	w.publish(old)
	w.persist(context.Background())
	slog.Info("Session disconnected", "institution", w.rec.InstitutionID)
}

// requestExpiryCheck nudges the worker to re-evaluate staleness. Non-blocking;
// a pending nudge is enough.
func (w *worker) requestExpiryCheck() {
	select {
	case w.expiryCheck <- struct{}{}:
	default:
	}
}

// publish stores the post-transition snapshot and token, updates the state
// gauges, and notifies subscribers.
func (w *worker) publish(old domain.SessionState) {
	now := w.sup.clock.Now()
	status := statusFromRecord(w.rec)
	status.Healthy = healthy(w.rec.State)
	if status.Healthy {
		status.TimeToNextExtend = timeToNext(w.rec.LastExtendedAt, w.sup.cfg.ExtendInterval, now)
	}

	w.sup.mu.Lock()
	w.sup.statuses[w.rec.InstitutionID] = status
	w.sup.tokens[w.rec.InstitutionID] = w.token
	w.sup.mu.Unlock()

	if old != w.rec.State {
		if old != domain.StateNone {
			metrics.SessionsByState.WithLabelValues(string(old)).Dec()
		}
		metrics.SessionsByState.WithLabelValues(string(w.rec.State)).Inc()
		w.sup.emit(domain.StatusEvent{
			InstitutionID: w.rec.InstitutionID,
			Old:           old,
			New:           w.rec.State,
			At:            now,
		})
	}
}

// persist mirrors the record to the session store, best effort.
func (w *worker) persist(ctx context.Context) {
	if w.sup.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := w.sup.store.Save(ctx, w.rec); err != nil {
		slog.Warn("Failed to persist session record",
			"institution", w.rec.InstitutionID,
			"error", err)
	}
}
