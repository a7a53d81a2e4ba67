// Package syncer coordinates bounded data pulls: one running operation per
// account, pages fetched through the session's driver, records handed to the
// ingest engine, and an append-only operation log sealed on completion.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"financehub/internal/domain"
	"financehub/internal/ingest"
	"financehub/internal/metrics"
	"financehub/internal/platform/retry"
	"financehub/internal/stats"
)

// Sessions is the slice of the session supervisor the coordinator needs:
// account resolution, driver leases, and lifecycle events.
type Sessions interface {
	FindAccount(accountID string) (domain.ConnectedAccount, bool)
	LeaseSession(institutionID string) (domain.Driver, domain.SessionToken, error)
	Subscribe() (<-chan domain.StatusEvent, func())
}

// Config bounds each sync run.
type Config struct {
	// MaxPages caps how many pages one run may fetch; hitting the cap seals
	// the run as Completed with whatever was ingested.
	MaxPages int
	// Timeout bounds the whole run.
	Timeout time.Duration
	// Retry governs individual page fetches.
	Retry retry.Policy
}

type runningOp struct {
	op           domain.SyncOperation
	cancel       context.CancelFunc
	disconnected bool
}

type Coordinator struct {
	sessions Sessions
	ingester *ingest.Engine
	stats    *stats.Engine
	ops      domain.SyncOperationRepository
	clock    clockwork.Clock
	cfg      Config

	mu      sync.Mutex
	running map[string]*runningOp

	stopEvents func()
	wg         sync.WaitGroup
}

func New(sessions Sessions, ingester *ingest.Engine, statsEngine *stats.Engine, ops domain.SyncOperationRepository, clock clockwork.Clock, cfg Config) *Coordinator {
	return &Coordinator{
		sessions: sessions,
		ingester: ingester,
		stats:    statsEngine,
		ops:      ops,
		clock:    clock,
		cfg:      cfg,
		running:  make(map[string]*runningOp),
	}
}

// Start subscribes to session lifecycle events so a disconnect can fail the
// affected runs instead of letting them time out. The runs are not aborted
// mid-page: the flag is observed between pages, so the in-flight page
// finishes ingesting before the operation seals.
func (c *Coordinator) Start() {
	events, cancel := c.sessions.Subscribe()
	c.stopEvents = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range events {
			if ev.New != domain.StateDisconnected {
				continue
			}
			c.mu.Lock()
			for _, ro := range c.running {
				if ro.op.InstitutionID == ev.InstitutionID {
					ro.disconnected = true
				}
			}
			c.mu.Unlock()
		}
	}()
}

// Stop cancels the event watcher and all running syncs, then waits for their
// sealing to finish.
func (c *Coordinator) Stop() {
	if c.stopEvents != nil {
		c.stopEvents()
	}
	c.mu.Lock()
	for _, ro := range c.running {
		ro.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// StartSync begins a sync for one connected account. If a run is already in
// flight for the account, that run's descriptor is returned instead of
// starting a second one.
func (c *Coordinator) StartSync(ctx context.Context, accountID string) (domain.SyncOperation, error) {
	acct, ok := c.sessions.FindAccount(accountID)
	if !ok {
		return domain.SyncOperation{}, domain.ErrAccountNotFound
	}
	if _, _, err := c.sessions.LeaseSession(acct.InstitutionID); err != nil {
		return domain.SyncOperation{}, err
	}

	c.mu.Lock()
	if existing, inFlight := c.running[accountID]; inFlight {
		op := existing.op
		c.mu.Unlock()
		return op, nil
	}

	runCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	ro := &runningOp{
		op: domain.SyncOperation{
			ID:               uuid.New(),
			AccountID:        accountID,
			InstitutionID:    acct.InstitutionID,
			Status:           domain.SyncRunning,
			StartedAt:        c.clock.Now().UTC(),
			TotalDeposits:    decimal.Zero,
			TotalWithdrawals: decimal.Zero,
		},
		cancel: cancel,
	}
	c.running[accountID] = ro
	c.mu.Unlock()

	if err := c.ops.Insert(ctx, ro.op); err != nil {
		c.mu.Lock()
		delete(c.running, accountID)
		c.mu.Unlock()
		cancel()
		return domain.SyncOperation{}, fmt.Errorf("record sync operation: %w", err)
	}

	metrics.SyncRunning.Inc()
	slog.Info("Sync started",
		"sync_id", ro.op.ID,
		"account", accountID,
		"institution", acct.InstitutionID)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.runSync(runCtx, ro)
	}()

	return ro.op, nil
}

// GetSync returns one operation from the log, running or sealed.
func (c *Coordinator) GetSync(ctx context.Context, id uuid.UUID) (*domain.SyncOperation, error) {
	return c.ops.GetByID(ctx, id)
}

// ListSyncs returns the most recent operations for an account.
func (c *Coordinator) ListSyncs(ctx context.Context, accountID string, limit int) ([]domain.SyncOperation, error) {
	return c.ops.ListByAccount(ctx, accountID, limit)
}

func (c *Coordinator) runSync(ctx context.Context, ro *runningOp) {
	op := ro.op
	var (
		count       int
		deposits    = decimal.Zero
		withdrawals = decimal.Zero
		cursor      string
		runErr      error
	)

	// One ingestion run for the whole sync: the dedup sequence index must
	// span page boundaries, not reset per page.
	run, err := c.ingester.NewRun(op.AccountID, op.InstitutionID)
	if err != nil {
		runErr = err
	}

	for page := 0; runErr == nil && page < c.cfg.MaxPages; page++ {
		drv, token, err := c.sessions.LeaseSession(op.InstitutionID)
		if err != nil {
			runErr = err
			break
		}

		p, err := retry.Do(ctx, c.cfg.Retry, classifyFetch, func() (domain.Page, error) {
			return drv.FetchPage(ctx, token, op.AccountID, cursor)
		})
		if err != nil {
			runErr = err
			break
		}

		result, err := run.Ingest(ctx, p.Records)
		if err != nil {
			runErr = err
			break
		}
		c.stats.OnIngested(op.AccountID, op.InstitutionID, result.Inserted)

		count += len(result.Inserted)
		for _, tx := range result.Inserted {
			deposits = deposits.Add(tx.Deposit)
			withdrawals = withdrawals.Add(tx.Withdrawal)
		}

		// The in-flight page has been fully ingested; now honor a
		// disconnect that arrived while it was being fetched.
		if c.isDisconnected(ro) {
			runErr = errSessionDisconnected
			break
		}

		if p.NextCursor == "" {
			break
		}
		if page == c.cfg.MaxPages-1 {
			slog.Warn("Sync reached page cap, truncating",
				"sync_id", op.ID,
				"account", op.AccountID,
				"pages", c.cfg.MaxPages)
			break
		}
		cursor = p.NextCursor
	}

	now := c.clock.Now().UTC()
	op.CompletedAt = &now
	op.DurationMs = now.Sub(op.StartedAt).Milliseconds()
	op.TotalCount = count
	op.TotalDeposits = deposits
	op.TotalWithdrawals = withdrawals

	if runErr != nil {
		op.Status = domain.SyncFailed
		op.ErrorMessage = c.failureMessage(ro, ctx, runErr)
	} else {
		op.Status = domain.SyncCompleted
	}

	sealCtx, cancelSeal := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSeal()
	if err := c.ops.Seal(sealCtx, op); err != nil {
		slog.Error("Failed to seal sync operation", "sync_id", op.ID, "error", err)
	}

	c.mu.Lock()
	delete(c.running, op.AccountID)
	c.mu.Unlock()

	metrics.SyncRunning.Dec()
	metrics.SyncOperationsTotal.WithLabelValues(string(op.Status)).Inc()
	metrics.SyncDurationSeconds.Observe(now.Sub(op.StartedAt).Seconds())

	if runErr != nil {
		slog.Warn("Sync failed",
			"sync_id", op.ID,
			"account", op.AccountID,
			"ingested", count,
			"error", runErr)
		return
	}
	slog.Info("Sync completed",
		"sync_id", op.ID,
		"account", op.AccountID,
		"ingested", count,
		"deposits", deposits.String(),
		"withdrawals", withdrawals.String())
}

// errSessionDisconnected seals runs whose session was torn down mid-sync.
var errSessionDisconnected = errors.New("session disconnected")

func (c *Coordinator) isDisconnected(ro *runningOp) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ro.disconnected
}

// failureMessage keeps the sealed reason short and stable for the common
// teardown cases.
func (c *Coordinator) failureMessage(ro *runningOp, ctx context.Context, runErr error) string {
	if c.isDisconnected(ro) || errors.Is(runErr, errSessionDisconnected) {
		return "session disconnected"
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "sync timed out"
	}
	return runErr.Error()
}

func classifyFetch(err error) retry.Action {
	switch {
	case errors.Is(err, domain.ErrAuthFailed),
		errors.Is(err, domain.ErrSessionNotActive),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return retry.Stop
	default:
		return retry.Retry
	}
}
