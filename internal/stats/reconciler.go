package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"financehub/internal/domain"
	"financehub/internal/metrics"
)

// Reconciler periodically recomputes aggregates from the transaction store
// and corrects the engine's incremental counters when they drift.
type Reconciler struct {
	engine   *Engine
	repo     domain.TransactionRepository
	interval time.Duration
	clock    clockwork.Clock
	stopCh   chan struct{}
}

func NewReconciler(engine *Engine, repo domain.TransactionRepository, interval time.Duration, clock clockwork.Clock) *Reconciler {
	return &Reconciler{
		engine:   engine,
		repo:     repo,
		interval: interval,
		clock:    clock,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the reconciliation loop until Stop is called.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if err := r.Reconcile(ctx); err != nil {
				slog.Error("Stats reconciliation failed", "error", err)
			}
		case <-r.stopCh:
			slog.Info("Stats reconciler stopped")
			return
		case <-ctx.Done():
			slog.Info("Stats reconciler context cancelled")
			return
		}
	}
}

// Stop gracefully stops the reconciliation loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

// Reconcile recomputes every tracked scope from scratch, replaces counters
// that disagree, and exports snapshots to the stats cache.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	metrics.StatsReconcileRunsTotal.Inc()

	scopes, err := r.repo.ListScopes(ctx)
	if err != nil {
		return fmt.Errorf("list scopes: %w", err)
	}
	scopes = append(scopes, domain.GlobalScope)
	scopes = mergeScopes(scopes, r.engine.trackedScopes())

	for _, scope := range scopes {
		fresh, err := r.engine.rebuildScope(ctx, scope)
		if err != nil {
			return fmt.Errorf("rebuild %s/%s: %w", scope.Kind, scope.ID, err)
		}

		current, currentMonths, tracked := r.engine.snapshot(scope)
		if !tracked || !current.Equal(fresh.total) || !monthsEqual(currentMonths, fresh.months) {
			if tracked {
				slog.Warn("Stats drift corrected",
					"scope_kind", scope.Kind,
					"scope_id", scope.ID,
					"cached_total", current.TotalTransactions,
					"actual_total", fresh.total.TotalTransactions)
				metrics.StatsDriftCorrectedTotal.Inc()
			}
			r.engine.replaceScope(scope, fresh)
		}

		if r.engine.cache != nil {
			if err := r.engine.cache.SaveSnapshot(ctx, scope, fresh.total); err != nil {
				slog.Warn("Failed to export stats snapshot",
					"scope_kind", scope.Kind,
					"scope_id", scope.ID,
					"error", err)
			}
		}
	}

	return nil
}

func mergeScopes(a, b []domain.Scope) []domain.Scope {
	seen := make(map[domain.Scope]struct{}, len(a))
	out := make([]domain.Scope, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func monthsEqual(a, b map[string]domain.AggregateStats) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !av.Equal(bv) {
			return false
		}
	}
	return true
}
