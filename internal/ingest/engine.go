// Package ingest turns raw scraped records into canonical transactions,
// assigns each a stable fingerprint, and inserts them idempotently.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"

	"financehub/internal/domain"
	"financehub/internal/metrics"
)

// Result reports one ingestion batch. Inserted holds the rows actually
// written, in source order, for downstream stats folding.
type Result struct {
	Inserted []domain.Transaction
	Skipped  int
}

// InsertedCount is a convenience for callers that only need the number.
func (r Result) InsertedCount() int { return len(r.Inserted) }

type Engine struct {
	repo  domain.TransactionRepository
	clock clockwork.Clock
}

func NewEngine(repo domain.TransactionRepository, clock clockwork.Clock) *Engine {
	return &Engine{repo: repo, clock: clock}
}

// Ingest normalizes and persists one standalone batch of raw records for an
// account. Batches that belong to the same sync run must instead go through a
// shared Run so the sequence index spans all of them.
func (e *Engine) Ingest(ctx context.Context, accountID, institutionID string, raws []domain.RawRecord) (Result, error) {
	run, err := e.NewRun(accountID, institutionID)
	if err != nil {
		return Result{}, err
	}
	return run.Ingest(ctx, raws)
}

// Run carries ingestion state across the batches of one sync run. Occurrence
// counts survive page boundaries: the nth identical record of a run gets
// sequence index n no matter which page it arrived on. A Run is not safe for
// concurrent use; each sync run owns exactly one.
type Run struct {
	engine        *Engine
	accountID     string
	institutionID string
	// Identical rows (same day, amount, description) are legitimate; the
	// occurrence count gives each a distinct sequence index. Occurrence order
	// is the source order across the whole run, which makes the index stable
	// across re-fetches of the same window.
	occurrences map[string]int
	seen        map[string]struct{}
}

func (e *Engine) NewRun(accountID, institutionID string) (*Run, error) {
	if accountID == "" {
		return nil, fmt.Errorf("account id is required")
	}
	return &Run{
		engine:        e,
		accountID:     accountID,
		institutionID: institutionID,
		occurrences:   make(map[string]int),
		seen:          make(map[string]struct{}),
	}, nil
}

// Ingest normalizes and persists one batch of the run. Duplicate
// fingerprints, whether within the run or against previously stored rows, are
// skipped and counted, never treated as failures. Replaying the same records
// through a fresh run yields Skipped == len(records).
func (r *Run) Ingest(ctx context.Context, raws []domain.RawRecord) (Result, error) {
	var (
		batch   []domain.Transaction
		skipped int
	)

	for _, raw := range raws {
		n, err := normalize(raw)
		if err != nil {
			slog.Warn("Dropping malformed record",
				"account", r.accountID,
				"institution", r.institutionID,
				"error", err)
			skipped++
			continue
		}

		key := occurrenceKey(r.accountID, n)
		seq := r.occurrences[key]
		r.occurrences[key] = seq + 1

		id := fingerprint(r.accountID, n, seq)
		if _, dup := r.seen[id]; dup {
			skipped++
			continue
		}
		r.seen[id] = struct{}{}

		batch = append(batch, domain.Transaction{
			ID:            id,
			AccountID:     r.accountID,
			InstitutionID: r.institutionID,
			BookedOn:      n.bookedOn,
			BookedAt:      n.bookedAt,
			Type:          n.txType,
			Description:   n.description,
			Counterparty:  n.counterparty,
			Withdrawal:    n.withdrawal,
			Deposit:       n.deposit,
			Balance:       n.balance,
			Metadata:      n.metadata,
			IngestedAt:    r.engine.clock.Now().UTC(),
		})
	}

	inserted, err := r.engine.repo.InsertBatch(ctx, batch)
	if err != nil {
		return Result{}, fmt.Errorf("insert batch: %w", err)
	}
	skipped += len(batch) - len(inserted)

	metrics.TransactionsIngestedTotal.Add(float64(len(inserted)))
	metrics.TransactionsSkippedTotal.Add(float64(skipped))

	return Result{Inserted: inserted, Skipped: skipped}, nil
}

func occurrenceKey(accountID string, n normalized) string {
	signed := n.deposit.Sub(n.withdrawal)
	return strings.Join([]string{
		accountID,
		n.bookedOn.Format("2006-01-02"),
		n.bookedAt,
		signed.StringFixed(2),
		n.description,
	}, "\x1f")
}
