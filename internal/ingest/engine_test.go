package ingest

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"financehub/internal/database/databasetest"
	"financehub/internal/domain"
)

func newEngine(t *testing.T) (*Engine, *databasetest.TransactionRepo) {
	t.Helper()
	repo := databasetest.NewTransactionRepo()
	return NewEngine(repo, clockwork.NewFakeClock()), repo
}

func record(date, amount, marker, desc string) domain.RawRecord {
	return domain.RawRecord{Date: date, Amount: amount, Marker: marker, Description: desc, Balance: "1000.00"}
}

func TestIngest_InsertsCanonicalRows(t *testing.T) {
	e, repo := newEngine(t)

	res, err := e.Ingest(context.Background(), "a-1", "bank-x", []domain.RawRecord{
		record("2024-03-01", "120.50", "D", "groceries"),
		record("2024-03-02", "2,000.00", "C", "salary"),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.InsertedCount())
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, 2, repo.Count())

	groceries := res.Inserted[0]
	assert.Equal(t, "a-1", groceries.AccountID)
	assert.Equal(t, "bank-x", groceries.InstitutionID)
	assert.True(t, groceries.Withdrawal.Equal(decimal.RequireFromString("120.50")))
	assert.True(t, groceries.Deposit.IsZero())

	salary := res.Inserted[1]
	assert.True(t, salary.Deposit.Equal(decimal.RequireFromString("2000.00")))
	assert.True(t, salary.Withdrawal.IsZero())
}

func TestIngest_Idempotent(t *testing.T) {
	e, _ := newEngine(t)
	raws := []domain.RawRecord{
		record("2024-03-01", "120.50", "D", "groceries"),
		record("2024-03-02", "2000.00", "C", "salary"),
		record("2024-03-03", "15.00", "D", "coffee"),
	}

	first, err := e.Ingest(context.Background(), "a-1", "bank-x", raws)
	require.NoError(t, err)
	assert.Equal(t, 3, first.InsertedCount())

	second, err := e.Ingest(context.Background(), "a-1", "bank-x", raws)
	require.NoError(t, err)
	assert.Equal(t, 0, second.InsertedCount())
	assert.Equal(t, 3, second.Skipped)
}

func TestIngest_OverlappingWindow(t *testing.T) {
	// 10 records, 3 of which duplicate a prior sync window.
	e, _ := newEngine(t)

	var prior []domain.RawRecord
	for _, desc := range []string{"dup-a", "dup-b", "dup-c"} {
		prior = append(prior, record("2024-03-01", "10.00", "D", desc))
	}
	_, err := e.Ingest(context.Background(), "a-1", "bank-x", prior)
	require.NoError(t, err)

	batch := append([]domain.RawRecord{}, prior...)
	for _, desc := range []string{"n1", "n2", "n3", "n4", "n5", "n6", "n7"} {
		batch = append(batch, record("2024-03-02", "20.00", "C", desc))
	}
	require.Len(t, batch, 10)

	res, err := e.Ingest(context.Background(), "a-1", "bank-x", batch)
	require.NoError(t, err)
	assert.Equal(t, 7, res.InsertedCount())
	assert.Equal(t, 3, res.Skipped)
}

func TestIngest_FormattingVariantsCollide(t *testing.T) {
	e, _ := newEngine(t)

	_, err := e.Ingest(context.Background(), "a-1", "bank-x", []domain.RawRecord{
		{Date: "2024-03-01", Amount: "1,234.50", Marker: "D", Description: "rent", Balance: "500.00"},
	})
	require.NoError(t, err)

	// Same economic event, different source formatting: signed amount
	// instead of a marker, slash date, no thousands separator.
	res, err := e.Ingest(context.Background(), "a-1", "bank-x", []domain.RawRecord{
		{Date: "2024/03/01", Amount: "-1234.50", Description: "rent", Balance: "500.00"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.InsertedCount())
	assert.Equal(t, 1, res.Skipped)
}

func TestIngest_IdenticalRowsKeepDistinctFingerprints(t *testing.T) {
	// Two genuinely identical rows in one window (two identical coffee
	// purchases on the same day) are distinct transactions.
	e, _ := newEngine(t)

	res, err := e.Ingest(context.Background(), "a-1", "bank-x", []domain.RawRecord{
		record("2024-03-01", "4.50", "D", "coffee"),
		record("2024-03-01", "4.50", "D", "coffee"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.InsertedCount())
	require.NotEqual(t, res.Inserted[0].ID, res.Inserted[1].ID)

	// Re-fetching the same window still skips both.
	again, err := e.Ingest(context.Background(), "a-1", "bank-x", []domain.RawRecord{
		record("2024-03-01", "4.50", "D", "coffee"),
		record("2024-03-01", "4.50", "D", "coffee"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, again.InsertedCount())
	assert.Equal(t, 2, again.Skipped)
}

func TestRun_SequenceIndexSpansBatches(t *testing.T) {
	// Two identical coffee purchases arriving on different pages of the same
	// sync run are distinct transactions: the occurrence count carries across
	// batches, so the second gets the next sequence index instead of
	// colliding with the first.
	e, repo := newEngine(t)

	run, err := e.NewRun("a-1", "bank-x")
	require.NoError(t, err)

	page1, err := run.Ingest(context.Background(), []domain.RawRecord{
		record("2024-03-01", "4.50", "D", "coffee"),
	})
	require.NoError(t, err)
	require.Equal(t, 1, page1.InsertedCount())

	page2, err := run.Ingest(context.Background(), []domain.RawRecord{
		record("2024-03-01", "4.50", "D", "coffee"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, page2.InsertedCount())
	assert.Equal(t, 0, page2.Skipped)
	assert.NotEqual(t, page1.Inserted[0].ID, page2.Inserted[0].ID)
	assert.Equal(t, 2, repo.Count())

	// Replaying the same pages through a fresh run skips everything.
	replay, err := e.NewRun("a-1", "bank-x")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		res, err := replay.Ingest(context.Background(), []domain.RawRecord{
			record("2024-03-01", "4.50", "D", "coffee"),
		})
		require.NoError(t, err)
		assert.Equal(t, 0, res.InsertedCount())
		assert.Equal(t, 1, res.Skipped)
	}
	assert.Equal(t, 2, repo.Count())
}

func TestIngest_MalformedRowsSkippedNotFatal(t *testing.T) {
	e, _ := newEngine(t)

	res, err := e.Ingest(context.Background(), "a-1", "bank-x", []domain.RawRecord{
		record("2024-03-01", "10.00", "D", "ok"),
		record("not-a-date", "10.00", "D", "bad date"),
		record("2024-03-01", "garbage", "D", "bad amount"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.InsertedCount())
	assert.Equal(t, 2, res.Skipped)
}

func TestIngest_RequiresAccountID(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Ingest(context.Background(), "", "bank-x", nil)
	require.Error(t, err)
}

func TestNormalize_Direction(t *testing.T) {
	tests := []struct {
		name       string
		raw        domain.RawRecord
		wantDep    string
		wantWithdr string
	}{
		{"debit marker", record("2024-01-01", "10.00", "D", "x"), "0", "10"},
		{"credit marker", record("2024-01-01", "10.00", "C", "x"), "10", "0"},
		{"lowercase debit word", record("2024-01-01", "10.00", "debit", "x"), "0", "10"},
		{"negative sign", record("2024-01-01", "-10.00", "", "x"), "0", "10"},
		{"positive sign", record("2024-01-01", "+10.00", "", "x"), "10", "0"},
		{"parentheses", record("2024-01-01", "(10.00)", "", "x"), "0", "10"},
		{"currency symbol", record("2024-01-01", "$10.00", "C", "x"), "10", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := normalize(tt.raw)
			require.NoError(t, err)
			assert.True(t, n.deposit.Equal(decimal.RequireFromString(tt.wantDep)), "deposit: got %s", n.deposit)
			assert.True(t, n.withdrawal.Equal(decimal.RequireFromString(tt.wantWithdr)), "withdrawal: got %s", n.withdrawal)
		})
	}
}

func TestNormalize_ZeroAmountWithoutMarkerRejected(t *testing.T) {
	_, err := normalize(record("2024-01-01", "0.00", "", "x"))
	require.Error(t, err)
}
