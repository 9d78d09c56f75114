package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/statecrawler/internal/session"
)

func TestRecordTargetInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "", "run-7")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := session.Record{
		URL:         "https://shop.example.com/cart",
		Interaction: true,
		ClickPath:   []int{2, 0},
		Hash:        "abc123",
		Outcome:     "explored",
		FinalURL:    "https://shop.example.com/cart",
		Loaded:      true,
		Discovered:  4,
		Duration:    1500 * time.Millisecond,
		ProcessedAt: now,
	}

	mock.ExpectExec("INSERT INTO crawl_targets").
		WithArgs(
			"run-7",
			rec.Hash,
			rec.URL,
			true,
			[]byte(`[2,0]`),
			rec.Outcome,
			rec.FinalURL,
			true,
			4,
			int64(1500),
			now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordTarget(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTargetEmptyClickPath(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "targets", "run-1")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO targets").
		WithArgs("run-1", "h", "https://a.com/", false, []byte(`[]`), "load_failed", "", false, 0, int64(0), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err = store.RecordTarget(context.Background(), session.Record{URL: "https://a.com/", Hash: "h", Outcome: "load_failed"})
	require.ErrorContains(t, err, "insert target")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTargetRequiresHash(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "", "run-1")
	require.NoError(t, err)
	require.Error(t, store.RecordTarget(context.Background(), session.Record{URL: "https://a.com"}))
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "", "run-1")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_targets").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "", "run")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "targets; DROP TABLE x", "run")
	require.ErrorContains(t, err, "invalid table name")
}
