package report_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/statecrawler/internal/formfill"
	"github.com/JakeFAU/statecrawler/internal/logging"
	"github.com/JakeFAU/statecrawler/internal/publisher/memory"
	"github.com/JakeFAU/statecrawler/internal/report"
	"github.com/JakeFAU/statecrawler/internal/session"
	"github.com/JakeFAU/statecrawler/internal/storage/local"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	args := m.Called(ctx, path, contentType, r)
	return args.String(0), args.Error(1)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("topic not found")
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, report.StatusCompleted, report.StatusFor(nil))
	assert.Equal(t, report.StatusCancelled, report.StatusFor(context.Canceled))
	assert.Equal(t, report.StatusCancelled, report.StatusFor(fmt.Errorf("loop: %w", context.DeadlineExceeded)))
	assert.Equal(t, report.StatusFailed, report.StatusFor(session.ErrLaunch))
}

func TestCollectorCountsEveryOutcomeButBoundsRecords(t *testing.T) {
	t.Parallel()

	c := report.NewCollector(2)
	ctx := context.Background()
	for i, outcome := range []string{"explored", "load_failed", "explored", "navigated"} {
		require.NoError(t, c.RecordTarget(ctx, session.Record{URL: fmt.Sprintf("https://a.com/%d", i), Outcome: outcome}))
	}

	recs := c.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "https://a.com/0", recs[0].URL)
	assert.Equal(t, map[string]int{"explored": 2, "load_failed": 1, "navigated": 1}, c.Outcomes())
	assert.Equal(t, 2, c.Omitted())
}

func TestWriterStoresReportAndPublishes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(dir)
	require.NoError(t, err)
	pub := memory.New()
	w := report.NewWriter(store, report.WithPrefix("reports"), report.WithPublisher(pub, "crawl-finished"))

	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := report.Report{
		RunID:      "run-1",
		StartURL:   "https://a.com/",
		Status:     report.StatusCompleted,
		FinishedAt: finished,
		Stats:      session.Stats{Processed: 3, Renewals: 1},
		FormValues: formfill.Values{Fields: map[string]string{"email": "x@y.z"}, Types: map[string]string{}},
		Errors:     []logging.Entry{{Level: "warn", Message: "click failed"}},
	}

	uri, err := w.Write(context.Background(), r)
	require.NoError(t, err)
	want := filepath.Join(dir, "reports", "run-1", "report.json")
	assert.Equal(t, "file://"+want, uri)

	// #nosec G304 -- test reads from the controlled temp directory.
	raw, err := os.ReadFile(want)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "run-1", decoded["run_id"])
	assert.Equal(t, []any{}, decoded["targets"])
	assert.Equal(t, map[string]any{"email": "x@y.z"}, decoded["form_values"].(map[string]any)["fields"])

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "crawl-finished", msgs[0].Topic)
	var note report.Notification
	require.NoError(t, json.Unmarshal(msgs[0].Data, &note))
	assert.Equal(t, report.Notification{
		RunID:      "run-1",
		Status:     report.StatusCompleted,
		ReportURI:  uri,
		Processed:  3,
		Errors:     1,
		FinishedAt: finished,
	}, note)
}

func TestWriterPublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	store.On("PutObject", mock.Anything, "run-2/report.json", "application/json", mock.Anything).
		Return("memory://run-2/report.json", nil).Once()

	w := report.NewWriter(store, report.WithPublisher(failingPublisher{}, "t"))
	uri, err := w.Write(context.Background(), report.Report{RunID: "run-2"})
	require.NoError(t, err)
	assert.Equal(t, "memory://run-2/report.json", uri)
	store.AssertExpectations(t)
}

func TestWriterStoreFailure(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	store.On("PutObject", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("bucket gone"))

	w := report.NewWriter(store)
	_, err := w.Write(context.Background(), report.Report{RunID: "run-3"})
	require.ErrorContains(t, err, "bucket gone")

	_, err = w.Write(context.Background(), report.Report{})
	require.ErrorContains(t, err, "run id")
}
