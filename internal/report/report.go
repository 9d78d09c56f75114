// Package report assembles the end-of-run crawl report and hands it to the
// configured sinks.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/statecrawler/internal/formfill"
	"github.com/JakeFAU/statecrawler/internal/logging"
	"github.com/JakeFAU/statecrawler/internal/session"
)

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// BlobStore persists report bytes.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher announces a written report.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Report is the full record of one crawl.
type Report struct {
	RunID         string           `json:"run_id"`
	StartURL      string           `json:"start_url"`
	Status        string           `json:"status"`
	Error         string           `json:"error,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
	Stats         session.Stats    `json:"stats"`
	Outcomes      map[string]int   `json:"outcomes"`
	Pending       int              `json:"pending"`
	FormValues    formfill.Values  `json:"form_values"`
	Targets       []session.Record `json:"targets"`
	Errors        []logging.Entry  `json:"errors"`
	DroppedErrors int              `json:"dropped_errors,omitempty"`
}

// Notification is the message published after the report is stored.
type Notification struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	ReportURI  string    `json:"report_uri"`
	Processed  int64     `json:"processed"`
	Errors     int       `json:"errors"`
	FinishedAt time.Time `json:"finished_at"`
}

// StatusFor maps the crawl loop's error to a run status.
func StatusFor(err error) string {
	switch {
	case err == nil:
		return StatusCompleted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// Collector keeps processed-target records for the report. It implements
// session.Recorder and is safe for concurrent use.
type Collector struct {
	mu       sync.Mutex
	limit    int
	records  []session.Record
	outcomes map[string]int
	omitted  int
}

// NewCollector keeps at most limit records; non-positive means unbounded.
// Outcome counts always cover every record.
func NewCollector(limit int) *Collector {
	return &Collector{limit: limit, outcomes: map[string]int{}}
}

// RecordTarget implements session.Recorder.
func (c *Collector) RecordTarget(_ context.Context, r session.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[r.Outcome]++
	if c.limit > 0 && len(c.records) >= c.limit {
		c.omitted++
		return nil
	}
	c.records = append(c.records, r)
	return nil
}

// Records returns a copy of the kept records in processing order.
func (c *Collector) Records() []session.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.Record(nil), c.records...)
}

// Outcomes returns a copy of the per-outcome counts.
func (c *Collector) Outcomes() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.outcomes))
	for k, v := range c.outcomes {
		out[k] = v
	}
	return out
}

// Omitted is how many records were counted but not kept.
func (c *Collector) Omitted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.omitted
}

// Writer stores reports and publishes notifications.
type Writer struct {
	store  BlobStore
	pub    Publisher
	topic  string
	prefix string
	logger *zap.Logger
}

// WriterOption customizes a Writer.
type WriterOption func(*Writer)

// WithPublisher announces each stored report on topic.
func WithPublisher(p Publisher, topic string) WriterOption {
	return func(w *Writer) {
		w.pub = p
		w.topic = topic
	}
}

// WithPrefix sets the object key prefix.
func WithPrefix(prefix string) WriterOption {
	return func(w *Writer) { w.prefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) WriterOption {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWriter returns a Writer over store.
func NewWriter(store BlobStore, opts ...WriterOption) *Writer {
	w := &Writer{store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Key is the object path for a run: <prefix>/<run id>/report.json.
func (w *Writer) Key(runID string) string {
	return path.Join(w.prefix, runID, "report.json")
}

// Write stores r and, when a publisher is set, announces it. A publish
// failure is logged and does not fail the write.
func (w *Writer) Write(ctx context.Context, r Report) (string, error) {
	if r.RunID == "" {
		return "", fmt.Errorf("report run id is required")
	}
	if r.Targets == nil {
		r.Targets = []session.Record{}
	}
	if r.Errors == nil {
		r.Errors = []logging.Entry{}
	}
	if r.Outcomes == nil {
		r.Outcomes = map[string]int{}
	}
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	uri, err := w.store.PutObject(ctx, w.Key(r.RunID), "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("store report: %w", err)
	}
	w.logger.Info("crawl report stored", zap.String("run_id", r.RunID), zap.String("uri", uri))

	if w.pub == nil {
		return uri, nil
	}
	id, err := w.pub.Publish(ctx, w.topic, Notification{
		RunID:      r.RunID,
		Status:     r.Status,
		ReportURI:  uri,
		Processed:  r.Stats.Processed,
		Errors:     len(r.Errors),
		FinishedAt: r.FinishedAt,
	})
	if err != nil {
		w.logger.Warn("publish crawl notification failed", zap.String("run_id", r.RunID), zap.Error(err))
		return uri, nil
	}
	w.logger.Debug("crawl notification published", zap.String("message_id", id))
	return uri, nil
}
