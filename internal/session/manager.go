// Package session owns the browser context lifecycle and drives the crawl loop:
// take the frontier head, evaluate it, persist session state, complete it, and
// renew the context every so many targets.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/statecrawler/internal/browser"
	"github.com/JakeFAU/statecrawler/internal/explorer"
	"github.com/JakeFAU/statecrawler/internal/formfill"
	"github.com/JakeFAU/statecrawler/internal/frontier"
	"github.com/JakeFAU/statecrawler/internal/metrics"
)

// DefaultRenewEvery is how many targets one browser context serves.
const DefaultRenewEvery = 300

// ErrLaunch wraps failures to open a browser context. It is the only error that
// stops a crawl early.
var ErrLaunch = errors.New("session: browser launch failed")

// Evaluator processes one target in a session.
type Evaluator interface {
	Evaluate(ctx context.Context, sess browser.Session, t frontier.Target) explorer.Result
}

// Record describes one processed target.
type Record struct {
	URL         string        `json:"url"`
	Interaction bool          `json:"interaction"`
	ClickPath   []int         `json:"click_path,omitempty"`
	Hash        string        `json:"hash"`
	Outcome     string        `json:"outcome"`
	FinalURL    string        `json:"final_url,omitempty"`
	Loaded      bool          `json:"loaded"`
	Discovered  int           `json:"discovered"`
	Duration    time.Duration `json:"duration_ns"`
	ProcessedAt time.Time     `json:"processed_at"`
}

// Recorder receives a Record after every target.
type Recorder interface {
	RecordTarget(ctx context.Context, r Record) error
}

// Config controls the loop.
type Config struct {
	RenewEvery int
}

// Stats is a point-in-time view of the loop counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Renewals  int64 `json:"renewals"`
}

// Manager runs the crawl loop.
type Manager struct {
	browser   browser.Browser
	frontier  *frontier.Frontier
	eval      Evaluator
	store     *Store
	filler    *formfill.Filler
	cfg       Config
	logger    *zap.Logger
	recorders []Recorder
	now       func() time.Time

	processed atomic.Int64
	renewals  atomic.Int64
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRecorder adds a per-target sink.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorders = append(m.recorders, r)
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager wires a Manager. A non-positive RenewEvery selects DefaultRenewEvery.
func NewManager(
	b browser.Browser,
	fr *frontier.Frontier,
	eval Evaluator,
	store *Store,
	filler *formfill.Filler,
	cfg Config,
	opts ...Option,
) *Manager {
	if cfg.RenewEvery <= 0 {
		cfg.RenewEvery = DefaultRenewEvery
	}
	m := &Manager{
		browser:  b,
		frontier: fr,
		eval:     eval,
		store:    store,
		filler:   filler,
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Stats returns the loop counters; safe to call while Run is active.
func (m *Manager) Stats() Stats {
	return Stats{Processed: m.processed.Load(), Renewals: m.renewals.Load()}
}

// Run processes the frontier until it is empty or ctx ends, and returns the
// final form values. The browser context is closed on every exit path.
func (m *Manager) Run(ctx context.Context) (formfill.Values, error) {
	sess, err := m.open(ctx)
	if err != nil {
		return m.filler.Values(), err
	}
	defer func() {
		if sess == nil {
			return
		}
		if err := sess.Close(); err != nil {
			m.logger.Warn("close browser context failed", zap.Error(err))
		}
	}()

	sinceRenewal := 0
	for {
		if err := ctx.Err(); err != nil {
			return m.filler.Values(), err
		}
		target, ok := m.frontier.Head()
		if !ok {
			break
		}
		metrics.SetFrontierPending(m.frontier.Len())

		if sinceRenewal >= m.cfg.RenewEvery {
			sess, err = m.renew(ctx, sess)
			if err != nil {
				return m.filler.Values(), err
			}
			sinceRenewal = 0
		}

		start := m.now()
		res := m.eval.Evaluate(ctx, sess, target)
		if res.SessionStorage != nil {
			if err := m.store.SaveSnapshot(res.SessionStorage); err != nil {
				m.logger.Warn("persist session snapshot failed", zap.Error(err))
			}
		}
		m.frontier.Complete(target.Hash)
		sinceRenewal++
		m.processed.Add(1)

		m.record(ctx, Record{
			URL:         target.URL,
			Interaction: target.Interaction,
			ClickPath:   slices.Clone(target.ClickPath),
			Hash:        target.Hash,
			Outcome:     string(res.Outcome),
			FinalURL:    res.FinalURL,
			Loaded:      res.Loaded,
			Discovered:  res.Discovered,
			Duration:    m.now().Sub(start),
			ProcessedAt: m.now(),
		})
		m.logger.Info("target processed",
			zap.String("url", target.URL),
			zap.Ints("click_path", target.ClickPath),
			zap.String("outcome", string(res.Outcome)),
			zap.Int("discovered", res.Discovered),
			zap.Int("pending", m.frontier.Len()),
		)
	}
	metrics.SetFrontierPending(0)
	m.logger.Info("frontier drained", zap.Int64("processed", m.processed.Load()), zap.Int64("renewals", m.renewals.Load()))
	return m.filler.Values(), nil
}

func (m *Manager) open(ctx context.Context) (browser.Session, error) {
	snapshot, err := m.store.LoadSnapshot()
	if err != nil {
		m.logger.Warn("session snapshot unreadable, starting without it", zap.Error(err))
		snapshot = map[string]string{}
	}
	sess, err := m.browser.NewSession(ctx, browser.SessionOptions{
		StorageStatePath: m.store.StatePath(),
		SessionStorage:   snapshot,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	return sess, nil
}

// renew saves the storage state of sess, closes it and opens a fresh context
// seeded from the saved files.
func (m *Manager) renew(ctx context.Context, sess browser.Session) (browser.Session, error) {
	m.logger.Info("renewing browser context", zap.Int64("processed", m.processed.Load()))
	if err := sess.SaveStorageState(ctx, m.store.StatePath()); err != nil {
		m.logger.Warn("save storage state failed", zap.Error(err))
	}
	if err := sess.Close(); err != nil {
		m.logger.Warn("close browser context failed", zap.Error(err))
	}
	next, err := m.open(ctx)
	if err != nil {
		return nil, err
	}
	m.renewals.Add(1)
	metrics.ObserveRenewal()
	return next, nil
}

func (m *Manager) record(ctx context.Context, r Record) {
	for _, rec := range m.recorders {
		if err := rec.RecordTarget(ctx, r); err != nil {
			m.logger.Warn("record target failed", zap.String("url", r.URL), zap.Error(err))
		}
	}
}
