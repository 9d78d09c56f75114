// Package explorer evaluates one frontier target: it loads the page, replays the
// target's click path and feeds newly discovered links and clickables back into
// the frontier.
package explorer

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/statecrawler/internal/browser"
	"github.com/JakeFAU/statecrawler/internal/formfill"
	"github.com/JakeFAU/statecrawler/internal/frontier"
	"github.com/JakeFAU/statecrawler/internal/identity"
	"github.com/JakeFAU/statecrawler/internal/metrics"
)

// Timeouts bounds every browser wait.
type Timeouts struct {
	Load           time.Duration `mapstructure:"load"`
	NetworkIdle    time.Duration `mapstructure:"network_idle"`
	Navigation     time.Duration `mapstructure:"navigation"`
	NavigationIdle time.Duration `mapstructure:"navigation_idle"`
	Click          time.Duration `mapstructure:"click"`
	Handle         time.Duration `mapstructure:"handle"`
}

// DefaultTimeouts returns the stock waits.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Load:           30 * time.Second,
		NetworkIdle:    10 * time.Second,
		Navigation:     3 * time.Second,
		NavigationIdle: 10 * time.Second,
		Click:          2 * time.Second,
		Handle:         time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	def := DefaultTimeouts()
	pick := func(v, d time.Duration) time.Duration {
		if v <= 0 {
			return d
		}
		return v
	}
	return Timeouts{
		Load:           pick(t.Load, def.Load),
		NetworkIdle:    pick(t.NetworkIdle, def.NetworkIdle),
		Navigation:     pick(t.Navigation, def.Navigation),
		NavigationIdle: pick(t.NavigationIdle, def.NavigationIdle),
		Click:          pick(t.Click, def.Click),
		Handle:         pick(t.Handle, def.Handle),
	}
}

// Config controls exploration.
type Config struct {
	MaxDepth       int
	FollowRequests bool
	Timeouts       Timeouts
}

// Outcome summarizes how an evaluation ended.
type Outcome string

// Evaluation outcomes.
const (
	OutcomeLoadFailed  Outcome = "load_failed"
	OutcomeExplored    Outcome = "explored"
	OutcomeNavigated   Outcome = "navigated"
	OutcomeBranchEnded Outcome = "branch_ended"
	OutcomeCancelled   Outcome = "cancelled"
)

// Result is what one evaluation produced.
type Result struct {
	Outcome  Outcome
	Loaded   bool
	FinalURL string
	// SessionStorage is set when the initial load and settle both succeeded.
	SessionStorage map[string]string
	// Discovered counts targets the frontier accepted during this evaluation.
	Discovered int
}

// Explorer evaluates targets against a shared frontier.
type Explorer struct {
	cfg      Config
	frontier *frontier.Frontier
	ident    *identity.Identity
	filler   *formfill.Filler
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// Option customizes an Explorer.
type Option func(*Explorer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Explorer) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithLimiter paces page loads.
func WithLimiter(l *rate.Limiter) Option {
	return func(e *Explorer) { e.limiter = l }
}

// New builds an Explorer.
func New(cfg Config, fr *frontier.Frontier, ident *identity.Identity, filler *formfill.Filler, opts ...Option) *Explorer {
	cfg.Timeouts = cfg.Timeouts.withDefaults()
	e := &Explorer{
		cfg:      cfg,
		frontier: fr,
		ident:    ident,
		filler:   filler,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// URLTarget builds the pure navigation target for rawURL.
func (e *Explorer) URLTarget(rawURL string) frontier.Target {
	return frontier.Target{URL: identity.StripFragment(rawURL), Hash: e.ident.URLHash(rawURL)}
}

// Seed enqueues the crawl's starting URL.
func (e *Explorer) Seed(rawURL string) (frontier.Verdict, bool) {
	return e.enqueue(e.URLTarget(rawURL), e.logger)
}

func (e *Explorer) enqueue(t frontier.Target, logger *zap.Logger) (frontier.Verdict, bool) {
	v, ok := e.frontier.Enqueue(t)
	metrics.ObserveEnqueue(string(v))
	if !ok {
		logger.Debug("target not admitted",
			zap.String("url", t.URL),
			zap.Ints("click_path", t.ClickPath),
			zap.String("verdict", string(v)),
		)
	}
	return v, ok
}

type state int

const (
	stateLoading state = iota
	stateSettling
	stateExploringClicks
	stateExploringLinks
	stateDone
)

func (s state) String() string {
	switch s {
	case stateLoading:
		return "loading"
	case stateSettling:
		return "settling"
	case stateExploringClicks:
		return "exploring_clicks"
	case stateExploringLinks:
		return "exploring_links"
	default:
		return "done"
	}
}

// evaluation carries the per-target state between steps.
type evaluation struct {
	e       *Explorer
	page    browser.Page
	target  frontier.Target
	logger  *zap.Logger
	depth   int
	prefix  []int
	pageURL string
	found   atomic.Int64
	result  Result
}

// Evaluate processes one target on a fresh page of sess. It never fails: every
// browser error ends the branch and is reflected in the returned Result.
func (e *Explorer) Evaluate(ctx context.Context, sess browser.Session, t frontier.Target) Result {
	logger := e.logger.With(zap.String("url", t.URL), zap.Ints("click_path", t.ClickPath))
	logger.Debug("evaluating target")

	page, err := sess.NewPage(ctx)
	if err != nil {
		logger.Warn("open page failed", zap.Error(err))
		return Result{Outcome: OutcomeLoadFailed}
	}
	defer func() {
		if err := page.Close(); err != nil {
			logger.Debug("close page failed", zap.Error(err))
		}
	}()

	ev := &evaluation{e: e, page: page, target: t, logger: logger, pageURL: t.URL}
	if e.cfg.FollowRequests {
		remove := page.OnRequest(func(u string) {
			if _, ok := e.enqueue(e.URLTarget(u), logger); ok {
				ev.found.Add(1)
			}
		})
		defer remove()
	}

	for st := stateLoading; st != stateDone; {
		if ctx.Err() != nil {
			ev.result.Outcome = OutcomeCancelled
			break
		}
		next := ev.step(ctx, st)
		logger.Debug("state transition", zap.Stringer("from", st), zap.Stringer("to", next))
		st = next
	}

	ev.result.FinalURL = ev.pageURL
	ev.result.Discovered = int(ev.found.Load())
	metrics.ObserveTarget(t.URL, t.Interaction, string(ev.result.Outcome))
	return ev.result
}

func (ev *evaluation) step(ctx context.Context, st state) state {
	switch st {
	case stateLoading:
		return ev.load(ctx)
	case stateSettling:
		return ev.settle(ctx)
	case stateExploringClicks:
		return ev.replay(ctx)
	case stateExploringLinks:
		ev.scan(ctx)
		return stateDone
	default:
		return stateDone
	}
}

func (ev *evaluation) load(ctx context.Context) state {
	if ev.e.limiter != nil {
		if err := ev.e.limiter.Wait(ctx); err != nil {
			ev.result.Outcome = OutcomeCancelled
			return stateDone
		}
	}
	loadCtx, cancel := context.WithTimeout(ctx, ev.e.cfg.Timeouts.Load)
	defer cancel()

	start := time.Now()
	err := ev.page.Goto(loadCtx, ev.target.URL)
	metrics.ObservePageLoad(err == nil, time.Since(start))
	if err != nil {
		ev.logger.Warn("page load failed", zap.Error(err))
		ev.result.Outcome = OutcomeLoadFailed
		return stateDone
	}
	ev.result.Loaded = true
	return stateSettling
}

func (ev *evaluation) settle(ctx context.Context) state {
	idleCtx, cancel := context.WithTimeout(ctx, ev.e.cfg.Timeouts.NetworkIdle)
	err := ev.page.WaitForNetworkIdle(idleCtx)
	cancel()
	if err != nil {
		ev.logger.Info("network did not settle, exploring current DOM", zap.Error(err))
	} else {
		storeCtx, cancel := context.WithTimeout(ctx, ev.e.cfg.Timeouts.Click)
		storage, err := ev.page.SessionStorage(storeCtx)
		cancel()
		if err != nil {
			ev.logger.Warn("read session storage failed", zap.Error(err))
		} else {
			ev.result.SessionStorage = storage
		}
	}
	ev.refreshURL(ctx)
	if ev.target.Interaction && len(ev.target.ClickPath) > 0 {
		return stateExploringClicks
	}
	return stateExploringLinks
}

// replay walks the recorded click path. A navigation drops the rest of the path
// and continues with a link scan of the new page.
func (ev *evaluation) replay(ctx context.Context) state {
	path := ev.target.ClickPath
	for ev.depth < len(path) && ev.depth < ev.e.cfg.MaxDepth {
		navigated, ok := ev.clickAt(ctx, path[ev.depth])
		if !ok {
			ev.result.Outcome = OutcomeBranchEnded
			return stateDone
		}
		if navigated {
			ev.prefix = nil
			ev.refreshURL(ctx)
			ev.result.Outcome = OutcomeNavigated
			return stateExploringLinks
		}
		ev.depth++
	}
	ev.prefix = slices.Clone(path)
	ev.refreshURL(ctx)
	return stateExploringLinks
}

// clickAt performs one replay step. ok is false when the branch must end.
func (ev *evaluation) clickAt(ctx context.Context, index int) (navigated, ok bool) {
	t := ev.e.cfg.Timeouts
	logger := ev.logger.With(zap.Int("depth", ev.depth), zap.Int("index", index))

	countCtx, cancel := context.WithTimeout(ctx, t.Click)
	count, err := ev.page.ClickableCount(countCtx)
	cancel()
	if err != nil {
		logger.Warn("count clickables failed", zap.Error(err))
		metrics.ObserveClick("failed")
		return false, false
	}
	if index >= count {
		logger.Debug("clickable element is gone", zap.Int("count", count))
		metrics.ObserveClick("stale")
		return false, false
	}

	removeDialog := ev.page.OnDialog(ev.acceptDialog)
	defer removeDialog()

	if ev.e.filler != nil {
		fillCtx, cancel := context.WithTimeout(ctx, t.Handle)
		if _, err := ev.e.filler.Fill(fillCtx, ev.page, index); err != nil {
			logger.Info("filling form failed", zap.Error(err))
		}
		cancel()
	}

	before := ev.page.Navigations()
	clickCtx, cancel := context.WithTimeout(ctx, t.Click)
	err = ev.page.Click(clickCtx, index)
	cancel()
	if err != nil {
		logger.Debug("click did not succeed", zap.Error(err))
		metrics.ObserveClick("failed")
		return false, false
	}

	navCtx, cancel := context.WithTimeout(ctx, t.Navigation)
	err = ev.page.WaitForNavigation(navCtx, before)
	cancel()
	if err != nil {
		metrics.ObserveClick("stayed")
		return false, true
	}

	idleCtx, cancel := context.WithTimeout(ctx, t.NavigationIdle)
	err = ev.page.WaitForNetworkIdle(idleCtx)
	cancel()
	if err != nil {
		logger.Info("navigation did not settle, treating click as in-page", zap.Error(err))
		metrics.ObserveClick("stayed")
		return false, true
	}
	metrics.ObserveClick("navigated")
	return true, true
}

func (ev *evaluation) acceptDialog(d browser.Dialog) {
	ev.logger.Info("dialog raised", zap.String("message", d.Message()))
	if err := d.Accept(); err != nil {
		ev.logger.Warn("accept dialog failed", zap.Error(err))
	}
}

func (ev *evaluation) refreshURL(ctx context.Context) {
	urlCtx, cancel := context.WithTimeout(ctx, ev.e.cfg.Timeouts.Handle)
	defer cancel()
	current, err := ev.page.URL(urlCtx)
	if err != nil || current == "" {
		return
	}
	ev.pageURL = identity.StripFragment(current)
}

// scan enqueues every genuine link as a URL target and every clickable element,
// last first, as an interaction target under the current prefix.
func (ev *evaluation) scan(ctx context.Context) {
	t := ev.e.cfg.Timeouts
	if ev.result.Outcome == "" {
		ev.result.Outcome = OutcomeExplored
	}

	removeDialog := ev.page.OnDialog(ev.acceptDialog)
	defer removeDialog()

	linkCtx, cancel := context.WithTimeout(ctx, t.NetworkIdle)
	links, err := ev.page.Links(linkCtx)
	cancel()
	if err != nil {
		ev.logger.Warn("collect links failed", zap.Error(err))
		return
	}
	for _, link := range links {
		if link == "" {
			continue
		}
		if _, ok := ev.e.enqueue(ev.e.URLTarget(link), ev.logger); ok {
			ev.found.Add(1)
		}
	}

	countCtx, cancel := context.WithTimeout(ctx, t.Click)
	count, err := ev.page.ClickableCount(countCtx)
	cancel()
	if err != nil {
		ev.logger.Warn("count clickables failed", zap.Error(err))
		return
	}
	ev.logger.Debug("page scanned", zap.Int("links", len(links)), zap.Int("clickables", count))

	for index := count - 1; index >= 0; index-- {
		if ctx.Err() != nil {
			return
		}
		path := append(slices.Clone(ev.prefix), index)
		if len(path) > ev.e.cfg.MaxDepth {
			continue
		}

		handleCtx, cancel := context.WithTimeout(ctx, t.Handle)
		el, err := ev.page.Describe(handleCtx, index)
		cancel()
		if err != nil {
			ev.logger.Debug("describe clickable failed", zap.Int("index", index), zap.Error(err))
			continue
		}

		target := frontier.Target{
			URL:         ev.pageURL,
			Interaction: true,
			ClickPath:   path,
			Hash:        ev.e.ident.ElementHash(el.CSSPath, el.OuterHTML),
		}
		if _, ok := ev.e.enqueue(target, ev.logger); ok {
			ev.found.Add(1)
		}
		if !el.InForm {
			continue
		}
		target.Hash = ev.e.ident.FormHash(el.CSSPath, el.FormHTML, el.OuterHTML)
		if _, ok := ev.e.enqueue(target, ev.logger); ok {
			ev.found.Add(1)
		}
	}
}
