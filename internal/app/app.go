// Package app is the composition root of a crawl. It turns a config.Config into
// wired components, runs the session loop (plus the optional status server) and
// writes the report when the loop ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/statecrawler/internal/api"
	"github.com/JakeFAU/statecrawler/internal/auth"
	"github.com/JakeFAU/statecrawler/internal/browser"
	cdpdriver "github.com/JakeFAU/statecrawler/internal/browser/chromedp"
	pwdriver "github.com/JakeFAU/statecrawler/internal/browser/playwright"
	"github.com/JakeFAU/statecrawler/internal/config"
	"github.com/JakeFAU/statecrawler/internal/explorer"
	"github.com/JakeFAU/statecrawler/internal/filter"
	"github.com/JakeFAU/statecrawler/internal/formfill"
	"github.com/JakeFAU/statecrawler/internal/frontier"
	"github.com/JakeFAU/statecrawler/internal/id/uuid"
	"github.com/JakeFAU/statecrawler/internal/identity"
	"github.com/JakeFAU/statecrawler/internal/logging"
	"github.com/JakeFAU/statecrawler/internal/publisher/pubsub"
	"github.com/JakeFAU/statecrawler/internal/report"
	"github.com/JakeFAU/statecrawler/internal/session"
	"github.com/JakeFAU/statecrawler/internal/storage/gcs"
	"github.com/JakeFAU/statecrawler/internal/storage/local"
	"github.com/JakeFAU/statecrawler/internal/storage/postgres"
)

const (
	errorLogLimit    = 1000
	reportTargetCap  = 10000
	reportTimeout    = 30 * time.Second
	postgresMaxConns = 4
)

// Launcher starts a browser for the configured driver.
type Launcher func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (browser.Browser, error)

// LaunchBrowser is the default Launcher: chromedp unless playwright is asked for.
func LaunchBrowser(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (browser.Browser, error) {
	switch cfg.Driver {
	case "playwright":
		b, err := pwdriver.Launch(ctx, pwdriver.Config{
			Headless:          cfg.Headless,
			Proxy:             cfg.Proxy,
			IgnoreHTTPSErrors: cfg.IgnoreHTTPSErrors,
			UserAgent:         cfg.UserAgent,
			ExecPath:          cfg.ExecPath,
			Install:           cfg.Install,
		}, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "chromedp", "":
		b, err := cdpdriver.Launch(ctx, cdpdriver.Config{
			Headless:          cfg.Headless,
			Proxy:             cfg.Proxy,
			IgnoreHTTPSErrors: cfg.IgnoreHTTPSErrors,
			UserAgent:         cfg.UserAgent,
			ExecPath:          cfg.ExecPath,
		}, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown browser driver %q", cfg.Driver)
	}
}

// App holds the wired components of one crawl.
type App struct {
	cfg       config.Config
	runID     string
	startedAt time.Time
	logger    *zap.Logger
	errs      *logging.ErrorLog

	frontier  *frontier.Frontier
	filler    *formfill.Filler
	explorer  *explorer.Explorer
	store     *session.Store
	auth      *auth.Authenticator
	collector *report.Collector
	recorders []session.Recorder
	writer    *report.Writer

	launch    Launcher
	blobs     report.BlobStore
	pub       report.Publisher
	runner    auth.CommandRunner
	serveAddr string
	closers   []func() error
}

// Option customizes an App.
type Option func(*App)

// WithLauncher replaces the browser launcher.
func WithLauncher(l Launcher) Option {
	return func(a *App) {
		if l != nil {
			a.launch = l
		}
	}
}

// WithBlobStore replaces the report store chosen from config.
func WithBlobStore(s report.BlobStore) Option {
	return func(a *App) { a.blobs = s }
}

// WithPublisher replaces the notification publisher chosen from config.
func WithPublisher(p report.Publisher) Option {
	return func(a *App) { a.pub = p }
}

// WithAuthRunner replaces how the auth command is executed.
func WithAuthRunner(r auth.CommandRunner) Option {
	return func(a *App) { a.runner = r }
}

// WithRunID fixes the run ID instead of generating one.
func WithRunID(id string) Option {
	return func(a *App) { a.runID = id }
}

// WithServeAddr overrides the status server listen address.
func WithServeAddr(addr string) Option {
	return func(a *App) { a.serveAddr = addr }
}

// New wires every component named by cfg. The returned App must be closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:       cfg,
		launch:    LaunchBrowser,
		serveAddr: ":" + strconv.Itoa(cfg.Server.Port),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.runID == "" {
		id, err := uuid.New().NewRunID()
		if err != nil {
			return nil, err
		}
		a.runID = id
	}
	a.startedAt = time.Now().UTC()
	if ts, err := uuid.StartedAt(a.runID); err == nil {
		a.startedAt = ts
	}

	a.errs = logging.NewErrorLog(zapcore.WarnLevel, errorLogLimit)
	a.logger = logging.Tee(logger, a.errs).With(zap.String("run_id", a.runID))

	if err := a.wireCrawl(cfg); err != nil {
		return nil, err
	}
	if err := a.wireOutputs(ctx, cfg); err != nil {
		return nil, errors.Join(err, a.Close())
	}

	a.logger.Info("crawl wired",
		zap.String("start_url", cfg.Crawler.StartURL),
		zap.String("driver", cfg.Browser.Driver),
		zap.Int("max_depth", cfg.Crawler.MaxDepth),
	)
	return a, nil
}

func (a *App) wireCrawl(cfg config.Config) error {
	cc := cfg.Crawler
	policy := filter.Policy{
		AllowedDomains: filter.FallbackDomains(cc.StartURL, cc.AllowedDomains),
		StaticExts:     cc.StaticContentExtensions,
		DoNotClick:     filter.CompilePattern(cc.BlockedWords, "blocked_words", a.logger),
	}
	ignored := filter.CompilePattern(cc.IgnoreTokens, "ignore_tokens", a.logger)

	values, err := formfill.LoadPayload(cfg.Payload.Path)
	if err != nil {
		return fmt.Errorf("load form payload: %w", err)
	}

	a.frontier = frontier.New(policy, frontier.Config{MaxDepth: cc.MaxDepth, EndpointCap: cc.EndpointCap})
	a.filler = formfill.NewFiller(values)

	exOpts := []explorer.Option{explorer.WithLogger(a.logger.Named("explorer"))}
	if cc.PagesPerSecond > 0 {
		exOpts = append(exOpts, explorer.WithLimiter(rate.NewLimiter(rate.Limit(cc.PagesPerSecond), 1)))
	}
	a.explorer = explorer.New(explorer.Config{
		MaxDepth:       cc.MaxDepth,
		FollowRequests: cc.FollowRequests,
		Timeouts:       cc.Timeouts,
	}, a.frontier, identity.New(ignored), a.filler, exOpts...)

	if verdict, ok := a.explorer.Seed(cc.StartURL); !ok {
		return fmt.Errorf("start url %s rejected: %s", cc.StartURL, verdict)
	}

	a.store = session.NewStore(cfg.Session.SnapshotPath, cfg.Session.StorageStatePath)
	authOpts := []auth.Option{auth.WithLogger(a.logger.Named("auth"))}
	if a.runner != nil {
		authOpts = append(authOpts, auth.WithRunner(a.runner))
	}
	a.auth = auth.New(auth.Config{Command: cfg.Auth.Command, Timeout: cfg.Auth.Timeout}, a.store, authOpts...)

	a.collector = report.NewCollector(reportTargetCap)
	a.recorders = append(a.recorders, a.collector)
	return nil
}

func (a *App) wireOutputs(ctx context.Context, cfg config.Config) error {
	if cfg.DB.DSN != "" {
		ts, err := postgres.Open(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: postgresMaxConns,
		}, a.runID)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { ts.Close(); return nil })
		if err := ts.EnsureSchema(ctx); err != nil {
			return err
		}
		a.recorders = append(a.recorders, ts)
		a.logger.Info("recording targets to postgres", zap.String("table", cfg.DB.Table))
	}

	if a.blobs == nil {
		if cfg.Report.GCSBucket != "" {
			bs, err := gcs.Open(ctx, cfg.Report.GCSBucket)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, bs.Close)
			a.blobs = bs
		} else {
			bs, err := local.New(cfg.Report.Dir)
			if err != nil {
				return err
			}
			a.blobs = bs
		}
	}

	if a.pub == nil && cfg.PubSub.TopicName != "" {
		p, err := pubsub.Open(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName, map[string]string{"run_id": a.runID})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, p.Close)
		a.pub = p
	}

	wOpts := []report.WriterOption{
		report.WithPrefix(cfg.Report.Prefix),
		report.WithLogger(a.logger.Named("report")),
	}
	if a.pub != nil {
		wOpts = append(wOpts, report.WithPublisher(a.pub, cfg.PubSub.TopicName))
	}
	a.writer = report.NewWriter(a.blobs, wOpts...)
	return nil
}

// RunID identifies this crawl.
func (a *App) RunID() string { return a.runID }

// Frontier exposes the crawl frontier.
func (a *App) Frontier() *frontier.Frontier { return a.frontier }

// Run authenticates, crawls until the frontier drains or ctx ends, and writes
// the report. The report is written even when the crawl fails or is cancelled.
func (a *App) Run(ctx context.Context) (report.Report, error) {
	var mgr *session.Manager
	runErr := a.crawl(ctx, &mgr)

	rep := a.buildReport(mgr, runErr)
	// A cancelled crawl still gets its report.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	uri, err := a.writer.Write(wctx, rep)
	if err != nil {
		a.logger.Error("write report failed", zap.Error(err))
		return rep, errors.Join(runErr, err)
	}
	a.logger.Info("crawl finished",
		zap.String("status", rep.Status),
		zap.Int64("processed", rep.Stats.Processed),
		zap.Int("pending", rep.Pending),
		zap.String("report", uri),
	)
	return rep, runErr
}

func (a *App) crawl(ctx context.Context, mgrOut **session.Manager) error {
	creds := auth.Credentials{User: a.cfg.Auth.User, Pass: a.cfg.Auth.Pass}
	if err := a.auth.Authenticate(ctx, creds); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	b, err := a.launch(ctx, a.cfg.Browser, a.logger.Named("browser"))
	if err != nil {
		return fmt.Errorf("%w: %w", session.ErrLaunch, err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			a.logger.Warn("close browser failed", zap.Error(err))
		}
	}()

	mOpts := []session.Option{session.WithLogger(a.logger.Named("session"))}
	for _, r := range a.recorders {
		mOpts = append(mOpts, session.WithRecorder(r))
	}
	mgr := session.NewManager(b, a.frontier, a.explorer, a.store, a.filler,
		session.Config{RenewEvery: a.cfg.Crawler.RenewEvery}, mOpts...)
	*mgrOut = mgr

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer stop()
		_, err := mgr.Run(gctx)
		return err
	})
	if a.cfg.Server.Enabled {
		srv := api.NewServer(api.Deps{
			RunID:    a.runID,
			Frontier: a.frontier,
			Stats:    mgr,
			Errors:   a.errs,
			Values:   a.filler,
			Outcomes: a.collector,
		}, a.logger.Named("api"))
		g.Go(func() error { return srv.ListenAndServe(gctx, a.serveAddr) })
	}
	return g.Wait()
}

func (a *App) buildReport(mgr *session.Manager, runErr error) report.Report {
	rep := report.Report{
		RunID:         a.runID,
		StartURL:      a.cfg.Crawler.StartURL,
		Status:        report.StatusFor(runErr),
		StartedAt:     a.startedAt,
		FinishedAt:    time.Now().UTC(),
		Outcomes:      a.collector.Outcomes(),
		Pending:       a.frontier.Len(),
		FormValues:    a.filler.Values(),
		Targets:       a.collector.Records(),
		Errors:        a.errs.Entries(),
		DroppedErrors: a.errs.Dropped(),
	}
	if mgr != nil {
		rep.Stats = mgr.Stats()
	}
	if runErr != nil {
		rep.Error = runErr.Error()
	}
	return rep
}

// Close releases output clients in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}
