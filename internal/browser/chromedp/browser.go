// Package chromedp drives Chrome over the DevTools protocol. Each session is a
// separate browser context; each page is a tab attached inside it.
package chromedp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/statecrawler/internal/browser"
)

// Config controls the Chrome process.
type Config struct {
	Headless          bool
	Proxy             string
	IgnoreHTTPSErrors bool
	UserAgent         string
	ExecPath          string
}

// Browser is a running Chrome instance.
type Browser struct {
	cfg         Config
	logger      *zap.Logger
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

var _ browser.Browser = (*Browser)(nil)

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.IgnoreHTTPSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if cfg.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.Proxy))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// Launch starts Chrome. The process lives until Close or until parent ends.
func Launch(parent context.Context, cfg Config, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, allocatorOptions(cfg)...)
	ctx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Debugf),
	)
	// The first Run starts the process and must use the context returned by
	// NewContext.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	logger.Info("chrome started", zap.Bool("headless", cfg.Headless), zap.String("proxy", cfg.Proxy))
	return &Browser{
		cfg:         cfg,
		logger:      logger,
		allocCancel: allocCancel,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    map[*Session]struct{}{},
	}, nil
}

// exec binds ctx to the browser-level CDP connection.
func (b *Browser) exec(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, chromedp.FromContext(b.ctx).Browser)
}

// NewSession creates a fresh browser context and restores cookies and
// localStorage from opts.StorageStatePath.
func (b *Browser) NewSession(ctx context.Context, opts browser.SessionOptions) (browser.Session, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, errors.New("chromedp: browser is closed")
	}

	state, err := browser.LoadStorageState(opts.StorageStatePath)
	if err != nil {
		b.logger.Warn("storage state unreadable, starting empty", zap.Error(err))
		state = browser.StorageState{}
	}

	create := target.CreateBrowserContext().WithDisposeOnDetach(true)
	if b.cfg.Proxy != "" {
		create = create.WithProxyServer(b.cfg.Proxy)
	}
	id, err := create.Do(b.exec(ctx))
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}

	s := newSession(b, id, state)
	if err := s.restoreCookies(ctx, state.Cookies); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.buildInitScripts(opts.SessionStorage, state.Origins); err != nil {
		_ = s.Close()
		return nil, err
	}

	b.mu.Lock()
	b.sessions[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

func (b *Browser) forget(s *Session) {
	b.mu.Lock()
	delete(b.sessions, s)
	b.mu.Unlock()
}

// Close closes every session and stops Chrome.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := make([]*Session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.Close())
	}
	b.cancel()
	b.allocCancel()
	return errors.Join(errs...)
}
