// Package playwright drives Chromium through playwright-go. It is the
// alternate engine; storage-state files are exchanged with the chromedp
// driver in the same layout.
package playwright

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pw "github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/statecrawler/internal/browser"
)

// Config controls the Playwright runtime and the launched browser.
type Config struct {
	Headless          bool
	Proxy             string
	IgnoreHTTPSErrors bool
	UserAgent         string
	ExecPath          string
	// Install downloads the Chromium build first.
	Install bool
}

// Browser is a running Chromium managed by Playwright.
type Browser struct {
	cfg    Config
	logger *zap.Logger
	pw     *pw.Playwright
	b      pw.Browser
}

var _ browser.Browser = (*Browser)(nil)

// Launch starts the Playwright driver and Chromium.
func Launch(_ context.Context, cfg Config, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Install {
		if err := pw.Install(&pw.RunOptions{Browsers: []string{"chromium"}}); err != nil {
			return nil, fmt.Errorf("install playwright: %w", err)
		}
	}
	runtime, err := pw.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	opts := pw.BrowserTypeLaunchOptions{Headless: pw.Bool(cfg.Headless)}
	if cfg.Proxy != "" {
		opts.Proxy = &pw.Proxy{Server: cfg.Proxy}
	}
	if cfg.ExecPath != "" {
		opts.ExecutablePath = pw.String(cfg.ExecPath)
	}
	b, err := runtime.Chromium.Launch(opts)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("launch chromium: %w", err), runtime.Stop())
	}
	logger.Info("playwright chromium started", zap.Bool("headless", cfg.Headless), zap.String("version", b.Version()))
	return &Browser{cfg: cfg, logger: logger, pw: runtime, b: b}, nil
}

// NewSession opens a browser context seeded from opts.
func (b *Browser) NewSession(_ context.Context, opts browser.SessionOptions) (browser.Session, error) {
	ctxOpts := pw.BrowserNewContextOptions{IgnoreHttpsErrors: pw.Bool(b.cfg.IgnoreHTTPSErrors)}
	if b.cfg.UserAgent != "" {
		ctxOpts.UserAgent = pw.String(b.cfg.UserAgent)
	}
	state, err := browser.LoadStorageState(opts.StorageStatePath)
	if err != nil {
		b.logger.Warn("storage state unreadable, starting empty", zap.Error(err))
	} else if len(state.Cookies) > 0 || len(state.Origins) > 0 {
		ctxOpts.StorageStatePath = pw.String(opts.StorageStatePath)
	}

	bc, err := b.b.NewContext(ctxOpts)
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	script, err := browser.SessionStorageInitScript(opts.SessionStorage)
	if err != nil {
		return nil, errors.Join(err, bc.Close())
	}
	if err := bc.AddInitScript(pw.Script{Content: pw.String(script)}); err != nil {
		return nil, errors.Join(fmt.Errorf("install session storage script: %w", err), bc.Close())
	}
	return &Session{bc: bc, logger: b.logger}, nil
}

// Close stops Chromium and the driver.
func (b *Browser) Close() error {
	var errs []error
	if err := b.b.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chromium: %w", err))
	}
	if err := b.pw.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop playwright: %w", err))
	}
	return errors.Join(errs...)
}

// Session wraps a BrowserContext.
type Session struct {
	bc     pw.BrowserContext
	logger *zap.Logger
	once   sync.Once
}

var _ browser.Session = (*Session)(nil)

// NewPage opens a tab.
func (s *Session) NewPage(ctx context.Context) (browser.Page, error) {
	var pg pw.Page
	err := blocking(ctx, func() error {
		var err error
		pg, err = s.bc.NewPage()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create tab: %w", err)
	}
	return newPage(pg, s.logger), nil
}

// SaveStorageState writes cookies and localStorage to path.
func (s *Session) SaveStorageState(ctx context.Context, path string) error {
	var st *pw.StorageState
	err := blocking(ctx, func() error {
		var err error
		st, err = s.bc.StorageState()
		return err
	})
	if err != nil {
		return fmt.Errorf("read storage state: %w", err)
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode storage state: %w", err)
	}
	return browser.WriteFileAtomic(path, raw)
}

// Close closes the context and its pages.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		if cerr := s.bc.Close(); cerr != nil {
			err = fmt.Errorf("close browser context: %w", cerr)
		}
	})
	return err
}

// blocking runs fn, returning early with ctx's error if ctx ends first. fn
// keeps running in the background in that case; Playwright calls cannot be
// interrupted.
func blocking(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// timeoutFor converts ctx's remaining time to Playwright milliseconds, or def
// when ctx has no deadline.
func timeoutFor(ctx context.Context, def time.Duration) *float64 {
	d := def
	if dl, ok := ctx.Deadline(); ok {
		d = time.Until(dl)
	}
	ms := float64(d.Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return pw.Float(ms)
}
