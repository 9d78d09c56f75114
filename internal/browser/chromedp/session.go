package chromedp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/statecrawler/internal/browser"
)

const captureTimeout = 2 * time.Second

// Session is one browser context.
type Session struct {
	b  *Browser
	id cdp.BrowserContextID

	mu      sync.Mutex
	scripts []string
	pages   map[*Page]struct{}
	state   browser.StorageState
	closed  bool
}

var _ browser.Session = (*Session)(nil)

func newSession(b *Browser, id cdp.BrowserContextID, state browser.StorageState) *Session {
	return &Session{b: b, id: id, pages: map[*Page]struct{}{}, state: state}
}

func (s *Session) restoreCookies(ctx context.Context, cookies []browser.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := toCookieParams(cookies)
	if err := storage.SetCookies(params).WithBrowserContextID(s.id).Do(s.b.exec(ctx)); err != nil {
		return fmt.Errorf("restore cookies: %w", err)
	}
	return nil
}

func (s *Session) buildInitScripts(sessionStorage map[string]string, origins []browser.Origin) error {
	ss, err := browser.SessionStorageInitScript(sessionStorage)
	if err != nil {
		return err
	}
	ls, err := browser.LocalStorageInitScript(origins)
	if err != nil {
		return err
	}
	s.scripts = []string{ls, ss}
	return nil
}

// NewPage opens a tab in this context with the init scripts installed.
func (s *Session) NewPage(ctx context.Context) (browser.Page, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("chromedp: session is closed")
	}
	scripts := append([]string(nil), s.scripts...)
	s.mu.Unlock()

	tid, err := target.CreateTarget("about:blank").WithBrowserContextID(s.id).Do(s.b.exec(ctx))
	if err != nil {
		return nil, fmt.Errorf("create tab: %w", err)
	}
	// Attach from the browser-level context so that cancelling the tab
	// closes only the tab.
	tabCtx, cancel := chromedp.NewContext(s.b.ctx, chromedp.WithTargetID(tid))
	p := newPage(s, tabCtx, cancel, tid)
	chromedp.ListenTarget(tabCtx, p.handleEvent)
	if err := chromedp.Run(tabCtx, p.setup(scripts)); err != nil {
		cancel()
		return nil, fmt.Errorf("prepare tab: %w", err)
	}

	s.mu.Lock()
	s.pages[p] = struct{}{}
	s.mu.Unlock()
	return p, nil
}

// keepLocalStorage records what a page held for its origin.
func (s *Session) keepLocalStorage(origin string, items map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SetOrigin(origin, items)
}

func (s *Session) release(p *Page) {
	s.mu.Lock()
	delete(s.pages, p)
	s.mu.Unlock()
}

// SaveStorageState writes the context's cookies and the localStorage seen so
// far to path.
func (s *Session) SaveStorageState(ctx context.Context, path string) error {
	s.mu.Lock()
	open := make([]*Page, 0, len(s.pages))
	for p := range s.pages {
		open = append(open, p)
	}
	s.mu.Unlock()
	for _, p := range open {
		p.captureLocalStorage(ctx)
	}

	cookies, err := storage.GetCookies().WithBrowserContextID(s.id).Do(s.b.exec(ctx))
	if err != nil {
		return fmt.Errorf("read cookies: %w", err)
	}

	s.mu.Lock()
	state := browser.StorageState{
		Cookies: fromCookies(cookies),
		Origins: append([]browser.Origin(nil), s.state.Origins...),
	}
	s.mu.Unlock()
	return state.Save(path)
}

// Close closes all tabs and disposes the context.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	open := make([]*Page, 0, len(s.pages))
	for p := range s.pages {
		open = append(open, p)
	}
	s.mu.Unlock()

	for _, p := range open {
		_ = p.Close()
	}
	s.b.forget(s)

	ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
	defer cancel()
	if err := target.DisposeBrowserContext(s.id).Do(s.b.exec(ctx)); err != nil {
		s.b.logger.Debug("dispose browser context failed", zap.Error(err))
	}
	return nil
}
