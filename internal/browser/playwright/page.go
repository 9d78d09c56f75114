package playwright

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pw "github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/statecrawler/internal/browser"
)

const defaultWait = 30 * time.Second

// navCounter counts main-frame navigations and wakes waiters on each one.
type navCounter struct {
	mu      sync.Mutex
	n       uint64
	changed chan struct{}
}

func newNavCounter() *navCounter {
	return &navCounter{changed: make(chan struct{})}
}

func (c *navCounter) inc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *navCounter) count() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *navCounter) waitPast(ctx context.Context, after uint64) error {
	for {
		c.mu.Lock()
		n, ch := c.n, c.changed
		c.mu.Unlock()
		if n > after {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type dialog struct {
	d    pw.Dialog
	once sync.Once
}

func (d *dialog) Message() string { return d.d.Message() }

func (d *dialog) Accept() error {
	var err error
	d.once.Do(func() { err = d.d.Accept() })
	return err
}

// Page wraps a Playwright page.
type Page struct {
	browser.DOM

	pg     pw.Page
	logger *zap.Logger
	navs   *navCounter

	dialogs  browser.Handlers[browser.DialogHandler]
	requests browser.Handlers[browser.RequestHandler]
}

var _ browser.Page = (*Page)(nil)

func newPage(pg pw.Page, logger *zap.Logger) *Page {
	p := &Page{pg: pg, logger: logger, navs: newNavCounter()}
	p.DOM = browser.NewDOM(p)
	pg.OnDialog(func(d pw.Dialog) { go p.dispatchDialog(d) })
	pg.OnFrameNavigated(func(f pw.Frame) {
		if f.ParentFrame() == nil {
			p.navs.inc()
		}
	})
	pg.OnRequest(func(r pw.Request) {
		for _, h := range p.requests.Snapshot() {
			h(r.URL())
		}
	})
	return p
}

func (p *Page) dispatchDialog(d pw.Dialog) {
	handlers := p.dialogs.Snapshot()
	if len(handlers) == 0 {
		if err := d.Dismiss(); err != nil {
			p.logger.Debug("dismiss dialog failed", zap.Error(err))
		}
		return
	}
	wrapped := &dialog{d: d}
	for _, h := range handlers {
		h(wrapped)
	}
}

// Evaluate implements browser.Evaluator. The result crosses the driver as a
// generic value and is re-decoded into out.
func (p *Page) Evaluate(ctx context.Context, expr string, out any) error {
	var res any
	err := blocking(ctx, func() error {
		var err error
		res, err = p.pg.Evaluate(expr)
		return err
	})
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return decodeInto(res, out)
}

func decodeInto(res, out any) error {
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode evaluation result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode evaluation result: %w", err)
	}
	return nil
}

// Goto navigates and waits for the load event.
func (p *Page) Goto(ctx context.Context, url string) error {
	err := blocking(ctx, func() error {
		_, err := p.pg.Goto(url, pw.PageGotoOptions{
			WaitUntil: pw.WaitUntilStateLoad,
			Timeout:   timeoutFor(ctx, defaultWait),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

// WaitForNetworkIdle implements browser.Page.
func (p *Page) WaitForNetworkIdle(ctx context.Context) error {
	err := blocking(ctx, func() error {
		return p.pg.WaitForLoadState(pw.PageWaitForLoadStateOptions{
			State:   pw.LoadStateNetworkidle,
			Timeout: timeoutFor(ctx, defaultWait),
		})
	})
	if err != nil {
		return fmt.Errorf("wait for network idle: %w", err)
	}
	return nil
}

// Navigations implements browser.Page.
func (p *Page) Navigations() uint64 { return p.navs.count() }

// WaitForNavigation implements browser.Page.
func (p *Page) WaitForNavigation(ctx context.Context, after uint64) error {
	if err := p.navs.waitPast(ctx, after); err != nil {
		return fmt.Errorf("%w: %w", browser.ErrNavigationTimeout, err)
	}
	return nil
}

// URL implements browser.Page.
func (p *Page) URL(context.Context) (string, error) {
	return p.pg.URL(), nil
}

// OnDialog implements browser.Page.
func (p *Page) OnDialog(h browser.DialogHandler) func() { return p.dialogs.Add(h) }

// OnRequest implements browser.Page.
func (p *Page) OnRequest(h browser.RequestHandler) func() { return p.requests.Add(h) }

// Close implements browser.Page.
func (p *Page) Close() error {
	if p.pg.IsClosed() {
		return nil
	}
	if err := p.pg.Close(); err != nil {
		return fmt.Errorf("close tab: %w", err)
	}
	return nil
}
