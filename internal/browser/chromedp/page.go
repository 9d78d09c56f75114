package chromedp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/statecrawler/internal/browser"
)

const dialogTimeout = 2 * time.Second

// lifecycle tracks main-frame navigations and network idleness from CDP
// events. Waiters block on changed, which is replaced after every update.
type lifecycle struct {
	mu      sync.Mutex
	changed chan struct{}
	navs    uint64
	idle    bool
}

func newLifecycle() *lifecycle {
	return &lifecycle{changed: make(chan struct{})}
}

func (l *lifecycle) update(fn func(l *lifecycle)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l)
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *lifecycle) wait(ctx context.Context, cond func(l *lifecycle) bool) error {
	for {
		l.mu.Lock()
		ok := cond(l)
		ch := l.changed
		l.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *lifecycle) navigations() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.navs
}

type dialog struct {
	message string
	respond func(accept bool) error
	once    sync.Once
}

func (d *dialog) Message() string { return d.message }

// Accept accepts the dialog. Only the first call reaches the browser.
func (d *dialog) Accept() error {
	var err error
	d.once.Do(func() { err = d.respond(true) })
	return err
}

func (d *dialog) dismiss() error {
	var err error
	d.once.Do(func() { err = d.respond(false) })
	return err
}

// Page is one tab.
type Page struct {
	browser.DOM

	sess   *Session
	ctx    context.Context
	cancel context.CancelFunc
	tid    target.ID
	life   *lifecycle

	dialogs  browser.Handlers[browser.DialogHandler]
	requests browser.Handlers[browser.RequestHandler]
	respond  func(accept bool) error

	closeOnce sync.Once
}

var _ browser.Page = (*Page)(nil)

func newPage(s *Session, ctx context.Context, cancel context.CancelFunc, tid target.ID) *Page {
	p := &Page{sess: s, ctx: ctx, cancel: cancel, tid: tid, life: newLifecycle()}
	p.DOM = browser.NewDOM(p)
	p.respond = p.respondDialog
	return p
}

func (p *Page) setup(scripts []string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("enable lifecycle events: %w", err)
		}
		for _, src := range scripts {
			if _, err := page.AddScriptToEvaluateOnNewDocument(src).Do(ctx); err != nil {
				return fmt.Errorf("install init script: %w", err)
			}
		}
		return nil
	})
}

func (p *Page) handleEvent(ev any) {
	switch e := ev.(type) {
	case *page.EventLifecycleEvent:
		if string(e.FrameID) != string(p.tid) {
			return
		}
		switch e.Name {
		case "init":
			p.life.update(func(l *lifecycle) { l.idle = false })
		case "networkIdle":
			p.life.update(func(l *lifecycle) { l.idle = true })
		}
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		p.life.update(func(l *lifecycle) {
			l.navs++
			l.idle = false
		})
	case *page.EventNavigatedWithinDocument:
		if string(e.FrameID) != string(p.tid) {
			return
		}
		p.life.update(func(l *lifecycle) { l.navs++ })
	case *page.EventJavascriptDialogOpening:
		// Responding issues a CDP call, which must not happen on the event
		// goroutine.
		go p.dispatchDialog(e.Message)
	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return
		}
		for _, h := range p.requests.Snapshot() {
			h(e.Request.URL)
		}
	}
}

func (p *Page) dispatchDialog(message string) {
	d := &dialog{message: message, respond: p.respond}
	handlers := p.dialogs.Snapshot()
	if len(handlers) == 0 {
		_ = d.dismiss()
		return
	}
	for _, h := range handlers {
		h(d)
	}
}

func (p *Page) respondDialog(accept bool) error {
	ctx, cancel := context.WithTimeout(p.ctx, dialogTimeout)
	defer cancel()
	if err := chromedp.Run(ctx, page.HandleJavaScriptDialog(accept)); err != nil {
		return fmt.Errorf("answer dialog: %w", err)
	}
	return nil
}

// scoped derives a context from the tab that ends with ctx.
func (p *Page) scoped(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(p.ctx)
	if dl, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, dl)
		inner := cancel
		cancel = func() {
			cancelDeadline()
			inner()
		}
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// Evaluate implements browser.Evaluator.
func (p *Page) Evaluate(ctx context.Context, expr string, out any) error {
	runCtx, done := p.scoped(ctx)
	defer done()
	awaitPromise := func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
		return ep.WithAwaitPromise(true)
	}
	if err := chromedp.Run(runCtx, chromedp.Evaluate(expr, out, awaitPromise)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// Goto navigates and waits for the load event.
func (p *Page) Goto(ctx context.Context, url string) error {
	p.life.update(func(l *lifecycle) { l.idle = false })
	runCtx, done := p.scoped(ctx)
	defer done()
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

// WaitForNetworkIdle waits for Chrome's networkIdle lifecycle event on the
// current document.
func (p *Page) WaitForNetworkIdle(ctx context.Context) error {
	if err := p.life.wait(ctx, func(l *lifecycle) bool { return l.idle }); err != nil {
		return fmt.Errorf("wait for network idle: %w", err)
	}
	return nil
}

// Navigations implements browser.Page.
func (p *Page) Navigations() uint64 {
	return p.life.navigations()
}

// WaitForNavigation implements browser.Page.
func (p *Page) WaitForNavigation(ctx context.Context, after uint64) error {
	if err := p.life.wait(ctx, func(l *lifecycle) bool { return l.navs > after }); err != nil {
		return fmt.Errorf("%w: %w", browser.ErrNavigationTimeout, err)
	}
	return nil
}

// URL returns the current document URL.
func (p *Page) URL(ctx context.Context) (string, error) {
	runCtx, done := p.scoped(ctx)
	defer done()
	var loc string
	if err := chromedp.Run(runCtx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

// OnDialog implements browser.Page.
func (p *Page) OnDialog(h browser.DialogHandler) func() {
	return p.dialogs.Add(h)
}

// OnRequest implements browser.Page.
func (p *Page) OnRequest(h browser.RequestHandler) func() {
	return p.requests.Add(h)
}

func (p *Page) captureLocalStorage(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()
	origin, items, err := p.LocalStorage(ctx)
	if err != nil || origin == "" || origin == "null" {
		return
	}
	p.sess.keepLocalStorage(origin, items)
}

// Close records the tab's localStorage and closes it.
func (p *Page) Close() error {
	p.closeOnce.Do(func() {
		p.captureLocalStorage(context.Background())
		p.cancel()
		p.sess.release(p)
	})
	return nil
}
