package chromedp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/statecrawler/internal/browser"
)

type dialogAnswers struct {
	mu      sync.Mutex
	answers []bool
	done    chan struct{}
}

func (d *dialogAnswers) respond(accept bool) error {
	d.mu.Lock()
	d.answers = append(d.answers, accept)
	d.mu.Unlock()
	d.done <- struct{}{}
	return nil
}

func (d *dialogAnswers) get() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bool(nil), d.answers...)
}

func newTestPage(t *testing.T) (*Page, *dialogAnswers) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	p := newPage(nil, ctx, cancel, "MAIN")
	answers := &dialogAnswers{done: make(chan struct{}, 4)}
	p.respond = answers.respond
	return p, answers
}

func TestLifecycleTracksMainFrameOnly(t *testing.T) {
	t.Parallel()

	p, _ := newTestPage(t)
	p.handleEvent(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "CHILD", ParentID: "MAIN"}})
	p.handleEvent(&page.EventLifecycleEvent{FrameID: "CHILD", Name: "networkIdle"})
	assert.Equal(t, uint64(0), p.Navigations())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, p.WaitForNetworkIdle(ctx))

	p.handleEvent(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "MAIN"}})
	p.handleEvent(&page.EventLifecycleEvent{FrameID: "MAIN", Name: "init"})
	p.handleEvent(&page.EventLifecycleEvent{FrameID: "MAIN", Name: "networkIdle"})
	assert.Equal(t, uint64(1), p.Navigations())
	require.NoError(t, p.WaitForNetworkIdle(context.Background()))

	p.handleEvent(&page.EventNavigatedWithinDocument{FrameID: "MAIN", URL: "https://a.com/#x"})
	assert.Equal(t, uint64(2), p.Navigations())
	require.NoError(t, p.WaitForNetworkIdle(context.Background()), "same-document navigation keeps idle state")
}

func TestWaitForNavigation(t *testing.T) {
	t.Parallel()

	p, _ := newTestPage(t)
	before := p.Navigations()

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.handleEvent(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "MAIN"}})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.WaitForNavigation(ctx, before))

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	err := p.WaitForNavigation(short, p.Navigations())
	require.ErrorIs(t, err, browser.ErrNavigationTimeout)
}

func TestDialogsAcceptedByHandlerOrDismissed(t *testing.T) {
	t.Parallel()

	p, answers := newTestPage(t)

	p.handleEvent(&page.EventJavascriptDialogOpening{Message: "unhandled"})
	<-answers.done
	assert.Equal(t, []bool{false}, answers.get())

	var seen []string
	var mu sync.Mutex
	remove := p.OnDialog(func(d browser.Dialog) {
		mu.Lock()
		seen = append(seen, d.Message())
		mu.Unlock()
		_ = d.Accept()
		_ = d.Accept()
	})
	p.handleEvent(&page.EventJavascriptDialogOpening{Message: "are you sure?"})
	<-answers.done
	assert.Equal(t, []bool{false, true}, answers.get())
	mu.Lock()
	assert.Equal(t, []string{"are you sure?"}, seen)
	mu.Unlock()

	remove()
	p.handleEvent(&page.EventJavascriptDialogOpening{Message: "again"})
	<-answers.done
	assert.Equal(t, []bool{false, true, false}, answers.get())
}

func TestRequestsFanOut(t *testing.T) {
	t.Parallel()

	p, _ := newTestPage(t)
	var got []string
	remove := p.OnRequest(func(url string) { got = append(got, url) })
	p.handleEvent(&network.EventRequestWillBeSent{Request: &network.Request{URL: "https://a.com/api/items"}})
	p.handleEvent(&network.EventRequestWillBeSent{})
	remove()
	p.handleEvent(&network.EventRequestWillBeSent{Request: &network.Request{URL: "https://a.com/ignored"}})
	assert.Equal(t, []string{"https://a.com/api/items"}, got)
}

func TestScopedFollowsCallerDeadline(t *testing.T) {
	t.Parallel()

	p, _ := newTestPage(t)
	caller, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	runCtx, done := p.scoped(caller)
	defer done()
	<-runCtx.Done()
	assert.True(t, errors.Is(runCtx.Err(), context.DeadlineExceeded))

	caller2, cancel2 := context.WithCancel(context.Background())
	runCtx2, done2 := p.scoped(caller2)
	defer done2()
	cancel2()
	<-runCtx2.Done()
	assert.ErrorIs(t, runCtx2.Err(), context.Canceled)
}
