// Package browsertest provides an in-memory browser.Browser backed by goquery
// documents. Pages are static HTML; clicks have scripted effects.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/statecrawler/internal/browser"
)

// ErrNotFound is returned by Goto for URLs the Site does not serve.
var ErrNotFound = errors.New("browsertest: page not found")

// ClickEffect scripts what clicking one clickable index does.
type ClickEffect struct {
	// Navigate loads this URL after the click.
	Navigate string
	// Dialog raises a dialog with this message.
	Dialog string
	// Replace swaps the document for this HTML without a navigation.
	Replace string
	// Err makes the click itself fail.
	Err error
	// IdleErr makes the network-idle wait after the click fail.
	IdleErr error
}

// PageSpec is one servable page.
type PageSpec struct {
	HTML     string
	LoadErr  error
	IdleErr  error
	Requests []string
	Clicks   map[int]ClickEffect
}

// Site maps URLs to pages.
type Site struct {
	mu             sync.Mutex
	pages          map[string]PageSpec
	sessionStorage map[string]string
	loads          map[string]int
}

// NewSite returns an empty site.
func NewSite() *Site {
	return &Site{
		pages:          map[string]PageSpec{},
		sessionStorage: map[string]string{},
		loads:          map[string]int{},
	}
}

// Handle serves spec at rawURL.
func (s *Site) Handle(rawURL string, spec PageSpec) *Site {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[rawURL] = spec
	return s
}

// SetSessionStorage sets what every page reports as window.sessionStorage.
func (s *Site) SetSessionStorage(entries map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionStorage = maps.Clone(entries)
}

// Loads reports how many times rawURL was loaded through Goto.
func (s *Site) Loads(rawURL string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[rawURL]
}

func (s *Site) page(rawURL string, countLoad bool) (PageSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.pages[rawURL]
	if countLoad {
		s.loads[rawURL]++
	}
	return spec, ok
}

// Browser is an in-memory browser.Browser.
type Browser struct {
	site *Site

	mu       sync.Mutex
	sessions []*Session
	// LaunchErr, when set, is returned by NewSession.
	LaunchErr error
	closed    bool
}

// NewBrowser serves site.
func NewBrowser(site *Site) *Browser {
	return &Browser{site: site}
}

// NewSession implements browser.Browser.
func (b *Browser) NewSession(_ context.Context, opts browser.SessionOptions) (browser.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.LaunchErr != nil {
		return nil, b.LaunchErr
	}
	opts.SessionStorage = maps.Clone(opts.SessionStorage)
	s := &Session{site: b.site, Options: opts}
	b.sessions = append(b.sessions, s)
	return s, nil
}

// Sessions returns every session opened so far.
func (b *Browser) Sessions() []*Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Session(nil), b.sessions...)
}

// Close implements browser.Browser.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Session is an in-memory browser.Session.
type Session struct {
	site    *Site
	Options browser.SessionOptions

	mu     sync.Mutex
	pages  []*Page
	saved  []string
	closed bool
}

// NewPage implements browser.Session.
func (s *Session) NewPage(context.Context) (browser.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("browsertest: session closed")
	}
	p := &Page{site: s.site, Filled: map[int][]browser.FieldValue{}}
	s.pages = append(s.pages, p)
	return p, nil
}

// SaveStorageState writes an empty storage state to path and records the call.
func (s *Session) SaveStorageState(_ context.Context, path string) error {
	s.mu.Lock()
	s.saved = append(s.saved, path)
	s.mu.Unlock()
	return browser.StorageState{}.Save(path)
}

// Close implements browser.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Saved lists the paths passed to SaveStorageState.
func (s *Session) Saved() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saved...)
}

// Pages returns every page opened in this session.
func (s *Session) Pages() []*Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Page(nil), s.pages...)
}

// Page is an in-memory browser.Page.
type Page struct {
	site     *Site
	mu       sync.Mutex
	url      string
	spec     PageSpec
	doc      *goquery.Document
	navs     uint64
	idleErr  error
	closed   bool
	dialogs  browser.Handlers[browser.DialogHandler]
	requests browser.Handlers[browser.RequestHandler]

	// Filled records form assignments per clickable index.
	Filled map[int][]browser.FieldValue
	// Clicked records clicked indices in order.
	Clicked []int
	// Accepted records dialog messages accepted by a handler.
	Accepted []string
	// Dismissed records dialog messages raised with no handler registered.
	Dismissed []string
}

func (p *Page) load(rawURL string, countLoad bool) error {
	spec, ok := p.site.page(rawURL, countLoad)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	}
	if spec.LoadErr != nil {
		return spec.LoadErr
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(spec.HTML))
	if err != nil {
		return fmt.Errorf("parse %s: %w", rawURL, err)
	}
	p.mu.Lock()
	p.url = rawURL
	p.spec = spec
	p.doc = doc
	p.navs++
	p.idleErr = spec.IdleErr
	p.mu.Unlock()

	for _, req := range spec.Requests {
		for _, h := range p.requests.Snapshot() {
			h(req)
		}
	}
	return nil
}

// Goto implements browser.Page.
func (p *Page) Goto(ctx context.Context, rawURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.load(rawURL, true)
}

// WaitForNetworkIdle implements browser.Page.
func (p *Page) WaitForNetworkIdle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleErr
}

// Navigations implements browser.Page.
func (p *Page) Navigations() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.navs
}

// WaitForNavigation implements browser.Page. Clicks take effect synchronously,
// so there is nothing to wait for.
func (p *Page) WaitForNavigation(_ context.Context, after uint64) error {
	if p.Navigations() > after {
		return nil
	}
	return browser.ErrNavigationTimeout
}

// URL implements browser.Page.
func (p *Page) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

// OnDialog implements browser.Page.
func (p *Page) OnDialog(h browser.DialogHandler) func() { return p.dialogs.Add(h) }

// OnRequest implements browser.Page.
func (p *Page) OnRequest(h browser.RequestHandler) func() { return p.requests.Add(h) }

// DialogHandlers reports how many dialog handlers are registered.
func (p *Page) DialogHandlers() int { return p.dialogs.Len() }

func (p *Page) document() (*goquery.Document, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return nil, "", errors.New("browsertest: no document loaded")
	}
	return p.doc, p.url, nil
}

// Links implements browser.Page.
func (p *Page) Links(context.Context) ([]string, error) {
	doc, base, err := p.document()
	if err != nil {
		return nil, err
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	var links []string
	doc.Find(browser.LinkSelector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		links = append(links, baseURL.ResolveReference(ref).String())
	})
	return links, nil
}

func (p *Page) clickable(index int) (*goquery.Selection, error) {
	doc, _, err := p.document()
	if err != nil {
		return nil, err
	}
	all := doc.Find(browser.ClickableSelector)
	if index < 0 || index >= all.Length() {
		return nil, browser.ErrStaleElement
	}
	return all.Eq(index), nil
}

// ClickableCount implements browser.Page.
func (p *Page) ClickableCount(context.Context) (int, error) {
	doc, _, err := p.document()
	if err != nil {
		return 0, err
	}
	return doc.Find(browser.ClickableSelector).Length(), nil
}

// Describe implements browser.Page.
func (p *Page) Describe(_ context.Context, index int) (browser.Element, error) {
	sel, err := p.clickable(index)
	if err != nil {
		return browser.Element{}, err
	}
	outer, err := goquery.OuterHtml(sel)
	if err != nil {
		return browser.Element{}, fmt.Errorf("render clickable %d: %w", index, err)
	}
	el := browser.Element{CSSPath: CSSPath(sel.Get(0)), OuterHTML: outer}
	if form := sel.Closest("form"); form.Length() > 0 {
		formHTML, err := goquery.OuterHtml(form)
		if err != nil {
			return browser.Element{}, fmt.Errorf("render form of clickable %d: %w", index, err)
		}
		el.InForm = true
		el.FormHTML = formHTML
	}
	return el, nil
}

// FormFields implements browser.Page.
func (p *Page) FormFields(_ context.Context, index int) ([]browser.FormField, error) {
	sel, err := p.clickable(index)
	if err != nil {
		return nil, err
	}
	form := sel.Closest("form")
	if form.Length() == 0 {
		return nil, browser.ErrNoForm
	}
	var fields []browser.FormField
	form.Find("button, fieldset, input, object, output, select, textarea").Each(func(i int, s *goquery.Selection) {
		fields = append(fields, describeField(i, s))
	})
	return fields, nil
}

func describeField(i int, s *goquery.Selection) browser.FormField {
	tag := strings.ToUpper(goquery.NodeName(s))
	name, _ := s.Attr("name")
	typ := strings.ToLower(s.AttrOr("type", ""))
	f := browser.FormField{Index: i, Tag: tag, Name: name}
	switch tag {
	case "INPUT":
		if typ == "" {
			typ = "text"
		}
	case "BUTTON":
		if typ == "" {
			typ = "submit"
		}
	case "TEXTAREA":
		typ = "textarea"
	case "SELECT":
		typ = "select-one"
		if _, multiple := s.Attr("multiple"); multiple {
			typ = "select-multiple"
		}
		if opt := s.Find("option").First(); opt.Length() > 0 {
			f.HasOptions = true
			f.FirstOption = opt.AttrOr("value", strings.TrimSpace(opt.Text()))
		}
	case "FIELDSET":
		typ = "fieldset"
	}
	f.Type = typ
	return f
}

// SetFormFields implements browser.Page. Assignments are recorded, not applied
// to the markup, matching how setting .value leaves outerHTML untouched.
func (p *Page) SetFormFields(_ context.Context, index int, values []browser.FieldValue) error {
	sel, err := p.clickable(index)
	if err != nil {
		return err
	}
	if sel.Closest("form").Length() == 0 {
		return browser.ErrNoForm
	}
	p.mu.Lock()
	p.Filled[index] = append([]browser.FieldValue(nil), values...)
	p.mu.Unlock()
	return nil
}

// Click implements browser.Page.
func (p *Page) Click(ctx context.Context, index int) error {
	if _, err := p.clickable(index); err != nil {
		return err
	}
	p.mu.Lock()
	effect := p.spec.Clicks[index]
	p.mu.Unlock()
	if effect.Err != nil {
		return effect.Err
	}

	p.mu.Lock()
	p.Clicked = append(p.Clicked, index)
	p.mu.Unlock()

	if effect.Dialog != "" {
		p.raiseDialog(effect.Dialog)
	}
	if effect.Replace != "" {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(effect.Replace))
		if err != nil {
			return fmt.Errorf("parse replacement: %w", err)
		}
		p.mu.Lock()
		p.doc = doc
		p.mu.Unlock()
	}
	if effect.Navigate != "" {
		if err := p.load(effect.Navigate, false); err != nil {
			return nil
		}
		p.mu.Lock()
		p.idleErr = effect.IdleErr
		p.mu.Unlock()
	}
	return ctx.Err()
}

func (p *Page) raiseDialog(message string) {
	handlers := p.dialogs.Snapshot()
	if len(handlers) == 0 {
		p.mu.Lock()
		p.Dismissed = append(p.Dismissed, message)
		p.mu.Unlock()
		return
	}
	d := &dialog{page: p, message: message}
	for _, h := range handlers {
		h(d)
	}
}

// SessionStorage implements browser.Page.
func (p *Page) SessionStorage(context.Context) (map[string]string, error) {
	p.site.mu.Lock()
	defer p.site.mu.Unlock()
	return maps.Clone(p.site.sessionStorage), nil
}

// Close implements browser.Page.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type dialog struct {
	page    *Page
	message string
}

func (d *dialog) Message() string { return d.message }

func (d *dialog) Accept() error {
	d.page.mu.Lock()
	defer d.page.mu.Unlock()
	d.page.Accepted = append(d.page.Accepted, d.message)
	return nil
}

// CSSPath renders the same locator the in-page script produces.
func CSSPath(n *html.Node) string {
	var parts []string
	for ; n != nil && n.Type == html.ElementNode; n = n.Parent {
		part := n.Data
		if id := attr(n, "id"); id != "" {
			parts = append([]string{part + "#" + id}, parts...)
			break
		}
		if parent := n.Parent; parent != nil && parent.Type == html.ElementNode {
			position, same := 0, 0
			i := 0
			for c := parent.FirstChild; c != nil; c = c.NextSibling {
				if c.Type != html.ElementNode {
					continue
				}
				i++
				if c == n {
					position = i
				}
				if c.Data == n.Data {
					same++
				}
			}
			if same > 1 {
				part += fmt.Sprintf(":nth-child(%d)", position)
			}
		}
		parts = append([]string{part}, parts...)
	}
	return strings.Join(parts, " > ")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
