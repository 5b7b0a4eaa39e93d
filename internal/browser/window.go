// Package browser is the explicit subscription interface over browser
// signals. A host harness drives a Window (navigation, clicks, pointer,
// scroll, custom events); engine components subscribe to its topics and tear
// their subscriptions down on unload.
package browser

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/benbjohnson/clock"
)

// Page is the document currently shown in the window.
type Page struct {
	URL      *url.URL
	Referrer string
	Title    string
	// Document is nil when the host did not provide markup.
	Document *goquery.Document
	// Seq increases with every navigation.
	Seq       uint64
	EnteredAt time.Time
}

// Path returns the URL path, "/" when empty.
func (p *Page) Path() string {
	if p == nil || p.URL == nil || p.URL.Path == "" {
		return "/"
	}
	return p.URL.Path
}

// String returns the page URL.
func (p *Page) String() string {
	if p == nil || p.URL == nil {
		return ""
	}
	return p.URL.String()
}

// Navigation is published after a page became current.
type Navigation struct {
	Page     *Page
	Previous *Page
	At       time.Time
}

// Click is published for every click; Target is the clicked element.
type Click struct {
	Page *Page
	// Target is empty when the element is not in the document.
	Target *goquery.Selection
	// TargetSelector is how the host identified the element.
	TargetSelector string
	At             time.Time
}

// PointerMove is a pointer sample in viewport coordinates.
type PointerMove struct {
	Page *Page
	X, Y float64
	At   time.Time
}

// Scroll reports the scroll depth as a percentage of the page height.
type Scroll struct {
	Page    *Page
	Percent float64
	At      time.Time
}

// Custom is a named event dispatched by the host page.
type Custom struct {
	Page       *Page
	Name       string
	Properties map[string]any
	At         time.Time
}

// Unload is published before the window is torn down.
type Unload struct {
	Page *Page
	At   time.Time
}

// Load describes a navigation requested by the host.
type Load struct {
	URL      string
	Referrer string
	Title    string
	// HTML is the optional document markup used for selector matching.
	HTML string
}

// Window is an in-process browser window. It is safe for concurrent use.
type Window struct {
	Navigations  Topic[Navigation]
	Clicks       Topic[Click]
	PointerMoves Topic[PointerMove]
	Scrolls      Topic[Scroll]
	Customs      Topic[Custom]
	Unloads      Topic[Unload]

	userAgent string
	clock     clock.Clock

	mu   sync.RWMutex
	page *Page
	seq  uint64

	// docMu guards reads and mutations of page documents.
	docMu sync.RWMutex
}

// NewWindow creates a Window. A nil clk uses the wall clock.
func NewWindow(userAgent string, clk clock.Clock) *Window {
	if clk == nil {
		clk = clock.New()
	}
	return &Window{userAgent: userAgent, clock: clk}
}

// UserAgent returns the browser user agent string.
func (w *Window) UserAgent() string {
	return w.userAgent
}

// Clock returns the window clock used for timers.
func (w *Window) Clock() clock.Clock {
	return w.clock
}

// Page returns the current page, or nil before the first navigation.
func (w *Window) Page() *Page {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.page
}

// Navigate makes load the current page and publishes a Navigation.
func (w *Window) Navigate(load Load) (*Page, error) {
	u, err := url.Parse(load.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid page url %q: %w", load.URL, err)
	}

	var doc *goquery.Document
	if load.HTML != "" {
		doc, err = goquery.NewDocumentFromReader(strings.NewReader(load.HTML))
		if err != nil {
			return nil, fmt.Errorf("failed to parse HTML: %w", err)
		}
		if load.Title == "" {
			load.Title = strings.TrimSpace(doc.Find("title").First().Text())
		}
	}

	now := w.clock.Now()
	w.mu.Lock()
	w.seq++
	page := &Page{
		URL:       u,
		Referrer:  load.Referrer,
		Title:     load.Title,
		Document:  doc,
		Seq:       w.seq,
		EnteredAt: now,
	}
	prev := w.page
	w.page = page
	w.mu.Unlock()

	w.Navigations.Publish(Navigation{Page: page, Previous: prev, At: now})
	return page, nil
}

// Click publishes a click on the first element matching targetSelector.
func (w *Window) Click(targetSelector string) {
	page := w.Page()
	c := Click{Page: page, TargetSelector: targetSelector, At: w.clock.Now()}
	if page != nil && page.Document != nil {
		w.ViewDocument(func() {
			c.Target = page.Document.Find(targetSelector).First()
		})
	}
	w.Clicks.Publish(c)
}

// MovePointer publishes a pointer sample.
func (w *Window) MovePointer(x, y float64) {
	w.PointerMoves.Publish(PointerMove{Page: w.Page(), X: x, Y: y, At: w.clock.Now()})
}

// Scroll publishes a scroll depth sample, clamped to [0, 100].
func (w *Window) Scroll(percent float64) {
	percent = min(max(percent, 0), 100)
	w.Scrolls.Publish(Scroll{Page: w.Page(), Percent: percent, At: w.clock.Now()})
}

// Dispatch publishes a custom event.
func (w *Window) Dispatch(name string, props map[string]any) {
	w.Customs.Publish(Custom{Page: w.Page(), Name: name, Properties: props, At: w.clock.Now()})
}

// Unload publishes the teardown signal.
func (w *Window) Unload() {
	w.Unloads.Publish(Unload{Page: w.Page(), At: w.clock.Now()})
}

// ViewDocument runs fn while no document mutation is in progress.
func (w *Window) ViewDocument(fn func()) {
	w.docMu.RLock()
	defer w.docMu.RUnlock()
	fn()
}

// UpdateDocument runs fn with exclusive access to the current document. It
// fails when the current page has no document.
func (w *Window) UpdateDocument(fn func(doc *goquery.Document) error) error {
	page := w.Page()
	if page == nil || page.Document == nil {
		return fmt.Errorf("no document loaded")
	}
	w.docMu.Lock()
	defer w.docMu.Unlock()
	return fn(page.Document)
}
