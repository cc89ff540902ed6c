// File: internal/mocks/page.go
package mocks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
	"github.com/xkilldash9x/scalpel-state/internal/browser/jsbind"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Operation names recorded by Page and accepted by the failure injectors.
// Evaluate calls are recorded as "evaluate:<script name>" and raw commands as
// "command:<method>".
const (
	OpNavigate     = "navigate"
	OpReload       = "reload"
	OpCurrentURL   = "current_url"
	OpWaitIdle     = "wait_idle"
	OpGetCookies   = "get_cookies"
	OpSetCookies   = "set_cookies"
	OpClearCookies = "clear_cookies"
	OpWaitSelector = "wait_selector"
	OpClick        = "click"
	OpType         = "type"
	OpScroll       = "scroll"
	OpScreenshot   = "screenshot"
)

// EvalOp is the recorded operation name of an Evaluate call for script n.
func EvalOp(n jsbind.Name) string { return "evaluate:" + string(n) }

// CommandOp is the recorded operation name of a RawCommand call.
func CommandOp(method string) string { return "command:" + method }

type injected struct {
	err       error
	remaining int // negative means forever
}

// Page is an in-memory schemas.Page for tests. It models one origin: navigation
// changes the URL but keeps cookies and storage, like a same-site load would.
type Page struct {
	mu sync.Mutex

	URL           string
	Title         string
	Cookies       []schemas.Cookie
	Local         map[string]string
	Session       map[string]string
	Databases     []schemas.Database
	Caches        []schemas.CacheEntry
	Workers       []schemas.ServiceWorkerRegistration
	DOM           schemas.DOMState
	Security      schemas.SecurityState
	ScreenshotPNG []byte

	// Redirects maps a navigation target to the URL the page lands on.
	Redirects map[string]string
	// Missing lists selectors that never appear.
	Missing map[string]bool
	// CommandResults holds the reply of RawCommand per method.
	CommandResults map[string]any

	Clicked         []string
	Typed           map[string]string
	Console         []jsbind.ConsoleLogArg
	CookieBatches   [][]schemas.Cookie
	AppliedDOM      []schemas.DOMState
	ScrolledTo      []schemas.ScrollState
	CommandsInvoked []string

	failures map[string]*injected
	calls    []string
	// Latency is applied to every operation to make concurrency observable.
	Latency time.Duration
}

var _ schemas.Page = (*Page)(nil)

// NewPage returns an empty page at about:blank.
func NewPage() *Page {
	return &Page{
		URL:            "about:blank",
		Local:          map[string]string{},
		Session:        map[string]string{},
		Redirects:      map[string]string{},
		Missing:        map[string]bool{},
		CommandResults: map[string]any{},
		Typed:          map[string]string{},
		ScreenshotPNG:  []byte("\x89PNG fake screenshot"),
		failures:       map[string]*injected{},
	}
}

// FailAlways makes every call to op fail with err.
func (p *Page) FailAlways(op string, err error) {
	p.FailTimes(op, -1, err)
}

// FailTimes makes the next n calls to op fail with err.
func (p *Page) FailTimes(op string, n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = &injected{err: err, remaining: n}
}

// ClearFailures removes every injected failure.
func (p *Page) ClearFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = map[string]*injected{}
}

// Calls returns the operations performed so far, in order.
func (p *Page) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Count returns how many times op was performed (including failed attempts).
func (p *Page) Count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == op {
			n++
		}
	}
	return n
}

// begin records op and returns the injected failure, if any. Callers hold p.mu.
func (p *Page) begin(ctx context.Context, op string) error {
	p.calls = append(p.calls, op)
	if p.Latency > 0 {
		p.mu.Unlock()
		select {
		case <-time.After(p.Latency):
		case <-ctx.Done():
		}
		p.mu.Lock()
	}
	if err := ctx.Err(); err != nil {
		return schemas.NewPageError(op, schemas.CategoryTimeout, err)
	}
	f, ok := p.failures[op]
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.err
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, OpNavigate); err != nil {
		return err
	}
	if url == "" {
		return schemas.NewPageError(OpNavigate, schemas.CategoryNavigation, schemas.ErrNoURL)
	}
	if target, ok := p.Redirects[url]; ok {
		url = target
	}
	p.URL = url
	return nil
}

func (p *Page) Reload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.begin(ctx, OpReload)
}

func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, OpCurrentURL); err != nil {
		return "", err
	}
	return p.URL, nil
}

func (p *Page) WaitNetworkIdle(ctx context.Context, quiet time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.begin(ctx, OpWaitIdle)
}

func (p *Page) GetCookies(ctx context.Context) ([]schemas.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, OpGetCookies); err != nil {
		return nil, err
	}
	return append([]schemas.Cookie(nil), p.Cookies...), nil
}

// SetCookies stores only the fields a browser jar keeps; classification is dropped.
func (p *Page) SetCookies(ctx context.Context, cookies []schemas.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, OpSetCookies); err != nil {
		return err
	}
	p.CookieBatches = append(p.CookieBatches, append([]schemas.Cookie(nil), cookies...))
	for _, c := range cookies {
		c.Category, c.ThirdParty = "", false
		c.Size = len(c.Name) + len(c.Value)
		replaced := false
		for i, existing := range p.Cookies {
			if existing.Key() == c.Key() && existing.Path == c.Path {
				p.Cookies[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			p.Cookies = append(p.Cookies, c)
		}
	}
	return nil
}

func (p *Page) ClearCookies(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, OpClearCookies); err != nil {
		return err
	}
	p.Cookies = nil
	return nil
}

func (p *Page) WaitSelector(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, OpWaitSelector); err != nil {
		return err
	}
	return p.selectorErr(OpWaitSelector, selector)
}

func (p *Page) selectorErr(op, selector string) error {
	if p.Missing[selector] {
		return schemas.NewPageError(op, schemas.CategorySelector, fmt.Errorf("selector %q not found", selector))
	}
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, OpClick); err != nil {
		return err
	}
	if err := p.selectorErr(OpClick, selector); err != nil {
		return err
	}
	p.Clicked = append(p.Clicked, selector)
	return nil
}

func (p *Page) Type(ctx context.Context, selector, text string, clear bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, OpType); err != nil {
		return err
	}
	if err := p.selectorErr(OpType, selector); err != nil {
		return err
	}
	if clear {
		p.Typed[selector] = text
	} else {
		p.Typed[selector] += text
	}
	return nil
}

func (p *Page) Scroll(ctx context.Context, x, y float64, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, OpScroll); err != nil {
		return err
	}
	if selector != "" {
		return p.selectorErr(OpScroll, selector)
	}
	p.ScrolledTo = append(p.ScrolledTo, schemas.ScrollState{X: x, Y: y})
	p.DOM.Scroll = schemas.ScrollState{X: x, Y: y}
	return nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, OpScreenshot); err != nil {
		return nil, err
	}
	return append([]byte(nil), p.ScreenshotPNG...), nil
}

func (p *Page) RawCommand(ctx context.Context, method string, params map[string]any, res any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	op := CommandOp(method)
	if err := p.begin(ctx, op); err != nil {
		return err
	}
	p.CommandsInvoked = append(p.CommandsInvoked, method)
	reply, ok := p.CommandResults[method]
	if !ok {
		reply = map[string]any{}
	}
	return decodeInto(op, reply, res)
}

// Evaluate understands the scripts rendered by jsbind and applies them to the
// in-memory state.
func (p *Page) Evaluate(ctx context.Context, script string, res any) error {
	name, arg, err := jsbind.Parse(script)
	if err != nil {
		return schemas.NewPageError("evaluate", schemas.CategoryCommand, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	op := EvalOp(name)
	if err := p.begin(ctx, op); err != nil {
		return err
	}

	var out any
	switch name {
	case jsbind.PageInfo:
		out = schemas.PageInfo{URL: p.URL, Title: p.Title, ReadyState: "complete", CookieEnabled: true, Online: true}
	case jsbind.LocalStorage:
		out = p.Local
	case jsbind.SessionStorage:
		out = p.Session
	case jsbind.IndexedDB:
		out = nonNil(p.Databases)
	case jsbind.CacheStorage:
		out = nonNil(p.Caches)
	case jsbind.ServiceWorkers:
		out = nonNil(p.Workers)
	case jsbind.DOMState:
		out = p.DOM
	case jsbind.Security:
		out = p.Security
	case jsbind.WriteStorage:
		var a jsbind.WriteStorageArg
		if err := json.Unmarshal(arg, &a); err != nil {
			return schemas.NewPageError(op, schemas.CategoryCommand, err)
		}
		target := map[string]string{}
		for k, v := range a.Entries {
			target[k] = v
		}
		switch a.Area {
		case jsbind.AreaLocal:
			p.Local = target
		case jsbind.AreaSession:
			p.Session = target
		default:
			return schemas.NewPageError(op, schemas.CategoryCommand, fmt.Errorf("unknown storage area %q", a.Area))
		}
		out = len(target)
	case jsbind.WriteIndexedDB:
		var db schemas.Database
		if err := json.Unmarshal(arg, &db); err != nil {
			return schemas.NewPageError(op, schemas.CategoryCommand, err)
		}
		out = p.putDatabase(db)
	case jsbind.OpenCaches:
		var names []string
		if err := json.Unmarshal(arg, &names); err != nil {
			return schemas.NewPageError(op, schemas.CategoryCommand, err)
		}
		for _, n := range names {
			if !p.hasCache(n) {
				p.Caches = append(p.Caches, schemas.CacheEntry{Name: n})
			}
		}
		out = len(names)
	case jsbind.ApplyDOMState:
		var st schemas.DOMState
		if err := json.Unmarshal(arg, &st); err != nil {
			return schemas.NewPageError(op, schemas.CategoryCommand, err)
		}
		p.AppliedDOM = append(p.AppliedDOM, st)
		out = p.applyDOM(st)
	case jsbind.ConsoleLog:
		var a jsbind.ConsoleLogArg
		if err := json.Unmarshal(arg, &a); err != nil {
			return schemas.NewPageError(op, schemas.CategoryCommand, err)
		}
		p.Console = append(p.Console, a)
		out = true
	default:
		return schemas.NewPageError(op, schemas.CategoryCommand, fmt.Errorf("script %q is not modelled", name))
	}
	return decodeInto(op, out, res)
}

func (p *Page) putDatabase(db schemas.Database) int {
	written := 0
	for _, s := range db.ObjectStores {
		written += len(s.Records)
	}
	for i, existing := range p.Databases {
		if existing.Name == db.Name {
			p.Databases[i] = db
			return written
		}
	}
	p.Databases = append(p.Databases, db)
	sort.Slice(p.Databases, func(i, j int) bool { return p.Databases[i].Name < p.Databases[j].Name })
	return written
}

func (p *Page) hasCache(name string) bool {
	for _, c := range p.Caches {
		if c.Name == name {
			return true
		}
	}
	return false
}

func (p *Page) applyDOM(st schemas.DOMState) int {
	restored := 0
	for _, form := range st.Forms {
		for _, f := range form.Fields {
			if f.IsPassword() {
				continue
			}
			for fi := range p.DOM.Forms {
				for ci := range p.DOM.Forms[fi].Fields {
					live := &p.DOM.Forms[fi].Fields[ci]
					if (f.Selector != "" && live.Selector == f.Selector) || (f.ID != "" && live.ID == f.ID) || (f.Name != "" && live.Name == f.Name) {
						live.Value, live.Checked = f.Value, f.Checked
						restored++
					}
				}
			}
		}
	}
	p.DOM.Scroll = st.Scroll
	return restored
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// decodeInto mimics the JSON hop a real protocol round trip performs.
func decodeInto(op string, v, res any) error {
	if res == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return schemas.NewPageError(op, schemas.CategoryCommand, err)
	}
	if err := json.Unmarshal(data, res); err != nil {
		return schemas.NewPageError(op, schemas.CategoryCommand, errors.Join(errors.New("decode result"), err))
	}
	return nil
}
