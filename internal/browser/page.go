package browser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
	"github.com/xkilldash9x/scalpel-state/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// screenshotQuality of 100 makes chromedp capture PNG instead of JPEG.
const screenshotQuality = 100

// CDPPage drives a single Chrome tab over the DevTools protocol. It implements schemas.Page.
type CDPPage struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
	idle   *idleTracker

	tabCtx      context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	closeOnce   sync.Once
}

var _ schemas.Page = (*CDPPage)(nil)

// NewCDPPage launches Chrome, opens a tab and enables the network domain for idle tracking.
// The browser lives until Close is called or ctx is canceled.
func NewCDPPage(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*CDPPage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logger.Named("browser")
	allocCtx, cancelAlloc := NewAllocator(ctx, cfg)
	sugar := logger.Sugar()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Errorf),
	)

	p := &CDPPage{
		cfg:         cfg,
		logger:      logger,
		idle:        newIdleTracker(logger),
		tabCtx:      tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
	}

	// The first Run starts the browser process.
	startCtx, cancel := context.WithTimeout(tabCtx, cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(startCtx,
		network.Enable(),
		emulation.SetDeviceMetricsOverride(int64(cfg.ViewportWidth), int64(cfg.ViewportHeight), 1, false),
	); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	chromedp.ListenTarget(tabCtx, p.idle.handle)

	logger.Debug("Browser tab ready.",
		zap.Bool("headless", cfg.Headless),
		zap.Int("viewport_width", cfg.ViewportWidth),
		zap.Int("viewport_height", cfg.ViewportHeight))
	return p, nil
}

// Close shuts down the tab and the browser process. It is safe to call more than once.
func (p *CDPPage) Close() error {
	var err error
	p.closeOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(Detach(p.tabCtx), 5*time.Second)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(p.tabCtx) }()
		select {
		case err = <-done:
			if errors.Is(err, context.Canceled) {
				err = nil
			}
		case <-shutdownCtx.Done():
			p.logger.Warn("Browser shutdown timed out.")
		}
		p.cancelTab()
		p.cancelAlloc()
	})
	return err
}

// run executes actions on the tab under op's deadline and the given timeout.
func (p *CDPPage) run(ctx context.Context, op string, timeout time.Duration, actions ...chromedp.Action) error {
	combined, cancel := CombineContext(p.tabCtx, ctx)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		var cancelDL context.CancelFunc
		combined, cancelDL = context.WithDeadline(combined, dl)
		defer cancelDL()
	}
	opCtx, cancelOp := context.WithTimeout(combined, timeout)
	defer cancelOp()

	if err := chromedp.Run(opCtx, actions...); err != nil {
		// Report the deadline rather than chromedp's wrapped cancellation.
		if opCtx.Err() == context.DeadlineExceeded && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return classify(op, err)
	}
	return nil
}

func (p *CDPPage) Navigate(ctx context.Context, url string) error {
	if url == "" {
		return schemas.NewPageError(opNavigate, schemas.CategoryNavigation, schemas.ErrNoURL)
	}
	return p.run(ctx, opNavigate, p.cfg.NavigationTimeout, chromedp.Navigate(url))
}

func (p *CDPPage) Reload(ctx context.Context) error {
	return p.run(ctx, opReload, p.cfg.NavigationTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.Reload().Do(ctx)
	}))
}

func (p *CDPPage) CurrentURL(ctx context.Context) (string, error) {
	var u string
	if err := p.run(ctx, opCurrentURL, p.cfg.OperationTimeout, chromedp.Location(&u)); err != nil {
		return "", err
	}
	return u, nil
}

func (p *CDPPage) WaitNetworkIdle(ctx context.Context, quiet time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.NavigationTimeout)
	defer cancel()
	return classify(opWaitIdle, p.idle.wait(waitCtx, quiet))
}

func (p *CDPPage) Evaluate(ctx context.Context, script string, res any) error {
	var raw []byte
	err := p.run(ctx, opEvaluate, p.cfg.OperationTimeout,
		chromedp.Evaluate(script, &raw, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
			return ep.WithReturnByValue(true).WithAwaitPromise(true)
		}),
	)
	if err != nil || res == nil {
		return err
	}
	if err := json.Unmarshal(raw, res); err != nil {
		return schemas.NewPageError(opEvaluate, schemas.CategoryCommand, fmt.Errorf("failed to decode script result: %w", err))
	}
	return nil
}

func (p *CDPPage) GetCookies(ctx context.Context) ([]schemas.Cookie, error) {
	var cookies []*network.Cookie
	err := p.run(ctx, opGetCookies, p.cfg.OperationTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	out := make([]schemas.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, fromCDPCookie(c))
	}
	return out, nil
}

func (p *CDPPage) SetCookies(ctx context.Context, cookies []schemas.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, toCDPCookie(c))
	}
	return p.run(ctx, opSetCookies, p.cfg.OperationTimeout, network.SetCookies(params))
}

func (p *CDPPage) ClearCookies(ctx context.Context) error {
	return p.run(ctx, opClearCookies, p.cfg.OperationTimeout, network.ClearBrowserCookies())
}

func (p *CDPPage) WaitSelector(ctx context.Context, selector string) error {
	return p.run(ctx, opWaitSelector, p.cfg.OperationTimeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *CDPPage) Click(ctx context.Context, selector string) error {
	return p.run(ctx, opClick, p.cfg.OperationTimeout, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (p *CDPPage) Type(ctx context.Context, selector, text string, clear bool) error {
	var actions []chromedp.Action
	if clear {
		actions = append(actions, chromedp.SetValue(selector, "", chromedp.ByQuery))
	}
	actions = append(actions, chromedp.SendKeys(selector, text, chromedp.ByQuery))
	return p.run(ctx, opType, p.cfg.OperationTimeout, actions...)
}

func (p *CDPPage) Scroll(ctx context.Context, x, y float64, selector string) error {
	if selector != "" {
		return p.run(ctx, opScroll, p.cfg.OperationTimeout, chromedp.ScrollIntoView(selector, chromedp.ByQuery))
	}
	script := fmt.Sprintf("window.scrollTo(%g, %g)", x, y)
	return p.run(ctx, opScroll, p.cfg.OperationTimeout, chromedp.Evaluate(script, nil))
}

func (p *CDPPage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, opScreenshot, p.cfg.OperationTimeout, chromedp.FullScreenshot(&buf, screenshotQuality)); err != nil {
		return nil, err
	}
	return buf, nil
}

// RawCommand sends method with params to the tab's target and decodes the reply into res.
func (p *CDPPage) RawCommand(ctx context.Context, method string, params map[string]any, res any) error {
	if params == nil {
		params = map[string]any{}
	}
	var raw rawReply
	err := p.run(ctx, opRawCommand, p.cfg.OperationTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		return cdp.Execute(ctx, method, params, &raw)
	}))
	if err != nil || res == nil {
		return err
	}
	if err := json.Unmarshal(raw, res); err != nil {
		return schemas.NewPageError(opRawCommand, schemas.CategoryCommand, fmt.Errorf("failed to decode %s result: %w", method, err))
	}
	return nil
}

// rawReply keeps a protocol result undecoded.
type rawReply []byte

func (r *rawReply) UnmarshalJSON(b []byte) error {
	*r = append((*r)[:0], b...)
	return nil
}

func fromCDPCookie(c *network.Cookie) schemas.Cookie {
	return schemas.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  c.Expires,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		Session:  c.Session,
		SameSite: c.SameSite.String(),
		Size:     int(c.Size),
	}
}

func toCDPCookie(c schemas.Cookie) *network.CookieParam {
	param := &network.CookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	if c.SameSite != "" {
		param.SameSite = network.CookieSameSite(c.SameSite)
	}
	if !c.Session && c.Expires > 0 {
		sec, frac := math.Modf(c.Expires)
		t := cdp.TimeSinceEpoch(time.Unix(int64(sec), int64(frac*1e9)))
		param.Expires = &t
	}
	return param
}
