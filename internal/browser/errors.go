package browser

import (
	"context"
	"errors"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
)

// Operation names carried by PageError.Op.
const (
	opNavigate     = "navigate"
	opReload       = "reload"
	opCurrentURL   = "current_url"
	opWaitIdle     = "wait_idle"
	opEvaluate     = "evaluate"
	opGetCookies   = "get_cookies"
	opSetCookies   = "set_cookies"
	opClearCookies = "clear_cookies"
	opWaitSelector = "wait_selector"
	opClick        = "click"
	opType         = "type"
	opScroll       = "scroll"
	opScreenshot   = "screenshot"
	opRawCommand   = "raw_command"
)

// selectorOps wait for an element before acting, so running out of time means the
// element never appeared.
var selectorOps = map[string]bool{
	opWaitSelector: true,
	opClick:        true,
	opType:         true,
}

// fallbackCategory is used when neither the deadline nor the message identifies the failure.
var fallbackCategory = map[string]schemas.ErrorCategory{
	opNavigate:   schemas.CategoryNavigation,
	opReload:     schemas.CategoryNavigation,
	opEvaluate:   schemas.CategoryCommand,
	opRawCommand: schemas.CategoryCommand,
}

// classify wraps a chromedp failure as a *schemas.PageError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *schemas.PageError
	if errors.As(err, &pe) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		if selectorOps[op] {
			return schemas.NewPageError(op, schemas.CategorySelector, err)
		}
		return schemas.NewPageError(op, schemas.CategoryTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return schemas.NewPageError(op, schemas.CategoryUnknown, err)
	}

	cat := schemas.CategorizeError(err)
	if cat == schemas.CategoryUnknown {
		if fb, ok := fallbackCategory[op]; ok {
			cat = fb
		}
	}
	return schemas.NewPageError(op, cat, err)
}
