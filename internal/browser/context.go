package browser

import (
	"context"
	"time"
)

// CombineContext returns a context that carries the values of tab (the chromedp target
// context) and is canceled when either tab or op is done. The op deadline is not inherited
// directly; callers apply their own timeout on top of the result.
func CombineContext(tab, op context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(tab)
	if op.Done() == nil {
		return combined, cancel
	}
	go func() {
		select {
		case <-op.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// detached keeps the values of its parent but none of its cancellation.
type detached struct {
	context.Context
}

func (detached) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detached) Done() <-chan struct{}       { return nil }
func (detached) Err() error                  { return nil }

// Detach returns a context that keeps ctx's values (the CDP target among them) but is never
// canceled. Used for teardown that must outlive the operation that triggered it.
func Detach(ctx context.Context) context.Context {
	return detached{ctx}
}
