package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"
)

// minIdlePoll bounds how often the in-flight set is polled for very short quiet periods.
const minIdlePoll = 10 * time.Millisecond

// idleTracker follows network events for one tab and answers whether the page has been
// quiet for a given period.
type idleTracker struct {
	mu           sync.Mutex
	inflight     map[network.RequestID]struct{}
	lastActivity time.Time
	now          func() time.Time
	logger       *zap.Logger
}

func newIdleTracker(logger *zap.Logger) *idleTracker {
	return &idleTracker{
		inflight:     make(map[network.RequestID]struct{}),
		lastActivity: time.Now(),
		now:          time.Now,
		logger:       logger,
	}
}

// handle is registered with chromedp.ListenTarget.
func (t *idleTracker) handle(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.mark(e.RequestID, true)
	case *network.EventLoadingFinished:
		t.mark(e.RequestID, false)
	case *network.EventLoadingFailed:
		t.mark(e.RequestID, false)
	}
}

func (t *idleTracker) mark(id network.RequestID, started bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if started {
		t.inflight[id] = struct{}{}
	} else {
		delete(t.inflight, id)
	}
	t.lastActivity = t.now()
}

func (t *idleTracker) pending() (int, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight), t.lastActivity
}

// wait polls until nothing has been in flight for quiet.
func (t *idleTracker) wait(ctx context.Context, quiet time.Duration) error {
	if quiet <= 0 {
		return nil
	}
	poll := max(quiet/2, minIdlePoll)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		n, last := t.pending()
		if n == 0 && t.now().Sub(last) >= quiet {
			return nil
		}
		select {
		case <-ctx.Done():
			t.logger.Debug("Network idle wait aborted.", zap.Int("inflight_requests", n), zap.Error(ctx.Err()))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
