package browser

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIdleTracker_Handle(t *testing.T) {
	tr := newIdleTracker(zap.NewNop())
	tr.handle(&network.EventRequestWillBeSent{RequestID: "1"})
	tr.handle(&network.EventRequestWillBeSent{RequestID: "2"})
	tr.handle("unrelated event")
	n, _ := tr.pending()
	assert.Equal(t, 2, n)

	tr.handle(&network.EventLoadingFinished{RequestID: "1"})
	tr.handle(&network.EventLoadingFailed{RequestID: "2"})
	tr.handle(&network.EventLoadingFinished{RequestID: "unknown"})
	n, _ = tr.pending()
	assert.Zero(t, n)
}

func TestIdleTracker_Wait(t *testing.T) {
	t.Run("QuietPage", func(t *testing.T) {
		tr := newIdleTracker(zap.NewNop())
		tr.lastActivity = time.Now().Add(-time.Second)
		require.NoError(t, tr.wait(context.Background(), 50*time.Millisecond))
	})

	t.Run("ZeroQuiet", func(t *testing.T) {
		tr := newIdleTracker(zap.NewNop())
		tr.handle(&network.EventRequestWillBeSent{RequestID: "busy"})
		assert.NoError(t, tr.wait(context.Background(), 0))
	})

	t.Run("WaitsForInflight", func(t *testing.T) {
		tr := newIdleTracker(zap.NewNop())
		tr.handle(&network.EventRequestWillBeSent{RequestID: "slow"})
		go func() {
			time.Sleep(30 * time.Millisecond)
			tr.handle(&network.EventLoadingFinished{RequestID: "slow"})
		}()
		start := time.Now()
		require.NoError(t, tr.wait(context.Background(), 20*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("NeverIdle", func(t *testing.T) {
		tr := newIdleTracker(zap.NewNop())
		tr.handle(&network.EventRequestWillBeSent{RequestID: "stuck"})
		ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, tr.wait(ctx, 10*time.Millisecond), context.DeadlineExceeded)
	})
}
