// internal/events/heartbeat.go
package events

import (
	"context"
	"sync"
	"time"
)

// Heartbeat runs fn every interval between Start and Stop. It is owned by exactly one
// component, which must call Stop before it returns.
type Heartbeat struct {
	interval time.Duration
	fn       func(tick int)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewHeartbeat creates a stopped heartbeat. A non-positive interval makes Start a no-op.
func NewHeartbeat(interval time.Duration, fn func(tick int)) *Heartbeat {
	return &Heartbeat{interval: interval, fn: fn}
}

// Start launches the ticker goroutine. Starting a running heartbeat does nothing.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running || h.interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	h.running = true

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		tick := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick++
				h.fn(tick)
			}
		}
	}(h.done)
}

// Stop cancels the ticker and waits for the goroutine to exit. It is safe to call
// more than once and on a heartbeat that never started.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	cancel, done := h.cancel, h.done
	h.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the heartbeat goroutine is active.
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}
