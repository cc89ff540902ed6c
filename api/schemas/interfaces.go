package schemas

import (
	"context"
	"time"
)

// -- Page Capability --

// Page is the minimal set of browser operations the capture, restore and replay
// components depend on. Every failure is returned as a *PageError carrying a category.
type Page interface {
	// Navigate loads url and returns once the main frame has committed.
	Navigate(ctx context.Context, url string) error
	// Reload reloads the current document.
	Reload(ctx context.Context) error
	// CurrentURL returns the URL of the main frame.
	CurrentURL(ctx context.Context) (string, error)
	// WaitNetworkIdle blocks until no requests have been in flight for quiet.
	WaitNetworkIdle(ctx context.Context, quiet time.Duration) error

	// Evaluate runs script in the page and decodes its (awaited) result into res.
	// res may be nil when the result is not needed.
	Evaluate(ctx context.Context, script string, res any) error

	GetCookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	ClearCookies(ctx context.Context) error

	WaitSelector(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	// Type enters text into selector, clearing the field first when clear is set.
	Type(ctx context.Context, selector, text string, clear bool) error
	// Scroll scrolls selector into view, or the window to (x, y) when selector is empty.
	Scroll(ctx context.Context, x, y float64, selector string) error

	// Screenshot returns a full-page PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// RawCommand dispatches a protocol command and decodes its result into res.
	RawCommand(ctx context.Context, method string, params map[string]any, res any) error
}

// -- Visual Analysis --

// VisualAnalyzer interprets a screenshot. A nil analyzer means the capability is disabled.
type VisualAnalyzer interface {
	Analyze(ctx context.Context, screenshotPath, prompt string) (*VisualAnalysis, error)
}

// -- Persistence --

// SnapshotRecord is the stored form of a serialized Snapshot.
type SnapshotRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Version   string    `json:"version"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotStore persists serialized Snapshot blobs unchanged.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, rec SnapshotRecord, blob []byte) error
	LoadSnapshot(ctx context.Context, id string) ([]byte, error)
	ListSnapshots(ctx context.Context) ([]SnapshotRecord, error)
	DeleteSnapshot(ctx context.Context, id string) error
}

// ActionSessionStore persists recorded action sessions unchanged.
type ActionSessionStore interface {
	SaveActionSession(ctx context.Context, session *ActionSession) error
	LoadActionSession(ctx context.Context, id string) (*ActionSession, error)
}
