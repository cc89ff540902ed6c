// internal/capture/capture.go
package capture

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
	"github.com/xkilldash9x/scalpel-state/internal/browser/jsbind"
	"github.com/xkilldash9x/scalpel-state/internal/config"
	"github.com/xkilldash9x/scalpel-state/internal/events"
)

// Domain names used in warnings and capture.domain_failed events.
const (
	DomainPageInfo       = "page_info"
	DomainCookies        = "cookies"
	DomainLocalStorage   = "local_storage"
	DomainSessionStorage = "session_storage"
	DomainIndexedDB      = "indexed_db"
	DomainCacheStorage   = "cache_storage"
	DomainServiceWorkers = "service_workers"
	DomainDOMState       = "dom_state"
	DomainSecurity       = "security_state"
	DomainScreenshot     = "screenshot"
)

// Capturer assembles a Snapshot from a live page. Each domain is captured independently;
// a failed domain keeps its empty default and is reported as a warning.
type Capturer struct {
	cfg         config.CaptureConfig
	artifactDir string
	bus         events.Publisher
	logger      *zap.Logger
	now         func() time.Time
}

// New validates cfg and returns a Capturer. Screenshots are written below artifactDir.
func New(cfg config.CaptureConfig, artifactDir string, bus events.Publisher, logger *zap.Logger) (*Capturer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Capturer{
		cfg:         cfg,
		artifactDir: artifactDir,
		bus:         events.OrDiscard(bus),
		logger:      logger.Named("capture"),
		now:         time.Now,
	}, nil
}

// Capture records every enabled domain of page. It only returns an error when the
// assembled Snapshot fails validation.
func (c *Capturer) Capture(ctx context.Context, page schemas.Page) (*schemas.Snapshot, error) {
	start := c.now()
	snap := newSnapshot(start)
	logger := c.logger.With(zap.String("snapshot_id", snap.ID))
	c.bus.Publish(events.New(events.CaptureStarted, snap.ID))
	logger.Debug("Starting state capture.")

	c.domain(ctx, snap, DomainPageInfo, func(ctx context.Context) error {
		return c.capturePageInfo(ctx, page, snap)
	})
	c.domain(ctx, snap, DomainCookies, func(ctx context.Context) error {
		return captureCookies(ctx, page, snap)
	})
	c.domain(ctx, snap, DomainLocalStorage, func(ctx context.Context) error {
		return captureStore(ctx, page, jsbind.LocalStorage, &snap.LocalStorage)
	})
	c.domain(ctx, snap, DomainSessionStorage, func(ctx context.Context) error {
		return captureStore(ctx, page, jsbind.SessionStorage, &snap.SessionStorage)
	})
	if c.cfg.IncludeIndexedDB {
		c.domain(ctx, snap, DomainIndexedDB, func(ctx context.Context) error {
			return evaluateInto(ctx, page, jsbind.IndexedDB, &snap.IndexedDB)
		})
	}
	if c.cfg.IncludeCacheStorage {
		c.domain(ctx, snap, DomainCacheStorage, func(ctx context.Context) error {
			return evaluateInto(ctx, page, jsbind.CacheStorage, &snap.CacheStorage)
		})
	}
	if c.cfg.IncludeServiceWorkers {
		c.domain(ctx, snap, DomainServiceWorkers, func(ctx context.Context) error {
			return evaluateInto(ctx, page, jsbind.ServiceWorkers, &snap.ServiceWorkers)
		})
	}
	if c.cfg.IncludeDOMState {
		c.domain(ctx, snap, DomainDOMState, func(ctx context.Context) error {
			return captureDOM(ctx, page, snap)
		})
	}
	c.domain(ctx, snap, DomainSecurity, func(ctx context.Context) error {
		return captureSecurity(ctx, page, snap)
	})

	snap.AuthHints = collectAuthHints(snap, c.cfg.RedactSensitive)
	for _, h := range snap.AuthHints {
		if expired(h, start) {
			snap.Metadata.AddWarning("auth hint %s %q expired at %s", h.Source, h.Key, h.ExpiresAt.Format(time.RFC3339))
		}
	}

	if c.cfg.IncludeScreenshot {
		c.domain(ctx, snap, DomainScreenshot, func(ctx context.Context) error {
			return c.captureScreenshot(ctx, page, snap)
		})
	}

	if err := c.finalize(snap, start); err != nil {
		c.bus.Publish(events.New(events.Error, snap.ID).With("op", "capture").With("error", err.Error()))
		return nil, err
	}

	done := events.New(events.CaptureCompleted, snap.ID).
		With("url", snap.PageInfo.URL).
		With("warnings", fmt.Sprint(len(snap.Metadata.Warnings)))
	done.Success = true
	done.Duration = snap.Metadata.CaptureDuration
	c.bus.Publish(done)

	logger.Info("State capture complete.",
		zap.String("url", snap.PageInfo.URL),
		zap.Int("cookies", len(snap.Cookies)),
		zap.Int("local_storage", len(snap.LocalStorage)),
		zap.Int("session_storage", len(snap.SessionStorage)),
		zap.Int("indexed_db", len(snap.IndexedDB)),
		zap.Int("state_size", snap.Metadata.StateSize),
		zap.Int("warnings", len(snap.Metadata.Warnings)),
		zap.Duration("duration", snap.Metadata.CaptureDuration))
	return snap, nil
}

// CaptureCore re-derives only the URL, cookies and both storage areas. It is the
// lightweight read used to verify a restoration. Storage failures become warnings; a page
// whose URL cannot be read is an error.
func (c *Capturer) CaptureCore(ctx context.Context, page schemas.Page) (*schemas.Snapshot, error) {
	snap := newSnapshot(c.now())

	u, err := page.CurrentURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read current url: %w", err)
	}
	snap.PageInfo.URL = u

	for _, d := range []struct {
		name string
		fn   func() error
	}{
		{DomainCookies, func() error { return captureCookies(ctx, page, snap) }},
		{DomainLocalStorage, func() error { return captureStore(ctx, page, jsbind.LocalStorage, &snap.LocalStorage) }},
		{DomainSessionStorage, func() error { return captureStore(ctx, page, jsbind.SessionStorage, &snap.SessionStorage) }},
	} {
		if err := d.fn(); err != nil {
			snap.Metadata.AddWarning("%s: %v", d.name, err)
		}
	}
	return snap, nil
}

func newSnapshot(ts time.Time) *schemas.Snapshot {
	return &schemas.Snapshot{
		ID:             uuid.NewString(),
		Version:        schemas.SnapshotVersion,
		Timestamp:      ts.UTC(),
		Cookies:        []schemas.Cookie{},
		LocalStorage:   schemas.KeyValueStore{},
		SessionStorage: schemas.KeyValueStore{},
		IndexedDB:      []schemas.Database{},
		CacheStorage:   []schemas.CacheEntry{},
		ServiceWorkers: []schemas.ServiceWorkerRegistration{},
	}
}

// domain runs one capture step under the per-domain timeout and isolates its failure.
func (c *Capturer) domain(ctx context.Context, snap *schemas.Snapshot, name string, fn func(context.Context) error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DomainTimeout)
	defer cancel()

	start := c.now()
	err := fn(dctx)
	if err == nil {
		return
	}
	snap.Metadata.AddWarning("%s: %v", name, err)
	ev := events.New(events.CaptureDomainFailed, snap.ID).
		With("domain", name).
		With("category", string(schemas.CategorizeError(err)))
	ev.Err = err.Error()
	ev.Duration = c.now().Sub(start)
	c.bus.Publish(ev)
	c.logger.Warn("Domain capture failed; continuing with defaults.",
		zap.String("snapshot_id", snap.ID), zap.String("domain", name), zap.Error(err))
}

func (c *Capturer) capturePageInfo(ctx context.Context, page schemas.Page, snap *schemas.Snapshot) error {
	var info schemas.PageInfo
	if err := evaluate(ctx, page, jsbind.PageInfo, &info); err != nil {
		// Keep at least the location; restoration depends on it.
		if u, uerr := page.CurrentURL(ctx); uerr == nil {
			snap.PageInfo.URL = u
		}
		return err
	}
	if info.Origin == "" {
		if u, err := url.Parse(info.URL); err == nil && u.Host != "" {
			info.Origin = u.Scheme + "://" + u.Host
		}
	}
	snap.PageInfo = info
	return nil
}

func captureCookies(ctx context.Context, page schemas.Page, snap *schemas.Snapshot) error {
	cookies, err := page.GetCookies(ctx)
	if err != nil {
		return err
	}
	out := make([]schemas.Cookie, 0, len(cookies))
	for _, ck := range cookies {
		ck.Size = len(ck.Name) + len(ck.Value)
		ck.Category = classifyCookie(ck.Name)
		ck.ThirdParty = isThirdParty(snap.PageInfo.URL, ck.Domain)
		out = append(out, ck)
	}
	snap.Cookies = out
	return nil
}

func captureStore(ctx context.Context, page schemas.Page, script jsbind.Name, dst *schemas.KeyValueStore) error {
	var raw map[string]string
	if err := evaluate(ctx, page, script, &raw); err != nil {
		return err
	}
	store := make(schemas.KeyValueStore, len(raw))
	for k, v := range raw {
		store[k] = schemas.NewStorageEntry(k, v)
	}
	*dst = store
	return nil
}

func captureDOM(ctx context.Context, page schemas.Page, snap *schemas.Snapshot) error {
	var st schemas.DOMState
	if err := evaluate(ctx, page, jsbind.DOMState, &st); err != nil {
		return err
	}
	for fi := range st.Forms {
		for i := range st.Forms[fi].Fields {
			if st.Forms[fi].Fields[i].IsPassword() {
				st.Forms[fi].Fields[i].Value = ""
			}
		}
	}
	snap.DOMState = st
	return nil
}

func captureSecurity(ctx context.Context, page schemas.Page, snap *schemas.Snapshot) error {
	var st schemas.SecurityState
	if err := evaluate(ctx, page, jsbind.Security, &st); err != nil {
		return err
	}
	st.Protocol = strings.TrimSuffix(st.Protocol, ":")
	if st.Protocol == "" {
		if u, err := url.Parse(snap.PageInfo.URL); err == nil {
			st.Protocol = u.Scheme
		}
	}
	st.Secure = st.Secure || st.Protocol == "https"
	st.HasCSP = st.HasCSP || st.CSP != ""
	snap.SecurityState = st
	return nil
}

func (c *Capturer) captureScreenshot(ctx context.Context, page schemas.Page, snap *schemas.Snapshot) error {
	if c.artifactDir == "" {
		return errors.New("no artifact directory configured")
	}
	png, err := page.Screenshot(ctx)
	if err != nil {
		return err
	}
	dir := filepath.Join(c.artifactDir, "snapshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	path := filepath.Join(dir, snap.ID+".png")
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return fmt.Errorf("failed to write screenshot: %w", err)
	}
	snap.Screenshot = &schemas.ScreenshotRef{Path: path, Size: len(png)}
	return nil
}

// finalize computes size and checksum, then validates when enabled.
func (c *Capturer) finalize(snap *schemas.Snapshot, start time.Time) error {
	snap.Metadata.CaptureDuration = c.now().Sub(start)

	encoded, err := snap.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	snap.Metadata.StateSize = len(encoded)
	if c.cfg.MaxStateSize > 0 && snap.Metadata.StateSize > c.cfg.MaxStateSize {
		w := &schemas.CapacityWarning{Size: snap.Metadata.StateSize, Limit: c.cfg.MaxStateSize}
		snap.Metadata.AddWarning("%s", w.Error())
		c.logger.Warn("Snapshot exceeds the configured size ceiling.",
			zap.String("snapshot_id", snap.ID), zap.Int("size", w.Size), zap.Int("limit", w.Limit))
	}

	sum, err := snap.ComputeChecksum()
	if err != nil {
		return err
	}
	snap.Metadata.Checksum = sum

	if c.cfg.ValidateSnapshot {
		if err := snap.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func evaluate(ctx context.Context, page schemas.Page, name jsbind.Name, res any) error {
	script, err := jsbind.Call{Name: name}.Render()
	if err != nil {
		return err
	}
	return page.Evaluate(ctx, script, res)
}

// evaluateInto leaves dst untouched when the script fails.
func evaluateInto[T any](ctx context.Context, page schemas.Page, name jsbind.Name, dst *T) error {
	var v T
	if err := evaluate(ctx, page, name, &v); err != nil {
		return err
	}
	*dst = v
	return nil
}

func sortedStoreKeys(s schemas.KeyValueStore) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
