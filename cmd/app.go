package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
	"github.com/xkilldash9x/scalpel-state/internal/browser"
	"github.com/xkilldash9x/scalpel-state/internal/capture"
	"github.com/xkilldash9x/scalpel-state/internal/compare"
	"github.com/xkilldash9x/scalpel-state/internal/config"
	"github.com/xkilldash9x/scalpel-state/internal/events"
	"github.com/xkilldash9x/scalpel-state/internal/metrics"
	"github.com/xkilldash9x/scalpel-state/internal/observability"
	"github.com/xkilldash9x/scalpel-state/internal/replay"
	"github.com/xkilldash9x/scalpel-state/internal/restore"
	"github.com/xkilldash9x/scalpel-state/internal/serializer"
	"github.com/xkilldash9x/scalpel-state/internal/store"
	"github.com/xkilldash9x/scalpel-state/internal/vision"
)

// eventBufferSize is the per-subscriber channel capacity of the command's event bus.
const eventBufferSize = 256

// pageSession is a live page that must be closed after use.
type pageSession interface {
	schemas.Page
	Close() error
}

// stateStore is the persistence collaborator; nil when no database is configured.
type stateStore interface {
	schemas.SnapshotStore
	schemas.ActionSessionStore
}

// Factories replaced in tests.
var (
	openPage = func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (pageSession, error) {
		return browser.NewCDPPage(ctx, cfg, logger)
	}
	openStore = func(ctx context.Context, url string, logger *zap.Logger) (stateStore, func(), error) {
		s, closeFn, err := store.Open(ctx, url, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			closeFn()
			return nil, nil, err
		}
		return s, closeFn, nil
	}
	newAnalyzer = vision.New
)

// app holds the components shared by every subcommand.
type app struct {
	cfg         config.Interface
	logger      *zap.Logger
	bus         *events.Bus
	serializer  *serializer.Serializer
	capturer    *capture.Capturer
	comparator  *compare.Comparator
	restorer    *restore.Restorer
	artifactDir string
	store       stateStore
	closers     []func()
}

// newApp wires the core components from cfg. The database is opened only when configured.
func newApp(ctx context.Context, cfg config.Interface, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, bus: events.NewBus(logger, eventBufferSize)}
	a.closers = append(a.closers, a.bus.Shutdown)
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.artifactDir, err = cfg.Browser().ArtifactPath(); err != nil {
		return nil, err
	}
	if a.serializer, err = serializer.New(cfg.Serializer(), logger); err != nil {
		return nil, fmt.Errorf("failed to initialize serializer: %w", err)
	}
	if a.capturer, err = capture.New(cfg.Capture(), a.artifactDir, a.bus, logger); err != nil {
		return nil, fmt.Errorf("failed to initialize capture: %w", err)
	}
	a.comparator = compare.New(logger)
	if a.restorer, err = restore.NewRestorer(cfg.Restore(), a.capturer, a.comparator, a.bus, logger); err != nil {
		return nil, fmt.Errorf("failed to initialize restorer: %w", err)
	}

	if url := cfg.Database().URL; url != "" {
		s, closeFn, err := openStore(ctx, url, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database store: %w", err)
		}
		a.store = s
		a.closers = append(a.closers, closeFn)
	}
	return a, nil
}

// Close releases the components in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// newReplayer builds a replayer seeded through the shared restorer.
func (a *app) newReplayer(ctx context.Context) (*replay.Replayer, error) {
	analyzer, err := newAnalyzer(ctx, a.cfg.Vision(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize visual analyzer: %w", err)
	}
	return replay.New(a.cfg.Replay(), replay.Dependencies{
		Seeder:      a.restorer,
		Analyzer:    analyzer,
		Bus:         a.bus,
		ArtifactDir: a.artifactDir,
	}, a.logger)
}

// openPage launches a browser tab configured from the browser section.
func (a *app) openPage(ctx context.Context) (pageSession, error) {
	page, err := openPage(ctx, a.cfg.Browser(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open browser page: %w", err)
	}
	return page, nil
}

// loadSnapshot reads a serialized snapshot from a file or, when no such file exists
// and a store is configured, by id from the store.
func (a *app) loadSnapshot(ctx context.Context, ref string) (*schemas.Snapshot, error) {
	data, err := os.ReadFile(ref)
	if errors.Is(err, fs.ErrNotExist) && a.store != nil {
		data, err = a.store.LoadSnapshot(ctx, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", ref, err)
	}
	snap, err := a.serializer.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", ref, err)
	}
	return snap, nil
}

// writeFile writes data to path, creating parent directories.
func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// startMetrics serves the bus-derived metrics on addr until the returned stop is called.
func startMetrics(ctx context.Context, addr string, bus *events.Bus, logger *zap.Logger) (func(), error) {
	reg := prometheus.NewRegistry()
	observer, err := metrics.NewObserver(reg, logger)
	if err != nil {
		return nil, err
	}
	obsCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		observer.Run(obsCtx, bus)
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics.", zap.String("addr", addr))

	return func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = srv.Shutdown(shutdownCtx)
		cancel()
		<-done
	}, nil
}

// runWithApp builds the app for cmd, starts the metrics endpoint when requested and
// runs fn. Components are closed when fn returns.
func runWithApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return err
	}
	logger := observability.GetLogger()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		stop, err := startMetrics(ctx, addr, a.bus, logger)
		if err != nil {
			return err
		}
		defer stop()
	}
	return fn(ctx, a)
}
