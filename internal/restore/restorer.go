// internal/restore/restorer.go
package restore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
	"github.com/xkilldash9x/scalpel-state/internal/browser/jsbind"
	"github.com/xkilldash9x/scalpel-state/internal/config"
	"github.com/xkilldash9x/scalpel-state/internal/events"
)

// StateReader re-derives the restorable core of a live page for verification.
type StateReader interface {
	CaptureCore(ctx context.Context, page schemas.Page) (*schemas.Snapshot, error)
}

// Comparer diffs two Snapshots.
type Comparer interface {
	Compare(a, b *schemas.Snapshot) *schemas.SnapshotDiff
}

// Restorer applies RestorationPlans to live pages. It keeps no per-call state, so one
// Restorer may serve several pages concurrently.
type Restorer struct {
	cfg        config.RestoreConfig
	planner    *Planner
	reader     StateReader
	comparator Comparer
	bus        events.Publisher
	logger     *zap.Logger
	sleep      func(context.Context, time.Duration) error
}

// NewRestorer validates cfg and wires the verification collaborators.
func NewRestorer(cfg config.RestoreConfig, reader StateReader, comparator Comparer, bus events.Publisher, logger *zap.Logger) (*Restorer, error) {
	if reader == nil || comparator == nil {
		return nil, errors.New("restorer requires a state reader and a comparator")
	}
	planner, err := NewPlanner(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Restorer{
		cfg:        cfg,
		planner:    planner,
		reader:     reader,
		comparator: comparator,
		bus:        events.OrDiscard(bus),
		logger:     logger.Named("restorer"),
		sleep:      sleepCtx,
	}, nil
}

// Planner returns the planner built from the restorer's configuration.
func (r *Restorer) Planner() *Planner { return r.planner }

// Restore plans and applies snap in one call.
func (r *Restorer) Restore(ctx context.Context, page schemas.Page, snap *schemas.Snapshot, opts PlanOptions) (*schemas.RestorationResult, error) {
	plan, err := r.planner.Plan(snap, opts)
	if err != nil {
		return nil, err
	}
	return r.Apply(ctx, page, plan, snap)
}

// run is the mutable state of one Apply call.
type run struct {
	page   schemas.Page
	snap   *schemas.Snapshot
	plan   *schemas.RestorationPlan
	logger *zap.Logger

	mu           sync.Mutex
	warnings     []string
	verification *schemas.SnapshotDiff
}

func (rn *run) warn(format string, args ...any) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.warnings = append(rn.warnings, fmt.Sprintf(format, args...))
}

// Apply executes plan against page. Only an invalid plan or snapshot is returned as an
// error; every step outcome is reported in the result.
func (r *Restorer) Apply(ctx context.Context, page schemas.Page, plan *schemas.RestorationPlan, snap *schemas.Snapshot) (*schemas.RestorationResult, error) {
	if err := validatePlan(plan); err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, &schemas.ValidationError{Field: "snapshot", Reason: "is nil"}
	}

	start := time.Now()
	rn := &run{
		page:   page,
		snap:   snap,
		plan:   plan,
		logger: r.logger.With(zap.String("plan_id", plan.ID), zap.String("snapshot_id", snap.ID)),
	}
	res := &schemas.RestorationResult{PlanID: plan.ID, Success: true}
	r.bus.Publish(events.New(events.RestoreStarted, plan.ID).
		With("snapshot_id", snap.ID).
		With("steps", strconv.Itoa(len(plan.Steps))))
	rn.logger.Info("Starting state restoration.", zap.Int("steps", len(plan.Steps)), zap.Bool("optimized", plan.Optimized))

	steps := plan.Steps
	for i := 0; i < len(steps); {
		if plan.Optimized && steps[i].Parallel {
			j := i
			for j < len(steps) && steps[j].Parallel {
				j++
			}
			res.Steps = append(res.Steps, r.runParallel(ctx, rn, steps[i:j])...)
			_ = r.sleep(ctx, maxDelay(steps[i:j]))
			i = j
			continue
		}

		sr := r.runStep(ctx, rn, steps[i])
		res.Steps = append(res.Steps, sr)
		if !sr.Success && sr.Critical {
			res.Success = false
			rn.logger.Error("Critical step failed; halting restoration.",
				zap.String("step", string(sr.Type)), zap.String("error", sr.Error))
			break
		}
		if i < len(steps)-1 {
			_ = r.sleep(ctx, steps[i].Delay)
		}
		i++
	}

	res.Verification = rn.verification
	res.Warnings = rn.warnings
	res.Duration = time.Since(start)

	done := events.New(events.RestoreCompleted, plan.ID).
		With("snapshot_id", snap.ID).
		With("warnings", strconv.Itoa(len(res.Warnings)))
	done.Success = res.Success
	done.Duration = res.Duration
	r.bus.Publish(done)
	rn.logger.Info("State restoration finished.",
		zap.Bool("success", res.Success),
		zap.Int("steps_attempted", len(res.Steps)),
		zap.Int("warnings", len(res.Warnings)),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// runParallel runs a batch of best-effort steps with bounded concurrency. Results keep plan order.
func (r *Restorer) runParallel(ctx context.Context, rn *run, batch []schemas.Step) []schemas.StepResult {
	results := make([]schemas.StepResult, len(batch))
	var g errgroup.Group
	g.SetLimit(r.cfg.ParallelBatchSize)
	for i, step := range batch {
		g.Go(func() error {
			results[i] = r.runStep(ctx, rn, step)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// runStep drives one step through pending, applying and succeeded or failed, retrying
// within the step's attempt budget. The attempt number selects the retry variant.
func (r *Restorer) runStep(ctx context.Context, rn *run, step schemas.Step) schemas.StepResult {
	sr := schemas.StepResult{Type: step.Type, Critical: step.Critical}
	retries := r.cfg.RetryAttempts
	if step.Critical {
		retries = r.cfg.CriticalRetryAttempts
	}

	start := time.Now()
	var lastErr error
	operation := func() error {
		sr.Attempts++
		lastErr = r.applyStep(ctx, rn, step, sr.Attempts)
		if errors.Is(lastErr, schemas.ErrStepSkipped) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}
	notify := func(err error, wait time.Duration) {
		rn.logger.Warn("Step failed; retrying.",
			zap.String("step", string(step.Type)),
			zap.Int("attempt", sr.Attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}
	b := backoff.WithContext(stepBackOff(r.cfg.RetryDelay, retries), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	if err != nil && lastErr != nil && !errors.Is(err, lastErr) {
		// Cancelled while waiting; keep the step's own failure visible.
		err = errors.Join(lastErr, err)
	}
	sr.Duration = time.Since(start)
	sr.Retried = sr.Attempts > 1

	switch {
	case err == nil:
		sr.Success = true
	case errors.Is(err, schemas.ErrStepSkipped):
		sr.Success, sr.Skipped = true, true
	default:
		sr.Error = err.Error()
		if !step.Critical {
			rn.warn("%s step failed after %d attempt(s): %v", step.Type, sr.Attempts, err)
		}
	}

	ev := events.New(events.RestoreStepCompleted, rn.plan.ID).
		With("step", string(step.Type)).
		With("attempts", strconv.Itoa(sr.Attempts)).
		With("critical", strconv.FormatBool(step.Critical))
	ev.Success = sr.Success
	ev.Duration = sr.Duration
	ev.Err = sr.Error
	r.bus.Publish(ev)
	return sr
}

func (r *Restorer) applyStep(ctx context.Context, rn *run, step schemas.Step, attempt int) error {
	switch step.Type {
	case schemas.StepNavigation:
		return r.navigate(ctx, rn, dataOr(step.Data, rn.snap.PageInfo.URL))
	case schemas.StepCookies:
		return r.restoreCookies(ctx, rn, dataOr(step.Data, rn.snap.Cookies), attempt)
	case schemas.StepLocalStorage:
		return r.restoreStorage(ctx, rn, jsbind.AreaLocal, dataOr(step.Data, rn.snap.LocalStorage.Values()), attempt)
	case schemas.StepSessionStorage:
		return r.restoreStorage(ctx, rn, jsbind.AreaSession, dataOr(step.Data, rn.snap.SessionStorage.Values()), attempt)
	case schemas.StepIndexedDB:
		return r.restoreIndexedDB(ctx, rn, dataOr(step.Data, rn.snap.IndexedDB))
	case schemas.StepCacheStorage:
		return r.restoreCaches(ctx, rn, dataOr(step.Data, cacheNames(rn.snap.CacheStorage)))
	case schemas.StepDOMState:
		return r.restoreDOM(ctx, rn, dataOr(step.Data, rn.snap.DOMState))
	case schemas.StepVerification:
		if !r.cfg.Verify {
			return schemas.ErrStepSkipped
		}
		return r.verify(ctx, rn)
	default:
		return &schemas.ValidationError{Field: "step.type", Reason: fmt.Sprintf("%q is not a known step", step.Type)}
	}
}

// dataOr returns the step payload when it has the expected type and fallback otherwise,
// which covers plans that were decoded from JSON.
func dataOr[T any](data any, fallback T) T {
	if v, ok := data.(T); ok {
		return v
	}
	return fallback
}

func (r *Restorer) navigate(ctx context.Context, rn *run, target string) error {
	if target == "" {
		return schemas.NewPageError("navigate", schemas.CategoryNavigation, schemas.ErrNoURL)
	}
	nctx, cancel := context.WithTimeout(ctx, r.cfg.NavigationTimeout)
	defer cancel()

	if err := rn.page.Navigate(nctx, target); err != nil {
		return schemas.NewPageError("navigate", schemas.CategoryNavigation, fmt.Errorf("%s is unreachable: %w", target, err))
	}
	if err := rn.page.WaitNetworkIdle(nctx, r.cfg.NetworkIdleQuiet); err != nil {
		rn.warn("network did not settle after navigating to %s: %v", target, err)
	}
	return nil
}

// restoreCookies clears the jar and writes the cookies in paced batches. Each retry
// halves the batch size.
func (r *Restorer) restoreCookies(ctx context.Context, rn *run, cookies []schemas.Cookie, attempt int) error {
	if len(cookies) == 0 {
		return schemas.ErrStepSkipped
	}
	if err := rn.page.ClearCookies(ctx); err != nil {
		return fmt.Errorf("failed to clear cookies: %w", err)
	}

	size := r.cfg.CookieBatchSize >> (attempt - 1)
	if size < 1 {
		size = 1
	}
	limit := rate.Inf
	if r.cfg.CookieBatchPause > 0 {
		limit = rate.Every(r.cfg.CookieBatchPause)
	}
	limiter := rate.NewLimiter(limit, 1)

	for lo := 0; lo < len(cookies); lo += size {
		hi := min(lo+size, len(cookies))
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := rn.page.SetCookies(ctx, cookies[lo:hi]); err != nil {
			return fmt.Errorf("failed to set cookies %d-%d of %d: %w", lo+1, hi, len(cookies), err)
		}
	}
	rn.logger.Debug("Restored cookies.", zap.Int("count", len(cookies)), zap.Int("batch_size", size))
	return nil
}

// restoreStorage clears the area and writes every entry. Retries first wait for the page
// to settle.
func (r *Restorer) restoreStorage(ctx context.Context, rn *run, area jsbind.StorageArea, entries map[string]string, attempt int) error {
	if attempt > 1 {
		if err := r.sleep(ctx, r.cfg.StorageSettleDelay); err != nil {
			return err
		}
	}
	var stored int
	if err := evaluate(ctx, rn.page, jsbind.WriteStorage, jsbind.WriteStorageArg{Area: area, Entries: entries}, &stored); err != nil {
		return err
	}
	if stored != len(entries) {
		return fmt.Errorf("%s holds %d entries after restore, want %d", area, stored, len(entries))
	}
	return nil
}

// restoreIndexedDB swallows per-database failures. The step fails only when no database
// could be restored.
func (r *Restorer) restoreIndexedDB(ctx context.Context, rn *run, dbs []schemas.Database) error {
	if len(dbs) == 0 {
		return schemas.ErrStepSkipped
	}
	var failed []string
	var lastErr error
	for _, db := range dbs {
		var written int
		if err := evaluate(ctx, rn.page, jsbind.WriteIndexedDB, db, &written); err != nil {
			rn.logger.Warn("IndexedDB database restore failed.", zap.String("database", db.Name), zap.Error(err))
			failed = append(failed, db.Name)
			lastErr = err
			continue
		}
		rn.logger.Debug("Restored IndexedDB database.", zap.String("database", db.Name), zap.Int("records", written))
	}
	if len(failed) == len(dbs) {
		return fmt.Errorf("no IndexedDB database could be restored: %w", lastErr)
	}
	if len(failed) > 0 {
		rn.warn("indexedDB: %d of %d databases not restored: %v", len(failed), len(dbs), failed)
	}
	return nil
}

// restoreCaches recreates named caches. Cached responses cannot be restored.
func (r *Restorer) restoreCaches(ctx context.Context, rn *run, names []string) error {
	if len(names) == 0 {
		return schemas.ErrStepSkipped
	}
	var opened int
	return evaluate(ctx, rn.page, jsbind.OpenCaches, names, &opened)
}

func (r *Restorer) restoreDOM(ctx context.Context, rn *run, st schemas.DOMState) error {
	var restored int
	if err := evaluate(ctx, rn.page, jsbind.ApplyDOMState, withoutPasswords(st), &restored); err != nil {
		return err
	}
	rn.logger.Debug("Restored DOM state.", zap.Int("fields", restored))
	return nil
}

// verify re-reads the live page and diffs it against the Snapshot. Only a URL mismatch is
// critical; other differences are reported as warnings.
func (r *Restorer) verify(ctx context.Context, rn *run) error {
	live, err := r.reader.CaptureCore(ctx, rn.page)
	if err != nil {
		return fmt.Errorf("verification could not read the page: %w", err)
	}
	for _, w := range live.Metadata.Warnings {
		rn.warn("verification: %s", w)
	}

	expected := &schemas.Snapshot{
		ID:             rn.snap.ID,
		PageInfo:       schemas.PageInfo{URL: rn.snap.PageInfo.URL},
		Cookies:        rn.snap.Cookies,
		LocalStorage:   rn.snap.LocalStorage,
		SessionStorage: rn.snap.SessionStorage,
	}
	if expected.PageInfo.URL == "" {
		expected.PageInfo.URL = live.PageInfo.URL
	}
	diff := r.comparator.Compare(expected, live)

	rn.mu.Lock()
	rn.verification = diff
	rn.mu.Unlock()

	for _, d := range []struct {
		name string
		diff schemas.DomainDiff
	}{
		{"cookies", diff.Cookies},
		{"localStorage", diff.LocalStorage},
		{"sessionStorage", diff.SessionStorage},
	} {
		if !d.diff.Empty() {
			rn.warn("verification: %s differ (%d differences, %d critical)", d.name, d.diff.Total, d.diff.Critical)
		}
	}
	if diff.URL != nil {
		return fmt.Errorf("verification failed: page is at %s, want %s", diff.URL.After, diff.URL.Before)
	}
	return nil
}

func withoutPasswords(st schemas.DOMState) schemas.DOMState {
	out := st
	out.Forms = make([]schemas.FormState, len(st.Forms))
	for i, f := range st.Forms {
		fields := make([]schemas.FieldState, 0, len(f.Fields))
		for _, fld := range f.Fields {
			if !fld.IsPassword() {
				fields = append(fields, fld)
			}
		}
		f.Fields = fields
		out.Forms[i] = f
	}
	return out
}

func cacheNames(entries []schemas.CacheEntry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

func maxDelay(steps []schemas.Step) time.Duration {
	var d time.Duration
	for _, s := range steps {
		d = max(d, s.Delay)
	}
	return d
}

func evaluate(ctx context.Context, page schemas.Page, name jsbind.Name, arg, res any) error {
	script, err := jsbind.Call{Name: name, Arg: arg}.Render()
	if err != nil {
		return err
	}
	return page.Evaluate(ctx, script, res)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
