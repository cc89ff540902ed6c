// internal/replay/replayer.go
package replay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
	"github.com/xkilldash9x/scalpel-state/internal/browser/jsbind"
	"github.com/xkilldash9x/scalpel-state/internal/config"
	"github.com/xkilldash9x/scalpel-state/internal/events"
	"github.com/xkilldash9x/scalpel-state/internal/restore"
)

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Seeder restores a Snapshot before the first action runs.
type Seeder interface {
	Restore(ctx context.Context, page schemas.Page, snap *schemas.Snapshot, opts restore.PlanOptions) (*schemas.RestorationResult, error)
}

// Dependencies are the optional collaborators of a Replayer. Zero values disable the
// matching feature: no Seeder means no seed restoration, no Analyzer means
// screenshot-analysis actions are skipped, no ArtifactDir means no screenshots.
type Dependencies struct {
	Seeder      Seeder
	Analyzer    schemas.VisualAnalyzer
	Similarity  SimilarityFunc
	Bus         events.Publisher
	ArtifactDir string
	Sleep       Sleeper
}

// Options tune a single Replay call. DryRun and StopOnError add to the configured values.
type Options struct {
	Seed            *schemas.Snapshot
	SeedOptions     restore.PlanOptions
	SpeedMultiplier float64
	DryRun          bool
	StopOnError     bool
}

// Replayer dispatches recorded actions against a page, strictly in order.
type Replayer struct {
	cfg         config.ReplayConfig
	seeder      Seeder
	analyzer    schemas.VisualAnalyzer
	similarity  SimilarityFunc
	bus         events.Publisher
	artifactDir string
	sleep       Sleeper
	logger      *zap.Logger
}

// New validates cfg and returns a Replayer.
func New(cfg config.ReplayConfig, deps Dependencies, logger *zap.Logger) (*Replayer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	similarity := deps.Similarity
	if similarity == nil {
		fn, err := SimilarityFor(cfg.SimilarityMethod)
		if err != nil {
			return nil, err
		}
		similarity = fn
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return &Replayer{
		cfg:         cfg,
		seeder:      deps.Seeder,
		analyzer:    deps.Analyzer,
		similarity:  similarity,
		bus:         events.OrDiscard(deps.Bus),
		artifactDir: deps.ArtifactDir,
		sleep:       sleep,
		logger:      logger.Named("replayer"),
	}, nil
}

// run is the state of one Replay call.
type run struct {
	id          string
	page        schemas.Page
	speed       float64
	dryRun      bool
	stopOnError bool
	// dir receives screenshots; empty when no artifact directory is configured.
	dir         string
	screenshots bool
	aborted     bool
	res         *schemas.ReplayResult
	done        atomic.Int64
	logger      *zap.Logger
}

func (rn *run) warn(format string, args ...any) {
	rn.res.Warnings = append(rn.res.Warnings, fmt.Sprintf(format, args...))
}

// Replay runs actions against page. The returned error is reserved for invalid options;
// action failures are reported in the result.
func (r *Replayer) Replay(ctx context.Context, page schemas.Page, actions []schemas.Action, opts Options) (*schemas.ReplayResult, error) {
	speed := opts.SpeedMultiplier
	if speed == 0 {
		speed = r.cfg.SpeedMultiplier
	}
	if speed <= 0 {
		return nil, &schemas.ValidationError{Field: "speed_multiplier", Reason: "must be greater than 0"}
	}

	rn := &run{
		id:          uuid.NewString(),
		page:        page,
		speed:       speed,
		dryRun:      opts.DryRun || r.cfg.DryRun,
		stopOnError: opts.StopOnError || r.cfg.StopOnError,
	}
	rn.logger = r.logger.With(zap.String("replay_id", rn.id))
	rn.res = &schemas.ReplayResult{
		ID:           rn.id,
		DryRun:       rn.dryRun,
		TotalActions: len(actions),
		Actions:      make([]schemas.ActionResult, 0, len(actions)),
		StartedAt:    time.Now().UTC(),
	}
	if r.artifactDir != "" {
		rn.dir = filepath.Join(r.artifactDir, "replay", rn.id)
	}
	rn.screenshots = r.cfg.TakeScreenshots && rn.dir != "" && !rn.dryRun
	if r.cfg.TakeScreenshots && rn.dir == "" && !rn.dryRun {
		rn.warn("screenshots disabled: no artifact directory configured")
	}

	r.bus.Publish(events.New(events.ReplayStarted, rn.id).
		With("actions", strconv.Itoa(len(actions))).
		With("dry_run", strconv.FormatBool(rn.dryRun)))
	rn.logger.Info("Starting replay.", zap.Int("actions", len(actions)), zap.Float64("speed", speed), zap.Bool("dry_run", rn.dryRun))

	hb := events.NewHeartbeat(r.cfg.HeartbeatInterval, func(tick int) {
		r.bus.Publish(events.New(events.ReplayHeartbeat, rn.id).
			With("tick", strconv.Itoa(tick)).
			With("completed", strconv.FormatInt(rn.done.Load(), 10)).
			With("total", strconv.Itoa(len(actions))))
	})
	hb.Start(ctx)
	defer hb.Stop()

	if opts.Seed != nil && r.cfg.RestoreBeforeReplay && !rn.dryRun {
		rn.aborted = !r.seed(ctx, rn, opts) && rn.stopOnError
	}

	for i := 0; i < len(actions) && !rn.aborted; i++ {
		if i > 0 && !rn.dryRun {
			if err := r.sleep(ctx, Delay(actions[i-1], actions[i], speed)); err != nil {
				rn.warn("replay interrupted before action %d: %v", i, err)
				rn.aborted = true
				break
			}
		}

		ar := r.replayAction(ctx, rn, i, actions[i])
		rn.res.Actions = append(rn.res.Actions, ar)
		rn.done.Add(1)
		tally(rn.res, ar)

		if !ar.Success && rn.stopOnError {
			rn.logger.Warn("Stopping replay after unrecovered failure.", zap.Int("index", i), zap.String("error", ar.Error))
			rn.aborted = true
		}
	}
	for i := len(rn.res.Actions); i < len(actions); i++ {
		ar := schemas.ActionResult{Index: i, ActionID: actions[i].ID, Type: actions[i].Type, Skipped: true}
		rn.res.Actions = append(rn.res.Actions, ar)
		rn.res.SkippedActions++
	}

	r.finish(rn, actions)
	return rn.res, nil
}

// seed restores the seed Snapshot and reports whether it succeeded.
func (r *Replayer) seed(ctx context.Context, rn *run, opts Options) bool {
	if r.seeder == nil {
		rn.warn("seed snapshot ignored: no restorer configured")
		return false
	}
	res, err := r.seeder.Restore(ctx, rn.page, opts.Seed, opts.SeedOptions)
	if err != nil {
		rn.warn("seed restoration failed: %v", err)
		return false
	}
	rn.res.Seed = res
	if !res.Success {
		rn.warn("seed restoration was unsuccessful")
		return false
	}
	return true
}

func (r *Replayer) finish(rn *run, actions []schemas.Action) {
	res := rn.res
	res.FinishedAt = time.Now().UTC()
	res.Success = res.FailedActions == 0 && !rn.aborted

	if n := len(actions); n > 1 {
		res.Performance.OriginalDuration = max(0, actions[n-1].Timestamp.Sub(actions[0].Timestamp))
	}
	res.Performance.ReplayDuration = res.FinishedAt.Sub(res.StartedAt)
	if res.Performance.ReplayDuration > 0 {
		res.Performance.SpeedRatio = float64(res.Performance.OriginalDuration) / float64(res.Performance.ReplayDuration)
	}

	done := events.New(events.ReplayCompleted, rn.id).
		With("successful", strconv.Itoa(res.SuccessfulActions)).
		With("failed", strconv.Itoa(res.FailedActions)).
		With("retried", strconv.Itoa(res.RetriedActions)).
		With("skipped", strconv.Itoa(res.SkippedActions))
	done.Success = res.Success
	done.Duration = res.Performance.ReplayDuration
	r.bus.Publish(done)
	rn.logger.Info("Replay finished.",
		zap.Bool("success", res.Success),
		zap.Int("successful", res.SuccessfulActions),
		zap.Int("failed", res.FailedActions),
		zap.Int("retried", res.RetriedActions),
		zap.Int("skipped", res.SkippedActions),
		zap.Duration("duration", res.Performance.ReplayDuration))
}

// tally folds one action result into the counters. A recovered action is a success
// and a retry, never a failure.
func tally(res *schemas.ReplayResult, ar schemas.ActionResult) {
	switch {
	case ar.Skipped:
		res.SkippedActions++
	case ar.Success:
		res.SuccessfulActions++
	default:
		res.FailedActions++
	}
	if ar.Recovered {
		res.RetriedActions++
	}
}

// Delay is the pause before next: the recorded gap scaled by speed, clamped at zero.
func Delay(prev, next schemas.Action, speed float64) time.Duration {
	gap := next.Timestamp.Sub(prev.Timestamp)
	if gap <= 0 || speed <= 0 {
		return 0
	}
	return time.Duration(float64(gap) / speed)
}

func (r *Replayer) replayAction(ctx context.Context, rn *run, index int, a schemas.Action) schemas.ActionResult {
	ar := schemas.ActionResult{Index: index, ActionID: a.ID, Type: a.Type}
	start := time.Now()
	log := rn.logger.With(zap.Int("index", index), zap.String("type", string(a.Type)))

	switch {
	case rn.dryRun:
		log.Info("Dry run: would dispatch action.", zap.String("url", a.URL), zap.String("selector", a.Selector))
		ar.Skipped = true
	case a.Type.IsMarker():
		ar.Skipped = true
	case a.Type == schemas.ActionScreenshotAnalysis && r.analyzer == nil:
		rn.warn("action %d: screenshot analysis skipped: %v", index, schemas.ErrVisionDisabled)
		ar.Skipped = true
	default:
		err := r.dispatch(ctx, rn, index, a, &ar)
		if err != nil && r.cfg.RecoveryEnabled {
			err = r.recoverAction(ctx, rn, index, a, &ar, err)
		}
		if err == nil {
			err = r.checkScreenshot(ctx, rn, index, a, &ar)
		}
		ar.Success = err == nil
		if err != nil {
			ar.Error = err.Error()
			log.Warn("Action failed.", zap.Error(err), zap.Int("recovery_attempts", ar.RecoveryAttempts))
		}
	}
	ar.Duration = time.Since(start)

	ev := events.New(events.ReplayActionCompleted, rn.id).
		With("index", strconv.Itoa(index)).
		With("type", string(a.Type)).
		With("recovered", strconv.FormatBool(ar.Recovered))
	ev.Success = ar.Success || ar.Skipped
	ev.Duration = ar.Duration
	ev.Err = ar.Error
	r.bus.Publish(ev)
	return ar
}

// recoverAction applies the selected strategy and re-attempts the action once per
// recovery attempt. It returns the last error, or nil when a re-attempt succeeded. The
// strategy is always chosen from the action's own failure, never from a failed recovery.
func (r *Replayer) recoverAction(ctx context.Context, rn *run, index int, a schemas.Action, ar *schemas.ActionResult, cause error) error {
	if r.cfg.MaxRecoveryAttempts <= 0 {
		return cause
	}
	env := recoveryEnv{page: rn.page, sleep: r.sleep, delay: r.cfg.RecoveryDelay}
	operation := func() error {
		ar.RecoveryAttempts++
		strategy := SelectStrategy(cause, a.Type)
		ar.Strategy = strategy.Name

		r.bus.Publish(events.New(events.ReplayRecovery, rn.id).
			With("index", strconv.Itoa(index)).
			With("strategy", strategy.Name).
			With("category", string(schemas.CategorizeError(cause))).
			With("attempt", strconv.Itoa(ar.RecoveryAttempts)))
		rn.logger.Info("Recovering failed action.",
			zap.Int("index", index),
			zap.String("strategy", strategy.Name),
			zap.Int("attempt", ar.RecoveryAttempts),
			zap.Error(cause))

		if err := strategy.apply(ctx, env); err != nil {
			return fmt.Errorf("recovery %s failed: %w", strategy.Name, err)
		}
		if err := r.dispatch(ctx, rn, index, a, ar); err != nil {
			cause = err
			return err
		}
		return nil
	}
	// Strategies own their pauses, so attempts follow each other without extra delay.
	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(r.cfg.MaxRecoveryAttempts-1)), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return err
	}
	ar.Recovered = true
	return nil
}

// dispatch performs the page operation of a under the action timeout.
func (r *Replayer) dispatch(ctx context.Context, rn *run, index int, a schemas.Action, ar *schemas.ActionResult) error {
	actx, cancel := context.WithTimeout(ctx, r.cfg.ActionTimeout)
	defer cancel()
	page := rn.page

	switch a.Type {
	case schemas.ActionNavigation:
		return page.Navigate(actx, a.URL)
	case schemas.ActionClick:
		if err := page.WaitSelector(actx, a.Selector); err != nil {
			return err
		}
		return page.Click(actx, a.Selector)
	case schemas.ActionTypeText:
		if err := page.WaitSelector(actx, a.Selector); err != nil {
			return err
		}
		return page.Type(actx, a.Selector, a.Text, a.ClearFirst)
	case schemas.ActionScroll:
		return page.Scroll(actx, a.X, a.Y, a.Selector)
	case schemas.ActionWait:
		return r.sleep(ctx, time.Duration(float64(a.Duration)/rn.speed))
	case schemas.ActionCommand:
		return page.RawCommand(actx, a.Command, a.Params, nil)
	case schemas.ActionConsoleLog:
		script, err := jsbind.Call{Name: jsbind.ConsoleLog, Arg: jsbind.ConsoleLogArg{Level: a.Level, Message: a.Message}}.Render()
		if err != nil {
			return err
		}
		return page.Evaluate(actx, script, nil)
	case schemas.ActionScreenshotAnalysis:
		return r.analyze(actx, rn, index, a, ar)
	default:
		return &schemas.ValidationError{Field: "action.type", Reason: fmt.Sprintf("%q is not a known action", a.Type)}
	}
}

func (r *Replayer) analyze(ctx context.Context, rn *run, index int, a schemas.Action, ar *schemas.ActionResult) error {
	if rn.dir == "" {
		return errors.New("screenshot analysis requires an artifact directory")
	}
	path, err := r.screenshot(ctx, rn, fmt.Sprintf("analysis-%d.png", index))
	if err != nil {
		return err
	}
	ar.Screenshot = path

	analysis, err := r.analyzer.Analyze(ctx, path, a.Prompt)
	if err != nil {
		return fmt.Errorf("visual analysis failed: %w", err)
	}
	ar.Analysis = analysis
	if analysis.Confidence < r.cfg.AnalysisMinConfidence {
		return fmt.Errorf("visual analysis confidence %.2f is below %.2f", analysis.Confidence, r.cfg.AnalysisMinConfidence)
	}
	return nil
}

// checkScreenshot captures the post-action screenshot and compares it with the recorded
// reference. Capture problems are warnings; only a failed comparison fails the action.
func (r *Replayer) checkScreenshot(ctx context.Context, rn *run, index int, a schemas.Action, ar *schemas.ActionResult) error {
	if !rn.screenshots || a.Type == schemas.ActionScreenshotAnalysis || a.Type == schemas.ActionWait {
		return nil
	}
	path, err := r.screenshot(ctx, rn, fmt.Sprintf("action-%d.png", index))
	if err != nil {
		rn.warn("action %d: screenshot failed: %v", index, err)
		return nil
	}
	ar.Screenshot = path

	if !r.cfg.CompareScreenshots || a.Screenshot == "" {
		return nil
	}
	reference, err := os.ReadFile(a.Screenshot)
	if err != nil {
		rn.warn("action %d: reference screenshot unavailable: %v", index, err)
		return nil
	}
	current, err := os.ReadFile(path)
	if err != nil {
		rn.warn("action %d: screenshot unreadable: %v", index, err)
		return nil
	}
	score, err := r.similarity(reference, current)
	if err != nil {
		rn.warn("action %d: screenshot comparison failed: %v", index, err)
		return nil
	}

	method := r.cfg.SimilarityMethod
	if method == "" {
		method = MethodSizeRatio
	}
	ar.Comparison = &schemas.ScreenshotComparison{
		Reference:  a.Screenshot,
		Similarity: score,
		Threshold:  r.cfg.SimilarityThreshold,
		Passed:     score >= r.cfg.SimilarityThreshold,
		Method:     method,
	}
	if ar.Comparison.Passed {
		return nil
	}

	ev := events.New(events.ReplayRegression, rn.id).
		With("index", strconv.Itoa(index)).
		With("similarity", strconv.FormatFloat(score, 'f', 4, 64)).
		With("reference", a.Screenshot).
		With("screenshot", path)
	r.bus.Publish(ev)
	return fmt.Errorf("screenshot similarity %.2f is below threshold %.2f", score, r.cfg.SimilarityThreshold)
}

func (r *Replayer) screenshot(ctx context.Context, rn *run, name string) (string, error) {
	png, err := rn.page.Screenshot(ctx)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(rn.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	path := filepath.Join(rn.dir, name)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}
	return path, nil
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
