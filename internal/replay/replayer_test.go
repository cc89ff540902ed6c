package replay_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
	"github.com/xkilldash9x/scalpel-state/internal/config"
	"github.com/xkilldash9x/scalpel-state/internal/events"
	"github.com/xkilldash9x/scalpel-state/internal/mocks"
	"github.com/xkilldash9x/scalpel-state/internal/replay"
	"github.com/xkilldash9x/scalpel-state/internal/restore"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// sleeper records requested pauses without waiting.
type sleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = append(s.slept, d)
	return ctx.Err()
}

func (s *sleeper) calls() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.slept...)
}

func replayConfig() config.ReplayConfig {
	cfg := config.NewDefaultConfig().Replay()
	cfg.TakeScreenshots = false
	cfg.CompareScreenshots = false
	cfg.HeartbeatInterval = 0
	cfg.RecoveryDelay = 0
	return cfg
}

type fixture struct {
	replayer *replay.Replayer
	bus      *recorder
	sleeper  *sleeper
}

func newFixture(t *testing.T, cfg config.ReplayConfig, deps replay.Dependencies) fixture {
	t.Helper()
	f := fixture{bus: &recorder{}, sleeper: &sleeper{}}
	deps.Bus = f.bus
	if deps.Sleep == nil {
		deps.Sleep = f.sleeper.Sleep
	}
	r, err := replay.New(cfg, deps, zaptest.NewLogger(t))
	require.NoError(t, err)
	f.replayer = r
	return f
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func click(sel string, at time.Duration) schemas.Action {
	return schemas.Action{Type: schemas.ActionClick, Selector: sel, Timestamp: t0.Add(at)}
}

func TestReplay_TimingPreserved(t *testing.T) {
	actions := []schemas.Action{
		click("#a", 0),
		click("#b", 500*time.Millisecond),
		click("#c", 1500*time.Millisecond),
	}

	for speed, want := range map[float64][]time.Duration{
		1: {500 * time.Millisecond, 1000 * time.Millisecond},
		2: {250 * time.Millisecond, 500 * time.Millisecond},
	} {
		f := newFixture(t, replayConfig(), replay.Dependencies{})
		page := mocks.NewPage()

		res, err := f.replayer.Replay(context.Background(), page, actions, replay.Options{SpeedMultiplier: speed})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, want, f.sleeper.calls(), "speed %v", speed)
		assert.Equal(t, []string{"#a", "#b", "#c"}, page.Clicked)
		assert.Equal(t, 1500*time.Millisecond, res.Performance.OriginalDuration)
	}
}

func TestDelay(t *testing.T) {
	a := schemas.Action{Timestamp: t0}
	b := schemas.Action{Timestamp: t0.Add(time.Second)}
	assert.Equal(t, time.Second, replay.Delay(a, b, 1))
	assert.Equal(t, 250*time.Millisecond, replay.Delay(a, b, 4))
	assert.Zero(t, replay.Delay(b, a, 1), "negative gaps clamp to zero")
	assert.Zero(t, replay.Delay(a, a, 1))
}

func TestReplay_DispatchesEveryType(t *testing.T) {
	f := newFixture(t, replayConfig(), replay.Dependencies{})
	page := mocks.NewPage()
	page.CommandResults["Page.bringToFront"] = map[string]any{}

	actions := []schemas.Action{
		{Type: schemas.ActionNavigation, URL: "https://app.ex.com/", Timestamp: t0},
		{Type: schemas.ActionClick, Selector: "#login", Timestamp: t0},
		{Type: schemas.ActionTypeText, Selector: "#user", Text: "ada", ClearFirst: true, Timestamp: t0},
		{Type: schemas.ActionScroll, X: 0, Y: 400, Timestamp: t0},
		{Type: schemas.ActionWait, Duration: 2 * time.Second, Timestamp: t0},
		{Type: schemas.ActionCommand, Command: "Page.bringToFront", Timestamp: t0},
		{Type: schemas.ActionConsoleLog, Level: "info", Message: "hello", Timestamp: t0},
	}
	res, err := f.replayer.Replay(context.Background(), page, actions, replay.Options{SpeedMultiplier: 2})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, len(actions), res.SuccessfulActions)

	assert.Equal(t, "https://app.ex.com/", page.URL)
	assert.Equal(t, []string{"#login"}, page.Clicked)
	assert.Equal(t, "ada", page.Typed["#user"])
	assert.Equal(t, []schemas.ScrollState{{Y: 400}}, page.ScrolledTo)
	assert.Equal(t, []string{"Page.bringToFront"}, page.CommandsInvoked)
	require.Len(t, page.Console, 1)
	assert.Equal(t, "hello", page.Console[0].Message)
	assert.Contains(t, f.sleeper.calls(), time.Second, "wait actions are scaled by speed")
}

func TestReplay_RecoveryAccounting(t *testing.T) {
	f := newFixture(t, replayConfig(), replay.Dependencies{})
	page := mocks.NewPage()
	page.FailTimes(mocks.OpClick, 1, schemas.NewPageError(mocks.OpClick, schemas.CategorySelector, errors.New("node detached")))

	res, err := f.replayer.Replay(context.Background(), page, []schemas.Action{click("#buy", 0)}, replay.Options{})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.SuccessfulActions)
	assert.Equal(t, 1, res.RetriedActions)
	assert.Zero(t, res.FailedActions)

	ar := res.Actions[0]
	assert.True(t, ar.Success)
	assert.True(t, ar.Recovered)
	assert.Equal(t, 1, ar.RecoveryAttempts)
	assert.Equal(t, replay.StrategyWaitThenReload, ar.Strategy)
	assert.Equal(t, 1, page.Count(mocks.OpReload))
	assert.Len(t, f.bus.ofType(events.ReplayRecovery), 1)
}

func TestReplay_RecoveryExhaustedContinues(t *testing.T) {
	cfg := replayConfig()
	cfg.MaxRecoveryAttempts = 2
	f := newFixture(t, cfg, replay.Dependencies{})
	page := mocks.NewPage()
	page.FailAlways(mocks.OpType, schemas.NewPageError(mocks.OpType, schemas.CategoryTimeout, context.DeadlineExceeded))

	actions := []schemas.Action{
		{Type: schemas.ActionTypeText, Selector: "#q", Text: "x", Timestamp: t0},
		click("#next", 0),
	}
	res, err := f.replayer.Replay(context.Background(), page, actions, replay.Options{})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.FailedActions)
	assert.Equal(t, 1, res.SuccessfulActions)
	assert.Zero(t, res.RetriedActions, "an exhausted recovery is not a retry")

	failed := res.Actions[0]
	assert.False(t, failed.Recovered)
	assert.Equal(t, 2, failed.RecoveryAttempts)
	assert.Equal(t, replay.StrategyReloadAndWait, failed.Strategy)
	assert.Contains(t, failed.Error, "deadline exceeded")
	assert.Equal(t, 2, page.Count(mocks.OpReload))
	assert.Equal(t, []string{"#next"}, page.Clicked, "replay continues after an unrecovered action")
}

func TestReplay_RecoveryStrategyFollowsActionFailure(t *testing.T) {
	cfg := replayConfig()
	cfg.MaxRecoveryAttempts = 2
	f := newFixture(t, cfg, replay.Dependencies{})
	page := mocks.NewPage()
	page.FailTimes(mocks.OpClick, 1, schemas.NewPageError(mocks.OpClick, schemas.CategorySelector, errors.New("no node")))
	page.FailTimes(mocks.OpReload, 1, schemas.NewPageError(mocks.OpReload, schemas.CategoryNetwork, errors.New("net::ERR_CONNECTION_RESET")))

	res, err := f.replayer.Replay(context.Background(), page, []schemas.Action{click("#buy", 0)}, replay.Options{})
	require.NoError(t, err)

	ar := res.Actions[0]
	assert.True(t, ar.Recovered)
	assert.Equal(t, 2, ar.RecoveryAttempts)
	assert.Equal(t, 1, res.RetriedActions)

	recoveries := f.bus.ofType(events.ReplayRecovery)
	require.Len(t, recoveries, 2)
	for _, e := range recoveries {
		assert.Equal(t, replay.StrategyWaitThenReload, e.Attrs["strategy"], "a failed reload does not change the strategy")
		assert.Equal(t, string(schemas.CategorySelector), e.Attrs["category"])
	}
}

func TestReplay_RecoveryDisabled(t *testing.T) {
	cfg := replayConfig()
	cfg.RecoveryEnabled = false
	f := newFixture(t, cfg, replay.Dependencies{})
	page := mocks.NewPage()
	page.Missing["#gone"] = true

	res, err := f.replayer.Replay(context.Background(), page, []schemas.Action{click("#gone", 0)}, replay.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedActions)
	assert.Zero(t, res.RetriedActions)
	assert.Zero(t, page.Count(mocks.OpReload))
}

func TestReplay_StopOnError(t *testing.T) {
	cfg := replayConfig()
	cfg.RecoveryEnabled = false
	f := newFixture(t, cfg, replay.Dependencies{})
	page := mocks.NewPage()
	page.Missing["#gone"] = true

	actions := []schemas.Action{click("#gone", 0), click("#a", time.Second), click("#b", 2*time.Second)}
	res, err := f.replayer.Replay(context.Background(), page, actions, replay.Options{StopOnError: true})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.FailedActions)
	assert.Equal(t, 2, res.SkippedActions)
	require.Len(t, res.Actions, 3)
	assert.True(t, res.Actions[1].Skipped)
	assert.True(t, res.Actions[2].Skipped)
	assert.Empty(t, page.Clicked)
}

func TestReplay_DryRun(t *testing.T) {
	f := newFixture(t, replayConfig(), replay.Dependencies{})
	page := mocks.NewPage()

	actions := []schemas.Action{
		{Type: schemas.ActionNavigation, URL: "https://app.ex.com/", Timestamp: t0},
		click("#a", time.Second),
	}
	res, err := f.replayer.Replay(context.Background(), page, actions, replay.Options{DryRun: true, Seed: &schemas.Snapshot{ID: "s"}})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.DryRun)
	assert.Equal(t, 2, res.SkippedActions)
	assert.Empty(t, page.Calls(), "dry runs never touch the page")
	assert.Empty(t, f.sleeper.calls())
}

func TestReplay_MarkersSkipped(t *testing.T) {
	f := newFixture(t, replayConfig(), replay.Dependencies{})
	page := mocks.NewPage()

	actions := []schemas.Action{
		{Type: schemas.ActionRequest, URL: "https://api.ex.com/x", Timestamp: t0},
		{Type: schemas.ActionResponse, URL: "https://api.ex.com/x", Timestamp: t0},
	}
	res, err := f.replayer.Replay(context.Background(), page, actions, replay.Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.SkippedActions)
	assert.Empty(t, page.Calls())
}

func TestReplay_ScreenshotAnalysis(t *testing.T) {
	dir := t.TempDir()
	analyzer := new(mocks.MockVisualAnalyzer)
	analyzer.On("Analyze", mock.Anything, mock.AnythingOfType("string"), "is the cart visible?").
		Return(&schemas.VisualAnalysis{Confidence: 0.9, Description: "cart shown"}, nil).Once()
	analyzer.On("Analyze", mock.Anything, mock.AnythingOfType("string"), "is the banner gone?").
		Return(&schemas.VisualAnalysis{Confidence: 0.1, Description: "unsure"}, nil)

	cfg := replayConfig()
	cfg.RecoveryEnabled = false
	f := newFixture(t, cfg, replay.Dependencies{Analyzer: analyzer, ArtifactDir: dir})
	page := mocks.NewPage()

	actions := []schemas.Action{
		{Type: schemas.ActionScreenshotAnalysis, Prompt: "is the cart visible?", Timestamp: t0},
		{Type: schemas.ActionScreenshotAnalysis, Prompt: "is the banner gone?", Timestamp: t0},
	}
	res, err := f.replayer.Replay(context.Background(), page, actions, replay.Options{})
	require.NoError(t, err)
	analyzer.AssertExpectations(t)

	ok := res.Actions[0]
	assert.True(t, ok.Success)
	require.NotNil(t, ok.Analysis)
	assert.Equal(t, "cart shown", ok.Analysis.Description)
	assert.FileExists(t, ok.Screenshot)
	assert.Equal(t, filepath.Join(dir, "replay", res.ID), filepath.Dir(ok.Screenshot))

	low := res.Actions[1]
	assert.False(t, low.Success)
	assert.Contains(t, low.Error, "confidence 0.10")
}

func TestReplay_ScreenshotAnalysisWithoutAnalyzer(t *testing.T) {
	f := newFixture(t, replayConfig(), replay.Dependencies{ArtifactDir: t.TempDir()})
	page := mocks.NewPage()

	res, err := f.replayer.Replay(context.Background(), page,
		[]schemas.Action{{Type: schemas.ActionScreenshotAnalysis, Prompt: "?", Timestamp: t0}}, replay.Options{})
	require.NoError(t, err)
	assert.True(t, res.Success, "a missing analyzer is not an error")
	assert.True(t, res.Actions[0].Skipped)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "visual analysis is disabled")
}

func TestReplay_ScreenshotRegression(t *testing.T) {
	dir := t.TempDir()
	match := filepath.Join(dir, "match.png")
	differ := filepath.Join(dir, "differ.png")

	page := mocks.NewPage()
	require.NoError(t, os.WriteFile(match, page.ScreenshotPNG, 0o644))
	require.NoError(t, os.WriteFile(differ, make([]byte, 20*len(page.ScreenshotPNG)), 0o644))

	cfg := replayConfig()
	cfg.TakeScreenshots = true
	cfg.CompareScreenshots = true
	cfg.SimilarityThreshold = 0.9
	f := newFixture(t, cfg, replay.Dependencies{ArtifactDir: dir})

	a := click("#a", 0)
	a.Screenshot = match
	b := click("#b", 0)
	b.Screenshot = differ

	res, err := f.replayer.Replay(context.Background(), page, []schemas.Action{a, b}, replay.Options{})
	require.NoError(t, err)
	assert.False(t, res.Success)

	same := res.Actions[0]
	assert.True(t, same.Success)
	require.NotNil(t, same.Comparison)
	assert.InDelta(t, 1.0, same.Comparison.Similarity, 1e-9)
	assert.Equal(t, replay.MethodSizeRatio, same.Comparison.Method)

	regressed := res.Actions[1]
	assert.False(t, regressed.Success)
	require.NotNil(t, regressed.Comparison)
	assert.False(t, regressed.Comparison.Passed)
	assert.InDelta(t, 0.05, regressed.Comparison.Similarity, 1e-9)

	assert.Zero(t, page.Count(mocks.OpReload), "regressions are not recovered")
	regressions := f.bus.ofType(events.ReplayRegression)
	require.Len(t, regressions, 1)
	assert.Equal(t, "1", regressions[0].Attrs["index"])
}

type fakeSeeder struct {
	result *schemas.RestorationResult
	err    error
	calls  int
}

func (s *fakeSeeder) Restore(ctx context.Context, page schemas.Page, snap *schemas.Snapshot, opts restore.PlanOptions) (*schemas.RestorationResult, error) {
	s.calls++
	return s.result, s.err
}

func TestReplay_Seed(t *testing.T) {
	snap := &schemas.Snapshot{ID: "seed"}
	actions := []schemas.Action{click("#a", 0)}

	t.Run("success", func(t *testing.T) {
		seeder := &fakeSeeder{result: &schemas.RestorationResult{Success: true}}
		f := newFixture(t, replayConfig(), replay.Dependencies{Seeder: seeder})
		res, err := f.replayer.Replay(context.Background(), mocks.NewPage(), actions, replay.Options{Seed: snap})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 1, seeder.calls)
		require.NotNil(t, res.Seed)
	})

	t.Run("failure is a warning", func(t *testing.T) {
		seeder := &fakeSeeder{result: &schemas.RestorationResult{Success: false}}
		f := newFixture(t, replayConfig(), replay.Dependencies{Seeder: seeder})
		res, err := f.replayer.Replay(context.Background(), mocks.NewPage(), actions, replay.Options{Seed: snap})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 1, res.SuccessfulActions)
		assert.Contains(t, res.Warnings, "seed restoration was unsuccessful")
	})

	t.Run("failure aborts with stop on error", func(t *testing.T) {
		seeder := &fakeSeeder{err: errors.New("browser gone")}
		f := newFixture(t, replayConfig(), replay.Dependencies{Seeder: seeder})
		page := mocks.NewPage()
		res, err := f.replayer.Replay(context.Background(), page, actions, replay.Options{Seed: snap, StopOnError: true})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, 1, res.SkippedActions)
		assert.Empty(t, page.Clicked)
	})
}

func TestReplay_Heartbeat(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := replayConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	bus := &recorder{}
	r, err := replay.New(cfg, replay.Dependencies{Bus: bus}, zaptest.NewLogger(t))
	require.NoError(t, err)

	actions := []schemas.Action{{Type: schemas.ActionWait, Duration: 60 * time.Millisecond, Timestamp: t0}}
	res, err := r.Replay(context.Background(), mocks.NewPage(), actions, replay.Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)

	beats := bus.ofType(events.ReplayHeartbeat)
	require.NotEmpty(t, beats)
	assert.Equal(t, "1", beats[0].Attrs["total"])
	assert.Len(t, bus.ofType(events.ReplayCompleted), 1)
}

func TestReplay_InvalidSpeed(t *testing.T) {
	f := newFixture(t, replayConfig(), replay.Dependencies{})
	_, err := f.replayer.Replay(context.Background(), mocks.NewPage(), nil, replay.Options{SpeedMultiplier: -1})
	var verr *schemas.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := replayConfig()
	cfg.SpeedMultiplier = 0
	_, err := replay.New(cfg, replay.Dependencies{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
