package restore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
	"github.com/xkilldash9x/scalpel-state/internal/config"
	"github.com/xkilldash9x/scalpel-state/internal/restore"
)

func fullSnapshot() *schemas.Snapshot {
	return &schemas.Snapshot{
		ID:       "snap-1",
		Version:  schemas.SnapshotVersion,
		PageInfo: schemas.PageInfo{URL: "https://app.ex.com/dashboard"},
		Cookies: []schemas.Cookie{
			{Name: "sid", Value: "abc", Domain: ".ex.com", Path: "/"},
		},
		LocalStorage:   schemas.KeyValueStore{"theme": schemas.NewStorageEntry("theme", "dark")},
		SessionStorage: schemas.KeyValueStore{},
		IndexedDB:      []schemas.Database{{Name: "app", Version: 1}},
		CacheStorage:   []schemas.CacheEntry{{Name: "v1"}},
		DOMState:       schemas.DOMState{Scroll: schemas.ScrollState{Y: 120}},
	}
}

func stepTypes(plan *schemas.RestorationPlan) []schemas.StepType {
	out := make([]schemas.StepType, len(plan.Steps))
	for i, s := range plan.Steps {
		out[i] = s.Type
	}
	return out
}

func newPlanner(t *testing.T, cfg config.RestoreConfig) *restore.Planner {
	t.Helper()
	p, err := restore.NewPlanner(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return p
}

func TestPlan_Ordering(t *testing.T) {
	p := newPlanner(t, config.NewDefaultConfig().Restore())
	plan, err := p.Plan(fullSnapshot(), restore.PlanOptions{IncludeIndexedDB: true, IncludeCacheStorage: true, IncludeDOMState: true})
	require.NoError(t, err)

	assert.NotEmpty(t, plan.ID)
	assert.Equal(t, []schemas.StepType{
		schemas.StepNavigation,
		schemas.StepCookies,
		schemas.StepLocalStorage,
		schemas.StepSessionStorage,
		schemas.StepIndexedDB,
		schemas.StepCacheStorage,
		schemas.StepDOMState,
		schemas.StepVerification,
	}, stepTypes(plan))

	for _, s := range plan.Steps {
		assert.Equalf(t, s.Type.IsCritical(), s.Critical, "step %s", s.Type)
		assert.False(t, s.Parallel, "sequential plans never mark steps parallel")
		assert.Equal(t, 100*time.Millisecond, s.Delay)
	}
	assert.Equal(t, "https://app.ex.com/dashboard", plan.Steps[0].Data)
	assert.Equal(t, map[string]string{"theme": "dark"}, plan.Steps[2].Data)
	assert.Equal(t, map[string]string{}, plan.Steps[3].Data)
	assert.Equal(t, []string{"v1"}, plan.Steps[5].Data)
}

func TestPlan_OptionalStepsOmitted(t *testing.T) {
	p := newPlanner(t, config.NewDefaultConfig().Restore())

	plan, err := p.Plan(fullSnapshot(), restore.PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, []schemas.StepType{
		schemas.StepNavigation,
		schemas.StepCookies,
		schemas.StepLocalStorage,
		schemas.StepSessionStorage,
		schemas.StepVerification,
	}, stepTypes(plan))

	bare := &schemas.Snapshot{ID: "empty"}
	plan, err = p.Plan(bare, restore.PlanOptions{IncludeIndexedDB: true, IncludeCacheStorage: true, IncludeDOMState: true})
	require.NoError(t, err)
	assert.Equal(t, []schemas.StepType{
		schemas.StepLocalStorage,
		schemas.StepSessionStorage,
		schemas.StepVerification,
	}, stepTypes(plan), "empty domains produce no steps but storage is always reset")
}

func TestPlan_OptimizedDelayCap(t *testing.T) {
	cfg := config.NewDefaultConfig().Restore()
	cfg.StepDelay = 200 * time.Millisecond
	cfg.MaxOptimizedDelay = 10 * time.Millisecond
	cfg.LargeStateThreshold = 1000
	p := newPlanner(t, cfg)

	snap := fullSnapshot()
	snap.Metadata.StateSize = 5000

	plan, err := p.Plan(snap, restore.PlanOptions{Optimized: true})
	require.NoError(t, err)
	assert.True(t, plan.Optimized)
	for _, s := range plan.Steps {
		assert.Equal(t, 10*time.Millisecond, s.Delay)
		assert.Equalf(t, !s.Critical, s.Parallel, "step %s", s.Type)
	}

	// Small states keep the configured delay even when optimized.
	snap.Metadata.StateSize = 10
	plan, err = p.Plan(snap, restore.PlanOptions{Optimized: true})
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, plan.Steps[0].Delay)

	// Large states are not capped outside optimized mode.
	snap.Metadata.StateSize = 5000
	plan, err = p.Plan(snap, restore.PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, plan.Steps[0].Delay)
}

func TestPlan_NilSnapshot(t *testing.T) {
	p := newPlanner(t, config.NewDefaultConfig().Restore())
	_, err := p.Plan(nil, restore.PlanOptions{})
	var verr *schemas.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "snapshot", verr.Field)
}

func TestNewPlanner_InvalidConfig(t *testing.T) {
	cfg := config.NewDefaultConfig().Restore()
	cfg.CookieBatchSize = 0
	_, err := restore.NewPlanner(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.NewDefaultConfig().Restore()
	cfg.Optimized = true
	opts := restore.OptionsFromConfig(cfg)
	assert.Equal(t, restore.PlanOptions{
		IncludeIndexedDB:    true,
		IncludeCacheStorage: false,
		IncludeDOMState:     true,
		Optimized:           true,
	}, opts)
}
