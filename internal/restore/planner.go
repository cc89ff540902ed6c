// internal/restore/planner.go
package restore

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
	"github.com/xkilldash9x/scalpel-state/internal/config"
)

// PlanOptions gates the optional steps and the planning mode of a single Plan call.
type PlanOptions struct {
	IncludeIndexedDB    bool
	IncludeCacheStorage bool
	IncludeDOMState     bool
	Optimized           bool
}

// OptionsFromConfig returns the plan options configured for the restore component.
func OptionsFromConfig(cfg config.RestoreConfig) PlanOptions {
	return PlanOptions{
		IncludeIndexedDB:    cfg.IncludeIndexedDB,
		IncludeCacheStorage: cfg.IncludeCacheStorage,
		IncludeDOMState:     cfg.IncludeDOMState,
		Optimized:           cfg.Optimized,
	}
}

// Planner derives a RestorationPlan from a Snapshot. Plans are deterministic: the same
// Snapshot and options always produce the same step sequence.
type Planner struct {
	cfg    config.RestoreConfig
	logger *zap.Logger
}

// NewPlanner validates cfg and returns a Planner.
func NewPlanner(cfg config.RestoreConfig, logger *zap.Logger) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Planner{cfg: cfg, logger: logger.Named("planner")}, nil
}

// Plan orders the steps: navigation, cookies, both storage areas, the optional
// expensive domains and finally verification.
func (p *Planner) Plan(snap *schemas.Snapshot, opts PlanOptions) (*schemas.RestorationPlan, error) {
	if snap == nil {
		return nil, &schemas.ValidationError{Field: "snapshot", Reason: "is nil"}
	}

	delay := p.cfg.StepDelay
	if opts.Optimized && snap.Metadata.StateSize > p.cfg.LargeStateThreshold && delay > p.cfg.MaxOptimizedDelay {
		delay = p.cfg.MaxOptimizedDelay
	}

	plan := &schemas.RestorationPlan{ID: uuid.NewString(), Optimized: opts.Optimized}
	add := func(t schemas.StepType, data any) {
		plan.Steps = append(plan.Steps, schemas.Step{
			Type:     t,
			Critical: t.IsCritical(),
			Delay:    delay,
			Parallel: opts.Optimized && !t.IsCritical(),
			Data:     data,
		})
	}

	if snap.PageInfo.URL != "" {
		add(schemas.StepNavigation, snap.PageInfo.URL)
	}
	if len(snap.Cookies) > 0 {
		add(schemas.StepCookies, append([]schemas.Cookie(nil), snap.Cookies...))
	}
	// Storage steps are always planned: clearing an area the Snapshot left empty is part
	// of reproducing it.
	add(schemas.StepLocalStorage, snap.LocalStorage.Values())
	add(schemas.StepSessionStorage, snap.SessionStorage.Values())

	if opts.IncludeIndexedDB && len(snap.IndexedDB) > 0 {
		add(schemas.StepIndexedDB, append([]schemas.Database(nil), snap.IndexedDB...))
	}
	if opts.IncludeCacheStorage && len(snap.CacheStorage) > 0 {
		names := make([]string, 0, len(snap.CacheStorage))
		for _, c := range snap.CacheStorage {
			names = append(names, c.Name)
		}
		add(schemas.StepCacheStorage, names)
	}
	if opts.IncludeDOMState && hasDOMState(snap.DOMState) {
		add(schemas.StepDOMState, snap.DOMState)
	}
	add(schemas.StepVerification, nil)

	p.logger.Debug("Built restoration plan.",
		zap.String("plan_id", plan.ID),
		zap.String("snapshot_id", snap.ID),
		zap.Int("steps", len(plan.Steps)),
		zap.Bool("optimized", plan.Optimized),
		zap.Duration("step_delay", delay))
	return plan, nil
}

func hasDOMState(st schemas.DOMState) bool {
	return len(st.Forms) > 0 || st.Scroll.X != 0 || st.Scroll.Y != 0
}

// validatePlan checks the ordering invariants before a plan is applied.
func validatePlan(plan *schemas.RestorationPlan) error {
	if plan == nil {
		return &schemas.ValidationError{Field: "plan", Reason: "is nil"}
	}
	n := len(plan.Steps)
	if n == 0 || plan.Steps[n-1].Type != schemas.StepVerification {
		return &schemas.ValidationError{Field: "plan.steps", Reason: "must end with a verification step"}
	}
	for i, s := range plan.Steps {
		if s.Type == schemas.StepNavigation && i != 0 {
			return &schemas.ValidationError{Field: "plan.steps", Reason: "navigation must be the first step"}
		}
		if s.Type == schemas.StepVerification && i != n-1 {
			return &schemas.ValidationError{Field: "plan.steps", Reason: "verification must be the last step"}
		}
	}
	return nil
}
