package schemas

import "time"

// StepType identifies a restoration step.
type StepType string

const (
	StepNavigation     StepType = "navigation"
	StepCookies        StepType = "cookies"
	StepLocalStorage   StepType = "localStorage"
	StepSessionStorage StepType = "sessionStorage"
	StepIndexedDB      StepType = "indexedDB"
	StepCacheStorage   StepType = "cacheStorage"
	StepDOMState       StepType = "domState"
	StepVerification   StepType = "verification"
)

// IsCritical reports whether the step type belongs to the critical partition.
func (t StepType) IsCritical() bool {
	switch t {
	case StepNavigation, StepCookies, StepVerification:
		return true
	}
	return false
}

// Step is one unit of a RestorationPlan.
type Step struct {
	Type     StepType      `json:"type"`
	Critical bool          `json:"critical"`
	Delay    time.Duration `json:"delay"`
	// Parallel marks best-effort steps that may run concurrently in optimized mode.
	Parallel bool `json:"parallel,omitempty"`
	Data     any  `json:"data,omitempty"`
}

// RestorationPlan is the ordered list of steps derived from a Snapshot.
type RestorationPlan struct {
	ID        string `json:"id"`
	Steps     []Step `json:"steps"`
	Optimized bool   `json:"optimized"`
}

// StepResult is the outcome of one step.
type StepResult struct {
	Type     StepType      `json:"type"`
	Critical bool          `json:"critical"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Retried  bool          `json:"retried"`
	Attempts int           `json:"attempts"`
	Skipped  bool          `json:"skipped,omitempty"`
}

// RestorationResult is the outcome of applying a plan. Success holds iff no critical step failed.
type RestorationResult struct {
	PlanID       string        `json:"plan_id"`
	Success      bool          `json:"success"`
	Steps        []StepResult  `json:"steps"`
	Verification *SnapshotDiff `json:"verification,omitempty"`
	Duration     time.Duration `json:"duration"`
	Warnings     []string      `json:"warnings,omitempty"`
}

// Step returns the result for a step type, if it was attempted.
func (r *RestorationResult) Step(t StepType) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Type == t {
			return s, true
		}
	}
	return StepResult{}, false
}
