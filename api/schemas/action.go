package schemas

import "time"

// ActionType identifies a recorded automation operation.
type ActionType string

const (
	ActionNavigation         ActionType = "navigation"
	ActionClick              ActionType = "click"
	ActionTypeText           ActionType = "type"
	ActionScroll             ActionType = "scroll"
	ActionWait               ActionType = "wait"
	ActionCommand            ActionType = "command"
	ActionScreenshotAnalysis ActionType = "screenshot_analysis"
	ActionConsoleLog         ActionType = "console_log"
	ActionRequest            ActionType = "request"
	ActionResponse           ActionType = "response"
)

// IsMarker reports whether the action only marks a network event and has nothing to dispatch.
func (t ActionType) IsMarker() bool {
	return t == ActionRequest || t == ActionResponse
}

// Action is one recorded operation. Which parameters apply depends on Type.
type Action struct {
	ID        string     `json:"id,omitempty" yaml:"id,omitempty"`
	Type      ActionType `json:"type" yaml:"type"`
	Timestamp time.Time  `json:"timestamp" yaml:"timestamp"`

	URL        string         `json:"url,omitempty" yaml:"url,omitempty"`
	Selector   string         `json:"selector,omitempty" yaml:"selector,omitempty"`
	Text       string         `json:"text,omitempty" yaml:"text,omitempty"`
	ClearFirst bool           `json:"clear_first,omitempty" yaml:"clear_first,omitempty"`
	X          float64        `json:"x,omitempty" yaml:"x,omitempty"`
	Y          float64        `json:"y,omitempty" yaml:"y,omitempty"`
	Command    string         `json:"command,omitempty" yaml:"command,omitempty"`
	Params     map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Prompt     string         `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Message    string         `json:"message,omitempty" yaml:"message,omitempty"`
	Level      string         `json:"level,omitempty" yaml:"level,omitempty"`
	Duration   time.Duration  `json:"duration,omitempty" yaml:"duration,omitempty"`
	// Screenshot is the path of a reference screenshot recorded with the action.
	Screenshot string `json:"screenshot,omitempty" yaml:"screenshot,omitempty"`
}

// ScreenshotComparison is the similarity check of a replay screenshot against its reference.
type ScreenshotComparison struct {
	Reference  string  `json:"reference"`
	Similarity float64 `json:"similarity"`
	Threshold  float64 `json:"threshold"`
	Passed     bool    `json:"passed"`
	Method     string  `json:"method"`
}

// VisualAnalysis is the reply of a VisualAnalyzer.
type VisualAnalysis struct {
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
}

// ActionResult is the outcome of replaying one Action.
type ActionResult struct {
	Index            int                   `json:"index"`
	ActionID         string                `json:"action_id,omitempty"`
	Type             ActionType            `json:"type"`
	Success          bool                  `json:"success"`
	Skipped          bool                  `json:"skipped,omitempty"`
	Duration         time.Duration         `json:"duration"`
	Error            string                `json:"error,omitempty"`
	Recovered        bool                  `json:"recovered"`
	RecoveryAttempts int                   `json:"recovery_attempts"`
	Strategy         string                `json:"strategy,omitempty"`
	Screenshot       string                `json:"screenshot,omitempty"`
	Comparison       *ScreenshotComparison `json:"comparison,omitempty"`
	Analysis         *VisualAnalysis       `json:"analysis,omitempty"`
}

// ReplayPerformance compares recorded and replayed pacing.
type ReplayPerformance struct {
	OriginalDuration time.Duration `json:"original_duration"`
	ReplayDuration   time.Duration `json:"replay_duration"`
	SpeedRatio       float64       `json:"speed_ratio"`
}

// ReplayResult accumulates during a replay and is finalized once.
type ReplayResult struct {
	ID                string             `json:"id"`
	Success           bool               `json:"success"`
	DryRun            bool               `json:"dry_run,omitempty"`
	Actions           []ActionResult     `json:"actions"`
	TotalActions      int                `json:"total_actions"`
	SuccessfulActions int                `json:"successful_actions"`
	FailedActions     int                `json:"failed_actions"`
	RetriedActions    int                `json:"retried_actions"`
	SkippedActions    int                `json:"skipped_actions"`
	Seed              *RestorationResult `json:"seed,omitempty"`
	Performance       ReplayPerformance  `json:"performance"`
	StartedAt         time.Time          `json:"started_at"`
	FinishedAt        time.Time          `json:"finished_at"`
	Warnings          []string           `json:"warnings,omitempty"`
}

// ActionSession is the object handed to the persistence collaborator for recorded actions.
type ActionSession struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Actions   []Action  `json:"actions" yaml:"actions"`
	SeedID    string    `json:"seed_id,omitempty" yaml:"seed_id,omitempty"`
}
