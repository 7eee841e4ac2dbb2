// Package model defines the domain types shared by the store, the planner,
// the QA evaluator, and the orchestration pipeline. Types here carry no
// behavior beyond small accessors; persistence and transport concerns live
// in their own packages.
package model

import (
	"strings"
	"time"
)

// JobStatus is the lifecycle state of a Job. The legal transitions between
// statuses are enforced by the store (see store.Transitions).
type JobStatus string

const (
	StatusQueued      JobStatus = "queued"
	StatusPlanning    JobStatus = "planning"
	StatusEditing     JobStatus = "editing"
	StatusQA          JobStatus = "qa"
	StatusHumanReview JobStatus = "human_review"
	StatusSucceeded   JobStatus = "succeeded"
	StatusFailed      JobStatus = "failed"
	StatusBlocked     JobStatus = "blocked"
)

// Terminal reports whether the status admits no further automatic progress.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusBlocked, StatusHumanReview:
		return true
	}
	return false
}

// Valid reports whether s is one of the defined statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusPlanning, StatusEditing, StatusQA,
		StatusHumanReview, StatusSucceeded, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// Capability names one of the supported edit operations.
type Capability string

const (
	CapRemoveObject      Capability = "remove_object"
	CapReplaceObject     Capability = "replace_object"
	CapReplaceBackground Capability = "replace_background"
	CapStylize           Capability = "stylize"
	CapColorGrade        Capability = "color_grade"
	CapRemoveLogo        Capability = "remove_logo"
)

// Capabilities lists every supported capability.
func Capabilities() []Capability {
	return []Capability{
		CapRemoveObject,
		CapReplaceObject,
		CapReplaceBackground,
		CapStylize,
		CapColorGrade,
		CapRemoveLogo,
	}
}

// ParseCapability returns the capability named by s, or false when unknown.
func ParseCapability(s string) (Capability, bool) {
	c := Capability(strings.TrimSpace(strings.ToLower(s)))
	for _, known := range Capabilities() {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// ReviewDecision is a human reviewer's verdict on a job in human_review.
type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionReject  ReviewDecision = "reject"
	DecisionRerun   ReviewDecision = "rerun"
)

// RiskLevel classifies how sensitive an instruction is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Metadata is the free-form key/value blob attached to a Job. Unknown keys
// are opaque and preserved round-trip; the reserved keys below are read
// through the typed accessors.
type Metadata map[string]any

const (
	metaCallbackURL    = "callback_url"
	metaAdminOverride  = "admin_override"
	metaOverrideReason = "override_reason"
)

// CallbackURL returns the registered callback URL, if any.
func (m Metadata) CallbackURL() string {
	if m == nil {
		return ""
	}
	if v, ok := m[metaCallbackURL].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// AdminOverride reports whether an admin safety override was requested.
func (m Metadata) AdminOverride() bool {
	if m == nil {
		return false
	}
	v, _ := m[metaAdminOverride].(bool)
	return v
}

// OverrideReason returns the override justification, if present.
func (m Metadata) OverrideReason() string {
	if m == nil {
		return ""
	}
	if v, ok := m[metaOverrideReason].(string); ok {
		return v
	}
	return ""
}

// SetCallbackURL records the callback URL under its reserved key.
func (m Metadata) SetCallbackURL(url string) { m[metaCallbackURL] = url }

// SetOverride records an approved admin override under the reserved keys.
func (m Metadata) SetOverride(reason string) {
	m[metaAdminOverride] = true
	m[metaOverrideReason] = reason
}

// Job is the aggregate root: one edit submission and its current state.
type Job struct {
	ID               string
	IdempotencyKey   string
	Status           JobStatus
	Instruction      string
	InputURI         string
	OutputURI        string
	Capability       Capability
	ModelBundle      string
	RiskLevel        RiskLevel
	Metadata         Metadata
	LatestQAScore    *float64
	CurrentIteration int
	MaxIterations    int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// JobIteration is one plan/execute attempt inside a Job.
type JobIteration struct {
	ID           int64
	JobID        string
	Iteration    int
	EditPlan     *EditPlan
	ExecutionLog ExecutionLog
	OutputURI    string
	CreatedAt    time.Time
}

// EditPlan is the planner's output for one iteration. Plans are pure
// functions of their inputs; identical inputs yield identical plans.
type EditPlan struct {
	Capability      Capability  `json:"capability"`
	ToolChain       []string    `json:"tool_chain"`
	ModelBundle     string      `json:"model_bundle"`
	IterationBudget int         `json:"iteration_budget"`
	Constraints     Constraints `json:"constraints"`
	FixMap          []FixEntry  `json:"fix_map"`
}

// Constraints bound every edit execution.
type Constraints struct {
	MaxResolution      string `json:"max_resolution"`
	MaxDurationSeconds int    `json:"max_duration_seconds"`
	QualityPriority    bool   `json:"quality_priority"`
	StrictSafety       bool   `json:"strict_safety"`
}

// FixEntry maps a prior QA issue to the pipeline adjustment addressing it.
type FixEntry struct {
	FixPoint            string `json:"fix_point"`
	ToolAction          string `json:"tool_action"`
	ExpectedImprovement string `json:"expected_improvement"`
}

// ExecutionLog records what one executor invocation did.
type ExecutionLog struct {
	Timestamp   time.Time   `json:"timestamp"`
	InputURI    string      `json:"input_uri"`
	OutputURI   string      `json:"output_uri"`
	Capability  Capability  `json:"capability"`
	ToolChain   []string    `json:"tool_chain"`
	ModelBundle string      `json:"model_bundle"`
	RuntimeMode string      `json:"runtime_mode"`
	Provider    string      `json:"provider"`
	Constraints Constraints `json:"constraints"`
	Notes       string      `json:"notes"`
}

// Issue is one defect found by QA, with its location on the timeline.
type Issue struct {
	Code        string `json:"code"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Timeline    string `json:"timeline"`
}

// QAReport is the evaluation of one iteration's output.
type QAReport struct {
	ID              string
	JobID           string
	Iteration       int
	OverallScore    float64
	DimensionScores map[string]float64
	Issues          []Issue
	HardFailFlags   []string
	Recommendations []string

	// RawReport is the evaluator's full output, kept verbatim for audit.
	RawReport map[string]any

	CreatedAt time.Time
}

// SafetyEvent is the audit record of one safety precheck or override.
type SafetyEvent struct {
	ID        string
	JobID     string
	Blocked   bool
	RuleIDs   []string
	Reason    string
	Payload   map[string]any
	CreatedAt time.Time
}

// ReviewAction records a human review decision.
type ReviewAction struct {
	ID        string
	JobID     string
	Decision  ReviewDecision
	Reviewer  string
	Reason    string
	CreatedAt time.Time
}

// EventLevel grades a JobEvent.
type EventLevel string

const (
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

// JobEvent is one entry in the append-only per-job audit log. Seq is
// assigned by the store and is strictly increasing, so per-job ordering
// survives timestamp ties.
type JobEvent struct {
	ID        string
	JobID     string
	Seq       int64
	Stage     string
	Level     EventLevel
	Message   string
	Payload   map[string]any
	CreatedAt time.Time
}

// CaseRecord is an archived outcome kept for future retrieval.
type CaseRecord struct {
	ID            string
	JobID         string
	TaskSummary   string
	Tags          []string
	FailureReason string
	FixStrategy   string
	FinalMetrics  map[string]any
	Embedding     []float64
	CreatedAt     time.Time
}

// ModelBundle is a catalog row describing an installable model set.
type ModelBundle struct {
	Name                 string
	MinVRAMGB            int
	EstimatedTimeMinutes int
	DownloadSizeGB       float64
	QualityTier          string
	EnabledModules       []string
}
