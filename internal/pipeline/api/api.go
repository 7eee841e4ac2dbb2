// Package api defines the typed contracts shared by the workflow, its
// activities, and the engine adapters. Everything here crosses the
// workflow/activity serialization boundary, so types stay flat and
// JSON-friendly.
package api

import (
	"time"

	"github.com/clipwright/clipwright/internal/model"
)

// WorkflowName is the logical name the edit workflow registers under.
const WorkflowName = "VideoEditWorkflow"

// WorkflowIDForJob derives the stable workflow ID for a job. Reusing the
// same ID on rerun lets the engine reject duplicate concurrent runs.
func WorkflowIDForJob(jobID string) string {
	return "video-edit-" + jobID
}

// Activity names. Finalization registers one handler under three names so
// each terminal path carries its own timeout and retry identity.
const (
	ActivitySafety          = "safety_precheck"
	ActivityPlan            = "plan_iteration"
	ActivityEdit            = "execute_iteration"
	ActivityQA              = "qa_iteration"
	ActivityFinalizeSuccess = "finalize_success"
	ActivityFinalizeReview  = "finalize_human_review"
	ActivityFinalizeBlocked = "finalize_blocked"
)

// Hard start-to-close timeouts per activity.
const (
	SafetyTimeout   = 2 * time.Minute
	PlanTimeout     = 5 * time.Minute
	EditTimeout     = 20 * time.Minute
	QATimeout       = 5 * time.Minute
	FinalizeTimeout = 2 * time.Minute
)

// WorkflowInput starts one orchestration run.
type WorkflowInput struct {
	JobID string `json:"job_id"`
}

// WorkflowResult is the terminal outcome of one run.
type WorkflowResult struct {
	JobID       string          `json:"job_id"`
	FinalStatus model.JobStatus `json:"final_status"`
	Iterations  int             `json:"iterations"`
	Reason      string          `json:"reason,omitempty"`
}

// SafetyInput identifies the job to precheck.
type SafetyInput struct {
	JobID string `json:"job_id"`
}

// SafetyVerdict is the persisted outcome of the safety gate.
type SafetyVerdict struct {
	Allowed         bool            `json:"allowed"`
	BlockedRules    []string        `json:"blocked_rules,omitempty"`
	Reason          string          `json:"reason"`
	RiskLevel       model.RiskLevel `json:"risk_level"`
	OverrideApplied bool            `json:"override_applied"`
}

// PlanInput asks the planner for one iteration's plan.
type PlanInput struct {
	JobID       string        `json:"job_id"`
	Iteration   int           `json:"iteration"`
	PriorIssues []model.Issue `json:"prior_issues,omitempty"`
}

// PlanResult carries the generated plan.
type PlanResult struct {
	Plan model.EditPlan `json:"plan"`
}

// EditInput asks the executor to run one plan.
type EditInput struct {
	JobID     string         `json:"job_id"`
	Iteration int            `json:"iteration"`
	Plan      model.EditPlan `json:"plan"`
}

// EditResult carries the produced output.
type EditResult struct {
	OutputURI string `json:"output_uri"`
}

// QAInput asks for the evaluation of one iteration's output.
type QAInput struct {
	JobID     string `json:"job_id"`
	Iteration int    `json:"iteration"`
}

// QAResult carries the report and the routing decision derived from it.
type QAResult struct {
	Report      model.QAReport `json:"report"`
	Passed      bool           `json:"passed"`
	RouteManual bool           `json:"route_manual"`
	Reasons     []string       `json:"reasons,omitempty"`
}

// FinalizeInput drives one of the terminal activities.
type FinalizeInput struct {
	JobID      string   `json:"job_id"`
	Iterations int      `json:"iterations"`
	Reasons    []string `json:"reasons,omitempty"`
}

// FinalizeResult reports the terminal status actually written.
type FinalizeResult struct {
	FinalStatus model.JobStatus `json:"final_status"`
}
