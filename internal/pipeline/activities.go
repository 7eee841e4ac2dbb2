// Package pipeline holds the orchestration core: the deterministic edit
// workflow, its activities, and the orchestrator that starts runs on the
// durable engine with an in-process fallback. Activities do all the I/O;
// the workflow only sequences them.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/clipwright/clipwright/internal/bundle"
	"github.com/clipwright/clipwright/internal/callback"
	"github.com/clipwright/clipwright/internal/config"
	"github.com/clipwright/clipwright/internal/executor"
	"github.com/clipwright/clipwright/internal/knowledge"
	"github.com/clipwright/clipwright/internal/model"
	"github.com/clipwright/clipwright/internal/pipeline/api"
	"github.com/clipwright/clipwright/internal/pipeline/engine"
	"github.com/clipwright/clipwright/internal/planner"
	"github.com/clipwright/clipwright/internal/qa"
	"github.com/clipwright/clipwright/internal/safety"
	"github.com/clipwright/clipwright/internal/store"
	"github.com/clipwright/clipwright/internal/telemetry"
)

// Activities bundles every dependency the workflow's activity handlers need.
// One instance serves all executions; handlers are safe for concurrent use.
type Activities struct {
	cfg       config.Settings
	store     *store.Store
	safety    *safety.Evaluator
	qa        *qa.Evaluator
	executor  executor.Executor
	callbacks *callback.Dispatcher
	knowledge *knowledge.Index
	logger    telemetry.Logger
	metrics   telemetry.Metrics
}

// NewActivities wires the activity handlers.
func NewActivities(
	cfg config.Settings,
	st *store.Store,
	exec executor.Executor,
	callbacks *callback.Dispatcher,
	index *knowledge.Index,
	logger telemetry.Logger,
	metrics telemetry.Metrics,
) *Activities {
	return &Activities{
		cfg:       cfg,
		store:     st,
		safety:    safety.NewEvaluator(cfg),
		qa:        qa.NewEvaluator(cfg.QAThreshold, cfg.QARandomReviewRatio),
		executor:  exec,
		callbacks: callbacks,
		knowledge: index,
		logger:    logger,
		metrics:   metrics,
	}
}

// RegisterAll registers the workflow and every activity on an engine. The
// finalize handler is registered under three names so each terminal path has
// its own activity identity.
func RegisterAll(ctx context.Context, eng engine.Engine, acts *Activities, taskQueue string) error {
	if err := eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      api.WorkflowName,
		TaskQueue: taskQueue,
		Handler:   Workflow,
	}); err != nil {
		return err
	}

	retry := engine.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, BackoffCoefficient: 2}
	opts := func(timeout time.Duration) engine.ActivityOptions {
		return engine.ActivityOptions{Timeout: timeout, RetryPolicy: retry}
	}

	if err := eng.RegisterSafetyActivity(ctx, api.ActivitySafety, opts(api.SafetyTimeout), acts.SafetyPrecheck); err != nil {
		return err
	}
	if err := eng.RegisterPlanActivity(ctx, api.ActivityPlan, opts(api.PlanTimeout), acts.PlanIteration); err != nil {
		return err
	}
	// The executor does its own provider retries; a second engine-level
	// attempt covers worker loss, not provider flakiness.
	editOpts := engine.ActivityOptions{
		Timeout:     api.EditTimeout,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 2, InitialInterval: 2 * time.Second, BackoffCoefficient: 2},
	}
	if err := eng.RegisterEditActivity(ctx, api.ActivityEdit, editOpts, acts.ExecuteIteration); err != nil {
		return err
	}
	if err := eng.RegisterQAActivity(ctx, api.ActivityQA, opts(api.QATimeout), acts.QAIteration); err != nil {
		return err
	}
	if err := eng.RegisterFinalizeActivity(ctx, api.ActivityFinalizeSuccess, opts(api.FinalizeTimeout), acts.FinalizeSuccess); err != nil {
		return err
	}
	if err := eng.RegisterFinalizeActivity(ctx, api.ActivityFinalizeReview, opts(api.FinalizeTimeout), acts.FinalizeHumanReview); err != nil {
		return err
	}
	return eng.RegisterFinalizeActivity(ctx, api.ActivityFinalizeBlocked, opts(api.FinalizeTimeout), acts.FinalizeBlocked)
}

// SafetyPrecheck evaluates the block rules and risk policy against the job's
// instruction, persists the audit record, and refines the job's stored risk
// level. An applied admin override leaves a warning event behind.
func (a *Activities) SafetyPrecheck(ctx context.Context, in *api.SafetyInput) (*api.SafetyVerdict, error) {
	job, err := a.store.Job(ctx, in.JobID)
	if err != nil {
		return nil, err
	}

	res := a.safety.Evaluate(job.Instruction, job.Metadata.AdminOverride(), job.Metadata.OverrideReason())

	job.RiskLevel = res.RiskLevel
	if job, err = a.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	if _, err := a.store.InsertSafetyEvent(ctx, model.SafetyEvent{
		JobID:   job.ID,
		Blocked: !res.Allowed,
		RuleIDs: res.BlockedRules,
		Reason:  res.Reason,
		Payload: map[string]any{
			"instruction":      job.Instruction,
			"admin_override":   job.Metadata.AdminOverride(),
			"override_reason":  job.Metadata.OverrideReason(),
			"risk_level":       string(res.RiskLevel),
			"override_applied": res.OverrideApplied,
		},
	}); err != nil {
		return nil, err
	}

	if res.OverrideApplied {
		a.appendEvent(ctx, job.ID, "safety", model.LevelWarning,
			"admin override lifted safety block", map[string]any{
				"rule_ids": res.BlockedRules,
				"reason":   job.Metadata.OverrideReason(),
			})
	}
	a.metrics.IncCounter("safety_prechecks_total", 1, "allowed", fmt.Sprintf("%t", res.Allowed))

	return &api.SafetyVerdict{
		Allowed:         res.Allowed,
		BlockedRules:    res.BlockedRules,
		Reason:          res.Reason,
		RiskLevel:       res.RiskLevel,
		OverrideApplied: res.OverrideApplied,
	}, nil
}

// PlanIteration transitions the job into planning and generates the plan for
// one iteration, feeding prior QA issues into the fix map. Retrieved cases
// are attached as advisory context only.
func (a *Activities) PlanIteration(ctx context.Context, in *api.PlanInput) (*api.PlanResult, error) {
	job, err := a.store.SetStatus(ctx, in.JobID, model.StatusPlanning, true)
	if err != nil {
		return nil, err
	}

	if job.ModelBundle == "" {
		job.ModelBundle = bundle.DefaultBundleName(a.cfg)
	}

	var cases []model.CaseRecord
	if a.knowledge != nil {
		cases = a.knowledge.Retrieve(ctx, job.Instruction, 3)
	}

	plan := planner.GeneratePlan(planner.Request{
		Instruction:   job.Instruction,
		ModelBundle:   job.ModelBundle,
		PriorIssues:   in.PriorIssues,
		Forced:        job.Capability,
		Cases:         cases,
		MaxIterations: job.MaxIterations,
	})

	job.Capability = plan.Capability
	if _, err := a.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	a.appendEvent(ctx, job.ID, "planning", model.LevelInfo,
		fmt.Sprintf("plan generated for iteration %d", in.Iteration), map[string]any{
			"capability":      string(plan.Capability),
			"tool_chain":      plan.ToolChain,
			"fix_map_entries": len(plan.FixMap),
			"cases_retrieved": len(cases),
		})
	return &api.PlanResult{Plan: plan}, nil
}

// ExecuteIteration transitions the job into editing, runs the plan, and
// persists the iteration record with its execution log.
func (a *Activities) ExecuteIteration(ctx context.Context, in *api.EditInput) (*api.EditResult, error) {
	job, err := a.store.SetStatus(ctx, in.JobID, model.StatusEditing, true)
	if err != nil {
		return nil, err
	}

	res, err := a.executor.Execute(ctx, executor.Request{
		JobID:       job.ID,
		Iteration:   in.Iteration,
		InputURI:    job.InputURI,
		Instruction: job.Instruction,
		Plan:        in.Plan,
	})
	if err != nil {
		a.appendEvent(ctx, job.ID, "editing", model.LevelError,
			fmt.Sprintf("iteration %d execution failed", in.Iteration),
			map[string]any{"error": err.Error()})
		return nil, err
	}

	if _, err := a.store.InsertIteration(ctx, model.JobIteration{
		JobID:        job.ID,
		Iteration:    in.Iteration,
		EditPlan:     &in.Plan,
		ExecutionLog: res.Log,
		OutputURI:    res.OutputURI,
	}); err != nil {
		return nil, err
	}

	job.CurrentIteration = in.Iteration
	job.OutputURI = res.OutputURI
	if _, err := a.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	a.appendEvent(ctx, job.ID, "editing", model.LevelInfo,
		fmt.Sprintf("iteration %d executed", in.Iteration), map[string]any{
			"output_uri":   res.OutputURI,
			"runtime_mode": res.Log.RuntimeMode,
			"notes":        res.Log.Notes,
		})
	return &api.EditResult{OutputURI: res.OutputURI}, nil
}

// QAIteration transitions the job into qa, scores the iteration's output,
// persists the report, and decides pass/fail plus manual-review routing.
func (a *Activities) QAIteration(ctx context.Context, in *api.QAInput) (*api.QAResult, error) {
	job, err := a.store.SetStatus(ctx, in.JobID, model.StatusQA, true)
	if err != nil {
		return nil, err
	}

	report := a.qa.Evaluate(qa.Context{
		Instruction: job.Instruction,
		Iteration:   in.Iteration,
		Capability:  job.Capability,
		OutputURI:   job.OutputURI,
	})
	report.JobID = job.ID
	if report, err = a.store.InsertQAReport(ctx, report); err != nil {
		return nil, err
	}

	score := report.OverallScore
	job.LatestQAScore = &score
	if _, err := a.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	passed := a.qa.ShouldPass(report)
	routeManual, reasons := a.qa.RouteManualReview(job.ID, report, job.RiskLevel)

	a.appendEvent(ctx, job.ID, "qa", model.LevelInfo,
		fmt.Sprintf("iteration %d scored %.4f", in.Iteration, report.OverallScore),
		map[string]any{
			"passed":       passed,
			"route_manual": routeManual,
			"issues":       len(report.Issues),
			"hard_fails":   report.HardFailFlags,
		})
	a.metrics.RecordGauge("qa_overall_score", report.OverallScore, "job_id", job.ID)

	return &api.QAResult{Report: report, Passed: passed, RouteManual: routeManual, Reasons: reasons}, nil
}

// FinalizeSuccess writes the succeeded terminal.
func (a *Activities) FinalizeSuccess(ctx context.Context, in *api.FinalizeInput) (*api.FinalizeResult, error) {
	return a.finalize(ctx, in, model.StatusSucceeded)
}

// FinalizeHumanReview parks the job for a human decision.
func (a *Activities) FinalizeHumanReview(ctx context.Context, in *api.FinalizeInput) (*api.FinalizeResult, error) {
	return a.finalize(ctx, in, model.StatusHumanReview)
}

// FinalizeBlocked writes the blocked terminal after a safety refusal.
func (a *Activities) FinalizeBlocked(ctx context.Context, in *api.FinalizeInput) (*api.FinalizeResult, error) {
	return a.finalize(ctx, in, model.StatusBlocked)
}

// finalize writes the terminal status, archives the outcome as a case, and
// delivers the registered callback. Blocked is a forced write so a safety
// refusal always lands regardless of the job's current state.
func (a *Activities) finalize(ctx context.Context, in *api.FinalizeInput, status model.JobStatus) (*api.FinalizeResult, error) {
	enforce := status != model.StatusBlocked
	job, err := a.store.SetStatus(ctx, in.JobID, status, enforce)
	if err != nil {
		return nil, err
	}

	var report *model.QAReport
	if latest, err := a.store.LatestQAReport(ctx, job.ID); err == nil {
		report = &latest
	}

	a.archiveCase(ctx, job, report, status, in.Reasons)

	if a.callbacks != nil {
		if err := a.callbacks.Notify(ctx, job, callback.PayloadForJob(job, report)); err != nil {
			a.logger.Error(ctx, "callback dispatch", "job_id", job.ID, "error", err.Error())
		}
	}
	a.metrics.IncCounter("jobs_finalized_total", 1, "status", string(status))

	return &api.FinalizeResult{FinalStatus: status}, nil
}

// archiveCase records the outcome in the case base and the vector index.
// Archiving is best effort; a storage error never fails the terminal write.
func (a *Activities) archiveCase(ctx context.Context, job model.Job, report *model.QAReport, status model.JobStatus, reasons []string) {
	var tags []string
	if job.Capability != "" {
		tags = append(tags, string(job.Capability))
	}
	failureReason := ""
	fixStrategy := "n/a"
	switch status {
	case model.StatusSucceeded:
		tags = append(tags, "auto_passed")
	case model.StatusHumanReview:
		tags = append(tags, "human_review")
		for _, reason := range reasons {
			switch reason {
			case qa.ReasonSpotCheck:
				tags = append(tags, "random_sampled")
			case qa.ReasonHighRisk:
				tags = append(tags, "high_risk")
			}
		}
		failureReason = strings.Join(reasons, ",")
		fixStrategy = "manual_review_required"
	case model.StatusBlocked:
		tags = append(tags, "blocked")
		failureReason = strings.Join(reasons, ",")
	}

	metrics := map[string]any{
		"status":     string(status),
		"iterations": job.CurrentIteration,
	}
	if report != nil {
		metrics["overall_score"] = report.OverallScore
	}

	record, err := a.store.InsertCase(ctx, model.CaseRecord{
		JobID:         job.ID,
		TaskSummary:   job.Instruction,
		Tags:          tags,
		FailureReason: failureReason,
		FixStrategy:   fixStrategy,
		FinalMetrics:  metrics,
		Embedding:     knowledge.SimpleEmbedding(job.Instruction),
	})
	if err != nil {
		a.logger.Warn(ctx, "case archive failed", "job_id", job.ID, "error", err.Error())
		return
	}
	if a.knowledge != nil {
		a.knowledge.UpsertCase(ctx, record)
	}
}

func (a *Activities) appendEvent(ctx context.Context, jobID, stage string, level model.EventLevel, msg string, payload map[string]any) {
	if _, err := a.store.AppendEvent(ctx, model.JobEvent{
		JobID:   jobID,
		Stage:   stage,
		Level:   level,
		Message: msg,
		Payload: payload,
	}); err != nil {
		a.logger.Error(ctx, "append job event", "job_id", jobID, "stage", stage, "error", err.Error())
	}
}
