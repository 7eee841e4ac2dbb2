package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/clipwright/clipwright/internal/callback"
	"github.com/clipwright/clipwright/internal/config"
	"github.com/clipwright/clipwright/internal/model"
	"github.com/clipwright/clipwright/internal/pipeline/api"
	"github.com/clipwright/clipwright/internal/pipeline/engine"
	"github.com/clipwright/clipwright/internal/store"
	"github.com/clipwright/clipwright/internal/telemetry"
)

// ErrWorkflowUnavailable reports that no engine could start the run: the
// durable engine is unreachable and the fallback is disabled.
var ErrWorkflowUnavailable = errors.New("workflow engine unavailable")

// Orchestrator starts workflow runs, preferring the durable engine and
// degrading to the in-process fallback when allowed. It also applies human
// review decisions, restarting the workflow on rerun.
type Orchestrator struct {
	cfg       config.Settings
	store     *store.Store
	durable   engine.Engine
	fallback  engine.Engine
	callbacks *callback.Dispatcher
	logger    telemetry.Logger
	metrics   telemetry.Metrics
}

// NewOrchestrator wires the orchestrator. Either engine may be nil; at least
// one must start successfully at submit time or the job fails.
func NewOrchestrator(
	cfg config.Settings,
	st *store.Store,
	durable, fallback engine.Engine,
	callbacks *callback.Dispatcher,
	logger telemetry.Logger,
	metrics telemetry.Metrics,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		durable:   durable,
		fallback:  fallback,
		callbacks: callbacks,
		logger:    logger,
		metrics:   metrics,
	}
}

// Start launches the edit workflow for a job. Durable first; when the
// durable start fails and the fallback is enabled, the run degrades to the
// in-process engine with a warning event on the job. When nothing can run,
// the job is written failed and ErrWorkflowUnavailable is returned.
func (o *Orchestrator) Start(ctx context.Context, jobID string) error {
	req := engine.WorkflowStartRequest{
		ID:        api.WorkflowIDForJob(jobID),
		Workflow:  api.WorkflowName,
		TaskQueue: o.cfg.TemporalTaskQueue,
		Input:     &api.WorkflowInput{JobID: jobID},
	}

	var durableErr error
	if o.durable != nil {
		handle, err := o.durable.StartWorkflow(ctx, req)
		if err == nil {
			o.metrics.IncCounter("workflow_starts_total", 1, "engine", "durable")
			go o.watch(jobID, handle)
			return nil
		}
		if errors.Is(err, engine.ErrAlreadyRunning) {
			return err
		}
		durableErr = err
		o.logger.Warn(ctx, "durable workflow start failed",
			"job_id", jobID, "error", err.Error())
	}

	if o.fallback != nil && o.cfg.EnableFallbackOrchestrator {
		handle, err := o.fallback.StartWorkflow(ctx, req)
		if err != nil {
			if errors.Is(err, engine.ErrAlreadyRunning) {
				return err
			}
			return o.failAtStart(ctx, jobID, err)
		}
		payload := map[string]any{}
		if durableErr != nil {
			payload["durable_error"] = durableErr.Error()
		}
		o.appendEvent(ctx, jobID, "orchestrator", model.LevelWarning,
			"fallback orchestrator started; run is not durable", payload)
		o.metrics.IncCounter("workflow_starts_total", 1, "engine", "fallback")
		go o.watch(jobID, handle)
		return nil
	}

	if durableErr == nil {
		durableErr = errors.New("no workflow engine configured")
	}
	return o.failAtStart(ctx, jobID, durableErr)
}

func (o *Orchestrator) failAtStart(ctx context.Context, jobID string, cause error) error {
	if _, err := o.store.SetStatus(ctx, jobID, model.StatusFailed, false); err != nil {
		o.logger.Error(ctx, "mark job failed", "job_id", jobID, "error", err.Error())
	}
	o.appendEvent(ctx, jobID, "orchestrator", model.LevelError,
		"workflow could not be started", map[string]any{"error": cause.Error()})
	return fmt.Errorf("%w: %v", ErrWorkflowUnavailable, cause)
}

// watch waits for the run to finish and cleans up after a workflow-level
// failure: terminal writes on success paths already happened inside the
// finalize activities.
func (o *Orchestrator) watch(jobID string, handle engine.WorkflowHandle) {
	ctx := context.Background()
	result, err := handle.Wait(ctx)
	if err != nil {
		o.logger.Error(ctx, "workflow run failed", "job_id", jobID, "error", err.Error())
		o.metrics.IncCounter("workflow_runs_total", 1, "outcome", "failed")
		if _, serr := o.store.SetStatus(ctx, jobID, model.StatusFailed, false); serr != nil {
			o.logger.Error(ctx, "mark job failed", "job_id", jobID, "error", serr.Error())
		}
		o.appendEvent(ctx, jobID, "orchestrator", model.LevelError,
			"workflow run failed", map[string]any{"error": err.Error()})
		o.notify(ctx, jobID, "workflow_failure")
		return
	}
	o.metrics.IncCounter("workflow_runs_total", 1, "outcome", string(result.FinalStatus))
}

// ApplyReview applies a human decision to a job. approve and reject require
// human_review; rerun also accepts failed and resets the iteration state
// before restarting the workflow. A transition violation surfaces as
// store.ErrInvalidTransition.
func (o *Orchestrator) ApplyReview(ctx context.Context, jobID string, decision model.ReviewDecision, reviewer, reason string) (model.Job, error) {
	var target model.JobStatus
	switch decision {
	case model.DecisionApprove:
		target = model.StatusSucceeded
	case model.DecisionReject:
		target = model.StatusFailed
	case model.DecisionRerun:
		target = model.StatusQueued
	default:
		return model.Job{}, fmt.Errorf("decision %q: %w", decision, store.ErrInvalidTransition)
	}

	job, err := o.store.SetStatus(ctx, jobID, target, true)
	if err != nil {
		return model.Job{}, err
	}

	if _, err := o.store.InsertReviewAction(ctx, model.ReviewAction{
		JobID:    jobID,
		Decision: decision,
		Reviewer: reviewer,
		Reason:   reason,
	}); err != nil {
		return model.Job{}, err
	}
	o.appendEvent(ctx, jobID, "review", model.LevelInfo,
		fmt.Sprintf("review decision %s applied", decision), map[string]any{
			"decision": string(decision),
			"reviewer": reviewer,
			"reason":   reason,
		})
	o.metrics.IncCounter("review_decisions_total", 1, "decision", string(decision))

	if decision == model.DecisionRerun {
		job.CurrentIteration = 0
		job.OutputURI = ""
		job.LatestQAScore = nil
		if job, err = o.store.UpdateJob(ctx, job); err != nil {
			return model.Job{}, err
		}
		if err := o.store.ClearIterations(ctx, jobID); err != nil {
			return model.Job{}, err
		}
		if err := o.Start(ctx, jobID); err != nil {
			return model.Job{}, err
		}
		return o.store.Job(ctx, jobID)
	}

	o.notify(ctx, jobID, "manual_review")
	return job, nil
}

// notify delivers the callback for the job's current state, tagging the
// payload with its source.
func (o *Orchestrator) notify(ctx context.Context, jobID, source string) {
	if o.callbacks == nil {
		return
	}
	job, err := o.store.Job(ctx, jobID)
	if err != nil {
		o.logger.Error(ctx, "load job for callback", "job_id", jobID, "error", err.Error())
		return
	}
	var report *model.QAReport
	if latest, err := o.store.LatestQAReport(ctx, jobID); err == nil {
		report = &latest
	}
	payload := callback.PayloadForJob(job, report)
	payload.Source = source
	if err := o.callbacks.Notify(ctx, job, payload); err != nil {
		o.logger.Error(ctx, "callback dispatch", "job_id", jobID, "error", err.Error())
	}
}

func (o *Orchestrator) appendEvent(ctx context.Context, jobID, stage string, level model.EventLevel, msg string, payload map[string]any) {
	if _, err := o.store.AppendEvent(ctx, model.JobEvent{
		JobID:   jobID,
		Stage:   stage,
		Level:   level,
		Message: msg,
		Payload: payload,
	}); err != nil {
		o.logger.Error(ctx, "append job event", "job_id", jobID, "stage", stage, "error", err.Error())
	}
}
