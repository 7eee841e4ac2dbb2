// Package engine defines the workflow engine abstraction the orchestrator
// targets. Two implementations ship with the service: temporal (durable,
// crash-tolerant, production) and inmem (in-process, used when the durable
// engine is unreachable and in tests). The orchestration logic is identical
// on both; only durability differs.
//
// Workflow handlers run in a deterministic environment: all I/O happens in
// activities, and workflow code reads time through WorkflowContext.Now so
// the durable engine can replay histories.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/clipwright/clipwright/internal/pipeline/api"
)

// ErrAlreadyRunning reports a start for a workflow ID that already has a run
// in flight. Callers treat this as "the work is happening", not a failure.
var ErrAlreadyRunning = errors.New("workflow already running")

type (
	// Engine registers the workflow and its typed activities and starts
	// executions. Implementations translate these calls into backend
	// primitives.
	Engine interface {
		// RegisterWorkflow registers the workflow definition.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterSafetyActivity registers the safety precheck activity.
		RegisterSafetyActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.SafetyInput) (*api.SafetyVerdict, error)) error

		// RegisterPlanActivity registers the plan generation activity.
		RegisterPlanActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.PlanInput) (*api.PlanResult, error)) error

		// RegisterEditActivity registers the plan execution activity.
		RegisterEditActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.EditInput) (*api.EditResult, error)) error

		// RegisterQAActivity registers the QA evaluation activity.
		RegisterQAActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.QAInput) (*api.QAResult, error)) error

		// RegisterFinalizeActivity registers a terminal-writing activity.
		// The same handler shape serves the success, human-review, and
		// blocked terminals under distinct names.
		RegisterFinalizeActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.FinalizeInput) (*api.FinalizeResult, error)) error

		// StartWorkflow launches an execution and returns a handle. The
		// workflow ID must be unique among in-flight runs.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	}

	// WorkflowDefinition binds the workflow handler to a name and queue.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowFunc
	}

	// WorkflowFunc is the workflow entry point. Must be deterministic with
	// respect to activity results.
	WorkflowFunc func(ctx WorkflowContext, input *api.WorkflowInput) (*api.WorkflowResult, error)

	// WorkflowContext exposes engine operations inside the deterministic
	// workflow environment. Bound to a single execution; not safe to share
	// across goroutines.
	WorkflowContext interface {
		// Context returns the Go context for the execution. In the durable
		// engine this is replay-aware.
		Context() context.Context

		// WorkflowID returns the caller-assigned workflow identifier.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// Now returns workflow time. Replay-safe in the durable engine.
		Now() time.Time

		// ExecuteSafetyActivity schedules the safety precheck and blocks
		// until it completes.
		ExecuteSafetyActivity(ctx context.Context, name string, input *api.SafetyInput) (*api.SafetyVerdict, error)

		// ExecutePlanActivity schedules plan generation and blocks.
		ExecutePlanActivity(ctx context.Context, name string, input *api.PlanInput) (*api.PlanResult, error)

		// ExecuteEditActivity schedules plan execution and blocks.
		ExecuteEditActivity(ctx context.Context, name string, input *api.EditInput) (*api.EditResult, error)

		// ExecuteQAActivity schedules QA evaluation and blocks.
		ExecuteQAActivity(ctx context.Context, name string, input *api.QAInput) (*api.QAResult, error)

		// ExecuteFinalizeActivity schedules a terminal write and blocks.
		ExecuteFinalizeActivity(ctx context.Context, name string, input *api.FinalizeInput) (*api.FinalizeResult, error)
	}

	// WorkflowHandle lets callers wait on or cancel a running execution.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes and returns its result.
		Wait(ctx context.Context) (*api.WorkflowResult, error)

		// Cancel requests cancellation of the execution.
		Cancel(ctx context.Context) error
	}

	// ActivityOptions configures queue, retries, and the hard
	// start-to-close timeout for an activity.
	ActivityOptions struct {
		// Queue overrides the workflow's task queue. Empty inherits it.
		Queue string
		// RetryPolicy controls retries. Zero-valued uses engine defaults.
		RetryPolicy RetryPolicy
		// Timeout bounds one activity attempt. Zero means no timeout.
		Timeout time.Duration
	}

	// RetryPolicy defines retry semantics. Zero fields use engine defaults.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// WorkflowStartRequest describes an execution to launch.
	WorkflowStartRequest struct {
		ID        string
		Workflow  string
		TaskQueue string
		Input     *api.WorkflowInput
	}
)
