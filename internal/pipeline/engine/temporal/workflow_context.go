package temporal

import (
	"context"
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/clipwright/clipwright/internal/pipeline/api"
	"github.com/clipwright/clipwright/internal/pipeline/engine"
)

// workflowContext adapts a Temporal workflow.Context to the pipeline's
// WorkflowContext. Activity calls apply the options registered for each
// activity name (timeout, retry policy, queue).
type workflowContext struct {
	engine     *Engine
	ctx        workflow.Context
	workflowID string
	runID      string
}

func newWorkflowContext(e *Engine, ctx workflow.Context) *workflowContext {
	info := workflow.GetInfo(ctx)
	return &workflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
	}
}

func (w *workflowContext) Context() context.Context {
	return context.Background()
}

func (w *workflowContext) WorkflowID() string { return w.workflowID }

func (w *workflowContext) RunID() string { return w.runID }

func (w *workflowContext) Now() time.Time {
	return workflow.Now(w.ctx)
}

func (w *workflowContext) activityContext(name string) workflow.Context {
	opts := w.engine.optionsFor(name)
	actOpts := workflow.ActivityOptions{
		StartToCloseTimeout: opts.Timeout,
		TaskQueue:           opts.Queue,
	}
	if actOpts.StartToCloseTimeout == 0 {
		actOpts.StartToCloseTimeout = 10 * time.Minute
	}
	if rp := convertRetryPolicy(opts.RetryPolicy); rp != nil {
		actOpts.RetryPolicy = rp
	}
	return workflow.WithActivityOptions(w.ctx, actOpts)
}

func (w *workflowContext) ExecuteSafetyActivity(_ context.Context, name string, input *api.SafetyInput) (*api.SafetyVerdict, error) {
	actx := w.activityContext(name)
	var out *api.SafetyVerdict
	if err := workflow.ExecuteActivity(actx, name, input).Get(actx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *workflowContext) ExecutePlanActivity(_ context.Context, name string, input *api.PlanInput) (*api.PlanResult, error) {
	actx := w.activityContext(name)
	var out *api.PlanResult
	if err := workflow.ExecuteActivity(actx, name, input).Get(actx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *workflowContext) ExecuteEditActivity(_ context.Context, name string, input *api.EditInput) (*api.EditResult, error) {
	actx := w.activityContext(name)
	var out *api.EditResult
	if err := workflow.ExecuteActivity(actx, name, input).Get(actx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *workflowContext) ExecuteQAActivity(_ context.Context, name string, input *api.QAInput) (*api.QAResult, error) {
	actx := w.activityContext(name)
	var out *api.QAResult
	if err := workflow.ExecuteActivity(actx, name, input).Get(actx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *workflowContext) ExecuteFinalizeActivity(_ context.Context, name string, input *api.FinalizeInput) (*api.FinalizeResult, error) {
	actx := w.activityContext(name)
	var out *api.FinalizeResult
	if err := workflow.ExecuteActivity(actx, name, input).Get(actx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var (
	_ engine.Engine          = (*Engine)(nil)
	_ engine.WorkflowContext = (*workflowContext)(nil)
)
