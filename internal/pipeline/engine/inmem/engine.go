// Package inmem provides the in-process engine implementation. It runs the
// workflow handler in a goroutine and invokes activities directly, honoring
// their timeouts. No durability: a crash loses in-flight runs, recovery is
// a rerun. It backs the fallback orchestrator runtime and the tests.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/clipwright/clipwright/internal/pipeline/api"
	"github.com/clipwright/clipwright/internal/pipeline/engine"
)

type (
	eng struct {
		mu sync.RWMutex

		workflows map[string]engine.WorkflowDefinition

		safetyActivities   map[string]activityDef[*api.SafetyInput, *api.SafetyVerdict]
		planActivities     map[string]activityDef[*api.PlanInput, *api.PlanResult]
		editActivities     map[string]activityDef[*api.EditInput, *api.EditResult]
		qaActivities       map[string]activityDef[*api.QAInput, *api.QAResult]
		finalizeActivities map[string]activityDef[*api.FinalizeInput, *api.FinalizeResult]

		running map[string]bool // workflow IDs currently executing
	}

	activityDef[In any, Out any] struct {
		handler func(context.Context, In) (Out, error)
		opts    engine.ActivityOptions
	}

	handle struct {
		mu     sync.Mutex
		done   chan struct{}
		err    error
		result *api.WorkflowResult
		cancel context.CancelFunc
	}

	wfCtx struct {
		ctx   context.Context
		id    string
		runID string
		eng   *eng
	}
)

// New returns the in-process engine.
func New() *Engine {
	return &Engine{eng: &eng{running: make(map[string]bool)}}
}

// Engine wraps the in-process implementation.
type Engine struct {
	*eng
}

func (e *eng) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workflows == nil {
		e.workflows = make(map[string]engine.WorkflowDefinition)
	}
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

func registerActivity[In any, Out any](e *eng, byName *map[string]activityDef[In, Out], name string, opts engine.ActivityOptions, fn func(context.Context, In) (Out, error)) error {
	if name == "" {
		return errors.New("activity name is required")
	}
	if fn == nil {
		return errors.New("activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if *byName == nil {
		*byName = make(map[string]activityDef[In, Out])
	}
	if _, dup := (*byName)[name]; dup {
		return fmt.Errorf("activity %q already registered", name)
	}
	(*byName)[name] = activityDef[In, Out]{handler: fn, opts: opts}
	return nil
}

func (e *eng) RegisterSafetyActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.SafetyInput) (*api.SafetyVerdict, error)) error {
	return registerActivity(e, &e.safetyActivities, name, opts, fn)
}

func (e *eng) RegisterPlanActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.PlanInput) (*api.PlanResult, error)) error {
	return registerActivity(e, &e.planActivities, name, opts, fn)
}

func (e *eng) RegisterEditActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.EditInput) (*api.EditResult, error)) error {
	return registerActivity(e, &e.editActivities, name, opts, fn)
}

func (e *eng) RegisterQAActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.QAInput) (*api.QAResult, error)) error {
	return registerActivity(e, &e.qaActivities, name, opts, fn)
}

func (e *eng) RegisterFinalizeActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.FinalizeInput) (*api.FinalizeResult, error)) error {
	return registerActivity(e, &e.finalizeActivities, name, opts, fn)
}

// StartWorkflow runs the workflow handler in a goroutine. A second start
// with the same ID while the first is in flight fails with
// ErrAlreadyRunning, matching the duplicate-run guard of the durable
// engine.
func (e *eng) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.ID == "" {
		return nil, errors.New("workflow id is required")
	}
	e.mu.RLock()
	def, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}

	e.mu.Lock()
	if e.running[req.ID] {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", engine.ErrAlreadyRunning, req.ID)
	}
	e.running[req.ID] = true
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	wctx := &wfCtx{ctx: runCtx, id: req.ID, runID: req.ID, eng: e}
	h := &handle{done: make(chan struct{}), cancel: cancel}

	go func() {
		defer close(h.done)
		defer func() {
			e.mu.Lock()
			delete(e.running, req.ID)
			e.mu.Unlock()
		}()
		res, err := def.Handler(wctx, req.Input)
		h.mu.Lock()
		h.result = res
		h.err = err
		h.mu.Unlock()
	}()

	return h, nil
}

func (h *handle) Wait(ctx context.Context) (*api.WorkflowResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

func (h *handle) Cancel(context.Context) error {
	h.cancel()
	return nil
}

func (w *wfCtx) Context() context.Context { return w.ctx }
func (w *wfCtx) WorkflowID() string       { return w.id }
func (w *wfCtx) RunID() string            { return w.runID }
func (w *wfCtx) Now() time.Time           { return time.Now().UTC() }

// executeActivity invokes a registered handler directly, applying its
// configured timeout.
func executeActivity[In any, Out any](w *wfCtx, byName map[string]activityDef[In, Out], name string, input In) (Out, error) {
	var zero Out
	w.eng.mu.RLock()
	def, ok := byName[name]
	w.eng.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("activity %q not registered", name)
	}
	ctx, cancel := withOptionalTimeout(w.ctx, def.opts.Timeout)
	defer cancel()
	return def.handler(ctx, input)
}

func (w *wfCtx) ExecuteSafetyActivity(_ context.Context, name string, input *api.SafetyInput) (*api.SafetyVerdict, error) {
	return executeActivity(w, w.eng.safetyActivities, name, input)
}

func (w *wfCtx) ExecutePlanActivity(_ context.Context, name string, input *api.PlanInput) (*api.PlanResult, error) {
	return executeActivity(w, w.eng.planActivities, name, input)
}

func (w *wfCtx) ExecuteEditActivity(_ context.Context, name string, input *api.EditInput) (*api.EditResult, error) {
	return executeActivity(w, w.eng.editActivities, name, input)
}

func (w *wfCtx) ExecuteQAActivity(_ context.Context, name string, input *api.QAInput) (*api.QAResult, error) {
	return executeActivity(w, w.eng.qaActivities, name, input)
}

func (w *wfCtx) ExecuteFinalizeActivity(_ context.Context, name string, input *api.FinalizeInput) (*api.FinalizeResult, error) {
	return executeActivity(w, w.eng.finalizeActivities, name, input)
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

var (
	_ engine.Engine          = (*Engine)(nil)
	_ engine.WorkflowContext = (*wfCtx)(nil)
	_ engine.WorkflowHandle  = (*handle)(nil)
)
