// Package temporal adapts the pipeline engine abstraction to Temporal for
// durable, crash-tolerant orchestration. The adapter manages one worker per
// task queue, wires OTEL instrumentation into the client and workers, and
// exposes workflow handles backed by the Temporal client.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/clipwright/clipwright/internal/pipeline/api"
	"github.com/clipwright/clipwright/internal/pipeline/engine"
	"github.com/clipwright/clipwright/internal/telemetry"
)

// Options configures the Temporal adapter. Either a pre-configured Client or
// ClientOptions must be provided; when the adapter creates the client itself
// it installs the OTEL interceptors automatically.
type Options struct {
	// Client is an optional pre-configured Temporal client.
	Client client.Client

	// ClientOptions describe how to construct the client when Client is
	// nil. Only connection fields need to be set.
	ClientOptions *client.Options

	// TaskQueue is the default queue for workflow and activity
	// registration. Required.
	TaskQueue string

	// WorkerOptions are forwarded to Temporal's worker.New.
	WorkerOptions worker.Options

	// DisableTracing skips the OTEL tracing interceptor.
	DisableTracing bool

	// DisableMetrics skips the OTEL metrics handler.
	DisableMetrics bool

	// Logger observes worker lifecycle. Nil means noop.
	Logger telemetry.Logger
}

// Engine implements engine.Engine on Temporal. Safe for concurrent use.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue string
	workerOpts   worker.Options
	logger       telemetry.Logger

	mu              sync.Mutex
	workers         map[string]*workerBundle
	workersStarted  bool
	workflows       map[string]engine.WorkflowDefinition
	activityOptions map[string]engine.ActivityOptions
}

// New constructs the adapter. The default task queue is required.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal engine: a default task queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	inst, err := configureInstrumentation(opts)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:          cli,
		closeClient:     closeClient,
		defaultQueue:    opts.TaskQueue,
		workerOpts:      workerOpts,
		logger:          logger,
		workers:         make(map[string]*workerBundle),
		workflows:       make(map[string]engine.WorkflowDefinition),
		activityOptions: make(map[string]engine.ActivityOptions),
	}, nil
}

// Client exposes the underlying Temporal client for health checks.
func (e *Engine) Client() client.Client { return e.client }

// RegisterWorkflow registers the workflow on the worker for its queue,
// wrapping the handler so it sees the engine's WorkflowContext.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: workflow name cannot be empty")
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input *api.WorkflowInput) (*api.WorkflowResult, error) {
		return def.Handler(newWorkflowContext(e, tctx), input)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterSafetyActivity registers the safety precheck activity.
func (e *Engine) RegisterSafetyActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.SafetyInput) (*api.SafetyVerdict, error)) error {
	return registerActivity(e, name, opts, fn)
}

// RegisterPlanActivity registers the plan generation activity.
func (e *Engine) RegisterPlanActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.PlanInput) (*api.PlanResult, error)) error {
	return registerActivity(e, name, opts, fn)
}

// RegisterEditActivity registers the plan execution activity.
func (e *Engine) RegisterEditActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.EditInput) (*api.EditResult, error)) error {
	return registerActivity(e, name, opts, fn)
}

// RegisterQAActivity registers the QA evaluation activity.
func (e *Engine) RegisterQAActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.QAInput) (*api.QAResult, error)) error {
	return registerActivity(e, name, opts, fn)
}

// RegisterFinalizeActivity registers a terminal-writing activity.
func (e *Engine) RegisterFinalizeActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.FinalizeInput) (*api.FinalizeResult, error)) error {
	return registerActivity(e, name, opts, fn)
}

// registerActivity is the shared typed registration path. Temporal infers
// payload types from the function signature, so the typed handler is passed
// straight through.
func registerActivity[In any, Out any](e *Engine, name string, opts engine.ActivityOptions, fn func(context.Context, In) (Out, error)) error {
	if name == "" {
		return fmt.Errorf("temporal engine: activity name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("temporal engine: activity %q handler is required", name)
	}
	queue := opts.Queue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(name, fn)

	e.mu.Lock()
	e.activityOptions[name] = opts
	e.mu.Unlock()
	return nil
}

// StartWorkflow launches an execution. Workers auto-start on first use.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, fmt.Errorf("temporal engine: workflow name is required")
	}
	e.mu.Lock()
	def, ok := e.workflows[req.Workflow]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("temporal engine: workflow %q is not registered", req.Workflow)
	}

	e.ensureWorkersStarted()

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        req.ID,
		TaskQueue: queue,
	}, def.Name, req.Input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return nil, fmt.Errorf("%w: %s", engine.ErrAlreadyRunning, req.ID)
		}
		return nil, err
	}
	return &workflowHandle{run: run, client: e.client}, nil
}

// Worker returns a lifecycle controller for all workers on this engine.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close shuts down the client if the engine created it.
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}
	w := worker.New(e.client, queue, e.workerOpts)
	bundle := &workerBundle{queue: queue, worker: w, logger: e.logger}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) optionsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOptions[name]
}

// WorkerController starts and stops all workers managed by the engine.
type WorkerController struct {
	engine *Engine
}

// Start launches all registered workers.
func (c *WorkerController) Start() error {
	c.engine.ensureWorkersStarted()
	return nil
}

// Stop gracefully stops all workers.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()
	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited",
					"queue", b.queue, "err", err)
			}
		}()
	})
}

func (b *workerBundle) stop() {
	b.worker.Stop()
}

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts Options) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(temporalotel.MetricsHandlerOptions{})
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) Wait(ctx context.Context) (*api.WorkflowResult, error) {
	var result api.WorkflowResult
	if err := h.run.Get(ctx, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}

func convertRetryPolicy(rp engine.RetryPolicy) *sdktemporal.RetryPolicy {
	if rp.MaxAttempts == 0 && rp.InitialInterval == 0 && rp.BackoffCoefficient == 0 {
		return nil
	}
	policy := &sdktemporal.RetryPolicy{}
	if rp.MaxAttempts > 0 {
		policy.MaximumAttempts = int32(rp.MaxAttempts)
	}
	if rp.InitialInterval > 0 {
		policy.InitialInterval = rp.InitialInterval
	}
	if rp.BackoffCoefficient >= 1 {
		policy.BackoffCoefficient = rp.BackoffCoefficient
	}
	return policy
}
