package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipwright/clipwright/internal/callback"
	"github.com/clipwright/clipwright/internal/config"
	"github.com/clipwright/clipwright/internal/executor"
	"github.com/clipwright/clipwright/internal/knowledge"
	"github.com/clipwright/clipwright/internal/model"
	"github.com/clipwright/clipwright/internal/pipeline/engine/inmem"
	"github.com/clipwright/clipwright/internal/store"
	"github.com/clipwright/clipwright/internal/telemetry"
)

type harness struct {
	cfg   config.Settings
	store *store.Store
	orch  *Orchestrator
}

func newHarness(t *testing.T, mutate func(*config.Settings)) *harness {
	t.Helper()
	ctx := context.Background()

	cfg := config.Settings{
		TemporalTaskQueue:          "video-edit-task-queue",
		QAThreshold:                0.82,
		QARandomReviewRatio:        0,
		MaxIterations:              3,
		ModelRuntimeMode:           "api",
		AllowAPIStubFallback:       true,
		EnableFallbackOrchestrator: true,
		RemoteModelTimeout:         time.Second,
		CallbackTimeout:            time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := telemetry.NewNoopLogger()
	metrics := telemetry.NewNoopMetrics()
	index := knowledge.NewIndex(cfg, st, logger)
	dispatcher := callback.NewDispatcher(cfg, st, logger)
	acts := NewActivities(cfg, st, executor.ForMode(cfg, logger), dispatcher, index, logger, metrics)

	eng := inmem.New()
	require.NoError(t, RegisterAll(ctx, eng, acts, cfg.TemporalTaskQueue))

	orch := NewOrchestrator(cfg, st, nil, eng, dispatcher, logger, metrics)
	return &harness{cfg: cfg, store: st, orch: orch}
}

func (h *harness) submit(t *testing.T, instruction string) model.Job {
	t.Helper()
	job, created, err := h.store.CreateJob(context.Background(), model.Job{
		Instruction:   instruction,
		InputURI:      "minio://input/source.mp4",
		MaxIterations: h.cfg.MaxIterations,
	})
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func (h *harness) run(t *testing.T, instruction string) model.Job {
	t.Helper()
	job := h.submit(t, instruction)
	require.NoError(t, h.orch.Start(context.Background(), job.ID))
	return h.waitTerminal(t, job.ID)
}

func (h *harness) waitTerminal(t *testing.T, jobID string) model.Job {
	t.Helper()
	var job model.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.store.Job(context.Background(), jobID)
		return err == nil && job.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return job
}

func TestWorkflowSucceedsOnSecondIteration(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job := h.run(t, "remove the trash can from the sidewalk")

	assert.Equal(t, model.StatusSucceeded, job.Status)
	assert.Equal(t, 2, job.CurrentIteration)
	assert.Equal(t, model.CapRemoveObject, job.Capability)
	require.NotNil(t, job.LatestQAScore)
	assert.InDelta(t, 0.828, *job.LatestQAScore, 1e-9)
	assert.NotEmpty(t, job.OutputURI)

	iters, err := h.store.Iterations(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, iters, 2)
	require.NotNil(t, iters[1].EditPlan)
	// The second plan carries fixes for the first report's issues.
	assert.NotEmpty(t, iters[1].EditPlan.FixMap)

	reports, err := h.store.QAReports(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Less(t, reports[0].OverallScore, reports[1].OverallScore)

	cases, err := h.store.RecentCases(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Contains(t, cases[0].Tags, "auto_passed")
	assert.Empty(t, cases[0].FailureReason)
}

func TestWorkflowBlocksUnsafeInstruction(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job := h.run(t, "face swap the host with a celebrity")

	assert.Equal(t, model.StatusBlocked, job.Status)
	assert.Equal(t, 0, job.CurrentIteration)

	// No iteration ever ran.
	iters, err := h.store.Iterations(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, iters)

	// The audit record echoes the evaluated inputs.
	safetyEvents, err := h.store.SafetyEvents(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, safetyEvents, 1)
	assert.True(t, safetyEvents[0].Blocked)
	assert.Equal(t, job.Instruction, safetyEvents[0].Payload["instruction"])
	assert.Equal(t, false, safetyEvents[0].Payload["admin_override"])

	cases, err := h.store.RecentCases(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Contains(t, cases[0].Tags, "blocked")
}

func TestWorkflowRoutesHighRiskToHumanReview(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job := h.run(t, "replace the politician in the clip with an actor")

	assert.Equal(t, model.StatusHumanReview, job.Status)
	assert.Equal(t, model.RiskHigh, job.RiskLevel)
	assert.Equal(t, 2, job.CurrentIteration)

	cases, err := h.store.RecentCases(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Contains(t, cases[0].Tags, "high_risk")
	assert.Equal(t, "manual_review_required", cases[0].FixStrategy)
}

func TestWorkflowSpotCheckAlwaysSamples(t *testing.T) {
	h := newHarness(t, func(cfg *config.Settings) {
		cfg.QARandomReviewRatio = 1
	})

	job := h.run(t, "remove the trash can from the sidewalk")

	assert.Equal(t, model.StatusHumanReview, job.Status)
	cases, err := h.store.RecentCases(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Contains(t, cases[0].Tags, "random_sampled")
}

func TestWorkflowExhaustsIterationBudget(t *testing.T) {
	h := newHarness(t, func(cfg *config.Settings) {
		cfg.QAThreshold = 0.99
	})
	ctx := context.Background()

	job := h.run(t, "remove the trash can from the sidewalk")

	assert.Equal(t, model.StatusHumanReview, job.Status)
	assert.Equal(t, 3, job.CurrentIteration)

	reports, err := h.store.QAReports(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, reports, 3)

	cases, err := h.store.RecentCases(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, ReasonIterationsExhausted, cases[0].FailureReason)
}

func TestReviewApprove(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job := h.run(t, "replace the politician in the clip with an actor")
	require.Equal(t, model.StatusHumanReview, job.Status)

	reviewed, err := h.orch.ApplyReview(ctx, job.ID, model.DecisionApprove, "alex", "output looks correct")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSucceeded, reviewed.Status)

	events, err := h.store.Events(ctx, job.ID)
	require.NoError(t, err)
	var reviewEvents int
	for _, ev := range events {
		if ev.Stage == "review" {
			reviewEvents++
		}
	}
	assert.Equal(t, 1, reviewEvents)
}

func TestReviewReject(t *testing.T) {
	h := newHarness(t, nil)

	job := h.run(t, "replace the politician in the clip with an actor")
	require.Equal(t, model.StatusHumanReview, job.Status)

	reviewed, err := h.orch.ApplyReview(context.Background(), job.ID, model.DecisionReject, "alex", "mask bleeds into background")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, reviewed.Status)
}

func TestReviewRerunResetsAndRestarts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job := h.run(t, "replace the politician in the clip with an actor")
	require.Equal(t, model.StatusHumanReview, job.Status)

	_, err := h.orch.ApplyReview(ctx, job.ID, model.DecisionRerun, "alex", "try again")
	require.NoError(t, err)

	final := h.waitTerminal(t, job.ID)
	// The rerun is deterministic: same instruction, same routing.
	assert.Equal(t, model.StatusHumanReview, final.Status)
	assert.Equal(t, 2, final.CurrentIteration)

	// Rerun replaces the per-iteration rows; one report and one iteration
	// row per iteration number regardless of how many runs wrote them.
	reports, err := h.store.QAReports(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, reports, 2)

	iters, err := h.store.Iterations(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, iters, 2)
}

func TestReviewRejectedOutsideHumanReview(t *testing.T) {
	h := newHarness(t, nil)

	job := h.run(t, "remove the trash can from the sidewalk")
	require.Equal(t, model.StatusSucceeded, job.Status)

	_, err := h.orch.ApplyReview(context.Background(), job.ID, model.DecisionApprove, "alex", "")
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = h.orch.ApplyReview(context.Background(), job.ID, model.ReviewDecision("escalate"), "alex", "")
	require.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestStartFailsWithoutAnyEngine(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job := h.submit(t, "remove the trash can from the sidewalk")

	orch := NewOrchestrator(h.cfg, h.store, nil, nil, nil,
		telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	err := orch.Start(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWorkflowUnavailable))

	failed, err := h.store.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, failed.Status)
}
