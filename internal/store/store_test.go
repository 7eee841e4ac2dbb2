package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipwright/clipwright/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestJob() model.Job {
	return model.Job{
		Instruction:   "remove the watermark from the clip",
		InputURI:      "file:///videos/in.mp4",
		MaxIterations: 3,
		Metadata:      model.Metadata{},
	}
}

func TestCreateJobAssignsDefaults(t *testing.T) {
	s := newTestStore(t)
	job, created, err := s.CreateJob(context.Background(), newTestJob())
	require.NoError(t, err)
	require.True(t, created)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.StatusQueued, job.Status)
	assert.False(t, job.CreatedAt.IsZero())

	got, err := s.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Instruction, got.Instruction)
}

func TestCreateJobIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newTestJob()
	first.IdempotencyKey = "key-1"
	created1, ok, err := s.CreateJob(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)

	second := newTestJob()
	second.IdempotencyKey = "key-1"
	second.Instruction = "a different body entirely"
	created2, ok, err := s.CreateJob(ctx, second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, created1.ID, created2.ID)
	assert.Equal(t, first.Instruction, created2.Instruction)
}

func TestRecentJobsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		job, _, err := s.CreateJob(ctx, newTestJob())
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	jobs, err := s.RecentJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.NotEqual(t, ids[0], jobs[0].ID)

	all, err := s.RecentJobs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSetStatusEnforcesTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, _, err := s.CreateJob(ctx, newTestJob())
	require.NoError(t, err)

	// queued -> qa is not in the table.
	_, err = s.SetStatus(ctx, job.ID, model.StatusQA, true)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// The rejected transition must not leave an event behind.
	events, err := s.Events(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, events)

	// The legal path works and records each hop.
	for _, to := range []model.JobStatus{
		model.StatusPlanning, model.StatusEditing, model.StatusQA, model.StatusSucceeded,
	} {
		_, err = s.SetStatus(ctx, job.ID, to, true)
		require.NoError(t, err)
	}

	// succeeded is terminal.
	_, err = s.SetStatus(ctx, job.ID, model.StatusQueued, true)
	require.ErrorIs(t, err, ErrInvalidTransition)

	events, err = s.Events(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "status_transition", events[0].Stage)
	assert.Equal(t, "queued", events[0].Payload["from"])
	assert.Equal(t, "planning", events[0].Payload["to"])
}

func TestSetStatusRepeatIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, _, err := s.CreateJob(ctx, newTestJob())
	require.NoError(t, err)

	_, err = s.SetStatus(ctx, job.ID, model.StatusPlanning, true)
	require.NoError(t, err)

	// A redelivered activity repeating its own transition succeeds without
	// touching the table or the audit log.
	repeat, err := s.SetStatus(ctx, job.ID, model.StatusPlanning, true)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPlanning, repeat.Status)

	events, err := s.Events(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "status_transition", events[0].Stage)
}

func TestSetStatusForcedWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, _, err := s.CreateJob(ctx, newTestJob())
	require.NoError(t, err)

	_, err = s.SetStatus(ctx, job.ID, model.StatusPlanning, true)
	require.NoError(t, err)

	// planning -> blocked is illegal, but forced writes bypass the table.
	got, err := s.SetStatus(ctx, job.ID, model.StatusBlocked, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBlocked, got.Status)
}

func TestEventSequenceStrictlyIncreasing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, _, err := s.CreateJob(ctx, newTestJob())
	require.NoError(t, err)

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.AppendEvent(ctx, model.JobEvent{
					JobID: job.ID, Stage: "test", Message: "tick",
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	events, err := s.Events(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
		assert.False(t, events[i].CreatedAt.Before(events[i-1].CreatedAt))
	}
}

func TestIterationsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, _, err := s.CreateJob(ctx, newTestJob())
	require.NoError(t, err)

	plan := &model.EditPlan{
		Capability:      model.CapRemoveObject,
		ToolChain:       []string{"groundingdino_detect", "sam2_segment"},
		ModelBundle:     "balanced_12g_bundle",
		IterationBudget: 3,
	}
	it, err := s.InsertIteration(ctx, model.JobIteration{
		JobID:     job.ID,
		Iteration: 1,
		EditPlan:  plan,
		OutputURI: "file:///videos/out_1.mp4",
	})
	require.NoError(t, err)
	assert.NotZero(t, it.ID)

	iters, err := s.Iterations(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, iters, 1)
	require.NotNil(t, iters[0].EditPlan)
	assert.Equal(t, model.CapRemoveObject, iters[0].EditPlan.Capability)
	assert.Equal(t, []string{"groundingdino_detect", "sam2_segment"}, iters[0].EditPlan.ToolChain)

	// A redelivered write for the same (job_id, iteration) replaces the
	// row instead of conflicting with it.
	_, err = s.InsertIteration(ctx, model.JobIteration{
		JobID:     job.ID,
		Iteration: 1,
		EditPlan:  plan,
		OutputURI: "file:///videos/out_1_retry.mp4",
	})
	require.NoError(t, err)

	iters, err = s.Iterations(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, iters, 1)
	assert.Equal(t, "file:///videos/out_1_retry.mp4", iters[0].OutputURI)
}

func TestQAReports(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, _, err := s.CreateJob(ctx, newTestJob())
	require.NoError(t, err)

	_, err = s.LatestQAReport(ctx, job.ID)
	require.ErrorIs(t, err, ErrNotFound)

	for i := 1; i <= 2; i++ {
		_, err = s.InsertQAReport(ctx, model.QAReport{
			JobID:        job.ID,
			Iteration:    i,
			OverallScore: 0.8 + float64(i)/100,
			DimensionScores: map[string]float64{
				"instruction_adherence": 0.8,
			},
			Issues:    []model.Issue{{Code: "temporal_flicker", Severity: "medium"}},
			RawReport: map[string]any{"evaluator": "deterministic_v1"},
		})
		require.NoError(t, err)
	}

	latest, err := s.LatestQAReport(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Iteration)
	assert.InDelta(t, 0.82, latest.OverallScore, 1e-9)
	require.Len(t, latest.Issues, 1)
	assert.Equal(t, "temporal_flicker", latest.Issues[0].Code)
	assert.Equal(t, "deterministic_v1", latest.RawReport["evaluator"])

	all, err := s.QAReports(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// A redelivered report replaces the existing row for its iteration.
	_, err = s.InsertQAReport(ctx, model.QAReport{
		JobID:        job.ID,
		Iteration:    2,
		OverallScore: 0.9,
	})
	require.NoError(t, err)

	all, err = s.QAReports(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.InDelta(t, 0.9, all[1].OverallScore, 1e-9)
}

func TestUpdateJobFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, _, err := s.CreateJob(ctx, newTestJob())
	require.NoError(t, err)

	score := 0.87
	job.OutputURI = "file:///videos/out.mp4"
	job.Capability = model.CapRemoveLogo
	job.LatestQAScore = &score
	job.CurrentIteration = 2
	_, err = s.UpdateJob(ctx, job)
	require.NoError(t, err)

	got, err := s.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "file:///videos/out.mp4", got.OutputURI)
	assert.Equal(t, model.CapRemoveLogo, got.Capability)
	require.NotNil(t, got.LatestQAScore)
	assert.InDelta(t, 0.87, *got.LatestQAScore, 1e-9)
	assert.Equal(t, 2, got.CurrentIteration)
}

func TestBundleCatalog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertBundle(ctx, model.ModelBundle{
		Name:           "balanced_12g_bundle",
		MinVRAMGB:      12,
		QualityTier:    "high",
		EnabledModules: []string{"remove_object", "remove_logo"},
	}))
	// Upsert replaces.
	require.NoError(t, s.UpsertBundle(ctx, model.ModelBundle{
		Name:        "balanced_12g_bundle",
		MinVRAMGB:   12,
		QualityTier: "balanced",
	}))

	b, err := s.Bundle(ctx, "balanced_12g_bundle")
	require.NoError(t, err)
	assert.Equal(t, "balanced", b.QualityTier)

	_, err = s.Bundle(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCaseRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.InsertCase(ctx, model.CaseRecord{
		JobID:       "job-1",
		TaskSummary: "remove logo from intro",
		Tags:        []string{"remove_logo", "auto_passed"},
		FixStrategy: "n/a",
		Embedding:   []float64{0.1, 0.2},
	})
	require.NoError(t, err)

	got, err := s.Case(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"remove_logo", "auto_passed"}, got.Tags)

	recent, err := s.RecentCases(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	_, err = s.Case(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}
