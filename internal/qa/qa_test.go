package qa

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipwright/clipwright/internal/model"
)

func TestEvaluateFirstIteration(t *testing.T) {
	e := NewEvaluator(0.82, 0.2)
	report := e.Evaluate(Context{Iteration: 1})

	assert.InDelta(t, 0.74, report.DimensionScores[DimInstructionAdherence], 1e-9)
	assert.InDelta(t, 0.75, report.DimensionScores[DimTemporalConsistency], 1e-9)
	assert.InDelta(t, 0.99, report.DimensionScores[DimSafetyCompliance], 1e-9)

	// mean(0.74, 0.75, 0.78, 0.76, 0.99) = 0.804
	assert.InDelta(t, 0.804, report.OverallScore, 1e-9)
	assert.Empty(t, report.HardFailFlags)
	assert.False(t, e.ShouldPass(report))

	codes := make([]string, 0, len(report.Issues))
	for _, issue := range report.Issues {
		codes = append(codes, issue.Code)
	}
	assert.Equal(t, []string{"temporal_flicker", "instruction_partial_match"}, codes)
	assert.Equal(t, "00:00:02-00:00:06", report.Issues[0].Timeline)
}

func TestEvaluateImprovesWithIterations(t *testing.T) {
	e := NewEvaluator(0.82, 0.2)

	second := e.Evaluate(Context{Iteration: 2})
	assert.InDelta(t, 0.77, second.DimensionScores[DimInstructionAdherence], 1e-9)
	// mean(0.77, 0.78, 0.81, 0.79, 0.99) = 0.828, first passing iteration.
	assert.InDelta(t, 0.828, second.OverallScore, 1e-9)
	assert.True(t, e.ShouldPass(second))
	// adherence 0.77 < 0.82 still reports the partial-match issue.
	assert.Len(t, second.Issues, 2)

	third := e.Evaluate(Context{Iteration: 3})
	assert.InDelta(t, 0.80, third.DimensionScores[DimInstructionAdherence], 1e-9)
	// mean(0.80, 0.81, 0.84, 0.82, 0.99) = 0.852
	assert.InDelta(t, 0.852, third.OverallScore, 1e-9)
	assert.True(t, e.ShouldPass(third))
	assert.Len(t, third.Issues, 1)
	assert.Equal(t, "instruction_partial_match", third.Issues[0].Code)

	// Improvement caps at 0.1.
	tenth := e.Evaluate(Context{Iteration: 10})
	assert.InDelta(t, 0.84, tenth.DimensionScores[DimInstructionAdherence], 1e-9)
}

func TestOverallScoreIsRoundedMean(t *testing.T) {
	e := NewEvaluator(0.82, 0)
	for iter := 1; iter <= 5; iter++ {
		report := e.Evaluate(Context{Iteration: iter})
		sum := 0.0
		for _, v := range report.DimensionScores {
			sum += v
		}
		want := math.Round(sum/float64(len(report.DimensionScores))*1e4) / 1e4
		assert.InDelta(t, want, report.OverallScore, 1e-12)
	}
}

func TestShouldPassHardFail(t *testing.T) {
	e := NewEvaluator(0.5, 0)
	report := model.QAReport{OverallScore: 0.95, HardFailFlags: []string{"safety"}}
	assert.False(t, e.ShouldPass(report))
}

func TestStableSampleDeterministic(t *testing.T) {
	first := StableSample("job-abc", 0.5)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, StableSample("job-abc", 0.5))
	}
	assert.False(t, StableSample("job-abc", 0))
	assert.False(t, StableSample("job-abc", -1))
	assert.True(t, StableSample("job-abc", 1))
	assert.True(t, StableSample("job-abc", 2))
}

func TestStableSampleEmpiricalRate(t *testing.T) {
	const n = 10000
	for _, ratio := range []float64{0.1, 0.2, 0.5} {
		hits := 0
		for i := 0; i < n; i++ {
			if StableSample(fmt.Sprintf("job-%d", i), ratio) {
				hits++
			}
		}
		rate := float64(hits) / n
		assert.InDelta(t, ratio, rate, 0.02, "ratio %v", ratio)
	}
}

func TestRouteManualReview(t *testing.T) {
	e := NewEvaluator(0.82, 1) // ratio 1: every passing job is spot-checked

	failing := model.QAReport{OverallScore: 0.5}
	route, reasons := e.RouteManualReview("job-1", failing, model.RiskHigh)
	assert.False(t, route)
	assert.Empty(t, reasons)

	passing := model.QAReport{OverallScore: 0.9}
	route, reasons = e.RouteManualReview("job-1", passing, model.RiskHigh)
	assert.True(t, route)
	assert.Equal(t, []string{ReasonHighRisk, ReasonSpotCheck}, reasons)

	noSample := NewEvaluator(0.82, 0)
	route, reasons = noSample.RouteManualReview("job-1", passing, model.RiskLow)
	assert.False(t, route)
	assert.Empty(t, reasons)
}
