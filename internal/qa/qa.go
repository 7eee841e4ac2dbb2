// Package qa scores edit outputs on fixed dimensions and decides pass/fail
// and manual-review routing. Evaluation is deterministic on the iteration
// number; the manual-review spot check is a stable per-job Bernoulli draw so
// reruns of the same job always route the same way.
package qa

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"

	"github.com/clipwright/clipwright/internal/model"
)

// Dimension names, fixed across releases.
const (
	DimInstructionAdherence = "instruction_adherence"
	DimTemporalConsistency  = "temporal_consistency"
	DimVisualArtifacts      = "visual_artifacts"
	DimEditRegionAccuracy   = "edit_region_accuracy"
	DimSafetyCompliance     = "safety_compliance"
)

// Context identifies what is being evaluated.
type Context struct {
	Instruction string
	Iteration   int
	Capability  model.Capability
	OutputURI   string
}

// Evaluator holds the pass threshold and spot-check ratio.
type Evaluator struct {
	Threshold         float64
	RandomReviewRatio float64
}

// NewEvaluator returns an Evaluator with the given policy knobs.
func NewEvaluator(threshold, randomReviewRatio float64) *Evaluator {
	return &Evaluator{Threshold: threshold, RandomReviewRatio: randomReviewRatio}
}

// baseScores improve slightly on later iterations because fixes from the
// prior QA report are applied; the gain caps at 0.1.
func baseScores(iteration int) map[string]float64 {
	improvement := math.Min(0.1, 0.03*math.Max(0, float64(iteration-1)))
	return map[string]float64{
		DimInstructionAdherence: 0.74 + improvement,
		DimTemporalConsistency:  0.75 + improvement,
		DimVisualArtifacts:      0.78 + improvement,
		DimEditRegionAccuracy:   0.76 + improvement,
		DimSafetyCompliance:     0.99,
	}
}

// Evaluate scores one iteration's output. overall_score is the dimension
// mean rounded to 4 decimals; hard-fail flags fire on safety_compliance
// below 0.9 or visual_artifacts below 0.65 regardless of the overall score.
func (e *Evaluator) Evaluate(qc Context) model.QAReport {
	scores := baseScores(qc.Iteration)

	var issues []model.Issue
	var hardFailFlags []string
	var recommendations []string

	if scores[DimTemporalConsistency] < 0.8 {
		issues = append(issues, model.Issue{
			Code:        "temporal_flicker",
			Severity:    "medium",
			Description: "Noticeable frame-to-frame flicker in edited region",
			Timeline:    "00:00:02-00:00:06",
		})
		recommendations = append(recommendations,
			"Increase temporal smoothing and tracking confidence")
	}
	if scores[DimInstructionAdherence] < 0.82 {
		issues = append(issues, model.Issue{
			Code:        "instruction_partial_match",
			Severity:    "medium",
			Description: "Edit result only partially matches the instruction",
			Timeline:    "00:00:01-00:00:10",
		})
		recommendations = append(recommendations,
			"Tighten edit mask scope and object consistency constraints")
	}

	sum := 0.0
	for _, v := range scores {
		sum += v
	}
	overall := math.Round(sum/float64(len(scores))*1e4) / 1e4

	if scores[DimSafetyCompliance] < 0.9 {
		hardFailFlags = append(hardFailFlags, "safety")
	}
	if scores[DimVisualArtifacts] < 0.65 {
		hardFailFlags = append(hardFailFlags, "severe_artifacts")
	}

	return model.QAReport{
		Iteration:       qc.Iteration,
		OverallScore:    overall,
		DimensionScores: scores,
		Issues:          issues,
		HardFailFlags:   hardFailFlags,
		Recommendations: recommendations,
		RawReport: map[string]any{
			"evaluator":        "deterministic_v1",
			"instruction":      qc.Instruction,
			"capability":       string(qc.Capability),
			"output_uri":       qc.OutputURI,
			"iteration":        qc.Iteration,
			"dimension_scores": scores,
			"overall_score":    overall,
		},
	}
}

// ShouldPass reports whether the iteration clears the gate: overall score at
// or above the threshold with no hard-fail flags.
func (e *Evaluator) ShouldPass(report model.QAReport) bool {
	return report.OverallScore >= e.Threshold && len(report.HardFailFlags) == 0
}

// StableSample is a deterministic Bernoulli draw keyed on jobID: the first 8
// bytes of SHA-256(jobID) as an unsigned big-endian integer, divided by 2^64,
// compared against ratio. Ratio is clamped to [0, 1]; 0 never samples, 1
// always does.
func StableSample(jobID string, ratio float64) bool {
	bounded := math.Max(0, math.Min(1, ratio))
	if bounded <= 0 {
		return false
	}
	if bounded >= 1 {
		return true
	}
	digest := sha256.Sum256([]byte(jobID))
	sample := float64(binary.BigEndian.Uint64(digest[:8])) / math.Pow(2, 64)
	return sample < bounded
}

// Routing reasons.
const (
	ReasonHighRisk  = "high_risk_task_requires_manual_review"
	ReasonSpotCheck = "random_spot_check"
)

// RouteManualReview decides whether a passing job goes to a human. Failing
// reports never route (they re-enter the loop instead). Returns the routing
// decision and its reasons; routing occurs iff reasons is non-empty.
func (e *Evaluator) RouteManualReview(jobID string, report model.QAReport, risk model.RiskLevel) (bool, []string) {
	if !e.ShouldPass(report) {
		return false, nil
	}
	var reasons []string
	if strings.EqualFold(string(risk), string(model.RiskHigh)) {
		reasons = append(reasons, ReasonHighRisk)
	}
	if StableSample(jobID, e.RandomReviewRatio) {
		reasons = append(reasons, ReasonSpotCheck)
	}
	return len(reasons) > 0, reasons
}
