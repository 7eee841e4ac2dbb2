package pipeline

import (
	"github.com/clipwright/clipwright/internal/model"
	"github.com/clipwright/clipwright/internal/pipeline/api"
	"github.com/clipwright/clipwright/internal/pipeline/engine"
)

// ReasonIterationsExhausted marks a job that never cleared QA within its
// iteration budget and was parked for a human decision.
const ReasonIterationsExhausted = "qa_not_passed_after_max_iterations"

// Workflow is the edit orchestration: safety gate, then a bounded
// plan/execute/qa loop feeding each report's issues into the next plan, then
// one of the terminal activities. Deterministic: all I/O happens inside
// activities, and every decision derives from activity results.
func Workflow(ctx engine.WorkflowContext, input *api.WorkflowInput) (*api.WorkflowResult, error) {
	wctx := ctx.Context()

	verdict, err := ctx.ExecuteSafetyActivity(wctx, api.ActivitySafety, &api.SafetyInput{JobID: input.JobID})
	if err != nil {
		return nil, err
	}
	if !verdict.Allowed {
		fin, err := ctx.ExecuteFinalizeActivity(wctx, api.ActivityFinalizeBlocked, &api.FinalizeInput{
			JobID:   input.JobID,
			Reasons: verdict.BlockedRules,
		})
		if err != nil {
			return nil, err
		}
		return &api.WorkflowResult{
			JobID:       input.JobID,
			FinalStatus: fin.FinalStatus,
			Reason:      verdict.Reason,
		}, nil
	}

	var priorIssues []model.Issue
	iteration := 0
	budget := 0
	for {
		iteration++

		planRes, err := ctx.ExecutePlanActivity(wctx, api.ActivityPlan, &api.PlanInput{
			JobID:       input.JobID,
			Iteration:   iteration,
			PriorIssues: priorIssues,
		})
		if err != nil {
			return nil, err
		}
		if budget == 0 {
			budget = planRes.Plan.IterationBudget
			if budget < 1 {
				budget = 1
			}
		}

		if _, err := ctx.ExecuteEditActivity(wctx, api.ActivityEdit, &api.EditInput{
			JobID:     input.JobID,
			Iteration: iteration,
			Plan:      planRes.Plan,
		}); err != nil {
			return nil, err
		}

		qaRes, err := ctx.ExecuteQAActivity(wctx, api.ActivityQA, &api.QAInput{
			JobID:     input.JobID,
			Iteration: iteration,
		})
		if err != nil {
			return nil, err
		}

		if qaRes.Passed {
			name := api.ActivityFinalizeSuccess
			if qaRes.RouteManual {
				name = api.ActivityFinalizeReview
			}
			fin, err := ctx.ExecuteFinalizeActivity(wctx, name, &api.FinalizeInput{
				JobID:      input.JobID,
				Iterations: iteration,
				Reasons:    qaRes.Reasons,
			})
			if err != nil {
				return nil, err
			}
			return &api.WorkflowResult{
				JobID:       input.JobID,
				FinalStatus: fin.FinalStatus,
				Iterations:  iteration,
			}, nil
		}

		priorIssues = qaRes.Report.Issues
		if iteration >= budget {
			fin, err := ctx.ExecuteFinalizeActivity(wctx, api.ActivityFinalizeReview, &api.FinalizeInput{
				JobID:      input.JobID,
				Iterations: iteration,
				Reasons:    []string{ReasonIterationsExhausted},
			})
			if err != nil {
				return nil, err
			}
			return &api.WorkflowResult{
				JobID:       input.JobID,
				FinalStatus: fin.FinalStatus,
				Iterations:  iteration,
				Reason:      ReasonIterationsExhausted,
			}, nil
		}
	}
}
