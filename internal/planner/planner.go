// Package planner maps a natural-language instruction, prior QA issues, and
// retrieved cases to an EditPlan. Plan generation is a pure function of its
// inputs: the same instruction, issues, and bundle always produce the same
// plan. Retrieved cases are advisory context for operators and are never
// required for planning.
package planner

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/clipwright/clipwright/internal/model"
)

// toolChains is the fixed ordered tool list per capability.
var toolChains = map[model.Capability][]string{
	model.CapRemoveObject: {
		"groundingdino_detect",
		"sam2_segment",
		"xmem_track",
		"propainter_inpaint",
		"temporal_smoothing",
	},
	model.CapReplaceObject: {
		"target_segment_track",
		"conditional_replace",
		"edge_blend",
		"color_match",
	},
	model.CapReplaceBackground: {
		"portrait_matting",
		"background_replace_or_generate",
		"lighting_match",
		"shadow_refine",
	},
	model.CapStylize: {
		"keyframe_stylization",
		"temporal_propagation",
		"anti_flicker_constraint",
	},
	model.CapColorGrade: {
		"lut_curve_suggestion",
		"ffmpeg_color_grading",
		"color_consistency_check",
	},
	model.CapRemoveLogo: {
		"logo_text_detect",
		"track_logo",
		"local_inpaint",
		"ocr_residual_check",
	},
}

// capabilityHints score generic intent keywords. Logo removal is handled by
// a shortcut before scoring because its tokens overlap remove_object's.
var capabilityHints = map[model.Capability][]string{
	model.CapRemoveObject:      {"remove", "erase", "delete", "去除", "移除"},
	model.CapReplaceObject:     {"replace", "swap", "change object", "替换"},
	model.CapReplaceBackground: {"background", "green screen", "背景", "抠像"},
	model.CapStylize:           {"style", "anime", "aesthetic", "风格", "卡通"},
	model.CapColorGrade:        {"color", "lut", "grading", "调色", "色调"},
	model.CapRemoveLogo:        {"logo", "watermark", "text removal", "去logo", "水印"},
}

var logoShortcutTokens = []string{"logo", "watermark", "去logo", "水印"}

// ToolChain returns the tool chain for a capability.
func ToolChain(c model.Capability) []string {
	chain := toolChains[c]
	out := make([]string, len(chain))
	copy(out, chain)
	return out
}

// DetectCapability resolves the capability for an instruction. A forced
// capability short-circuits detection. Otherwise logo/watermark tokens take
// the remove_logo shortcut; then hints are scored (2 points for tokens of
// six or more characters, 1 otherwise) with the longest matched token as the
// tiebreaker. Lengths count characters, not bytes, so CJK hints score by
// their actual length. No match defaults to replace_object.
func DetectCapability(instruction string, forced model.Capability) model.Capability {
	if forced != "" {
		return forced
	}
	normalized := strings.ToLower(instruction)

	for _, token := range logoShortcutTokens {
		if strings.Contains(normalized, token) {
			return model.CapRemoveLogo
		}
	}

	type scored struct {
		score       int
		specificity int
		capability  model.Capability
	}
	var candidates []scored
	for _, capability := range model.Capabilities() {
		score, specificity := 0, 0
		for _, token := range capabilityHints[capability] {
			if !strings.Contains(normalized, token) {
				continue
			}
			length := utf8.RuneCountInString(token)
			if length >= 6 {
				score += 2
			} else {
				score++
			}
			if length > specificity {
				specificity = length
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{score, specificity, capability})
		}
	}
	if len(candidates) == 0 {
		return model.CapReplaceObject
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].specificity > candidates[j].specificity
	})
	return candidates[0].capability
}

// BuildFixMap turns prior QA issues into pipeline adjustments for the next
// iteration.
func BuildFixMap(priorIssues []model.Issue) []model.FixEntry {
	fixMap := make([]model.FixEntry, 0, len(priorIssues))
	for _, issue := range priorIssues {
		code := issue.Code
		if code == "" {
			code = "unknown_issue"
		}
		description := issue.Description
		if description == "" {
			description = "improve quality"
		}
		fixMap = append(fixMap, model.FixEntry{
			FixPoint:            code,
			ToolAction:          fmt.Sprintf("adjust_pipeline_for_%s", code),
			ExpectedImprovement: description,
		})
	}
	return fixMap
}

// Request carries everything one plan generation needs.
type Request struct {
	Instruction string
	ModelBundle string
	PriorIssues []model.Issue
	Forced      model.Capability

	// Cases are retrieved knowledge records. Advisory only.
	Cases []model.CaseRecord

	MaxIterations int
}

// GeneratePlan builds the EditPlan for one iteration.
func GeneratePlan(req Request) model.EditPlan {
	capability := DetectCapability(req.Instruction, req.Forced)
	return model.EditPlan{
		Capability:      capability,
		ToolChain:       ToolChain(capability),
		ModelBundle:     req.ModelBundle,
		IterationBudget: req.MaxIterations,
		Constraints: model.Constraints{
			MaxResolution:      "1920x1080",
			MaxDurationSeconds: 30,
			QualityPriority:    true,
			StrictSafety:       true,
		},
		FixMap: BuildFixMap(req.PriorIssues),
	}
}
