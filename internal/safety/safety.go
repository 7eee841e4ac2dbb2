// Package safety is the pre-execution gate: a deterministic keyword match
// against block rules, a risk classifier, and a bounded admin override. The
// evaluation is pure; persistence of the resulting SafetyEvent is the
// caller's job.
package safety

import (
	"strings"

	"github.com/clipwright/clipwright/internal/config"
	"github.com/clipwright/clipwright/internal/model"
)

// Result is the outcome of evaluating one instruction.
type Result struct {
	Allowed         bool
	BlockedRules    []string
	Reason          string
	RiskLevel       model.RiskLevel
	OverrideApplied bool
}

// ruleID constants, stable across releases: safety events and the override
// allow-list refer to them by name.
const (
	RuleFaceSwap   = "high_risk_face_swap"
	RuleViolence   = "explicit_violence"
	RuleSexual     = "sexual_content"
	RuleHateTerror = "hate_or_terror"
)

// blockRules maps each rule to the phrases that trigger it. Matching is a
// case-insensitive substring test, so multilingual phrases work without
// tokenization.
var blockRules = []struct {
	id       string
	keywords []string
}{
	{RuleFaceSwap, []string{"face swap", "deepfake", "celebrity", "public figure", "换脸", "仿冒"}},
	{RuleViolence, []string{"gore", "beheading", "dismember", "blood explosion", "虐杀", "血腥"}},
	{RuleSexual, []string{"nude", "explicit sexual", "porn", "色情", "裸露"}},
	{RuleHateTerror, []string{"terror", "isis", "hate speech", "纳粹", "恐怖袭击"}},
}

var highRiskKeywords = []string{
	"public figure", "politician", "minor", "medical", "financial advice",
	"breaking news", "名人", "未成年人", "医疗", "金融",
}

var mediumRiskKeywords = []string{
	"brand", "trademark", "logo", "watermark", "商标", "水印",
}

// Evaluator applies the block rules and risk policy with the configured
// override allow-list and extra high-risk keywords.
type Evaluator struct {
	cfg config.Settings
}

// NewEvaluator returns an Evaluator bound to the given settings.
func NewEvaluator(cfg config.Settings) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// ClassifyRisk grades an instruction low, medium, or high. Configured
// HIGH_RISK_REVIEW_KEYWORDS extend the built-in high-risk list.
func (e *Evaluator) ClassifyRisk(instruction string) model.RiskLevel {
	text := strings.ToLower(instruction)
	for _, kw := range highRiskKeywords {
		if strings.Contains(text, kw) {
			return model.RiskHigh
		}
	}
	for _, kw := range e.cfg.HighRiskReviewKeywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			return model.RiskHigh
		}
	}
	for _, kw := range mediumRiskKeywords {
		if strings.Contains(text, kw) {
			return model.RiskMedium
		}
	}
	return model.RiskLow
}

// Evaluate runs the block rules against the instruction. An admin override
// lifts a block only when a non-empty reason is supplied and every matched
// rule is on the configured allow-list.
func (e *Evaluator) Evaluate(instruction string, adminOverride bool, overrideReason string) Result {
	text := strings.ToLower(instruction)
	risk := e.ClassifyRisk(instruction)

	var matched []string
	for _, rule := range blockRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				matched = append(matched, rule.id)
				break
			}
		}
	}

	if len(matched) == 0 {
		return Result{Allowed: true, Reason: "allowed", RiskLevel: risk}
	}

	overrideOK := adminOverride &&
		strings.TrimSpace(overrideReason) != "" &&
		e.cfg.OverrideAllowed(matched)
	if overrideOK {
		return Result{
			Allowed:         true,
			BlockedRules:    matched,
			Reason:          "blocked rules overridden by admin allow-list",
			RiskLevel:       risk,
			OverrideApplied: true,
		}
	}
	return Result{
		Allowed:      false,
		BlockedRules: matched,
		Reason:       "instruction hit strict safety policy rules",
		RiskLevel:    risk,
	}
}
