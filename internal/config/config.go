// Package config loads the process-wide settings from environment
// variables. The resulting Settings value is immutable after Load; tests
// construct literals and inject them at component boundaries instead of
// mutating process state.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings carries every tunable the service reads. Zero-configuration
// defaults match a local development setup (embedded SQLite, Temporal on
// localhost, stub-friendly executors).
type Settings struct {
	AppEnv      string
	DatabaseURL string
	APIHost     string
	APIPort     int

	// APITokens are the accepted values for X-API-Token / bearer auth.
	// Empty disables authentication (dev only).
	APITokens []string

	TemporalAddress   string
	TemporalNamespace string
	TemporalTaskQueue string

	RedisAddr     string
	RedisPassword string
	CaseIndexKey  string

	RawRetentionDays          int
	IntermediateRetentionDays int
	OutputRetentionDays       int

	QAThreshold         float64
	QARandomReviewRatio float64
	MaxIterations       int

	ModelsDir    string
	ArtifactsDir string

	// ModelRuntimeMode is "api" (remote inference) or "local".
	ModelRuntimeMode      string
	ModelAPIProvider      string
	ModelAPIBaseURL       string
	ModelAPIKey           string
	AllowLocalInstall     bool
	AllowAPIStubFallback  bool
	RemoteModelTimeout    time.Duration
	RemoteModelMaxRetries int

	EnableFallbackOrchestrator bool

	CallbackTimeout    time.Duration
	CallbackMaxRetries int

	SafetyAdminToken         string
	SafetyOverrideAllowRules []string
	HighRiskReviewKeywords   []string
}

// Load builds Settings from the environment.
func Load() Settings {
	return Settings{
		AppEnv:      getenv("APP_ENV", "dev"),
		DatabaseURL: getenv("DATABASE_URL", "file:runtime/clipwright.db"),
		APIHost:     getenv("API_HOST", "0.0.0.0"),
		APIPort:     getint("API_PORT", 8000),

		APITokens: getlist("LOCAL_API_TOKEN", "dev-token"),

		TemporalAddress:   getenv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalNamespace: getenv("TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue: getenv("TEMPORAL_TASK_QUEUE", "video-edit-task-queue"),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		CaseIndexKey:  getenv("CASE_INDEX_KEY", "clipwright:cases"),

		RawRetentionDays:          getint("RAW_RETENTION_DAYS", 30),
		IntermediateRetentionDays: getint("INTERMEDIATE_RETENTION_DAYS", 7),
		OutputRetentionDays:       getint("OUTPUT_RETENTION_DAYS", 180),

		QAThreshold:         getfloat("QA_THRESHOLD", 0.82),
		QARandomReviewRatio: getfloat("QA_RANDOM_REVIEW_RATIO", 0.2),
		MaxIterations:       getint("MAX_ITERATIONS", 3),

		ModelsDir:    getenv("MODELS_DIR", "models"),
		ArtifactsDir: getenv("ARTIFACTS_DIR", "runtime/artifacts"),

		ModelRuntimeMode:      strings.ToLower(getenv("MODEL_RUNTIME_MODE", "api")),
		ModelAPIProvider:      getenv("MODEL_API_PROVIDER", "openai_compatible"),
		ModelAPIBaseURL:       getenv("MODEL_API_BASE_URL", ""),
		ModelAPIKey:           getenv("MODEL_API_KEY", ""),
		AllowLocalInstall:     getbool("ALLOW_LOCAL_MODEL_INSTALL", false),
		AllowAPIStubFallback:  getbool("ALLOW_API_STUB_FALLBACK", true),
		RemoteModelTimeout:    getseconds("REMOTE_MODEL_TIMEOUT_SECONDS", 45),
		RemoteModelMaxRetries: getint("REMOTE_MODEL_MAX_RETRIES", 2),

		EnableFallbackOrchestrator: getbool("ENABLE_FALLBACK_ORCHESTRATOR", true),

		CallbackTimeout:    getseconds("CALLBACK_TIMEOUT_SECONDS", 8),
		CallbackMaxRetries: getint("CALLBACK_MAX_RETRIES", 2),

		SafetyAdminToken:         getenv("SAFETY_ADMIN_TOKEN", ""),
		SafetyOverrideAllowRules: getlist("SAFETY_OVERRIDE_ALLOW_RULES", ""),
		HighRiskReviewKeywords: getlist("HIGH_RISK_REVIEW_KEYWORDS",
			"public figure,politician,minor,medical,financial,news"),
	}
}

// RuntimeMode normalizes ModelRuntimeMode to "local" or "api".
func (s Settings) RuntimeMode() string {
	if strings.TrimSpace(strings.ToLower(s.ModelRuntimeMode)) == "local" {
		return "local"
	}
	return "api"
}

// OverrideAllowed reports whether every matched rule is covered by the
// configured override allow-list.
func (s Settings) OverrideAllowed(ruleIDs []string) bool {
	if len(s.SafetyOverrideAllowRules) == 0 {
		return false
	}
	allowed := make(map[string]bool, len(s.SafetyOverrideAllowRules))
	for _, r := range s.SafetyOverrideAllowRules {
		allowed[r] = true
	}
	for _, id := range ruleIDs {
		if !allowed[id] {
			return false
		}
	}
	return true
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getint(key string, def int) int {
	if v, err := strconv.Atoi(getenv(key, "")); err == nil {
		return v
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(getenv(key, ""), 64); err == nil {
		return v
	}
	return def
}

func getbool(key string, def bool) bool {
	switch strings.ToLower(getenv(key, "")) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return def
}

func getseconds(key string, def float64) time.Duration {
	return time.Duration(getfloat(key, def) * float64(time.Second))
}

func getlist(key, def string) []string {
	raw := getenv(key, def)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
