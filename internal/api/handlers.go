package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clipwright/clipwright/internal/bundle"
	"github.com/clipwright/clipwright/internal/model"
	"github.com/clipwright/clipwright/internal/pipeline"
	"github.com/clipwright/clipwright/internal/store"
)

// jobView is the job representation returned by the API.
type jobView struct {
	ID               string           `json:"id"`
	Status           model.JobStatus  `json:"status"`
	Instruction      string           `json:"instruction"`
	InputURI         string           `json:"input_uri"`
	OutputURI        string           `json:"output_uri,omitempty"`
	Capability       model.Capability `json:"capability,omitempty"`
	ModelBundle      string           `json:"model_bundle,omitempty"`
	RiskLevel        model.RiskLevel  `json:"risk_level"`
	LatestQAScore    *float64         `json:"latest_qa_score"`
	CurrentIteration int              `json:"current_iteration"`
	MaxIterations    int              `json:"max_iterations"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func toJobView(job model.Job) jobView {
	return jobView{
		ID:               job.ID,
		Status:           job.Status,
		Instruction:      job.Instruction,
		InputURI:         job.InputURI,
		OutputURI:        job.OutputURI,
		Capability:       job.Capability,
		ModelBundle:      job.ModelBundle,
		RiskLevel:        job.RiskLevel,
		LatestQAScore:    job.LatestQAScore,
		CurrentIteration: job.CurrentIteration,
		MaxIterations:    job.MaxIterations,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
	}
}

type createJobRequest struct {
	Instruction    string         `json:"instruction" validate:"required,min=3,max=2000"`
	InputURI       string         `json:"input_uri" validate:"required"`
	CallbackURL    string         `json:"callback_url" validate:"omitempty,url"`
	Capability     string         `json:"force_capability"`
	ModelBundle    string         `json:"model_bundle"`
	MaxIterations  int            `json:"max_iterations" validate:"omitempty,min=1,max=10"`
	Metadata       map[string]any `json:"metadata"`
	AdminOverride  bool           `json:"safety_override"`
	OverrideReason string         `json:"override_reason"`
}

// handleCreateJob registers a job and starts its workflow. An Idempotency-Key
// header makes resubmission safe: the original job is returned with 200
// instead of 201.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var capability model.Capability
	if req.Capability != "" {
		parsed, ok := model.ParseCapability(req.Capability)
		if !ok {
			s.writeError(w, r, http.StatusBadRequest, "invalid_request",
				"unknown capability "+req.Capability)
			return
		}
		capability = parsed
	}

	// An override request needs the admin token and a real reason; the
	// allow-list check happens later in the safety precheck.
	if req.AdminOverride {
		if len(strings.TrimSpace(req.OverrideReason)) < 6 {
			s.writeError(w, r, http.StatusBadRequest, "invalid_request",
				"override_reason must be at least 6 characters")
			return
		}
		adminToken := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
		if s.cfg.SafetyAdminToken == "" || adminToken != s.cfg.SafetyAdminToken {
			s.writeError(w, r, http.StatusForbidden, "forbidden",
				"admin override requires a valid admin token")
			return
		}
	}

	metadata := model.Metadata{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.CallbackURL != "" {
		metadata.SetCallbackURL(req.CallbackURL)
	}
	if req.AdminOverride {
		metadata.SetOverride(req.OverrideReason)
	}

	maxIterations := req.MaxIterations
	if maxIterations == 0 {
		maxIterations = s.cfg.MaxIterations
	}

	job, created, err := s.store.CreateJob(r.Context(), model.Job{
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
		Instruction:    req.Instruction,
		InputURI:       req.InputURI,
		Capability:     capability,
		ModelBundle:    req.ModelBundle,
		RiskLevel:      s.safety.ClassifyRisk(req.Instruction),
		Metadata:       metadata,
		MaxIterations:  maxIterations,
	})
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if !created {
		s.writeJSON(w, http.StatusOK, toJobView(job))
		return
	}

	if err := s.orch.Start(r.Context(), job.ID); err != nil {
		if errors.Is(err, pipeline.ErrWorkflowUnavailable) {
			s.writeError(w, r, http.StatusServiceUnavailable, "workflow_unavailable",
				"no workflow engine available; job marked failed")
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	job, err = s.store.Job(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, toJobView(job))
}

// queryLimit parses the limit query parameter, clamped to [1, max], with a
// fallback when absent or malformed.
func queryLimit(r *http.Request, fallback, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.RecentJobs(r.Context(), queryLimit(r, 50, 100))
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, toJobView(job))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toJobView(job))
}

type eventView struct {
	Seq       int64            `json:"seq"`
	Stage     string           `json:"stage"`
	Level     model.EventLevel `json:"level"`
	Message   string           `json:"message"`
	Payload   map[string]any   `json:"payload"`
	CreatedAt time.Time        `json:"created_at"`
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, err := s.store.Job(r.Context(), jobID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	events, err := s.store.Events(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if limit := queryLimit(r, 200, 1000); len(events) > limit {
		events = events[:limit]
	}
	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		views = append(views, eventView{
			Seq:       ev.Seq,
			Stage:     ev.Stage,
			Level:     ev.Level,
			Message:   ev.Message,
			Payload:   ev.Payload,
			CreatedAt: ev.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "events": views})
}

type qaReportView struct {
	JobID           string             `json:"job_id"`
	Iteration       int                `json:"iteration"`
	OverallScore    float64            `json:"overall_score"`
	DimensionScores map[string]float64 `json:"dimension_scores"`
	Issues          []model.Issue      `json:"issues"`
	HardFailFlags   []string           `json:"hard_fail_flags"`
	Recommendations []string           `json:"recommendations"`
	RawReport       map[string]any     `json:"raw_report"`
	CreatedAt       time.Time          `json:"created_at"`
}

func (s *Server) handleGetQAReport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	report, err := s.store.LatestQAReport(r.Context(), jobID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, qaReportView{
		JobID:           report.JobID,
		Iteration:       report.Iteration,
		OverallScore:    report.OverallScore,
		DimensionScores: report.DimensionScores,
		Issues:          report.Issues,
		HardFailFlags:   report.HardFailFlags,
		Recommendations: report.Recommendations,
		RawReport:       report.RawReport,
		CreatedAt:       report.CreatedAt,
	})
}

// handleGetArtifacts returns the artifact manifest with the retention policy
// applied to each class. Audit records outlive everything.
func (s *Server) handleGetArtifacts(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := s.store.Job(r.Context(), jobID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	iters, err := s.store.Iterations(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	intermediate := make([]string, 0, len(iters))
	for _, it := range iters {
		if it.OutputURI != "" {
			intermediate = append(intermediate, it.OutputURI)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job_id":       jobID,
		"raw":          []string{job.InputURI},
		"intermediate": intermediate,
		"output":       job.OutputURI,
		"audit":        "/api/v1/jobs/" + jobID + "/events",
		"retention_days": map[string]int{
			"raw":          s.cfg.RawRetentionDays,
			"intermediate": s.cfg.IntermediateRetentionDays,
			"output":       s.cfg.OutputRetentionDays,
			"audit":        auditRetentionDays,
		},
	})
}

// Audit history is kept ten years regardless of artifact retention settings.
const auditRetentionDays = 3650

type reviewRequest struct {
	Decision string `json:"decision" validate:"required"`
	Reviewer string `json:"reviewer" validate:"required"`
	Reason   string `json:"reason"`
}

// handleReview applies a human decision. A transition violation, including
// an unknown decision, answers 409.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	jobID := chi.URLParam(r, "id")
	job, err := s.orch.ApplyReview(r.Context(), jobID, model.ReviewDecision(req.Decision), req.Reviewer, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInvalidTransition):
			s.writeError(w, r, http.StatusConflict, "invalid_state", err.Error())
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, r, http.StatusNotFound, "not_found", err.Error())
		case errors.Is(err, pipeline.ErrWorkflowUnavailable):
			s.writeError(w, r, http.StatusServiceUnavailable, "workflow_unavailable",
				"no workflow engine available for rerun; job marked failed")
		default:
			s.writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, toJobView(job))
}

func (s *Server) handleListBundles(w http.ResponseWriter, r *http.Request) {
	bundles, err := s.store.Bundles(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	type bundleView struct {
		Name                 string   `json:"name"`
		MinVRAMGB            int      `json:"min_vram_gb"`
		EstimatedTimeMinutes int      `json:"estimated_time_minutes"`
		DownloadSizeGB       float64  `json:"download_size_gb"`
		QualityTier          string   `json:"quality_tier"`
		EnabledModules       []string `json:"enabled_modules"`
	}
	views := make([]bundleView, 0, len(bundles))
	for _, b := range bundles {
		views = append(views, bundleView{
			Name:                 b.Name,
			MinVRAMGB:            b.MinVRAMGB,
			EstimatedTimeMinutes: b.EstimatedTimeMinutes,
			DownloadSizeGB:       b.DownloadSizeGB,
			QualityTier:          b.QualityTier,
			EnabledModules:       b.EnabledModules,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"bundles": views})
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	profile := bundle.DetectDeviceProfile(r.Context())
	specs, best := bundle.Recommend(s.cfg, profile)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"device_profile":  profile,
		"bundles":         specs,
		"recommended":     best,
		"default_bundle":  bundle.DefaultBundleName(s.cfg),
		"runtime_mode":    s.cfg.RuntimeMode(),
		"install_allowed": s.cfg.RuntimeMode() == "local" && s.cfg.AllowLocalInstall,
	})
}

type installRequest struct {
	BundleName string `json:"bundle_name" validate:"required"`
}

// handleInstall installs a local bundle. When installation is disabled the
// response reports skipped with the reason instead of failing.
func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if _, err := s.store.Bundle(r.Context(), req.BundleName); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	path, err := bundle.Install(s.cfg, req.BundleName)
	if err != nil {
		if errors.Is(err, bundle.ErrInstallDisabled) {
			s.writeJSON(w, http.StatusOK, map[string]any{
				"bundle_name": req.BundleName,
				"status":      "skipped",
				"reason":      err.Error(),
			})
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"bundle_name": req.BundleName,
		"status":      "installed",
		"path":        path,
	})
}

type caseSearchRequest struct {
	Query string `json:"query" validate:"required,min=2"`
	TopK  int    `json:"top_k" validate:"omitempty,min=1,max=50"`
}

func (s *Server) handleSearchCases(w http.ResponseWriter, r *http.Request) {
	var req caseSearchRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	hits := s.knowledge.Search(r.Context(), req.Query, req.TopK)
	s.writeJSON(w, http.StatusOK, map[string]any{"query": req.Query, "hits": hits})
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	record, err := s.store.Case(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":             record.ID,
		"job_id":         record.JobID,
		"task_summary":   record.TaskSummary,
		"tags":           record.Tags,
		"failure_reason": record.FailureReason,
		"fix_strategy":   record.FixStrategy,
		"final_metrics":  record.FinalMetrics,
		"created_at":     record.CreatedAt,
	})
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady probes every registered dependency. Any failure answers 503
// with the per-dependency detail.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true
	for name, check := range s.readyChecks {
		if err := check(r.Context()); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}
	status := http.StatusOK
	state := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	s.writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, r, http.StatusNotFound, "not_found", err.Error())
		return
	}
	s.writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
}
