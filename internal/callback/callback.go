// Package callback delivers JSON notifications to the URL registered in a
// job's metadata. Terminal transitions and manual-review decisions both go
// through Dispatcher.Notify; delivery failures never change the job's
// status, they only leave a warning event behind.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clipwright/clipwright/internal/config"
	"github.com/clipwright/clipwright/internal/model"
	"github.com/clipwright/clipwright/internal/telemetry"
)

// EventAppender is the slice of the store the dispatcher needs.
type EventAppender interface {
	AppendEvent(ctx context.Context, ev model.JobEvent) (model.JobEvent, error)
}

// Payload is the notification body.
type Payload struct {
	JobID         string           `json:"job_id"`
	Status        model.JobStatus  `json:"status"`
	Instruction   string           `json:"instruction"`
	Capability    model.Capability `json:"capability"`
	OutputURI     string           `json:"output_uri"`
	LatestQAScore *float64         `json:"latest_qa_score"`
	QAReport      *model.QAReport  `json:"qa_report,omitempty"`
	Source        string           `json:"source,omitempty"`
}

// PayloadForJob builds the standard notification body from a job.
func PayloadForJob(job model.Job, report *model.QAReport) Payload {
	return Payload{
		JobID:         job.ID,
		Status:        job.Status,
		Instruction:   job.Instruction,
		Capability:    job.Capability,
		OutputURI:     job.OutputURI,
		LatestQAScore: job.LatestQAScore,
		QAReport:      report,
	}
}

// Dispatcher posts payloads with bounded retries.
type Dispatcher struct {
	cfg    config.Settings
	client *http.Client
	events EventAppender
	logger telemetry.Logger

	// sleep is swapped in tests to skip real back-off waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher builds a Dispatcher from settings.
func NewDispatcher(cfg config.Settings, events EventAppender, logger telemetry.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.CallbackTimeout},
		events: events,
		logger: logger,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// Notify delivers the payload to the job's callback URL, if one is set. Up
// to CALLBACK_MAX_RETRIES+1 attempts with min(1.5·i, 3)s back-off. The
// outcome is appended as a callback_delivery event; exhaustion logs a
// warning and returns nil because terminal status is already decided.
func (d *Dispatcher) Notify(ctx context.Context, job model.Job, payload Payload) error {
	url := job.Metadata.CallbackURL()
	if url == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	attempts := d.cfg.CallbackMaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr string
	for i := 1; i <= attempts; i++ {
		status, err := d.post(ctx, url, body)
		if err == nil {
			d.appendOutcome(ctx, job.ID, model.LevelInfo, "callback delivered", map[string]any{
				"url": url, "status": status, "attempts": i,
			})
			return nil
		}
		lastErr = err.Error()
		if i < attempts {
			if err := d.sleep(ctx, callbackBackoff(float64(i))); err != nil {
				lastErr = err.Error()
				break
			}
		}
	}

	d.logger.Warn(ctx, "callback delivery failed", "job_id", job.ID, "url", url, "error", lastErr)
	d.appendOutcome(ctx, job.ID, model.LevelWarning, "callback delivery failed", map[string]any{
		"url": url, "error": lastErr, "attempts": attempts,
	})
	return nil
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return resp.StatusCode, fmt.Errorf("status=%d body=%s", resp.StatusCode, snippet)
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) appendOutcome(ctx context.Context, jobID string, level model.EventLevel, msg string, payload map[string]any) {
	if d.events == nil {
		return
	}
	if _, err := d.events.AppendEvent(ctx, model.JobEvent{
		JobID:   jobID,
		Stage:   "callback_delivery",
		Level:   level,
		Message: msg,
		Payload: payload,
	}); err != nil {
		d.logger.Error(ctx, "record callback outcome", "job_id", jobID, "error", err.Error())
	}
}

// callbackBackoff is min(1.5·i, 3) seconds.
func callbackBackoff(attempt float64) time.Duration {
	seconds := 1.5 * attempt
	if seconds > 3 {
		seconds = 3
	}
	return time.Duration(seconds * float64(time.Second))
}
