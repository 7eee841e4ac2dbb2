package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipwright/clipwright/internal/config"
	"github.com/clipwright/clipwright/internal/model"
	"github.com/clipwright/clipwright/internal/telemetry"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []model.JobEvent
}

func (r *eventRecorder) AppendEvent(_ context.Context, ev model.JobEvent) (model.JobEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return ev, nil
}

func newDispatcher(cfg config.Settings, rec *eventRecorder) *Dispatcher {
	d := NewDispatcher(cfg, rec, telemetry.NewNoopLogger())
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func jobWithCallback(url string) model.Job {
	meta := model.Metadata{}
	meta.SetCallbackURL(url)
	score := 0.87
	return model.Job{
		ID:            "job-1",
		Status:        model.StatusSucceeded,
		Instruction:   "remove the logo",
		Capability:    model.CapRemoveLogo,
		OutputURI:     "minio://output/job-1/iter_1/edited.mp4",
		LatestQAScore: &score,
		Metadata:      meta,
	}
}

func TestNotifyDeliversOnce(t *testing.T) {
	calls := 0
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &eventRecorder{}
	job := jobWithCallback(srv.URL)
	d := newDispatcher(config.Settings{CallbackMaxRetries: 2, CallbackTimeout: time.Second}, rec)
	require.NoError(t, d.Notify(context.Background(), job, PayloadForJob(job, nil)))

	assert.Equal(t, 1, calls)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, model.StatusSucceeded, got.Status)
	require.NotNil(t, got.LatestQAScore)
	assert.InDelta(t, 0.87, *got.LatestQAScore, 1e-9)

	require.Len(t, rec.events, 1)
	assert.Equal(t, "callback_delivery", rec.events[0].Stage)
	assert.Equal(t, model.LevelInfo, rec.events[0].Level)
}

func TestNotifyRetriesThenLogsWarning(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	rec := &eventRecorder{}
	job := jobWithCallback(srv.URL)
	d := newDispatcher(config.Settings{CallbackMaxRetries: 2, CallbackTimeout: time.Second}, rec)

	// Exhaustion is not an error: terminal status already stands.
	require.NoError(t, d.Notify(context.Background(), job, PayloadForJob(job, nil)))
	assert.Equal(t, 3, calls)

	require.Len(t, rec.events, 1)
	assert.Equal(t, model.LevelWarning, rec.events[0].Level)
	assert.Equal(t, "callback delivery failed", rec.events[0].Message)
}

func TestNotifySkipsWithoutURL(t *testing.T) {
	rec := &eventRecorder{}
	d := newDispatcher(config.Settings{}, rec)
	job := model.Job{ID: "job-1", Metadata: model.Metadata{}}
	require.NoError(t, d.Notify(context.Background(), job, PayloadForJob(job, nil)))
	assert.Empty(t, rec.events)
}

func TestNotifyRecoversMidRetries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			http.Error(w, "try again", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rec := &eventRecorder{}
	job := jobWithCallback(srv.URL)
	d := newDispatcher(config.Settings{CallbackMaxRetries: 2, CallbackTimeout: time.Second}, rec)
	require.NoError(t, d.Notify(context.Background(), job, PayloadForJob(job, nil)))
	assert.Equal(t, 2, calls)
	require.Len(t, rec.events, 1)
	assert.Equal(t, model.LevelInfo, rec.events[0].Level)
}
