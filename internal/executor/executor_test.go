package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipwright/clipwright/internal/config"
	"github.com/clipwright/clipwright/internal/model"
	"github.com/clipwright/clipwright/internal/telemetry"
)

func remoteCfg(baseURL string) config.Settings {
	return config.Settings{
		ModelRuntimeMode:     "api",
		ModelAPIProvider:     "openai_compatible",
		ModelAPIBaseURL:      baseURL,
		ModelAPIKey:          "secret",
		AllowAPIStubFallback: true,
		RemoteModelTimeout:   2 * time.Second,
	}
}

func testRequest() Request {
	return Request{
		JobID:       "job-1",
		Iteration:   1,
		InputURI:    "file:///videos/in.mp4",
		Instruction: "remove the sign",
		Plan: model.EditPlan{
			Capability:  model.CapRemoveObject,
			ToolChain:   []string{"groundingdino_detect"},
			ModelBundle: "api_remote_bundle",
		},
	}
}

func TestRemoteExecutorSuccess(t *testing.T) {
	var gotAuth string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		json.NewEncoder(w).Encode(map[string]string{
			"output_uri": "minio://output/real/edited.mp4",
		})
	}))
	defer srv.Close()

	e := NewRemoteExecutor(remoteCfg(srv.URL), telemetry.NewNoopLogger())
	res, err := e.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "minio://output/real/edited.mp4", res.OutputURI)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "job-1", gotPayload["job_id"])
	assert.Equal(t, "remove_object", gotPayload["capability"])
	assert.Equal(t, "api", res.Log.RuntimeMode)
	assert.Equal(t, "executed via remote API provider", res.Log.Notes)
}

func TestRemoteExecutorStubFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewRemoteExecutor(remoteCfg(srv.URL), telemetry.NewNoopLogger())
	res, err := e.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, StubOutputURI("job-1", 1), res.OutputURI)
	assert.Contains(t, res.Log.Notes, "stub fallback")
}

func TestRemoteExecutorEmptyOutputIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"output_uri": ""})
	}))
	defer srv.Close()

	e := NewRemoteExecutor(remoteCfg(srv.URL), telemetry.NewNoopLogger())
	res, err := e.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, StubOutputURI("job-1", 1), res.OutputURI)
	assert.Contains(t, res.Log.Notes, "stub fallback")

	cfg := remoteCfg(srv.URL)
	cfg.AllowAPIStubFallback = false
	e = NewRemoteExecutor(cfg, telemetry.NewNoopLogger())
	_, err = e.Execute(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrRemoteFailed)
}

func TestRemoteExecutorFailsWithoutFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := remoteCfg(srv.URL)
	cfg.AllowAPIStubFallback = false
	e := NewRemoteExecutor(cfg, telemetry.NewNoopLogger())
	_, err := e.Execute(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrRemoteFailed)
}

func TestRemoteExecutorMissingBaseURL(t *testing.T) {
	cfg := remoteCfg("")
	e := NewRemoteExecutor(cfg, telemetry.NewNoopLogger())
	res, err := e.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, StubOutputURI("job-1", 1), res.OutputURI)
	assert.Contains(t, res.Log.Notes, "MODEL_API_BASE_URL")
}

func TestRemoteExecutorRetriesThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "transient", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"output_uri": "minio://output/ok.mp4"})
	}))
	defer srv.Close()

	cfg := remoteCfg(srv.URL)
	cfg.RemoteModelMaxRetries = 1
	e := NewRemoteExecutor(cfg, telemetry.NewNoopLogger())
	res, err := e.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "minio://output/ok.mp4", res.OutputURI)
}

func TestLocalExecutorModelNotInstalled(t *testing.T) {
	cfg := config.Settings{ModelRuntimeMode: "local", ModelsDir: t.TempDir()}
	e := NewLocalExecutor(cfg, telemetry.NewNoopLogger())
	_, err := e.Execute(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrModelNotInstalled)
}

func TestLocalExecutorStubCapability(t *testing.T) {
	cfg := config.Settings{ModelRuntimeMode: "local", ModelsDir: t.TempDir()}
	e := NewLocalExecutor(cfg, telemetry.NewNoopLogger())

	req := testRequest()
	req.Plan.Capability = model.CapColorGrade
	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StubOutputURI("job-1", 1), res.OutputURI)
	assert.Equal(t, "local", res.Log.RuntimeMode)
	assert.Contains(t, res.Log.Notes, "color_grade")
}

func TestLocalExecutorRemoveObjectWithWeights(t *testing.T) {
	modelsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(modelsDir, "sam2"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(modelsDir, "propainter"), 0o755))

	cfg := config.Settings{ModelRuntimeMode: "local", ModelsDir: modelsDir}
	e := NewLocalExecutor(cfg, telemetry.NewNoopLogger())

	// Input does not exist on disk, so the pipeline degrades to the mock
	// note instead of failing the iteration.
	res, err := e.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Contains(t, res.Log.Notes, "local mock executed")
}

func TestForMode(t *testing.T) {
	local := ForMode(config.Settings{ModelRuntimeMode: "local"}, telemetry.NewNoopLogger())
	_, ok := local.(*LocalExecutor)
	assert.True(t, ok)

	remote := ForMode(config.Settings{ModelRuntimeMode: "api"}, telemetry.NewNoopLogger())
	_, ok = remote.(*RemoteExecutor)
	assert.True(t, ok)
}
