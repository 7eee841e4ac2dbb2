package bundle

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipwright/clipwright/internal/config"
	"github.com/clipwright/clipwright/internal/model"
)

func TestDefaultBundleName(t *testing.T) {
	assert.Equal(t, "api_remote_bundle", DefaultBundleName(config.Settings{ModelRuntimeMode: "api"}))
	assert.Equal(t, "balanced_12g_bundle", DefaultBundleName(config.Settings{ModelRuntimeMode: "local"}))
}

func TestRecommendAPIMode(t *testing.T) {
	specs, best := Recommend(config.Settings{ModelRuntimeMode: "api"}, DeviceProfile{})
	require.Len(t, specs, 1)
	assert.Equal(t, "api_remote_bundle", best)
	assert.True(t, specs[0].Recommended)
}

func TestRecommendLocalMode(t *testing.T) {
	cfg := config.Settings{ModelRuntimeMode: "local"}

	specs, best := Recommend(cfg, DeviceProfile{GPUCount: 1, GPUVRAMGB: 24})
	assert.Equal(t, "quality_24g_bundle", best)
	assert.Len(t, specs, 3)

	_, best = Recommend(cfg, DeviceProfile{GPUCount: 1, GPUVRAMGB: 12})
	assert.Equal(t, "balanced_12g_bundle", best)

	_, best = Recommend(cfg, DeviceProfile{GPUCount: 1, GPUVRAMGB: 8})
	assert.Equal(t, "lite_cpu_bundle", best)

	// No GPU always lands on the CPU bundle even with claimed VRAM.
	_, best = Recommend(cfg, DeviceProfile{GPUCount: 0, GPUVRAMGB: 24})
	assert.Equal(t, "lite_cpu_bundle", best)
}

func TestInstallGuards(t *testing.T) {
	_, err := Install(config.Settings{ModelRuntimeMode: "api"}, "lite_cpu_bundle")
	require.ErrorIs(t, err, ErrInstallDisabled)

	_, err = Install(config.Settings{ModelRuntimeMode: "local"}, "lite_cpu_bundle")
	require.ErrorIs(t, err, ErrInstallDisabled)
}

func TestInstallWritesManifest(t *testing.T) {
	cfg := config.Settings{
		ModelRuntimeMode:  "local",
		AllowLocalInstall: true,
		ModelsDir:         t.TempDir(),
	}
	path, err := Install(cfg, "lite_cpu_bundle")
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(path, "manifest.json"))
	require.NoError(t, err)
	var manifest map[string]string
	require.NoError(t, json.Unmarshal(raw, &manifest))
	assert.Equal(t, "lite_cpu_bundle", manifest["bundle_name"])
	assert.Equal(t, "installed", manifest["status"])
}

type bundleRecorder struct {
	names []string
}

func (r *bundleRecorder) UpsertBundle(_ context.Context, b model.ModelBundle) error {
	r.names = append(r.names, b.Name)
	return nil
}

func TestSeedCatalog(t *testing.T) {
	rec := &bundleRecorder{}
	require.NoError(t, SeedCatalog(context.Background(), config.Settings{ModelRuntimeMode: "local"}, rec))
	assert.Equal(t, []string{"quality_24g_bundle", "balanced_12g_bundle", "lite_cpu_bundle"}, rec.names)

	rec = &bundleRecorder{}
	require.NoError(t, SeedCatalog(context.Background(), config.Settings{ModelRuntimeMode: "api"}, rec))
	assert.Contains(t, rec.names, "api_remote_bundle")
}
