// Package bundle manages the model bundle catalog: the built-in bundles,
// device profile detection, bundle recommendation, and local installation.
package bundle

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/clipwright/clipwright/internal/config"
	"github.com/clipwright/clipwright/internal/model"
)

// Install errors.
var (
	// ErrInstallDisabled reports a bundle install attempted while local
	// installation is switched off (api runtime mode or config).
	ErrInstallDisabled = errors.New("local bundle installation is disabled")
)

// Catalog lists the built-in local bundles, best first.
func Catalog() []model.ModelBundle {
	return []model.ModelBundle{
		{
			Name:                 "quality_24g_bundle",
			MinVRAMGB:            24,
			EstimatedTimeMinutes: 10,
			DownloadSizeGB:       18.0,
			QualityTier:          "high",
			EnabledModules: []string{
				"full_qa", "temporal_constraints", "high_quality_generation",
			},
		},
		{
			Name:                 "balanced_12g_bundle",
			MinVRAMGB:            12,
			EstimatedTimeMinutes: 14,
			DownloadSizeGB:       9.5,
			QualityTier:          "balanced",
			EnabledModules:       []string{"core_qa", "reduced_batch_generation"},
		},
		{
			Name:                 "lite_cpu_bundle",
			MinVRAMGB:            0,
			EstimatedTimeMinutes: 25,
			DownloadSizeGB:       1.2,
			QualityTier:          "lite",
			EnabledModules:       []string{"workflow_debug", "basic_tools_only"},
		},
	}
}

// RemoteBundle is the synthetic bundle offered in api runtime mode.
func RemoteBundle() model.ModelBundle {
	return model.ModelBundle{
		Name:                 "api_remote_bundle",
		MinVRAMGB:            0,
		EstimatedTimeMinutes: 6,
		DownloadSizeGB:       0,
		QualityTier:          "remote",
		EnabledModules:       []string{"remote_multimodal_llm", "remote_video_edit_model"},
	}
}

// DefaultBundleName picks the bundle new jobs run on when the caller does
// not specify one.
func DefaultBundleName(cfg config.Settings) string {
	if cfg.RuntimeMode() == "api" {
		return "api_remote_bundle"
	}
	return "balanced_12g_bundle"
}

// BundleUpserter is the slice of the store seeding needs.
type BundleUpserter interface {
	UpsertBundle(ctx context.Context, b model.ModelBundle) error
}

// SeedCatalog writes the built-in bundles (plus the remote bundle in api
// mode) into the store at startup.
func SeedCatalog(ctx context.Context, cfg config.Settings, store BundleUpserter) error {
	bundles := Catalog()
	if cfg.RuntimeMode() == "api" {
		bundles = append(bundles, RemoteBundle())
	}
	for _, b := range bundles {
		if err := store.UpsertBundle(ctx, b); err != nil {
			return fmt.Errorf("seed bundle %s: %w", b.Name, err)
		}
	}
	return nil
}

// DeviceProfile describes the host hardware relevant to bundle selection.
type DeviceProfile struct {
	GPUName       string `json:"gpu_name"`
	GPUCount      int    `json:"gpu_count"`
	GPUVRAMGB     int    `json:"gpu_vram_gb"`
	CUDAAvailable bool   `json:"cuda_available"`
	CPUCores      int    `json:"cpu_cores"`
	MemoryGB      int    `json:"memory_gb"`
	DiskFreeGB    int    `json:"disk_free_gb"`
}

// DetectDeviceProfile probes GPU (nvidia-smi), CPU cores, memory, and free
// disk. Probe failures leave zero values; a host without nvidia-smi is
// simply a CPU host.
func DetectDeviceProfile(ctx context.Context) DeviceProfile {
	profile := DeviceProfile{
		CPUCores:   runtime.NumCPU(),
		MemoryGB:   totalMemoryGB(),
		DiskFreeGB: diskFreeGB("."),
	}
	profile.GPUName, profile.GPUCount, profile.GPUVRAMGB, profile.CUDAAvailable = detectGPU(ctx)
	return profile
}

func detectGPU(ctx context.Context) (name string, count, vramGB int, cuda bool) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name,memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return "", 0, 0, false
	}
	lines := []string{}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	if len(lines) == 0 {
		return "", 0, 0, false
	}
	minVRAM := 0
	for i, line := range lines {
		parts := strings.SplitN(line, ",", 2)
		if len(parts) != 2 {
			continue
		}
		if i == 0 {
			name = strings.TrimSpace(parts[0])
		}
		mb, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			continue
		}
		if minVRAM == 0 || mb < minVRAM {
			minVRAM = mb
		}
	}
	return name, len(lines), minVRAM / 1024, true
}

func totalMemoryGB() int {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0
		}
		return kb / (1024 * 1024)
	}
	return 0
}

func diskFreeGB(path string) int {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0
	}
	free := uint64(stat.Bavail) * uint64(stat.Bsize)
	return int(free / (1 << 30))
}

// Recommendation pairs a bundle with whether the device can hold it.
type Recommendation struct {
	model.ModelBundle
	Recommended bool `json:"recommended"`
}

// Recommend lists the candidate bundles for a device and names the best
// choice. api mode always yields the remote bundle; local mode picks the
// richest bundle the GPU VRAM admits, lite_cpu_bundle without a GPU.
func Recommend(cfg config.Settings, profile DeviceProfile) ([]Recommendation, string) {
	if cfg.RuntimeMode() == "api" {
		remote := Recommendation{ModelBundle: RemoteBundle(), Recommended: true}
		return []Recommendation{remote}, remote.Name
	}

	specs := make([]Recommendation, 0, len(Catalog()))
	for _, b := range Catalog() {
		specs = append(specs, Recommendation{
			ModelBundle: b,
			Recommended: profile.GPUVRAMGB >= b.MinVRAMGB,
		})
	}

	best := "lite_cpu_bundle"
	for _, candidate := range []string{"quality_24g_bundle", "balanced_12g_bundle", "lite_cpu_bundle"} {
		for _, spec := range specs {
			if spec.Name == candidate && spec.Recommended {
				best = candidate
				break
			}
		}
		if best == candidate {
			break
		}
	}
	if profile.GPUCount == 0 {
		best = "lite_cpu_bundle"
	}
	return specs, best
}

// Install writes a placeholder manifest for the named bundle under
// MODELS_DIR. Only allowed in local runtime mode with
// ALLOW_LOCAL_MODEL_INSTALL set.
func Install(cfg config.Settings, bundleName string) (string, error) {
	if cfg.RuntimeMode() != "local" {
		return "", fmt.Errorf("%w in api runtime mode", ErrInstallDisabled)
	}
	if !cfg.AllowLocalInstall {
		return "", fmt.Errorf("%w by configuration", ErrInstallDisabled)
	}

	targetDir := filepath.Join(cfg.ModelsDir, bundleName)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("create bundle dir: %w", err)
	}
	manifest := map[string]string{
		"bundle_name": bundleName,
		"status":      "installed",
		"source":      "local-placeholder",
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(targetDir, "manifest.json"), raw, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	abs, err := filepath.Abs(targetDir)
	if err != nil {
		return targetDir, nil
	}
	return abs, nil
}
