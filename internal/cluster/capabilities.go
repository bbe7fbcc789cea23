package cluster

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// DeviceType classifies a node's accelerator hardware.
type DeviceType string

const (
	DeviceAppleSilicon DeviceType = "apple_silicon"
	DeviceNvidiaGPU    DeviceType = "nvidia_gpu"
	DeviceAMDGPU       DeviceType = "amd_gpu"
	DeviceCPU          DeviceType = "cpu"
	DeviceUnknown      DeviceType = "unknown"
)

// availableMemoryFactor discounts total memory to what a model can
// realistically claim alongside the OS and other processes.
const availableMemoryFactor = 0.7

// probeTimeout caps each external capability probe.
const probeTimeout = 2 * time.Second

// Capabilities describes the hardware a node brings to the cluster.
type Capabilities struct {
	DeviceType        DeviceType `json:"device_type"`
	ChipName          string     `json:"chip_name,omitempty"`
	TotalMemoryGB     float64    `json:"total_memory_gb"`
	AvailableMemoryGB float64    `json:"available_memory_gb"`
	UnifiedMemory     bool       `json:"unified_memory"`
	CPUCores          int        `json:"cpu_cores"`
	GPUCores          int        `json:"gpu_cores"`
	MLXAvailable      bool       `json:"mlx_available"`
	TFLOPS            float64    `json:"tflops"`
}

// chipSpec holds the GPU core count and estimated fp16 throughput of a
// known chip.
type chipSpec struct {
	gpuCores int
	tflops   float64
}

// appleChips maps brand-string substrings to hardware estimates, using the
// top GPU configuration of each part. Variants come before base names so
// "M1 Ultra" is not shadowed by "M1".
var appleChips = []struct {
	name string
	spec chipSpec
}{
	{"M1 Ultra", chipSpec{64, 21.0}},
	{"M1 Max", chipSpec{32, 10.4}},
	{"M1 Pro", chipSpec{16, 5.2}},
	{"M2 Ultra", chipSpec{76, 27.2}},
	{"M2 Max", chipSpec{38, 13.6}},
	{"M2 Pro", chipSpec{19, 6.8}},
	{"M3 Max", chipSpec{40, 14.2}},
	{"M3 Pro", chipSpec{18, 7.4}},
	{"M4 Max", chipSpec{40, 18.4}},
	{"M4 Pro", chipSpec{20, 9.2}},
	{"M1", chipSpec{8, 2.6}},
	{"M2", chipSpec{10, 3.6}},
	{"M3", chipSpec{10, 4.1}},
	{"M4", chipSpec{10, 4.6}},
}

// lookupChip resolves a brand string against the known-chip table.
func lookupChip(brand string) (chipSpec, bool) {
	for _, c := range appleChips {
		if strings.Contains(brand, c.name) {
			return c.spec, true
		}
	}
	return chipSpec{}, false
}

// Detect probes the local hardware and fills a Capabilities record.
// Probes are best-effort: anything unreadable is left at its zero value,
// and available memory falls back to the conservative fraction of total.
func Detect(ctx context.Context) Capabilities {
	caps := Capabilities{
		DeviceType: DeviceUnknown,
		CPUCores:   runtime.NumCPU(),
	}
	switch {
	case runtime.GOOS == "darwin" && runtime.GOARCH == "arm64":
		detectAppleSilicon(ctx, &caps)
	case runtime.GOOS == "linux":
		detectLinux(&caps)
	default:
		caps.DeviceType = DeviceCPU
	}
	if caps.AvailableMemoryGB == 0 && caps.TotalMemoryGB > 0 {
		caps.AvailableMemoryGB = round1(caps.TotalMemoryGB * availableMemoryFactor)
	}
	return caps
}

func detectAppleSilicon(ctx context.Context, caps *Capabilities) {
	caps.DeviceType = DeviceAppleSilicon
	caps.UnifiedMemory = true
	if brand, err := sysctl(ctx, "machdep.cpu.brand_string"); err == nil {
		caps.ChipName = brand
		if spec, ok := lookupChip(brand); ok {
			caps.GPUCores = spec.gpuCores
			caps.TFLOPS = spec.tflops
		}
	}
	if raw, err := sysctl(ctx, "hw.memsize"); err == nil {
		if bytes, err := strconv.ParseInt(raw, 10, 64); err == nil {
			caps.TotalMemoryGB = round1(float64(bytes) / (1 << 30))
		}
	}
	if _, err := exec.LookPath("mlx_lm.server"); err == nil {
		caps.MLXAvailable = true
	}
}

func detectLinux(caps *Capabilities) {
	caps.DeviceType = DeviceCPU
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		caps.DeviceType = DeviceNvidiaGPU
	} else if _, err := exec.LookPath("rocm-smi"); err == nil {
		caps.DeviceType = DeviceAMDGPU
	}
	if kb, err := readMemInfo("/proc/meminfo", "MemTotal"); err == nil {
		caps.TotalMemoryGB = round1(kb / (1 << 20))
	}
}

// sysctl reads one kernel value by name.
func sysctl(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "sysctl", "-n", key).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// readMemInfo returns the named /proc/meminfo field in kilobytes.
func readMemInfo(path, field string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		name, rest, ok := strings.Cut(line, ":")
		if !ok || name != field {
			continue
		}
		value := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest), "kB"))
		kb, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", field, err)
		}
		return kb, nil
	}
	return 0, fmt.Errorf("%s not present in %s", field, path)
}

// round1 rounds to one decimal place for human-readable capacities.
func round1(x float64) float64 {
	return math.Round(x*10) / 10
}
