package lifecycle

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostInfo is a snapshot of the machine hosting the desktop VM
type HostInfo struct {
	Hostname          string `json:"hostname"`
	Platform          string `json:"platform"`
	PlatformVersion   string `json:"platform_version"`
	Virtualization    string `json:"virtualization,omitempty"`
	CPUModel          string `json:"cpu_model"`
	CPUThreads        int    `json:"cpu_threads"`
	MemTotalBytes     uint64 `json:"mem_total_bytes"`
	MemAvailableBytes uint64 `json:"mem_available_bytes"`
	OS                string `json:"os"`
	Arch              string `json:"arch"`
}

// InspectHost samples host resources with gopsutil
func InspectHost(ctx context.Context) (*HostInfo, error) {
	info := &HostInfo{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}

	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read host info: %w", err)
	}
	info.Hostname = hi.Hostname
	info.Platform = hi.Platform
	info.PlatformVersion = hi.PlatformVersion
	info.Virtualization = hi.VirtualizationSystem

	threads, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		threads = runtime.NumCPU()
	}
	info.CPUThreads = threads

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory info: %w", err)
	}
	info.MemTotalBytes = vm.Total
	info.MemAvailableBytes = vm.Available

	return info, nil
}

// Fields renders the snapshot as log fields
func (h *HostInfo) Fields() map[string]interface{} {
	return map[string]interface{}{
		"hostname":      h.Hostname,
		"platform":      h.Platform + " " + h.PlatformVersion,
		"cpu":           fmt.Sprintf("%s (%d threads)", h.CPUModel, h.CPUThreads),
		"mem_total":     FormatBytes(h.MemTotalBytes),
		"mem_available": FormatBytes(h.MemAvailableBytes),
	}
}

// FormatBytes formats a byte count in GiB/MiB
func FormatBytes(n uint64) string {
	const (
		mib = 1 << 20
		gib = 1 << 30
	)
	if n >= gib {
		return fmt.Sprintf("%.1f GiB", float64(n)/gib)
	}
	return fmt.Sprintf("%.1f MiB", float64(n)/mib)
}
