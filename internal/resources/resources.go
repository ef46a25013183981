// Package resources probes the local machine's CPU, memory, and load and
// computes how much of it is currently available for new jobs: a fixed
// job-slot count, plus either a static CPU/RAM budget or a load-aware
// "dynamic" mode that shrinks availability under observed system load.
package resources

import (
	"context"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hochfrequenz/kueue/internal/protocol"
)

// Budget describes the worker-configured resource ceiling and accounting mode.
type Budget struct {
	JobSlots uint64

	// CPUs and RAMMB are the static totals to allocate against when
	// DynamicCheck is false, or the ceilings dynamic mode can never exceed
	// when it is true.
	CPUs  uint64
	RAMMB uint64

	// DynamicCheck makes available CPU/RAM shrink with observed system load
	// and OS-reported free memory rather than only tracking what this
	// process itself has allocated to running jobs.
	DynamicCheck bool

	// LoadScale multiplies the 1-minute load average before it is compared
	// against allocated CPUs in dynamic mode (busy_cpus = ceil(load1 *
	// LoadScale)). Defaults to 1.0 if zero.
	LoadScale float64
}

// Allocated is what the worker controller currently has committed to
// offered/running jobs.
type Allocated struct {
	JobSlots uint64
	CPUs     uint64
	RAMMB    uint64
}

// DetectTotals probes the OS for the total CPU core count and total RAM in
// MB.
func DetectTotals(ctx context.Context) (cpus, ramMB uint64, err error) {
	counts, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return 0, 0, fmt.Errorf("count cpus: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("read memory: %w", err)
	}
	return uint64(counts), vm.Total / (1024 * 1024), nil
}

// FillFromOS replaces zero CPU/RAM ceilings with totals probed from the OS,
// so leaving them unset in the config means "everything this machine has".
// Explicitly configured values are kept as-is.
func (b Budget) FillFromOS(ctx context.Context) (Budget, error) {
	if b.CPUs != 0 && b.RAMMB != 0 {
		return b, nil
	}
	cpus, ramMB, err := DetectTotals(ctx)
	if err != nil {
		return b, err
	}
	if b.CPUs == 0 {
		b.CPUs = cpus
	}
	if b.RAMMB == 0 {
		b.RAMMB = ramMB
	}
	return b, nil
}

// Probe samples host information for periodic UpdateSystemInfo reports.
type Probe struct{}

// SystemInfo gathers a snapshot of kernel, distribution, CPU, RAM, and load
// averages.
func (Probe) SystemInfo(ctx context.Context) (protocol.SystemInfo, error) {
	hostInfo, err := host.InfoWithContext(ctx)
	if err != nil {
		return protocol.SystemInfo{}, fmt.Errorf("read host info: %w", err)
	}

	cpuCounts, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return protocol.SystemInfo{}, fmt.Errorf("count cpus: %w", err)
	}

	cpuInfos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return protocol.SystemInfo{}, fmt.Errorf("read cpu info: %w", err)
	}
	var avgMHz float64
	for _, c := range cpuInfos {
		avgMHz += c.Mhz
	}
	if len(cpuInfos) > 0 {
		avgMHz /= float64(len(cpuInfos))
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return protocol.SystemInfo{}, fmt.Errorf("read memory: %w", err)
	}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return protocol.SystemInfo{}, fmt.Errorf("read load average: %w", err)
	}

	return protocol.SystemInfo{
		Kernel:       hostInfo.KernelVersion,
		Distribution: hostInfo.Platform + " " + hostInfo.PlatformVersion,
		CPUCores:     uint64(cpuCounts),
		CPUMHz:       uint64(avgMHz),
		TotalRAMMB:   vm.Total / (1024 * 1024),
		LoadInfo:     protocol.LoadInfo{One: avg.Load1, Five: avg.Load5, Fifteen: avg.Load15},
	}, nil
}

// Available computes how much of the worker's budget is currently free,
// given what is already allocated to offered/running jobs.
//
// Non-dynamic mode subtracts only what this worker itself has allocated.
// Dynamic mode additionally accounts for load from other processes on the
// machine: busy_cpus = ceil(load1min * LoadScale), available_cpus = max(0, total -
// max(allocated, busy_cpus)); RAM is capped by both the static budget minus
// allocation and the OS-reported available memory.
func Available(ctx context.Context, budget Budget, allocated Allocated) (protocol.Resources, error) {
	available := protocol.Resources{
		JobSlots: subClamp(budget.JobSlots, allocated.JobSlots),
	}

	if !budget.DynamicCheck {
		available.CPUs = subClamp(budget.CPUs, allocated.CPUs)
		available.RAMMB = subClamp(budget.RAMMB, allocated.RAMMB)
		return available, nil
	}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return protocol.Resources{}, fmt.Errorf("read load average: %w", err)
	}
	scale := budget.LoadScale
	if scale == 0 {
		scale = 1.0
	}
	available.CPUs = dynamicAvailableCPUs(budget.CPUs, allocated.CPUs, busyCPUs(avg.Load1, scale))

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return protocol.Resources{}, fmt.Errorf("read memory: %w", err)
	}
	osAvailableMB := vm.Available / (1024 * 1024)
	available.RAMMB = minU64(subClamp(budget.RAMMB, allocated.RAMMB), osAvailableMB)

	return available, nil
}

// Describe renders resources in a human-friendly one-line summary, e.g. for
// log lines and CLI output.
func Describe(r protocol.Resources) string {
	return fmt.Sprintf("%d slots, %d cpus, %s ram", r.JobSlots, r.CPUs, humanize.Bytes(r.RAMMB*1024*1024))
}

// busyCPUs converts a 1-minute load average into an equivalent count of
// occupied CPU cores, rounding up.
func busyCPUs(load1, scale float64) uint64 {
	return uint64(math.Ceil(load1 * scale))
}

// dynamicAvailableCPUs is the load-aware availability formula: cores occupied
// by other processes and cores this worker has allocated overlap rather than
// add, so only the larger of the two is subtracted.
func dynamicAvailableCPUs(total, allocated, busy uint64) uint64 {
	return subClamp(total, maxU64(allocated, busy))
}

func subClamp(total, used uint64) uint64 {
	if used >= total {
		return 0
	}
	return total - used
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
