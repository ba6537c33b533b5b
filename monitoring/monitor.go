// Package monitoring samples process resource usage and buffer/evidence
// disk free space, adapted from the teacher's StartMonitoring /
// getResourceUsage (process CPU/RSS) and resilience.go's checkDiskSpace
// (5 GB floor, here generalized from a single DiskManager disk to the
// two directories Device Pilot actually writes into).
package monitoring

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceUsage is one sample of process health.
type ResourceUsage struct {
	CPUPercent    float64
	MemoryUsedMB  float64
	MemoryTotalMB float64
	MemoryPercent float64
	NumGoroutines int
}

// DiskFreeGB reports the free space available on the volume containing
// path, in gigabytes.
func DiskFreeGB(path string) (float64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("disk usage for %s: %w", path, err)
	}
	return float64(usage.Free) / (1024 * 1024 * 1024), nil
}

// Monitor periodically logs process resource usage and warns when
// either watched directory's free space drops under floorGB.
type Monitor struct {
	bufferDir, evidenceDir string
	floorGB                float64
	interval               time.Duration
}

// New builds a Monitor watching bufferDir and evidenceDir, warning
// below floorGB free (0 disables the floor check, matching the
// teacher's "skip check if no disk manager" fallback).
func New(bufferDir, evidenceDir string, floorGB float64, interval time.Duration) *Monitor {
	return &Monitor{bufferDir: bufferDir, evidenceDir: evidenceDir, floorGB: floorGB, interval: interval}
}

// Start runs the sampling loop in its own goroutine until stop is
// closed.
func (m *Monitor) Start(stop <-chan struct{}) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Printf("[monitoring] failed to attach to own process: %v", err)
		return
	}

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.sample(proc)
			}
		}
	}()
}

func (m *Monitor) sample(proc *process.Process) {
	usage, err := resourceUsage(proc)
	if err != nil {
		log.Printf("[monitoring] error sampling resource usage: %v", err)
	} else {
		log.Printf("[monitoring] CPU: %.2f%%, Memory: %.1f/%.1f MB (%.2f%%), Goroutines: %d",
			usage.CPUPercent, usage.MemoryUsedMB, usage.MemoryTotalMB, usage.MemoryPercent, usage.NumGoroutines)
	}

	m.warnIfLow("buffer", m.bufferDir)
	m.warnIfLow("evidence", m.evidenceDir)
}

func (m *Monitor) warnIfLow(label, path string) {
	if m.floorGB <= 0 || path == "" {
		return
	}
	freeGB, err := DiskFreeGB(path)
	if err != nil {
		log.Printf("[monitoring] failed to check %s disk space: %v", label, err)
		return
	}
	if freeGB < m.floorGB {
		log.Printf("[monitoring] WARN: %s volume has %.2f GB free, below the %.1f GB floor", label, freeGB, m.floorGB)
	}
}

func resourceUsage(proc *process.Process) (ResourceUsage, error) {
	var usage ResourceUsage

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		return usage, fmt.Errorf("error getting CPU usage: %w", err)
	}
	usage.CPUPercent = cpuPercent

	procMem, err := proc.MemoryInfo()
	if err != nil {
		return usage, fmt.Errorf("error getting process memory: %w", err)
	}
	virtualMem, err := mem.VirtualMemory()
	if err != nil {
		return usage, fmt.Errorf("error getting memory info: %w", err)
	}
	usage.MemoryUsedMB = float64(procMem.RSS) / 1024 / 1024
	usage.MemoryTotalMB = float64(virtualMem.Total) / 1024 / 1024
	usage.MemoryPercent = float64(procMem.RSS) / float64(virtualMem.Total) * 100
	usage.NumGoroutines = runtime.NumGoroutine()

	return usage, nil
}
