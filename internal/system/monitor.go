// Package system supplies host snapshots to the gateway's broadcast loop.
// The gateway treats it purely as a data source; richer host sampling
// (per-core CPU, network counters) plugs in behind the same interface.
package system

import (
	"runtime"
	"time"

	"github.com/luminadesk/gateway/internal/gateway"
)

// Monitor implements gateway.SnapshotSource from the Go runtime's view of
// the process.
type Monitor struct{}

// NewMonitor returns a ready monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Snapshot reports the current host figures.
func (m *Monitor) Snapshot() (gateway.SystemSnapshot, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var snap gateway.SystemSnapshot
	snap.CPU.Cores = runtime.NumCPU()
	snap.Memory.UsedBytes = mem.HeapAlloc
	snap.Memory.TotalBytes = mem.Sys
	if mem.Sys > 0 {
		snap.Memory.Percentage = float64(mem.HeapAlloc) / float64(mem.Sys) * 100
	}
	snap.Time = time.Now().Format("15:04:05")
	return snap, nil
}
