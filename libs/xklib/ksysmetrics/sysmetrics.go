// Package ksysmetrics exposes process level gauges (heap, goroutines, gc, fds) through an
// opencensus metric registry. Values are sampled when the registry is read.
package ksysmetrics

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"go.opencensus.io/metric"
	"go.opencensus.io/metric/metricdata"
)

var (
	registryOnce sync.Once
	registry     *metric.Registry
)

// GetRegistry returns the process registry, created on first use with the given version label.
// Later calls ignore version.
func GetRegistry(version string) *metric.Registry {
	registryOnce.Do(func() {
		registry = NewRegistry(version)
	})
	return registry
}

// NewRegistry builds a fresh registry, mostly useful in tests.
func NewRegistry(version string) *metric.Registry {
	if version == "" {
		version = "unknown"
	}
	reg := metric.NewRegistry()
	versionLabel := metricdata.NewLabelValue(version)

	addInt64(reg, "process_heap_bytes", "process heap memory in bytes", "bytes", versionLabel, func() int64 {
		return int64(readMemStats().HeapAlloc)
	})
	addInt64(reg, "process_sys_memory_bytes", "memory obtained from the OS in bytes", "bytes", versionLabel, func() int64 {
		return int64(readMemStats().Sys)
	})
	addInt64(reg, "process_gc_pause_total_ns", "total gc pause time in nanoseconds", "ns", versionLabel, func() int64 {
		return int64(readMemStats().PauseTotalNs)
	})
	addInt64(reg, "process_goroutines", "number of goroutines", "", versionLabel, func() int64 {
		return int64(runtime.NumGoroutine())
	})
	addInt64(reg, "process_open_fds", "number of open file descriptors, -1 if unknown", "", versionLabel, func() int64 {
		fds, err := getFDCount(os.Getpid())
		if err != nil {
			return -1
		}
		return int64(fds)
	})
	return reg
}

func addInt64(reg *metric.Registry, name, description, unit string, version metricdata.LabelValue, fn func() int64) {
	opts := []metric.Options{
		metric.WithDescription(description),
		metric.WithLabelKeys("version"),
	}
	if unit != "" {
		opts = append(opts, metric.WithUnit(metricdata.Unit(unit)))
	}
	gauge, err := reg.AddInt64DerivedGauge(name, opts...)
	if err != nil {
		panic(fmt.Errorf("ksysmetrics: add gauge %s: %w", name, err))
	}
	if err := gauge.UpsertEntry(fn, version); err != nil {
		panic(fmt.Errorf("ksysmetrics: upsert gauge %s: %w", name, err))
	}
}

func readMemStats() *runtime.MemStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	return &memStats
}

func getFDCount(pid int) (int, error) {
	fds, err := os.ReadDir(fmt.Sprintf("/proc/%d/fd", pid))
	if err != nil {
		return 0, err
	}
	return len(fds), nil
}
