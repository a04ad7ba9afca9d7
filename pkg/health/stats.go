// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"runtime"
	"strconv"
	"time"

	"github.com/mbeema/plthook/pkg/plthook"
	"github.com/mbeema/plthook/pkg/records"
)

// Source is the engine as seen by the health server. *plthook.Engine
// implements it.
type Source interface {
	Stats() plthook.Stats
	Sites() []plthook.SiteInfo
	Records() *records.Buffer
}

// Stats pairs an engine with process self-monitoring counters.
type Stats struct {
	startTime time.Time
	src       Source
}

// NewStats creates a new Stats instance.
func NewStats(src Source) *Stats {
	return &Stats{
		startTime: time.Now(),
		src:       src,
	}
}

// Uptime returns the time since NewStats.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds  float64
	Goroutines     int
	MemoryRSSBytes uint64
	Engine         plthook.Stats
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		UptimeSeconds:  s.Uptime().Seconds(),
		Goroutines:     runtime.NumGoroutine(),
		MemoryRSSBytes: memStats.Sys,
		Engine:         s.src.Stats(),
	}
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	return prometheusFormat(s.Snapshot())
}

func prometheusFormat(snap Snapshot) string {
	e := snap.Engine
	var b []byte
	b = appendMetric(b, "plthook_uptime_seconds", "gauge", "Time since the health server started", snap.UptimeSeconds)
	b = appendMetric(b, "plthook_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "plthook_memory_rss_bytes", "gauge", "Memory obtained from the OS in bytes", float64(snap.MemoryRSSBytes))
	b = appendMetric(b, "plthook_initialized", "gauge", "1 when the engine is initialized", boolFloat(e.Initialized))
	b = appendMetric(b, "plthook_tasks", "gauge", "Registered hook tasks", float64(e.Tasks))
	b = appendMetric(b, "plthook_tasks_installed", "gauge", "Tasks installed on at least one call site", float64(e.Installed))
	b = appendMetric(b, "plthook_sites", "gauge", "Hooked call sites", float64(e.Sites))
	b = appendMetric(b, "plthook_hubs_draining", "gauge", "Retired hubs waiting for reclamation", float64(e.Draining))
	b = appendMetric(b, "plthook_modules", "gauge", "Known loaded modules", float64(e.Modules))
	b = appendMetric(b, "plthook_images_cached", "gauge", "Parsed ELF images in cache", float64(e.Images))
	b = appendMetric(b, "plthook_trampolines_reclaimed_total", "counter", "Hubs whose trampoline was freed", float64(e.Reclaimed))
	b = appendMetric(b, "plthook_calls_total", "counter", "Calls dispatched through live hubs", float64(e.Calls))
	b = appendMetric(b, "plthook_rings_total", "counter", "Recursive calls sent to the original function", float64(e.Rings))
	b = appendMetric(b, "plthook_refresh_passes_total", "counter", "Completed refresh passes", float64(e.Passes))
	b = appendMetric(b, "plthook_refresh_sweeps_total", "counter", "Timer-driven refresh passes", float64(e.Sweeps))
	b = appendMetric(b, "plthook_loader_events_total", "counter", "Loader events handled", float64(e.Events))
	b = appendMetric(b, "plthook_refresh_queued_total", "counter", "Refresh requests queued behind a running pass", float64(e.Queued))
	b = appendMetric(b, "plthook_failures_total", "counter", "Install failures reported by passes", float64(e.Failures))
	b = appendMetric(b, "plthook_records", "gauge", "Operation records held", float64(e.Records))
	b = appendMetric(b, "plthook_patches_total", "counter", "GOT slot writes", float64(e.Protection.Patches))
	b = appendMetric(b, "plthook_protect_widenings_total", "counter", "Writes that had to widen page protection", float64(e.Protection.Widenings))
	b = appendMetric(b, "plthook_faults_recovered_total", "counter", "Memory faults recovered during guarded access", float64(e.Protection.Recovered))
	b = appendMetric(b, "plthook_protect_failures_total", "counter", "Guarded writes that failed", float64(e.Protection.Failures))
	return string(b)
}

func boolFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, '\n')
	b = append(b, "# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	b = append(b, '\n')
	return b
}
