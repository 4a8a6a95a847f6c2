// Package metrics provides Prometheus-compatible metrics for TinyVM hosts.
//
// The metric surface is small and fixed, so there is no registry: the
// Metrics struct lists every metric, and Format walks them in a stable
// order. Counters and gauges are plain atomics; the one duration metric is
// exposed in the Prometheus sum/count convention.
package metrics

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing counter metric.
type Counter struct {
	name  string
	help  string
	value atomic.Uint64
}

// NewCounter creates a new counter metric.
func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds the given value to the counter.
func (c *Counter) Add(delta uint64) {
	c.value.Add(delta)
}

// Value returns the current counter value.
func (c *Counter) Value() uint64 {
	return c.value.Load()
}

func (c *Counter) write(sb *strings.Builder) {
	fmt.Fprintf(sb, "# HELP %s %s\n", c.name, c.help)
	fmt.Fprintf(sb, "# TYPE %s counter\n", c.name)
	fmt.Fprintf(sb, "%s %d\n\n", c.name, c.value.Load())
}

// Gauge is a value that can go up and down.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

// NewGauge creates a new gauge metric.
func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(value int64) {
	g.value.Store(value)
}

// SetUint64 sets the gauge to the given unsigned value.
func (g *Gauge) SetUint64(value uint64) {
	g.value.Store(int64(value))
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	g.value.Add(1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	g.value.Add(-1)
}

// Value returns the current gauge value.
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

func (g *Gauge) write(sb *strings.Builder) {
	fmt.Fprintf(sb, "# HELP %s %s\n", g.name, g.help)
	fmt.Fprintf(sb, "# TYPE %s gauge\n", g.name)
	fmt.Fprintf(sb, "%s %d\n\n", g.name, g.value.Load())
}

// Duration accumulates elapsed time and an event count, exposed as the
// Prometheus <name>_sum / <name>_count pair.
type Duration struct {
	mu    sync.Mutex
	name  string
	help  string
	sum   float64
	count uint64
}

// NewDuration creates a new duration metric. The name carries the
// _seconds unit suffix by convention.
func NewDuration(name, help string) *Duration {
	return &Duration{name: name, help: help}
}

// Observe records one elapsed duration.
func (d *Duration) Observe(elapsed time.Duration) {
	d.mu.Lock()
	d.sum += elapsed.Seconds()
	d.count++
	d.mu.Unlock()
}

// Sum returns the accumulated seconds.
func (d *Duration) Sum() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sum
}

// Count returns the number of observations.
func (d *Duration) Count() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

func (d *Duration) write(sb *strings.Builder) {
	d.mu.Lock()
	sum, count := d.sum, d.count
	d.mu.Unlock()
	fmt.Fprintf(sb, "# HELP %s %s\n", d.name, d.help)
	fmt.Fprintf(sb, "# TYPE %s summary\n", d.name)
	fmt.Fprintf(sb, "%s_sum %.6f\n", d.name, sum)
	fmt.Fprintf(sb, "%s_count %d\n\n", d.name, count)
}

// Metrics holds all metrics for a TinyVM host.
type Metrics struct {
	// Counters
	StepsRetired        *Counter
	Yields              *Counter
	IllegalInstructions *Counter
	Timeouts            *Counter
	SessionsCompleted   *Counter
	SessionErrors       *Counter

	// Gauges
	ProgramsStored *Gauge
	ActiveSessions *Gauge

	// Durations
	SessionDuration *Duration
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
func NewMetrics() *Metrics {
	return &Metrics{
		StepsRetired:        NewCounter("tinyvm_steps_retired_total", "Total number of instructions retired across all VMs"),
		Yields:              NewCounter("tinyvm_yields_total", "Total number of yields observed"),
		IllegalInstructions: NewCounter("tinyvm_illegal_instructions_total", "Total number of VMs halted on an illegal instruction"),
		Timeouts:            NewCounter("tinyvm_timeouts_total", "Total number of exhausted instruction budgets"),
		SessionsCompleted:   NewCounter("tinyvm_sessions_completed_total", "Total number of harness sessions that finished cleanly"),
		SessionErrors:       NewCounter("tinyvm_session_errors_total", "Total number of harness sessions aborted by a driver or judge bug"),

		ProgramsStored: NewGauge("tinyvm_programs_stored", "Total number of programs in the store"),
		ActiveSessions: NewGauge("tinyvm_active_sessions", "Number of harness sessions currently running"),

		SessionDuration: NewDuration("tinyvm_session_duration_seconds", "Harness session wall-clock duration in seconds"),
	}
}

// Format formats all metrics in Prometheus text format, in a fixed order.
func (m *Metrics) Format() string {
	var sb strings.Builder
	for _, c := range []*Counter{
		m.StepsRetired,
		m.Yields,
		m.IllegalInstructions,
		m.Timeouts,
		m.SessionsCompleted,
		m.SessionErrors,
	} {
		c.write(&sb)
	}
	for _, g := range []*Gauge{m.ProgramsStored, m.ActiveSessions} {
		g.write(&sb)
	}
	m.SessionDuration.write(&sb)
	return sb.String()
}

// RecordSession records metrics for one finished harness session.
func (m *Metrics) RecordSession(steps uint64, clean bool, duration time.Duration) {
	m.StepsRetired.Add(steps)
	if clean {
		m.SessionsCompleted.Inc()
	} else {
		m.SessionErrors.Inc()
	}
	m.SessionDuration.Observe(duration)
}

// Global default metrics instance.
var defaultMetrics *Metrics
var defaultMetricsOnce sync.Once

// DefaultMetrics returns the global default metrics instance.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}
