package blkio

import (
	"sync/atomic"
	"time"
)

// ReapBatchBuckets defines the reap batch-size histogram buckets: a batch
// of n completions lands in the first bucket whose bound is >= n.
var ReapBatchBuckets = []uint64{1, 2, 4, 8, 16, 32, 64, 128}

const numReapBuckets = 8

// Metrics tracks submission and completion statistics for one engine.
// All fields are atomics so the harness can snapshot from another
// goroutine while the worker runs.
type Metrics struct {
	// Submission counters per operation kind
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64
	TrimOps  atomic.Uint64
	FlushOps atomic.Uint64

	// Byte counters for transfer kinds
	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	// Completion accounting
	Reaped           atomic.Uint64 // Completions drained
	ReapCalls        atomic.Uint64 // GetEvents invocations
	CompletionErrors atomic.Uint64 // Completions with a nonzero result

	// Reap batch-size histogram (cumulative counts)
	ReapBatches [numReapBuckets]atomic.Uint64

	// Engine lifecycle
	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records one submitted operation of the given kind.
func (m *Metrics) RecordSubmit(kind OpKind, bytes uint64) {
	switch kind {
	case OpRead:
		m.ReadOps.Add(1)
		m.ReadBytes.Add(bytes)
	case OpWrite:
		m.WriteOps.Add(1)
		m.WriteBytes.Add(bytes)
	case OpTrim:
		m.TrimOps.Add(1)
	case OpFlush:
		m.FlushOps.Add(1)
	}
}

// RecordReap records one GetEvents drain of n completions.
func (m *Metrics) RecordReap(n int) {
	m.ReapCalls.Add(1)
	m.Reaped.Add(uint64(n))

	for i, bound := range ReapBatchBuckets {
		if uint64(n) <= bound {
			m.ReapBatches[i].Add(1)
			break
		}
	}
}

// RecordCompletionError records one completion with a nonzero result.
func (m *Metrics) RecordCompletionError() {
	m.CompletionErrors.Add(1)
}

// Stop marks the engine as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of engine metrics with derived
// rates.
type MetricsSnapshot struct {
	ReadOps  uint64
	WriteOps uint64
	TrimOps  uint64
	FlushOps uint64

	ReadBytes  uint64
	WriteBytes uint64

	Reaped           uint64
	ReapCalls        uint64
	CompletionErrors uint64

	ReapBatches [numReapBuckets]uint64

	UptimeNs uint64

	// Derived
	TotalOps       uint64
	AvgReapBatch   float64
	ReadIOPS       float64
	WriteIOPS      float64
	ReadBandwidth  float64 // bytes/s
	WriteBandwidth float64 // bytes/s
	ErrorRate      float64 // percent of reaped completions
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:          m.ReadOps.Load(),
		WriteOps:         m.WriteOps.Load(),
		TrimOps:          m.TrimOps.Load(),
		FlushOps:         m.FlushOps.Load(),
		ReadBytes:        m.ReadBytes.Load(),
		WriteBytes:       m.WriteBytes.Load(),
		Reaped:           m.Reaped.Load(),
		ReapCalls:        m.ReapCalls.Load(),
		CompletionErrors: m.CompletionErrors.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.TrimOps + snap.FlushOps

	if snap.ReapCalls > 0 {
		snap.AvgReapBatch = float64(snap.Reaped) / float64(snap.ReapCalls)
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	if snap.Reaped > 0 {
		snap.ErrorRate = float64(snap.CompletionErrors) / float64(snap.Reaped) * 100.0
	}

	for i := 0; i < numReapBuckets; i++ {
		snap.ReapBatches[i] = m.ReapBatches[i].Load()
	}

	return snap
}

// Reset resets all counters (useful for testing)
func (m *Metrics) Reset() {
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.TrimOps.Store(0)
	m.FlushOps.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.Reaped.Store(0)
	m.ReapCalls.Store(0)
	m.CompletionErrors.Store(0)
	for i := 0; i < numReapBuckets; i++ {
		m.ReapBatches[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection on the hot path.
type Observer interface {
	// ObserveSubmit is called for each submitted operation.
	ObserveSubmit(kind OpKind, bytes uint64)

	// ObserveReap is called once per GetEvents drain with the batch size.
	ObserveReap(n int)

	// ObserveError is called for each failed completion.
	ObserveError()
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(OpKind, uint64) {}
func (NoOpObserver) ObserveReap(int)              {}
func (NoOpObserver) ObserveError()                {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(kind OpKind, bytes uint64) {
	o.metrics.RecordSubmit(kind, bytes)
}

func (o *MetricsObserver) ObserveReap(n int) {
	o.metrics.RecordReap(n)
}

func (o *MetricsObserver) ObserveError() {
	o.metrics.RecordCompletionError()
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
