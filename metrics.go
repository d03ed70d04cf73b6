package fwspace

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-fwspace/internal/uapi"
)

// LatencyBuckets defines the acknowledgment latency histogram buckets in
// nanoseconds. Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for an address space
type Metrics struct {
	// Inbound writes
	Writes        atomic.Uint64 // Writes staged in the queue buffer
	StagedBytes   atomic.Uint64 // Bytes copied into the queue buffer
	DroppedWrites atomic.Uint64 // Writes dropped for lack of room
	DroppedBytes  atomic.Uint64 // Payload bytes of dropped writes
	SkipRecords   atomic.Uint64 // Skipped descriptors created (drops not coalesced)

	// Inbound reads
	StaticReads  atomic.Uint64 // Reads answered from the backing store
	DynamicReads atomic.Uint64 // Reads forwarded to the consumer

	// Error responses returned to the bus
	TypeErrors     atomic.Uint64
	AddressErrors  atomic.Uint64
	ConflictErrors atomic.Uint64

	// Notifications
	WriteNotifications   atomic.Uint64
	SkippedNotifications atomic.Uint64
	ReadNotifications    atomic.Uint64
	NotifyErrors         atomic.Uint64

	// Acknowledgments
	Acks               atomic.Uint64 // Accepted acknowledgments
	ForcedReclaims     atomic.Uint64 // Slots reclaimed by the ack timeout
	ProtocolViolations atomic.Uint64 // Rejected acknowledgments

	// Ring statistics
	MaxRingSlots atomic.Uint32 // High-water mark of allocated slots
	MaxPending   atomic.Uint32 // High-water mark of unacknowledged slots

	// Ack latency tracking
	TotalLatencyNs atomic.Uint64
	LatencyCount   atomic.Uint64

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of acks with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Lifecycle
	StartTime atomic.Int64 // Activation timestamp (UnixNano)
	StopTime  atomic.Int64 // Deactivation timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordWrite records a write staged in the queue buffer
func (m *Metrics) RecordWrite(bytes uint64) {
	m.Writes.Add(1)
	m.StagedBytes.Add(bytes)
}

// RecordDrop records a write dropped for lack of room. newRecord is true
// when the drop created a Skipped descriptor instead of coalescing.
func (m *Metrics) RecordDrop(bytes uint64, newRecord bool) {
	m.DroppedWrites.Add(1)
	m.DroppedBytes.Add(bytes)
	if newRecord {
		m.SkipRecords.Add(1)
	}
}

// RecordRead records an inbound read
func (m *Metrics) RecordRead(static bool) {
	if static {
		m.StaticReads.Add(1)
	} else {
		m.DynamicReads.Add(1)
	}
}

// RecordReject records an error response code returned to the bus
func (m *Metrics) RecordReject(rcode uint32) {
	switch rcode {
	case uapi.RCODE_TYPE_ERROR:
		m.TypeErrors.Add(1)
	case uapi.RCODE_ADDRESS_ERROR:
		m.AddressErrors.Add(1)
	case uapi.RCODE_CONFLICT_ERROR:
		m.ConflictErrors.Add(1)
	}
}

// RecordNotify records a notification attempt
func (m *Metrics) RecordNotify(kind ChannelKind, success bool) {
	if !success {
		m.NotifyErrors.Add(1)
		return
	}
	switch kind {
	case ChannelWrite:
		m.WriteNotifications.Add(1)
	case ChannelSkipped:
		m.SkippedNotifications.Add(1)
	case ChannelRead:
		m.ReadNotifications.Add(1)
	}
}

// RecordAck records a reclaimed slot and how long its notification was outstanding
func (m *Metrics) RecordAck(latencyNs uint64, forced bool) {
	if forced {
		m.ForcedReclaims.Add(1)
	} else {
		m.Acks.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordProtocolViolation records a rejected acknowledgment
func (m *Metrics) RecordProtocolViolation() {
	m.ProtocolViolations.Add(1)
}

// RecordRing records current ring occupancy
func (m *Metrics) RecordRing(slots, pending uint32) {
	storeMax(&m.MaxRingSlots, slots)
	storeMax(&m.MaxPending, pending)
}

func storeMax(v *atomic.Uint32, n uint32) {
	for {
		current := v.Load()
		if n <= current {
			return
		}
		if v.CompareAndSwap(current, n) {
			return
		}
	}
}

// recordLatency records ack latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.LatencyCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the address space as deactivated
func (m *Metrics) Stop() {
	m.StopTime.CompareAndSwap(0, time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	Writes        uint64
	StagedBytes   uint64
	DroppedWrites uint64
	DroppedBytes  uint64
	SkipRecords   uint64

	StaticReads  uint64
	DynamicReads uint64

	TypeErrors     uint64
	AddressErrors  uint64
	ConflictErrors uint64

	WriteNotifications   uint64
	SkippedNotifications uint64
	ReadNotifications    uint64
	NotifyErrors         uint64

	Acks               uint64
	ForcedReclaims     uint64
	ProtocolViolations uint64

	MaxRingSlots uint32
	MaxPending   uint32

	// Performance
	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	WriteRate     float64 // Staged writes per second
	DropRate      float64 // Percentage of inbound writes dropped
	Notifications uint64
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Writes:               m.Writes.Load(),
		StagedBytes:          m.StagedBytes.Load(),
		DroppedWrites:        m.DroppedWrites.Load(),
		DroppedBytes:         m.DroppedBytes.Load(),
		SkipRecords:          m.SkipRecords.Load(),
		StaticReads:          m.StaticReads.Load(),
		DynamicReads:         m.DynamicReads.Load(),
		TypeErrors:           m.TypeErrors.Load(),
		AddressErrors:        m.AddressErrors.Load(),
		ConflictErrors:       m.ConflictErrors.Load(),
		WriteNotifications:   m.WriteNotifications.Load(),
		SkippedNotifications: m.SkippedNotifications.Load(),
		ReadNotifications:    m.ReadNotifications.Load(),
		NotifyErrors:         m.NotifyErrors.Load(),
		Acks:                 m.Acks.Load(),
		ForcedReclaims:       m.ForcedReclaims.Load(),
		ProtocolViolations:   m.ProtocolViolations.Load(),
		MaxRingSlots:         m.MaxRingSlots.Load(),
		MaxPending:           m.MaxPending.Load(),
	}

	snap.Notifications = snap.WriteNotifications + snap.SkippedNotifications + snap.ReadNotifications

	count := m.LatencyCount.Load()
	if count > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / count
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		snap.WriteRate = float64(snap.Writes) / (float64(snap.UptimeNs) / 1e9)
	}

	if inbound := snap.Writes + snap.DroppedWrites; inbound > 0 {
		snap.DropRate = float64(snap.DroppedWrites) / float64(inbound) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if count > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.LatencyCount.Load()
	if total == 0 {
		return 0
	}

	targetCount := uint64(float64(total) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// Latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.Writes, &m.StagedBytes, &m.DroppedWrites, &m.DroppedBytes, &m.SkipRecords,
		&m.StaticReads, &m.DynamicReads,
		&m.TypeErrors, &m.AddressErrors, &m.ConflictErrors,
		&m.WriteNotifications, &m.SkippedNotifications, &m.ReadNotifications, &m.NotifyErrors,
		&m.Acks, &m.ForcedReclaims, &m.ProtocolViolations,
		&m.TotalLatencyNs, &m.LatencyCount,
	} {
		c.Store(0)
	}
	m.MaxRingSlots.Store(0)
	m.MaxPending.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection. Methods are called with the
// address space locked and must not block.
type Observer interface {
	// ObserveWrite is called for each write staged in the queue buffer
	ObserveWrite(bytes uint64)

	// ObserveDrop is called for each write dropped for lack of room
	ObserveDrop(bytes uint64, newRecord bool)

	// ObserveRead is called for each inbound read that was accepted
	ObserveRead(static bool)

	// ObserveReject is called when an error response code goes back to the bus
	ObserveReject(rcode uint32)

	// ObserveNotify is called for each notification attempt
	ObserveNotify(kind ChannelKind, success bool)

	// ObserveAck is called when the in-flight slot is reclaimed
	ObserveAck(latencyNs uint64, forced bool)

	// ObserveProtocolViolation is called for each rejected acknowledgment
	ObserveProtocolViolation()

	// ObserveRing is called with ring occupancy after it changes
	ObserveRing(slots, pending uint32)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveWrite(uint64)             {}
func (NoOpObserver) ObserveDrop(uint64, bool)        {}
func (NoOpObserver) ObserveRead(bool)                {}
func (NoOpObserver) ObserveReject(uint32)            {}
func (NoOpObserver) ObserveNotify(ChannelKind, bool) {}
func (NoOpObserver) ObserveAck(uint64, bool)         {}
func (NoOpObserver) ObserveProtocolViolation()       {}
func (NoOpObserver) ObserveRing(uint32, uint32)      {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveWrite(bytes uint64) {
	o.metrics.RecordWrite(bytes)
}

func (o *MetricsObserver) ObserveDrop(bytes uint64, newRecord bool) {
	o.metrics.RecordDrop(bytes, newRecord)
}

func (o *MetricsObserver) ObserveRead(static bool) {
	o.metrics.RecordRead(static)
}

func (o *MetricsObserver) ObserveReject(rcode uint32) {
	o.metrics.RecordReject(rcode)
}

func (o *MetricsObserver) ObserveNotify(kind ChannelKind, success bool) {
	o.metrics.RecordNotify(kind, success)
}

func (o *MetricsObserver) ObserveAck(latencyNs uint64, forced bool) {
	o.metrics.RecordAck(latencyNs, forced)
}

func (o *MetricsObserver) ObserveProtocolViolation() {
	o.metrics.RecordProtocolViolation()
}

func (o *MetricsObserver) ObserveRing(slots, pending uint32) {
	o.metrics.RecordRing(slots, pending)
}

// multiObserver fans out to several observers
type multiObserver []Observer

// MultiObserver returns an Observer that forwards every call to each of obs
func MultiObserver(obs ...Observer) Observer {
	return multiObserver(obs)
}

func (m multiObserver) ObserveWrite(bytes uint64) {
	for _, o := range m {
		o.ObserveWrite(bytes)
	}
}

func (m multiObserver) ObserveDrop(bytes uint64, newRecord bool) {
	for _, o := range m {
		o.ObserveDrop(bytes, newRecord)
	}
}

func (m multiObserver) ObserveRead(static bool) {
	for _, o := range m {
		o.ObserveRead(static)
	}
}

func (m multiObserver) ObserveReject(rcode uint32) {
	for _, o := range m {
		o.ObserveReject(rcode)
	}
}

func (m multiObserver) ObserveNotify(kind ChannelKind, success bool) {
	for _, o := range m {
		o.ObserveNotify(kind, success)
	}
}

func (m multiObserver) ObserveAck(latencyNs uint64, forced bool) {
	for _, o := range m {
		o.ObserveAck(latencyNs, forced)
	}
}

func (m multiObserver) ObserveProtocolViolation() {
	for _, o := range m {
		o.ObserveProtocolViolation()
	}
}

func (m multiObserver) ObserveRing(slots, pending uint32) {
	for _, o := range m {
		o.ObserveRing(slots, pending)
	}
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
var _ Observer = multiObserver(nil)
