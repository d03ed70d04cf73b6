// Package stats publishes address space activity to a go-metrics registry
// and exports that registry to Prometheus.
package stats

import (
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/ehrlich-b/go-fwspace"
)

// Observer implements fwspace.Observer on top of a go-metrics registry.
// Metric names are dotted and rooted at the prefix given to NewObserver.
type Observer struct {
	writes       metrics.Counter
	stagedBytes  metrics.Counter
	drops        metrics.Counter
	droppedBytes metrics.Counter
	skipRecords  metrics.Counter

	staticReads  metrics.Counter
	dynamicReads metrics.Counter

	rejects map[fwspace.ResponseCode]metrics.Counter
	other   metrics.Counter

	notifications map[fwspace.ChannelKind]metrics.Counter
	notifyErrors  metrics.Counter

	acks       metrics.Counter
	forced     metrics.Counter
	violations metrics.Counter
	ackLatency metrics.Histogram

	ringSlots metrics.Gauge
	pending   metrics.Gauge
}

// NewObserver registers its metrics in r, or in metrics.DefaultRegistry when
// r is nil. Observers sharing a registry and prefix share counters.
func NewObserver(r metrics.Registry, prefix string) *Observer {
	if r == nil {
		r = metrics.DefaultRegistry
	}
	if prefix == "" {
		prefix = "fwspace"
	}
	name := func(s string) string { return prefix + "." + s }

	return &Observer{
		writes:       metrics.GetOrRegisterCounter(name("writes"), r),
		stagedBytes:  metrics.GetOrRegisterCounter(name("writes.bytes"), r),
		drops:        metrics.GetOrRegisterCounter(name("drops"), r),
		droppedBytes: metrics.GetOrRegisterCounter(name("drops.bytes"), r),
		skipRecords:  metrics.GetOrRegisterCounter(name("drops.records"), r),

		staticReads:  metrics.GetOrRegisterCounter(name("reads.static"), r),
		dynamicReads: metrics.GetOrRegisterCounter(name("reads.dynamic"), r),

		rejects: map[fwspace.ResponseCode]metrics.Counter{
			fwspace.RCodeConflictError: metrics.GetOrRegisterCounter(name("rejects.conflict"), r),
			fwspace.RCodeDataError:     metrics.GetOrRegisterCounter(name("rejects.data"), r),
			fwspace.RCodeTypeError:     metrics.GetOrRegisterCounter(name("rejects.type"), r),
			fwspace.RCodeAddressError:  metrics.GetOrRegisterCounter(name("rejects.address"), r),
		},
		other: metrics.GetOrRegisterCounter(name("rejects.other"), r),

		notifications: map[fwspace.ChannelKind]metrics.Counter{
			fwspace.ChannelWrite:   metrics.GetOrRegisterCounter(name("notifications.write"), r),
			fwspace.ChannelSkipped: metrics.GetOrRegisterCounter(name("notifications.skipped"), r),
			fwspace.ChannelRead:    metrics.GetOrRegisterCounter(name("notifications.read"), r),
		},
		notifyErrors: metrics.GetOrRegisterCounter(name("notifications.errors"), r),

		acks:       metrics.GetOrRegisterCounter(name("acks"), r),
		forced:     metrics.GetOrRegisterCounter(name("acks.forced"), r),
		violations: metrics.GetOrRegisterCounter(name("acks.violations"), r),
		ackLatency: metrics.GetOrRegisterHistogram(name("acks.latency_us"), r, metrics.NewExpDecaySample(1028, 0.015)),

		ringSlots: metrics.GetOrRegisterGauge(name("ring.slots"), r),
		pending:   metrics.GetOrRegisterGauge(name("ring.pending"), r),
	}
}

func (o *Observer) ObserveWrite(bytes uint64) {
	o.writes.Inc(1)
	o.stagedBytes.Inc(int64(bytes))
}

func (o *Observer) ObserveDrop(bytes uint64, newRecord bool) {
	o.drops.Inc(1)
	o.droppedBytes.Inc(int64(bytes))
	if newRecord {
		o.skipRecords.Inc(1)
	}
}

func (o *Observer) ObserveRead(static bool) {
	if static {
		o.staticReads.Inc(1)
	} else {
		o.dynamicReads.Inc(1)
	}
}

func (o *Observer) ObserveReject(rcode uint32) {
	if c, ok := o.rejects[fwspace.ResponseCode(rcode)]; ok {
		c.Inc(1)
		return
	}
	o.other.Inc(1)
}

func (o *Observer) ObserveNotify(kind fwspace.ChannelKind, success bool) {
	if !success {
		o.notifyErrors.Inc(1)
		return
	}
	if c, ok := o.notifications[kind]; ok {
		c.Inc(1)
	}
}

func (o *Observer) ObserveAck(latencyNs uint64, forced bool) {
	if forced {
		o.forced.Inc(1)
	} else {
		o.acks.Inc(1)
	}
	o.ackLatency.Update(int64(time.Duration(latencyNs) / time.Microsecond))
}

func (o *Observer) ObserveProtocolViolation() {
	o.violations.Inc(1)
}

func (o *Observer) ObserveRing(slots, pending uint32) {
	o.ringSlots.Update(int64(slots))
	o.pending.Update(int64(pending))
}

var _ fwspace.Observer = (*Observer)(nil)
