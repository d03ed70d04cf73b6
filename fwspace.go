// Package fwspace provides a pseudo address space that bridges a bus layer
// delivering inbound read and write transactions to an asynchronous consumer.
//
// The bus layer calls the write and read hooks and gets a response code back
// immediately. Each transaction is recorded in a descriptor ring; write
// payloads are staged in a queue buffer. The consumer is notified of one
// descriptor at a time and must Acknowledge it before the next is offered.
// Writes that arrive while the queue buffer is full are dropped and counted
// in a single Skipped notification.
package fwspace

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-fwspace/internal/gate"
	"github.com/ehrlich-b/go-fwspace/internal/logging"
	"github.com/ehrlich-b/go-fwspace/internal/ring"
	"github.com/ehrlich-b/go-fwspace/internal/store"
	"github.com/ehrlich-b/go-fwspace/internal/uapi"
)

// Params contains parameters for activating an address space
type Params struct {
	// Bus registers the range and delivers transactions to it
	Bus Bus

	// QueueBuffer stages inbound write payloads. When nil every write is
	// dropped and reported through Skipped notifications.
	QueueBuffer Buffer

	// BackingStore, when set, answers reads synchronously from its contents
	// instead of forwarding them to the consumer
	BackingStore Buffer

	// Range registered with the bus
	Base   Address
	Length uint32

	MaxSlots   int           // Ring slot limit (default: 1024)
	AckTimeout time.Duration // Reclaim an unacknowledged slot after this long (0: wait forever)
	RefCon     uint64        // Opaque value echoed in every notification
}

// DefaultParams returns parameters for a dynamic address space over
// [base, base+length) staging writes in queue
func DefaultParams(bus Bus, queue Buffer, base Address, length uint32) Params {
	return Params{
		Bus:         bus,
		QueueBuffer: queue,
		Base:        base,
		Length:      length,
		MaxSlots:    DefaultMaxSlots,
		AckTimeout:  DefaultAckTimeout,
	}
}

// Options contains additional options for activation
type Options struct {
	// Logger for debug/info messages (if nil, uses the default zerolog logger)
	Logger Logger

	// Observer for metrics collection (if nil, records into Metrics())
	Observer Observer
}

// SpaceState represents the lifecycle state of an address space
type SpaceState string

const (
	// SpaceStateActive indicates the range is registered and serving the bus
	SpaceStateActive SpaceState = "active"
	// SpaceStateDeactivated indicates the range is unregistered
	SpaceStateDeactivated SpaceState = "deactivated"
	// SpaceStateTornDown indicates the session and buffers were released
	SpaceStateTornDown SpaceState = "torn down"
)

// AddressSpace is one registered pseudo address range
type AddressSpace struct {
	// mu guards everything below it, including the ring, store and gate
	mu         sync.Mutex
	state      SpaceState
	ring       *ring.Ring
	store      *store.Store
	gate       *gate.Gate
	timer      *time.Timer
	ackTimeout time.Duration

	// Immutable after Activate
	session  Session
	bus      Bus
	rng      Range
	queue    Buffer
	static   Buffer
	space    string
	log      Logger
	txlog    TransactionLogger // nil unless log implements it
	metrics  *Metrics
	observer Observer

	releaseOnce sync.Once
}

// Activate validates params, builds the ring, store and gate, and registers
// the range with the bus. The address space takes ownership of session and
// both buffers: they are released by Teardown, or before Activate returns
// if it fails.
//
// Example:
//
//	queue := buffer.NewMemory(fwspace.DefaultQueueBufferSize)
//	params := fwspace.DefaultParams(bus, queue, fwspace.Address{Hi: 0xffff, Lo: 0xf0000000}, 0x1000)
//	as, err := fwspace.Activate(session, params, nil)
func Activate(session Session, params Params, options *Options) (*AddressSpace, error) {
	if options == nil {
		options = &Options{}
	}

	space := params.Base.String()
	if err := validateParams(session, params); err != nil {
		releaseResources(session, params.QueueBuffer, params.BackingStore)
		return nil, err
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = MultiObserver(observer, options.Observer)
	}

	var log Logger = logging.Default().WithSpace(space)
	if options.Logger != nil {
		log = options.Logger
	}

	as := &AddressSpace{
		state:      SpaceStateActive,
		ring:       ring.New(params.MaxSlots),
		store:      store.New(params.QueueBuffer),
		gate:       gate.New(params.RefCon),
		ackTimeout: params.AckTimeout,
		session:    session,
		bus:        params.Bus,
		rng:        Range{Base: params.Base, Length: params.Length},
		queue:      params.QueueBuffer,
		static:     params.BackingStore,
		space:      space,
		log:        log,
		metrics:    metrics,
		observer:   observer,
	}

	as.txlog, _ = log.(TransactionLogger)

	if err := params.Bus.AllocateAddressSpace(as.rng, as.readHook, as.writeHook); err != nil {
		releaseResources(session, params.QueueBuffer, params.BackingStore)
		return nil, &Error{
			Op:    "ACTIVATE",
			Space: space,
			Code:  ErrCodeBusUnavailable,
			Msg:   fmt.Sprintf("failed to register range: %v", err),
			Inner: err,
		}
	}

	mode := "dynamic"
	if as.static != nil {
		mode = "static"
	}
	log.Printf("Address space activated: %s+%#x (%s reads, %d byte queue, session %s)",
		space, params.Length, mode, as.store.Capacity(), session.ID())

	return as, nil
}

func validateParams(session Session, params Params) error {
	invalid := func(msg string) error {
		return NewSpaceError("ACTIVATE", params.Base.String(), ErrCodeInvalidParameters, msg)
	}

	switch {
	case session == nil:
		return invalid("nil session")
	case params.Bus == nil:
		return invalid("nil bus")
	case params.Length == 0:
		return invalid("zero-length range")
	case params.Base.Uint64()+uint64(params.Length) > uapi.ADDRESS_MASK+1:
		return invalid("range exceeds the 48-bit address space")
	case params.MaxSlots < 0:
		return invalid(fmt.Sprintf("negative slot limit %d", params.MaxSlots))
	case params.AckTimeout < 0:
		return invalid(fmt.Sprintf("negative ack timeout %v", params.AckTimeout))
	}
	return nil
}

func releaseResources(session Session, buffers ...Buffer) {
	if session != nil {
		session.Release()
	}
	for _, b := range buffers {
		if b != nil {
			b.Close()
		}
	}
}

// writeHook and readHook adapt the typed handlers to the bus hook signatures
func (as *AddressSpace) writeHook(node uint16, speed uint8, addr uapi.Address, payload []byte, req RequestContext) uint32 {
	return uint32(as.HandleWrite(node, Speed(speed), addr, payload, req))
}

func (as *AddressSpace) readHook(node uint16, speed uint8, addr uapi.Address, length uint32, req RequestContext) (uint32, Buffer, int64) {
	rcode, buf, off := as.HandleRead(node, Speed(speed), addr, length, req)
	return uint32(rcode), buf, off
}

// HandleWrite stages an inbound write and offers it to the consumer. Writes
// that do not fit in the queue buffer are recorded as dropped. It returns
// RCodeComplete unless the space is inactive, the ring cannot grow, or the
// queue buffer rejects the copy.
func (as *AddressSpace) HandleWrite(node uint16, speed Speed, addr Address, payload []byte, req RequestContext) ResponseCode {
	lock := as.bus.IsLockRequest(req)

	as.mu.Lock()
	defer as.mu.Unlock()

	if as.state != SpaceStateActive {
		return as.reject(RCodeAddressError)
	}

	length := uint32(len(payload))
	if _, fits := as.store.Fit(length); !fits {
		return as.drop(length)
	}

	if as.ring.Full() {
		as.log.Warnf("write of %d bytes from node %#04x refused: %d ring slots in flight", length, node, as.ring.Len())
		return as.reject(RCodeConflictError)
	}

	offset, ok, err := as.store.Place(payload)
	if err != nil {
		as.log.Warnf("failed to stage %d byte write: %v", length, err)
		return as.reject(RCodeDataError)
	}
	if !ok {
		return as.drop(length)
	}

	if _, err := as.ring.Push(ring.Incoming{
		Length:    length,
		Offset:    offset,
		Node:      node,
		Speed:     uint8(speed),
		Address:   addr,
		LockWrite: lock,
	}); err != nil {
		// Full() was checked above; only reachable on a bookkeeping bug
		as.store.Release(offset, length)
		as.log.Warnf("failed to record write: %v", err)
		return as.reject(RCodeConflictError)
	}

	as.observer.ObserveWrite(uint64(length))
	as.observeRing()
	as.drain()
	return RCodeComplete
}

// drop records a write that did not fit, coalescing into the newest Skipped
// record unless that record is already in front of the consumer
func (as *AddressSpace) drop(length uint32) ResponseCode {
	if count, ok := as.ring.Coalesce(as.gate.InFlightSlot()); ok {
		as.observer.ObserveDrop(uint64(length), false)
		as.logDropped(length, count)
		return RCodeComplete
	}

	if _, err := as.ring.Push(ring.Skipped{Offset: as.store.Tail(), Count: 1}); err != nil {
		as.log.Warnf("failed to record dropped write: %v", err)
		return as.reject(RCodeConflictError)
	}

	as.observer.ObserveDrop(uint64(length), true)
	as.logDropped(length, 1)
	as.observeRing()
	as.drain()
	return RCodeComplete
}

// HandleRead answers an inbound read. With a backing store the response is
// the store region at addr; otherwise the read is queued for the consumer,
// which answers it out of band.
func (as *AddressSpace) HandleRead(node uint16, speed Speed, addr Address, length uint32, req RequestContext) (ResponseCode, Buffer, int64) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.state != SpaceStateActive {
		return as.reject(RCodeAddressError), nil, 0
	}

	off, ok := addr.Sub(as.rng.Base)
	if !ok || off+uint64(length) > uint64(as.rng.Length) {
		return as.reject(RCodeAddressError), nil, 0
	}

	if as.static != nil {
		if off+uint64(length) > uint64(as.static.Size()) {
			return as.reject(RCodeAddressError), nil, 0
		}
		as.observer.ObserveRead(true)
		return RCodeComplete, as.static, int64(off)
	}

	if as.gate.Channel(ChannelRead) == nil {
		return as.reject(RCodeTypeError), nil, 0
	}

	if _, err := as.ring.Push(ring.Read{
		Length:  length,
		Offset:  uint32(off),
		Node:    node,
		Speed:   uint8(speed),
		Address: addr,
	}); err != nil {
		as.log.Warnf("read of %d bytes from node %#04x refused: %v", length, node, err)
		return as.reject(RCodeConflictError), nil, 0
	}

	as.observer.ObserveRead(false)
	as.observeRing()
	as.drain()
	return RCodeComplete, nil, 0
}

func (as *AddressSpace) reject(rcode ResponseCode) ResponseCode {
	as.observer.ObserveReject(uint32(rcode))
	return rcode
}

func (as *AddressSpace) observeRing() {
	as.observer.ObserveRing(uint32(as.ring.Len()), uint32(as.ring.Pending()))
}

// drain offers the ring head to the consumer if nothing is outstanding
func (as *AddressSpace) drain() {
	n, fired, err := as.gate.Drain(as.ring)
	if err != nil {
		if errors.Is(err, gate.ErrNoChannel) {
			as.log.Debugf("holding notification: %v", err)
			return
		}
		_, head, _ := as.ring.Head()
		as.observer.ObserveNotify(head.Desc.Kind(), false)
		as.log.Warnf("notification failed, will retry: %v", err)
		return
	}
	if !fired {
		return
	}

	as.observer.ObserveNotify(n.Kind, true)
	if as.txlog != nil {
		as.txlog.Notified(n.Kind.String(), n.Command)
	} else {
		as.log.Debugf("notified %s cmd=%d", n.Kind, n.Command)
	}
	as.armTimer(n.Command)
}

func (as *AddressSpace) logDropped(length, count uint32) {
	if as.txlog != nil {
		as.txlog.Dropped(int(length), count)
		return
	}
	as.log.Debugf("dropped %d byte write (%d skipped)", length, count)
}

func (as *AddressSpace) armTimer(cmd uint32) {
	if as.ackTimeout <= 0 {
		return
	}
	as.timer = time.AfterFunc(as.ackTimeout, func() { as.expire(cmd) })
}

func (as *AddressSpace) stopTimer() {
	if as.timer != nil {
		as.timer.Stop()
		as.timer = nil
	}
}

// expire reclaims cmd if it is still outstanding when its timer fires
func (as *AddressSpace) expire(cmd uint32) {
	as.mu.Lock()
	defer as.mu.Unlock()

	out, busy := as.gate.Outstanding()
	if as.state != SpaceStateActive || !busy || out.Command != cmd {
		return
	}

	as.log.Warnf("no acknowledgment for %s cmd=%d after %v, reclaiming", out.Kind, cmd, as.ackTimeout)
	if err := as.complete(cmd, true); err != nil {
		as.log.Warnf("forced reclaim of cmd=%d failed: %v", cmd, err)
	}
}

// complete reclaims the outstanding slot, returns its span to the store and
// offers the next pending slot
func (as *AddressSpace) complete(cmd uint32, forced bool) error {
	slot, latency, err := as.gate.Complete(as.ring, cmd)
	if err != nil {
		return err
	}
	as.stopTimer()

	if inc, ok := slot.Desc.(ring.Incoming); ok {
		as.store.Release(inc.Offset, inc.Length)
	}

	as.observer.ObserveAck(uint64(latency.Nanoseconds()), forced)
	if as.txlog != nil && !forced {
		as.txlog.Acknowledged(cmd, latency.Microseconds())
	}
	as.observeRing()
	as.drain()
	return nil
}

// Acknowledge completes the outstanding notification. commandID must match
// the Command of the last notification delivered; anything else is a
// protocol violation that is logged and returned without changing state.
func (as *AddressSpace) Acknowledge(commandID uint32) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.state != SpaceStateActive {
		return &Error{Op: "ACKNOWLEDGE", Space: as.space, Command: commandID, Code: ErrCodeNotActive}
	}

	if err := as.complete(commandID, false); err != nil {
		as.observer.ObserveProtocolViolation()
		as.log.Warnf("ignoring acknowledgment: %v", err)
		return &Error{
			Op:      "ACKNOWLEDGE",
			Space:   as.space,
			Command: commandID,
			Code:    mapErrorToCode(err),
			Msg:     err.Error(),
			Inner:   err,
		}
	}
	return nil
}

// SetNotificationChannel replaces the notifier used for future notifications
// of kind. A nil notifier unregisters it. Registering a channel offers any
// descriptor that was waiting for it.
func (as *AddressSpace) SetNotificationChannel(kind ChannelKind, n Notifier) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.state == SpaceStateTornDown {
		return &Error{Op: "SET_CHANNEL", Space: as.space, Code: ErrCodeTornDown}
	}

	if err := as.gate.SetChannel(kind, n); err != nil {
		return WrapError("SET_CHANNEL", err)
	}

	if as.state == SpaceStateActive && n != nil {
		as.drain()
	}
	return nil
}

// Deactivate unregisters the range from the bus and discards every pending
// descriptor. It is idempotent.
func (as *AddressSpace) Deactivate() {
	as.mu.Lock()
	if as.state != SpaceStateActive {
		as.mu.Unlock()
		return
	}

	as.state = SpaceStateDeactivated
	as.stopTimer()
	pending := as.ring.Pending()
	as.ring.Reset()
	as.gate.Reset()
	as.store.Drain()
	as.metrics.Stop()
	as.mu.Unlock()

	// The bus may wait for in-flight hooks, which need the lock
	as.bus.DeallocateAddressSpace(as.rng)
	as.log.Printf("Address space deactivated: %s (%d pending descriptors discarded)", as.space, pending)
}

// Teardown deactivates the space and releases the session and buffers. Only
// the first call releases anything.
func (as *AddressSpace) Teardown() {
	as.Deactivate()

	as.releaseOnce.Do(func() {
		as.mu.Lock()
		as.state = SpaceStateTornDown
		as.mu.Unlock()

		as.log.Debugf("releasing session %s", as.session.ID())
		releaseResources(as.session, as.queue, as.static)
	})
}

// State returns the lifecycle state
func (as *AddressSpace) State() SpaceState {
	if as == nil {
		return SpaceStateTornDown
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.state
}

// IsActive returns true if the space is serving the bus
func (as *AddressSpace) IsActive() bool {
	return as.State() == SpaceStateActive
}

// Range returns the registered bus range
func (as *AddressSpace) Range() Range {
	return as.rng
}

// QueueBuffer returns the buffer write payloads are staged in. Consumers read
// [Offset, Offset+Length) of a write notification from it before
// acknowledging.
func (as *AddressSpace) QueueBuffer() Buffer {
	return as.store.Buffer()
}

// SpaceInfo contains information about an address space
type SpaceInfo struct {
	Base      string     `json:"base"`
	Length    uint32     `json:"length"`
	State     SpaceState `json:"state"`
	Static    bool       `json:"static"`
	Session   string     `json:"session"`
	Capacity  uint32     `json:"capacity"`
	Available uint32     `json:"available"`
	Head      uint32     `json:"head"` // queue buffer offset of the oldest staged payload
	Tail      uint32     `json:"tail"`
	Wrapped   bool       `json:"wrapped"`
	RingSlots int        `json:"ring_slots"`
	Pending   int        `json:"pending"`
	Busy      bool       `json:"busy"`
	InFlight  uint32     `json:"in_flight,omitempty"` // Command ID awaiting acknowledgment
	Commands  uint32     `json:"commands"`            // command IDs issued so far
}

// Info returns comprehensive information about the address space
func (as *AddressSpace) Info() SpaceInfo {
	if as == nil {
		return SpaceInfo{}
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	out, busy := as.gate.Outstanding()
	rs, ss := as.ring.State(), as.store.State()
	return SpaceInfo{
		Base:      as.space,
		Length:    as.rng.Length,
		State:     as.state,
		Static:    as.static != nil,
		Session:   as.session.ID(),
		Capacity:  ss.Capacity,
		Available: ss.Available,
		Head:      ss.Head,
		Tail:      ss.Tail,
		Wrapped:   ss.Wrapped,
		RingSlots: rs.Slots,
		Pending:   rs.Pending,
		Busy:      busy,
		InFlight:  out.Command,
		Commands:  rs.NextCommand - 1,
	}
}

// Metrics returns the live metrics for the address space
func (as *AddressSpace) Metrics() *Metrics {
	if as == nil {
		return nil
	}
	return as.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of metrics
func (as *AddressSpace) MetricsSnapshot() MetricsSnapshot {
	if as == nil || as.metrics == nil {
		return MetricsSnapshot{}
	}
	return as.metrics.Snapshot()
}
