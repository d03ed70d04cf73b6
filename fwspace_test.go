package fwspace

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-fwspace/internal/logging"
	"github.com/ehrlich-b/go-fwspace/internal/ring"
	"github.com/ehrlich-b/go-fwspace/internal/uapi"
)

var testBase = Address{Hi: 0xffff, Lo: 0xf0000000}

const testNode = 0xffc1

type fixture struct {
	as      *AddressSpace
	bus     *MockBus
	session *MockSession
	queue   *MockBuffer
	writes  *RecordingNotifier
	skips   *RecordingNotifier
	reads   *RecordingNotifier
}

// newFixture activates a dynamic space with a queue buffer of capacity bytes
// and all three channels registered
func newFixture(t *testing.T, capacity int64, mutate func(*Params)) *fixture {
	t.Helper()

	f := &fixture{
		bus:     NewMockBus(),
		session: NewMockSession("test"),
		writes:  &RecordingNotifier{},
		skips:   &RecordingNotifier{},
		reads:   &RecordingNotifier{},
	}
	if capacity > 0 {
		f.queue = NewMockBuffer(capacity)
	}

	params := DefaultParams(f.bus, nil, testBase, 0x1000)
	if f.queue != nil {
		params.QueueBuffer = f.queue
	}
	if mutate != nil {
		mutate(&params)
	}

	as, err := Activate(f.session, params, &Options{Logger: logging.Nop()})
	require.NoError(t, err)
	f.as = as

	require.NoError(t, as.SetNotificationChannel(ChannelWrite, f.writes))
	require.NoError(t, as.SetNotificationChannel(ChannelSkipped, f.skips))
	require.NoError(t, as.SetNotificationChannel(ChannelRead, f.reads))

	t.Cleanup(as.Teardown)
	return f
}

func (f *fixture) write(t *testing.T, n int, fill byte) {
	t.Helper()
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = fill
	}
	rcode := f.bus.Write(testNode, Speed400, testBase, payload, nil)
	require.Equal(t, RCodeComplete, rcode)
}

// outstanding returns the command currently awaiting acknowledgment
func (f *fixture) outstanding(t *testing.T) uint32 {
	t.Helper()
	info := f.as.Info()
	require.True(t, info.Busy, "expected a notification outstanding")
	return info.InFlight
}

func TestActivate(t *testing.T) {
	f := newFixture(t, 100, nil)

	assert.True(t, f.as.IsActive())
	assert.True(t, f.bus.Registered(Range{Base: testBase, Length: 0x1000}))

	info := f.as.Info()
	assert.Equal(t, "ffff.f0000000", info.Base)
	assert.Equal(t, uint32(100), info.Capacity)
	assert.Equal(t, uint32(100), info.Available)
	assert.Equal(t, 0, info.RingSlots)
	assert.Zero(t, info.Commands)
	assert.False(t, info.Static)
	assert.Equal(t, "test", info.Session)

	// The zerolog logger carries the structured transaction events
	assert.NotNil(t, f.as.txlog)
}

type printfLogger struct{}

func (printfLogger) Debugf(string, ...any) {}
func (printfLogger) Printf(string, ...any) {}
func (printfLogger) Warnf(string, ...any)  {}

func TestPlainLoggerFallsBackToPrintf(t *testing.T) {
	as, err := Activate(NewMockSession("plain"), DefaultParams(NewMockBus(), NewMockBuffer(4), testBase, 0x10), &Options{Logger: printfLogger{}})
	require.NoError(t, err)
	defer as.Teardown()
	assert.Nil(t, as.txlog)

	require.NoError(t, as.SetNotificationChannel(ChannelWrite, &RecordingNotifier{}))
	assert.Equal(t, RCodeComplete, as.HandleWrite(1, Speed100, testBase, make([]byte, 4), MockRequest{}))
	assert.Equal(t, RCodeComplete, as.HandleWrite(1, Speed100, testBase, make([]byte, 4), MockRequest{}))
	assert.Equal(t, uint64(1), as.Metrics().DroppedWrites.Load())
}

func TestActivateInvalidParams(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"nil bus", func(p *Params) { p.Bus = nil }},
		{"zero length", func(p *Params) { p.Length = 0 }},
		{"beyond 48 bits", func(p *Params) { p.Base = Address{Hi: 0xffff, Lo: 0xffffff00} }},
		{"negative slots", func(p *Params) { p.MaxSlots = -1 }},
		{"negative timeout", func(p *Params) { p.AckTimeout = -time.Second }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			session := NewMockSession("bad")
			queue := NewMockBuffer(64)
			params := DefaultParams(NewMockBus(), queue, testBase, 0x1000)
			tc.mutate(&params)

			as, err := Activate(session, params, nil)
			require.Error(t, err)
			assert.Nil(t, as)
			assert.True(t, errors.Is(err, ErrInvalidParameters))

			// Nothing is left retained
			assert.Equal(t, 1, session.Releases())
			assert.Equal(t, 1, queue.CallCounts()["close"])
		})
	}
}

func TestActivateBusFailure(t *testing.T) {
	bus := NewMockBus()
	bus.FailAllocate = errors.New("range in use")
	session := NewMockSession("s")
	queue := NewMockBuffer(64)
	static := NewMockBuffer(64)

	params := DefaultParams(bus, queue, testBase, 0x40)
	params.BackingStore = static

	_, err := Activate(session, params, nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeBusUnavailable))
	assert.Equal(t, 1, session.Releases())
	assert.Equal(t, 1, queue.CallCounts()["close"])
	assert.Equal(t, 1, static.CallCounts()["close"])
}

func TestWriteNotification(t *testing.T) {
	f := newFixture(t, 100, func(p *Params) { p.RefCon = 0x1234 })

	payload := []byte{1, 2, 3, 4}
	addr := testBase.Add(0x10)
	rcode := f.bus.Write(testNode, Speed800, addr, payload, MockRequest{Lock: true})
	require.Equal(t, RCodeComplete, rcode)

	n, ok := f.writes.Last()
	require.True(t, ok)
	assert.Equal(t, ChannelWrite, n.Kind)
	assert.Equal(t, uint64(0x1234), n.RefCon)
	assert.Equal(t, uapi.WRITE_ARG_COUNT, n.Args.Count)

	w := n.Args.Words
	assert.Equal(t, n.Command, w[uapi.ARG_COMMAND_ID])
	assert.Equal(t, uint32(4), w[uapi.ARG_LENGTH])
	assert.Equal(t, uint32(0), w[uapi.ARG_OFFSET])
	assert.Equal(t, uint32(testNode), w[uapi.ARG_NODE_ID])
	assert.Equal(t, uint32(Speed800), w[uapi.ARG_SPEED])
	assert.Equal(t, uint32(0xffff), w[uapi.ARG_ADDR_HI])
	assert.Equal(t, uint32(0xf0000010), w[uapi.ARG_ADDR_LO])
	assert.Equal(t, uint32(1), w[uapi.ARG_LOCK_WRITE])

	// The payload is in the queue buffer before the notification fires
	assert.Equal(t, payload, f.queue.Bytes()[0:4])
	assert.Equal(t, uint32(96), f.as.Info().Available)
}

// Scenario A: a write that cannot fit becomes a skip record, reported once
// the first write is acknowledged
func TestOverflowBecomesSkipped(t *testing.T) {
	f := newFixture(t, 100, nil)

	f.write(t, 60, 0xaa)
	require.Equal(t, 1, f.writes.Len())
	first := f.outstanding(t)

	f.write(t, 50, 0xbb)
	assert.Equal(t, 1, f.writes.Len())
	assert.Equal(t, 0, f.skips.Len(), "skip waits behind the outstanding write")
	assert.Equal(t, uint32(40), f.as.Info().Available)

	require.NoError(t, f.as.Acknowledge(first))
	assert.Equal(t, uint32(100), f.as.Info().Available)

	n, ok := f.skips.Last()
	require.True(t, ok)
	assert.Equal(t, uapi.SKIPPED_ARG_COUNT, n.Args.Count)
	assert.Equal(t, uint32(1), n.Args.Words[uapi.ARG_SKIP_COUNT])
	assert.Equal(t, uint32(60), n.Args.Words[uapi.ARG_OFFSET])

	snap := f.as.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.Writes)
	assert.Equal(t, uint64(1), snap.DroppedWrites)
}

// Scenario B: a write that would fit after the first is freed is still
// skipped while the first is outstanding, then fits once it is acknowledged
func TestWriteFitsAfterRelease(t *testing.T) {
	f := newFixture(t, 100, nil)

	f.write(t, 30, 0x01)
	first := f.outstanding(t)

	f.write(t, 80, 0x02)
	assert.Equal(t, uint64(1), f.as.MetricsSnapshot().DroppedWrites)

	require.NoError(t, f.as.Acknowledge(first))
	require.Equal(t, 1, f.skips.Len())
	require.NoError(t, f.as.Acknowledge(f.outstanding(t)))

	f.write(t, 80, 0x03)
	n, ok := f.writes.Last()
	require.True(t, ok)
	assert.Equal(t, uint32(80), n.Args.Words[uapi.ARG_LENGTH])
	assert.Equal(t, uint32(0), n.Args.Words[uapi.ARG_OFFSET])

	info := f.as.Info()
	assert.Equal(t, uint32(20), info.Available)
	assert.Equal(t, uint32(80), info.Tail)
	assert.False(t, info.Wrapped)
}

func TestSkipsCoalesce(t *testing.T) {
	f := newFixture(t, 10, nil)

	f.write(t, 10, 0xff)
	first := f.outstanding(t)

	const drops = 5
	for i := 0; i < drops; i++ {
		f.write(t, 4, byte(i))
	}

	info := f.as.Info()
	assert.Equal(t, 2, info.RingSlots, "N drops occupy one slot")
	assert.Equal(t, 2, info.Pending)

	require.NoError(t, f.as.Acknowledge(first))
	n, ok := f.skips.Last()
	require.True(t, ok)
	assert.Equal(t, uint32(drops), n.Args.Words[uapi.ARG_SKIP_COUNT])

	snap := f.as.MetricsSnapshot()
	assert.Equal(t, uint64(drops), snap.DroppedWrites)
	assert.Equal(t, uint64(1), snap.SkipRecords)
}

func TestInFlightSkipNotCoalesced(t *testing.T) {
	// No queue buffer: every write is dropped
	f := newFixture(t, 0, nil)

	f.write(t, 4, 0)
	require.Equal(t, 1, f.skips.Len())
	first := f.outstanding(t)

	// The delivered count must not change under the consumer
	f.write(t, 4, 0)
	f.write(t, 4, 0)

	got, _ := f.skips.Last()
	assert.Equal(t, uint32(1), got.Args.Words[uapi.ARG_SKIP_COUNT])

	require.NoError(t, f.as.Acknowledge(first))
	got, _ = f.skips.Last()
	assert.Equal(t, uint32(2), got.Args.Words[uapi.ARG_SKIP_COUNT])
	assert.Equal(t, 2, f.skips.Len())
}

func TestNotificationsFIFO(t *testing.T) {
	f := newFixture(t, 1000, nil)

	for i := 0; i < 10; i++ {
		f.write(t, 10, byte(i))
	}
	assert.Equal(t, 1, f.writes.Len(), "one notification outstanding at a time")

	var lastCmd uint32
	for i := 0; i < 10; i++ {
		n, ok := f.writes.Last()
		require.True(t, ok)
		require.Equal(t, i+1, f.writes.Len())

		off := n.Args.Words[uapi.ARG_OFFSET]
		assert.Equal(t, uint32(i*10), off)
		assert.Greater(t, n.Command, lastCmd)
		assert.Equal(t, byte(i), f.queue.Bytes()[off], "consumer sees the staged payload")
		lastCmd = n.Command

		require.NoError(t, f.as.Acknowledge(n.Command))
	}

	info := f.as.Info()
	assert.False(t, info.Busy)
	assert.Equal(t, 0, info.Pending)
	assert.Equal(t, uint32(1000), info.Available)
}

func TestMixedKindsFIFO(t *testing.T) {
	f := newFixture(t, 8, nil)

	// A staged write, a dropped write and a read, in that order
	f.write(t, 8, 0)
	f.write(t, 8, 0)
	rcode, _, _ := f.bus.Read(testNode, Speed400, testBase, 4, nil)
	require.Equal(t, RCodeComplete, rcode)

	var order []ChannelKind
	for f.as.Info().Busy {
		cmd := f.outstanding(t)
		for _, rec := range []*RecordingNotifier{f.writes, f.skips, f.reads} {
			if n, ok := rec.Last(); ok && n.Command == cmd {
				order = append(order, n.Kind)
			}
		}
		require.NoError(t, f.as.Acknowledge(cmd))
	}

	assert.Equal(t, []ChannelKind{ChannelWrite, ChannelSkipped, ChannelRead}, order)
}

// Scenario C: a dynamic read with no read channel is refused without
// touching the ring
func TestReadWithoutChannel(t *testing.T) {
	f := newFixture(t, 100, nil)
	require.NoError(t, f.as.SetNotificationChannel(ChannelRead, nil))

	before := f.as.Info()
	rcode, data, err := f.bus.Read(testNode, Speed400, testBase.Add(8), 4, nil)
	require.NoError(t, err)
	assert.Equal(t, RCodeTypeError, rcode)
	assert.Nil(t, data)

	after := f.as.Info()
	assert.Equal(t, before.RingSlots, after.RingSlots)
	assert.Equal(t, before.Pending, after.Pending)
	assert.Equal(t, uint64(1), f.as.MetricsSnapshot().TypeErrors)
}

func TestDynamicRead(t *testing.T) {
	f := newFixture(t, 100, nil)

	rcode, data, err := f.bus.Read(testNode, Speed200, testBase.Add(0x20), 8, nil)
	require.NoError(t, err)
	assert.Equal(t, RCodeComplete, rcode)
	assert.Nil(t, data, "dynamic reads are answered by the consumer")

	n, ok := f.reads.Last()
	require.True(t, ok)
	assert.Equal(t, uapi.READ_ARG_COUNT, n.Args.Count)
	assert.Equal(t, uint32(8), n.Args.Words[uapi.ARG_LENGTH])
	assert.Equal(t, uint32(0x20), n.Args.Words[uapi.ARG_OFFSET])
	assert.Equal(t, uint32(Speed200), n.Args.Words[uapi.ARG_SPEED])
	assert.Equal(t, uint32(0xf0000020), n.Args.Words[uapi.ARG_ADDR_LO])
}

// Scenario D: reads from a static store never touch the ring
func TestStaticRead(t *testing.T) {
	static := NewMockBuffer(64)
	copy(static.Bytes(), []byte("0123456789abcdef"))

	f := newFixture(t, 100, func(p *Params) {
		p.BackingStore = static
		p.Length = 64
	})

	rcode, data, err := f.bus.Read(testNode, Speed400, testBase.Add(10), 6, nil)
	require.NoError(t, err)
	assert.Equal(t, RCodeComplete, rcode)
	assert.Equal(t, []byte("abcdef"), data)

	info := f.as.Info()
	assert.True(t, info.Static)
	assert.Equal(t, 0, info.RingSlots)
	assert.Equal(t, 0, f.reads.Len())
	assert.Equal(t, uint64(1), f.as.MetricsSnapshot().StaticReads)
}

func TestStaticReadOutOfBounds(t *testing.T) {
	// Range is larger than the store behind it
	f := newFixture(t, 100, func(p *Params) {
		p.BackingStore = NewMockBuffer(16)
		p.Length = 64
	})

	rcode, buf, _ := f.as.HandleRead(testNode, Speed400, testBase.Add(12), 8, nil)
	assert.Equal(t, RCodeAddressError, rcode)
	assert.Nil(t, buf)

	rcode, _, _ = f.as.HandleRead(testNode, Speed400, Address{Hi: 0xfffe}, 4, nil)
	assert.Equal(t, RCodeAddressError, rcode)
}

func TestProtocolViolations(t *testing.T) {
	f := newFixture(t, 100, nil)

	err := f.as.Acknowledge(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoOutstanding))

	f.write(t, 4, 0)
	cmd := f.outstanding(t)

	err = f.as.Acknowledge(cmd + 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommandMismatch))

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "ACKNOWLEDGE", se.Op)
	assert.Equal(t, cmd+1, se.Command)

	// State unchanged
	assert.Equal(t, cmd, f.outstanding(t))
	assert.Equal(t, uint32(96), f.as.Info().Available)

	require.NoError(t, f.as.Acknowledge(cmd))
	assert.True(t, errors.Is(f.as.Acknowledge(cmd), ErrNoOutstanding), "duplicate ack")

	assert.Equal(t, uint64(3), f.as.MetricsSnapshot().ProtocolViolations)
}

func TestMissingChannelStallsUntilRegistered(t *testing.T) {
	f := newFixture(t, 100, nil)
	require.NoError(t, f.as.SetNotificationChannel(ChannelWrite, nil))

	f.write(t, 10, 0)
	f.write(t, 10, 1)
	assert.False(t, f.as.Info().Busy)
	assert.Equal(t, 2, f.as.Info().Pending)

	late := &RecordingNotifier{}
	require.NoError(t, f.as.SetNotificationChannel(ChannelWrite, late))
	require.Equal(t, 1, late.Len())

	n, _ := late.Last()
	assert.Equal(t, uint32(0), n.Args.Words[uapi.ARG_OFFSET], "oldest write goes first")
}

func TestNotifyErrorRetries(t *testing.T) {
	f := newFixture(t, 100, nil)
	f.writes.SetFail(errors.New("consumer gone"))

	f.write(t, 10, 0)
	assert.False(t, f.as.Info().Busy)
	assert.Equal(t, uint64(1), f.as.MetricsSnapshot().NotifyErrors)

	f.writes.SetFail(nil)
	f.write(t, 10, 1)

	require.Equal(t, 1, f.writes.Len())
	n, _ := f.writes.Last()
	assert.Equal(t, uint32(0), n.Args.Words[uapi.ARG_OFFSET])
}

func TestSetNotificationChannelInvalidKind(t *testing.T) {
	f := newFixture(t, 100, nil)

	err := f.as.SetNotificationChannel(ring.KindFree, &RecordingNotifier{})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidKind))
}

func TestRingExhaustedIsConflict(t *testing.T) {
	f := newFixture(t, 100, func(p *Params) { p.MaxSlots = 2 })

	f.write(t, 10, 0)
	f.write(t, 10, 1)

	rcode := f.bus.Write(testNode, Speed400, testBase, make([]byte, 10), nil)
	assert.Equal(t, RCodeConflictError, rcode)

	rcode, _, _ = f.bus.Read(testNode, Speed400, testBase, 4, nil)
	assert.Equal(t, RCodeConflictError, rcode)

	assert.Equal(t, uint64(2), f.as.MetricsSnapshot().ConflictErrors)
	assert.Equal(t, uint32(80), f.as.Info().Available, "refused write reserves nothing")
}

func TestCopyFailureIsDataError(t *testing.T) {
	f := newFixture(t, 100, nil)
	f.queue.FailWrites = errors.New("bad page")

	rcode := f.bus.Write(testNode, Speed400, testBase, make([]byte, 10), nil)
	assert.Equal(t, RCodeDataError, rcode)

	info := f.as.Info()
	assert.Equal(t, uint32(100), info.Available)
	assert.Equal(t, 0, info.Pending)
}

func TestAckTimeoutReclaims(t *testing.T) {
	f := newFixture(t, 100, func(p *Params) { p.AckTimeout = 20 * time.Millisecond })

	f.write(t, 10, 0)
	f.write(t, 10, 1)
	first := f.outstanding(t)

	// Both slots are reclaimed in order without any acknowledgment
	require.Eventually(t, func() bool {
		return f.as.MetricsSnapshot().ForcedReclaims == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, f.writes.Len(), "backlog drains after each timeout")
	assert.True(t, errors.Is(f.as.Acknowledge(first), ErrNoOutstanding), "late ack is rejected")

	info := f.as.Info()
	assert.Equal(t, 0, info.Pending)
	assert.Equal(t, uint32(100), info.Available)
}

func TestNoTimeoutByDefault(t *testing.T) {
	f := newFixture(t, 100, nil)

	f.write(t, 10, 0)
	time.Sleep(30 * time.Millisecond)

	assert.True(t, f.as.Info().Busy)
	assert.Equal(t, uint64(0), f.as.MetricsSnapshot().ForcedReclaims)
}

func TestDeactivateIdempotent(t *testing.T) {
	f := newFixture(t, 100, nil)

	f.write(t, 10, 0)
	f.write(t, 10, 1)

	f.as.Deactivate()
	first := f.as.Info()
	f.as.Deactivate()
	second := f.as.Info()

	assert.Equal(t, first, second)
	assert.Equal(t, SpaceStateDeactivated, second.State)
	assert.Equal(t, 0, second.RingSlots)
	assert.Equal(t, 0, second.Pending)
	assert.Equal(t, uint32(0), second.Available)
	assert.False(t, second.Busy)

	assert.Equal(t, 1, f.bus.CallCounts()["deallocate"])
	assert.False(t, f.bus.Registered(f.as.Range()))

	// Hooks called after deactivation are refused
	assert.Equal(t, RCodeAddressError, f.as.HandleWrite(testNode, Speed400, testBase, []byte{1}, nil))
	rcode, _, _ := f.as.HandleRead(testNode, Speed400, testBase, 4, nil)
	assert.Equal(t, RCodeAddressError, rcode)
	assert.True(t, IsCode(f.as.Acknowledge(1), ErrCodeNotActive))
}

func TestDeactivateWithoutTraffic(t *testing.T) {
	f := newFixture(t, 100, nil)
	f.as.Deactivate()
	assert.Equal(t, SpaceStateDeactivated, f.as.State())
}

func TestTeardownReleasesOnce(t *testing.T) {
	f := newFixture(t, 100, nil)

	f.as.Teardown()
	f.as.Teardown()

	assert.Equal(t, SpaceStateTornDown, f.as.State())
	assert.Equal(t, 1, f.session.Releases())
	assert.Equal(t, 1, f.queue.CallCounts()["close"])
	assert.Equal(t, 1, f.bus.CallCounts()["deallocate"])

	err := f.as.SetNotificationChannel(ChannelWrite, f.writes)
	assert.True(t, errors.Is(err, ErrTornDown))
}

// checkInvariants verifies accounting against the ring contents
func checkInvariants(t *testing.T, as *AddressSpace) {
	t.Helper()

	as.mu.Lock()
	defer as.mu.Unlock()

	capacity := as.store.Capacity()
	available := as.store.Available()
	require.LessOrEqual(t, available, capacity)

	type span struct{ lo, hi uint32 }
	var spans []span
	var staged uint32
	as.ring.InFlight(func(_ ring.Index, s ring.Slot) bool {
		if inc, ok := s.Desc.(ring.Incoming); ok {
			spans = append(spans, span{inc.Offset, inc.Offset + inc.Length})
			staged += inc.Length
		}
		return true
	})

	for i, a := range spans {
		require.LessOrEqual(t, a.hi, capacity, "span past end of buffer")
		for _, b := range spans[i+1:] {
			require.False(t, a.lo < b.hi && b.lo < a.hi, "spans [%d,%d) and [%d,%d) overlap", a.lo, a.hi, b.lo, b.hi)
		}
	}
	require.Equal(t, capacity-available, staged, "available must match staged bytes")

	if out, busy := as.gate.Outstanding(); busy {
		head, _, ok := as.ring.Head()
		require.True(t, ok)
		require.Equal(t, head, out.Slot, "only the ring head may be outstanding")
	}
}

func TestRandomTrafficInvariants(t *testing.T) {
	f := newFixture(t, 100, nil)
	rng := rand.New(rand.NewSource(1394))

	for i := 0; i < 5000; i++ {
		switch op := rng.Intn(10); {
		case op < 6:
			f.write(t, 1+rng.Intn(45), byte(i))
		case op < 7:
			rcode, _, _ := f.bus.Read(testNode, Speed400, testBase.Add(uint64(rng.Intn(0x100))), 4, nil)
			require.Equal(t, RCodeComplete, rcode)
		default:
			if info := f.as.Info(); info.Busy {
				require.NoError(t, f.as.Acknowledge(info.InFlight))
			}
		}
		checkInvariants(t, f.as)
	}

	// Drain everything
	for f.as.Info().Busy {
		require.NoError(t, f.as.Acknowledge(f.as.Info().InFlight))
	}
	info := f.as.Info()
	assert.Equal(t, 0, info.Pending)
	assert.Equal(t, uint32(100), info.Available)
}

func TestConcurrentWritersAndConsumer(t *testing.T) {
	writes := NewChanNotifier(0)
	skips := NewChanNotifier(0)

	bus := NewMockBus()
	queue := NewMockBuffer(4096)
	as, err := Activate(NewMockSession("c"), DefaultParams(bus, queue, testBase, 0x1000), &Options{Logger: logging.Nop()})
	require.NoError(t, err)
	defer as.Teardown()

	require.NoError(t, as.SetNotificationChannel(ChannelWrite, writes))
	require.NoError(t, as.SetNotificationChannel(ChannelSkipped, skips))

	const writers, perWriter, size = 8, 200, 16

	stop := make(chan struct{})
	var consumerErr error
	var delivered, dropped uint64
	var consumer sync.WaitGroup
	consumer.Add(1)
	go func() {
		defer consumer.Done()
		for {
			var n Notification
			select {
			case n = <-writes.C:
				delivered++
			case n = <-skips.C:
				dropped += uint64(n.Args.Words[uapi.ARG_SKIP_COUNT])
			case <-stop:
				return
			}
			if err := as.Acknowledge(n.Command); err != nil {
				consumerErr = err
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			payload := make([]byte, size)
			for i := 0; i < perWriter; i++ {
				payload[0] = byte(w)
				if rcode := bus.Write(uint16(w), Speed400, testBase, payload, nil); rcode != RCodeComplete {
					t.Errorf("writer %d: rcode %s", w, rcode)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return as.Info().Pending == 0
	}, 5*time.Second, time.Millisecond)
	close(stop)
	consumer.Wait()

	require.NoError(t, consumerErr)
	assert.Equal(t, uint64(writers*perWriter), delivered+dropped, "every write is delivered or counted as dropped")

	snap := as.MetricsSnapshot()
	assert.Equal(t, delivered, snap.Writes)
	assert.Equal(t, dropped, snap.DroppedWrites)
	assert.Equal(t, uint32(4096), as.Info().Available)
}

func BenchmarkHandleWrite(b *testing.B) {
	bus := NewMockBus()
	as, err := Activate(NewMockSession("bench"), DefaultParams(bus, NewMockBuffer(1<<20), testBase, 0x1000), &Options{Logger: logging.Nop()})
	if err != nil {
		b.Fatal(err)
	}
	defer as.Teardown()

	// Notify runs under the lock, so acknowledge from another goroutine
	ack := func(n Notification) error {
		go as.Acknowledge(n.Command)
		return nil
	}
	as.SetNotificationChannel(ChannelWrite, NotifierFunc(ack))
	as.SetNotificationChannel(ChannelSkipped, NotifierFunc(ack))

	payload := make([]byte, 512)
	b.SetBytes(int64(len(payload)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		as.HandleWrite(testNode, Speed400, testBase, payload, nil)
	}
}
