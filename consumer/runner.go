// Package consumer runs the consumer side of an address space: it receives
// notifications, copies staged write payloads out of the queue buffer, hands
// them to a Handler and acknowledges each one so the next can be delivered.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-fwspace"
	"github.com/ehrlich-b/go-fwspace/internal/bufpool"
	"github.com/ehrlich-b/go-fwspace/internal/uapi"
)

// Write is an inbound write delivered to the handler. Payload is only valid
// for the duration of the HandleWrite call.
type Write struct {
	Command uint32
	Node    uint16
	Speed   fwspace.Speed
	Address fwspace.Address
	Offset  uint32 // position of the payload in the queue buffer
	Lock    bool
	Payload []byte
}

// Read is an inbound read the handler must answer out of band
type Read struct {
	Command uint32
	Node    uint16
	Speed   fwspace.Speed
	Address fwspace.Address
	Offset  uint32 // byte offset from the base of the range
	Length  uint32
}

// Handler processes delivered transactions. Errors are logged; the
// notification is acknowledged either way so the address space never stalls
// on a failing handler.
type Handler interface {
	HandleWrite(ctx context.Context, w Write) error
	HandleSkipped(ctx context.Context, count uint32) error
	HandleRead(ctx context.Context, r Read) error
}

// Space is the part of an address space the runner drives
type Space interface {
	Acknowledge(commandID uint32) error
	SetNotificationChannel(kind fwspace.ChannelKind, n fwspace.Notifier) error
	QueueBuffer() fwspace.Buffer
}

type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type Config struct {
	Space   Space
	Handler Handler
	Logger  Logger

	// ServeReads registers the runner for read notifications. Leave it off
	// when reads are answered from a static backing store.
	ServeReads bool

	// Trace, when set, receives every notification in its wire encoding
	// before it is handled
	Trace io.Writer
}

// Stats counts what the runner has processed
type Stats struct {
	Writes        uint64
	Skipped       uint64 // total dropped writes reported
	Reads         uint64
	HandlerErrors uint64
	AckErrors     uint64
}

// Runner consumes notifications for a single address space
type Runner struct {
	space    Space
	handler  Handler
	logger   Logger
	reads    bool
	trace    io.Writer
	notifier *fwspace.ChanNotifier

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	started atomic.Bool

	writes        atomic.Uint64
	skipped       atomic.Uint64
	readCount     atomic.Uint64
	handlerErrors atomic.Uint64
	ackErrors     atomic.Uint64
}

// NewRunner creates a runner. Nothing is registered until Start.
func NewRunner(ctx context.Context, config Config) (*Runner, error) {
	if config.Space == nil {
		return nil, errors.New("consumer: nil space")
	}
	if config.Handler == nil {
		return nil, errors.New("consumer: nil handler")
	}

	ctx, cancel := context.WithCancel(ctx)

	return &Runner{
		space:    config.Space,
		handler:  config.Handler,
		logger:   config.Logger,
		reads:    config.ServeReads,
		trace:    config.Trace,
		notifier: fwspace.NewChanNotifier(fwspace.DefaultChannelDepth),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

func (r *Runner) kinds() []fwspace.ChannelKind {
	kinds := []fwspace.ChannelKind{fwspace.ChannelWrite, fwspace.ChannelSkipped}
	if r.reads {
		kinds = append(kinds, fwspace.ChannelRead)
	}
	return kinds
}

// Start registers the runner's channels and begins processing in a goroutine
func (r *Runner) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("consumer: runner already started")
	}

	if r.logger != nil {
		r.logger.Printf("Starting consumer (reads=%v)", r.reads)
	}

	// The loop must be receiving before registration: registering drains
	// any backlog straight into the channel
	go r.loop()

	for _, kind := range r.kinds() {
		if err := r.space.SetNotificationChannel(kind, r.notifier); err != nil {
			r.Stop()
			return fmt.Errorf("register %s channel: %w", kind, err)
		}
	}
	return nil
}

// Run starts the runner and blocks until ctx is cancelled or Stop is called
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		r.Stop()
		return ctx.Err()
	case <-r.done:
		return nil
	}
}

// Stop unregisters the channels and waits for the loop to exit. A
// notification delivered but not yet processed stays outstanding.
func (r *Runner) Stop() {
	r.once.Do(func() {
		for _, kind := range r.kinds() {
			// Torn-down spaces refuse this; nothing left to unregister then
			r.space.SetNotificationChannel(kind, nil)
		}
		r.cancel()

		// Never started: there is no loop to close done
		if r.started.CompareAndSwap(false, true) {
			close(r.done)
		}
	})
	<-r.done
}

// Stats returns a snapshot of processing counters
func (r *Runner) Stats() Stats {
	return Stats{
		Writes:        r.writes.Load(),
		Skipped:       r.skipped.Load(),
		Reads:         r.readCount.Load(),
		HandlerErrors: r.handlerErrors.Load(),
		AckErrors:     r.ackErrors.Load(),
	}
}

func (r *Runner) loop() {
	defer close(r.done)

	if r.logger != nil {
		r.logger.Debugf("consumer loop ready")
	}

	for {
		select {
		case <-r.ctx.Done():
			if r.logger != nil {
				r.logger.Debugf("consumer loop stopping")
			}
			return
		case n := <-r.notifier.C:
			r.process(n)
		}
	}
}

// process handles one notification and acknowledges it
func (r *Runner) process(n fwspace.Notification) {
	if r.trace != nil {
		if b, err := Encode(n); err == nil {
			if _, err := r.trace.Write(b); err != nil && r.logger != nil {
				r.logger.Debugf("trace write failed: %v", err)
			}
		}
	}

	if err := r.dispatch(n); err != nil {
		r.handlerErrors.Add(1)
		if r.logger != nil {
			r.logger.Printf("%s cmd=%d: handler failed: %v", n.Kind, n.Command, err)
		}
	}

	if err := r.space.Acknowledge(n.Command); err != nil {
		r.ackErrors.Add(1)
		if r.logger != nil {
			r.logger.Printf("%s cmd=%d: acknowledge failed: %v", n.Kind, n.Command, err)
		}
	}
}

func (r *Runner) dispatch(n fwspace.Notification) error {
	w := n.Args.Words

	switch n.Kind {
	case fwspace.ChannelWrite:
		length, offset := w[uapi.ARG_LENGTH], w[uapi.ARG_OFFSET]
		payload := bufpool.Get(length)
		defer bufpool.Put(payload)

		if _, err := r.space.QueueBuffer().ReadAt(payload, int64(offset)); err != nil {
			return fmt.Errorf("copy %d bytes at offset %d: %w", length, offset, err)
		}

		r.writes.Add(1)
		return r.handler.HandleWrite(r.ctx, Write{
			Command: n.Command,
			Node:    uint16(w[uapi.ARG_NODE_ID]),
			Speed:   fwspace.Speed(w[uapi.ARG_SPEED]),
			Address: fwspace.Address{Hi: uint16(w[uapi.ARG_ADDR_HI]), Lo: w[uapi.ARG_ADDR_LO]},
			Offset:  offset,
			Lock:    w[uapi.ARG_LOCK_WRITE] != 0,
			Payload: payload,
		})

	case fwspace.ChannelSkipped:
		count := w[uapi.ARG_SKIP_COUNT]
		r.skipped.Add(uint64(count))
		return r.handler.HandleSkipped(r.ctx, count)

	case fwspace.ChannelRead:
		r.readCount.Add(1)
		return r.handler.HandleRead(r.ctx, Read{
			Command: n.Command,
			Node:    uint16(w[uapi.ARG_NODE_ID]),
			Speed:   fwspace.Speed(w[uapi.ARG_SPEED]),
			Address: fwspace.Address{Hi: uint16(w[uapi.ARG_ADDR_HI]), Lo: w[uapi.ARG_ADDR_LO]},
			Offset:  w[uapi.ARG_OFFSET],
			Length:  w[uapi.ARG_LENGTH],
		})

	default:
		return fmt.Errorf("unexpected notification kind %s", n.Kind)
	}
}

// HandlerFuncs adapts plain functions to Handler. Nil fields accept the
// notification and do nothing.
type HandlerFuncs struct {
	Write   func(ctx context.Context, w Write) error
	Skipped func(ctx context.Context, count uint32) error
	Read    func(ctx context.Context, r Read) error
}

func (h HandlerFuncs) HandleWrite(ctx context.Context, w Write) error {
	if h.Write == nil {
		return nil
	}
	return h.Write(ctx, w)
}

func (h HandlerFuncs) HandleSkipped(ctx context.Context, count uint32) error {
	if h.Skipped == nil {
		return nil
	}
	return h.Skipped(ctx, count)
}

func (h HandlerFuncs) HandleRead(ctx context.Context, r Read) error {
	if h.Read == nil {
		return nil
	}
	return h.Read(ctx, r)
}

// Compile-time interface checks
var (
	_ Handler = HandlerFuncs{}
	_ Space   = (*fwspace.AddressSpace)(nil)
)
