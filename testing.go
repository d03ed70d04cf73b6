package fwspace

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// MockRequest is the request context understood by MockBus
type MockRequest struct {
	Lock bool // the transaction is a lock (compare-swap) request
}

type mockRange struct {
	r     Range
	read  ReadHook
	write WriteHook
}

// MockBus provides a mock implementation of Bus for testing. It records
// registered ranges and dispatches transactions to their hooks.
type MockBus struct {
	mu     sync.Mutex
	ranges []mockRange

	// FailAllocate, when set, is returned by AllocateAddressSpace
	FailAllocate error

	allocCalls   int
	deallocCalls int
}

// NewMockBus creates an empty bus
func NewMockBus() *MockBus {
	return &MockBus{}
}

// AllocateAddressSpace implements the Bus interface
func (b *MockBus) AllocateAddressSpace(r Range, read ReadHook, write WriteHook) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allocCalls++
	if b.FailAllocate != nil {
		return b.FailAllocate
	}

	lo, hi := r.Base.Uint64(), r.Base.Uint64()+uint64(r.Length)
	for _, mr := range b.ranges {
		olo, ohi := mr.r.Base.Uint64(), mr.r.Base.Uint64()+uint64(mr.r.Length)
		if lo < ohi && olo < hi {
			return fmt.Errorf("range %s+%#x overlaps %s+%#x", r.Base, r.Length, mr.r.Base, mr.r.Length)
		}
	}

	b.ranges = append(b.ranges, mockRange{r: r, read: read, write: write})
	return nil
}

// DeallocateAddressSpace implements the Bus interface
func (b *MockBus) DeallocateAddressSpace(r Range) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.deallocCalls++
	for i, mr := range b.ranges {
		if mr.r == r {
			b.ranges = append(b.ranges[:i], b.ranges[i+1:]...)
			return
		}
	}
}

// IsLockRequest implements the Bus interface
func (b *MockBus) IsLockRequest(req RequestContext) bool {
	mr, ok := req.(MockRequest)
	return ok && mr.Lock
}

func (b *MockBus) lookup(addr Address, length uint32) (mockRange, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, mr := range b.ranges {
		if mr.r.Contains(addr, length) {
			return mr, true
		}
	}
	return mockRange{}, false
}

// Write delivers an inbound write the way the bus layer would. Addresses
// outside every registered range get RCodeAddressError.
func (b *MockBus) Write(node uint16, speed Speed, addr Address, payload []byte, req RequestContext) ResponseCode {
	mr, ok := b.lookup(addr, uint32(len(payload)))
	if !ok {
		return RCodeAddressError
	}
	return ResponseCode(mr.write(node, uint8(speed), addr, payload, req))
}

// Read delivers an inbound read. For a synchronous answer it returns the
// bytes the response would carry.
func (b *MockBus) Read(node uint16, speed Speed, addr Address, length uint32, req RequestContext) (ResponseCode, []byte, error) {
	mr, ok := b.lookup(addr, length)
	if !ok {
		return RCodeAddressError, nil, nil
	}

	rcode, buf, off := mr.read(node, uint8(speed), addr, length, req)
	if ResponseCode(rcode) != RCodeComplete || buf == nil {
		return ResponseCode(rcode), nil, nil
	}

	data := make([]byte, length)
	if _, err := buf.ReadAt(data, off); err != nil {
		return ResponseCode(rcode), nil, err
	}
	return ResponseCode(rcode), data, nil
}

// Registered reports whether r is currently allocated
func (b *MockBus) Registered(r Range) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, mr := range b.ranges {
		if mr.r == r {
			return true
		}
	}
	return false
}

// CallCounts returns the number of times each method has been called
func (b *MockBus) CallCounts() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]int{
		"allocate":   b.allocCalls,
		"deallocate": b.deallocCalls,
	}
}

// MockSession provides a mock implementation of Session that counts releases
type MockSession struct {
	id       string
	mu       sync.Mutex
	releases int
}

// NewMockSession creates a session with the given ID
func NewMockSession(id string) *MockSession {
	return &MockSession{id: id}
}

// ID implements the Session interface
func (s *MockSession) ID() string {
	return s.id
}

// Release implements the Session interface
func (s *MockSession) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
}

// Releases returns how many times Release was called
func (s *MockSession) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

// RecordingNotifier provides a Notifier that keeps every notification it
// receives. Setting Fail makes Notify return that error instead.
type RecordingNotifier struct {
	mu   sync.Mutex
	got  []Notification
	fail error
}

// Notify implements the Notifier interface
func (r *RecordingNotifier) Notify(n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fail != nil {
		return r.fail
	}
	r.got = append(r.got, n)
	return nil
}

// SetFail makes subsequent Notify calls fail with err, or succeed when nil
func (r *RecordingNotifier) SetFail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

// Notifications returns a copy of everything received so far
func (r *RecordingNotifier) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

// Len returns the number of notifications received
func (r *RecordingNotifier) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

// Last returns the most recent notification
func (r *RecordingNotifier) Last() (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.got) == 0 {
		return Notification{}, false
	}
	return r.got[len(r.got)-1], true
}

// MockBuffer provides a heap Buffer that tracks calls for verification
type MockBuffer struct {
	mu   sync.RWMutex
	data []byte
	size int64

	// FailWrites, when set, is returned by WriteAt
	FailWrites error

	closeCalls int
	readCalls  int
	writeCalls int
}

// NewMockBuffer creates a zeroed buffer of the given size
func NewMockBuffer(size int64) *MockBuffer {
	return &MockBuffer{
		data: make([]byte, size),
		size: size,
	}
}

// ReadAt implements the Buffer interface
func (m *MockBuffer) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++
	if m.data == nil {
		return 0, errors.New("buffer closed")
	}
	if off < 0 || off >= m.size {
		return 0, io.EOF
	}

	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the Buffer interface
func (m *MockBuffer) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	if m.FailWrites != nil {
		return 0, m.FailWrites
	}
	if m.data == nil {
		return 0, errors.New("buffer closed")
	}
	if off < 0 || off >= m.size {
		return 0, ErrInvalidParameters
	}

	n := copy(m.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Size implements the Buffer interface
func (m *MockBuffer) Size() int64 {
	return m.size
}

// Bytes implements the BytesBuffer interface
func (m *MockBuffer) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

// Close implements the Buffer interface
func (m *MockBuffer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeCalls++
	m.data = nil
	return nil
}

// CallCounts returns the number of times each method has been called
func (m *MockBuffer) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"read":  m.readCalls,
		"write": m.writeCalls,
		"close": m.closeCalls,
	}
}

// Compile-time interface checks
var (
	_ Bus      = (*MockBus)(nil)
	_ Session  = (*MockSession)(nil)
	_ Notifier = (*RecordingNotifier)(nil)
	_ Buffer   = (*MockBuffer)(nil)
)
