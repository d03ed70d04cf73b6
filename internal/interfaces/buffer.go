package interfaces

// Buffer is memory shared between the bus-facing address space and its
// consumer. The packet queue buffer stages inbound write payloads; a static
// backing store answers reads directly. The shape follows io.ReaderAt and
// io.WriterAt so plain byte slices, mmap'd regions and files all fit.
type Buffer interface {
	// ReadAt reads len(p) bytes into p starting at offset off.
	// When ReadAt returns n < len(p), it returns a non-nil error explaining
	// why more bytes were not returned.
	//
	// Implementations must not retain p.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes from p at offset off.
	// WriteAt must return a non-nil error if it returns n < len(p).
	//
	// Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the size of the buffer in bytes.
	Size() int64

	// Close releases the memory. After Close is called, no other methods
	// should be called.
	Close() error
}

// BytesBuffer is an optional interface for buffers that can expose their
// memory directly, letting the consumer avoid a copy.
type BytesBuffer interface {
	Buffer

	// Bytes returns the whole region. Callers must not use it after Close.
	Bytes() []byte
}

// FlushBuffer is an optional interface for buffers backed by storage that
// needs an explicit flush before the consumer can observe written bytes.
type FlushBuffer interface {
	Buffer

	// Flush makes previous writes visible to other mappings of the region.
	Flush() error
}
