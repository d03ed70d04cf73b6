// Package bufpool provides pooled byte slices for copying write payloads out
// of the queue buffer before the consumer acknowledges them.
//
// Buckets follow the asynchronous payload limits per link speed: 512 bytes at
// S100 up to 4KB at S3200. Larger requests are allocated directly and never
// pooled.
//
// Uses *[]byte pattern to avoid sync.Pool interface allocation overhead.
package bufpool

import (
	"sync"

	"github.com/ehrlich-b/go-fwspace/internal/constants"
)

// Buffer size thresholds
const (
	size512 = 512
	size1k  = 1024
	size2k  = 2048
	size4k  = constants.MaxAsyncPayload
)

var globalPool = struct {
	pool512 sync.Pool
	pool1k  sync.Pool
	pool2k  sync.Pool
	pool4k  sync.Pool
}{
	pool512: sync.Pool{New: func() any { b := make([]byte, size512); return &b }},
	pool1k:  sync.Pool{New: func() any { b := make([]byte, size1k); return &b }},
	pool2k:  sync.Pool{New: func() any { b := make([]byte, size2k); return &b }},
	pool4k:  sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
}

// Get returns a buffer of length size. Caller should call Put when done.
func Get(size uint32) []byte {
	switch {
	case size <= size512:
		return (*globalPool.pool512.Get().(*[]byte))[:size]
	case size <= size1k:
		return (*globalPool.pool1k.Get().(*[]byte))[:size]
	case size <= size2k:
		return (*globalPool.pool2k.Get().(*[]byte))[:size]
	case size <= size4k:
		return (*globalPool.pool4k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// Put returns a buffer to the pool.
// The buffer's capacity determines which pool it goes to.
func Put(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size512:
		globalPool.pool512.Put(&buf)
	case size1k:
		globalPool.pool1k.Put(&buf)
	case size2k:
		globalPool.pool2k.Put(&buf)
	case size4k:
		globalPool.pool4k.Put(&buf)
		// Buffers with non-standard capacity are not returned to pool
	}
}
