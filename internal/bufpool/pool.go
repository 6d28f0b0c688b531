// Package bufpool recycles fixed-size byte buffers for datagram reads and
// fragment reads on the publish path.
package bufpool

import "sync"

// Pool hands out buffers of exactly Size bytes.
type Pool struct {
	size int
	pool sync.Pool
}

// New returns a pool of size-byte buffers. It panics if size is not positive.
func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a buffer of length Size. Its contents are unspecified.
func (p *Pool) Get() []byte {
	return (*p.pool.Get().(*[]byte))[:p.size]
}

// Put recycles buf. Buffers smaller than Size are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.size {
		return
	}
	buf = buf[:p.size]
	p.pool.Put(&buf)
}

// Size returns the buffer length handed out by Get.
func (p *Pool) Size() int { return p.size }
