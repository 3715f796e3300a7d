package bufpool

import "sync"

// Pool recycles fixed-size chunk buffers used by the sending path, so a
// long-running agent does not allocate one buffer per chunk read.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool handing out buffers of exactly bufSize bytes.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufpool: bufSize must be positive")
	}
	return &Pool{
		bufSize: bufSize,
		pool: sync.Pool{
			New: func() any {
				return make([]byte, bufSize)
			},
		},
	}
}

// Get returns a buffer of exactly bufSize bytes. Contents are undefined.
func (p *Pool) Get() []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return buf[:p.bufSize]
}

// Put returns a buffer for reuse. Undersized buffers are discarded.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	p.pool.Put(buf[:cap(buf)])
}

// BufSize reports the size of buffers handed out by Get.
func (p *Pool) BufSize() int {
	return p.bufSize
}
