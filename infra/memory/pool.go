// Package memory pools the scratch buffers used to encode journal frames.
package memory

import "sync"

// BufferPool hands out reusable byte slices. A buffer that grew past
// maxCap is dropped on Put, so one oversized batch does not stay pinned.
type BufferPool struct {
	p      sync.Pool
	maxCap int
}

func NewBufferPool(initCap, maxCap int) *BufferPool {
	bp := &BufferPool{maxCap: maxCap}
	bp.p.New = func() any {
		b := make([]byte, 0, initCap)
		return &b
	}
	return bp
}

// Get returns an empty buffer.
func (p *BufferPool) Get() *[]byte {
	b := p.p.Get().(*[]byte)
	*b = (*b)[:0]
	return b
}

func (p *BufferPool) Put(b *[]byte) {
	if b == nil || (p.maxCap > 0 && cap(*b) > p.maxCap) {
		return
	}
	p.p.Put(b)
}
