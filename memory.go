package main

import "sync"

// BytePool recycles the scratch slices used to peel request bodies out of
// the ring buffer on the hot path.
type BytePool struct {
	pool sync.Pool
}

func NewBytePool() *BytePool {
	return &BytePool{
		pool: sync.Pool{
			New: func() any {
				return make([]byte, 1024)
			},
		},
	}
}

func (bp *BytePool) Get(size int) []byte {
	buf := bp.pool.Get().([]byte)
	if cap(buf) < size {
		// If buffer is too small, create a new one
		return make([]byte, size)
	}
	return buf[:size]
}

func (bp *BytePool) Put(buf []byte) {
	if cap(buf) <= 64*1024 { // Don't pool very large buffers
		bp.pool.Put(buf[:cap(buf)])
	}
}
