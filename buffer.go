package main

import (
	"encoding/binary"
	"math"
)

// Buffer is a bounded, growable FIFO byte buffer with wrap-around. It backs
// the per-connection incoming/outgoing queues and the AOF staging buffer.
// Positions passed to Peek/PeekU32/InsertAt/ContinuousData are logical
// offsets from the read head; the buffer translates them to physical
// indices modulo capacity. All integers are little-endian.
type Buffer struct {
	data []byte
	head int
	tail int
	size int
}

const kBufferMinCap = 1024
const kBufferBigCap = 1024 * 1024

func NewBuffer(capacity int) *Buffer {
	if capacity < kBufferMinCap {
		capacity = kBufferMinCap
	}
	return &Buffer{data: make([]byte, capacity)}
}

func (b *Buffer) Size() int {
	return b.size
}

func (b *Buffer) Empty() bool {
	return b.size == 0
}

// Append copies p to the back, growing if needed. Growth doubles the
// occupied size while below 1 MiB, then grows by 1 MiB steps; a grow
// linearizes the content so the new head is 0.
func (b *Buffer) Append(p []byte) {
	need := b.size + len(p)
	if need > len(b.data) {
		newCap := need * 2
		if need >= kBufferBigCap {
			newCap = need + kBufferBigCap
		}
		b.Resize(newCap)
	}
	if b.tail+len(p) > len(b.data) {
		right := len(b.data) - b.tail
		copy(b.data[b.tail:], p[:right])
		copy(b.data, p[right:])
		b.tail = len(p) - right
	} else {
		copy(b.data[b.tail:], p)
		b.tail += len(p)
	}
	b.size += len(p)
}

func (b *Buffer) AppendU8(v byte) {
	b.Append([]byte{v})
}

func (b *Buffer) AppendU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Append(tmp[:])
}

func (b *Buffer) AppendI64(v int64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	b.Append(tmp[:])
}

func (b *Buffer) AppendDbl(v float64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
	b.Append(tmp[:])
}

// Consume advances the read head by n. No memory is released.
func (b *Buffer) Consume(n int) {
	b.head = (b.head + n) % len(b.data)
	b.size -= n
}

// Resize replaces the backing array, linearizing the content at offset 0.
func (b *Buffer) Resize(newCap int) {
	newData := make([]byte, newCap)
	if b.head < b.tail {
		copy(newData, b.data[b.head:b.tail])
	} else if b.size > 0 {
		right := len(b.data) - b.head
		copy(newData, b.data[b.head:])
		copy(newData[right:], b.data[:b.tail])
	}
	b.head = 0
	b.tail = b.size
	b.data = newData
}

// Peek copies len(dst) bytes starting at logical position pos. Out-of-range
// reads are silent no-ops; callers range-check via Size.
func (b *Buffer) Peek(dst []byte, pos int) {
	if pos >= b.size {
		return
	}
	realPos := (b.head + pos) % len(b.data)
	if realPos+len(dst) <= len(b.data) {
		copy(dst, b.data[realPos:])
	} else {
		right := len(b.data) - realPos
		copy(dst, b.data[realPos:])
		copy(dst[right:], b.data)
	}
}

func (b *Buffer) PeekU32(pos int) uint32 {
	var tmp [4]byte
	b.Peek(tmp[:], pos)
	return binary.LittleEndian.Uint32(tmp[:])
}

// InsertAt overwrites in place at logical position pos, extending the size
// (and growing) if the write crosses the current tail. Used to patch
// reserved headers and array counts. pos past the end is a no-op.
func (b *Buffer) InsertAt(p []byte, pos int) {
	if pos >= b.size {
		return
	}
	if pos+len(p) > b.size {
		b.size = pos + len(p)
		b.tail = (b.head + b.size) % len(b.data)
	}
	if b.size > len(b.data) {
		b.Resize(b.size * 2)
	}
	realPos := (b.head + pos) % len(b.data)
	if realPos+len(p) > len(b.data) {
		right := len(b.data) - realPos
		copy(b.data[realPos:], p[:right])
		copy(b.data, p[right:])
	} else {
		copy(b.data[realPos:], p)
	}
}

// Truncate drops everything past logical position n.
func (b *Buffer) Truncate(n int) {
	if n >= b.size {
		return
	}
	b.size = n
	b.tail = (b.head + n) % len(b.data)
}

// ContinuousData returns the largest contiguous slice starting at logical
// position pos. The slice aliases the buffer; it is invalidated by any
// mutation. A second call after Consume picks up the wrapped remainder.
func (b *Buffer) ContinuousData(pos int) []byte {
	if pos >= b.size {
		return nil
	}
	realPos := (b.head + pos) % len(b.data)
	remain := b.size - pos
	if realPos+remain <= len(b.data) {
		return b.data[realPos : realPos+remain]
	}
	return b.data[realPos:]
}
