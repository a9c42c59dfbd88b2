package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferAppendPeekConsume(t *testing.T) {
	b := NewBuffer(0)
	b.Append([]byte("hello"))
	b.Append([]byte(" world"))
	assert.Equal(t, 11, b.Size())

	got := make([]byte, 11)
	b.Peek(got, 0)
	assert.Equal(t, []byte("hello world"), got)

	b.Consume(6)
	assert.Equal(t, 5, b.Size())
	got = make([]byte, 5)
	b.Peek(got, 0)
	assert.Equal(t, []byte("world"), got)
}

func TestBufferWrapAround(t *testing.T) {
	// small backing array forces the wrap
	b := &Buffer{data: make([]byte, 8)}
	b.Append([]byte("abcdef"))
	b.Consume(4)
	b.Append([]byte("ghij")) // tail wraps past the array end

	assert.Equal(t, 6, b.Size())
	got := make([]byte, 6)
	b.Peek(got, 0)
	assert.Equal(t, []byte("efghij"), got)

	// the contiguous chunk stops at the physical end
	chunk := b.ContinuousData(0)
	assert.Equal(t, []byte("efgh"), chunk)
	b.Consume(len(chunk))
	assert.Equal(t, []byte("ij"), b.ContinuousData(0))
}

func TestBufferGrowth(t *testing.T) {
	b := NewBuffer(0)
	payload := bytes.Repeat([]byte{0xab}, 4000)
	b.Append(payload)
	require.Equal(t, 4000, b.Size())
	// below 1 MiB the occupied size is doubled
	assert.GreaterOrEqual(t, len(b.data), 8000)

	got := make([]byte, 4000)
	b.Peek(got, 0)
	assert.Equal(t, payload, got)
}

func TestBufferGrowthPreservesWrappedContent(t *testing.T) {
	b := &Buffer{data: make([]byte, 8)}
	b.Append([]byte("abcdef"))
	b.Consume(4)
	b.Append([]byte("ghij"))
	b.Append([]byte("0123456789")) // forces a resize while wrapped

	want := []byte("efghij0123456789")
	got := make([]byte, len(want))
	b.Peek(got, 0)
	assert.Equal(t, want, got)
	assert.Equal(t, 0, b.head, "resize linearizes at offset 0")
}

func TestBufferPeekU32RoundTrip(t *testing.T) {
	b := NewBuffer(0)
	b.AppendU32(0xdeadbeef)
	b.AppendU32(42)
	assert.Equal(t, uint32(0xdeadbeef), b.PeekU32(0))
	assert.Equal(t, uint32(42), b.PeekU32(4))
}

func TestBufferInsertAtPatchesInPlace(t *testing.T) {
	b := NewBuffer(0)
	b.AppendU32(0) // placeholder
	b.Append([]byte("payload"))
	b.InsertAt([]byte{7, 0, 0, 0}, 0)

	assert.Equal(t, uint32(7), b.PeekU32(0))
	assert.Equal(t, 11, b.Size())
	got := make([]byte, 7)
	b.Peek(got, 4)
	assert.Equal(t, []byte("payload"), got)
}

func TestBufferInsertAtAfterConsume(t *testing.T) {
	// logical positions are relative to the head, not the array
	b := NewBuffer(0)
	b.Append([]byte("xxxx"))
	b.Consume(4)
	b.AppendU32(0)
	b.Append([]byte("data"))
	b.InsertAt([]byte{4, 0, 0, 0}, 0)
	assert.Equal(t, uint32(4), b.PeekU32(0))
}

func TestBufferInsertAtOutOfRangeIsNoop(t *testing.T) {
	b := NewBuffer(0)
	b.Append([]byte("abc"))
	b.InsertAt([]byte("zzz"), 10)
	got := make([]byte, 3)
	b.Peek(got, 0)
	assert.Equal(t, []byte("abc"), got)
	assert.Equal(t, 3, b.Size())
}

func TestBufferTruncate(t *testing.T) {
	b := NewBuffer(0)
	b.Append([]byte("abcdef"))
	b.Truncate(2)
	assert.Equal(t, 2, b.Size())
	b.Append([]byte("XY"))
	got := make([]byte, 4)
	b.Peek(got, 0)
	assert.Equal(t, []byte("abXY"), got)
}

func TestBufferEmpty(t *testing.T) {
	b := NewBuffer(0)
	assert.True(t, b.Empty())
	b.AppendU8(1)
	assert.False(t, b.Empty())
	b.Consume(1)
	assert.True(t, b.Empty())
}
