package main

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestServer builds a server without touching sockets: unit tests drive
// the dispatcher directly.
func newTestServer(t *testing.T, mutate func(*Config)) *GoKVServer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AOFEnabled = false
	cfg.Workers = 1
	if mutate != nil {
		mutate(cfg)
	}
	// the conc pool's Wait is terminal, so it is left to tests that
	// actually exercise off-loop destruction
	return NewGoKVServer(cfg, zap.NewNop())
}

// dump copies a buffer's content without consuming it.
func dump(b *Buffer) []byte {
	out := make([]byte, b.Size())
	b.Peek(out, 0)
	return out
}

// respValue is a decoded tagged response value.
type respValue struct {
	tag  byte
	code uint32
	str  []byte
	i64  int64
	f64  float64
	arr  []respValue
}

// decodeValue decodes one tagged value at pos, returning it and the
// position past its end.
func decodeValue(t *testing.T, data []byte, pos int) (respValue, int) {
	t.Helper()
	require.Less(t, pos, len(data), "decode past end")
	v := respValue{tag: data[pos]}
	pos++
	switch v.tag {
	case TAG_NIL:
	case TAG_ERR:
		v.code = binary.LittleEndian.Uint32(data[pos:])
		slen := binary.LittleEndian.Uint32(data[pos+4:])
		pos += 8
		v.str = data[pos : pos+int(slen)]
		pos += int(slen)
	case TAG_STR:
		slen := binary.LittleEndian.Uint32(data[pos:])
		pos += 4
		v.str = data[pos : pos+int(slen)]
		pos += int(slen)
	case TAG_INT:
		v.i64 = int64(binary.LittleEndian.Uint64(data[pos:]))
		pos += 8
	case TAG_DBL:
		v.f64 = math.Float64frombits(binary.LittleEndian.Uint64(data[pos:]))
		pos += 8
	case TAG_ARR:
		n := binary.LittleEndian.Uint32(data[pos:])
		pos += 4
		for i := uint32(0); i < n; i++ {
			var elem respValue
			elem, pos = decodeValue(t, data, pos)
			v.arr = append(v.arr, elem)
		}
	default:
		t.Fatalf("unknown tag %d", v.tag)
	}
	return v, pos
}

// exec dispatches one command and decodes the single resulting value.
func exec(t *testing.T, s *GoKVServer, args ...string) respValue {
	t.Helper()
	cmd := make([][]byte, len(args))
	for i, a := range args {
		cmd[i] = []byte(a)
	}
	out := NewBuffer(0)
	s.doRequest(cmd, out)
	data := dump(out)
	v, end := decodeValue(t, data, 0)
	require.Equal(t, len(data), end, "trailing bytes after response value")
	return v
}

// rewindClock shifts the server's monotonic base into the past so timer
// deadlines fire without sleeping.
func rewindClock(s *GoKVServer, d time.Duration) {
	s.start = s.start.Add(-d)
}

// checkHeapInvariant asserts heap[i].ent.heapIdx == i for every position.
func checkHeapInvariant(t *testing.T, s *GoKVServer) {
	t.Helper()
	for i, item := range s.ttlHeap {
		require.Equal(t, i, item.ent.heapIdx, "heap back-index out of sync at %d", i)
	}
}
