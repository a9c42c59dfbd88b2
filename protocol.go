package main

import (
	"encoding/binary"
	"errors"
)

// Request frame layout, after the u32 total-length prefix:
//
//	+------+-----+------+-----+------+-----+-----+------+
//	| nstr | len | str1 | len | str2 | ... | len | strn |
//	+------+-----+------+-----+------+-----+-----+------+
//
// All integers are little-endian u32.

var errBadRequest = errors.New("malformed request frame")

func readU32(data []byte, pos int) (uint32, int, bool) {
	if pos+4 > len(data) {
		return 0, pos, false
	}
	return binary.LittleEndian.Uint32(data[pos:]), pos + 4, true
}

// parseReq decodes one request body into its argument strings. The caller
// has already peeled the total-length prefix and checked it against
// K_MAX_MSG. Trailing garbage is a protocol error.
func parseReq(data []byte) ([][]byte, error) {
	nstr, pos, ok := readU32(data, 0)
	if !ok {
		return nil, errBadRequest
	}
	if nstr > K_MAX_ARGS {
		return nil, errBadRequest
	}
	cmd := make([][]byte, 0, nstr)
	for uint32(len(cmd)) < nstr {
		var slen uint32
		slen, pos, ok = readU32(data, pos)
		if !ok {
			return nil, errBadRequest
		}
		if pos+int(slen) > len(data) {
			return nil, errBadRequest
		}
		s := make([]byte, slen)
		copy(s, data[pos:pos+int(slen)])
		cmd = append(cmd, s)
		pos += int(slen)
	}
	if pos != len(data) {
		return nil, errBadRequest
	}
	return cmd, nil
}

// Tagged response serialization, appended to the connection's outgoing
// buffer. The frame header is reserved by responseBegin and patched by
// responseEnd once the payload size is known.

func outNil(out *Buffer) {
	out.AppendU8(TAG_NIL)
}

func outStr(out *Buffer, s []byte) {
	out.AppendU8(TAG_STR)
	out.AppendU32(uint32(len(s)))
	out.Append(s)
}

func outInt(out *Buffer, val int64) {
	out.AppendU8(TAG_INT)
	out.AppendI64(val)
}

func outDbl(out *Buffer, val float64) {
	out.AppendU8(TAG_DBL)
	out.AppendDbl(val)
}

func outErr(out *Buffer, code uint32, msg string) {
	out.AppendU8(TAG_ERR)
	out.AppendU32(code)
	out.AppendU32(uint32(len(msg)))
	out.Append([]byte(msg))
}

func outArr(out *Buffer, n uint32) {
	out.AppendU8(TAG_ARR)
	out.AppendU32(n)
}

// outBeginArr emits an array header with a placeholder count and returns
// the logical position to patch via outEndArr.
func outBeginArr(out *Buffer) int {
	out.AppendU8(TAG_ARR)
	out.AppendU32(0)
	return out.Size() - 4
}

func outEndArr(out *Buffer, ctx int, n uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], n)
	out.InsertAt(tmp[:], ctx)
}

// responseBegin reserves the 4-byte frame header and returns its position.
func responseBegin(out *Buffer) int {
	header := out.Size()
	out.AppendU32(0)
	return header
}

func responseSize(out *Buffer, header int) int {
	return out.Size() - header - 4
}

// responseEnd patches the reserved header. An oversize payload is discarded
// and replaced with a single ERR(TOO_BIG).
func responseEnd(out *Buffer, header int) {
	msgSize := responseSize(out, header)
	if msgSize > K_MAX_MSG {
		out.Truncate(header + 4)
		outErr(out, ERR_TOO_BIG, "response is too big.")
		msgSize = responseSize(out, header)
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(msgSize))
	out.InsertAt(tmp[:], header)
}
