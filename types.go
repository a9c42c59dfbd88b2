package main

// Wire protocol limits. A frame larger than K_MAX_MSG is a protocol error
// and closes the connection.
const K_MAX_MSG = 32 << 20
const K_MAX_ARGS = 200 * 1000

// Response value tags
const (
	TAG_NIL = 0 // nil, no payload
	TAG_ERR = 1 // error: u32 code, u32 len, message bytes
	TAG_STR = 2 // string: u32 len, bytes
	TAG_INT = 3 // i64
	TAG_DBL = 4 // f64
	TAG_ARR = 5 // array: u32 n, then n tagged values
)

// Error codes carried by TAG_ERR
const (
	ERR_UNKNOWN = 1 // unknown command
	ERR_TOO_BIG = 2 // response too big
	ERR_BAD_TYP = 3 // unexpected value type
	ERR_BAD_ARG = 4 // bad arguments
)

// Value types of an Entry
const (
	T_STR  = 1 // string
	T_ZSET = 2 // sorted set
)

// NO_TTL marks an Entry without a heap slot.
const NO_TTL = -1

// Entry is one top-level key/value record. The database map exclusively
// owns every live Entry. Access to str/zset must go through typ.
type Entry struct {
	key  string
	typ  uint32
	str  []byte
	zset *ZSet

	// index into the TTL heap, NO_TTL when no TTL is set
	heapIdx int
}

// HeapItem is one TTL deadline. ent.heapIdx always points back at the
// item's current heap position; sift operations keep it in sync.
type HeapItem struct {
	val uint64 // expire_at, monotonic milliseconds
	ent *Entry
}

// Conn is the per-connection state owned by the event loop.
type Conn struct {
	fd int

	// the application's intent, consumed by the poller
	wantRead  bool
	wantWrite bool
	wantClose bool

	incoming *Buffer // bytes received, not yet parsed
	outgoing *Buffer // responses generated, not yet written

	lastActiveMS uint64
	idleNode     DListNode
}
