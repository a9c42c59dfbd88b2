package main

import (
	"math"
	"strconv"
)

// Entries whose zset holds more members than this are freed on the worker
// pool instead of inline.
const kLargeContainerSize = 1000

func str2int(s []byte) (int64, bool) {
	v, err := strconv.ParseInt(string(s), 10, 64)
	return v, err == nil
}

func str2dbl(s []byte) (float64, bool) {
	v, err := strconv.ParseFloat(string(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// entrySetTTL sets, updates, or (ttlMS < 0) removes the TTL of an entry.
func (s *GoKVServer) entrySetTTL(ent *Entry, ttlMS int64) {
	if ttlMS < 0 && ent.heapIdx != NO_TTL {
		heapDelete(&s.ttlHeap, ent.heapIdx)
		ent.heapIdx = NO_TTL
	} else if ttlMS >= 0 {
		expireAt := s.monoMS() + uint64(ttlMS)
		heapUpsert(&s.ttlHeap, ent.heapIdx, HeapItem{val: expireAt, ent: ent})
	}
}

func entryDelSync(ent *Entry) {
	if ent.typ == T_ZSET {
		ent.zset.Clear()
	}
}

// entryDel destroys an entry that has already been removed from the
// database. The TTL heap slot is detached first; a large zset is cleared on
// the worker pool, small ones inline to avoid the context switch.
func (s *GoKVServer) entryDel(ent *Entry) {
	s.entrySetTTL(ent, -1)
	setSize := 0
	if ent.typ == T_ZSET {
		setSize = ent.zset.Len()
	}
	if setSize > kLargeContainerSize {
		s.pool.Go(func() { entryDelSync(ent) })
	} else {
		entryDelSync(ent)
	}
}

func (s *GoKVServer) doGet(cmd [][]byte, out *Buffer) {
	ent, ok := s.db[string(cmd[1])]
	if !ok {
		outNil(out)
		return
	}
	if ent.typ != T_STR {
		outErr(out, ERR_BAD_TYP, "not a string value")
		return
	}
	outStr(out, ent.str)
}

func (s *GoKVServer) doSet(cmd [][]byte, out *Buffer) {
	key := string(cmd[1])
	if ent, ok := s.db[key]; ok {
		if ent.typ != T_STR {
			outErr(out, ERR_BAD_TYP, "a non-string value exists")
			return
		}
		ent.str = cmd[2]
	} else {
		s.db[key] = &Entry{key: key, typ: T_STR, str: cmd[2], heapIdx: NO_TTL}
	}
	outNil(out)
}

func (s *GoKVServer) doDel(cmd [][]byte, out *Buffer) {
	key := string(cmd[1])
	ent, ok := s.db[key]
	if ok {
		delete(s.db, key)
		s.entryDel(ent)
	}
	outInt(out, b2i(ok))
}

// doExpire implements PEXPIRE key ttl_ms. A negative ttl clears the TTL.
func (s *GoKVServer) doExpire(cmd [][]byte, out *Buffer) {
	ttlMS, ok := str2int(cmd[2])
	if !ok {
		outErr(out, ERR_BAD_ARG, "expect int64")
		return
	}
	ent, found := s.db[string(cmd[1])]
	if found {
		s.entrySetTTL(ent, ttlMS)
	}
	outInt(out, b2i(found))
}

// doTTL implements PTTL key: -2 missing key, -1 no TTL, else remaining ms.
func (s *GoKVServer) doTTL(cmd [][]byte, out *Buffer) {
	ent, ok := s.db[string(cmd[1])]
	if !ok {
		outInt(out, -2)
		return
	}
	if ent.heapIdx == NO_TTL {
		outInt(out, -1)
		return
	}
	expireAt := s.ttlHeap[ent.heapIdx].val
	nowMS := s.monoMS()
	remaining := int64(0)
	if expireAt > nowMS {
		remaining = int64(expireAt - nowMS)
	}
	outInt(out, remaining)
}

func (s *GoKVServer) doKeys(cmd [][]byte, out *Buffer) {
	outArr(out, uint32(len(s.db)))
	for key := range s.db {
		outStr(out, []byte(key))
	}
}

func (s *GoKVServer) doZAdd(cmd [][]byte, out *Buffer) {
	score, ok := str2dbl(cmd[2])
	if !ok {
		outErr(out, ERR_BAD_ARG, "expect float")
		return
	}

	key := string(cmd[1])
	ent, found := s.db[key]
	if !found {
		ent = &Entry{key: key, typ: T_ZSET, zset: NewZSet(), heapIdx: NO_TTL}
		s.db[key] = ent
	} else if ent.typ != T_ZSET {
		outErr(out, ERR_BAD_TYP, "expect zset")
		return
	}

	added := ent.zset.Insert(string(cmd[3]), score)
	outInt(out, b2i(added))
}

// kEmptyZSet stands in for a missing key so read paths need no nil checks.
// It must never be mutated; Delete on it is a no-op by construction.
var kEmptyZSet = NewZSet()

// expectZSet resolves a key to its zset. A missing key is an empty zset;
// a key of the wrong type is nil.
func (s *GoKVServer) expectZSet(key string) *ZSet {
	ent, ok := s.db[key]
	if !ok {
		return kEmptyZSet
	}
	if ent.typ != T_ZSET {
		return nil
	}
	return ent.zset
}

func (s *GoKVServer) doZRem(cmd [][]byte, out *Buffer) {
	zset := s.expectZSet(string(cmd[1]))
	if zset == nil {
		outErr(out, ERR_BAD_TYP, "expect zset")
		return
	}
	outInt(out, b2i(zset.Delete(string(cmd[2]))))
}

func (s *GoKVServer) doZScore(cmd [][]byte, out *Buffer) {
	zset := s.expectZSet(string(cmd[1]))
	if zset == nil {
		outErr(out, ERR_BAD_TYP, "expect zset")
		return
	}
	if node := zset.Lookup(string(cmd[2])); node != nil {
		outDbl(out, node.score)
	} else {
		outNil(out)
	}
}

// doZQuery implements `zquery zset score name offset limit`: seek to the
// least (score, name) >= the given pair, move the cursor by offset, then
// emit alternating name/score values walking forward.
func (s *GoKVServer) doZQuery(cmd [][]byte, out *Buffer) {
	score, ok := str2dbl(cmd[2])
	if !ok {
		outErr(out, ERR_BAD_ARG, "expect fp number")
		return
	}
	name := string(cmd[3])
	offset, ok1 := str2int(cmd[4])
	limit, ok2 := str2int(cmd[5])
	if !ok1 || !ok2 {
		outErr(out, ERR_BAD_ARG, "expect int")
		return
	}

	zset := s.expectZSet(string(cmd[1]))
	if zset == nil {
		outErr(out, ERR_BAD_TYP, "expect zset")
		return
	}

	if limit <= 0 {
		outArr(out, 0)
		return
	}
	node := zset.SeekGE(score, name)
	node = znodeOffset(node, offset)

	ctx := outBeginArr(out)
	n := int64(0)
	for node != nil && n < limit {
		outStr(out, []byte(node.name))
		outDbl(out, node.score)
		node = znodeOffset(node, +1)
		n += 2
	}
	outEndArr(out, ctx, uint32(n))
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// withAOF stages the raw command before executing it and drains the
// staging buffer after, so the log order matches execution order.
func (s *GoKVServer) withAOF(cmd [][]byte, exec func()) {
	if s.aofEnabled {
		s.aofStage(cmd)
	}
	exec()
	if s.aofEnabled {
		s.aofFlushAndSync()
	}
}

// doRequest dispatches one parsed command and appends the tagged result to
// out. Commands are matched on exact name and argument count; mutating
// commands pass through the AOF wrapper.
func (s *GoKVServer) doRequest(cmd [][]byte, out *Buffer) {
	var name string
	if len(cmd) > 0 {
		name = string(cmd[0])
	}
	if s.metrics != nil {
		s.metrics.CommandsTotal.WithLabelValues(commandLabel(name)).Inc()
	}

	switch {
	case len(cmd) == 2 && name == "get":
		s.doGet(cmd, out)
	case len(cmd) == 3 && name == "set":
		s.withAOF(cmd, func() { s.doSet(cmd, out) })
	case len(cmd) == 2 && name == "del":
		s.withAOF(cmd, func() { s.doDel(cmd, out) })
	case len(cmd) == 3 && name == "pexpire":
		s.withAOF(cmd, func() { s.doExpire(cmd, out) })
	case len(cmd) == 2 && name == "pttl":
		s.doTTL(cmd, out)
	case len(cmd) == 1 && name == "keys":
		s.doKeys(cmd, out)
	case len(cmd) == 4 && name == "zadd":
		s.withAOF(cmd, func() { s.doZAdd(cmd, out) })
	case len(cmd) == 3 && name == "zrem":
		s.withAOF(cmd, func() { s.doZRem(cmd, out) })
	case len(cmd) == 3 && name == "zscore":
		s.doZScore(cmd, out)
	case len(cmd) == 6 && name == "zquery":
		s.doZQuery(cmd, out)
	case len(cmd) == 1 && name == "bgrewriteaof":
		s.doAofRewrite(cmd, out)
	default:
		outErr(out, ERR_UNKNOWN, "unknown command.")
	}

	if s.metrics != nil {
		s.metrics.KeysTotal.Set(float64(len(s.db)))
	}
}

var knownCommands = map[string]struct{}{
	"get": {}, "set": {}, "del": {}, "pexpire": {}, "pttl": {}, "keys": {},
	"zadd": {}, "zrem": {}, "zscore": {}, "zquery": {}, "bgrewriteaof": {},
}

// commandLabel bounds metric label cardinality against arbitrary input.
func commandLabel(name string) string {
	if _, ok := knownCommands[name]; ok {
		return name
	}
	return "unknown"
}
