package main

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newAOFServer builds a server persisting to dir/redis.aof and replays
// whatever is already there.
func newAOFServer(t *testing.T, dir string) *GoKVServer {
	t.Helper()
	s := newTestServer(t, func(cfg *Config) {
		cfg.AOFEnabled = true
		cfg.AOFPath = filepath.Join(dir, "redis.aof")
	})
	require.NoError(t, s.aofInit())
	return s
}

// countFrames walks the AOF and returns the command names in file order.
func countFrames(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var names []string
	pos := 0
	for pos < len(data) {
		require.LessOrEqual(t, pos+4, len(data), "truncated frame header")
		total := int(binary.LittleEndian.Uint32(data[pos:]))
		require.LessOrEqual(t, pos+4+total, len(data), "truncated frame body")
		cmd, err := parseReq(data[pos+4 : pos+4+total])
		require.NoError(t, err)
		names = append(names, string(cmd[0]))
		pos += 4 + total
	}
	return names
}

func TestAOFReplayRestoresState(t *testing.T) {
	dir := t.TempDir()

	s := newAOFServer(t, dir)
	exec(t, s, "set", "k", "v")
	exec(t, s, "set", "k2", "v2")
	exec(t, s, "del", "k2")
	exec(t, s, "zadd", "z", "1", "a")
	exec(t, s, "zadd", "z", "2", "b")
	exec(t, s, "zrem", "z", "b")
	s.aofClose()

	restored := newAOFServer(t, dir)
	defer restored.aofClose()

	assert.Equal(t, []byte("v"), exec(t, restored, "get", "k").str)
	assert.Equal(t, byte(TAG_NIL), exec(t, restored, "get", "k2").tag)
	assert.Equal(t, 1.0, exec(t, restored, "zscore", "z", "a").f64)
	assert.Equal(t, byte(TAG_NIL), exec(t, restored, "zscore", "z", "b").tag)
}

func TestAOFOnlyMutationsLogged(t *testing.T) {
	dir := t.TempDir()

	s := newAOFServer(t, dir)
	exec(t, s, "set", "k", "v")
	exec(t, s, "get", "k")
	exec(t, s, "pttl", "k")
	exec(t, s, "keys")
	exec(t, s, "zadd", "z", "1", "a")
	exec(t, s, "zscore", "z", "a")
	exec(t, s, "zquery", "z", "0", "", "0", "10")
	s.aofClose()

	assert.Equal(t, []string{"set", "zadd"}, countFrames(t, s.aofFilename))
}

func TestAOFReplayDoesNotReAppend(t *testing.T) {
	dir := t.TempDir()

	s := newAOFServer(t, dir)
	exec(t, s, "set", "k", "v")
	s.aofClose()

	restored := newAOFServer(t, dir)
	restored.aofClose()

	assert.Equal(t, []string{"set"}, countFrames(t, restored.aofFilename))
}

func TestAOFTruncatedTailTolerated(t *testing.T) {
	dir := t.TempDir()

	s := newAOFServer(t, dir)
	exec(t, s, "set", "k1", "v1")
	exec(t, s, "set", "k2", "v2")
	s.aofClose()

	// chop into the last frame
	f, err := os.OpenFile(s.aofFilename, os.O_RDWR, 0644)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	require.NoError(t, f.Truncate(info.Size()-3))
	f.Close()

	restored := newAOFServer(t, dir)
	defer restored.aofClose()

	assert.Equal(t, []byte("v1"), exec(t, restored, "get", "k1").str)
	assert.Equal(t, byte(TAG_NIL), exec(t, restored, "get", "k2").tag,
		"the frame straddling the tail is dropped")
}

func TestAOFPexpireReplayed(t *testing.T) {
	dir := t.TempDir()

	s := newAOFServer(t, dir)
	exec(t, s, "set", "a", "x")
	exec(t, s, "pexpire", "a", "60000")
	s.aofClose()

	restored := newAOFServer(t, dir)
	defer restored.aofClose()

	ttl := exec(t, restored, "pttl", "a").i64
	assert.Greater(t, ttl, int64(0))
	assert.LessOrEqual(t, ttl, int64(60000))
}

func TestRewriteProducesMinimalStream(t *testing.T) {
	dir := t.TempDir()

	s := newAOFServer(t, dir)
	// churn that a compacted log should not contain
	exec(t, s, "set", "k", "old")
	exec(t, s, "set", "k", "v")
	exec(t, s, "set", "gone", "x")
	exec(t, s, "del", "gone")
	exec(t, s, "zadd", "z", "1", "a")
	exec(t, s, "zadd", "z", "9", "b")
	exec(t, s, "zadd", "z", "2", "b")
	exec(t, s, "pexpire", "k", "600000")

	v := exec(t, s, "bgrewriteaof")
	require.Equal(t, byte(TAG_INT), v.tag)
	require.Equal(t, int64(1), v.i64)
	s.aofClose()

	names := countFrames(t, s.aofFilename)
	counts := make(map[string]int)
	for _, n := range names {
		counts[n]++
	}
	assert.Equal(t, 1, counts["set"], "one set per live string")
	assert.Equal(t, 2, counts["zadd"], "one zadd per member")
	assert.Equal(t, 1, counts["pexpire"], "remaining TTL preserved")
	assert.Equal(t, 0, counts["del"])
	assert.Len(t, names, 4)
}

func TestRewriteRestartEquivalence(t *testing.T) {
	dir := t.TempDir()

	s := newAOFServer(t, dir)
	exec(t, s, "set", "k", "v")
	exec(t, s, "zadd", "z", "1", "a")
	exec(t, s, "zadd", "z", "2", "b")
	require.Equal(t, int64(1), exec(t, s, "bgrewriteaof").i64)
	// a mutation after the swap must land in the new file
	exec(t, s, "set", "post", "1")
	s.aofClose()

	restored := newAOFServer(t, dir)
	defer restored.aofClose()

	assert.Equal(t, []byte("v"), exec(t, restored, "get", "k").str)
	assert.Equal(t, 1.0, exec(t, restored, "zscore", "z", "a").f64)
	assert.Equal(t, 2.0, exec(t, restored, "zscore", "z", "b").f64)
	assert.Equal(t, []byte("1"), exec(t, restored, "get", "post").str)

	_, err := os.Stat(s.aofFilename + ".temp")
	assert.True(t, os.IsNotExist(err), "temp file is gone after the swap")
}

func TestRewriteWhenDisabled(t *testing.T) {
	s := newTestServer(t, nil) // AOF disabled
	v := exec(t, s, "bgrewriteaof")
	assert.Equal(t, byte(TAG_ERR), v.tag)
	assert.Equal(t, uint32(ERR_BAD_ARG), v.code)
}

func TestAOFSyncThrottled(t *testing.T) {
	dir := t.TempDir()

	s := newAOFServer(t, dir)
	defer s.aofClose()
	before := s.aofLastSyncMS

	exec(t, s, "set", "a", "1")
	assert.Equal(t, before, s.aofLastSyncMS, "no fsync within a second of the last")

	rewindClock(s, 2*time.Second)
	exec(t, s, "set", "b", "2")
	assert.NotEqual(t, before, s.aofLastSyncMS, "fsync after the interval elapsed")
}
