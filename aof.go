package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// The AOF is a byte-level concatenation of wire-format request frames:
// whatever mutating commands arrived on the wire are appended verbatim,
// and replay feeds them back through the dispatcher. Staging happens
// before the command executes and the buffer is drained right after, so
// log order equals execution order.

// aofInit opens the log for append-create and replays its content.
func (s *GoKVServer) aofInit() error {
	fd, err := unix.Open(s.aofFilename, unix.O_WRONLY|unix.O_CREAT|unix.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.aofFilename, err)
	}
	unix.SetNonblock(fd, true)
	s.aofFd = fd
	s.aofLastSyncMS = s.monoMS()
	s.logger.Info("AOF enabled", zap.String("path", s.aofFilename))
	s.loadAOFFile()
	return nil
}

// loadAOFFile replays the log with appending disabled so replayed
// commands are not re-appended. A truncated or malformed tail stops the
// replay; the server continues with whatever was loaded.
func (s *GoKVServer) loadAOFFile() {
	f, err := os.Open(s.aofFilename)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("AOF open for replay failed", zap.Error(err))
		}
		return
	}
	defer f.Close()

	wasEnabled := s.aofEnabled
	s.aofEnabled = false
	defer func() { s.aofEnabled = wasEnabled }()

	r := bufio.NewReader(f)
	scratch := NewBuffer(0)
	count := 0
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err != io.EOF {
				s.logger.Warn("AOF tail truncated, stopping replay", zap.Error(err))
			}
			break
		}
		length := binary.LittleEndian.Uint32(hdr[:])
		if length > K_MAX_MSG {
			s.logger.Warn("AOF corrupted: oversize frame, stopping replay")
			break
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			s.logger.Warn("AOF tail truncated, stopping replay", zap.Error(err))
			break
		}
		cmd, err := parseReq(body)
		if err != nil {
			s.logger.Warn("AOF corrupted: bad frame, stopping replay")
			break
		}
		s.doRequest(cmd, scratch)
		scratch.Consume(scratch.Size()) // replay discards responses
		count++
	}
	s.logger.Info("AOF replay finished", zap.Int("commands", count))
}

// stageFrame appends one command as a wire-format request frame.
func stageFrame(buf *Buffer, cmd [][]byte) {
	total := 4
	for _, arg := range cmd {
		total += 4 + len(arg)
	}
	buf.AppendU32(uint32(total))
	buf.AppendU32(uint32(len(cmd)))
	for _, arg := range cmd {
		buf.AppendU32(uint32(len(arg)))
		buf.Append(arg)
	}
}

// aofStage queues a mutating command for the next flush.
func (s *GoKVServer) aofStage(cmd [][]byte) {
	stageFrame(s.aofBuf, cmd)
	if s.metrics != nil {
		s.metrics.AOFAppendsTotal.Inc()
	}
}

// aofFlushAndSync drains the staging buffer with one write and fsyncs at
// most once per second. A short write leaves the remainder for the next
// call.
func (s *GoKVServer) aofFlushAndSync() {
	if !s.aofEnabled || s.aofBuf.Empty() || s.aofFd < 0 {
		return
	}

	data := s.aofBuf.ContinuousData(0)
	n, err := unix.Write(s.aofFd, data)
	if err != nil {
		if err != unix.EAGAIN {
			s.logger.Error("AOF write error", zap.Error(err))
		}
		return
	}
	s.aofBuf.Consume(n)

	now := s.monoMS()
	if now-s.aofLastSyncMS > 1000 {
		if err := unix.Fsync(s.aofFd); err != nil {
			s.logger.Error("AOF fsync error", zap.Error(err))
		} else if s.metrics != nil {
			s.metrics.AOFSyncsTotal.Inc()
		}
		s.aofLastSyncMS = now
	}
}

// aofClose flushes what it can and closes the fd. Persistence is only
// guaranteed up to the last fsync.
func (s *GoKVServer) aofClose() {
	if s.aofFd < 0 {
		return
	}
	s.aofFlushAndSync()
	unix.Close(s.aofFd)
	s.aofFd = -1
	s.logger.Info("AOF file closed")
}
