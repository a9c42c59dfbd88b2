package main

import (
	"fmt"
	"math"
	"net"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// At most this many TTL evictions are processed per tick so a mass expiry
// cannot stall the loop; the remainder rolls over to the next tick.
const kMaxTTLWorks = 2000

// Read chunk per readiness event.
const kReadChunk = 64 * 1024

// GoKVServer owns all client state, the database, the timers, and the AOF
// staging buffer. Everything below is touched only by the event-loop
// goroutine; the worker pool merely frees detached values.
type GoKVServer struct {
	config  *Config
	logger  *zap.Logger
	metrics *Metrics

	listenFd int
	port     int

	db       map[string]*Entry
	fd2conn  map[int]*Conn
	idleList DList
	ttlHeap  []HeapItem

	pool     *pool.Pool
	bytePool *BytePool
	readBuf  []byte

	idleTimeoutMS uint64

	// AOF state
	aofEnabled    bool
	aofFd         int
	aofFilename   string
	aofBuf        *Buffer
	aofLastSyncMS uint64
	aofRewriting  bool

	start    time.Time
	wakeR    int
	wakeW    int
	stopping atomic.Bool
}

// NewGoKVServer creates a server; Listen must be called before Serve.
func NewGoKVServer(config *Config, logger *zap.Logger) *GoKVServer {
	s := &GoKVServer{
		config:        config,
		logger:        logger,
		listenFd:      -1,
		db:            make(map[string]*Entry),
		fd2conn:       make(map[int]*Conn),
		pool:          pool.New().WithMaxGoroutines(config.Workers),
		bytePool:      NewBytePool(),
		readBuf:       make([]byte, kReadChunk),
		idleTimeoutMS: uint64(config.IdleTimeout / time.Millisecond),
		aofEnabled:    config.AOFEnabled,
		aofFd:         -1,
		aofFilename:   config.AOFPath,
		aofBuf:        NewBuffer(0),
		start:         time.Now(),
		wakeR:         -1,
		wakeW:         -1,
	}
	s.idleList.Init()
	if config.MetricsEnabled {
		s.metrics = NewMetrics()
	}
	return s
}

// monoMS is the monotonic clock in milliseconds, anchored at server start.
func (s *GoKVServer) monoMS() uint64 {
	return uint64(time.Since(s.start) / time.Millisecond)
}

// Port returns the actual bound port (differs from config when port 0 was
// requested).
func (s *GoKVServer) Port() int {
	return s.port
}

// Listen sets up the listening socket, the shutdown self-pipe, and the AOF.
func (s *GoKVServer) Listen() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("setsockopt: %w", err)
	}

	ip := net.ParseIP(s.config.Host).To4()
	if ip == nil {
		unix.Close(fd)
		return fmt.Errorf("host %q is not an IPv4 address", s.config.Host)
	}
	sa := &unix.SockaddrInet4{Port: s.config.Port}
	copy(sa.Addr[:], ip)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("set nonblock: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen: %w", err)
	}
	lsa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("getsockname: %w", err)
	}
	s.port = lsa.(*unix.SockaddrInet4).Port
	s.listenFd = fd

	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		unix.Close(fd)
		return fmt.Errorf("pipe: %w", err)
	}
	unix.SetNonblock(p[0], true)
	unix.SetNonblock(p[1], true)
	s.wakeR, s.wakeW = p[0], p[1]

	if s.aofEnabled {
		if err := s.aofInit(); err != nil {
			s.logger.Warn("AOF disabled", zap.Error(err))
			s.aofEnabled = false
		}
	}
	return nil
}

// Serve runs the event loop until Stop is called. Per tick: poll with the
// nearest timer deadline as timeout, accept, service ready connections,
// then process expired timers.
func (s *GoKVServer) Serve() error {
	pollArgs := make([]unix.PollFd, 0, 64)
	for {
		pollArgs = pollArgs[:0]
		// the listening socket and the shutdown pipe go first
		pollArgs = append(pollArgs, unix.PollFd{Fd: int32(s.listenFd), Events: unix.POLLIN})
		pollArgs = append(pollArgs, unix.PollFd{Fd: int32(s.wakeR), Events: unix.POLLIN})
		for _, conn := range s.fd2conn {
			pfd := unix.PollFd{Fd: int32(conn.fd), Events: unix.POLLERR}
			if conn.wantRead {
				pfd.Events |= unix.POLLIN
			}
			if conn.wantWrite {
				pfd.Events |= unix.POLLOUT
			}
			pollArgs = append(pollArgs, pfd)
		}

		_, err := unix.Poll(pollArgs, s.nextTimerMS())
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}

		if pollArgs[0].Revents != 0 {
			s.handleAccept()
		}
		if pollArgs[1].Revents != 0 {
			s.drainWake()
		}
		if s.stopping.Load() {
			break
		}

		for _, pfd := range pollArgs[2:] {
			ready := pfd.Revents
			if ready == 0 {
				continue
			}
			conn := s.fd2conn[int(pfd.Fd)]
			if conn == nil {
				continue
			}

			// refresh the idle timer by moving conn to the list tail
			conn.lastActiveMS = s.monoMS()
			dlistDetach(&conn.idleNode)
			s.idleList.PushBack(&conn.idleNode)

			if ready&unix.POLLIN != 0 {
				s.handleRead(conn)
			}
			if ready&unix.POLLOUT != 0 {
				s.handleWrite(conn)
			}

			if ready&unix.POLLERR != 0 || conn.wantClose {
				s.connDestroy(conn)
			}
		}

		s.processTimers()
	}
	s.shutdown()
	return nil
}

// Stop wakes the loop and makes it shut down. Safe to call from any
// goroutine, more than once.
func (s *GoKVServer) Stop() {
	if s.stopping.Swap(true) {
		return
	}
	unix.Write(s.wakeW, []byte{1})
}

func (s *GoKVServer) drainWake() {
	var buf [16]byte
	for {
		n, err := unix.Read(s.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (s *GoKVServer) handleAccept() {
	connFd, sa, err := unix.Accept(s.listenFd)
	if err != nil {
		if err != unix.EAGAIN {
			s.logger.Warn("accept error", zap.Error(err))
		}
		return
	}
	if err := unix.SetNonblock(connFd, true); err != nil {
		unix.Close(connFd)
		s.logger.Warn("set nonblock error", zap.Error(err))
		return
	}

	conn := &Conn{
		fd:           connFd,
		wantRead:     true,
		incoming:     NewBuffer(0),
		outgoing:     NewBuffer(0),
		lastActiveMS: s.monoMS(),
	}
	conn.idleNode.conn = conn
	s.idleList.PushBack(&conn.idleNode)
	s.fd2conn[connFd] = conn

	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		s.logger.Debug("new client",
			zap.String("addr", net.IP(sa4.Addr[:]).String()),
			zap.Int("port", sa4.Port),
			zap.Int("fd", connFd))
	}
	if s.metrics != nil {
		s.metrics.ConnectionsTotal.Inc()
		s.metrics.ConnectionsOpen.Inc()
	}
}

func (s *GoKVServer) connDestroy(conn *Conn) {
	unix.Close(conn.fd)
	delete(s.fd2conn, conn.fd)
	dlistDetach(&conn.idleNode)
	if s.metrics != nil {
		s.metrics.ConnectionsOpen.Dec()
	}
}

// tryOneRequest peels one complete frame off incoming, dispatches it, and
// appends the framed response to outgoing. Returns false when more bytes
// are needed or the connection is marked for close.
func (s *GoKVServer) tryOneRequest(conn *Conn) bool {
	if conn.incoming.Size() < 4 {
		return false // want read
	}
	length := conn.incoming.PeekU32(0)
	if length > K_MAX_MSG {
		s.logger.Warn("frame too long", zap.Int("fd", conn.fd), zap.Uint32("len", length))
		conn.wantClose = true
		return false
	}
	if 4+int(length) > conn.incoming.Size() {
		return false // want read
	}

	body := s.bytePool.Get(int(length))
	conn.incoming.Peek(body, 4)
	cmd, err := parseReq(body)
	s.bytePool.Put(body)
	if err != nil {
		s.logger.Warn("bad request", zap.Int("fd", conn.fd))
		conn.wantClose = true
		return false
	}

	header := responseBegin(conn.outgoing)
	s.doRequest(cmd, conn.outgoing)
	responseEnd(conn.outgoing, header)

	conn.incoming.Consume(4 + int(length))
	return true
}

// handleRead services a readable connection: read once, process every
// complete pipelined request, then flip to write intent if responses are
// pending and try the write immediately.
func (s *GoKVServer) handleRead(conn *Conn) {
	n, err := unix.Read(conn.fd, s.readBuf)
	if err != nil {
		if err == unix.EAGAIN {
			return // actually not ready
		}
		s.logger.Warn("read error", zap.Int("fd", conn.fd), zap.Error(err))
		conn.wantClose = true
		return
	}
	if n == 0 {
		if conn.incoming.Size() == 0 {
			s.logger.Debug("client closed", zap.Int("fd", conn.fd))
		} else {
			s.logger.Warn("unexpected EOF", zap.Int("fd", conn.fd))
		}
		conn.wantClose = true
		return
	}
	conn.incoming.Append(s.readBuf[:n])
	if s.metrics != nil {
		s.metrics.BytesReadTotal.Add(float64(n))
	}

	for s.tryOneRequest(conn) {
	}

	if conn.outgoing.Size() > 0 {
		conn.wantRead = false
		conn.wantWrite = true
		// a peer that just spoke is usually writable, try without waiting
		// for the next tick
		s.handleWrite(conn)
	}
}

// handleWrite writes the largest contiguous slice of outgoing; when the
// buffer drains, intent flips back to reading.
func (s *GoKVServer) handleWrite(conn *Conn) {
	data := conn.outgoing.ContinuousData(0)
	n, err := unix.Write(conn.fd, data)
	if err != nil {
		if err == unix.EAGAIN {
			return // actually not ready
		}
		s.logger.Warn("write error", zap.Int("fd", conn.fd), zap.Error(err))
		conn.wantClose = true
		return
	}
	conn.outgoing.Consume(n)
	if s.metrics != nil {
		s.metrics.BytesWrittenTotal.Add(float64(n))
	}

	if conn.outgoing.Size() == 0 { // all data written
		conn.wantRead = true
		conn.wantWrite = false
	} // else: want write
}

// nextTimerMS computes the poll timeout from the nearest deadline across
// the idle list and the TTL heap. -1 means no timers, block indefinitely.
func (s *GoKVServer) nextTimerMS() int {
	nowMS := s.monoMS()
	nextMS := uint64(math.MaxUint64)
	if conn := s.idleList.Front(); conn != nil {
		nextMS = conn.lastActiveMS + s.idleTimeoutMS
	}
	if len(s.ttlHeap) > 0 && s.ttlHeap[0].val < nextMS {
		nextMS = s.ttlHeap[0].val
	}
	if nextMS == math.MaxUint64 {
		return -1
	}
	if nextMS <= nowMS {
		return 0 // missed?
	}
	return int(nextMS - nowMS)
}

// processTimers destroys idle connections (head-walk of the ordered idle
// list) and evicts due TTL entries from the heap root.
func (s *GoKVServer) processTimers() {
	nowMS := s.monoMS()

	for {
		conn := s.idleList.Front()
		if conn == nil || conn.lastActiveMS+s.idleTimeoutMS >= nowMS {
			break
		}
		s.logger.Debug("removing idle connection", zap.Int("fd", conn.fd))
		if s.metrics != nil {
			s.metrics.IdleClosedTotal.Inc()
		}
		s.connDestroy(conn)
	}

	nworks := 0
	for len(s.ttlHeap) > 0 && s.ttlHeap[0].val < nowMS {
		ent := s.ttlHeap[0].ent
		delete(s.db, ent.key)
		s.entryDel(ent) // pops the heap root via the TTL detach
		if s.metrics != nil {
			s.metrics.KeysExpiredTotal.Inc()
		}
		nworks++
		if nworks >= kMaxTTLWorks {
			// don't stall the server if too many keys are expiring at once
			break
		}
	}
}

// shutdown tears the server down after the loop exits: connections first,
// then the listener, the self-pipe, and the AOF; finally drain the pool.
func (s *GoKVServer) shutdown() {
	for _, conn := range s.fd2conn {
		unix.Close(conn.fd)
	}
	s.fd2conn = make(map[int]*Conn)
	s.idleList.Init()
	if s.listenFd >= 0 {
		unix.Close(s.listenFd)
		s.listenFd = -1
	}
	if s.wakeR >= 0 {
		unix.Close(s.wakeR)
		unix.Close(s.wakeW)
		s.wakeR, s.wakeW = -1, -1
	}
	s.aofClose()
	s.pool.Wait()
}
