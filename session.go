package cnsocket

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// KeyPhase selects which of a session's two keys is active.
type KeyPhase int32

const (
	// PreAuth is the phase before credentials are handed off.
	PreAuth KeyPhase = iota
	// PostAuth is the phase after credential handoff.
	PostAuth
)

// Valid reports whether p names one of the two key slots.
func (p KeyPhase) Valid() bool {
	return p == PreAuth || p == PostAuth
}

func (p KeyPhase) String() string {
	switch p {
	case PreAuth:
		return "pre-auth"
	case PostAuth:
		return "post-auth"
	default:
		return "unknown"
	}
}

// Session is one accepted connection. It is owned by the Server and touched
// only from the loop goroutine, except for the atomic liveness, phase and
// timestamp fields that the admin side reads through the server lock.
type Session struct {
	id     string
	conn   sockConn
	addr   net.Addr
	srv    *Server
	frames FrameReader

	keys  [2]Key
	phase atomic.Int32
	alive atomic.Bool

	out     *queue.Queue // pending []byte chunks
	outOff  int          // bytes of the head chunk already written
	pending int
	limiter *rate.Limiter

	connectedAt time.Time
	lastHeard   atomic.Int64
}

func newSession(srv *Server, conn sockConn, now time.Time) *Session {
	s := &Session{
		id:          uuid.New().String(),
		conn:        conn,
		addr:        conn.RemoteAddr(),
		srv:         srv,
		keys:        [2]Key{DefaultKey, DefaultKey},
		out:         queue.New(),
		connectedAt: now,
	}
	if rl := srv.opts.rateLimit; rl != nil && rl.Enabled {
		s.limiter = rate.NewLimiter(rl.MessagesPerSecond, rl.Burst)
	}
	s.alive.Store(true)
	s.lastHeard.Store(now.UnixNano())
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr {
	return s.addr
}

// IsAlive reports whether the session still receives dispatch.
func (s *Session) IsAlive() bool {
	return s.alive.Load()
}

// Kill marks the session dead. Buffered frames are discarded and the socket
// is closed by the server at the end of the current tick. Safe to call from
// any handler or timer, for any session, any number of times.
func (s *Session) Kill() {
	s.alive.Store(false)
}

// KeyPhase returns the active key phase.
func (s *Session) KeyPhase() KeyPhase {
	return KeyPhase(s.phase.Load())
}

// SetKeyPhase switches the active key for both directions. Phases other
// than PreAuth and PostAuth are ignored.
func (s *Session) SetKeyPhase(p KeyPhase) {
	if p.Valid() {
		s.phase.Store(int32(p))
	}
}

// Key returns the key stored for phase p, or the zero Key for an unknown phase.
func (s *Session) Key(p KeyPhase) Key {
	if !p.Valid() {
		return Key{}
	}
	return s.keys[p]
}

// SetKey stores k for phase p without changing the active phase. Phases
// other than PreAuth and PostAuth are ignored.
func (s *Session) SetKey(p KeyPhase, k Key) {
	if p.Valid() {
		s.keys[p] = k
	}
}

// Rekey derives a new key for phase p from a timestamp and two seeds.
func (s *Session) Rekey(p KeyPhase, uTime uint64, iv1, iv2 int32) Key {
	k := NewKey(uTime, iv1, iv2)
	s.SetKey(p, k)
	return k
}

// ConnectedAt returns when the session was accepted.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// LastHeard returns when the last valid packet arrived.
func (s *Session) LastHeard() time.Time {
	return time.Unix(0, s.lastHeard.Load())
}

func (s *Session) activeKey() Key {
	return s.Key(s.KeyPhase())
}

func (s *Session) touch(now time.Time) {
	s.lastHeard.Store(now.UnixNano())
}

// Send seals body under the active key and writes it as one frame. Bytes the
// socket cannot take right now are queued and flushed when it becomes writable.
func (s *Session) Send(typeID uint32, body []byte) error {
	if !s.IsAlive() {
		return ErrSessionClosed
	}
	frame, err := AppendFrame(make([]byte, 0, LengthSize+TypeSize+len(body)), typeID, body, s.activeKey())
	if err != nil {
		return err
	}

	if s.out.Length() > 0 {
		return s.queued(s.enqueue(frame))
	}
	n, err := s.conn.Write(frame)
	if err != nil && !errors.Is(err, errWouldBlock) {
		s.srv.logger.Debug("write error", "session", s.id, "addr", s.addr, "error", err)
		s.Kill()
		return errors.Wrap(err, "send")
	}
	if n < len(frame) {
		return s.queued(s.enqueue(frame[n:]))
	}
	s.srv.stats.FramesOut.Add(1)
	return nil
}

// queued counts a frame as sent once its tail made it into the queue.
func (s *Session) queued(err error) error {
	if err == nil {
		s.srv.stats.FramesOut.Add(1)
	}
	return err
}

func (s *Session) enqueue(chunk []byte) error {
	if s.pending+len(chunk) > s.srv.opts.maxPending {
		s.srv.logger.Info("send queue overflow", "session", s.id, "addr", s.addr, "pending", s.pending)
		s.Kill()
		return errors.Wrapf(ErrSessionClosed, "send queue over %d bytes", s.srv.opts.maxPending)
	}
	if s.out.Length() == 0 {
		s.srv.poller.watchWrite(s.conn.Fd(), true)
	}
	s.out.Add(chunk)
	s.pending += len(chunk)
	return nil
}

// flush writes queued chunks until the socket would block or the queue is empty.
func (s *Session) flush() {
	for s.out.Length() > 0 {
		chunk := s.out.Peek().([]byte)[s.outOff:]
		n, err := s.conn.Write(chunk)
		s.outOff += n
		s.pending -= n
		if err != nil {
			if !errors.Is(err, errWouldBlock) {
				s.srv.logger.Debug("write error", "session", s.id, "addr", s.addr, "error", err)
				s.Kill()
			}
			return
		}
		if n < len(chunk) {
			return
		}
		s.out.Remove()
		s.outOff = 0
	}
	s.srv.poller.watchWrite(s.conn.Fd(), false)
}

// Pending returns the number of queued outbound bytes.
func (s *Session) Pending() int {
	return s.pending
}
