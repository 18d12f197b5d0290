package cnsocket

import (
	"context"
	"io"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// maxReadsPerWake bounds how many reads one readable session gets per tick so
// a fast sender cannot starve the others.
const maxReadsPerWake = 16

// Server is a single-goroutine reactor. One goroutine runs Serve: it polls the
// listener and every session socket, reassembles and decrypts frames,
// dispatches them through the Registry in arrival order per session, fires
// timers, and tears down dead sessions once per tick.
//
// Handlers and timers run on that goroutine and must not block. Other
// goroutines may only use Sessions, KillSession, Stats and Close.
type Server struct {
	listener acceptor
	poller   poller
	registry *Registry
	timers   *TimerScheduler
	logger   Logger
	opts     options
	stats    Stats

	// sessions is only written by the loop goroutine, and only under mu.
	// The loop reads it without the lock; every other goroutine must hold mu.
	mu       sync.Mutex
	sessions map[int]*Session
	byID     map[string]*Session
	dead     []*Session

	running atomic.Bool
	closed  atomic.Bool
}

// SessionInfo describes a session for observers outside the loop.
type SessionInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	KeyPhase    string    `json:"key_phase"`
	Alive       bool      `json:"alive"`
	ConnectedAt time.Time `json:"connected_at"`
	LastHeard   time.Time `json:"last_heard"`
}

// New creates a server listening on addr that dispatches through registry.
// Returns an error if the address cannot be bound or the platform has no poller.
func New(addr *net.TCPAddr, registry *Registry, opts ...Option) (*Server, error) {
	s, err := newServer(registry, opts...)
	if err != nil {
		return nil, err
	}

	ln, err := listen(addr)
	if err != nil {
		s.poller.close()
		return nil, err
	}
	if err := s.poller.add(ln.Fd()); err != nil {
		ln.Close()
		s.poller.close()
		return nil, err
	}
	s.listener = ln
	return s, nil
}

func newServer(registry *Registry, opt ...Option) (*Server, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	if registry == nil {
		registry = NewRegistry()
	}
	p, err := newPoller()
	if err != nil {
		return nil, err
	}

	return &Server{
		poller:   p,
		registry: registry,
		timers:   opts.timers,
		logger:   opts.logger,
		opts:     opts,
		sessions: make(map[int]*Session),
		byID:     make(map[string]*Session),
	}, nil
}

// RegisterTimer adds a periodic callback. Startup only.
func (s *Server) RegisterTimer(fn TimerFunc, interval time.Duration) error {
	if s.running.Load() {
		return ErrServerRunning
	}
	return s.timers.Register(fn, interval)
}

// Serve runs the event loop until ctx is canceled or Close is called.
// Frame, codec and per-socket faults never end it; only a poll failure does.
// All sessions are closed and timers cleared when it returns.
func (s *Server) Serve(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}
	if s.opts.idleTimeout > 0 {
		interval := s.opts.idleTimeout / 2
		if interval < s.opts.pollInterval {
			interval = s.opts.pollInterval
		}
		if err := s.timers.Register(s.reapIdle, interval); err != nil {
			return errors.Wrap(err, "idle timer")
		}
	}
	s.registry.seal()
	s.timers.seal()
	defer s.shutdown()

	s.logger.Info("server started", "addr", s.Addr(),
		"handlers", s.registry.Len(), "timers", s.timers.Len())

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("server stopped", "addr", s.Addr())
			return err
		}
		if s.closed.Load() {
			s.logger.Info("server stopped", "addr", s.Addr())
			return nil
		}
		if err := s.tick(); err != nil {
			s.logger.Error("poll error", "error", err)
			return err
		}
	}
}

// Close asks the loop to stop after the current tick. Safe to call from any goroutine.
func (s *Server) Close() error {
	s.closed.Store(true)
	return nil
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// tick runs one poll, processes every ready socket, fires due timers and
// removes sessions that died during the tick.
func (s *Server) tick() error {
	ready, err := s.poller.wait(s.waitTimeout(s.opts.clock()))
	if err != nil {
		return err
	}

	for _, ev := range ready {
		if s.listener != nil && ev.fd == s.listener.Fd() {
			s.acceptAll()
			continue
		}
		sess, ok := s.sessions[ev.fd]
		if !ok || !sess.IsAlive() {
			continue
		}
		if ev.writable {
			sess.flush()
		}
		if ev.readable && sess.IsAlive() {
			s.readSession(sess)
		}
		if ev.failed && sess.IsAlive() {
			s.logger.Debug("socket error", "session", sess.id, "addr", sess.addr)
			sess.Kill()
		}
	}

	s.timers.Fire(s, s.opts.clock())
	s.reap()
	return nil
}

// waitTimeout returns the poll timeout: the poll interval, shortened so the
// next timer is not late.
func (s *Server) waitTimeout(now time.Time) time.Duration {
	d := s.opts.pollInterval
	if next, ok := s.timers.NextDeadline(); ok {
		if until := next.Sub(now); until < d {
			d = until
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// acceptAll accepts every pending connection. Sessions killed earlier in the
// tick but not yet reaped do not count toward MaxSessions.
func (s *Server) acceptAll() {
	live := -1
	for {
		conn, err := s.listener.accept()
		if err != nil {
			if !errors.Is(err, errWouldBlock) {
				s.logger.Error("accept error", "error", err)
			}
			return
		}
		if s.opts.maxSessions > 0 && live < 0 {
			live = s.liveSessions()
		}
		if s.opts.maxSessions > 0 && live >= s.opts.maxSessions {
			s.stats.Rejected.Add(1)
			s.logger.Warn("session limit reached", "remote_addr", conn.RemoteAddr())
			conn.Close()
			continue
		}
		if s.attach(conn) != nil {
			live++
		}
	}
}

// liveSessions counts sessions that still receive dispatch.
func (s *Server) liveSessions() int {
	n := 0
	for _, sess := range s.sessions {
		if sess.IsAlive() {
			n++
		}
	}
	return n
}

// attach registers conn as a new session and runs the connect hook.
func (s *Server) attach(conn sockConn) *Session {
	sess := newSession(s, conn, s.opts.clock())
	if err := s.poller.add(conn.Fd()); err != nil {
		s.logger.Error("register socket", "remote_addr", sess.addr, "error", err)
		conn.Close()
		return nil
	}

	s.mu.Lock()
	s.sessions[conn.Fd()] = sess
	s.byID[sess.id] = sess
	s.mu.Unlock()

	s.stats.Accepted.Add(1)
	s.logger.Debug("accepted connection", "session", sess.id, "remote_addr", sess.addr)

	if s.opts.onConnect != nil {
		s.guard(sess, "connect hook", func() { s.opts.onConnect(sess) })
	}
	return sess
}

// readSession reads from a readable session and dispatches every frame that
// completes. A read that would block ends the turn; EOF or an error kills.
func (s *Server) readSession(sess *Session) {
	for i := 0; i < maxReadsPerWake && sess.IsAlive(); i++ {
		n, err := sess.frames.Fill(sess.conn)
		if n > 0 {
			s.drain(sess)
		}
		if err != nil {
			if errors.Is(err, errWouldBlock) {
				return
			}
			if err == io.EOF {
				s.logger.Debug("peer closed", "session", sess.id, "addr", sess.addr)
			} else {
				s.logger.Debug("read error", "session", sess.id, "addr", sess.addr, "error", err)
			}
			sess.Kill()
			return
		}
		if n == 0 {
			return
		}
	}
}

// drain dispatches complete frames until the buffer runs dry or the session dies.
func (s *Server) drain(sess *Session) {
	for sess.IsAlive() {
		frame, err := sess.frames.Next()
		if err != nil {
			s.stats.MalformedKills.Add(1)
			s.logger.Info("malformed frame", "session", sess.id, "addr", sess.addr, "error", err)
			sess.Kill()
			return
		}
		if frame == nil {
			return
		}
		s.deliver(sess, frame)
	}
}

func (s *Server) deliver(sess *Session, frame []byte) {
	s.stats.FramesIn.Add(1)

	typeID, err := Open(frame, sess.activeKey())
	if err != nil {
		s.stats.ChecksumDrops.Add(1)
		s.logger.Debug("packet dropped", "session", sess.id, "error", err)
		return
	}
	if sess.limiter != nil && !sess.limiter.Allow() {
		s.stats.RateLimitDrops.Add(1)
		s.logger.Debug("rate limited", "session", sess.id, "type", typeID)
		return
	}
	sess.touch(s.opts.clock())

	p := Packet{Type: typeID, Body: frame[TypeSize:]}
	s.guard(sess, "handler", func() {
		if !s.registry.Dispatch(sess, p) {
			s.stats.UnknownDrops.Add(1)
			s.logger.Debug("unknown packet type", "session", sess.id, "type", typeID)
		}
	})
}

// guard runs fn and turns a panic into a kill of sess.
func (s *Server) guard(sess *Session, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.stats.HandlerPanics.Add(1)
			s.logger.Error(what+" panic", "session", sess.id, "addr", sess.addr, "panic", r)
			sess.Kill()
		}
	}()
	fn()
}

// runTimer runs one timer callback. A panic is logged and counted; the loop
// and every session carry on.
func (s *Server) runTimer(fn TimerFunc, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.stats.HandlerPanics.Add(1)
			s.logger.Error("timer panic", "panic", r)
		}
	}()
	fn(s, now)
}

// reap removes dead sessions. It runs after all dispatch for the tick, so no
// loop over the session set is ever invalidated by a removal.
func (s *Server) reap() {
	s.dead = s.dead[:0]
	for _, sess := range s.sessions {
		if !sess.IsAlive() {
			s.dead = append(s.dead, sess)
		}
	}
	if len(s.dead) == 0 {
		return
	}

	s.mu.Lock()
	for _, sess := range s.dead {
		delete(s.sessions, sess.conn.Fd())
		delete(s.byID, sess.id)
	}
	s.mu.Unlock()

	for i, sess := range s.dead {
		s.poller.remove(sess.conn.Fd())
		sess.frames.Reset()
		if err := sess.conn.Close(); err != nil {
			s.logger.Debug("close error", "session", sess.id, "error", err)
		}
		s.stats.Closed.Add(1)
		s.logger.Info("connection closed", "session", sess.id, "addr", sess.addr)

		if s.opts.onDisconnect != nil {
			s.guard(sess, "disconnect hook", func() { s.opts.onDisconnect(sess) })
		}
		s.dead[i] = nil
	}
}

func (s *Server) reapIdle(_ *Server, now time.Time) {
	cutoff := now.Add(-s.opts.idleTimeout)
	s.Each(func(sess *Session) bool {
		if sess.LastHeard().Before(cutoff) {
			s.logger.Info("idle timeout", "session", sess.id, "addr", sess.addr)
			sess.Kill()
		}
		return true
	})
}

// shutdown kills and removes every session, clears timers and closes the listener.
func (s *Server) shutdown() {
	for _, sess := range s.sessions {
		sess.Kill()
	}
	s.reap()
	s.timers.Clear()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.Debug("listener close", "error", err)
		}
	}
	s.poller.close()
}

// Each calls fn for every live session until fn returns false.
// Loop goroutine only: call it from handlers, timers and hooks.
func (s *Server) Each(fn func(*Session) bool) {
	for _, sess := range s.sessions {
		if !sess.IsAlive() {
			continue
		}
		if !fn(sess) {
			return
		}
	}
}

// Sessions returns a snapshot of all sessions, ordered by connect time.
// Safe to call from any goroutine.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	infos := make([]SessionInfo, 0, len(s.byID))
	for _, sess := range s.byID {
		infos = append(infos, SessionInfo{
			ID:          sess.id,
			RemoteAddr:  addrString(sess.addr),
			KeyPhase:    sess.KeyPhase().String(),
			Alive:       sess.IsAlive(),
			ConnectedAt: sess.connectedAt,
			LastHeard:   sess.LastHeard(),
		})
	}
	s.mu.Unlock()

	slices.SortFunc(infos, func(a, b SessionInfo) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}

// KillSession marks the session with the given id dead. It is removed by the
// loop on its next tick. Safe to call from any goroutine.
func (s *Server) KillSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[id]
	if ok {
		sess.Kill()
	}
	return ok
}

// Stats returns a snapshot of the loop counters. Safe to call from any goroutine.
func (s *Server) Stats() StatsSnapshot {
	snap := s.stats.snapshot()
	s.mu.Lock()
	snap.Sessions = len(s.sessions)
	s.mu.Unlock()
	return snap
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
