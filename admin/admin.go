// Package admin exposes a running cnsocket server over HTTP: a JSON view of
// sessions and counters, a kill switch, and a websocket monitor stream.
// It runs on its own goroutines and reaches the server only through the
// lock-guarded Controller methods. Intended for admin/internal networks only.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/Zereker/cnsocket"
)

// Controller is the part of *cnsocket.Server the admin channel uses.
// Every method must be safe to call from any goroutine.
type Controller interface {
	Sessions() []cnsocket.SessionInfo
	KillSession(id string) bool
	Stats() cnsocket.StatsSnapshot
}

const (
	defaultMonitorInterval = time.Second
	writeWait              = 5 * time.Second
	shutdownWait           = 2 * time.Second
)

type options struct {
	logger          cnsocket.Logger
	monitorInterval time.Duration
	checkOrigin     func(*http.Request) bool
}

// Option configures a Server.
type Option func(*options)

// LoggerOption sets the logger. Defaults to slog.Default().
func LoggerOption(logger cnsocket.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MonitorIntervalOption sets how often /monitor pushes a snapshot.
func MonitorIntervalOption(d time.Duration) Option {
	return func(o *options) {
		o.monitorInterval = d
	}
}

// CheckOriginOption sets the websocket origin check. The default accepts
// only same-origin requests.
func CheckOriginOption(fn func(*http.Request) bool) Option {
	return func(o *options) {
		o.checkOrigin = fn
	}
}

// Server serves the admin endpoints for one Controller.
type Server struct {
	ctrl     Controller
	opts     options
	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	// quit ends monitor streams, which Shutdown does not track once hijacked.
	quit     chan struct{}
	stopOnce sync.Once
}

// Snapshot is one frame of the /monitor stream.
type Snapshot struct {
	Time     time.Time              `json:"time"`
	Stats    cnsocket.StatsSnapshot `json:"stats"`
	Sessions []cnsocket.SessionInfo `json:"sessions"`
}

// New creates an admin server bound to addr. It does not serve until Serve
// or Start is called.
func New(ctrl Controller, addr string, opt ...Option) (*Server, error) {
	s := newServer(ctrl, opt...)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "admin listen %s", addr)
	}
	s.listener = ln
	return s, nil
}

func newServer(ctrl Controller, opt ...Option) *Server {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	if opts.monitorInterval <= 0 {
		opts.monitorInterval = defaultMonitorInterval
	}

	s := &Server{
		ctrl: ctrl,
		opts: opts,
		mux:  http.NewServeMux(),
		quit: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.checkOrigin,
		},
	}
	s.mux.HandleFunc("GET /sessions", s.handleSessions)
	s.mux.HandleFunc("POST /sessions/{id}/kill", s.handleKill)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /monitor", s.handleMonitor)

	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the admin routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr returns the listener's address (useful when binding to ":0").
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(s.listener)
	}()
	s.opts.logger.Info("admin server started", "addr", s.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "admin serve")
	case <-ctx.Done():
		s.Stop()
		<-errCh
		s.opts.logger.Info("admin server stopped", "addr", s.Addr())
		return ctx.Err()
	}
}

// Start begins serving HTTP requests. Non-blocking.
func (s *Server) Start() {
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.opts.logger.Error("admin server error", "error", err)
		}
	}()
	s.opts.logger.Info("admin server started", "addr", s.Addr())
}

// Stop gracefully shuts down the admin server. Open monitor streams are
// closed as well.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })

	ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.opts.logger.Debug("admin shutdown", "error", err)
		s.server.Close()
	}
}

// --- handlers ---

type sessionsResponse struct {
	Sessions []cnsocket.SessionInfo `json:"sessions"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.opts.logger, sessionsResponse{Sessions: s.ctrl.Sessions()})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.ctrl.KillSession(id) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.opts.logger.Info("session killed by admin", "session", id, "remote_addr", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.opts.logger, s.ctrl.Stats())
}

// handleMonitor streams a Snapshot every monitor interval until the peer
// goes away or the server shuts down.
func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.opts.logger.Debug("monitor upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()
	s.opts.logger.Debug("monitor attached", "remote_addr", r.RemoteAddr)

	// The reader only watches for the close frame; monitors send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.monitorInterval)
	defer ticker.Stop()

	for {
		if err := s.push(conn); err != nil {
			s.opts.logger.Debug("monitor detached", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			s.opts.logger.Debug("monitor detached", "remote_addr", r.RemoteAddr)
			return
		case <-s.quit:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (s *Server) push(conn *websocket.Conn) error {
	snap := Snapshot{
		Time:     time.Now(),
		Stats:    s.ctrl.Stats(),
		Sessions: s.ctrl.Sessions(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(snap)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, logger cnsocket.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("admin: json encode error", "error", err)
	}
}
