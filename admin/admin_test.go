package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Zereker/cnsocket"
)

// fakeController is a Controller backed by a fixed session list.
type fakeController struct {
	mu       sync.Mutex
	sessions []cnsocket.SessionInfo
	killed   []string
	stats    cnsocket.StatsSnapshot
}

func newFakeController() *fakeController {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &fakeController{
		sessions: []cnsocket.SessionInfo{
			{ID: "a", RemoteAddr: "10.0.0.1:5000", KeyPhase: "pre-auth", Alive: true, ConnectedAt: now, LastHeard: now},
			{ID: "b", RemoteAddr: "10.0.0.2:5000", KeyPhase: "post-auth", Alive: true, ConnectedAt: now, LastHeard: now},
		},
		stats: cnsocket.StatsSnapshot{Sessions: 2, Accepted: 7, FramesIn: 42},
	}
}

func (f *fakeController) Sessions() []cnsocket.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cnsocket.SessionInfo(nil), f.sessions...)
}

func (f *fakeController) KillSession(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.sessions {
		if s.ID == id {
			f.killed = append(f.killed, id)
			f.sessions = append(f.sessions[:i], f.sessions[i+1:]...)
			f.stats.Sessions--
			return true
		}
	}
	return false
}

func (f *fakeController) Stats() cnsocket.StatsSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func newTestAdmin(t *testing.T, opts ...Option) (*fakeController, *Server, *httptest.Server) {
	t.Helper()
	ctrl := newFakeController()
	s := newServer(ctrl, opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ctrl, s, ts
}

func TestAdmin_Sessions(t *testing.T) {
	_, _, ts := newTestAdmin(t)

	resp, err := http.Get(ts.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body sessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 2 || body.Sessions[1].KeyPhase != "post-auth" {
		t.Errorf("sessions = %+v", body.Sessions)
	}
}

func TestAdmin_Stats(t *testing.T) {
	_, _, ts := newTestAdmin(t)

	resp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer resp.Body.Close()

	var body cnsocket.StatsSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Accepted != 7 || body.FramesIn != 42 || body.Sessions != 2 {
		t.Errorf("stats = %+v", body)
	}
}

func TestAdmin_Kill(t *testing.T) {
	ctrl, _, ts := newTestAdmin(t, LoggerOption(discardLogger{}))

	resp, err := http.Post(ts.URL+"/sessions/a/kill", "", nil)
	if err != nil {
		t.Fatalf("POST kill: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	ctrl.mu.Lock()
	killed := append([]string(nil), ctrl.killed...)
	ctrl.mu.Unlock()
	if len(killed) != 1 || killed[0] != "a" {
		t.Errorf("killed = %v", killed)
	}

	resp, err = http.Post(ts.URL+"/sessions/a/kill", "", nil)
	if err != nil {
		t.Fatalf("POST kill: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second kill status = %d, want 404", resp.StatusCode)
	}
}

func TestAdmin_MethodNotAllowed(t *testing.T) {
	_, _, ts := newTestAdmin(t)

	resp, err := http.Get(ts.URL + "/sessions/a/kill")
	if err != nil {
		t.Fatalf("GET kill: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func dialMonitor(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/monitor"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial monitor: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAdmin_Monitor(t *testing.T) {
	ctrl, _, ts := newTestAdmin(t, MonitorIntervalOption(10*time.Millisecond))
	conn := dialMonitor(t, ts)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first Snapshot
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if len(first.Sessions) != 2 || first.Stats.Accepted != 7 {
		t.Errorf("first snapshot = %+v", first)
	}

	ctrl.KillSession("b")

	// A later snapshot reflects the kill.
	for {
		var snap Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			t.Fatalf("read snapshot: %v", err)
		}
		if len(snap.Sessions) == 1 {
			if snap.Sessions[0].ID != "a" || snap.Stats.Sessions != 1 {
				t.Errorf("snapshot after kill = %+v", snap)
			}
			break
		}
	}
}

func TestAdmin_MonitorClosedOnStop(t *testing.T) {
	_, s, ts := newTestAdmin(t, MonitorIntervalOption(time.Hour))
	conn := dialMonitor(t, ts)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var snap Snapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	s.Stop()

	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", err)
	}
}

func TestAdmin_Serve(t *testing.T) {
	ctrl := newFakeController()
	s, err := New(ctrl, "127.0.0.1:0", LoggerOption(discardLogger{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx)
	}()

	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = http.Get("http://" + s.Addr() + "/stats")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
}

func TestNew_InvalidAddr(t *testing.T) {
	if _, err := New(newFakeController(), "127.0.0.1:-1"); err == nil {
		t.Error("expected error for invalid address")
	}
}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}
