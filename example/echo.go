package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Zereker/cnsocket"
	"github.com/Zereker/cnsocket/admin"
	"github.com/Zereker/cnsocket/config"
)

// Packet types spoken by the example.
const (
	typeLoginReq  = 0x0001 // uint64 client time
	typeLoginResp = 0x0002 // int32 iv1, int32 iv2
	typeEchoReq   = 0x0010
	typeEchoResp  = 0x0011
	typeChatReq   = 0x0020 // int32 n, then n uint16 chars
	typeChatNotif = 0x0021 // same layout as typeChatReq
)

const (
	chatBase = 4
	charSize = 2
)

type handlers struct {
	srv    *cnsocket.Server
	logger *slog.Logger
}

// login derives the post-auth key from the client time and two fresh seeds,
// answers under the pre-auth key, then switches the session over.
func (h *handlers) login(s *cnsocket.Session, p cnsocket.Packet) {
	if !p.Expect(8) {
		return
	}
	uTime := p.Reader().Uint64()
	iv1, iv2 := rand.Int31(), rand.Int31()

	if err := s.Send(typeLoginResp, cnsocket.NewWriter(8).Int32(iv1).Int32(iv2).Bytes()); err != nil {
		h.logger.Debug("login reply failed", "session", s.ID(), "error", err)
		return
	}
	s.Rekey(cnsocket.PostAuth, uTime, iv1, iv2)
	s.SetKeyPhase(cnsocket.PostAuth)
	h.logger.Info("session authenticated", "session", s.ID(), "addr", s.RemoteAddr())
}

func (h *handlers) echo(s *cnsocket.Session, p cnsocket.Packet) {
	if err := s.Send(typeEchoResp, p.Body); err != nil {
		h.logger.Debug("echo failed", "session", s.ID(), "error", err)
	}
}

// chat relays a variable-length message from an authenticated session to
// every authenticated session, the sender included.
func (h *handlers) chat(s *cnsocket.Session, p cnsocket.Packet) {
	r := p.Reader()
	n := r.Int32()
	if r.Err() != nil || !cnsocket.ValidInVarPacket(chatBase, n, charSize, p.Len()) {
		h.logger.Debug("bad chat packet", "session", s.ID(), "len", p.Len())
		return
	}
	if s.KeyPhase() != cnsocket.PostAuth || !cnsocket.ValidOutVarPacket(chatBase, n, charSize) {
		return
	}
	text := r.Bytes(int(n) * charSize)
	body := cnsocket.NewWriter(chatBase + len(text)).Int32(n).Raw(text).Bytes()

	h.srv.Each(func(peer *cnsocket.Session) bool {
		if peer.KeyPhase() != cnsocket.PostAuth {
			return true
		}
		if err := peer.Send(typeChatNotif, body); err != nil {
			h.logger.Debug("chat relay failed", "session", peer.ID(), "error", err)
		}
		return true
	})
}

func loadConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if len(os.Args) > 1 {
		var err error
		if cfg, err = config.Load(os.Args[1]); err != nil {
			return nil, err
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := cnsocket.NewSlogLogger(os.Stderr, cfg.LogLevel(), cfg.Log.Format)
	slog.SetDefault(logger)

	addr, err := cfg.ListenAddr()
	if err != nil {
		logger.Error("invalid listen address", "error", err)
		os.Exit(1)
	}

	h := &handlers{logger: logger}
	registry := cnsocket.NewRegistry()
	registry.MustRegister(typeLoginReq, h.login)
	registry.MustRegister(typeEchoReq, h.echo)
	registry.MustRegister(typeChatReq, h.chat)

	opts := append(cfg.Options(),
		cnsocket.LoggerOption(logger),
		cnsocket.OnConnectOption(func(s *cnsocket.Session) {
			logger.Info("session connected", "session", s.ID(), "addr", s.RemoteAddr())
		}),
		cnsocket.OnDisconnectOption(func(s *cnsocket.Session) {
			logger.Info("session disconnected", "session", s.ID(),
				"lifetime", time.Since(s.ConnectedAt()).Round(time.Millisecond))
		}),
	)

	server, err := cnsocket.New(addr, registry, opts...)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	h.srv = server

	if err := server.RegisterTimer(func(srv *cnsocket.Server, now time.Time) {
		st := srv.Stats()
		logger.Info("server stats", "sessions", st.Sessions, "frames_in", st.FramesIn,
			"frames_out", st.FramesOut, "drops", st.ChecksumDrops+st.UnknownDrops+st.RateLimitDrops)
	}, 30*time.Second); err != nil {
		logger.Error("failed to register timer", "error", err)
		os.Exit(1)
	}

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Serve(ctx)
	})

	if cfg.Admin.Listen != "" {
		adm, err := admin.New(server, cfg.Admin.Listen,
			admin.LoggerOption(logger),
			admin.MonitorIntervalOption(cfg.Admin.MonitorInterval))
		if err != nil {
			logger.Error("failed to create admin server", "error", err)
			os.Exit(1)
		}
		group.Go(func() error {
			return adm.Serve(ctx)
		})
	}

	logger.Info("server start", "addr", server.Addr().String(), "admin", cfg.Admin.Listen)
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
