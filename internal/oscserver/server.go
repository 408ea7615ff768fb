// Package oscserver accepts OSC packets over UDP and hands them to the engine,
// the way a SuperCollider client talks to scsynth.
package oscserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/scbridge/internal/config"
	"github.com/loqalabs/scbridge/internal/engine"
	"github.com/loqalabs/scbridge/internal/osc"
)

// SourceUDP labels packets that arrived on the UDP listener.
const SourceUDP = "udp"

const maxDatagramSize = 65536

// Dispatcher receives validated packets.
type Dispatcher interface {
	DispatchPacket(source string, packet []byte, reply engine.ReplyFunc) bool
}

type Server struct {
	cfg    config.OSCConfig
	disp   Dispatcher
	logger *slog.Logger

	conn   net.PacketConn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	received atomic.Uint64
	rejected atomic.Uint64
}

func NewServer(parent context.Context, cfg config.OSCConfig, disp Dispatcher, log *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(parent)
	return &Server{
		cfg:    cfg,
		disp:   disp,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "osc-server")),
	}
}

// Start binds the listener and serves it on a new goroutine.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	addr := net.JoinHostPort(s.cfg.Bind, strconv.Itoa(s.cfg.Port))
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("listen osc %s: %w", addr, err)
	}
	s.conn = conn
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve()
	}()
	s.logger.Info("osc server listening", slog.String("addr", conn.LocalAddr().String()))
	return nil
}

// Addr is the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *Server) Close() {
	s.cancel()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.wg.Wait()
}

func (s *Server) Healthy() bool { return !s.cfg.Enabled || s.conn != nil }

// Received and Rejected count datagrams accepted for dispatch and datagrams
// that failed to parse.
func (s *Server) Received() uint64 { return s.received.Load() }
func (s *Server) Rejected() uint64 { return s.rejected.Load() }

func (s *Server) serve() {
	buf := make([]byte, maxDatagramSize)
	var tempDelay time.Duration
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if max := time.Second; tempDelay > max {
				tempDelay = max
			}
			s.logger.Warn("osc read failed", slogError(err), slog.Duration("retry_in", tempDelay))
			select {
			case <-time.After(tempDelay):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		tempDelay = 0
		s.handle(buf[:n], addr)
	}
}

// handle validates one datagram and dispatches it. The engine copies the
// packet, so buf may be reused once handle returns.
func (s *Server) handle(packet []byte, addr net.Addr) {
	if _, err := osc.ParsePacket(packet); err != nil {
		s.rejected.Add(1)
		s.logger.Debug("dropping malformed osc packet", slog.String("from", addr.String()), slogError(err))
		return
	}
	s.received.Add(1)
	s.disp.DispatchPacket(SourceUDP, packet, s.replyTo(addr))
}

func (s *Server) replyTo(addr net.Addr) engine.ReplyFunc {
	return func(reply []byte) {
		if _, err := s.conn.WriteTo(reply, addr); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn("osc reply failed", slog.String("to", addr.String()), slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
