// Package transport owns the TCP listener and WebSocket upgrade, in the
// shape of go-server-3/internal/transport: gobwas/ws for the handshake and
// framing, one goroutine per accepted connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/jxl55/ert-concierge/internal/metrics"
	"github.com/jxl55/ert-concierge/internal/session"
)

// Server listens for TCP connections and upgrades them to WebSocket,
// handing each off to a fresh Session.
type Server struct {
	host        string
	port        int
	subprotocol string

	sessions *session.Factory
	logger   *zap.Logger
	metrics  *metrics.Registry

	listener net.Listener
	wg       sync.WaitGroup
}

func NewServer(host string, port int, subprotocol string, sessions *session.Factory, logger *zap.Logger, m *metrics.Registry) *Server {
	return &Server{host: host, port: port, subprotocol: subprotocol, sessions: sessions, logger: logger, metrics: m}
}

func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("transport: already started")
	}

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("transport listening", zap.String("addr", addr))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	return nil
}

func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("accept error", zap.Error(err))
			return
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConnection(c)
		}(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	upgrader := ws.Upgrader{
		Protocol: func(proto string) bool {
			return proto == s.subprotocol
		},
	}
	if _, err := upgrader.Upgrade(conn); err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	_ = conn.SetDeadline(time.Time{})

	sess, err := s.sessions.New()
	if err != nil {
		s.logger.Error("build session", zap.Error(err))
		return
	}
	sess.Serve(conn)
}
