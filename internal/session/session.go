// Package session implements the per-connection state machine described in
// spec §4.2: INIT -> REGISTERED -> SERVING -> TEARDOWN. A Session owns one
// WebSocket connection; the inbound reader and outbound Dispatcher it
// spawns are the only two goroutines that ever touch that connection.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/jxl55/ert-concierge/internal/metrics"
	"github.com/jxl55/ert-concierge/internal/registry"
	"github.com/jxl55/ert-concierge/internal/router"
	"github.com/jxl55/ert-concierge/internal/wire"
)

// Config carries the identification and fan-out parameters a Session needs;
// it is a narrow view of config.Config so this package does not depend on
// the config package directly.
type Config struct {
	Secret          string
	MinVersion      string
	ServerVersion   string
	IdentifyTimeout time.Duration
	FsRoot          string
}

// Session drives one accepted connection from identification through
// teardown.
type Session struct {
	cfg     Config
	reg     *registry.Registry
	rt      *router.Router
	logger  *zap.Logger
	metrics *metrics.Registry

	minVersion *semver.Constraints

	// writeMu serializes every write to the connection. The Dispatcher is
	// the sole writer in the steady state (spec §4.2), but the reader
	// goroutine must still answer Pings with a Pong directly and cannot
	// wait on the mailbox to do it, so both goroutines write through this
	// mutex rather than both touching conn unguarded.
	writeMu sync.Mutex
}

func New(cfg Config, reg *registry.Registry, rt *router.Router, logger *zap.Logger, m *metrics.Registry) (*Session, error) {
	constraint, err := semver.NewConstraint(cfg.MinVersion)
	if err != nil {
		return nil, fmt.Errorf("session: parse min_version constraint: %w", err)
	}
	return &Session{cfg: cfg, reg: reg, rt: rt, logger: logger, metrics: m, minVersion: constraint}, nil
}

// Factory builds a fresh Session for each accepted connection, sharing the
// registry, router, logger, and the parsed min_version constraint across
// every Session it produces so transport.Server does not need to repeat
// that construction per connection.
type Factory struct {
	cfg     Config
	reg     *registry.Registry
	rt      *router.Router
	logger  *zap.Logger
	metrics *metrics.Registry

	minVersion *semver.Constraints
}

func NewFactory(cfg Config, reg *registry.Registry, rt *router.Router, logger *zap.Logger, m *metrics.Registry) (*Factory, error) {
	constraint, err := semver.NewConstraint(cfg.MinVersion)
	if err != nil {
		return nil, fmt.Errorf("session: parse min_version constraint: %w", err)
	}
	return &Factory{cfg: cfg, reg: reg, rt: rt, logger: logger, metrics: m, minVersion: constraint}, nil
}

func (f *Factory) New() (*Session, error) {
	return &Session{cfg: f.cfg, reg: f.reg, rt: f.rt, logger: f.logger, metrics: f.metrics, minVersion: f.minVersion}, nil
}

// Serve runs the full session lifecycle against conn until the connection
// closes, then performs teardown. It never returns an error the caller
// needs to act on: every failure is either a close code already written to
// the socket or a logged, recoverable condition.
func (s *Session) Serve(conn net.Conn) {
	reader := wsutil.NewReader(conn, ws.StateServerSide)

	client, ok := s.identify(conn, reader)
	if !ok {
		return
	}

	s.logger.Info("client registered", zap.String("uuid", client.UUID.String()), zap.String("name", client.Name))

	joined, err := wire.Encode(wire.NewBroadcastStatus(wire.StatusClientJoinedData(client.UUID.String(), client.Name)))
	if err == nil {
		s.reg.EnqueueAll(joined)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.dispatch(conn, client.Mailbox)
	}()

	s.serve(conn, reader, client)

	// Teardown starts once the reader loop returns. A Dispatcher that stops
	// first on a write error does not end the reader; teardown then waits
	// for the reader's next read to fail. Neither goroutine cancels the
	// other; the Dispatcher is awaited after teardown closes its mailbox.
	s.teardown(client)
	<-done
}

// identify implements INIT -> REGISTERED, enforcing the 5-second deadline
// and the validation table from spec §4.2.
func (s *Session) identify(conn net.Conn, reader *wsutil.Reader) (*registry.Client, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdentifyTimeout))
	defer conn.SetReadDeadline(time.Time{})

	head, err := reader.NextFrame()
	if err != nil {
		s.recordIdentifyFailure(wire.CloseAuthFailed)
		s.closeWith(conn, wire.CloseAuthFailed, "identification timed out")
		return nil, false
	}
	if head.OpCode == ws.OpClose {
		return nil, false
	}
	if head.OpCode != ws.OpText {
		s.recordIdentifyFailure(wire.CloseFatalDecode)
		s.closeWith(conn, wire.CloseFatalDecode, "expected text frame")
		return nil, false
	}

	payload := make([]byte, head.Length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		s.recordIdentifyFailure(wire.CloseFatalDecode)
		s.closeWith(conn, wire.CloseFatalDecode, "truncated frame")
		return nil, false
	}

	var identify wire.Identify
	if err := json.Unmarshal(payload, &identify); err != nil {
		s.recordIdentifyFailure(wire.CloseFatalDecode)
		s.closeWith(conn, wire.CloseFatalDecode, "malformed JSON")
		return nil, false
	}
	if identify.Type != wire.TypeIdentify {
		s.recordIdentifyFailure(wire.CloseNoAuth)
		s.closeWith(conn, wire.CloseNoAuth, "expected IDENTIFY")
		return nil, false
	}
	if s.cfg.Secret != "" {
		if identify.Secret == nil || *identify.Secret != s.cfg.Secret {
			s.recordIdentifyFailure(wire.CloseBadSecret)
			s.closeWith(conn, wire.CloseBadSecret, "secret mismatch")
			return nil, false
		}
	}
	version, err := semver.NewVersion(identify.Version)
	if err != nil || !s.minVersion.Check(version) {
		s.recordIdentifyFailure(wire.CloseBadVersion)
		s.closeWith(conn, wire.CloseBadVersion, "unsupported client version")
		return nil, false
	}

	// HELLO must be the first frame the client ever observes (spec §5), so
	// it is seeded into the Mailbox by TryRegister itself, while the
	// client is still invisible to any concurrent broadcast.
	client, err := s.reg.TryRegister(identify.Name, func(c *registry.Client) []byte {
		frame, encErr := wire.Encode(wire.NewHello(c.UUID.String(), s.cfg.ServerVersion))
		if encErr != nil {
			s.logger.Error("encode hello", zap.Error(encErr))
			return nil
		}
		return frame
	})
	if err != nil {
		s.recordIdentifyFailure(wire.CloseDuplicateAuth)
		s.closeWith(conn, wire.CloseDuplicateAuth, "name already in use")
		return nil, false
	}
	return client, true
}

// serve runs the SERVING phase: the inbound reader loop. Each well-formed
// text frame is handed to the Router; the per-session seq counter lives
// here, owned exclusively by this goroutine.
func (s *Session) serve(conn net.Conn, reader *wsutil.Reader, client *registry.Client) {
	sender := router.Sender{UUID: client.UUID, Name: client.Name}
	seq := 0

	for {
		head, err := reader.NextFrame()
		if err != nil {
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			if err := s.writeFrame(conn, ws.OpPong, nil); err != nil {
				return
			}
		case ws.OpText:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
			s.rt.Handle(sender, payload, &seq)
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				return
			}
		}
	}
}

// dispatch is the outbound Dispatcher: it is the sole consumer of mailbox
// and drains it to conn in FIFO order until mailbox is closed.
func (s *Session) dispatch(conn net.Conn, mailbox <-chan []byte) {
	for frame := range mailbox {
		if err := s.writeFrame(conn, ws.OpText, frame); err != nil {
			return
		}
	}
}

// writeFrame serializes every write to conn: the Dispatcher and the
// reader's direct Pong replies both go through here so two goroutines can
// never interleave bytes on the same connection (spec §4.2 invariant #4).
func (s *Session) writeFrame(conn net.Conn, op ws.OpCode, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsutil.WriteServerMessage(conn, op, payload)
}

// teardown implements the TEARDOWN phase: deregistration, CLIENT_LEFT
// broadcast, and best-effort filesystem cleanup.
func (s *Session) teardown(client *registry.Client) {
	_, reaped, err := s.reg.Deregister(client.UUID)
	if err != nil {
		// Deregister is idempotent; a second call for the same client is a
		// no-op the caller may ignore (spec §7).
		return
	}

	for _, group := range reaped {
		frame, err := wire.Encode(wire.NewBroadcastStatus(wire.StatusUnsubscribedData(group.Name)))
		if err == nil {
			s.reg.EnqueueMany(group.Members, frame)
		}
	}

	left, err := wire.Encode(wire.NewBroadcastStatus(wire.StatusClientLeftData(client.UUID.String(), client.Name)))
	if err == nil {
		s.reg.EnqueueAll(left)
	}

	root := filepath.Join(s.cfg.FsRoot, client.Name)
	if err := os.RemoveAll(root); err != nil {
		s.logger.Warn("fs cleanup failed", zap.String("name", client.Name), zap.Error(err))
	}

	s.logger.Info("client disconnected", zap.String("uuid", client.UUID.String()), zap.String("name", client.Name))
}

func (s *Session) recordIdentifyFailure(code wire.CloseCode) {
	if s.metrics != nil {
		s.metrics.IdentifyFailures.WithLabelValues(code.String()).Inc()
	}
}

func (s *Session) closeWith(conn net.Conn, code wire.CloseCode, reason string) {
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	if err := s.writeFrame(conn, ws.OpClose, body); err != nil && !errors.Is(err, io.EOF) {
		s.logger.Debug("write close frame", zap.Error(err))
	}
}
