package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/csiro-workspace/workspace-go/internal/supervisor"
)

// eventBuffer bounds how many undelivered engine events may queue before
// further events are dropped with a warning.
const eventBuffer = 256

// defaultConnectTimeout bounds ListenAndWait when the caller's context
// carries no deadline of its own.
const defaultConnectTimeout = 30 * time.Second

// Server is the loopback TCP control channel engine processes dial back to.
// It implements supervisor.Channel: one listener, one connection per engine,
// all events funneled into a single queue drained by Poll.
type Server struct {
	ln     net.Listener
	logger *slog.Logger
	seq    atomic.Uint64

	mu      sync.Mutex
	conns   map[supervisor.SessionKey]*engineConn
	nextKey supervisor.SessionKey

	events chan supervisor.Event
}

type engineConn struct {
	key  supervisor.SessionKey
	conn net.Conn

	wmu sync.Mutex

	released atomic.Bool
}

// NewServer starts listening on the loopback interface at the given port.
// Port 0 picks a free port; Port() reports the bound one.
func NewServer(port int, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen control channel: %w", err)
	}
	return &Server{
		ln:     ln,
		logger: logger,
		conns:  make(map[supervisor.SessionKey]*engineConn),
		events: make(chan supervisor.Event, eventBuffer),
	}, nil
}

// Port returns the TCP port the channel listens on.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Close stops the listener and drops every engine connection.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ec := range s.conns {
		ec.released.Store(true)
		ec.conn.Close()
	}
	s.conns = make(map[supervisor.SessionKey]*engineConn)
	return err
}

// ListenAndWait accepts the next engine connection, performs the
// hello/welcome handshake, assigns a key and starts the connection's reader.
func (s *Server) ListenAndWait(ctx context.Context) (supervisor.ID, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	type deadliner interface{ SetDeadline(time.Time) error }
	dl, _ := s.ln.(deadliner)
	if dl != nil {
		deadline, _ := ctx.Deadline()
		if err := dl.SetDeadline(deadline); err != nil {
			return supervisor.ID{}, fmt.Errorf("set accept deadline: %w", err)
		}
		defer dl.SetDeadline(time.Time{})
	}

	conn, err := s.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return supervisor.ID{}, fmt.Errorf("wait for engine: %w", ctx.Err())
		}
		return supervisor.ID{}, fmt.Errorf("accept engine connection: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	var hello EventMsg
	if err := ReadFrame(conn, &hello); err != nil {
		conn.Close()
		return supervisor.ID{}, fmt.Errorf("read hello: %w", err)
	}
	if hello.Kind != EventHello {
		conn.Close()
		return supervisor.ID{}, fmt.Errorf("handshake: expected %q event, got %q", EventHello, hello.Kind)
	}

	s.mu.Lock()
	s.nextKey++
	key := s.nextKey
	ec := &engineConn{key: key, conn: conn}
	s.conns[key] = ec
	s.mu.Unlock()

	if err := ec.send(Command{Op: OpWelcome, Key: int(key)}); err != nil {
		s.drop(key)
		return supervisor.ID{}, fmt.Errorf("send welcome: %w", err)
	}

	conn.SetDeadline(time.Time{})
	go s.readLoop(ec)

	port := conn.RemoteAddr().(*net.TCPAddr).Port
	return supervisor.ID{Key: key, Host: "127.0.0.1", Port: port}, nil
}

// readLoop decodes event frames off one engine connection and funnels them
// into the shared queue until the connection dies or is released.
func (s *Server) readLoop(ec *engineConn) {
	for {
		var msg EventMsg
		if err := ReadFrame(ec.conn, &msg); err != nil {
			if !ec.released.Load() {
				s.logger.Debug("engine connection closed", "key", int(ec.key), "error", err)
			}
			return
		}

		ev := supervisor.Event{
			Key:      ec.key,
			Seq:      s.seq.Add(1),
			Kind:     msg.Kind,
			Category: msg.Category,
			Message:  msg.Message,
			Item:     msg.Item,
			Payload:  []byte(msg.WatchList),
		}

		select {
		case s.events <- ev:
		default:
			s.logger.Warn("event queue full, dropping event", "key", int(ec.key), "kind", ev.Kind)
		}
	}
}

// Poll waits up to timeout for the first pending event, then drains the rest
// without blocking.
func (s *Server) Poll(timeout time.Duration) []supervisor.Event {
	var out []supervisor.Event

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		select {
		case ev := <-s.events:
			out = append(out, ev)
			timer.Stop()
		case <-timer.C:
			return nil
		}
	}

	for {
		select {
		case ev := <-s.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (s *Server) RunOnce(key supervisor.SessionKey) error {
	return s.sendTo(key, Command{Op: OpRunOnce})
}

func (s *Server) RunContinuously(key supervisor.SessionKey) error {
	return s.sendTo(key, Command{Op: OpRunContinuous})
}

func (s *Server) Stop(key supervisor.SessionKey) error {
	return s.sendTo(key, Command{Op: OpStop})
}

func (s *Server) Terminate(key supervisor.SessionKey) error {
	return s.sendTo(key, Command{Op: OpTerminate})
}

func (s *Server) SetInput(key supervisor.SessionKey, name, value string) error {
	return s.sendTo(key, Command{Op: OpSetInput, Name: name, Value: value})
}

func (s *Server) SetGlobalName(key supervisor.SessionKey, name, value string) error {
	return s.sendTo(key, Command{Op: OpSetGlobalName, Name: name, Value: value})
}

func (s *Server) Watch(key supervisor.SessionKey, wl *supervisor.WatchList, autoDelete bool) error {
	raw, err := wl.Encode()
	if err != nil {
		return fmt.Errorf("encode watch list: %w", err)
	}
	return s.sendTo(key, Command{Op: OpWatch, WatchList: raw, AutoDelete: autoDelete})
}

func (s *Server) CancelWatch(key supervisor.SessionKey, watchID string) error {
	return s.sendTo(key, Command{Op: OpCancelWatch, WatchID: watchID})
}

func (s *Server) List(key supervisor.SessionKey, category string) error {
	return s.sendTo(key, Command{Op: OpList, Category: category})
}

// Ack reports a handler outcome. Acks for released sessions are dropped
// silently; the engine is already gone.
func (s *Server) Ack(ev supervisor.Event, handled bool) error {
	s.mu.Lock()
	ec, ok := s.conns[ev.Key]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return ec.send(Command{Op: OpAck, Seq: ev.Seq, Handled: handled})
}

// Release drops the connection state for a finalized session.
func (s *Server) Release(key supervisor.SessionKey) {
	s.drop(key)
}

func (s *Server) drop(key supervisor.SessionKey) {
	s.mu.Lock()
	ec, ok := s.conns[key]
	delete(s.conns, key)
	s.mu.Unlock()
	if ok {
		ec.released.Store(true)
		ec.conn.Close()
	}
}

func (s *Server) sendTo(key supervisor.SessionKey, cmd Command) error {
	s.mu.Lock()
	ec, ok := s.conns[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("session key %d: %w", int(key), errUnknownKey)
	}
	return ec.send(cmd)
}

var errUnknownKey = errors.New("no connected engine")

func (ec *engineConn) send(cmd Command) error {
	ec.wmu.Lock()
	defer ec.wmu.Unlock()
	return WriteFrame(ec.conn, cmd)
}
