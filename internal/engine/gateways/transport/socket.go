// Package transport carries blacklist traffic between an authority and its
// remote peers: a one-request-per-connection CBOR socket for snapshots and
// mutations, and a websocket hub publishing change notifications.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/haukened/rr-blacklist/internal/engine/common/log"
	"github.com/haukened/rr-blacklist/internal/engine/gateways/wire"
)

// ActionFunc processes one request. raw is the full CBOR request including
// the "action" field. A nil result yields {ok: true} with no data.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// RequestObserver is told about every dispatched request.
type RequestObserver interface {
	Request(action string, err error)
}

type nopRequestObserver struct{}

func (nopRequestObserver) Request(string, error) {}

const (
	readTimeout    = 30 * time.Second
	writeTimeout   = 10 * time.Second
	maxRequestSize = 16 << 20
)

// Server serves the request/response protocol on a TCP or unix socket. Each
// connection carries exactly one request and one response.
type Server struct {
	network  string
	address  string
	maxConns int
	handlers map[string]ActionFunc
	observer RequestObserver
	logger   log.Logger

	mu       sync.Mutex
	listener net.Listener
	active   sync.WaitGroup
}

// NewServer creates a server for network ("tcp" or "unix") and address.
// maxConns > 0 caps concurrent connections.
func NewServer(network, address string, maxConns int, logger log.Logger) *Server {
	return &Server{
		network:  network,
		address:  address,
		maxConns: maxConns,
		handlers: make(map[string]ActionFunc),
		observer: nopRequestObserver{},
		logger:   logger.With(map[string]any{"transport": network}),
	}
}

// SetObserver installs o. It must be called before Serve.
func (s *Server) SetObserver(o RequestObserver) {
	if o != nil {
		s.observer = o
	}
}

// Handle registers fn for action. It panics on duplicate registration.
func (s *Server) Handle(action string, fn ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("transport: duplicate handler for action %q", action))
	}
	s.handlers[action] = fn
}

// Listen binds the socket. Serve calls it when it has not been called yet.
// A stale unix socket file is removed first.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	if s.network == "unix" {
		if err := os.Remove(s.address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale socket %s: %w", s.address, err)
		}
	}
	l, err := net.Listen(s.network, s.address)
	if err != nil {
		return fmt.Errorf("listening on %s %s: %w", s.network, s.address, err)
	}
	if s.maxConns > 0 {
		l = netutil.LimitListener(l, s.maxConns)
	}
	s.listener = l
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled, then waits for active
// handlers to finish.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	defer func() {
		listener.Close()
		if s.network == "unix" {
			os.Remove(s.address)
		}
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info(map[string]any{"address": listener.Addr().String()}, "request server listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error(map[string]any{"error": err}, "accept failed")
			continue
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.active.Wait()
	s.logger.Info(nil, "request server stopped")
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var raw wire.RawMessage
	if err := wire.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := wire.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, "missing required field: action")
		return
	}
	handler, ok := s.handlers[header.Action]
	if !ok {
		s.writeError(conn, fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	result, err := handler(ctx, raw)
	s.observer.Request(header.Action, err)
	if err != nil {
		s.logger.Debug(map[string]any{
			"action": header.Action,
			"remote": conn.RemoteAddr().String(),
			"error":  err,
		}, "action failed")
		s.writeError(conn, err.Error())
		return
	}
	s.writeSuccess(conn, result)
}

func (s *Server) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := wire.NewEncoder(conn).Encode(wire.Response{Error: message}); err != nil {
		s.logger.Debug(map[string]any{"error": err}, "failed to write error response")
	}
}

func (s *Server) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	response := wire.Response{OK: true}
	switch v := result.(type) {
	case nil:
	case wire.RawMessage:
		response.Data = v
	default:
		data, err := wire.Marshal(v)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}
	if err := wire.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug(map[string]any{"error": err}, "failed to write success response")
	}
}
