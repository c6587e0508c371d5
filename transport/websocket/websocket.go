// Package websocket implements the two WebSocket address variants: a
// ServerTransport accepting inbound connections from participants that
// connect in (address.WebSocketClient), and a ClientTransport dialing out
// to a WebSocket server a participant exposes (address.WebSocketServer).
// Both sides exchange binary frames carrying an encoded envelope.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"

	"github.com/carmesh/cc/address"
	"github.com/carmesh/cc/ccerr"
	"github.com/carmesh/cc/envelope"
	"github.com/carmesh/cc/stub"
)

const writeTimeout = 5 * time.Second

// ServerTransport accepts inbound WebSocket connections (the participant is
// the client; this process is the server) and implements stub.Factory for
// address.WebSocketClient, the only address kind it can deliver to: a
// connection that has gone away cannot be re-dialed, unlike
// address.WebSocketServer.
type ServerTransport struct {
	upgrader gorilla.Upgrader
	logger   *slog.Logger
	onMsg    func(participantID string, env *envelope.Envelope)

	mu    sync.Mutex
	conns map[string]*gorilla.Conn
}

// ServerOption configures a ServerTransport.
type ServerOption func(*ServerTransport)

func WithServerLogger(l *slog.Logger) ServerOption { return func(s *ServerTransport) { s.logger = l } }

// WithServerOnMessage registers the callback invoked for every envelope
// decoded from an inbound connection, tagged with the WebSocketClient ID
// that produced it.
func WithServerOnMessage(fn func(participantID string, env *envelope.Envelope)) ServerOption {
	return func(s *ServerTransport) { s.onMsg = fn }
}

func NewServerTransport(opts ...ServerOption) *ServerTransport {
	s := &ServerTransport{
		conns:  make(map[string]*gorilla.Conn),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "transport.websocket.server")
	return s
}

// ServeHTTP upgrades the request to a WebSocket connection, assigns it a
// fresh connection ID, and starts reading frames from it until it closes.
// The assigned ID is what callers must use as address.WebSocketClient.ID to
// route messages back to this connection.
func (s *ServerTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.conns[id] = conn
	s.mu.Unlock()
	s.logger.Info("accepted inbound websocket connection", "connectionId", id)

	go s.readLoop(id, conn)
}

func (s *ServerTransport) readLoop(id string, conn *gorilla.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		conn.Close()
		s.logger.Info("websocket connection closed", "connectionId", id)
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != gorilla.BinaryMessage {
			continue
		}
		env, err := envelope.Decode(data)
		if err != nil {
			s.logger.Warn("dropping malformed inbound websocket message", "connectionId", id, "err", err)
			continue
		}
		if s.onMsg != nil {
			s.onMsg(id, env)
		}
	}
}

func (s *ServerTransport) CanCreate(addr address.Address) bool {
	_, ok := addr.(address.WebSocketClient)
	return ok
}

func (s *ServerTransport) Create(addr address.Address) (stub.MessagingStub, error) {
	wsAddr, ok := addr.(address.WebSocketClient)
	if !ok {
		return nil, fmt.Errorf("transport/websocket: %T is not an address.WebSocketClient", addr)
	}

	s.mu.Lock()
	conn, ok := s.conns[wsAddr.ID]
	s.mu.Unlock()
	if !ok {
		return nil, ccerr.New(ccerr.KindNotSent, fmt.Sprintf("no open inbound websocket connection for %s", wsAddr.ID))
	}
	return &messagingStub{conn: conn}, nil
}

// ClientTransport dials out to address.WebSocketServer destinations this
// process wants to reach, caching one connection per address.
type ClientTransport struct {
	dialer gorilla.Dialer
	logger *slog.Logger
	onMsg  func(addr address.WebSocketServer, env *envelope.Envelope)

	mu    sync.Mutex
	conns map[string]*gorilla.Conn
}

type ClientOption func(*ClientTransport)

func WithClientLogger(l *slog.Logger) ClientOption { return func(c *ClientTransport) { c.logger = l } }

func WithClientOnMessage(fn func(addr address.WebSocketServer, env *envelope.Envelope)) ClientOption {
	return func(c *ClientTransport) { c.onMsg = fn }
}

func NewClientTransport(opts ...ClientOption) *ClientTransport {
	c := &ClientTransport{
		dialer: gorilla.Dialer{HandshakeTimeout: 10 * time.Second},
		conns:  make(map[string]*gorilla.Conn),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "transport.websocket.client")
	return c
}

func (c *ClientTransport) CanCreate(addr address.Address) bool {
	_, ok := addr.(address.WebSocketServer)
	return ok
}

func (c *ClientTransport) Create(addr address.Address) (stub.MessagingStub, error) {
	wsAddr, ok := addr.(address.WebSocketServer)
	if !ok {
		return nil, fmt.Errorf("transport/websocket: %T is not an address.WebSocketServer", addr)
	}

	key := wsAddr.String()
	c.mu.Lock()
	conn, ok := c.conns[key]
	c.mu.Unlock()
	if ok {
		return &messagingStub{conn: conn}, nil
	}

	conn, _, err := c.dialer.Dial(wsAddr.String(), nil)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.KindDelayWithRetry, "dialing websocket server", err)
	}

	c.mu.Lock()
	c.conns[key] = conn
	c.mu.Unlock()
	go c.readLoop(key, wsAddr, conn)

	return &messagingStub{conn: conn}, nil
}

func (c *ClientTransport) readLoop(key string, addr address.WebSocketServer, conn *gorilla.Conn) {
	defer func() {
		c.mu.Lock()
		delete(c.conns, key)
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != gorilla.BinaryMessage {
			continue
		}
		env, err := envelope.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed message from websocket server", "server", addr.String(), "err", err)
			continue
		}
		if c.onMsg != nil {
			c.onMsg(addr, env)
		}
	}
}

type messagingStub struct {
	conn *gorilla.Conn
}

func (m *messagingStub) Transmit(ctx context.Context, env *envelope.Envelope, onFailure func(error)) error {
	data, err := env.Encode()
	if err != nil {
		return ccerr.Wrap(ccerr.KindNotSent, "encoding envelope for websocket transmission", err)
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = m.conn.SetWriteDeadline(deadline)

	if err := m.conn.WriteMessage(gorilla.BinaryMessage, data); err != nil {
		onFailure(ccerr.NewDelayWithRetry(time.Second, "websocket write failed: "+err.Error()))
	}
	return nil
}
