package beseda

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketServer implements a WebSocket server transport. Every text frame received from
// the client carries one batch, and every batch sent to the client is written as one text
// frame.
//
// WebSocketServer is an http.Handler and should be mounted on the path clients dial.
// Instances should be created using NewWebSocketServer.
type WebSocketServer struct {
	upgrader     websocket.Upgrader
	readLimit    int64
	pingInterval time.Duration
	logger       *slog.Logger

	conns     chan *wsConn
	done      chan struct{}
	closed    chan struct{}
	closeOnce *sync.Once
}

// WebSocketServerOption represents the options for the WebSocketServer.
type WebSocketServerOption func(*WebSocketServer)

// WebSocketClient implements a WebSocket client transport.
type WebSocketClient struct {
	url       string
	dialer    *websocket.Dialer
	header    http.Header
	readLimit int64
	logger    *slog.Logger
}

// WebSocketClientOption represents the options for the WebSocketClient.
type WebSocketClientOption func(*WebSocketClient)

type wsConn struct {
	id           string
	ws           *websocket.Conn
	readLimit    int64
	pingInterval time.Duration
	logger       *slog.Logger

	writes  chan wsWrite
	batches chan []byte

	stopOnce *sync.Once
	done     chan struct{}
}

type wsWrite struct {
	data []byte
	errs chan<- error
}

const (
	defaultWSReadLimit    = 1 << 20
	defaultWSPingInterval = 54 * time.Second

	wsWriteWait = 10 * time.Second
)

// NewWebSocketServer creates a new WebSocket server transport.
func NewWebSocketServer(options ...WebSocketServerOption) *WebSocketServer {
	s := &WebSocketServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		readLimit:    defaultWSReadLimit,
		pingInterval: defaultWSPingInterval,
		logger:       slog.Default(),
		conns:        make(chan *wsConn),
		done:         make(chan struct{}),
		closed:       make(chan struct{}),
		closeOnce:    &sync.Once{},
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithWebSocketServerLogger sets the logger for the WebSocket server transport.
func WithWebSocketServerLogger(logger *slog.Logger) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.logger = logger.With(
			slog.String("package", "go-beseda"),
			slog.String("component", "websocket"),
		)
	}
}

// WithWebSocketServerReadLimit sets the maximum size of a frame read from a client.
func WithWebSocketServerReadLimit(limit int64) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.readLimit = limit
	}
}

// WithWebSocketServerPingInterval sets how often the server pings its clients. A client
// that does not answer within the interval is disconnected. Zero disables pings.
func WithWebSocketServerPingInterval(interval time.Duration) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.pingInterval = interval
	}
}

// WithWebSocketServerCheckOrigin sets the origin check of the upgrader.
func WithWebSocketServerCheckOrigin(check func(r *http.Request) bool) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.upgrader.CheckOrigin = check
	}
}

// NewWebSocketClient creates a WebSocket client transport that dials url.
func NewWebSocketClient(url string, options ...WebSocketClientOption) *WebSocketClient {
	c := &WebSocketClient{
		url:       url,
		dialer:    websocket.DefaultDialer,
		readLimit: defaultWSReadLimit,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithWebSocketClientDialer sets the dialer used to open the connection.
func WithWebSocketClientDialer(dialer *websocket.Dialer) WebSocketClientOption {
	return func(c *WebSocketClient) {
		c.dialer = dialer
	}
}

// WithWebSocketClientHeader sets the headers sent with the handshake request.
func WithWebSocketClientHeader(header http.Header) WebSocketClientOption {
	return func(c *WebSocketClient) {
		c.header = header
	}
}

// WithWebSocketClientLogger sets the logger for the WebSocket client transport.
func WithWebSocketClientLogger(logger *slog.Logger) WebSocketClientOption {
	return func(c *WebSocketClient) {
		c.logger = logger.With(
			slog.String("package", "go-beseda"),
			slog.String("component", "websocket-client"),
		)
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and hands it to the Conns loop.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied to the client.
		s.logger.Warn("failed to upgrade connection", slog.String("err", err.Error()))
		return
	}

	conn := newWSConn(uuid.New().String(), ws, s.readLimit, s.pingInterval, s.logger)

	select {
	case s.conns <- conn:
		conn.start()
	case <-s.done:
		conn.closeWithoutPumps()
	case <-r.Context().Done():
		conn.closeWithoutPumps()
	}
}

// Conns returns an iterator over new client connections.
func (s *WebSocketServer) Conns() iter.Seq[Conn] {
	return func(yield func(Conn) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case conn := <-s.conns:
				if !yield(conn) {
					return
				}
			}
		}
	}
}

// Shutdown stops accepting connections and waits for the Conns iteration to end.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close WebSocket server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// StartSession dials the server and starts the connection pumps.
func (c *WebSocketClient) StartSession(ctx context.Context) (ClientConn, error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %w", c.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", c.url, err)
	}

	conn := newWSConn(uuid.New().String(), ws, c.readLimit, 0, c.logger)
	conn.start()
	return conn, nil
}

func newWSConn(id string, ws *websocket.Conn, readLimit int64, pingInterval time.Duration,
	logger *slog.Logger,
) *wsConn {
	return &wsConn{
		id:           id,
		ws:           ws,
		readLimit:    readLimit,
		pingInterval: pingInterval,
		logger:       logger.With(slog.String("connID", id)),
		writes:       make(chan wsWrite),
		batches:      make(chan []byte),
		stopOnce:     &sync.Once{},
		done:         make(chan struct{}),
	}
}

func (c *wsConn) start() {
	go c.readPump()
	go c.writePump()
}

func (c *wsConn) closeWithoutPumps() {
	c.stopOnce.Do(func() { close(c.done) })
	c.ws.Close()
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ctx context.Context, msgs []Message) error {
	data, err := EncodeBatch(msgs)
	if err != nil {
		return err
	}

	errs := make(chan error, 1)
	select {
	case c.writes <- wsWrite{data: data, errs: errs}:
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errs:
		return err
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) Batches() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			select {
			case <-c.done:
				return
			case batch := <-c.batches:
				if !yield(batch) {
					return
				}
			}
		}
	}
}

func (c *wsConn) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for batch := range c.Batches() {
			msgs, err := DecodeBatch(batch)
			if err != nil {
				c.logger.Error("failed to decode batch", slog.String("err", err.Error()))
				continue
			}
			for _, msg := range msgs {
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (c *wsConn) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *wsConn) readPump() {
	defer c.Stop()

	if c.readLimit > 0 {
		c.ws.SetReadLimit(c.readLimit)
	}
	if c.pingInterval > 0 {
		pongWait := c.pingInterval * 10 / 9
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", slog.String("err", err.Error()))
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}

		select {
		case c.batches <- data:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writePump() {
	var ticks <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	defer c.ws.Close()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case w := <-c.writes:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := c.ws.WriteMessage(websocket.TextMessage, w.data)
			w.errs <- err
			if err != nil {
				c.logger.Warn("failed to write batch", slog.String("err", err.Error()))
				c.Stop()
				return
			}
		case <-ticks:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Stop()
				return
			}
		}
	}
}

var (
	_ ServerTransport = (*WebSocketServer)(nil)
	_ ClientTransport = (*WebSocketClient)(nil)
	_ Conn            = (*wsConn)(nil)
	_ ClientConn      = (*wsConn)(nil)
)
