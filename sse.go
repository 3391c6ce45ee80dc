package beseda

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) transport. Responses
// and publications stream to the client as SSE "message" events, while the client posts
// its batches to an HTTP endpoint.
//
// The transport exposes HandleSSE and HandleMessage http.Handlers that can be integrated
// with any HTTP framework. Instances should be created using NewSSEServer.
type SSEServer struct {
	messageURL     string
	maxPayloadSize int64
	logger         *slog.Logger

	conns       chan *sseServerConn
	activeConns *sync.Map // map[connID]*sseServerConn

	done      chan struct{}
	closed    chan struct{}
	closeOnce *sync.Once
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements a Server-Sent Events (SSE) client transport. It receives the server's
// envelopes through an event stream and posts its own batches to the endpoint the server
// announces when the stream opens.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerConn struct {
	id       string
	sess     *sse.Session
	sendMsgs chan sseSendMsg
	batches  chan []byte
	logger   *slog.Logger

	stopOnce *sync.Once
	done     chan struct{}
}

type sseSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

type sseClientConn struct {
	httpClient *http.Client
	logger     *slog.Logger

	mu         sync.Mutex
	messageURL string

	messages chan Message
	done     chan struct{}
	cancel   context.CancelFunc
	stopOnce *sync.Once
}

const (
	sseEventEndpoint = "endpoint"
	sseEventMessage  = "message"

	defaultSSEMaxPayloadSize = 1 << 20
)

// NewSSEServer creates and initializes a new SSE transport. messageURL is the URL where
// HandleMessage is mounted, announced to each client with its connection ID appended.
func NewSSEServer(messageURL string, options ...SSEServerOption) SSEServer {
	s := SSEServer{
		messageURL:     messageURL,
		maxPayloadSize: defaultSSEMaxPayloadSize,
		logger:         slog.Default(),
		conns:          make(chan *sseServerConn),
		activeConns:    &sync.Map{},
		done:           make(chan struct{}),
		closed:         make(chan struct{}),
		closeOnce:      &sync.Once{},
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSE server transport.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "go-beseda"),
			slog.String("component", "sse"),
		)
	}
}

// WithSSEServerMaxPayloadSize limits the size of a posted batch.
func WithSSEServerMaxPayloadSize(size int64) SSEServerOption {
	return func(s *SSEServer) {
		s.maxPayloadSize = size
	}
}

// NewSSEClient creates an SSE client transport that connects to connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithSSEClientMaxPayloadSize sets the maximum size of an event that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the stream closed.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(c *SSEClient) {
		c.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the SSE client transport.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(c *SSEClient) {
		c.logger = logger.With(
			slog.String("package", "go-beseda"),
			slog.String("component", "sse-client"),
		)
	}
}

// Conns returns an iterator over new client connections.
func (s SSEServer) Conns() iter.Seq[Conn] {
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

// Shutdown gracefully shuts down the SSE transport. It stops accepting connections and
// waits for the Conns iteration to end.
func (s SSEServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, assigns unique connection IDs, and
// provides clients with their message endpoints. The connection remains active until
// either the client disconnects or the server stops it.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		connID := uuid.New().String()

		u, err := url.Parse(s.messageURL)
		if err != nil {
			s.logger.Error("invalid message URL", slog.String("err", err.Error()))
			http.Error(w, "invalid message URL", http.StatusInternalServerError)
			return
		}
		q := u.Query()
		q.Set("connID", connID)
		u.RawQuery = q.Encode()

		// Use the type "endpoint" to indicate the endpoint URL.
		msg := sse.Message{
			Type: sse.Type(sseEventEndpoint),
		}
		msg.AppendData(u.String())
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write SSE URL", slog.String("err", err.Error()))
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush SSE", slog.String("err", err.Error()))
			return
		}

		conn := &sseServerConn{
			id:       connID,
			sess:     sess,
			sendMsgs: make(chan sseSendMsg),
			batches:  make(chan []byte),
			logger:   s.logger.With(slog.String("connID", connID)),
			stopOnce: &sync.Once{},
			done:     make(chan struct{}),
		}
		s.activeConns.Store(connID, conn)
		defer s.activeConns.Delete(connID)

		// Feed the conns channel that would be consumed in Conns loop, so it can be forwarded to caller.
		select {
		case s.conns <- conn:
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		}

		// Block until the connection is closed, so the stream is left open.
		conn.processSendMessages(r.Context())
	})
}

// HandleMessage returns an http.Handler for processing batches posted by clients. The
// handler expects a connID query parameter and a JSON batch body.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		connID := r.URL.Query().Get("connID")
		if connID == "" {
			s.logger.Warn("missing connID query parameter")
			http.Error(w, "missing connID query parameter", http.StatusBadRequest)
			return
		}

		v, ok := s.activeConns.Load(connID)
		if !ok {
			http.Error(w, "unknown connection", http.StatusNotFound)
			return
		}
		conn, _ := v.(*sseServerConn)

		body, err := io.ReadAll(io.LimitReader(r.Body, s.maxPayloadSize+1))
		if err != nil {
			s.logger.Warn("failed to read batch", slog.String("err", err.Error()))
			http.Error(w, "failed to read batch", http.StatusBadRequest)
			return
		}
		if int64(len(body)) > s.maxPayloadSize {
			http.Error(w, "batch too large", http.StatusRequestEntityTooLarge)
			return
		}

		// Hand the batch to the dispatch loop of the connection.
		select {
		case conn.batches <- body:
		case <-conn.done:
			http.Error(w, "connection closed", http.StatusGone)
		case <-s.done:
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		case <-r.Context().Done():
		}
	})
}

func (c *sseServerConn) ID() string { return c.id }

func (c *sseServerConn) Send(ctx context.Context, msgs []Message) error {
	msgBs, err := EncodeBatch(msgs)
	if err != nil {
		return err
	}

	sseMsg := &sse.Message{
		Type: sse.Type(sseEventMessage),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// Queue the message for sending to avoid race in the sse library.
	select {
	case c.sendMsgs <- sseSendMsg{sseMsg, errs}:
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// Wait and return the error if any.
	select {
	case err := <-errs:
		return err
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *sseServerConn) Batches() iter.Seq[[]byte] {
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

func (c *sseServerConn) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *sseServerConn) processSendMessages(ctx context.Context) {
	defer c.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case sm := <-c.sendMsgs:
			// Send and flush the message to the client.
			err := c.sess.Send(sm.msg)
			if err == nil {
				err = c.sess.Flush()
			}
			if err != nil {
				c.logger.Warn("failed to send batch", slog.String("err", err.Error()))
			}
			sm.errs <- err
		}
	}
}

// StartSession opens the event stream and waits for the server to announce the message
// endpoint. ctx bounds the handshake only, the stream stays open until Stop is called.
func (c *SSEClient) StartSession(ctx context.Context) (ClientConn, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	// Abort the handshake with ctx, detached again once the endpoint is known.
	detach := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	conn := &sseClientConn{
		httpClient: c.httpClient,
		logger:     c.logger,
		messages:   make(chan Message, 16),
		done:       make(chan struct{}),
		cancel:     cancel,
		stopOnce:   &sync.Once{},
	}

	ready := make(chan error, 1)
	go conn.listen(resp.Body, c.maxPayloadSize, ready)

	select {
	case err := <-ready:
		if err != nil {
			conn.Stop()
			return nil, err
		}
	case <-ctx.Done():
		conn.Stop()
		return nil, ctx.Err()
	}

	if !detach() {
		conn.Stop()
		return nil, ctx.Err()
	}
	return conn, nil
}

func (c *sseClientConn) listen(body io.ReadCloser, maxPayloadSize int, ready chan<- error) {
	defer func() {
		body.Close()
		close(c.messages)
	}()

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxPayloadSize,
		}
	}

	announced := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("failed to read SSE event", slog.String("err", err.Error()))
			}
			if !announced {
				ready <- fmt.Errorf("stream closed before endpoint: %w", err)
			}
			return
		}

		switch ev.Type {
		case sseEventEndpoint:
			u, err := url.Parse(ev.Data)
			if err != nil || u.String() == "" {
				if announced {
					c.logger.Error("ignoring invalid endpoint URL", slog.String("url", ev.Data))
					continue
				}
				ready <- fmt.Errorf("invalid endpoint URL %q", ev.Data)
				return
			}
			c.mu.Lock()
			c.messageURL = u.String()
			c.mu.Unlock()
			if !announced {
				announced = true
				close(ready)
			}
		case sseEventMessage:
			if !announced {
				c.logger.Error("received message before endpoint URL")
				continue
			}
			msgs, err := DecodeBatch([]byte(ev.Data))
			if err != nil {
				c.logger.Error("failed to decode batch", slog.String("err", err.Error()))
				continue
			}
			for _, msg := range msgs {
				select {
				case c.messages <- msg:
				case <-c.done:
					return
				}
			}
		default:
			c.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}

	if !announced {
		ready <- errors.New("stream closed before endpoint")
	}
}

// Send posts a batch to the announced message endpoint.
func (c *sseClientConn) Send(ctx context.Context, msgs []Message) error {
	msgBs, err := EncodeBatch(msgs)
	if err != nil {
		return err
	}

	c.mu.Lock()
	messageURL := c.messageURL
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (c *sseClientConn) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for msg := range c.messages {
			if !yield(msg) {
				return
			}
		}
	}
}

func (c *sseClientConn) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

var (
	_ ServerTransport = SSEServer{}
	_ ClientTransport = (*SSEClient)(nil)
	_ Conn            = (*sseServerConn)(nil)
	_ ClientConn      = (*sseClientConn)(nil)
)
