package beseda

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server drives a Router from a ServerTransport. It wraps every connection the transport
// yields in a Client, dispatches the connection's inbound batches in order, and tears the
// client's sessions down when the connection goes away.
//
// Several Servers may share one Router, so clients of different transports see the same
// channels.
type Server struct {
	router    *Router
	transport ServerTransport
	logger    *slog.Logger

	onClientConnected    func(string)
	onClientDisconnected func(string)

	startupTime time.Time

	mu      sync.Mutex
	clients map[*Client]struct{}

	clientsWaitGroup *sync.WaitGroup
	done             chan struct{}
	closeOnce        *sync.Once
}

// ServerStatus is snapshot of metadata describing the status of a Server.
type ServerStatus struct {
	Status      string          `json:"status"`
	Reported    int64           `json:"reported_at"`
	StartupTime int64           `json:"startup_time"`
	Published   uint64          `json:"msgs_published"`
	Clients     []ClientStatus  `json:"clients"`
	Channels    []ChannelStatus `json:"channels"`
}

// ClientStatus is a snapshot of one connected client.
type ClientStatus struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id,omitempty"`
	Channels  []string `json:"channels,omitempty"`
	Created   int64    `json:"created_at"`
}

// NewServer creates a server reading connections from transport. Without WithRouter, the
// server uses a Router with default options.
func NewServer(transport ServerTransport, options ...ServerOption) *Server {
	s := &Server{
		transport:        transport,
		logger:           slog.Default(),
		startupTime:      time.Now(),
		clients:          make(map[*Client]struct{}),
		clientsWaitGroup: &sync.WaitGroup{},
		done:             make(chan struct{}),
		closeOnce:        &sync.Once{},
	}
	for _, opt := range options {
		opt(s)
	}
	if s.router == nil {
		s.router = NewRouter(WithRouterLogger(s.logger))
	}
	return s
}

// WithRouter sets the router the server dispatches to.
func WithRouter(router *Router) ServerOption {
	return func(s *Server) {
		s.router = router
	}
}

// WithServerOnClientConnected sets the callback for when a client connects.
// The callback's parameter is the ID of the connection.
func WithServerOnClientConnected(onClientConnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client disconnects.
// The callback's parameter is the ID of the connection.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-beseda"),
			slog.String("component", "server"),
		)
	}
}

// Router returns the router the server dispatches to.
func (s *Server) Router() *Router { return s.router }

// Serve consumes connections from the transport until the transport ends its iteration.
//
// Serve blocks until the server is shut down.
func (s *Server) Serve() {
	// This loop would break when the transport is shut down.
	for conn := range s.transport.Conns() {
		client := NewClient(conn)

		s.mu.Lock()
		select {
		case <-s.done:
			s.mu.Unlock()
			conn.Stop()
			continue
		default:
		}
		s.clients[client] = struct{}{}
		s.clientsWaitGroup.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.clientsWaitGroup.Done()
			s.serveClient(client)
		}()
	}
}

// Shutdown gracefully shuts down the server by stopping all active connections, waiting
// for their sessions to be torn down and shutting the transport down.
// It returns an error if the context is cancelled before the shutdown completes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		clients := make([]*Client, 0, len(s.clients))
		for c := range s.clients {
			clients = append(clients, c)
		}
		s.mu.Unlock()

		for _, c := range clients {
			c.conn.Stop()
		}
	})

	// Wait for all clients to finish.
	waited := make(chan struct{})
	go func() {
		s.clientsWaitGroup.Wait()
		close(waited)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for clients: %w", ctx.Err())
	case <-waited:
	}

	// Close the transport so the Conns loop in Serve breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}
	return nil
}

// Status returns a snapshot of status metadata for the Server.
//
// Primarily intended for logging and reporting.
func (s *Server) Status() ServerStatus {
	s.mu.Lock()
	clients := make([]ClientStatus, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c.status())
	}
	s.mu.Unlock()

	// sort by age of connection
	sort.Slice(clients, func(i, j int) bool {
		if clients[i].Created == clients[j].Created {
			return clients[i].ID < clients[j].ID
		}
		return clients[i].Created < clients[j].Created
	})

	channels := s.router.registry.Channels()
	chStatus := make([]ChannelStatus, 0, len(channels))
	for _, ch := range channels {
		chStatus = append(chStatus, ch.status())
	}

	return ServerStatus{
		Status:      "OK",
		Reported:    time.Now().Unix(),
		StartupTime: s.startupTime.Unix(),
		Published:   s.router.Published(),
		Clients:     clients,
		Channels:    chStatus,
	}
}

func (s *Server) serveClient(client *Client) {
	logger := s.logger.With(slog.String("clientID", client.ID()))

	if s.onClientConnected != nil {
		s.onClientConnected(client.ID())
	}

	// This base context makes sure synchronous responses are abandoned on shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.done:
		case <-ctx.Done():
		}
		cancel()
	}()

	// This loop breaks when the connection is closed by either side.
	for batch := range client.conn.Batches() {
		if err := s.router.DispatchRaw(ctx, client, batch); err != nil {
			logger.Error("failed to dispatch batch", slog.String("err", err.Error()))
		}
	}
	cancel()

	client.Close()
	client.conn.Stop()

	s.mu.Lock()
	delete(s.clients, client)
	s.mu.Unlock()

	if s.onClientDisconnected != nil {
		s.onClientDisconnected(client.ID())
	}
	logger.Debug("client disconnected")
}
