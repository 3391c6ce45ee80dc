package beseda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Peer is the client side of the protocol. It speaks to a server through a ClientTransport,
// correlates responses with the requests it sent, and hands publications of the channels
// it subscribed to a DeliveryHandler.
//
// A Peer opens its transport session lazily on the first request, so sending Subscribe or
// Publish before Connect reaches the server and is answered with an error.
type Peer struct {
	transport       ClientTransport
	clientID        string
	delivery        DeliveryHandler
	responseTimeout time.Duration
	logger          *slog.Logger

	mu           sync.Mutex
	conn         ClientConn
	pending      map[string]chan Message
	disconnected chan struct{}

	seq       atomic.Uint64
	done      chan struct{}
	closeOnce *sync.Once
	listeners sync.WaitGroup
}

// PeerOption represents the options for the Peer.
type PeerOption func(*Peer)

// ResponseError is returned by Peer requests the server answered unsuccessfully.
type ResponseError struct {
	Channel string
	ID      string
	Reason  string
}

const defaultPeerResponseTimeout = 30 * time.Second

var (
	// ErrPeerClosed is returned when a request is made on, or interrupted by, a closed Peer.
	ErrPeerClosed = errors.New("peer closed")
	// ErrPeerDisconnected is returned when the transport session ends before a response arrives.
	ErrPeerDisconnected = errors.New("peer disconnected")
)

// NewPeer creates a Peer that talks through transport. Unless WithPeerClientID is given,
// a random client ID is generated.
func NewPeer(transport ClientTransport, options ...PeerOption) *Peer {
	p := &Peer{
		transport:       transport,
		clientID:        uuid.New().String(),
		responseTimeout: defaultPeerResponseTimeout,
		logger:          slog.Default(),
		pending:         make(map[string]chan Message),
		done:            make(chan struct{}),
		closeOnce:       &sync.Once{},
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// WithPeerClientID sets the client ID the Peer announces in every envelope.
func WithPeerClientID(id string) PeerOption {
	return func(p *Peer) {
		p.clientID = id
	}
}

// WithDeliveryHandler sets the handler of publications received by the Peer.
func WithDeliveryHandler(handler DeliveryHandler) PeerOption {
	return func(p *Peer) {
		p.delivery = handler
	}
}

// WithPeerResponseTimeout sets how long a request waits for its response.
func WithPeerResponseTimeout(timeout time.Duration) PeerOption {
	return func(p *Peer) {
		p.responseTimeout = timeout
	}
}

// WithPeerLogger sets the logger of the Peer.
func WithPeerLogger(logger *slog.Logger) PeerOption {
	return func(p *Peer) {
		p.logger = logger.With(
			slog.String("package", "go-beseda"),
			slog.String("component", "peer"),
		)
	}
}

// ClientID returns the client ID the Peer announces.
func (p *Peer) ClientID() string {
	return p.clientID
}

// Connect sends a connection request and waits for its response.
func (p *Peer) Connect(ctx context.Context) error {
	_, err := p.request(ctx, Message{Channel: MetaConnect})
	return err
}

// Subscribe asks to subscribe to the given channels and waits for the response. Either
// all of them are subscribed or none is.
func (p *Peer) Subscribe(ctx context.Context, names ...string) error {
	_, err := p.request(ctx, Message{Channel: MetaSubscribe, Subscription: names})
	return err
}

// Unsubscribe asks to unsubscribe from the given channels and waits for the response.
func (p *Peer) Unsubscribe(ctx context.Context, names ...string) error {
	_, err := p.request(ctx, Message{Channel: MetaUnsubscribe, Subscription: names})
	return err
}

// Publish encodes data as JSON, publishes it to channel and waits for the response.
// A json.RawMessage is sent as is.
func (p *Peer) Publish(ctx context.Context, channel string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode publication data: %w", err)
	}
	_, err = p.request(ctx, Message{Channel: channel, Data: raw})
	return err
}

// Close stops the transport session and fails every request still waiting for a response.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)

		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()
		if conn != nil {
			conn.Stop()
		}
	})
	p.listeners.Wait()
	return nil
}

func (p *Peer) request(ctx context.Context, msg Message) (Message, error) {
	conn, disconnected, err := p.session(ctx)
	if err != nil {
		return Message{}, err
	}

	msg.ClientID = p.clientID
	msg.ID = strconv.FormatUint(p.seq.Add(1), 10)

	results := make(chan Message, 1)
	p.mu.Lock()
	p.pending[msg.ID] = results
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, msg.ID)
		p.mu.Unlock()
	}()

	if err := conn.Send(ctx, []Message{msg}); err != nil {
		return Message{}, fmt.Errorf("failed to send %s request: %w", msg.Channel, err)
	}

	timer := time.NewTimer(p.responseTimeout)
	defer timer.Stop()

	select {
	case resp := <-results:
		if !resp.IsSuccessful() {
			return resp, &ResponseError{Channel: resp.Channel, ID: resp.ID, Reason: resp.Error}
		}
		return resp, nil
	case <-timer.C:
		return Message{}, fmt.Errorf("%s request %s: no response after %s", msg.Channel, msg.ID, p.responseTimeout)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-disconnected:
		return Message{}, ErrPeerDisconnected
	case <-p.done:
		return Message{}, ErrPeerClosed
	}
}

func (p *Peer) session(ctx context.Context) (ClientConn, <-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.done:
		return nil, nil, ErrPeerClosed
	default:
	}

	if p.conn != nil {
		return p.conn, p.disconnected, nil
	}

	conn, err := p.transport.StartSession(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start session: %w", err)
	}
	p.conn = conn
	p.disconnected = make(chan struct{})

	p.listeners.Add(1)
	go p.listen(conn, p.disconnected)

	return conn, p.disconnected, nil
}

func (p *Peer) listen(conn ClientConn, disconnected chan struct{}) {
	defer p.listeners.Done()
	defer func() {
		p.mu.Lock()
		if p.conn == conn {
			// The next request opens a fresh session.
			p.conn = nil
		}
		p.mu.Unlock()
		close(disconnected)
	}()

	for msg := range conn.Messages() {
		if msg.Malformed() {
			p.logger.Warn("dropped malformed message",
				slog.String("channel", msg.Channel),
				slog.String("id", msg.ID))
			continue
		}
		if msg.Successful == nil {
			p.deliver(msg)
			continue
		}

		p.mu.Lock()
		results, ok := p.pending[msg.ID]
		p.mu.Unlock()
		if !ok {
			p.logger.Warn("received response to unknown request",
				slog.String("channel", msg.Channel),
				slog.String("id", msg.ID))
			continue
		}
		select {
		case results <- msg:
		default:
		}
	}
}

func (p *Peer) deliver(msg Message) {
	if p.delivery == nil {
		return
	}
	p.delivery.HandleDelivery(msg)
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s request %s failed: %s", e.Channel, e.ID, e.Reason)
}
