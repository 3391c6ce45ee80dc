package beseda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Client is the server-side view of one transport connection. It holds at most one
// attached Session, which is set when a connection request for this client is approved.
//
// Transports never create Clients themselves: Server wraps each Conn it receives, and
// embedding applications that run their own read loop call NewClient.
type Client struct {
	conn    Conn
	created time.Time

	mu       sync.Mutex
	session  *Session
	sessions map[*Session]struct{} // every live session bound to this client, attached or pending
	closed   bool
}

// ErrClientClosed is returned when sending through, or attaching a session to, a closed Client.
var ErrClientClosed = errors.New("client is closed")

// NewClient wraps conn in a Client.
func NewClient(conn Conn) *Client {
	return &Client{
		conn:     conn,
		created:  time.Now(),
		sessions: make(map[*Session]struct{}),
	}
}

// ID returns the ID of the underlying connection.
func (c *Client) ID() string { return c.conn.ID() }

// Session returns the attached session, or nil when the client never completed a connect.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.session
}

// Send delivers msgs to the client as a single batch.
func (c *Client) Send(ctx context.Context, msgs ...Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}

	if err := c.conn.Send(ctx, msgs); err != nil {
		return fmt.Errorf("failed to send to client %s: %w", c.conn.ID(), err)
	}
	return nil
}

// Close destroys every session bound to the client: attached sessions lose their
// subscriptions and pending requests are released without a response. It does not stop
// the underlying connection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Destroy()
	}
}

func (c *Client) bind(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.sessions[s] = struct{}{}
	return true
}

func (c *Client) unbind(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.sessions, s)
	if c.session == s {
		c.session = nil
	}
}

// attach makes s the client's session and returns the one it replaced, if any.
func (c *Client) attach(s *Session) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	prev := c.session
	c.session = s
	if prev == s {
		prev = nil
	}
	return prev, nil
}

func (c *Client) status() ClientStatus {
	st := ClientStatus{
		ID:      c.conn.ID(),
		Created: c.created.Unix(),
	}
	if s := c.Session(); s != nil {
		st.SessionID = s.ID()
		st.Channels = s.Channels()
	}
	return st
}
