package beseda

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Session is the server-side identity of a connected client. Its ID is the clientId the
// client chose on connect, and every later envelope from the client must carry it.
//
// A Session is created by a connection request and becomes visible on its Client only
// once that request is approved. Channel membership is changed exclusively by approved
// subscription and unsubscription requests.
type Session struct {
	id     string
	client *Client
	logger *slog.Logger

	mu        sync.Mutex
	channels  map[string]*Channel
	pending   map[*request]struct{}
	destroyed bool

	// subscribing holds the channel names of unresolved subscription requests.
	subscribing map[string]struct{}
}

func newSession(id string, client *Client, logger *slog.Logger) *Session {
	s := &Session{
		id:       id,
		client:   client,
		logger:   logger.With(slog.String("sessionID", id)),
		channels: make(map[string]*Channel),
		pending:  make(map[*request]struct{}),

		subscribing: make(map[string]struct{}),
	}
	if !client.bind(s) {
		s.destroyed = true
	}
	return s
}

// ID returns the session identity, equal to the client's clientId.
func (s *Session) ID() string { return s.id }

// Client returns the client the session is bound to.
func (s *Session) Client() *Client { return s.client }

// Send delivers msg to the session's client.
func (s *Session) Send(ctx context.Context, msg Message) error {
	return s.client.Send(ctx, msg)
}

// Channels returns the names of the channels the session is subscribed to, sorted.
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsSubscribed reports whether the session is subscribed to the named channel.
func (s *Session) IsSubscribed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.channels[name]
	return ok
}

// Destroyed reports whether the session has been torn down.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.destroyed
}

// Destroy tears the session down: it leaves every channel, releases the timers of its
// pending requests without responding to them, and detaches from its client.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	pending := make([]*request, 0, len(s.pending))
	for r := range s.pending {
		pending = append(pending, r)
	}
	s.pending = make(map[*request]struct{})
	s.mu.Unlock()

	for _, ch := range channels {
		ch.unsubscribe(s)
	}
	for _, r := range pending {
		r.release()
	}
	s.client.unbind(s)

	s.logger.Debug("session destroyed")
}

func (s *Session) track(r *request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return false
	}
	s.pending[r] = struct{}{}
	return true
}

func (s *Session) untrack(r *request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, r)
}

// reserve marks names as being subscribed by a pending request. It fails with the first
// name the session is already subscribed to, or is waiting to be subscribed to.
func (s *Session) reserve(names []string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range names {
		_, member := s.channels[name]
		_, waiting := s.subscribing[name]
		if member || waiting {
			return name, false
		}
	}
	for _, name := range names {
		s.subscribing[name] = struct{}{}
	}
	return "", true
}

func (s *Session) unreserve(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range names {
		delete(s.subscribing, name)
	}
}

// addChannel is called by Channel with the channel lock held.
func (s *Session) addChannel(ch *Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return false
	}
	s.channels[ch.name] = ch
	return true
}

// removeChannel is called by Channel with the channel lock held.
func (s *Session) removeChannel(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.channels, ch.name)
}
