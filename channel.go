package beseda

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Channel is a named topic. It tracks the sessions subscribed to it and fans published
// data out to them. Channels are shared between all clients of a Router and are only ever
// obtained through a ChannelRegistry, which guarantees one instance per name.
type Channel struct {
	name string

	mu          sync.RWMutex
	subscribers map[*Session]struct{}

	// refs counts unresolved requests that target the channel, so Prune leaves it alone.
	refs      atomic.Int64
	published atomic.Uint64
}

// ChannelRegistry maps channel names to Channel instances.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// ChannelStatus is a snapshot of a channel's state.
type ChannelStatus struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"msgs_published"`
}

// NewChannelRegistry creates an empty registry.
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		channels: make(map[string]*Channel),
	}
}

// Get returns the channel registered under name.
func (r *ChannelRegistry) Get(name string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[name]
	return ch, ok
}

// GetOrCreate returns the channel registered under name, creating it if needed.
func (r *ChannelRegistry) GetOrCreate(name string) *Channel {
	if ch, ok := r.Get(name); ok {
		return ch
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.getOrCreateLocked(name)
}

// Channels returns every registered channel, sorted by name.
func (r *ChannelRegistry) Channels() []*Channel {
	r.mu.RLock()
	chs := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		chs = append(chs, ch)
	}
	r.mu.RUnlock()

	sort.Slice(chs, func(i, j int) bool {
		return chs[i].name < chs[j].name
	})
	return chs
}

// Prune unregisters every channel that has no subscriber and no pending request targeting
// it, and returns their names. The routing core never prunes on its own; callers decide
// when channels are garbage.
func (r *ChannelRegistry) Prune() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pruned []string
	for name, ch := range r.channels {
		if ch.refs.Load() > 0 || ch.Len() > 0 {
			continue
		}
		delete(r.channels, name)
		pruned = append(pruned, name)
	}
	sort.Strings(pruned)
	return pruned
}

func (r *ChannelRegistry) getOrCreateLocked(name string) *Channel {
	ch, ok := r.channels[name]
	if !ok {
		ch = &Channel{
			name:        name,
			subscribers: make(map[*Session]struct{}),
		}
		r.channels[name] = ch
	}
	return ch
}

// acquire is GetOrCreate that also pins the channel against Prune until release.
func (r *ChannelRegistry) acquire(name string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := r.getOrCreateLocked(name)
	ch.refs.Add(1)
	return ch
}

// acquireExisting pins an already registered channel.
func (r *ChannelRegistry) acquireExisting(name string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[name]
	if !ok {
		return nil, false
	}
	ch.refs.Add(1)
	return ch, true
}

func release(chs ...*Channel) {
	for _, ch := range chs {
		ch.refs.Add(-1)
	}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// IsSubscribed reports whether s is subscribed to the channel.
func (c *Channel) IsSubscribed(s *Session) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.subscribers[s]
	return ok
}

// Subscribers returns a snapshot of the subscribed sessions, sorted by session ID.
func (c *Channel) Subscribers() []*Session {
	c.mu.RLock()
	subs := make([]*Session, 0, len(c.subscribers))
	for s := range c.subscribers {
		subs = append(subs, s)
	}
	c.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool {
		return subs[i].id < subs[j].id
	})
	return subs
}

// Len returns the number of subscribed sessions.
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.subscribers)
}

// Published returns how many publications were fanned out on the channel.
func (c *Channel) Published() uint64 { return c.published.Load() }

func (c *Channel) status() ChannelStatus {
	return ChannelStatus{
		Name:        c.name,
		Subscribers: c.Len(),
		Published:   c.published.Load(),
	}
}

// subscribe adds s on both sides of the membership. It reports false when s was already
// a member or has been destroyed meanwhile.
func (c *Channel) subscribe(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subscribers[s]; ok {
		return false
	}
	if !s.addChannel(c) {
		return false
	}
	c.subscribers[s] = struct{}{}
	return true
}

// unsubscribe removes s on both sides of the membership.
func (c *Channel) unsubscribe(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subscribers[s]; !ok {
		return false
	}
	delete(c.subscribers, s)
	s.removeChannel(c)
	return true
}

// publish sends data to every current subscriber and returns how many were addressed.
// The subscriber set is captured once, so membership changes approved afterwards do not
// affect this fan-out.
func (c *Channel) publish(data []byte, sendTimeout time.Duration, logger *slog.Logger) int {
	subs := c.Subscribers()
	c.published.Add(1)

	msg := Message{
		Channel: c.name,
		Data:    data,
	}
	for _, s := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := s.Send(ctx, msg); err != nil {
			logger.Warn("failed to deliver publication",
				slog.String("channel", c.name),
				slog.String("sessionID", s.id),
				slog.String("err", err.Error()),
			)
		}
		cancel()
	}
	return len(subs)
}
