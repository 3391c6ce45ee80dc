package beseda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// RouterOption represents the options for the router.
type RouterOption func(*Router)

// Router is the entry point of the protocol engine. It validates and classifies every
// envelope of an inbound batch, builds the matching request and hands it to the installed
// handler, or approves it immediately when no handler is installed for its kind.
//
// A Router is safe for concurrent use by any number of clients and transports.
type Router struct {
	registry *ChannelRegistry
	logger   *slog.Logger

	connectHandler     ConnectHandler
	subscribeHandler   SubscribeHandler
	unsubscribeHandler UnsubscribeHandler
	publishHandler     PublishHandler

	connectionTimeout     time.Duration
	subscriptionTimeout   time.Duration
	unsubscriptionTimeout time.Duration
	publicationTimeout    time.Duration
	sendTimeout           time.Duration

	published atomic.Uint64
}

var (
	defaultRequestTimeout = 10 * time.Second
	defaultSendTimeout    = 30 * time.Second

	// ErrSessionMismatch is returned by Dispatch when an envelope's clientId differs from
	// the session attached to the client that sent it.
	ErrSessionMismatch = errors.New("client session does not match clientId")

	// ErrUnknownChannel is returned by Dispatch when a client unsubscribes from a channel
	// that was never registered, which no session can be a member of.
	ErrUnknownChannel = errors.New("channel not registered")
)

// NewRouter creates a Router with its own ChannelRegistry, unless one is provided with
// WithChannelRegistry.
func NewRouter(options ...RouterOption) *Router {
	r := &Router{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	if r.registry == nil {
		r.registry = NewChannelRegistry()
	}
	if r.connectionTimeout <= 0 {
		r.connectionTimeout = defaultRequestTimeout
	}
	if r.subscriptionTimeout <= 0 {
		r.subscriptionTimeout = defaultRequestTimeout
	}
	if r.unsubscriptionTimeout <= 0 {
		r.unsubscriptionTimeout = defaultRequestTimeout
	}
	if r.publicationTimeout <= 0 {
		r.publicationTimeout = defaultRequestTimeout
	}
	if r.sendTimeout <= 0 {
		r.sendTimeout = defaultSendTimeout
	}
	return r
}

// WithChannelRegistry makes the router share registry instead of creating its own.
func WithChannelRegistry(registry *ChannelRegistry) RouterOption {
	return func(r *Router) {
		r.registry = registry
	}
}

// WithConnectHandler installs the handler for connection requests.
func WithConnectHandler(handler ConnectHandler) RouterOption {
	return func(r *Router) {
		r.connectHandler = handler
	}
}

// WithSubscribeHandler installs the handler for subscription requests.
func WithSubscribeHandler(handler SubscribeHandler) RouterOption {
	return func(r *Router) {
		r.subscribeHandler = handler
	}
}

// WithUnsubscribeHandler installs the handler for unsubscription requests.
func WithUnsubscribeHandler(handler UnsubscribeHandler) RouterOption {
	return func(r *Router) {
		r.unsubscribeHandler = handler
	}
}

// WithPublishHandler installs the handler for publication requests.
func WithPublishHandler(handler PublishHandler) RouterOption {
	return func(r *Router) {
		r.publishHandler = handler
	}
}

// WithPolicy installs policy as the handler of every request kind.
func WithPolicy(policy Policy) RouterOption {
	return func(r *Router) {
		r.connectHandler = policy
		r.subscribeHandler = policy
		r.unsubscribeHandler = policy
		r.publishHandler = policy
	}
}

// WithConnectionTimeout sets how long a connection request may stay pending before it is
// declined automatically.
func WithConnectionTimeout(timeout time.Duration) RouterOption {
	return func(r *Router) {
		r.connectionTimeout = timeout
	}
}

// WithSubscriptionTimeout sets the pending timeout of subscription requests.
func WithSubscriptionTimeout(timeout time.Duration) RouterOption {
	return func(r *Router) {
		r.subscriptionTimeout = timeout
	}
}

// WithUnsubscriptionTimeout sets the pending timeout of unsubscription requests.
func WithUnsubscriptionTimeout(timeout time.Duration) RouterOption {
	return func(r *Router) {
		r.unsubscriptionTimeout = timeout
	}
}

// WithPublicationTimeout sets the pending timeout of publication requests.
func WithPublicationTimeout(timeout time.Duration) RouterOption {
	return func(r *Router) {
		r.publicationTimeout = timeout
	}
}

// WithSendTimeout bounds every single delivery to a client.
func WithSendTimeout(timeout time.Duration) RouterOption {
	return func(r *Router) {
		r.sendTimeout = timeout
	}
}

// WithRouterLogger sets the logger for the router and the requests it creates.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger.With(
			slog.String("package", "go-beseda"),
			slog.String("component", "router"),
		)
	}
}

// Registry returns the channel registry of the router.
func (r *Router) Registry() *ChannelRegistry { return r.registry }

// Published returns the number of approved publications since the router was created.
func (r *Router) Published() uint64 { return r.published.Load() }

// DispatchRaw decodes raw as a batch and dispatches it. A payload that is not a JSON array
// of envelopes is answered with a single /meta/error envelope.
func (r *Router) DispatchRaw(ctx context.Context, client *Client, raw []byte) error {
	msgs, err := DecodeBatch(raw)
	if err != nil {
		r.logger.Info("rejected malformed batch",
			slog.String("clientID", client.ID()),
			slog.String("err", err.Error()),
		)
		r.reply(ctx, client, Message{
			Channel:    MetaError,
			Successful: failure(),
			Error:      errMsgMalformedBatch,
		})
		return nil
	}
	return r.Dispatch(ctx, client, msgs)
}

// Dispatch processes every envelope of a batch independently. Protocol errors are
// answered to the client and never stop the batch. Contract violations (ErrSessionMismatch,
// ErrUnknownChannel) abort only the offending envelope and are returned joined once the
// whole batch has been processed.
//
// Dispatch never waits for a request to be resolved: responses of requests held by a
// handler are sent whenever the handler decides.
func (r *Router) Dispatch(ctx context.Context, client *Client, msgs []Message) error {
	var errs []error
	for i, msg := range msgs {
		if err := r.route(ctx, client, msg); err != nil {
			r.logger.Error("protocol violation",
				slog.String("clientID", client.ID()),
				slog.String("messageID", msg.ID),
				slog.String("err", err.Error()),
			)
			errs = append(errs, fmt.Errorf("message %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) route(ctx context.Context, client *Client, msg Message) error {
	if !msg.hasRequiredFields() {
		r.reply(ctx, client, Message{
			ID:         msg.ID,
			Channel:    MetaError,
			ClientID:   msg.ClientID,
			Successful: failure(),
			Error:      errMsgMissingFields,
		})
		return nil
	}
	if msg.invalid != nil {
		r.logger.Info("rejected malformed message",
			slog.String("clientID", client.ID()),
			slog.String("messageID", msg.ID),
			slog.String("err", msg.invalid.Error()),
		)
		r.replyError(ctx, client, msg, errMsgMalformedMessage)
		return nil
	}

	switch {
	case IsMetaChannel(msg.Channel):
		switch msg.Channel {
		case MetaConnect:
			return r.connect(client, msg)
		case MetaSubscribe:
			return r.subscribe(ctx, client, msg)
		case MetaUnsubscribe:
			return r.unsubscribe(ctx, client, msg)
		}
		r.replyError(ctx, client, msg, fmt.Sprintf("Meta channel %s not supported", msg.Channel))
	case IsServiceChannel(msg.Channel):
		r.replyError(ctx, client, msg, errMsgServiceChannel)
	case strings.HasPrefix(msg.Channel, "/"):
		return r.publish(ctx, client, msg)
	default:
		r.replyError(ctx, client, msg, errMsgChannelPrefix)
	}
	return nil
}

func (r *Router) connect(client *Client, msg Message) error {
	session := newSession(msg.ClientID, client, r.logger)
	req := newConnectionRequest(r, session, msg)

	if r.connectHandler != nil {
		r.connectHandler.HandleConnect(req, msg)
		return nil
	}
	r.autoApprove(req.Approve())
	return nil
}

func (r *Router) subscribe(ctx context.Context, client *Client, msg Message) error {
	if len(msg.Subscription) == 0 {
		r.replyMembership(ctx, client, msg, errMsgMissingSubscribe)
		return nil
	}

	session, err := r.sessionOf(ctx, client, msg)
	if session == nil || err != nil {
		return err
	}

	names := uniqueNames(msg.Subscription)
	for _, name := range names {
		var reason string
		switch {
		case IsMetaChannel(name):
			reason = fmt.Sprintf("You can't subscribe to meta channel %s", name)
		case HasWildcard(name):
			reason = errMsgWildcard
		case !strings.HasPrefix(name, "/"):
			reason = errMsgChannelPrefix
		}
		if reason != "" {
			r.replyMembership(ctx, client, msg, reason)
			return nil
		}
	}

	// A subscription still waiting for approval counts as subscribed.
	if name, ok := session.reserve(names); !ok {
		r.replyMembership(ctx, client, msg, fmt.Sprintf("You already subscribed to %s", name))
		return nil
	}

	channels := make([]*Channel, 0, len(names))
	for _, name := range names {
		channels = append(channels, r.registry.acquire(name))
	}

	req := newSubscriptionRequest(r, session, msg, names, channels)
	if r.subscribeHandler != nil {
		r.subscribeHandler.HandleSubscribe(req, msg)
		return nil
	}
	r.autoApprove(req.Approve())
	return nil
}

func (r *Router) unsubscribe(ctx context.Context, client *Client, msg Message) error {
	if len(msg.Subscription) == 0 {
		r.replyMembership(ctx, client, msg, errMsgMissingUnsubscribe)
		return nil
	}

	session, err := r.sessionOf(ctx, client, msg)
	if session == nil || err != nil {
		return err
	}

	names := uniqueNames(msg.Subscription)
	for _, name := range names {
		if HasWildcard(name) {
			r.replyMembership(ctx, client, msg, errMsgWildcard)
			return nil
		}

		ch, ok := r.registry.Get(name)
		if !ok {
			return fmt.Errorf("%w: can't unsubscribe from %s", ErrUnknownChannel, name)
		}
		if !ch.IsSubscribed(session) {
			r.replyMembership(ctx, client, msg, fmt.Sprintf("You are not subscribed to %s", name))
			return nil
		}
	}

	channels := make([]*Channel, 0, len(names))
	for _, name := range names {
		ch, ok := r.registry.acquireExisting(name)
		if !ok {
			// Pruned since validation, so the session can't be a member anymore.
			release(channels...)
			r.replyMembership(ctx, client, msg, fmt.Sprintf("You are not subscribed to %s", name))
			return nil
		}
		channels = append(channels, ch)
	}

	req := newUnsubscriptionRequest(r, session, msg, channels)
	if r.unsubscribeHandler != nil {
		r.unsubscribeHandler.HandleUnsubscribe(req, msg)
		return nil
	}
	r.autoApprove(req.Approve())
	return nil
}

func (r *Router) publish(ctx context.Context, client *Client, msg Message) error {
	session, err := r.sessionOf(ctx, client, msg)
	if session == nil || err != nil {
		return err
	}

	if HasWildcard(msg.Channel) {
		r.replyError(ctx, client, msg, errMsgWildcard)
		return nil
	}

	req := newPublicationRequest(r, session, msg, r.registry.acquire(msg.Channel))
	if r.publishHandler != nil {
		r.publishHandler.HandlePublish(req, msg)
		return nil
	}
	r.autoApprove(req.Approve())
	return nil
}

// sessionOf returns the client's attached session. A client without one is answered
// with a failure response and gets a nil session and nil error.
func (r *Router) sessionOf(ctx context.Context, client *Client, msg Message) (*Session, error) {
	session := client.Session()
	if session == nil {
		if msg.Channel == MetaSubscribe || msg.Channel == MetaUnsubscribe {
			r.replyMembership(ctx, client, msg, errMsgNotConnected)
		} else {
			r.replyError(ctx, client, msg, errMsgNotConnected)
		}
		return nil, nil
	}
	if session.ID() != msg.ClientID {
		return nil, fmt.Errorf("%w: session %s, clientId %s", ErrSessionMismatch, session.ID(), msg.ClientID)
	}
	return session, nil
}

func (r *Router) autoApprove(err error) {
	if err != nil {
		r.logger.Debug("auto-approval skipped", slog.String("err", err.Error()))
	}
}

// replyError answers msg on its own channel with a failure.
func (r *Router) replyError(ctx context.Context, client *Client, msg Message, reason string) {
	channel := msg.Channel
	if IsMetaChannel(channel) || IsServiceChannel(channel) || !strings.HasPrefix(channel, "/") {
		channel = MetaError
	}
	r.reply(ctx, client, Message{
		ID:         msg.ID,
		Channel:    channel,
		ClientID:   msg.ClientID,
		Successful: failure(),
		Error:      reason,
	})
}

// replyMembership answers a subscribe or unsubscribe request with a failure.
func (r *Router) replyMembership(ctx context.Context, client *Client, msg Message, reason string) {
	r.reply(ctx, client, Message{
		ID:           msg.ID,
		Channel:      msg.Channel,
		ClientID:     msg.ClientID,
		Subscription: msg.Subscription,
		Successful:   failure(),
		Error:        reason,
	})
}

func (r *Router) reply(ctx context.Context, client *Client, msg Message) {
	ctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	if err := client.Send(ctx, msg); err != nil {
		r.logger.Warn("failed to send response",
			slog.String("clientID", client.ID()),
			slog.String("err", err.Error()),
		)
	}
}

func uniqueNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	unique := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		unique = append(unique, name)
	}
	return unique
}
