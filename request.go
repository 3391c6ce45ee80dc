package beseda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RequestKind names the protocol action a request stands for.
type RequestKind string

type requestState int

// request is the state machine shared by every request variant. A request starts
// pending and ends in exactly one terminal state: approved, declined, or released when
// its session is torn down before a decision was made.
type request struct {
	kind    RequestKind
	router  *Router
	session *Session
	message Message
	logger  *slog.Logger

	// mu is taken before any channel or session lock and is held while the effect runs.
	mu    sync.Mutex
	state requestState
	timer *time.Timer

	// effect performs the approved action, rollback undoes construction side effects on
	// decline, respond builds the response envelope and finish releases held resources.
	effect   func()
	rollback func()
	respond  func(successful bool, reason string) Message
	finish   func()
}

// ConnectionRequest is a pending /meta/connect. Approving it attaches the new session to
// the client, declining it destroys the session.
type ConnectionRequest struct {
	request
}

// SubscriptionRequest is a pending /meta/subscribe over one or more channels.
type SubscriptionRequest struct {
	request
	channels []*Channel
}

// UnsubscriptionRequest is a pending /meta/unsubscribe over one or more channels.
type UnsubscriptionRequest struct {
	request
	channels []*Channel
}

// PublicationRequest is a pending publication on an ordinary channel.
type PublicationRequest struct {
	request
	channel *Channel
}

const (
	// KindConnect is the kind of connection requests.
	KindConnect RequestKind = "connect"
	// KindSubscribe is the kind of subscription requests.
	KindSubscribe RequestKind = "subscribe"
	// KindUnsubscribe is the kind of unsubscription requests.
	KindUnsubscribe RequestKind = "unsubscribe"
	// KindPublish is the kind of publication requests.
	KindPublish RequestKind = "publish"
)

const (
	statePending requestState = iota
	stateApproved
	stateDeclined
	stateReleased
)

var (
	// ErrRequestApproved is returned by Decline on a request that was already approved.
	// An approved action cannot be retracted, so this always indicates a broken handler.
	ErrRequestApproved = errors.New("request already approved")

	// ErrRequestResolved is returned when a request that already reached a terminal state
	// is resolved again.
	ErrRequestResolved = errors.New("request already resolved")
)

func newConnectionRequest(router *Router, session *Session, msg Message) *ConnectionRequest {
	req := &ConnectionRequest{}
	req.init(KindConnect, router, session, msg)
	req.effect = func() {
		prev, err := session.client.attach(session)
		if err != nil {
			req.logger.Warn("failed to attach session", slog.String("err", err.Error()))
			session.Destroy()
			return
		}
		if prev != nil {
			prev.Destroy()
		}
	}
	req.rollback = session.Destroy
	req.respond = func(successful bool, reason string) Message {
		return Message{
			ID:         msg.ID,
			Channel:    MetaConnect,
			ClientID:   session.id,
			Successful: outcome(successful),
			Error:      reason,
		}
	}
	req.start(router.connectionTimeout)
	return req
}

func newSubscriptionRequest(
	router *Router,
	session *Session,
	msg Message,
	names []string,
	channels []*Channel,
) *SubscriptionRequest {
	req := &SubscriptionRequest{channels: channels}
	req.init(KindSubscribe, router, session, msg)
	req.effect = func() {
		for _, ch := range channels {
			ch.subscribe(session)
		}
	}
	req.respond = func(successful bool, reason string) Message {
		return Message{
			ID:           msg.ID,
			Channel:      MetaSubscribe,
			ClientID:     msg.ClientID,
			Subscription: msg.Subscription,
			Successful:   outcome(successful),
			Error:        reason,
		}
	}
	req.finish = func() {
		session.unreserve(names)
		release(channels...)
	}
	req.start(router.subscriptionTimeout)
	return req
}

func newUnsubscriptionRequest(
	router *Router,
	session *Session,
	msg Message,
	channels []*Channel,
) *UnsubscriptionRequest {
	req := &UnsubscriptionRequest{channels: channels}
	req.init(KindUnsubscribe, router, session, msg)
	req.effect = func() {
		for _, ch := range channels {
			ch.unsubscribe(session)
		}
	}
	req.respond = func(successful bool, reason string) Message {
		return Message{
			ID:           msg.ID,
			Channel:      MetaUnsubscribe,
			ClientID:     msg.ClientID,
			Subscription: msg.Subscription,
			Successful:   outcome(successful),
			Error:        reason,
		}
	}
	req.finish = func() { release(channels...) }
	req.start(router.unsubscriptionTimeout)
	return req
}

func newPublicationRequest(router *Router, session *Session, msg Message, channel *Channel) *PublicationRequest {
	req := &PublicationRequest{channel: channel}
	req.init(KindPublish, router, session, msg)
	req.effect = func() {
		n := channel.publish(msg.Data, router.sendTimeout, router.logger)
		router.published.Add(1)
		req.logger.Debug("publication fanned out", slog.Int("subscribers", n))
	}
	req.respond = func(successful bool, reason string) Message {
		return Message{
			ID:         msg.ID,
			Channel:    msg.Channel,
			ClientID:   msg.ClientID,
			Successful: outcome(successful),
			Error:      reason,
		}
	}
	req.finish = func() { release(channel) }
	req.start(router.publicationTimeout)
	return req
}

// Channels returns the channels the session asks to join.
func (r *SubscriptionRequest) Channels() []*Channel { return r.channels }

// Channels returns the channels the session asks to leave.
func (r *UnsubscriptionRequest) Channels() []*Channel { return r.channels }

// Channel returns the channel the publication targets.
func (r *PublicationRequest) Channel() *Channel { return r.channel }

// Kind returns the protocol action of the request.
func (r *request) Kind() RequestKind { return r.kind }

// Session returns the session that issued the request.
func (r *request) Session() *Session { return r.session }

// Message returns the envelope that created the request.
func (r *request) Message() Message { return r.message }

// Approved reports whether the request has been approved.
func (r *request) Approved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state == stateApproved
}

// Approve performs the requested action and sends a success response. The action is
// complete before the request reports Approved, so a publication fanned out after that
// reaches a session whose subscription was approved. It returns ErrRequestResolved when
// the request was already approved, declined or released.
func (r *request) Approve() error {
	r.mu.Lock()
	if err := r.transition(stateApproved); err != nil {
		r.mu.Unlock()
		return err
	}
	// Untracked first, so a session torn down by the effect does not release r.
	r.session.untrack(r)
	if r.effect != nil {
		r.effect()
	}
	r.mu.Unlock()

	r.settleResources()
	r.send(r.respond(true, ""))

	r.logger.Info("request approved")
	return nil
}

// Decline rejects the request with reason, or a default reason when empty, and sends a
// failure response. Declining an approved request returns ErrRequestApproved, any other
// terminal state returns ErrRequestResolved.
func (r *request) Decline(reason string) error {
	if err := r.resolve(stateDeclined); err != nil {
		return err
	}
	r.settle()

	if reason == "" {
		reason = r.kind.declinedReason()
	}
	r.send(r.respond(false, reason))
	if r.rollback != nil {
		r.rollback()
	}

	r.logger.Info("request declined", slog.String("reason", reason))
	return nil
}

func (r *request) init(kind RequestKind, router *Router, session *Session, msg Message) {
	r.kind = kind
	r.router = router
	r.session = session
	r.message = msg
	r.logger = router.logger.With(
		slog.String("kind", string(kind)),
		slog.String("sessionID", session.id),
		slog.String("messageID", msg.ID),
	)
}

func (r *request) start(timeout time.Duration) {
	if !r.session.track(r) {
		// The session went away before the request existed, nobody is left to answer.
		r.state = stateReleased
		r.settleResources()
		r.logger.Debug("request dropped, session destroyed")
		return
	}

	r.mu.Lock()
	if r.state == statePending {
		r.timer = time.AfterFunc(timeout, r.expire)
	}
	r.mu.Unlock()

	r.logger.Info("request started")
}

func (r *request) resolve(to requestState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.transition(to)
}

// transition leaves the pending state. It must be called with r.mu held.
func (r *request) transition(to requestState) error {
	switch r.state {
	case statePending:
	case stateApproved:
		if to == stateDeclined {
			return fmt.Errorf("%w: %s request %s of session %s", ErrRequestApproved, r.kind, r.message.ID, r.session.id)
		}
		return ErrRequestResolved
	default:
		return ErrRequestResolved
	}

	r.state = to
	if r.timer != nil {
		r.timer.Stop()
	}
	return nil
}

// settle runs once, right after the request left the pending state.
func (r *request) settle() {
	r.session.untrack(r)
	r.settleResources()
}

func (r *request) settleResources() {
	if r.finish != nil {
		r.finish()
	}
}

// expire fires when the request stayed pending past its timeout.
func (r *request) expire() {
	err := r.Decline(errMsgTimeout)
	if err == nil {
		r.logger.Warn("request timed out")
	}
}

// release drops a pending request whose session is being destroyed, without responding.
func (r *request) release() {
	r.mu.Lock()
	if r.state != statePending {
		r.mu.Unlock()
		return
	}
	r.state = stateReleased
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()

	r.settleResources()
	r.logger.Debug("request released")
}

func (r *request) send(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), r.router.sendTimeout)
	defer cancel()

	if err := r.session.Send(ctx, msg); err != nil {
		r.logger.Warn("failed to send response", slog.String("err", err.Error()))
	}
}

func (k RequestKind) declinedReason() string {
	switch k {
	case KindConnect:
		return "Connection declined"
	case KindSubscribe:
		return "Subscription declined"
	case KindUnsubscribe:
		return "Unsubscription declined"
	case KindPublish:
		return "Publication declined"
	default:
		return "Request declined"
	}
}

func outcome(successful bool) *bool {
	if successful {
		return success()
	}
	return failure()
}
