package beseda

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer of the protocol.
type ServerTransport interface {
	// Conns returns an iterator that yields new client connections as they are established.
	// The implementation must guarantee that each connection ID is unique across all active
	// connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Conns() iter.Seq[Conn]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources. The implementations
	// should not stop the Conns it produced, the caller already does that before calling this method.
	// The caller is guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// Conn represents a single transport-level client connection as seen by the server.
type Conn interface {
	// ID returns the unique identifier for this connection.
	ID() string

	// Send delivers a batch of envelopes to the client. It is fire-and-forget from the
	// protocol's point of view, the returned error only reports transport failures.
	Send(ctx context.Context, msgs []Message) error

	// Batches returns an iterator that yields raw inbound batches, one JSON payload per
	// element. The iteration ends when the connection is closed or stopped.
	Batches() iter.Seq[[]byte]

	// Stop closes the connection. It must be safe to call more than once.
	Stop()
}

// ClientTransport provides the client-side communication layer of the protocol.
type ClientTransport interface {
	// StartSession establishes a connection with the server. The returned ClientConn stays
	// open until Stop is called or the server goes away.
	StartSession(ctx context.Context) (ClientConn, error)
}

// ClientConn is the client side of a transport connection.
type ClientConn interface {
	// Send delivers a batch of envelopes to the server.
	Send(ctx context.Context, msgs []Message) error

	// Messages returns an iterator that yields every envelope received from the server,
	// flattened out of their batches.
	Messages() iter.Seq[Message]

	// Stop closes the connection. It must be safe to call more than once.
	Stop()
}

// ConnectHandler intercepts connection requests. The implementation must eventually call
// Approve or Decline on the request, either before returning or later from any goroutine.
// A request that is not resolved within the connection timeout is declined automatically.
type ConnectHandler interface {
	HandleConnect(req *ConnectionRequest, msg Message)
}

// SubscribeHandler intercepts subscription requests. See ConnectHandler for the contract.
type SubscribeHandler interface {
	HandleSubscribe(req *SubscriptionRequest, msg Message)
}

// UnsubscribeHandler intercepts unsubscription requests. See ConnectHandler for the contract.
type UnsubscribeHandler interface {
	HandleUnsubscribe(req *UnsubscriptionRequest, msg Message)
}

// PublishHandler intercepts publication requests. See ConnectHandler for the contract.
type PublishHandler interface {
	HandlePublish(req *PublicationRequest, msg Message)
}

// Policy intercepts every kind of protocol action at once.
type Policy interface {
	ConnectHandler
	SubscribeHandler
	UnsubscribeHandler
	PublishHandler
}

// DeliveryHandler receives publications fanned out to a Peer.
type DeliveryHandler interface {
	HandleDelivery(msg Message)
}

// ConnectHandlerFunc adapts a function to the ConnectHandler interface.
type ConnectHandlerFunc func(req *ConnectionRequest, msg Message)

// SubscribeHandlerFunc adapts a function to the SubscribeHandler interface.
type SubscribeHandlerFunc func(req *SubscriptionRequest, msg Message)

// UnsubscribeHandlerFunc adapts a function to the UnsubscribeHandler interface.
type UnsubscribeHandlerFunc func(req *UnsubscriptionRequest, msg Message)

// PublishHandlerFunc adapts a function to the PublishHandler interface.
type PublishHandlerFunc func(req *PublicationRequest, msg Message)

// DeliveryHandlerFunc adapts a function to the DeliveryHandler interface.
type DeliveryHandlerFunc func(msg Message)

// HandleConnect calls f(req, msg).
func (f ConnectHandlerFunc) HandleConnect(req *ConnectionRequest, msg Message) { f(req, msg) }

// HandleSubscribe calls f(req, msg).
func (f SubscribeHandlerFunc) HandleSubscribe(req *SubscriptionRequest, msg Message) { f(req, msg) }

// HandleUnsubscribe calls f(req, msg).
func (f UnsubscribeHandlerFunc) HandleUnsubscribe(req *UnsubscriptionRequest, msg Message) {
	f(req, msg)
}

// HandlePublish calls f(req, msg).
func (f PublishHandlerFunc) HandlePublish(req *PublicationRequest, msg Message) { f(req, msg) }

// HandleDelivery calls f(msg).
func (f DeliveryHandlerFunc) HandleDelivery(msg Message) { f(msg) }
