// Package beseda implements a Bayeux-style publish/subscribe routing engine. Clients
// exchange JSON envelopes over a pluggable transport, use the reserved /meta/ channels to
// connect, subscribe and unsubscribe, and publish application data on ordinary channels.
//
// # Protocol
//
// Every inbound batch is a JSON array of envelopes. Each envelope must carry channel,
// clientId and id:
//
//	[{"channel":"/meta/connect","clientId":"c1","id":"1"}]
//	[{"channel":"/meta/subscribe","clientId":"c1","id":"2","subscription":"/foo"}]
//	[{"channel":"/foo","clientId":"c1","id":"3","data":{"x":1}}]
//
// Every request is answered with an envelope carrying the same id and a successful flag,
// subscribers of /foo receive {"channel":"/foo","data":{"x":1}}.
//
// # Approval
//
// Each protocol action becomes a request that an embedding application can intercept
// before it takes effect, by installing a ConnectHandler, SubscribeHandler,
// UnsubscribeHandler, PublishHandler or a whole Policy on the Router:
//
//	router := beseda.NewRouter(
//		beseda.WithPublishHandler(beseda.PublishHandlerFunc(
//			func(req *beseda.PublicationRequest, msg beseda.Message) {
//				if strings.HasPrefix(msg.Channel, "/private/") {
//					_ = req.Decline("private channel")
//					return
//				}
//				_ = req.Approve()
//			},
//		)),
//	)
//
// Actions without a handler are approved immediately. A handler may resolve the request
// later from another goroutine, but a request left pending longer than its timeout is
// declined automatically.
//
// # Transports
//
// The Router is transport-agnostic. Server drives a Router from any ServerTransport; the
// package ships StdIO, SSEServer and WebSocketServer, with matching client transports that
// a Peer uses to talk to the server:
//
//	srv := beseda.NewSSEServer("http://localhost:8080/bayeux/message")
//	mux.Handle("/bayeux/connect", srv.HandleSSE())
//	mux.Handle("/bayeux/message", srv.HandleMessage())
//
//	server := beseda.NewServer(srv, beseda.WithRouter(router))
//	go server.Serve()
package beseda
