package beseda_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-beseda"
)

type sseTestServer struct {
	transport  beseda.SSEServer
	httpServer *httptest.Server
	conns      chan beseda.Conn
	served     chan struct{}
}

func newSSETestServer(options ...beseda.SSEServerOption) *sseTestServer {
	mux := http.NewServeMux()
	httpSrv := httptest.NewServer(mux)

	options = append([]beseda.SSEServerOption{beseda.WithSSEServerLogger(discardLogger())}, options...)
	srv := beseda.NewSSEServer(httpSrv.URL+"/message", options...)
	mux.Handle("/connect", srv.HandleSSE())
	mux.Handle("/message", srv.HandleMessage())

	s := &sseTestServer{
		transport:  srv,
		httpServer: httpSrv,
		conns:      make(chan beseda.Conn, 4),
		served:     make(chan struct{}),
	}
	go func() {
		defer close(s.served)
		for conn := range srv.Conns() {
			s.conns <- conn
		}
	}()
	return s
}

func (s *sseTestServer) client() *beseda.SSEClient {
	return beseda.NewSSEClient(s.httpServer.URL+"/connect", s.httpServer.Client(),
		beseda.WithSSEClientLogger(discardLogger()))
}

func (s *sseTestServer) nextConn(t *testing.T) beseda.Conn {
	t.Helper()

	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server connection")
	}
	return nil
}

func (s *sseTestServer) close(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.transport.Shutdown(ctx); err != nil {
		t.Errorf("failed to shutdown: %v", err)
	}
	<-s.served
	s.httpServer.Close()
}

func TestSSEServerAndClient(t *testing.T) {
	server := newSSETestServer()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientConn, err := server.client().StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}

	serverConn := server.nextConn(t)

	// Server to client.
	received := make(chan beseda.Message, 1)
	go func() {
		for msg := range clientConn.Messages() {
			received <- msg
		}
	}()

	serverMsg := beseda.Message{Channel: "/foo", Data: json.RawMessage(`{"test":"hello"}`)}
	if err := serverConn.Send(ctx, []beseda.Message{serverMsg}); err != nil {
		t.Fatalf("failed to send server batch: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Channel != serverMsg.Channel || string(msg.Data) != string(serverMsg.Data) {
			t.Errorf("got %+v, want %+v", msg, serverMsg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for client to receive message")
	}

	// Client to server.
	batches := make(chan []byte, 1)
	go func() {
		for batch := range serverConn.Batches() {
			batches <- batch
		}
	}()

	clientMsg := beseda.Message{Channel: beseda.MetaConnect, ClientID: "c1", ID: "1"}
	if err := clientConn.Send(ctx, []beseda.Message{clientMsg}); err != nil {
		t.Fatalf("failed to send client batch: %v", err)
	}

	select {
	case batch := <-batches:
		msgs, err := beseda.DecodeBatch(batch)
		if err != nil {
			t.Fatalf("failed to decode batch: %v", err)
		}
		if len(msgs) != 1 || msgs[0].ClientID != "c1" {
			t.Errorf("unexpected batch %s", batch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server to receive batch")
	}

	clientConn.Stop()
	serverConn.Stop()
	server.close(t)
}

func TestSSEServerMultipleClients(t *testing.T) {
	server := newSSETestServer()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 3
	ids := make(map[string]struct{}, n)
	var clientConns []beseda.ClientConn
	for range n {
		cc, err := server.client().StartSession(ctx)
		if err != nil {
			t.Fatalf("failed to start session: %v", err)
		}
		clientConns = append(clientConns, cc)
		ids[server.nextConn(t).ID()] = struct{}{}
	}

	if len(ids) != n {
		t.Errorf("got %d unique connection IDs, want %d", len(ids), n)
	}

	for _, cc := range clientConns {
		cc.Stop()
	}
	server.close(t)
}

func TestSSEConnectionNegativeCases(t *testing.T) {
	t.Run("Invalid Connection URL", func(t *testing.T) {
		client := beseda.NewSSEClient("http://non-existent-url-12345.local/connect", nil)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if _, err := client.StartSession(ctx); err == nil {
			t.Fatal("expected an error when connecting to invalid URL, got nil")
		}
	})

	server := newSSETestServer(beseda.WithSSEServerMaxPayloadSize(64))
	defer server.close(t)

	post := func(t *testing.T, url string, method string, body []byte) int {
		t.Helper()

		req, err := http.NewRequest(method, url, bytes.NewReader(body))
		if err != nil {
			t.Fatalf("failed to create request: %v", err)
		}
		resp, err := server.httpServer.Client().Do(req)
		if err != nil {
			t.Fatalf("failed to send request: %v", err)
		}
		defer resp.Body.Close()
		return resp.StatusCode
	}

	t.Run("Missing Connection ID", func(t *testing.T) {
		code := post(t, server.httpServer.URL+"/message", http.MethodPost, []byte(`[]`))
		if code != http.StatusBadRequest {
			t.Errorf("got status %d, want %d", code, http.StatusBadRequest)
		}
	})

	t.Run("Unknown Connection ID", func(t *testing.T) {
		code := post(t, server.httpServer.URL+"/message?connID=nope", http.MethodPost, []byte(`[]`))
		if code != http.StatusNotFound {
			t.Errorf("got status %d, want %d", code, http.StatusNotFound)
		}
	})

	t.Run("Wrong Method", func(t *testing.T) {
		code := post(t, server.httpServer.URL+"/message?connID=nope", http.MethodGet, nil)
		if code != http.StatusMethodNotAllowed {
			t.Errorf("got status %d, want %d", code, http.StatusMethodNotAllowed)
		}
	})

	t.Run("Payload Too Large", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		clientConn, err := server.client().StartSession(ctx)
		if err != nil {
			t.Fatalf("failed to start session: %v", err)
		}
		defer clientConn.Stop()
		serverConn := server.nextConn(t)
		defer serverConn.Stop()

		big := beseda.Message{Channel: "/big", ClientID: "c1", ID: "1", Data: largePayload(t, 128)}
		if err := clientConn.Send(ctx, []beseda.Message{big}); err == nil {
			t.Error("expected an error when posting a batch over the limit, got nil")
		}
	})
}
