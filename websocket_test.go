package beseda_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MegaGrindStone/go-beseda"
)

type wsTestServer struct {
	transport  *beseda.WebSocketServer
	httpServer *httptest.Server
	url        string
	conns      chan beseda.Conn
	served     chan struct{}
}

func newWSTestServer(options ...beseda.WebSocketServerOption) *wsTestServer {
	options = append([]beseda.WebSocketServerOption{beseda.WithWebSocketServerLogger(discardLogger())}, options...)
	srv := beseda.NewWebSocketServer(options...)
	httpSrv := httptest.NewServer(srv)

	s := &wsTestServer{
		transport:  srv,
		httpServer: httpSrv,
		url:        "ws" + strings.TrimPrefix(httpSrv.URL, "http"),
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

func (s *wsTestServer) nextConn(t *testing.T) beseda.Conn {
	t.Helper()

	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server connection")
	}
	return nil
}

func (s *wsTestServer) close(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.transport.Shutdown(ctx); err != nil {
		t.Errorf("failed to shutdown: %v", err)
	}
	<-s.served
	s.httpServer.Close()
}

func TestWebSocketServerAndClient(t *testing.T) {
	server := newWSTestServer()
	defer server.close(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := beseda.NewWebSocketClient(server.url, beseda.WithWebSocketClientLogger(discardLogger()))
	clientConn, err := client.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	defer clientConn.Stop()

	serverConn := server.nextConn(t)
	defer serverConn.Stop()

	received := make(chan beseda.Message, 2)
	go func() {
		for msg := range clientConn.Messages() {
			received <- msg
		}
	}()

	batch := []beseda.Message{
		{Channel: "/a", Data: []byte(`1`)},
		{Channel: "/b", Data: []byte(`2`)},
	}
	if err := serverConn.Send(ctx, batch); err != nil {
		t.Fatalf("failed to send server batch: %v", err)
	}
	for _, want := range batch {
		select {
		case msg := <-received:
			if msg.Channel != want.Channel || string(msg.Data) != string(want.Data) {
				t.Errorf("got %+v, want %+v", msg, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for client to receive message")
		}
	}

	batches := make(chan []byte, 1)
	go func() {
		for b := range serverConn.Batches() {
			batches <- b
		}
	}()

	if err := clientConn.Send(ctx, []beseda.Message{{Channel: "/c", ClientID: "c1", ID: "1"}}); err != nil {
		t.Fatalf("failed to send client batch: %v", err)
	}
	select {
	case b := <-batches:
		msgs, err := beseda.DecodeBatch(b)
		if err != nil || len(msgs) != 1 || msgs[0].Channel != "/c" {
			t.Errorf("unexpected batch %s (err %v)", b, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server to receive batch")
	}
}

func TestWebSocketClientDisconnect(t *testing.T) {
	server := newWSTestServer()
	defer server.close(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := beseda.NewWebSocketClient(server.url, beseda.WithWebSocketClientLogger(discardLogger()))
	clientConn, err := client.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	serverConn := server.nextConn(t)

	ended := make(chan struct{})
	go func() {
		defer close(ended)
		for range serverConn.Batches() {
		}
	}()

	clientConn.Stop()

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection did not end after client disconnect")
	}
}

func TestWebSocketReadLimit(t *testing.T) {
	server := newWSTestServer(beseda.WithWebSocketServerReadLimit(64))
	defer server.close(t)

	ws, _, err := websocket.DefaultDialer.Dial(server.url, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer ws.Close()
	serverConn := server.nextConn(t)

	ended := make(chan struct{})
	go func() {
		defer close(ended)
		for range serverConn.Batches() {
		}
	}()

	if err := ws.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 128))); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("oversized frame did not close the connection")
	}
}

func TestWebSocketRejectsPlainHTTP(t *testing.T) {
	server := newWSTestServer()
	defer server.close(t)

	resp, err := http.Get(server.httpServer.URL)
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}
