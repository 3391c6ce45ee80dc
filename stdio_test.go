package beseda_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-beseda"
)

func TestStdIOBidirectionalMessageFlow(t *testing.T) {
	// Create pipes to simulate stdin/stdout
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()
	defer func() {
		clientReader.Close()
		serverReader.Close()
	}()

	serverTransport := beseda.NewStdIO(serverReader, serverWriter, beseda.WithStdIOLogger(discardLogger()))
	clientTransport := beseda.NewStdIO(clientReader, clientWriter, beseda.WithStdIOLogger(discardLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientConn, err := clientTransport.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start client session: %v", err)
	}
	defer clientConn.Stop()

	var serverConn beseda.Conn
	for c := range serverTransport.Conns() {
		serverConn = c
		break
	}
	defer serverConn.Stop()

	testMessages := []beseda.Message{
		{Channel: "/first", Data: json.RawMessage(`{"n":1}`)},
		{Channel: "/second", Data: json.RawMessage(`{"n":2}`)},
	}

	var (
		wg             sync.WaitGroup
		clientReceived []beseda.Message
		serverReceived []beseda.Message
	)
	wg.Add(2)

	go func() {
		defer wg.Done()
		for msg := range clientConn.Messages() {
			clientReceived = append(clientReceived, msg)
			if len(clientReceived) == len(testMessages) {
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for batch := range serverConn.Batches() {
			msgs, err := beseda.DecodeBatch(batch)
			if err != nil {
				t.Errorf("failed to decode batch: %v", err)
				return
			}
			serverReceived = append(serverReceived, msgs...)
			if len(serverReceived) == len(testMessages) {
				return
			}
		}
	}()

	for _, msg := range testMessages {
		if err := serverConn.Send(ctx, []beseda.Message{msg}); err != nil {
			t.Fatalf("failed to send server batch: %v", err)
		}
		reply := beseda.Message{Channel: "/reply" + msg.Channel, ClientID: "c1", ID: msg.Channel}
		if err := clientConn.Send(ctx, []beseda.Message{reply}); err != nil {
			t.Fatalf("failed to send client batch: %v", err)
		}
	}

	wg.Wait()

	if len(clientReceived) != len(testMessages) || len(serverReceived) != len(testMessages) {
		t.Fatalf("got %d client and %d server messages, want %d each",
			len(clientReceived), len(serverReceived), len(testMessages))
	}
	for i, msg := range testMessages {
		if clientReceived[i].Channel != msg.Channel || string(clientReceived[i].Data) != string(msg.Data) {
			t.Errorf("client received %+v, want %+v", clientReceived[i], msg)
		}
		if serverReceived[i].Channel != "/reply"+msg.Channel {
			t.Errorf("server received channel %q, want %q", serverReceived[i].Channel, "/reply"+msg.Channel)
		}
	}
}

func TestStdIOContextCancellation(t *testing.T) {
	// Nobody reads the server output, so the write never completes.
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()
	defer func() {
		clientReader.Close()
		serverReader.Close()
		clientWriter.Close()
	}()

	serverTransport := beseda.NewStdIO(serverReader, serverWriter, beseda.WithStdIOLogger(discardLogger()))

	var serverConn beseda.Conn
	for c := range serverTransport.Conns() {
		serverConn = c
		break
	}
	defer serverConn.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := serverConn.Send(ctx, []beseda.Message{{Channel: "/stuck"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got error %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestStdIOSendAfterStop(t *testing.T) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()
	defer func() {
		clientReader.Close()
		serverReader.Close()
		clientWriter.Close()
	}()

	transport := beseda.NewStdIO(serverReader, serverWriter, beseda.WithStdIOLogger(discardLogger()))
	conn, err := transport.StartSession(context.Background())
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}

	transport.Close()
	conn.Stop()

	err = conn.Send(context.Background(), []beseda.Message{{Channel: "/late"}})
	if !errors.Is(err, beseda.ErrClientClosed) {
		t.Errorf("got error %v, want %v", err, beseda.ErrClientClosed)
	}
}

func TestStdIOMalformedLineReachesRouter(t *testing.T) {
	input := strings.NewReader("not a batch\n\n[{\"channel\":\"/meta/connect\",\"clientId\":\"c1\",\"id\":\"1\"}]\n")
	outReader, outWriter := io.Pipe()
	defer outReader.Close()

	transport := beseda.NewStdIO(input, outWriter, beseda.WithStdIOLogger(discardLogger()))
	server := beseda.NewServer(transport,
		beseda.WithRouter(newTestRouter()),
		beseda.WithServerLogger(discardLogger()),
	)
	go server.Serve()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()

	reader := beseda.NewStdIO(outReader, io.Discard, beseda.WithStdIOLogger(discardLogger()))
	conn, err := reader.StartSession(context.Background())
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	defer conn.Stop()

	var got []beseda.Message
	for msg := range conn.Messages() {
		got = append(got, msg)
		if len(got) == 2 {
			break
		}
	}

	if got[0].Channel != beseda.MetaError || got[0].Error != "Unsupported data (must be array of messages)" {
		t.Errorf("unexpected first response %+v", got[0])
	}
	if got[1].Channel != beseda.MetaConnect || !got[1].IsSuccessful() {
		t.Errorf("unexpected second response %+v", got[1])
	}
}

func TestStdIOLargeMessagePayload(t *testing.T) {
	payloadSizes := []int{
		1 * 1024,        // 1 KB
		100 * 1024,      // 100 KB
		1 * 1024 * 1024, // 1 MB
	}

	for _, size := range payloadSizes {
		t.Run(fmt.Sprintf("PayloadSize_%d", size), func(t *testing.T) {
			clientReader, serverWriter := io.Pipe()
			serverReader, clientWriter := io.Pipe()
			defer func() {
				clientReader.Close()
				serverReader.Close()
			}()

			serverTransport := beseda.NewStdIO(serverReader, serverWriter, beseda.WithStdIOLogger(discardLogger()))
			clientTransport := beseda.NewStdIO(clientReader, clientWriter, beseda.WithStdIOLogger(discardLogger()))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			clientConn, err := clientTransport.StartSession(ctx)
			if err != nil {
				t.Fatalf("failed to start client session: %v", err)
			}
			defer clientConn.Stop()

			var serverConn beseda.Conn
			for c := range serverTransport.Conns() {
				serverConn = c
				break
			}
			defer serverConn.Stop()

			payload := largePayload(t, size)
			received := make(chan beseda.Message, 1)
			go func() {
				for msg := range clientConn.Messages() {
					received <- msg
					return
				}
			}()

			if err := serverConn.Send(ctx, []beseda.Message{{Channel: "/large", Data: payload}}); err != nil {
				t.Fatalf("failed to send large batch: %v", err)
			}

			select {
			case msg := <-received:
				if len(msg.Data) != len(payload) {
					t.Errorf("got payload of %d bytes, want %d", len(msg.Data), len(payload))
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("timeout waiting for payload of size %d", size)
			}
		})
	}
}

func largePayload(t *testing.T, size int) json.RawMessage {
	t.Helper()

	bs, err := json.Marshal(map[string]string{"blob": strings.Repeat("x", size)})
	if err != nil {
		t.Fatalf("failed to build payload: %v", err)
	}
	return bs
}
