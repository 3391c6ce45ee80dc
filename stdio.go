package beseda

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// StdIO implements a standard input/output transport using newline-delimited JSON
// batches over stdin/stdout or similar io.Reader/io.Writer pairs. It carries a single
// persistent connection and can be used as either ServerTransport or ClientTransport.
//
// Proper initialization requires using the NewStdIO constructor function.
type StdIO struct {
	conn   *stdIOConn
	closed chan struct{}
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

type stdIOConn struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	lines         chan []byte

	startWriter *sync.Once
	startReader *sync.Once
	stopOnce    *sync.Once
	done        chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	s := StdIO{
		conn: &stdIOConn{
			id:            uuid.New().String(),
			reader:        reader,
			writer:        writer,
			logger:        slog.Default(),
			writeMessages: make(chan stdIOMessage),
			lines:         make(chan []byte),
			startWriter:   &sync.Once{},
			startReader:   &sync.Once{},
			stopOnce:      &sync.Once{},
			done:          make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithStdIOLogger sets the logger for the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.conn.logger = logger.With(
			slog.String("package", "go-beseda"),
			slog.String("component", "stdio"),
		)
	}
}

// Conns implements the ServerTransport interface by yielding the single persistent
// connection, then waiting until it is stopped.
func (s StdIO) Conns() iter.Seq[Conn] {
	return func(yield func(Conn) bool) {
		defer close(s.closed)

		s.conn.start()

		// StdIO only supports a single connection, so we yield it and wait until it's done.
		if !yield(s.conn) {
			return
		}
		<-s.conn.done
	}
}

// Shutdown implements the ServerTransport interface by waiting for the Conns loop to end.
func (s StdIO) Shutdown(ctx context.Context) error {
	s.conn.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface by returning the single
// persistent connection.
func (s StdIO) StartSession(_ context.Context) (ClientConn, error) {
	s.conn.start()
	return s.conn, nil
}

// Close stops the connection. The underlying reader and writer are not closed.
func (s StdIO) Close() {
	s.conn.Stop()
}

func (c *stdIOConn) ID() string { return c.id }

func (c *stdIOConn) start() {
	c.startWriter.Do(func() { go c.processWriteMessages() })
	c.startReader.Do(func() { go c.readLines() })
}

func (c *stdIOConn) Send(ctx context.Context, msgs []Message) error {
	msgBs, err := EncodeBatch(msgs)
	if err != nil {
		return err
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message for sending so writes never interleave.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	case c.writeMessages <- ioMsg:
	}

	// Wait for the resulting error channel to receive the error.
	select {
	case err := <-ioMsg.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	}
}

func (c *stdIOConn) Batches() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			select {
			case <-c.done:
				return
			case line, ok := <-c.lines:
				if !ok {
					return
				}
				if !yield(line) {
					return
				}
			}
		}
	}
}

func (c *stdIOConn) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for batch := range c.Batches() {
			msgs, err := DecodeBatch(batch)
			if err != nil {
				c.logger.Error("failed to decode batch", slog.String("err", err.Error()))
				continue
			}
			for _, msg := range msgs {
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (c *stdIOConn) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

func (c *stdIOConn) readLines() {
	defer close(c.lines)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(c.reader)
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			select {
			case c.lines <- trimmed:
			case <-c.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				c.logger.Error("failed to read batch", slog.String("err", err.Error()))
			}
			return
		}
	}
}

func (c *stdIOConn) processWriteMessages() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.writeMessages:
			_, err := c.writer.Write(msg.msg)
			if err != nil {
				err = fmt.Errorf("failed to write batch: %w", err)
			}
			msg.errs <- err
		}
	}
}

var (
	_ Conn       = (*stdIOConn)(nil)
	_ ClientConn = (*stdIOConn)(nil)
)
