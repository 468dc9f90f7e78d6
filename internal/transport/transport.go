// Package transport owns the byte-stream connection to the console.
// The engine consumes the Transport interface so that the WebSocket
// implementation below can be swapped for a tunneled or in-memory one.
package transport

import "errors"

// Kind distinguishes the two WebSocket frame types the protocol uses:
// JSON control messages travel as text, payloads as binary.
type Kind int

const (
	Text Kind = iota
	Binary
)

// Message is a single inbound or outbound frame.
type Message struct {
	Kind Kind
	Data []byte
}

// ErrClosed is returned by Send after the connection has gone away.
var ErrClosed = errors.New("transport: connection closed")

// Transport is a single bidirectional frame stream. Send enqueues a
// frame for delivery in order; Buffered reports how many payload bytes
// are enqueued but not yet handed to the network, which callers use
// for backpressure. Done is closed when the connection is lost for any
// reason, after which Err reports the cause and the Recv channel is
// closed.
type Transport interface {
	Send(msg Message) error
	Recv() <-chan Message
	Buffered() int
	Done() <-chan struct{}
	Err() error
	Close() error
}
