package transport

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Belthasaran/rhplay-sub002/pkg/log"
	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

const (
	defaultDialTimeout = 10 * time.Second

	// sendQueueDepth bounds the number of frames waiting on the write
	// pump. Callers are expected to watch Buffered before flooding it.
	sendQueueDepth = 64

	// recvQueueDepth keeps the read pump from stalling the peer while
	// a reply is being matched to its request.
	recvQueueDepth = 256
)

// WebSocket is the production Transport: a single gorilla/websocket
// connection with a write pump that accounts for enqueued bytes and a
// read pump that feeds the Recv channel.
type WebSocket struct {
	conn *websocket.Conn
	log  log.Logger

	send     chan Message
	recv     chan Message
	buffered int64

	done     chan struct{}
	doneOnce sync.Once

	errMu sync.Mutex
	err   error
}

// DialOption configures how the connection to the console is opened.
type DialOption func(*dialConfig)

type dialConfig struct {
	timeout time.Duration
	socks   string
	hostHdr string
	logger  log.Logger
}

// WithDialTimeout bounds the WebSocket handshake. Connection attempts
// fail fast rather than hanging on an unreachable device.
func WithDialTimeout(d time.Duration) DialOption {
	return func(c *dialConfig) { c.timeout = d }
}

// ViaSOCKS routes the connection through a SOCKS5 proxy at addr.
func ViaSOCKS(addr string) DialOption {
	return func(c *dialConfig) { c.socks = addr }
}

// ViaForwardedPort is used when the WebSocket URL points at a locally
// forwarded port (e.g. an SSH -L tunnel). The Host header sent during
// the handshake is overridden to localhost:<remotePort> so servers
// that reject non-local Host headers still accept the connection.
func ViaForwardedPort(remotePort int) DialOption {
	return func(c *dialConfig) { c.hostHdr = fmt.Sprintf("localhost:%d", remotePort) }
}

// WithLogger sets the transport logger.
func WithLogger(l log.Logger) DialOption {
	return func(c *dialConfig) { c.logger = l }
}

// Dial opens a WebSocket connection to the given ws:// URL.
func Dial(url string, opts ...DialOption) (*WebSocket, error) {
	cfg := dialConfig{
		timeout: defaultDialTimeout,
		logger:  log.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.timeout}
	if cfg.socks != "" {
		socks, err := proxy.SOCKS5("tcp", cfg.socks, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("transport: socks proxy: %w", err)
		}
		dialer.NetDial = socks.Dial
	}

	header := http.Header{}
	if cfg.hostHdr != "" {
		header.Set("Host", cfg.hostHdr)
	}

	conn, _, err := dialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}

	ws := &WebSocket{
		conn: conn,
		log:  log.Prefixed(cfg.logger, "transport"),
		send: make(chan Message, sendQueueDepth),
		recv: make(chan Message, recvQueueDepth),
		done: make(chan struct{}),
	}
	go ws.writePump()
	go ws.readPump()

	ws.log.Debugf("connected to %s", url)
	return ws, nil
}

// Send enqueues a frame for in-order delivery.
func (ws *WebSocket) Send(msg Message) error {
	select {
	case <-ws.done:
		return ws.Err()
	default:
	}

	atomic.AddInt64(&ws.buffered, int64(len(msg.Data)))
	select {
	case ws.send <- msg:
		return nil
	case <-ws.done:
		atomic.AddInt64(&ws.buffered, -int64(len(msg.Data)))
		return ws.Err()
	}
}

// Recv returns the inbound frame channel. It is closed when the
// connection is lost.
func (ws *WebSocket) Recv() <-chan Message {
	return ws.recv
}

// Buffered reports payload bytes enqueued but not yet written to the
// network.
func (ws *WebSocket) Buffered() int {
	return int(atomic.LoadInt64(&ws.buffered))
}

// Done is closed once the connection is gone.
func (ws *WebSocket) Done() <-chan struct{} {
	return ws.done
}

// Err reports why the connection closed, once Done is closed.
func (ws *WebSocket) Err() error {
	ws.errMu.Lock()
	defer ws.errMu.Unlock()
	if ws.err == nil {
		return ErrClosed
	}
	return ws.err
}

// Close tears the connection down. Safe to call more than once.
func (ws *WebSocket) Close() error {
	ws.fail(ErrClosed)
	return ws.conn.Close()
}

func (ws *WebSocket) fail(err error) {
	ws.doneOnce.Do(func() {
		ws.errMu.Lock()
		ws.err = err
		ws.errMu.Unlock()
		close(ws.done)
	})
}

func (ws *WebSocket) writePump() {
	for {
		select {
		case msg := <-ws.send:
			mt := websocket.TextMessage
			if msg.Kind == Binary {
				mt = websocket.BinaryMessage
			}
			err := ws.conn.WriteMessage(mt, msg.Data)
			atomic.AddInt64(&ws.buffered, -int64(len(msg.Data)))
			if err != nil {
				ws.log.Debugf("write failed: %v", err)
				ws.fail(fmt.Errorf("transport: write: %w", err))
				ws.conn.Close()
				return
			}
		case <-ws.done:
			ws.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (ws *WebSocket) readPump() {
	defer close(ws.recv)
	for {
		mt, data, err := ws.conn.ReadMessage()
		if err != nil {
			ws.log.Debugf("read failed: %v", err)
			ws.fail(fmt.Errorf("transport: read: %w", err))
			ws.conn.Close()
			return
		}

		kind := Text
		if mt == websocket.BinaryMessage {
			kind = Binary
		}
		select {
		case ws.recv <- Message{Kind: kind, Data: data}:
		case <-ws.done:
			return
		}
	}
}
