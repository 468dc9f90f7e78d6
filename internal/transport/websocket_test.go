package transport

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// echoServer upgrades every request and echoes frames back verbatim.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestDialSendRecv(t *testing.T) {
	ws, err := Dial(wsURL(echoServer(t)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.Send(Message{Kind: Text, Data: []byte(`{"Opcode":"Info"}`)}); err != nil {
		t.Fatalf("send text: %v", err)
	}
	select {
	case msg := <-ws.Recv():
		if msg.Kind != Text || string(msg.Data) != `{"Opcode":"Info"}` {
			t.Fatalf("echoed frame = %v %q", msg.Kind, msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no echo for text frame")
	}

	payload := []byte{0x00, 0x01, 0xFE, 0xFF}
	if err := ws.Send(Message{Kind: Binary, Data: payload}); err != nil {
		t.Fatalf("send binary: %v", err)
	}
	select {
	case msg := <-ws.Recv():
		if msg.Kind != Binary || !bytes.Equal(msg.Data, payload) {
			t.Fatalf("echoed frame = %v % x", msg.Kind, msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no echo for binary frame")
	}
}

func TestBufferedDrains(t *testing.T) {
	ws, err := Dial(wsURL(echoServer(t)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.Send(Message{Kind: Binary, Data: make([]byte, 4096)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for ws.Buffered() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("buffered stuck at %d", ws.Buffered())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestClose(t *testing.T) {
	ws, err := Dial(wsURL(echoServer(t)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := ws.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-ws.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}
	if ws.Err() != ErrClosed {
		t.Fatalf("Err() = %v", ws.Err())
	}
	if err := ws.Send(Message{Kind: Text, Data: []byte("x")}); err == nil {
		t.Fatal("send after close succeeded")
	}
	// Close twice is fine.
	ws.Close()
}

func TestServerDisconnect(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	t.Cleanup(s.Close)

	ws, err := Dial(wsURL(s))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	select {
	case <-ws.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after server disconnect")
	}
	if ws.Err() == nil {
		t.Fatal("Err() is nil after disconnect")
	}

	// Recv closes so pending readers unblock.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ws.Recv():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Recv never closed")
		}
	}
}

func TestDialFailure(t *testing.T) {
	_, err := Dial("ws://127.0.0.1:1", WithDialTimeout(200*time.Millisecond))
	if err == nil {
		t.Fatal("dial of closed port succeeded")
	}
}
