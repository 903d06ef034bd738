package ws

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emribilemir/atlas-ois-tracker/internal/config"
	"github.com/emribilemir/atlas-ois-tracker/internal/monitor"
)

// dialTestWS creates a test HTTP server that upgrades to WebSocket and returns
// the server-side connection. The caller must close both the server and the
// returned connection.
func dialTestWS(t *testing.T) (*httptest.Server, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	_ = clientConn.Close()

	select {
	case serverConn := <-connCh:
		return srv, serverConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil
	}
}

func TestAddClientMaxConnections(t *testing.T) {
	const maxConns = 2
	b := NewBroadcaster(nil, 0, maxConns)
	defer b.Stop()

	var clients []*client
	for i := 0; i < maxConns; i++ {
		srv, conn := dialTestWS(t)
		defer srv.Close()
		c, err := b.AddClient(conn)
		if err != nil {
			t.Fatalf("AddClient[%d]: %v", i, err)
		}
		clients = append(clients, c)
	}

	srv, conn := dialTestWS(t)
	defer srv.Close()
	if _, err := b.AddClient(conn); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("err = %v, want ErrTooManyConnections", err)
	}
	conn.Close()

	b.RemoveClient(clients[0])
	srv2, conn2 := dialTestWS(t)
	defer srv2.Close()
	if _, err := b.AddClient(conn2); err != nil {
		t.Fatalf("AddClient after removal: %v", err)
	}
	if got := b.ClientCount(); got != maxConns {
		t.Errorf("ClientCount = %d, want %d", got, maxConns)
	}
}

func TestServerClosesConnectionsOverLimit(t *testing.T) {
	_, _, srv := newTestServer(t, "", 1)
	first := dial(t, srv, "")
	readUntil(t, first, MsgStatus)

	second := dial(t, srv, "")
	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := second.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("err = %v, want policy violation close", err)
	}
}

func TestWritePumpRemovesClientOnWriteError(t *testing.T) {
	srv, serverConn := dialTestWS(t)
	defer srv.Close()

	b := NewBroadcaster(nil, 0, 0)
	defer b.Stop()

	c := &client{conn: serverConn, b: b, send: make(chan []byte, 64)}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	serverConn.Close()
	c.send <- []byte(`{"type":"test"}`)
	go c.writePump()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.ClientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client not removed after write error; ClientCount = %d", b.ClientCount())
}

func TestSlowClientIsDropped(t *testing.T) {
	b := NewBroadcaster(nil, 0, 0)
	defer b.Stop()

	// No write pump: the buffer fills and the next broadcast drops the client.
	c := &client{b: b, send: make(chan []byte, 1)}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	b.Broadcast(WSMessage{Type: MsgStatus})
	b.Broadcast(WSMessage{Type: MsgStatus})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.ClientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("slow client was not removed")
}

func TestPeriodicStatus(t *testing.T) {
	ctl := newFakeController()
	b := NewBroadcaster(ctl.Status, 20*time.Millisecond, 0)
	s := NewServer(config.ServerConfig{}, ctl, b, nil)
	srv := httptest.NewServer(s.Handler())
	defer func() {
		b.Stop()
		srv.Close()
	}()

	conn := dial(t, srv, "")
	readUntil(t, conn, MsgStatus) // on connect
	ctl.Pause()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		if f.Type == MsgStatus && strings.Contains(string(f.Payload), string(monitor.Paused)) {
			return
		}
	}
}

func TestStopDisconnectsClients(t *testing.T) {
	srv, conn := dialTestWS(t)
	defer srv.Close()
	b := NewBroadcaster(nil, 0, 0)
	if _, err := b.AddClient(conn); err != nil {
		t.Fatal(err)
	}
	b.Stop()
	b.Stop() // idempotent
	if b.ClientCount() != 0 {
		t.Errorf("ClientCount = %d after Stop", b.ClientCount())
	}
}
