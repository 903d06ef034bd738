package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emribilemir/atlas-ois-tracker/internal/monitor"
)

// ErrTooManyConnections is returned by AddClient when the limit is reached.
var ErrTooManyConnections = errors.New("ws: too many connections")

const writeWait = 10 * time.Second

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

// Broadcaster pushes monitor output to every connected dashboard and sends a
// periodic status message. It implements monitor.Sink.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int // 0 means unlimited

	status       func() monitor.Status
	statusTicker *time.Ticker
	done         chan struct{}
	stopOnce     sync.Once
}

func NewBroadcaster(status func() monitor.Status, statusInterval time.Duration, maxConns int) *Broadcaster {
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		maxConns: maxConns,
		status:   status,
		done:     make(chan struct{}),
	}
	if statusInterval > 0 && status != nil {
		b.statusTicker = time.NewTicker(statusInterval)
		go b.statusLoop()
	}
	return b
}

// AddClient registers conn and queues the current status for it.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{conn: conn, b: b, send: make(chan []byte, 64)}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	b.mu.Unlock()

	go c.writePump()

	if b.status != nil {
		b.sendTo(c, WSMessage{Type: MsgStatus, Payload: b.status()})
	}
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) NotifyChanges(_ context.Context, ev monitor.ChangeEvent) error {
	b.Broadcast(WSMessage{Type: MsgChanges, Payload: ev})
	return nil
}

func (b *Broadcaster) Alert(_ context.Context, a monitor.Alert) error {
	b.Broadcast(WSMessage{Type: MsgAlert, Payload: a})
	return nil
}

func (b *Broadcaster) statusLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.statusTicker.C:
			if b.ClientCount() > 0 {
				b.Broadcast(WSMessage{Type: MsgStatus, Payload: b.status()})
			}
		}
	}
}

func (b *Broadcaster) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[ws] broadcast marshal error: %v", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		b.enqueue(c, data)
	}
}

func (b *Broadcaster) sendTo(c *client, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[ws] marshal error: %v", err)
		return
	}
	b.enqueue(c, data)
}

// enqueue drops clients that cannot keep up.
func (b *Broadcaster) enqueue(c *client, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("[ws] client too slow, disconnecting")
		go b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop ends the status loop and disconnects every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		if b.statusTicker != nil {
			b.statusTicker.Stop()
		}
		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
	})
}
