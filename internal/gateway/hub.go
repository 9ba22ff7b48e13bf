package gateway

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Capitan-Parrot/parking-violation-system/internal/metrics"
	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/cyclopcam/logs"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// Number of messages buffered per subscriber before messages to that
// subscriber are dropped.
const SendBufferSize = 32

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Message is the envelope of everything pushed to subscribers.
// Exactly one of Violation and Status is set.
type Message struct {
	Type      string                  `json:"type"` // "violation" or "status"
	Violation *models.ViolationRecord `json:"violation,omitempty"`
	Status    *models.RunStatus       `json:"status,omitempty"`
}

// Sent by subscribers. The only command is "status".
type clientCommand struct {
	Command string `json:"command"`
}

var nextClientID int64

type client struct {
	id      int64
	conn    *websocket.Conn
	send    chan []byte
	dropped int64
}

// Hub fans out messages to every connected subscriber. There is no replay:
// a subscriber only sees what is broadcast while it is connected.
type Hub struct {
	log     logs.Log
	metrics *metrics.Metrics
	status  func() models.RunStatus

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates a hub. status supplies the run status sent to new
// subscribers and to subscribers that ask for it.
func NewHub(log logs.Log, m *metrics.Metrics, status func() models.RunStatus) *Hub {
	if m == nil {
		m = metrics.New()
	}
	return &Hub{
		log:     log,
		metrics: m,
		status:  status,
		clients: map[*client]struct{}{},
	}
}

func (h *Hub) BroadcastViolation(rec models.ViolationRecord) {
	h.Broadcast(Message{Type: "violation", Violation: &rec})
}

func (h *Hub) BroadcastStatus(st models.RunStatus) {
	h.Broadcast(Message{Type: "status", Status: &st})
}

// Broadcast queues msg for every subscriber without blocking. A subscriber
// whose queue is full misses the message.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Errorf("Hub: marshal %s message: %v", msg.Type, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.enqueueLocked(c, data)
	}
}

func (h *Hub) enqueueLocked(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
		c.dropped++
		h.metrics.BroadcastsDropped.Add(1)
		if c.dropped == 1 || c.dropped%100 == 0 {
			h.log.Warnf("Hub: subscriber %d is slow, dropped %d messages", c.id, c.dropped)
		}
	}
}

func (h *Hub) sendStatus(c *client) {
	st := h.status()
	data, err := json.Marshal(Message{Type: "status", Status: &st})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.enqueueLocked(c, data)
	}
}

// Count is the number of connected subscribers
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Serve runs one subscriber connection until it closes. The subscriber
// receives the current status first.
func (h *Hub) Serve(conn *websocket.Conn) {
	c := &client{
		id:   atomic.AddInt64(&nextClientID, 1),
		conn: conn,
		send: make(chan []byte, SendBufferSize),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.Subscribers.Store(int64(n))
	h.log.Infof("Hub: subscriber %d connected (%d total)", c.id, n)

	writerDone := make(chan struct{})
	go h.writer(c, writerDone)
	h.sendStatus(c)
	h.reader(c)

	h.mu.Lock()
	delete(h.clients, c)
	close(c.send)
	n = len(h.clients)
	h.mu.Unlock()
	<-writerDone
	conn.Close()
	h.metrics.Subscribers.Store(int64(n))
	h.log.Infof("Hub: subscriber %d disconnected (%d total)", c.id, n)
}

func (h *Hub) reader(c *client) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		cmd := clientCommand{}
		if text := strings.TrimSpace(string(data)); text != "" && text[0] != '{' {
			// bare text command
			cmd.Command = text
		} else if err := json.Unmarshal(data, &cmd); err != nil {
			h.log.Infof("Hub: subscriber %d sent invalid JSON: %v", c.id, err)
			continue
		}
		switch cmd.Command {
		case "status":
			h.sendStatus(c)
		default:
			h.log.Infof("Hub: unknown command from subscriber %d: '%v'", c.id, cmd.Command)
		}
	}
}

// writer owns all writes to the connection, so a slow subscriber blocks only itself
func (h *Hub) writer(c *client, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	failed := false
	for {
		select {
		case data, more := <-c.send:
			if !more {
				if !failed {
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				return
			}
			if failed {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// Unblock the reader; the send queue is drained until Serve closes it.
				failed = true
				c.conn.Close()
			}
		case <-ticker.C:
			if failed {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				failed = true
				c.conn.Close()
			}
		}
	}
}

// CloseAll disconnects every subscriber. Used on process shutdown only;
// detector runs never touch subscriber connections.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
	}
}
