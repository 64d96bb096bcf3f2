package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/entl/termhub/internal/protocol"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
	sendQueueSize  = 1024
)

// Client represents a connected WebSocket client
type Client struct {
	id          string
	conn        *websocket.Conn
	IPAddress   string
	ConnectedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Bool
	logger    zerolog.Logger
}

func newClient(conn *websocket.Conn, ip string, logger zerolog.Logger) *Client {
	id, err := gonanoid.New()
	if err != nil {
		// nanoid only fails if the system random source does.
		id = time.Now().Format("20060102150405.000000000")
	}
	return &Client{
		id:          id,
		conn:        conn,
		IPAddress:   ip,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, sendQueueSize),
		done:        make(chan struct{}),
		logger:      logger.With().Str("connId", id).Logger(),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Send queues ev without blocking. A client whose queue is full cannot keep
// up with its terminal and is disconnected; see Dropped.
func (c *Client) Send(ev protocol.Event) {
	select {
	case <-c.done:
		return
	default:
	}

	data, err := protocol.Encode(ev)
	if err != nil {
		c.logger.Error().Err(err).Str("event", ev.EventName()).Msg("Failed to encode event")
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn().Str("event", ev.EventName()).Msg("Send queue full, disconnecting slow client")
		c.dropped.Store(true)
		c.Close()
	}
}

// Dropped reports whether the server disconnected the client for falling
// behind, as opposed to the client going away.
func (c *Client) Dropped() bool {
	return c.dropped.Load()
}

// Close signals the write pump to send a close frame and drop the
// connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writePump sends queued messages and periodic pings. It owns all writes
// to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// clientRegistry tracks connected clients
type clientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{clients: make(map[string]*Client)}
}

func (r *clientRegistry) add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.id] = c
}

func (r *clientRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

func (r *clientRegistry) all() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

func (r *clientRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
