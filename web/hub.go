package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"humanoid-engine/fusion"
)

const (
	socketBufferSize  = 1024
	messageBufferSize = 16
	writeWait         = 2 * time.Second
)

var upgrader = websocket.Upgrader{ReadBufferSize: socketBufferSize, WriteBufferSize: socketBufferSize}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub broadcasts published states to every connected websocket client.
// Slow clients miss messages rather than stall the estimator.
type Hub struct {
	log        *zap.SugaredLogger
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	clients    map[*client]bool
	done       chan struct{}

	mu     sync.RWMutex
	latest []byte
}

var _ fusion.Publisher = (*Hub)(nil)

func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		log:        logger,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, messageBufferSize),
		clients:    make(map[*client]bool),
		done:       make(chan struct{}),
	}
}

// Run services the hub until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.log.Debugw("ws client joined", "remote", c.conn.RemoteAddr(), "clients", len(h.clients))
		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
				h.log.Debugw("ws client left", "clients", len(h.clients))
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
				}
			}
		}
	}
}

// Publish encodes the state as JSON and queues it for broadcast, dropping it when the hub is busy.
func (h *Hub) Publish(s fusion.BodyState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encode state")
	}
	h.mu.Lock()
	h.latest = data
	h.mu.Unlock()
	select {
	case h.broadcast <- data:
	default:
	}
	return nil
}

// Latest is the most recent published state, or nil.
func (h *Hub) Latest() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}

func (h *Hub) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("ws upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, messageBufferSize)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.write()
	c.read()
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// read discards inbound messages; it only exists to notice the peer closing.
func (c *client) read() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) write() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}
