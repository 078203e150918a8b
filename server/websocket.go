package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/logger"
	"github.com/teranos/slate/pulse/async"
)

// WebSocket timeouts following the gorilla chat example.
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames and close requests.
	maxMessageSize = 4096
)

// Client is one WebSocket subscriber following a job, or every job.
type Client struct {
	server *Server
	conn   *websocket.Conn
	jobID  string
	events chan async.Event
	send   chan []byte
	done   chan struct{}
	logger *zap.SugaredLogger

	closeOnce sync.Once
	dropped   atomic.Int64
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no origin.
			return origin == "" || s.originAllowed(origin)
		},
	}
}

// HandleWebSocket upgrades to a WebSocket that streams job events.
// With ?job=<id> the client follows one job and first receives its snapshot.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.getState() != ServerStateRunning && s.getState() != ServerStateStarting {
		writeError(w, errors.Mark(errors.New("server is shutting down"), errors.ErrServiceUnavailable))
		return
	}
	if s.ClientCount() >= MaxClients {
		writeError(w, errors.WithHintf(errors.Mark(errors.New("too many WebSocket clients"), errors.ErrServiceUnavailable),
			"at most %d clients may connect", MaxClients))
		return
	}

	jobID := r.URL.Query().Get("job")
	var snap *async.Snapshot
	if jobID != "" {
		var err error
		if snap, err = s.engine.Status(r.Context(), jobID); err != nil {
			writeError(w, err)
			return
		}
	}

	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debugw("WebSocket upgrade failed", logger.FieldError, err)
		return
	}

	c := &Client{
		server: s,
		conn:   conn,
		jobID:  jobID,
		events: s.engine.Events().Subscribe(jobID),
		send:   make(chan []byte, MaxClientMessageQueueSize),
		done:   make(chan struct{}),
		logger: s.logger.With(logger.FieldJobID, jobID, "remote", r.RemoteAddr),
	}
	s.register(c)

	if snap != nil {
		c.enqueue(wsMessage{Type: "snapshot", Snapshot: snap})
	}

	s.wg.Add(3)
	go c.forward()
	go c.writePump()
	go c.readPump()
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	s.clients[c] = true
	n := len(s.clients)
	s.mu.Unlock()
	c.logger.Debugw("WebSocket client connected", "clients", n)
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// close tears the client down once; safe from any goroutine.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.server.engine.Events().Unsubscribe(c.events)
		c.server.unregister(c)
		close(c.done)
		_ = c.conn.Close()
		if n := c.dropped.Load(); n > 0 {
			c.logger.Infow("WebSocket client closed with dropped messages", "dropped", n)
		}
	})
}

// enqueue queues a message for the write pump. A full queue drops the
// message; every event carries a full job snapshot, so the next one catches
// the client up.
func (c *Client) enqueue(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Errorw("Failed to encode WebSocket message", logger.FieldError, err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.dropped.Add(1)
	}
}

// forward copies broadcaster events into the send queue.
func (c *Client) forward() {
	defer c.server.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.server.ctx.Done():
			c.close()
			return
		case ev, ok := <-c.events:
			if !ok {
				c.close()
				return
			}
			c.enqueue(wsMessage{Type: "event", Event: ev})
		}
	}
}

// readPump discards client frames and detects disconnects.
func (c *Client) readPump() {
	defer c.server.wg.Done()
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debugw("WebSocket read error", logger.FieldError, err)
			}
			return
		}
	}
}

// writePump writes queued messages and keeps the connection alive with pings.
func (c *Client) writePump() {
	defer c.server.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
