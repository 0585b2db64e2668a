package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/internal/bus"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	closeGrace      = time.Second
	maxMessageSize  = 8192
	sinkBufferSize  = 256
	replyBufferSize = 16

	// CloseUnknownInvestigation is sent when no running investigation has
	// the requested id.
	CloseUnknownInvestigation = 4004
)

// wsConn owns one upgraded connection. Only writePump writes to conn after
// the initial snapshot.
type wsConn struct {
	conn    *websocket.Conn
	logger  *zap.Logger
	replies chan []byte
	quit    chan struct{}
	once    sync.Once
}

func newWSConn(conn *websocket.Conn, logger *zap.Logger) *wsConn {
	return &wsConn{
		conn:    conn,
		logger:  logger,
		replies: make(chan []byte, replyBufferSize),
		quit:    make(chan struct{}),
	}
}

// reply queues a direct answer to the client. It drops the message when the
// client is not reading.
func (c *wsConn) reply(msg []byte) {
	select {
	case c.replies <- msg:
	case <-c.quit:
	default:
		c.logger.Warn("WebSocket reply buffer full, dropping message")
	}
}

func (c *wsConn) replyJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to encode WebSocket reply", zap.Error(err))
		return
	}
	c.reply(b)
}

func (c *wsConn) stop() { c.once.Do(func() { close(c.quit) }) }

// writePump forwards bus events and replies until the bus closes, the
// client goes away or done fires.
func (c *wsConn) writePump(events <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-events:
			if !ok {
				c.closeWith(websocket.CloseNormalClosure, "investigation finished")
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("WebSocket write failed", zap.Error(err))
				return
			}
		case msg := <-c.replies:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("WebSocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		case <-c.quit:
			return
		}
	}
}

func (c *wsConn) write(kind int, msg []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(kind, msg)
}

// closeWith sends a close frame and gives the peer a moment to answer before
// the read side gives up.
func (c *wsConn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.SetReadDeadline(time.Now().Add(closeGrace))
}

// readPump delivers each text frame to handle until the connection fails.
func (c *wsConn) readPump(handle func(msg []byte)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("WebSocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		if kind == websocket.TextMessage {
			handle(msg)
		}
	}
}

// stream upgrades the request, attaches to the investigation's bus and runs
// the pumps until either side ends. handle receives client text frames other
// than "ping".
func (s *Server) stream(w http.ResponseWriter, r *http.Request, channel string, handle func(c *wsConn, b *bus.Bus, msg []byte)) {
	id := chi.URLParam(r, "id")
	logger := s.logger.With(zap.String("investigation_id", id), zap.String("channel", channel))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	b, ok := s.deps.Buses.Get(id)
	if !ok {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(map[string]string{"error": "investigation_not_found", "investigation_id": id})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseUnknownInvestigation, "investigation not found or not running"),
			time.Now().Add(writeWait))
		return
	}

	sink := bus.NewWebSocketSink(sinkBufferSize)
	b.AddSink(sink)
	defer func() {
		b.RemoveSink(sink)
		_ = sink.Close()
	}()

	c := newWSConn(conn, logger)
	snapshot, err := json.Marshal(map[string]interface{}{"type": "snapshot", "data": b.Snapshot()})
	if err == nil {
		err = c.write(websocket.TextMessage, snapshot)
	}
	if err != nil {
		logger.Debug("Failed to send snapshot", zap.Error(err))
		return
	}
	logger.Info("Observer attached")

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump(sink.Messages(), r.Context().Done())
		// Unblock the reader if the writer stopped first.
		_ = conn.SetReadDeadline(time.Now().Add(closeGrace))
	}()

	c.readPump(func(msg []byte) {
		if string(msg) == "ping" {
			c.reply([]byte("pong"))
			return
		}
		if handle != nil {
			handle(c, b, msg)
		}
	})
	c.stop()
	<-pumpDone
	logger.Info("Observer detached")
}

// handleMonitor streams events read-only.
func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, "monitor", nil)
}

// handleGuidance streams events and accepts operator commands. A command
// answers the outstanding guidance request if there is one and is queued as
// an interjection otherwise.
func (s *Server) handleGuidance(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, "guidance", func(c *wsConn, b *bus.Bus, msg []byte) {
		cmd, err := bus.ParseGuidanceCommand(msg)
		if err != nil {
			c.replyJSON(map[string]string{"error": "invalid_command", "detail": err.Error()})
			return
		}
		class, err := b.Submit(cmd)
		if err != nil {
			c.replyJSON(map[string]string{"error": "invalid_command", "detail": err.Error()})
			return
		}
		ack := "interject_ack"
		if class == bus.ClassResponse {
			ack = "guidance_ack"
		}
		c.logger.Info("Operator command accepted", zap.String("action", string(cmd.Action)), zap.String("routed_as", string(class)))
		c.replyJSON(map[string]string{"type": ack, "action": string(cmd.Action)})
	})
}
