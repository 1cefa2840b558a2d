package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/feichai0017/page-colorizer/internal/events"
	"github.com/feichai0017/page-colorizer/pkg/logger"
)

var errSubscriberGone = errors.New("subscriber is closed or too slow")

// StreamConfig tunes the WebSocket event stream.
type StreamConfig struct {
	SendBuffer   int           `yaml:"send_buffer" mapstructure:"send_buffer"`
	PingInterval time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	PongWait     time.Duration `yaml:"pong_wait" mapstructure:"pong_wait"`
	WriteWait    time.Duration `yaml:"write_wait" mapstructure:"write_wait"`
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		SendBuffer:   64,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
	}
}

type EventHandler struct {
	hub      *events.Hub
	cfg      StreamConfig
	upgrader websocket.Upgrader
	logger   logger.Logger
}

type announceRequest struct {
	Message string `json:"message" binding:"required"`
	Level   string `json:"level"`
}

type clientMessage struct {
	Type string `json:"type"`
}

func NewEventHandler(hub *events.Hub, cfg StreamConfig, log logger.Logger) *EventHandler {
	def := DefaultStreamConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	return &EventHandler{
		hub: hub,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// CORS is open for the REST API as well
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.Named("events"),
	}
}

// Subscribe upgrades the request and streams events for one document, or
// for all documents when the route has no id.
func (h *EventHandler) Subscribe(c *gin.Context) {
	documentID := c.Param("id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Warn("WebSocket upgrade failed", logger.Error(err))
		return
	}

	sub := newWSSubscriber(conn, h.cfg.SendBuffer)
	h.hub.Subscribe(documentID, sub)
	h.logger.Info("Subscriber connected",
		logger.String("documentId", documentID),
		logger.Int("subscribers", h.hub.Count()),
	)

	go h.writePump(sub)
	h.readPump(sub)

	h.hub.Unsubscribe(sub)
	sub.close()
	h.logger.Info("Subscriber disconnected", logger.String("documentId", documentID))
}

// Announce broadcasts an operator message to every subscriber.
func (h *EventHandler) Announce(c *gin.Context) {
	var req announceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, h.logger, http.StatusBadRequest, "Invalid announcement", err)
		return
	}
	h.hub.Broadcast(events.NewAnnouncement(req.Message, req.Level))
	c.JSON(http.StatusOK, gin.H{"success": true, "subscribers": h.hub.Count()})
}

// readPump owns all reads on the connection. It returns when the client goes
// away or misses the pong deadline.
func (h *EventHandler) readPump(sub *wsSubscriber) {
	conn := sub.conn
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read failed", logger.Error(err))
			}
			if isJSONError(err) {
				continue
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		if msg.Type == "ping" {
			_ = sub.Deliver(events.Pong())
		}
	}
}

// writePump owns all writes on the connection.
func (h *EventHandler) writePump(sub *wsSubscriber) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	conn := sub.conn
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case e := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteJSON(e); err != nil {
				h.logger.Debug("WebSocket write failed", logger.Error(err))
				sub.close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sub.close()
				return
			}
		case <-sub.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.cfg.WriteWait))
			return
		}
	}
}

// wsSubscriber adapts a WebSocket connection to events.Subscriber.
type wsSubscriber struct {
	conn      *websocket.Conn
	send      chan events.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newWSSubscriber(conn *websocket.Conn, buffer int) *wsSubscriber {
	return &wsSubscriber{
		conn: conn,
		send: make(chan events.Event, buffer),
		done: make(chan struct{}),
	}
}

// Deliver never blocks: a full buffer drops the subscriber.
func (s *wsSubscriber) Deliver(e events.Event) error {
	select {
	case <-s.done:
		return errSubscriberGone
	default:
	}
	select {
	case s.send <- e:
		return nil
	default:
		s.close()
		return errSubscriberGone
	}
}

func (s *wsSubscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		// unblocks the read pump
		_ = s.conn.SetReadDeadline(time.Now())
	})
}

func isJSONError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
