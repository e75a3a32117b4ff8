package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/san-kum/polygon-overlay/server/models"
	"github.com/san-kum/polygon-overlay/server/processor"
	"go.uber.org/zap"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
)

// Overlay is the part of the pipeline the HTTP surfaces drive.
type Overlay interface {
	Snapshot() []models.AnimatedShape
	Status() string
	Mode() processor.Mode
	SetMode(mode processor.Mode) error
	SetSpeed(speed float64) error
	SetViewport(vp models.Viewport) error
	Viewport() models.Viewport
	Connect() error
	Disconnect() error
	GetStats() processor.PipelineStats
}

// WebSocketHandler pushes animation snapshots to a single viewer. A new
// viewer replaces the previous one.
type WebSocketHandler struct {
	overlay      Overlay
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	clock        clock.Clock
	pushInterval time.Duration

	mutex  sync.Mutex
	active *viewer
}

type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type ShapesPayload struct {
	Status    string                 `json:"status"`
	Mode      processor.Mode         `json:"mode"`
	Viewport  models.Viewport        `json:"viewport"`
	Shapes    []models.AnimatedShape `json:"shapes"`
	Timestamp int64                  `json:"timestamp"`
}

type viewer struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (v *viewer) close() {
	v.once.Do(func() { close(v.done) })
}

func NewWebSocketHandler(overlay Overlay, allowedOrigins func(string) bool, pushInterval time.Duration, clk clock.Clock, logger *zap.Logger) *WebSocketHandler {
	if clk == nil {
		clk = clock.New()
	}
	if pushInterval <= 0 {
		pushInterval = 33 * time.Millisecond
	}

	return &WebSocketHandler{
		overlay:      overlay,
		logger:       logger.Named("viewer"),
		clock:        clk,
		pushInterval: pushInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16384,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowedOrigins == nil || allowedOrigins(origin)
			},
		},
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	v := &viewer{id: uuid.NewString(), conn: conn, done: make(chan struct{})}
	defer v.close()

	h.replaceActive(v)
	defer h.clearActive(v)

	h.logger.Info("Viewer connected",
		zap.String("viewer", v.id),
		zap.String("client_ip", c.ClientIP()))

	conn.SetReadLimit(64 * 1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.pushRoutine(v)
	}()
	go func() {
		defer wg.Done()
		h.pingRoutine(v)
	}()
	defer wg.Wait()

	h.sendShapes(v)

	for {
		var message ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Error("Websocket error", zap.String("viewer", v.id), zap.Error(err))
			}
			v.close()
			h.logger.Info("Viewer disconnected", zap.String("viewer", v.id))
			return
		}
		h.handleMessage(v, &message)
	}
}

func (h *WebSocketHandler) replaceActive(v *viewer) {
	h.mutex.Lock()
	previous := h.active
	h.active = v
	h.mutex.Unlock()

	if previous != nil {
		h.logger.Info("Replacing viewer", zap.String("previous", previous.id), zap.String("viewer", v.id))
		h.sendMessage(previous, "replaced", map[string]any{"viewer": v.id})
		previous.writeMu.Lock()
		previous.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "replaced by another viewer"),
			time.Now().Add(writeWait))
		previous.writeMu.Unlock()
		previous.close()
		previous.conn.Close()
	}
}

func (h *WebSocketHandler) clearActive(v *viewer) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.active == v {
		h.active = nil
	}
}

// ActiveViewer returns the id of the connected viewer, if any.
func (h *WebSocketHandler) ActiveViewer() string {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.active == nil {
		return ""
	}
	return h.active.id
}

func (h *WebSocketHandler) handleMessage(v *viewer, message *ClientMessage) {
	switch message.Type {
	case "ping":
		h.sendMessage(v, "pong", map[string]any{"timestamp": time.Now().Unix()})
	case "snapshot":
		h.sendShapes(v)
	case "speed":
		var body struct {
			Speed float64 `json:"speed"`
		}
		if err := json.Unmarshal(message.Data, &body); err != nil {
			h.sendError(v, "Invalid speed format")
			return
		}
		if err := h.overlay.SetSpeed(body.Speed); err != nil {
			h.sendError(v, err.Error())
			return
		}
		h.sendMessage(v, "speed_updated", map[string]any{"speed": body.Speed})
	case "mode":
		var body struct {
			Mode string `json:"mode"`
		}
		if err := json.Unmarshal(message.Data, &body); err != nil {
			h.sendError(v, "Invalid mode format")
			return
		}
		mode, err := processor.ParseMode(body.Mode)
		if err == nil {
			err = h.overlay.SetMode(mode)
		}
		if err != nil {
			h.sendError(v, err.Error())
			return
		}
		h.sendMessage(v, "mode_updated", map[string]any{"mode": mode, "status": h.overlay.Status()})
	case "viewport":
		var vp models.Viewport
		if err := json.Unmarshal(message.Data, &vp); err != nil {
			h.sendError(v, "Invalid viewport format")
			return
		}
		if err := h.overlay.SetViewport(vp); err != nil {
			h.sendError(v, err.Error())
			return
		}
		h.sendMessage(v, "viewport_updated", vp)
	default:
		h.logger.Warn("Unknown message type received", zap.String("type", message.Type))
		h.sendError(v, "Unknown message type: "+message.Type)
	}
}

func (h *WebSocketHandler) pushRoutine(v *viewer) {
	ticker := h.clock.Ticker(h.pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := h.sendShapes(v); err != nil {
				v.close()
				return
			}
		case <-v.done:
			return
		}
	}
}

func (h *WebSocketHandler) pingRoutine(v *viewer) {
	ticker := h.clock.Ticker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			v.writeMu.Lock()
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := v.conn.WriteMessage(websocket.PingMessage, nil)
			v.writeMu.Unlock()
			if err != nil {
				h.logger.Error("Failed to send ping", zap.Error(err))
				v.close()
				return
			}
		case <-v.done:
			return
		}
	}
}

func (h *WebSocketHandler) sendShapes(v *viewer) error {
	return h.sendMessage(v, "shapes", ShapesPayload{
		Status:    h.overlay.Status(),
		Mode:      h.overlay.Mode(),
		Viewport:  h.overlay.Viewport(),
		Shapes:    h.overlay.Snapshot(),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (h *WebSocketHandler) sendMessage(v *viewer, messageType string, data any) error {
	message := ServerMessage{
		Type: messageType,
		Data: data,
	}

	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := v.conn.WriteJSON(message); err != nil {
		h.logger.Debug("Failed to send WebSocket message", zap.String("viewer", v.id), zap.Error(err))
		return err
	}
	return nil
}

func (h *WebSocketHandler) sendError(v *viewer, errorMsg string) {
	h.sendMessage(v, "error", map[string]any{
		"message":   errorMsg,
		"timestamp": time.Now().Unix(),
	})
}
