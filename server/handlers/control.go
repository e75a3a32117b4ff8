package handlers

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/polygon-overlay/server/models"
	"github.com/san-kum/polygon-overlay/server/processor"
	"go.uber.org/zap"
)

// ControlHandler serves the REST surface: snapshots, stats and the source
// and animation controls.
type ControlHandler struct {
	overlay Overlay
	logger  *zap.Logger

	mutex sync.Mutex
	stats ControlStats
}

type ControlStats struct {
	Requests    int64     `json:"requests"`
	Rejected    int64     `json:"rejected"`
	LastCommand string    `json:"last_command,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

type ModeRequest struct {
	Mode string `json:"mode" binding:"required,oneof=live mock"`
}

type SpeedRequest struct {
	Speed *float64 `json:"speed" binding:"required,gte=0,lte=10"`
}

func NewControlHandler(overlay Overlay, logger *zap.Logger) *ControlHandler {
	return &ControlHandler{
		overlay: overlay,
		logger:  logger.Named("control"),
		stats: ControlStats{
			LastUpdated: time.Now(),
		},
	}
}

func (h *ControlHandler) GetShapes(c *gin.Context) {
	h.record("")

	shapes := h.overlay.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":    h.overlay.Status(),
		"viewport":  h.overlay.Viewport(),
		"count":     len(shapes),
		"shapes":    shapes,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (h *ControlHandler) GetStats(c *gin.Context) {
	h.record("")

	pipelineStats := h.overlay.GetStats()

	h.mutex.Lock()
	h.stats.LastUpdated = time.Now()
	control := h.stats
	h.mutex.Unlock()

	var dropRate float64
	if total := pipelineStats.Stream.FramesReceived + pipelineStats.Stream.ProtocolErrors; total > 0 {
		dropRate = float64(pipelineStats.Stream.ProtocolErrors) / float64(total) * 100
	}

	c.JSON(http.StatusOK, gin.H{
		"pipeline": pipelineStats,
		"control":  control,
		"metrics": gin.H{
			"frame_drop_rate": dropRate,
			"uptime_seconds":  time.Since(pipelineStats.StartTime).Seconds(),
		},
	})
}

func (h *ControlHandler) Connect(c *gin.Context) {
	if err := h.overlay.Connect(); err != nil {
		h.reject(c, "connect", err)
		return
	}
	h.record("connect")
	c.JSON(http.StatusAccepted, gin.H{"status": h.overlay.Status()})
}

func (h *ControlHandler) Disconnect(c *gin.Context) {
	if err := h.overlay.Disconnect(); err != nil {
		h.reject(c, "disconnect", err)
		return
	}
	h.record("disconnect")
	c.JSON(http.StatusOK, gin.H{"status": h.overlay.Status()})
}

func (h *ControlHandler) SetMode(c *gin.Context) {
	var request ModeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, "mode", err)
		return
	}

	if err := h.overlay.SetMode(processor.Mode(request.Mode)); err != nil {
		h.reject(c, "mode", err)
		return
	}

	h.record("mode")
	c.JSON(http.StatusOK, gin.H{"mode": request.Mode, "status": h.overlay.Status()})
}

func (h *ControlHandler) SetSpeed(c *gin.Context) {
	var request SpeedRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, "speed", err)
		return
	}

	if err := h.overlay.SetSpeed(*request.Speed); err != nil {
		h.badRequest(c, "speed", err)
		return
	}

	h.record("speed")
	c.JSON(http.StatusOK, gin.H{"speed": *request.Speed})
}

func (h *ControlHandler) SetViewport(c *gin.Context) {
	var request models.Viewport
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, "viewport", err)
		return
	}

	if err := h.overlay.SetViewport(request); err != nil {
		h.badRequest(c, "viewport", err)
		return
	}

	h.record("viewport")
	c.JSON(http.StatusOK, request)
}

func (h *ControlHandler) record(command string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.stats.Requests++
	if command != "" {
		h.stats.LastCommand = command
	}
}

func (h *ControlHandler) badRequest(c *gin.Context, command string, err error) {
	h.countRejected()
	h.logger.Warn("Invalid control request", zap.String("command", command), zap.Error(err))
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (h *ControlHandler) reject(c *gin.Context, command string, err error) {
	h.countRejected()
	h.logger.Warn("Control request rejected", zap.String("command", command), zap.Error(err))

	status := http.StatusInternalServerError
	if errors.Is(err, processor.ErrMockMode) {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *ControlHandler) countRejected() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.stats.Requests++
	h.stats.Rejected++
}
