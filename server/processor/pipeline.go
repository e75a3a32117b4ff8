package processor

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/san-kum/polygon-overlay/server/animation"
	"github.com/san-kum/polygon-overlay/server/eventloop"
	"github.com/san-kum/polygon-overlay/server/models"
	"github.com/san-kum/polygon-overlay/server/stream"
	"github.com/san-kum/polygon-overlay/server/transform"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Mode string

const (
	ModeLive Mode = "live"
	ModeMock Mode = "mock"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLive, ModeMock:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown source mode %q", s)
	}
}

var ErrMockMode = errors.New("source is in mock mode")

type Options struct {
	Stream      stream.Options
	Animation   animation.Config
	Mode        Mode
	AutoConnect bool
	MockDelay   time.Duration
	QueueSize   int
	Rand        animation.Rand
}

type PipelineStats struct {
	StartTime         time.Time `json:"start_time"`
	Mode              Mode      `json:"mode"`
	Status            string    `json:"status"`
	FramesIngested    int64     `json:"frames_ingested"`
	ShapesIngested    int64     `json:"shapes_ingested"`
	Errors            int64     `json:"errors"`
	LastError         string    `json:"last_error,omitempty"`
	LastFrameNumber   int64     `json:"last_frame_number"`
	LastFrameAt       time.Time `json:"last_frame_at,omitempty"`
	AverageIntervalMs float64   `json:"average_frame_interval_ms"`
	TrackedShapes     int       `json:"tracked_shapes"`
	AnimationSpeed    float64   `json:"animation_speed"`
	AnimationRunning  bool      `json:"animation_running"`

	Stream stream.Stats    `json:"stream"`
	Loop   eventloop.Stats `json:"event_loop"`
}

// Pipeline moves detections from the active source into the animation
// engine. Every source callback reaches it through one event loop, so
// ingests are applied in arrival order.
type Pipeline struct {
	client *stream.Client
	engine *animation.Engine
	loop   *eventloop.Loop
	mock   *MockSource
	clock  clock.Clock
	logger *zap.Logger

	autoConnect bool

	mutex sync.RWMutex
	mode  Mode
	stats PipelineStats
}

func NewPipeline(opts Options, transformer *transform.Transformer, clk clock.Clock, logger *zap.Logger) *Pipeline {
	if clk == nil {
		clk = clock.New()
	}
	if opts.Mode == "" {
		opts.Mode = ModeLive
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.MockDelay <= 0 {
		opts.MockDelay = 500 * time.Millisecond
	}

	loop := eventloop.New(opts.QueueSize, logger.Named("eventloop"))

	p := &Pipeline{
		client:      stream.NewClient(opts.Stream, transformer, loop, clk, logger),
		engine:      animation.NewEngine(opts.Animation, clk, opts.Rand, logger.Named("animation")),
		loop:        loop,
		clock:       clk,
		logger:      logger.Named("pipeline"),
		autoConnect: opts.AutoConnect,
		mode:        opts.Mode,
		stats: PipelineStats{
			StartTime:       clk.Now(),
			LastFrameNumber: -1,
		},
	}
	p.mock = NewMockSource(clk, opts.MockDelay, p.postMock)
	p.client.Subscribe(p)

	return p
}

// Start begins animating and opens the configured source.
func (p *Pipeline) Start() error {
	p.engine.Start()

	p.mutex.RLock()
	mode := p.mode
	p.mutex.RUnlock()

	switch mode {
	case ModeMock:
		p.mock.Start()
	case ModeLive:
		if p.autoConnect {
			if err := p.client.Connect(); err != nil {
				return fmt.Errorf("failed to connect to detection source: %w", err)
			}
		}
	}

	p.logger.Info("Pipeline started", zap.String("mode", string(mode)))
	return nil
}

// SetMode switches between the live source and the sample data. Shapes
// from the previous source are dropped.
func (p *Pipeline) SetMode(mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}

	p.mutex.Lock()
	if p.mode == mode {
		p.mutex.Unlock()
		return nil
	}
	p.mode = mode
	p.mutex.Unlock()

	// Queued behind any frame from the old source that is already in flight.
	p.loop.Post(p.engine.Reset)

	switch mode {
	case ModeMock:
		p.client.Disconnect()
		p.mock.Start()
	case ModeLive:
		p.mock.Stop()
		if err := p.client.Connect(); err != nil {
			return fmt.Errorf("failed to connect to detection source: %w", err)
		}
	}

	p.logger.Info("Source mode changed", zap.String("mode", string(mode)))
	return nil
}

func (p *Pipeline) Mode() Mode {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.mode
}

// Connect asks the live client to connect with a fresh retry budget.
func (p *Pipeline) Connect() error {
	if p.Mode() == ModeMock {
		return ErrMockMode
	}
	return p.client.Connect()
}

func (p *Pipeline) Disconnect() error {
	if p.Mode() == ModeMock {
		return ErrMockMode
	}
	p.client.Disconnect()
	return nil
}

// Status is the connection status a viewer should display.
func (p *Pipeline) Status() string {
	if p.Mode() == ModeMock {
		return string(ModeMock)
	}
	return p.client.State().String()
}

func (p *Pipeline) SetSpeed(speed float64) error {
	if speed < 0 || math.IsNaN(speed) {
		return fmt.Errorf("animation speed must be a non-negative number, got %v", speed)
	}
	p.engine.SetSpeed(speed)
	return nil
}

func (p *Pipeline) SetViewport(vp models.Viewport) error {
	if vp.Width <= 0 || vp.Height <= 0 {
		return fmt.Errorf("viewport must be positive, got %dx%d", vp.Width, vp.Height)
	}
	p.client.SetViewport(vp)
	return nil
}

func (p *Pipeline) Viewport() models.Viewport {
	return p.client.Viewport()
}

func (p *Pipeline) Snapshot() []models.AnimatedShape {
	return p.engine.Snapshot()
}

func (p *Pipeline) GetStats() PipelineStats {
	p.mutex.RLock()
	stats := p.stats
	stats.Mode = p.mode
	p.mutex.RUnlock()

	stats.Status = p.Status()
	stats.TrackedShapes = p.engine.Len()
	stats.AnimationSpeed = p.engine.Speed()
	stats.AnimationRunning = p.engine.Running()
	stats.Stream = p.client.GetStats()
	stats.Loop = p.loop.GetStats()
	return stats
}

// OnFrame implements stream.Subscriber.
func (p *Pipeline) OnFrame(shapes []models.Shape) {
	if p.Mode() != ModeLive {
		return
	}
	p.ingest(shapes)
}

func (p *Pipeline) OnConnect() {
	p.logger.Info("Live source connected")
}

func (p *Pipeline) OnDisconnect() {
	p.logger.Info("Live source disconnected")
}

func (p *Pipeline) OnError(err error) {
	p.mutex.Lock()
	p.stats.Errors++
	p.stats.LastError = err.Error()
	p.mutex.Unlock()

	var exhausted *stream.ExhaustedRetriesError
	if errors.As(err, &exhausted) {
		p.logger.Error("Live source failed, manual reconnect or mock mode required", zap.Error(err))
		return
	}
	p.logger.Debug("Live source error", zap.Error(err))
}

func (p *Pipeline) postMock(shapes []models.Shape) {
	p.loop.Post(func() {
		if p.Mode() != ModeMock {
			return
		}
		p.ingest(shapes)
	})
}

func (p *Pipeline) ingest(shapes []models.Shape) {
	p.engine.Ingest(shapes)

	now := p.clock.Now()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.stats.LastFrameAt.IsZero() {
		p.updateIntervalStats(now.Sub(p.stats.LastFrameAt))
	}
	p.stats.LastFrameAt = now
	p.stats.FramesIngested++
	p.stats.ShapesIngested += int64(len(shapes))

	if len(shapes) > 0 {
		if frame, ok := shapes[0].Metadata[transform.MetaFrame].(int64); ok {
			p.stats.LastFrameNumber = frame
		}
	}
}

func (p *Pipeline) updateIntervalStats(interval time.Duration) {
	current := float64(interval) / float64(time.Millisecond)

	if p.stats.AverageIntervalMs == 0 {
		p.stats.AverageIntervalMs = current
	} else {
		alpha := 0.1
		p.stats.AverageIntervalMs = alpha*current + (1-alpha)*p.stats.AverageIntervalMs
	}
}

// Shutdown stops the sources, the tick loop and the event loop.
func (p *Pipeline) Shutdown(timeout time.Duration) error {
	p.logger.Info("Shutting down pipeline...")

	p.mock.Stop()

	var errs error
	if err := p.client.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("stream client: %w", err))
	}

	p.engine.Stop()

	if err := p.loop.Shutdown(timeout); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("event loop: %w", err))
	}

	if errs != nil {
		p.logger.Error("Pipeline shutdown incomplete", zap.Error(errs))
		return errs
	}

	p.logger.Info("Pipeline shutdown complete")
	return nil
}
