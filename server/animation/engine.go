package animation

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/san-kum/polygon-overlay/server/models"
	"github.com/san-kum/polygon-overlay/server/transform"
	"go.uber.org/zap"
)

// Rand is the randomness the engine draws jitter from. *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

// NewSeededRand returns a PCG source for seed. Zero seeds from the current time.
func NewSeededRand(seed uint64) Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(seed, seed>>1))
}

type Config struct {
	DefaultDuration   time.Duration
	JitterRange       float64
	JitterMinDuration time.Duration
	JitterMaxDuration time.Duration
	FrameInterval     time.Duration
	Speed             float64
	// GraceCycles is how many consecutive ingests a shape may be missing from
	// before it is evicted.
	GraceCycles int
}

func DefaultConfig() Config {
	return Config{
		DefaultDuration:   time.Second,
		JitterRange:       5,
		JitterMinDuration: 500 * time.Millisecond,
		JitterMaxDuration: 1500 * time.Millisecond,
		FrameInterval:     16 * time.Millisecond,
		Speed:             1,
		GraceCycles:       1,
	}
}

type tracked struct {
	shape      models.Shape
	current    []models.Point
	target     []models.Point
	progress   float64
	durationMs float64
	missed     int
}

// Engine smooths irregular shape batches into continuous per-shape motion.
// Ingest and Tick are serialized by the engine; Snapshot reads an immutable
// copy published after each mutation and never waits on them.
type Engine struct {
	config Config
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	rng    Rand
	shapes map[string]*tracked
	order  []string

	published atomic.Pointer[[]models.AnimatedShape]
	speed     atomic.Uint64

	loopMu   sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
}

func NewEngine(cfg Config, clk clock.Clock, rng Rand, logger *zap.Logger) *Engine {
	defaults := DefaultConfig()
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = defaults.DefaultDuration
	}
	if cfg.JitterMinDuration <= 0 {
		cfg.JitterMinDuration = defaults.JitterMinDuration
	}
	if cfg.JitterMaxDuration < cfg.JitterMinDuration {
		cfg.JitterMaxDuration = cfg.JitterMinDuration
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = defaults.FrameInterval
	}
	if cfg.Speed <= 0 {
		cfg.Speed = defaults.Speed
	}
	if cfg.GraceCycles < 0 {
		cfg.GraceCycles = 0
	}
	if clk == nil {
		clk = clock.New()
	}
	if rng == nil {
		rng = NewSeededRand(0)
	}

	e := &Engine{
		config: cfg,
		clock:  clk,
		logger: logger,
		rng:    rng,
		shapes: make(map[string]*tracked),
	}
	e.SetSpeed(cfg.Speed)
	e.publishLocked()

	return e
}

// Ingest applies a new batch of shapes. Known ids get fresh targets and
// data without disturbing the motion in flight; new ids start idle at their
// detected position. Ids missing from more than GraceCycles consecutive
// batches are evicted.
func (e *Engine) Ingest(shapes []models.Shape) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]struct{}, len(shapes))
	order := make([]string, 0, len(shapes)+len(e.order))

	for _, shape := range shapes {
		if len(shape.Points) < 3 {
			e.logger.Debug("Ignoring shape with fewer than 3 points", zap.String("id", shape.ID))
			continue
		}
		if _, dup := seen[shape.ID]; dup {
			e.logger.Warn("Duplicate shape id in batch, keeping the first", zap.String("id", shape.ID))
			continue
		}
		seen[shape.ID] = struct{}{}
		order = append(order, shape.ID)

		shape = shape.Clone()
		if t, ok := e.shapes[shape.ID]; ok {
			t.shape = shape
			t.target = models.ClonePoints(shape.Points)
			t.missed = 0
			continue
		}

		e.shapes[shape.ID] = &tracked{
			shape:      shape,
			current:    models.ClonePoints(shape.Points),
			target:     models.ClonePoints(shape.Points),
			progress:   1,
			durationMs: float64(e.config.DefaultDuration) / float64(time.Millisecond),
		}
	}

	for _, id := range e.order {
		if _, ok := seen[id]; ok {
			continue
		}
		t := e.shapes[id]
		t.missed++
		if t.missed > e.config.GraceCycles {
			delete(e.shapes, id)
			e.logger.Debug("Evicted shape", zap.String("id", id))
			continue
		}
		order = append(order, id)
	}

	e.order = order
	e.publishLocked()
}

// Tick advances every tracked shape by deltaMs of animation time scaled by
// speed. A shape whose motion has arrived is given a new jitter target
// around its latest detected position.
func (e *Engine) Tick(deltaMs, speed float64) {
	if deltaMs < 0 || math.IsNaN(deltaMs) {
		deltaMs = 0
	}
	if speed < 0 || math.IsNaN(speed) {
		speed = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range e.order {
		t := e.shapes[id]
		if t.progress >= 1 {
			t.current = restoreTail(t.current, t.shape.Points)
			t.target = e.jitter(t.shape.Points)
			t.durationMs = e.jitterDurationMs()
			t.progress = 0
			continue
		}

		next := t.progress + (deltaMs/t.durationMs)*speed
		t.current = advance(t.current, t.target, t.progress, next)
		t.progress = math.Min(next, 1)
	}

	e.publishLocked()
}

// advance moves current toward target by the share of the remaining segment
// that the progress step covers. With an unchanged target this is the same
// as lerp(segmentStart, target, to); a target refreshed mid-motion is
// approached smoothly from where the shape is now. Only the common prefix of
// the two vertex lists is kept.
func advance(current, target []models.Point, from, to float64) []models.Point {
	n := min(len(current), len(target))
	out := make([]models.Point, n)

	frac := 1.0
	if to < 1 {
		frac = (to - from) / (1 - from)
	}

	for i := 0; i < n; i++ {
		out[i] = models.Point{
			X: current[i].X + (target[i].X-current[i].X)*frac,
			Y: current[i].Y + (target[i].Y-current[i].Y)*frac,
		}
	}
	return out
}

// restoreTail starts a new motion at the anchor's vertex count. Vertices
// dropped by a mismatched motion come back at their detected position.
func restoreTail(current, anchor []models.Point) []models.Point {
	if len(current) >= len(anchor) {
		return current
	}
	out := make([]models.Point, len(anchor))
	copy(out, current)
	copy(out[len(current):], anchor[len(current):])
	return out
}

func (e *Engine) jitter(anchor []models.Point) []models.Point {
	r := e.config.JitterRange
	out := make([]models.Point, len(anchor))
	for i, p := range anchor {
		out[i] = models.Point{
			X: p.X + (e.rng.Float64()*2-1)*r,
			Y: p.Y + (e.rng.Float64()*2-1)*r,
		}
	}
	return out
}

func (e *Engine) jitterDurationMs() float64 {
	lo := float64(e.config.JitterMinDuration) / float64(time.Millisecond)
	hi := float64(e.config.JitterMaxDuration) / float64(time.Millisecond)
	return lo + e.rng.Float64()*(hi-lo)
}

func (e *Engine) publishLocked() {
	snap := make([]models.AnimatedShape, 0, len(e.order))
	for _, id := range e.order {
		t := e.shapes[id]
		snap = append(snap, models.AnimatedShape{
			Shape:         t.shape.Clone(),
			CurrentPoints: models.ClonePoints(t.current),
			TargetPoints:  models.ClonePoints(t.target),
			Progress:      t.progress,
			DurationMs:    t.durationMs,
			Style:         transform.StyleFor(t.shape.Color, t.shape.Confidence),
		})
	}
	e.published.Store(&snap)
}

// Snapshot returns the shapes as of the last Ingest or Tick. The slice is
// owned by the caller; the point slices and metadata inside it are shared
// and must not be modified.
func (e *Engine) Snapshot() []models.AnimatedShape {
	snap := *e.published.Load()
	out := make([]models.AnimatedShape, len(snap))
	copy(out, snap)
	return out
}

func (e *Engine) Len() int {
	return len(*e.published.Load())
}

func (e *Engine) SetSpeed(speed float64) {
	if speed < 0 || math.IsNaN(speed) {
		speed = 0
	}
	e.speed.Store(math.Float64bits(speed))
}

func (e *Engine) Speed() float64 {
	return math.Float64frombits(e.speed.Load())
}

// Start runs the tick loop at the configured frame interval until Stop is
// called. Calling Start while the loop runs has no effect.
func (e *Engine) Start() {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()

	if e.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel = cancel
	e.loopDone = done

	ticker := e.clock.Ticker(e.config.FrameInterval)
	go e.run(ctx, ticker, e.clock.Now(), done)

	e.logger.Info("Animation loop started", zap.Duration("frame_interval", e.config.FrameInterval))
}

func (e *Engine) run(ctx context.Context, ticker *clock.Ticker, last time.Time, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			delta := now.Sub(last)
			last = now
			e.Tick(float64(delta)/float64(time.Millisecond), e.Speed())
		}
	}
}

// Stop cancels the tick loop and returns once it has exited.
func (e *Engine) Stop() {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()

	if e.cancel == nil {
		return
	}

	e.cancel()
	<-e.loopDone
	e.cancel = nil
	e.loopDone = nil

	e.logger.Info("Animation loop stopped")
}

func (e *Engine) Running() bool {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	return e.cancel != nil
}

// Reset drops every tracked shape.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.shapes = make(map[string]*tracked)
	e.order = nil
	e.publishLocked()
}
