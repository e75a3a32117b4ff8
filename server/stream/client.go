package stream

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/san-kum/polygon-overlay/server/eventloop"
	"github.com/san-kum/polygon-overlay/server/models"
	"github.com/san-kum/polygon-overlay/server/transform"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Subscriber receives everything the client emits. Callbacks run one at a
// time on the client's event loop, in the order the events happened.
type Subscriber interface {
	OnFrame(shapes []models.Shape)
	OnConnect()
	OnDisconnect()
	OnError(err error)
}

// SubscriberFuncs adapts plain functions to Subscriber. Nil fields are skipped.
type SubscriberFuncs struct {
	Frame      func(shapes []models.Shape)
	Connect    func()
	Disconnect func()
	Error      func(err error)
}

func (f SubscriberFuncs) OnFrame(shapes []models.Shape) {
	if f.Frame != nil {
		f.Frame(shapes)
	}
}

func (f SubscriberFuncs) OnConnect() {
	if f.Connect != nil {
		f.Connect()
	}
}

func (f SubscriberFuncs) OnDisconnect() {
	if f.Disconnect != nil {
		f.Disconnect()
	}
}

func (f SubscriberFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

type Options struct {
	URL                  string
	Header               http.Header
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	HandshakeTimeout     time.Duration
	ReadLimit            int64
	PongWait             time.Duration
	Viewport             models.Viewport
}

func DefaultOptions() Options {
	return Options{
		URL:                  "ws://localhost:9001",
		MaxReconnectAttempts: 5,
		ReconnectDelay:       3 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		ReadLimit:            1 << 20,
		PongWait:             60 * time.Second,
		Viewport:             models.Viewport{Width: 1920, Height: 1080},
	}
}

type Stats struct {
	State             string    `json:"state"`
	URL               string    `json:"url"`
	Session           string    `json:"session,omitempty"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	Dials             int64     `json:"dials"`
	FramesReceived    int64     `json:"frames_received"`
	ProtocolErrors    int64     `json:"protocol_errors"`
	ObjectErrors      int64     `json:"object_errors"`
	ConnectedAt       time.Time `json:"connected_at,omitempty"`
}

// Client keeps one logical connection to a detection source alive. Raw
// frames are decoded and transformed before subscribers see them.
//
// Every connection attempt gets a new generation number; results, reads and
// timers belonging to an older generation are discarded, so a Disconnect or
// a fresh Connect always wins over work that was already in flight.
type Client struct {
	opts        Options
	transformer *transform.Transformer
	clock       clock.Clock
	logger      *zap.Logger
	dialer      *websocket.Dialer
	loop        *eventloop.Loop
	ownsLoop    bool

	mu          sync.Mutex
	state       State
	gen         uint64
	conn        *websocket.Conn
	cancelDial  context.CancelFunc
	retry       *clock.Timer
	attempts    int
	lastErr     error
	subscriber  Subscriber
	viewport    models.Viewport
	session     string
	connectedAt time.Time
	closed      bool

	wg sync.WaitGroup

	dials          atomic.Int64
	framesReceived atomic.Int64
	protocolErrors atomic.Int64
	objectErrors   atomic.Int64
}

// NewClient builds an idle client. When loop is nil the client runs its own
// event loop and shuts it down in Close.
func NewClient(opts Options, transformer *transform.Transformer, loop *eventloop.Loop, clk clock.Clock, logger *zap.Logger) *Client {
	defaults := DefaultOptions()
	if opts.MaxReconnectAttempts < 0 {
		opts.MaxReconnectAttempts = 0
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaults.ReconnectDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaults.ReadLimit
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaults.PongWait
	}
	if opts.Viewport.Width <= 0 || opts.Viewport.Height <= 0 {
		opts.Viewport = defaults.Viewport
	}
	if clk == nil {
		clk = clock.New()
	}

	c := &Client{
		opts:        opts,
		transformer: transformer,
		clock:       clk,
		logger:      logger.Named("stream"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  1024,
		},
		loop:     loop,
		viewport: opts.Viewport,
	}
	if c.loop == nil {
		c.loop = eventloop.New(64, logger)
		c.ownsLoop = true
	}

	return c
}

// Subscribe replaces the current subscriber. Only one is active at a time.
func (c *Client) Subscribe(sub Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriber = sub
}

// SetViewport changes the pixel space later frames are transformed into.
func (c *Client) SetViewport(vp models.Viewport) {
	if vp.Width <= 0 || vp.Height <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewport = vp
}

func (c *Client) Viewport() models.Viewport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewport
}

// Connect starts connecting and returns without waiting for the handshake.
// It does nothing while a connection is open or being opened. Otherwise any
// pending retry is cancelled, a leftover connection is released and a fresh
// reconnect budget starts.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.state == StateConnecting || c.state == StateConnected {
		return nil
	}

	c.stopRetryLocked()
	c.releaseLocked()
	c.attempts = 0
	c.lastErr = nil
	c.dialLocked()

	return nil
}

// Disconnect closes the connection on purpose. Pending reconnects are
// cancelled before it returns and no automatic retry follows.
func (c *Client) Disconnect() {
	c.mu.Lock()
	wasConnected := c.disconnectLocked()
	c.mu.Unlock()

	if wasConnected {
		c.emit(func(s Subscriber) { s.OnDisconnect() })
	}
}

func (c *Client) disconnectLocked() bool {
	c.gen++
	c.stopRetryLocked()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}

	wasConnected := c.state == StateConnected
	if c.conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), deadline)
	}
	c.releaseLocked()

	if c.state != StateIdle {
		c.state = StateDisconnected
	}
	if wasConnected {
		c.logger.Info("Disconnected from detection source",
			zap.String("url", c.opts.URL),
			zap.String("session", c.session))
	}
	return wasConnected
}

// Close disconnects and waits for every goroutine the client started. It
// must not be called from a subscriber callback.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasConnected := c.disconnectLocked()
	c.mu.Unlock()

	if wasConnected {
		c.emit(func(s Subscriber) { s.OnDisconnect() })
	}

	c.wg.Wait()

	if c.ownsLoop {
		return c.loop.Shutdown(5 * time.Second)
	}
	return nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		State:             c.state.String(),
		URL:               c.opts.URL,
		Session:           c.session,
		ReconnectAttempts: c.attempts,
		Dials:             c.dials.Load(),
		FramesReceived:    c.framesReceived.Load(),
		ProtocolErrors:    c.protocolErrors.Load(),
		ObjectErrors:      c.objectErrors.Load(),
		ConnectedAt:       c.connectedAt,
	}
}

func (c *Client) dialLocked() {
	c.gen++
	gen := c.gen
	c.state = StateConnecting

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	c.cancelDial = cancel

	c.wg.Add(1)
	go c.dial(ctx, cancel, gen)
}

func (c *Client) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer c.wg.Done()
	defer cancel()

	c.dials.Add(1)
	c.logger.Debug("Dialing detection source", zap.String("url", c.opts.URL))

	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.cancelDial = nil

	if err != nil {
		exhausted := c.failLocked(&ConnectionError{Op: "dial", URL: c.opts.URL, Err: err})
		c.mu.Unlock()

		// A refused attempt closes like a dropped connection.
		c.emit(func(s Subscriber) { s.OnDisconnect() })
		if exhausted != nil {
			c.emit(func(s Subscriber) { s.OnError(exhausted) })
		}
		return
	}

	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.lastErr = nil
	c.session = uuid.NewString()
	c.connectedAt = c.clock.Now()

	c.wg.Add(1)
	go c.readLoop(conn, gen)

	c.logger.Info("Connected to detection source",
		zap.String("url", c.opts.URL),
		zap.String("session", c.session))
	c.mu.Unlock()

	c.emit(func(s Subscriber) { s.OnConnect() })
}

// failLocked applies the reconnect policy after an unplanned failure. It
// returns the error to report when the budget is spent.
func (c *Client) failLocked(cause error) error {
	c.releaseLocked()
	c.attempts++
	c.lastErr = cause

	if c.attempts <= c.opts.MaxReconnectAttempts {
		c.state = StateDisconnected
		gen := c.gen
		c.retry = c.clock.AfterFunc(c.opts.ReconnectDelay, func() { c.retryConnect(gen) })

		c.logger.Warn("Detection source unavailable, retrying",
			zap.String("url", c.opts.URL),
			zap.Int("attempt", c.attempts),
			zap.Int("max_attempts", c.opts.MaxReconnectAttempts),
			zap.Duration("delay", c.opts.ReconnectDelay),
			zap.Error(cause))
		return nil
	}

	c.state = StateFailed
	c.logger.Error("Reconnect budget exhausted",
		zap.String("url", c.opts.URL),
		zap.Int("attempts", c.opts.MaxReconnectAttempts),
		zap.Error(cause))

	return &ExhaustedRetriesError{URL: c.opts.URL, Attempts: c.opts.MaxReconnectAttempts, Last: cause}
}

func (c *Client) retryConnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.closed || c.state != StateDisconnected {
		return
	}
	c.retry = nil
	c.dialLocked()
}

func (c *Client) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Client) releaseLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	defer c.wg.Done()

	conn.SetReadLimit(c.opts.ReadLimit)
	conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	done := make(chan struct{})
	pingerDone := make(chan struct{})
	go c.pingRoutine(conn, done, pingerDone)
	defer func() {
		close(done)
		<-pingerDone
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(gen, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		if msgType != websocket.TextMessage {
			c.reportProtocolError(gen, &ProtocolError{Reason: "binary message", Size: len(data)})
			continue
		}
		c.handleMessage(gen, data)
	}
}

func (c *Client) pingRoutine(conn *websocket.Conn, done <-chan struct{}, finished chan<- struct{}) {
	defer close(finished)

	ticker := c.clock.Ticker(c.opts.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}

func (c *Client) handleMessage(gen uint64, data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		c.reportProtocolError(gen, err)
		return
	}

	vp := c.Viewport()
	shapes, diagnostics := c.transformer.Transform(frame, vp)
	if diagnostics != nil {
		errs := multierr.Errors(diagnostics)
		c.objectErrors.Add(int64(len(errs)))
		for _, objErr := range errs {
			c.logger.Debug("Skipped detection", zap.Error(objErr))
		}
	}

	c.mu.Lock()
	current := gen == c.gen
	c.mu.Unlock()
	if !current {
		return
	}

	c.framesReceived.Add(1)
	c.emit(func(s Subscriber) { s.OnFrame(shapes) })
}

func (c *Client) reportProtocolError(gen uint64, err error) {
	c.mu.Lock()
	current := gen == c.gen
	c.mu.Unlock()
	if !current {
		return
	}

	c.protocolErrors.Add(1)
	c.logger.Warn("Dropped malformed message", zap.Error(err))
	c.emit(func(s Subscriber) { s.OnError(err) })
}

func (c *Client) connectionLost(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Warn("Connection to detection source lost", zap.String("session", c.session), zap.Error(err))
	} else {
		c.logger.Info("Detection source closed the connection", zap.String("session", c.session), zap.Error(err))
	}

	exhausted := c.failLocked(&ConnectionError{Op: "read", URL: c.opts.URL, Err: err})
	c.mu.Unlock()

	c.emit(func(s Subscriber) { s.OnDisconnect() })
	if exhausted != nil {
		c.emit(func(s Subscriber) { s.OnError(exhausted) })
	}
}

// emit queues a callback for whichever subscriber is registered when it runs.
func (c *Client) emit(fn func(Subscriber)) {
	c.loop.Post(func() {
		c.mu.Lock()
		sub := c.subscriber
		c.mu.Unlock()

		if sub != nil {
			fn(sub)
		}
	})
}
