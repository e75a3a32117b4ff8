package stream

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	clk "github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/san-kum/polygon-overlay/server/models"
	"github.com/san-kum/polygon-overlay/server/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const validFrame = `{"frame_number":3,"objects":[{"object_id":7,"class_id":1,"confidence":0.8,
	"polygon":[{"x":0,"y":0},{"x":0.5,"y":0},{"x":0.5,"y":0.5}]}]}`

// fakeSource is an in-process detection source.
type fakeSource struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader
	dials    atomic.Int32
	reject   atomic.Bool

	mu    sync.Mutex
	conns []*websocket.Conn
	ready chan *websocket.Conn
}

func newFakeSource(t *testing.T) *fakeSource {
	t.Helper()
	s := &fakeSource{t: t, ready: make(chan *websocket.Conn, 16)}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dials.Add(1)
		if s.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		select {
		case s.ready <- conn:
		default:
		}

		// Drain control frames so close handshakes complete.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeSource) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *fakeSource) next() *websocket.Conn {
	s.t.Helper()
	select {
	case conn := <-s.ready:
		return conn
	case <-time.After(5 * time.Second):
		s.t.Fatal("source never accepted a connection")
		return nil
	}
}

func (s *fakeSource) Close() {
	s.mu.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.server.Close()
}

// recorder collects subscriber callbacks.
type recorder struct {
	mu          sync.Mutex
	frames      [][]models.Shape
	errs        []error
	connects    int
	disconnects int
}

func (r *recorder) OnFrame(shapes []models.Shape) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, shapes)
}

func (r *recorder) OnConnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
}

func (r *recorder) OnDisconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) counts() (frames, errs, connects, disconnects int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames), len(r.errs), r.connects, r.disconnects
}

func newTestClient(t *testing.T, url string, mock *clk.Mock) (*Client, *recorder) {
	t.Helper()

	tr, err := transform.New(nil)
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.URL = url
	opts.Viewport = models.Viewport{Width: 200, Height: 100}

	c := NewClient(opts, tr, nil, mock, zaptest.NewLogger(t))
	rec := &recorder{}
	c.Subscribe(rec)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c, rec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}

func TestClientDeliversTransformedFrames(t *testing.T) {
	src := newFakeSource(t)
	c, rec := newTestClient(t, src.URL(), clk.NewMock())

	require.NoError(t, c.Connect())
	conn := src.next()
	waitFor(t, func() bool { return c.State() == StateConnected })

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(validFrame)))
	waitFor(t, func() bool { f, _, _, _ := rec.counts(); return f == 1 })

	rec.mu.Lock()
	shapes := rec.frames[0]
	connects := rec.connects
	rec.mu.Unlock()

	assert.Equal(t, 1, connects)
	require.Len(t, shapes, 1)
	assert.Equal(t, "7", shapes[0].ID)
	assert.Equal(t, "Face", shapes[0].Label)
	assert.Equal(t, []models.Point{{X: 0, Y: 0}, {X: 100, Y: 0}, {X: 100, Y: 50}}, shapes[0].Points)
	assert.Equal(t, int64(3), shapes[0].Metadata[transform.MetaFrame])

	stats := c.GetStats()
	assert.Equal(t, "connected", stats.State)
	assert.NotEmpty(t, stats.Session)
	assert.Equal(t, int64(1), stats.FramesReceived)
}

func TestClientConnectIsIdempotent(t *testing.T) {
	src := newFakeSource(t)
	c, _ := newTestClient(t, src.URL(), clk.NewMock())

	require.NoError(t, c.Connect())
	require.NoError(t, c.Connect())
	src.next()
	waitFor(t, func() bool { return c.State() == StateConnected })
	require.NoError(t, c.Connect())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), src.dials.Load())
}

func TestClientMalformedMessageKeepsConnection(t *testing.T) {
	src := newFakeSource(t)
	c, rec := newTestClient(t, src.URL(), clk.NewMock())

	require.NoError(t, c.Connect())
	conn := src.next()
	waitFor(t, func() bool { return c.State() == StateConnected })

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"objects": [`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(validFrame)))

	waitFor(t, func() bool { f, _, _, _ := rec.counts(); return f == 1 })

	frames, errs, _, disconnects := rec.counts()
	assert.Equal(t, 1, frames)
	assert.Equal(t, 1, errs)
	assert.Equal(t, 0, disconnects)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 0, c.ReconnectAttempts())

	var protoErr *ProtocolError
	rec.mu.Lock()
	assert.True(t, errors.As(rec.errs[0], &protoErr))
	rec.mu.Unlock()
	assert.Equal(t, int64(1), c.GetStats().ProtocolErrors)
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	src := newFakeSource(t)
	mock := clk.NewMock()
	c, rec := newTestClient(t, src.URL(), mock)

	require.NoError(t, c.Connect())
	conn := src.next()
	waitFor(t, func() bool { return c.State() == StateConnected })

	conn.Close()
	waitFor(t, func() bool { return c.ReconnectAttempts() == 1 })
	assert.Equal(t, StateDisconnected, c.State())

	mock.Add(DefaultOptions().ReconnectDelay)
	src.next()
	waitFor(t, func() bool { return c.State() == StateConnected })

	assert.Equal(t, 0, c.ReconnectAttempts())
	waitFor(t, func() bool { _, _, conns, discs := rec.counts(); return conns == 2 && discs == 1 })
}

func TestClientExhaustsRetryBudget(t *testing.T) {
	src := newFakeSource(t)
	src.reject.Store(true)
	mock := clk.NewMock()
	c, rec := newTestClient(t, src.URL(), mock)
	maxAttempts := DefaultOptions().MaxReconnectAttempts
	delay := DefaultOptions().ReconnectDelay

	require.NoError(t, c.Connect())

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		waitFor(t, func() bool { return c.ReconnectAttempts() == attempt })
		assert.Equal(t, StateDisconnected, c.State())
		mock.Add(delay)
	}

	waitFor(t, func() bool { return c.State() == StateFailed })
	waitFor(t, func() bool { _, errs, _, _ := rec.counts(); return errs == 1 })

	mock.Add(10 * delay)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(maxAttempts+1), src.dials.Load())
	_, errs, connects, disconnects := rec.counts()
	assert.Equal(t, 1, errs)
	assert.Equal(t, 0, connects)
	assert.Equal(t, maxAttempts+1, disconnects)

	var exhausted *ExhaustedRetriesError
	rec.mu.Lock()
	require.True(t, errors.As(rec.errs[0], &exhausted))
	rec.mu.Unlock()
	assert.Equal(t, maxAttempts, exhausted.Attempts)

	var connErr *ConnectionError
	assert.True(t, errors.As(exhausted, &connErr))

	// A manual connect starts over with a fresh budget.
	src.reject.Store(false)
	require.NoError(t, c.Connect())
	src.next()
	waitFor(t, func() bool { return c.State() == StateConnected })
}

func TestClientDisconnectCancelsPendingRetry(t *testing.T) {
	src := newFakeSource(t)
	src.reject.Store(true)
	mock := clk.NewMock()
	c, rec := newTestClient(t, src.URL(), mock)

	require.NoError(t, c.Connect())
	waitFor(t, func() bool { return c.ReconnectAttempts() == 1 })

	waitFor(t, func() bool { _, _, _, discs := rec.counts(); return discs == 1 })

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	mock.Add(10 * DefaultOptions().ReconnectDelay)
	time.Sleep(50 * time.Millisecond)

	// Only the refused dial reported a close; the deliberate disconnect of a
	// client that never connected does not.
	assert.Equal(t, int32(1), src.dials.Load())
	_, errs, _, disconnects := rec.counts()
	assert.Equal(t, 0, errs)
	assert.Equal(t, 1, disconnects)
}

func TestClientDisconnectWhileConnected(t *testing.T) {
	src := newFakeSource(t)
	mock := clk.NewMock()
	c, rec := newTestClient(t, src.URL(), mock)

	require.NoError(t, c.Connect())
	src.next()
	waitFor(t, func() bool { return c.State() == StateConnected })

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
	waitFor(t, func() bool { _, _, _, discs := rec.counts(); return discs == 1 })

	mock.Add(10 * DefaultOptions().ReconnectDelay)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), src.dials.Load())
	assert.Equal(t, 0, c.ReconnectAttempts())
}

func TestClientRapidConnectDisconnect(t *testing.T) {
	src := newFakeSource(t)
	c, _ := newTestClient(t, src.URL(), clk.NewMock())

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Connect())
		c.Disconnect()
	}
	require.NoError(t, c.Connect())
	waitFor(t, func() bool { return c.State() == StateConnected })

	c.mu.Lock()
	assert.NotNil(t, c.conn)
	c.mu.Unlock()
}

func TestClientCloseRejectsConnect(t *testing.T) {
	tr, err := transform.New(nil)
	require.NoError(t, err)

	c := NewClient(DefaultOptions(), tr, nil, clk.NewMock(), zaptest.NewLogger(t))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Connect(), ErrClosed)
}

func TestDecodeFrame(t *testing.T) {
	frame, err := DecodeFrame([]byte(validFrame))
	require.NoError(t, err)
	require.NotNil(t, frame.FrameNumber)
	assert.Equal(t, int64(3), *frame.FrameNumber)
	assert.Len(t, frame.Objects, 1)

	frame, err = DecodeFrame([]byte(`{"objects":[]}`))
	require.NoError(t, err)
	assert.Empty(t, frame.Objects)

	for _, payload := range []string{`not json`, `{"frame_number":1}`, `{"frame_number":-2,"objects":[]}`, `null`} {
		_, err := DecodeFrame([]byte(payload))
		var protoErr *ProtocolError
		assert.True(t, errors.As(err, &protoErr), payload)
	}
}
