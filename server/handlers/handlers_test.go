package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	clk "github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/san-kum/polygon-overlay/server/animation"
	"github.com/san-kum/polygon-overlay/server/processor"
	"github.com/san-kum/polygon-overlay/server/stream"
	"github.com/san-kum/polygon-overlay/server/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
}

type constRand float64

func (c constRand) Float64() float64 { return float64(c) }

// newMockPipeline returns a started pipeline that already holds the sample shapes.
func newMockPipeline(t *testing.T) *processor.Pipeline {
	t.Helper()

	tr, err := transform.New(nil)
	require.NoError(t, err)

	opts := stream.DefaultOptions()
	opts.URL = "ws://127.0.0.1:1"

	mock := clk.NewMock()
	p := processor.NewPipeline(processor.Options{
		Stream:    opts,
		Animation: animation.DefaultConfig(),
		Mode:      processor.ModeMock,
		Rand:      constRand(0.5),
	}, tr, mock, zaptest.NewLogger(t))
	t.Cleanup(func() { require.NoError(t, p.Shutdown(time.Second)) })

	require.NoError(t, p.Start())
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return len(p.Snapshot()) == 5 }, 5*time.Second, 5*time.Millisecond)

	return p
}

func newControlRouter(t *testing.T, overlay Overlay) *gin.Engine {
	t.Helper()

	h := NewControlHandler(overlay, zaptest.NewLogger(t))
	r := gin.New()
	r.GET("/shapes", h.GetShapes)
	r.GET("/stats", h.GetStats)
	r.POST("/connect", h.Connect)
	r.POST("/disconnect", h.Disconnect)
	r.PUT("/mode", h.SetMode)
	r.PUT("/speed", h.SetSpeed)
	r.PUT("/viewport", h.SetViewport)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestControlGetShapes(t *testing.T) {
	r := newControlRouter(t, newMockPipeline(t))

	w := do(r, http.MethodGet, "/shapes", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status string `json:"status"`
		Count  int    `json:"count"`
		Shapes []struct {
			ID    string `json:"id"`
			Style struct {
				Fill string `json:"fill"`
			} `json:"style"`
		} `json:"shapes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "mock", body.Status)
	assert.Equal(t, 5, body.Count)
	assert.Equal(t, "1", body.Shapes[0].ID)
	assert.NotEmpty(t, body.Shapes[0].Style.Fill)
}

func TestControlCommands(t *testing.T) {
	p := newMockPipeline(t)
	r := newControlRouter(t, p)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "connect in mock mode", method: http.MethodPost, path: "/connect", want: http.StatusConflict},
		{name: "disconnect in mock mode", method: http.MethodPost, path: "/disconnect", want: http.StatusConflict},
		{name: "speed", method: http.MethodPut, path: "/speed", body: `{"speed": 2}`, want: http.StatusOK},
		{name: "zero speed", method: http.MethodPut, path: "/speed", body: `{"speed": 0}`, want: http.StatusOK},
		{name: "negative speed", method: http.MethodPut, path: "/speed", body: `{"speed": -1}`, want: http.StatusBadRequest},
		{name: "missing speed", method: http.MethodPut, path: "/speed", body: `{}`, want: http.StatusBadRequest},
		{name: "viewport", method: http.MethodPut, path: "/viewport", body: `{"width": 800, "height": 600}`, want: http.StatusOK},
		{name: "bad viewport", method: http.MethodPut, path: "/viewport", body: `{"width": 0, "height": 600}`, want: http.StatusBadRequest},
		{name: "unknown mode", method: http.MethodPut, path: "/mode", body: `{"mode": "replay"}`, want: http.StatusBadRequest},
		{name: "same mode", method: http.MethodPut, path: "/mode", body: `{"mode": "mock"}`, want: http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(r, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}

	assert.Equal(t, 0.0, p.GetStats().AnimationSpeed)
	assert.Equal(t, 800, p.Viewport().Width)

	w := do(r, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var stats struct {
		Pipeline processor.PipelineStats `json:"pipeline"`
		Control  ControlStats            `json:"control"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, processor.ModeMock, stats.Pipeline.Mode)
	assert.Equal(t, 5, stats.Pipeline.TrackedShapes)
	assert.Equal(t, int64(6), stats.Control.Rejected)
	assert.Equal(t, "mode", stats.Control.LastCommand)
}

func dialViewer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, messageType string) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var raw struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&raw))
		if raw.Type == messageType {
			return ServerMessage{Type: raw.Type, Data: raw.Data}
		}
	}
}

func TestWebSocketPushesShapes(t *testing.T) {
	p := newMockPipeline(t)
	h := NewWebSocketHandler(p, nil, 10*time.Millisecond, clk.New(), zaptest.NewLogger(t))

	r := gin.New()
	r.GET("/ws", h.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialViewer(t, srv)
	defer conn.Close()

	msg := readUntil(t, conn, "shapes")
	var payload ShapesPayload
	require.NoError(t, json.Unmarshal(msg.Data.(json.RawMessage), &payload))
	assert.Equal(t, "mock", payload.Status)
	assert.Len(t, payload.Shapes, 5)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "speed", Data: json.RawMessage(`{"speed": 3}`)}))
	readUntil(t, conn, "speed_updated")
	assert.Equal(t, 3.0, p.GetStats().AnimationSpeed)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "viewport", Data: json.RawMessage(`{"width": 1280, "height": 720}`)}))
	readUntil(t, conn, "viewport_updated")
	assert.Equal(t, 1280, p.Viewport().Width)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
	readUntil(t, conn, "pong")

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "bogus"}))
	readUntil(t, conn, "error")
}

func TestWebSocketLastViewerWins(t *testing.T) {
	p := newMockPipeline(t)
	h := NewWebSocketHandler(p, nil, 10*time.Millisecond, clk.New(), zaptest.NewLogger(t))

	r := gin.New()
	r.GET("/ws", h.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	first := dialViewer(t, srv)
	defer first.Close()
	readUntil(t, first, "shapes")
	firstID := h.ActiveViewer()
	require.NotEmpty(t, firstID)

	second := dialViewer(t, srv)
	defer second.Close()
	readUntil(t, second, "shapes")

	assert.NotEqual(t, firstID, h.ActiveViewer())

	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	second.Close()
	require.Eventually(t, func() bool { return h.ActiveViewer() == "" }, 5*time.Second, 5*time.Millisecond)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	p := newMockPipeline(t)
	h := NewWebSocketHandler(p, func(origin string) bool { return origin == "http://ok.test" }, time.Second, clk.New(), zaptest.NewLogger(t))

	r := gin.New()
	r.GET("/ws", h.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.test"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}
