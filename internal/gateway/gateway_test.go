package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/scriptd/internal/dispatch"
	"github.com/mattjoyce/scriptd/internal/events"
	"github.com/mattjoyce/scriptd/internal/protocol"
)

// echoDispatcher replies to "Echo" with its payload, to "Fail" with an
// error, and never replies to anything else.
type echoDispatcher struct {
	mu   sync.Mutex
	seen []protocol.Source
}

func (d *echoDispatcher) Submit(req *protocol.Request, src protocol.Source, respond dispatch.Responder) bool {
	d.mu.Lock()
	d.seen = append(d.seen, src)
	d.mu.Unlock()
	if respond == nil {
		return true
	}
	switch req.Cmd {
	case "Echo":
		var v any
		_ = json.Unmarshal(req.Data, &v)
		respond(dispatch.Response{Value: v})
	case "Fail":
		respond(dispatch.Response{Err: errors.New("boom")})
	}
	return true
}

func (d *echoDispatcher) sources() []protocol.Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Source(nil), d.seen...)
}

type eventRecorder struct {
	mu  sync.Mutex
	got []protocol.HostEvent
}

func (r *eventRecorder) HandleEvent(_ context.Context, ev protocol.HostEvent) {
	r.mu.Lock()
	r.got = append(r.got, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) events() []protocol.HostEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.HostEvent(nil), r.got...)
}

func newTestGateway(t *testing.T) (*Gateway, *echoDispatcher, *httptest.Server) {
	t.Helper()
	d := &echoDispatcher{}
	g := New(Config{AllowedOrigins: []string{"chrome-extension://"}}, d,
		slog.New(slog.NewTextHandler(io.Discard, nil)), nil, events.NewHub(50))
	r := chi.NewRouter()
	r.Mount("/ws", g.Routes())
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		g.Close()
		srv.Close()
	})
	return g, d, srv
}

func dial(t *testing.T, srv *httptest.Server, path string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var v map[string]any
	require.NoError(t, ws.ReadJSON(&v))
	return v
}

func TestTabCommandReply(t *testing.T) {
	_, d, srv := newTestGateway(t)
	ws := dial(t, srv, "/ws/tab?src=f1&tab=7&url=https://a.test/frame&tab_url=https://a.test/", nil)

	require.NoError(t, ws.WriteJSON(map[string]any{"cmd": "Silent", "data": 1}))
	require.NoError(t, ws.WriteJSON(map[string]any{"id": 3, "cmd": "Echo", "data": map[string]any{"x": 1}}))

	// The side-effect command produced no frame, so the first frame is the echo.
	got := readJSON(t, ws)
	assert.Equal(t, float64(3), got["id"])
	assert.Equal(t, map[string]any{"x": float64(1)}, got["data"])

	srcs := d.sources()
	require.Len(t, srcs, 2)
	tab, ok := srcs[0].(protocol.TabSource)
	require.True(t, ok)
	assert.Equal(t, "f1", tab.ID)
	assert.Equal(t, 7, tab.Tab.ID)
	assert.False(t, tab.IsTopFrame())
}

func TestErrorReply(t *testing.T) {
	_, _, srv := newTestGateway(t)
	ws := dial(t, srv, "/ws/page?src=popup", nil)

	require.NoError(t, ws.WriteJSON(map[string]any{"id": 1, "cmd": "Fail"}))
	got := readJSON(t, ws)
	assert.Equal(t, float64(1), got["id"])
	assert.Equal(t, "boom", got["error"])
	assert.NotContains(t, got, "data")
}

func TestSendTabReachesEveryFrame(t *testing.T) {
	g, _, srv := newTestGateway(t)
	top := dial(t, srv, "/ws/tab?src=top&tab=1&url=https://a.test/", nil)
	sub := dial(t, srv, "/ws/tab?src=sub&tab=1&url=https://b.test/", nil)
	other := dial(t, srv, "/ws/tab?src=x&tab=2&url=https://c.test/", nil)
	_ = other

	require.Eventually(t, func() bool { return g.Stats().Frames == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2}, g.TabIDs())

	require.NoError(t, g.SendTab(1, protocol.Message{Cmd: protocol.PushGetBadge}))
	for _, ws := range []*websocket.Conn{top, sub} {
		got := readJSON(t, ws)
		assert.Equal(t, "GetBadge", got["cmd"])
	}
	assert.Error(t, g.SendTab(99, protocol.Message{Cmd: "X"}))
}

func TestSendRuntimeReachesPagesOnly(t *testing.T) {
	g, _, srv := newTestGateway(t)
	page := dial(t, srv, "/ws/page?src=options", nil)
	tab := dial(t, srv, "/ws/tab?src=f&tab=1&url=https://a.test/", nil)
	require.Eventually(t, func() bool { st := g.Stats(); return st.Pages == 1 && st.Frames == 1 }, time.Second, 5*time.Millisecond)

	g.SendRuntime(protocol.Message{Cmd: protocol.PushUpdateOptions, Data: map[string]any{"showBadge": false}})
	got := readJSON(t, page)
	assert.Equal(t, "UpdateOptions", got["cmd"])

	require.NoError(t, g.SendTab(1, protocol.Message{Cmd: "Marker"}))
	assert.Equal(t, "Marker", readJSON(t, tab)["cmd"])
}

func TestShellReceivesHostOpsAndReportsEvents(t *testing.T) {
	g, _, srv := newTestGateway(t)
	rec := &eventRecorder{}
	g.SetEventHandler(rec)

	require.NoError(t, g.SetIcon(false))
	shell := dial(t, srv, "/ws/shell", nil)

	replayed := readJSON(t, shell)
	assert.Equal(t, "setIcon", replayed["op"])
	assert.Equal(t, false, replayed["applied"])

	require.NoError(t, g.SetBadge(4, "12", "#808"))
	badge := readJSON(t, shell)
	assert.Equal(t, map[string]any{"op": "setBadge", "tabId": float64(4), "text": "12", "color": "#808"}, badge)

	id, err := g.CreateNotification(context.Background(), protocol.Notification{Title: "T", Message: "M", Clickable: true})
	require.NoError(t, err)
	note := readJSON(t, shell)
	assert.Equal(t, "createNotification", note["op"])
	assert.Equal(t, id, note["id"])
	assert.Equal(t, true, note["isClickable"])

	require.NoError(t, shell.WriteJSON(map[string]any{"event": "notificationClicked", "id": id}))
	require.Eventually(t, func() bool { return len(rec.events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.HostEvent{Event: protocol.EventNotificationClicked, ID: id}, rec.events()[0])
}

func TestSecondShellRejected(t *testing.T) {
	g, _, srv := newTestGateway(t)
	dial(t, srv, "/ws/shell", nil)
	require.Eventually(t, func() bool { return g.Stats().ShellConnected }, time.Second, 5*time.Millisecond)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/shell"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestFallbacksWithoutShell(t *testing.T) {
	g, _, _ := newTestGateway(t)
	var opened []string
	g.openURL = func(u string) error {
		opened = append(opened, u)
		return nil
	}

	require.NoError(t, g.SetBadge(3, "5", "#808"))
	require.NoError(t, g.SetIcon(true))
	id, err := g.CreateNotification(context.Background(), protocol.Notification{ID: "fixed", Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)
	require.NoError(t, g.OpenTab(context.Background(), "http://wiki.greasespot.net/@grant", true))

	assert.Equal(t, []string{"http://wiki.greasespot.net/@grant"}, opened)
	st := g.Stats()
	assert.Equal(t, BadgeState{Text: "5", Color: "#808"}, st.Badges[3])
	require.NotNil(t, st.IconApplied)
	assert.True(t, *st.IconApplied)
}

func TestRejectsBadRequests(t *testing.T) {
	_, _, srv := newTestGateway(t)
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	tests := []struct {
		name   string
		path   string
		header http.Header
		status int
	}{
		{"tab without tab id", "/ws/tab?src=f&url=https://a.test/", nil, http.StatusBadRequest},
		{"tab with bad tab id", "/ws/tab?src=f&tab=x&url=https://a.test/", nil, http.StatusBadRequest},
		{"page without src", "/ws/page", nil, http.StatusBadRequest},
		{"foreign origin", "/ws/page?src=p", http.Header{"Origin": []string{"https://evil.test"}}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(base+tt.path, tt.header)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestExtensionOriginAllowed(t *testing.T) {
	g, _, srv := newTestGateway(t)
	dial(t, srv, "/ws/page?src=p", http.Header{"Origin": []string{"chrome-extension://abcdef"}})
	require.Eventually(t, func() bool { return g.Stats().Pages == 1 }, time.Second, 5*time.Millisecond)
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("127.0.0.1:5000"))
	assert.True(t, isLoopback("[::1]:5000"))
	assert.False(t, isLoopback("10.0.0.2:5000"))
	assert.False(t, isLoopback("garbage"))
}

func TestDisconnectForgetsTab(t *testing.T) {
	g, _, srv := newTestGateway(t)
	ws := dial(t, srv, "/ws/tab?src=f&tab=5&url=https://a.test/", nil)
	require.Eventually(t, func() bool { return len(g.TabIDs()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, g.SetBadge(5, "1", "#808"))

	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = ws.Close()
	require.Eventually(t, func() bool { return len(g.TabIDs()) == 0 }, time.Second, 5*time.Millisecond)
	_, ok := g.Stats().Badges[5]
	assert.False(t, ok)
}
