package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/scriptd/internal/events"
	"github.com/mattjoyce/scriptd/internal/gateway"
	"github.com/mattjoyce/scriptd/internal/metrics"
	"github.com/mattjoyce/scriptd/internal/scheduler"
)

type stubGateway struct{ stats gateway.Stats }

func (g stubGateway) Stats() gateway.Stats { return g.stats }

func (g stubGateway) Routes() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ws:"+r.URL.Path)
	})
}

type stubScheduler struct{ state scheduler.State }

func (s stubScheduler) State() scheduler.State { return s.state }

type stubDispatcher struct{ open bool }

func (d stubDispatcher) IsOpen() bool { return d.open }

func newTestServer(t *testing.T, cfg Config, deps Deps) *httptest.Server {
	t.Helper()
	s := New(cfg, deps, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, Config{Version: "1.2.3"}, Deps{
		Gateway:      stubGateway{gateway.Stats{Tabs: 2, Frames: 3, ShellConnected: true}},
		Scheduler:    stubScheduler{scheduler.Checking},
		Dispatcher:   stubDispatcher{open: true},
		BadgeEntries: func() int { return 4 },
		InFlight:     func() int { return 1 },
	})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got HealthzResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "ok", got.Status)
	assert.Equal(t, "1.2.3", got.Version)
	assert.True(t, got.Accepting)
	assert.Equal(t, scheduler.Checking.String(), got.AutoUpdate)
	assert.Equal(t, 4, got.BadgeEntries)
	assert.Equal(t, 1, got.Requests)
	assert.Equal(t, 3, got.Gateway.Frames)
	assert.True(t, got.Gateway.ShellConnected)
}

func TestHealthzBeforeStartupGate(t *testing.T) {
	srv := newTestServer(t, Config{}, Deps{Dispatcher: stubDispatcher{}})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got HealthzResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "starting", got.Status)
	assert.False(t, got.Accepting)
}

func TestWebsocketRoutesMounted(t *testing.T) {
	srv := newTestServer(t, Config{}, Deps{Gateway: stubGateway{}})

	resp, err := http.Get(srv.URL + "/ws/tab")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ws:/tab", string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.CommandHandled("GetData", "value")
	srv := newTestServer(t, Config{}, Deps{Metrics: m.Handler()})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "scriptd_commands_total")
}

func TestListCommandsRequiresKey(t *testing.T) {
	srv := newTestServer(t, Config{APIKey: "k"}, Deps{
		Commands: func() []string { return []string{"SetValue", "GetData"} },
	})

	resp, err := http.Get(srv.URL + "/commands")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/commands", nil)
	req.Header.Set("Authorization", "Bearer k")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var got CommandsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, []string{"GetData", "SetValue"}, got.Commands)
	assert.Contains(t, got.Pushes, "UpdateValues")
}

func TestCORSAllowsExtensionOrigins(t *testing.T) {
	srv := newTestServer(t, Config{AllowedOrigins: []string{"chrome-extension://"}}, Deps{})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	req.Header.Set("Origin", "chrome-extension://abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "chrome-extension://abc", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.test")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORSOrigins(t *testing.T) {
	assert.Equal(t,
		[]string{"chrome-extension://*", "moz-extension://*", "https://a.test"},
		corsOrigins([]string{"chrome-extension://", "", "moz-extension://*", "https://a.test"}))
}

func TestEventsStreamReplaysAndFollows(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.TypeBadgeUpdated, map[string]any{"count": 1})
	hub.Publish(events.TypeBadgeUpdated, map[string]any{"count": 2})
	srv := newTestServer(t, Config{}, Deps{Events: hub})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	next := func() []string {
		var frame []string
		for sc.Scan() {
			line := sc.Text()
			if line == "" {
				return frame
			}
			frame = append(frame, line)
		}
		return frame
	}

	replayed := next()
	require.Len(t, replayed, 3)
	assert.Equal(t, "id: 2", replayed[0])
	assert.Equal(t, "event: badge.updated", replayed[1])
	assert.Equal(t, `data: {"count":2}`, replayed[2])

	hub.Publish(events.TypeAutoUpdateStarted, nil)
	live := next()
	require.NotEmpty(t, live)
	assert.Equal(t, "id: 3", live[0])
	assert.True(t, strings.HasPrefix(live[1], "event: autoupdate.started"))
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(0), parseLastEventID("x"))
	assert.Equal(t, int64(12), parseLastEventID("12"))
}
