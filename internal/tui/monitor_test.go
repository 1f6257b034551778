package tui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/scriptd/internal/events"
)

func commandEvent(id int64, cmd, outcome string) events.Event {
	data, _ := json.Marshal(map[string]string{"cmd": cmd, "outcome": outcome, "source": "frame-1"})
	return events.Event{ID: id, Type: events.TypeCommand, At: time.Now(), Data: data}
}

func TestCommandEventsAggregate(t *testing.T) {
	m := NewMonitor("http://127.0.0.1:1", "")
	m.handleEvent(commandEvent(1, "SetBadge", "noreply"))
	m.handleEvent(commandEvent(2, "GetInjected", "deferred"))
	m.handleEvent(commandEvent(3, "SetBadge", "noreply"))

	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "SetBadge", stats[0].Cmd)
	assert.Equal(t, 2, stats[0].Count)
	assert.Equal(t, "deferred", stats[1].LastOutcome)
	assert.Len(t, m.eventLog, 3)
	assert.Equal(t, int64(3), m.eventLog[0].ID)
}

func TestEventLogIsBounded(t *testing.T) {
	m := NewMonitor("http://127.0.0.1:1", "")
	for i := 1; i <= eventLogSize+10; i++ {
		m.handleEvent(events.Event{ID: int64(i), Type: events.TypeBroadcast})
	}
	assert.Len(t, m.eventLog, eventLogSize)
}

func TestAutoUpdateEventsTrackState(t *testing.T) {
	m := NewMonitor("http://127.0.0.1:1", "")
	m.handleEvent(events.Event{ID: 1, Type: events.TypeAutoUpdateStarted})
	assert.Equal(t, "checking", m.health.AutoUpdate)
	m.handleEvent(events.Event{ID: 2, Type: events.TypeAutoUpdateFinished})
	assert.Equal(t, "idle", m.health.AutoUpdate)
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		"id: 4",
		"event: badge.updated",
		`data: {"count":2}`,
		"",
		": keep-alive",
		"",
		"id: 5",
		"event: broadcast.sent",
		`data: {"cmd":"UpdateValues"}`,
		"",
	}, "\n")

	out := make(chan events.Event, 4)
	readSSE(strings.NewReader(stream), out)
	close(out)

	var got []events.Event
	for ev := range out {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].ID)
	assert.Equal(t, "badge.updated", got[0].Type)
	assert.JSONEq(t, `{"count":2}`, string(got[0].Data))
	assert.Equal(t, "broadcast.sent", got[1].Type)
}

func TestFetchHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"ok","uptime_seconds":90,"auto_update":"idle","gateway":{"tabs":2,"frames":5,"shell_connected":true}}`))
	}))
	defer srv.Close()

	m := NewMonitor(srv.URL+"/", "")
	msg := m.fetchHealth()
	h, ok := msg.(healthMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 5, h.Gateway.Frames)
	assert.True(t, h.Gateway.ShellConnected)
}

func TestViewRendersHeaderAndCommands(t *testing.T) {
	m := NewMonitor("http://127.0.0.1:1", "")
	m.handleEvent(commandEvent(1, "ParseScript", "deferred"))
	m.updateTable()

	next, _ := m.Update(tea.WindowSizeMsg{Width: 160, Height: 40})
	next, _ = next.Update(healthMsg{Status: "starting", AutoUpdate: "idle"})
	view := next.View()

	assert.Contains(t, view, "STARTING")
	assert.Contains(t, view, "ParseScript")
	assert.Contains(t, view, "Event Stream")
}

func TestQuitKey(t *testing.T) {
	m := NewMonitor("http://127.0.0.1:1", "")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	_, isQuit := cmd().(tea.QuitMsg)
	assert.True(t, isQuit)
}
