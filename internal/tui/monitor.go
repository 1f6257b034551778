// Package tui renders the scriptd monitor: a live view of /healthz and the
// /events stream.
package tui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/scriptd/internal/events"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#880088"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusIdle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

const (
	eventLogSize = 50
	healthEvery  = 5 * time.Second
)

// --- Types ---

// CommandStat aggregates dispatch.command events for one command.
type CommandStat struct {
	Cmd         string
	Count       int
	LastOutcome string
	LastSource  string
	LastAt      time.Time
}

type health struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Accepting     bool   `json:"accepting"`
	AutoUpdate    string `json:"auto_update"`
	BadgeEntries  int    `json:"badge_entries"`
	Requests      int    `json:"requests_in_flight"`
	Gateway       struct {
		Tabs           int   `json:"tabs"`
		Pages          int   `json:"pages"`
		Frames         int   `json:"frames"`
		ShellConnected bool  `json:"shell_connected"`
		IconApplied    *bool `json:"icon_applied"`
	} `json:"gateway"`
}

type Model struct {
	apiURL string
	apiKey string
	client *http.Client

	width  int
	height int

	health    health
	healthErr error
	commands  map[string]*CommandStat
	eventLog  []events.Event
	hubEvents chan events.Event

	cmdTable table.Model
	viewport viewport.Model
}

type eventMsg events.Event
type healthMsg health
type errMsg struct{ err error }
type streamClosedMsg struct{}

// --- Init ---

func NewMonitor(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Command", Width: 18},
			{Title: "Count", Width: 7},
			{Title: "Outcome", Width: 9},
			{Title: "Source", Width: 14},
			{Title: "Last", Width: 9},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:    strings.TrimRight(apiURL, "/"),
		apiKey:    apiKey,
		client:    &http.Client{},
		commands:  make(map[string]*CommandStat),
		hubEvents: make(chan events.Event, 100),
		cmdTable:  t,
		viewport:  viewport.New(80, 10),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.subscribeToEvents(),
		m.receiveNextEvent(),
		m.pollHealth(),
		tea.EnterAltScreen,
	)
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.cmdTable.SetWidth(m.width - 6)
		m.viewport.Width = m.width - 6
		m.viewport.Height = m.height / 3
		m.viewport.SetContent(m.renderEvents())

	case eventMsg:
		m.handleEvent(events.Event(msg))
		m.updateTable()
		m.viewport.SetContent(m.renderEvents())
		return m, m.receiveNextEvent()

	case healthMsg:
		m.health = health(msg)
		m.healthErr = nil
		return m, tea.Tick(healthEvery, func(time.Time) tea.Msg { return m.fetchHealth() })

	case errMsg:
		m.healthErr = msg.err
		return m, tea.Tick(healthEvery, func(time.Time) tea.Msg { return m.fetchHealth() })

	case streamClosedMsg:
		// The daemon went away; retry the stream on the health cadence.
		return m, tea.Tick(healthEvery, func(time.Time) tea.Msg { return m.subscribeToEvents()() })
	}

	m.cmdTable, cmd = m.cmdTable.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > eventLogSize {
		m.eventLog = m.eventLog[:eventLogSize]
	}

	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	switch e.Type {
	case events.TypeCommand:
		name, _ := data["cmd"].(string)
		if name == "" {
			return
		}
		st, ok := m.commands[name]
		if !ok {
			st = &CommandStat{Cmd: name}
			m.commands[name] = st
		}
		st.Count++
		st.LastOutcome, _ = data["outcome"].(string)
		st.LastSource, _ = data["source"].(string)
		st.LastAt = e.At

	case events.TypeAutoUpdateStarted:
		m.health.AutoUpdate = "checking"
	case events.TypeAutoUpdateFinished:
		m.health.AutoUpdate = "idle"
	}
}

// Stats returns the command stats, busiest first.
func (m *Model) Stats() []CommandStat {
	out := make([]CommandStat, 0, len(m.commands))
	for _, st := range m.commands {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Cmd < out[j].Cmd
	})
	return out
}

func (m *Model) updateTable() {
	var rows []table.Row
	for _, st := range m.Stats() {
		rows = append(rows, table.Row{
			outcomeSymbol(st.LastOutcome),
			st.Cmd,
			strconv.Itoa(st.Count),
			st.LastOutcome,
			st.LastSource,
			st.LastAt.Local().Format("15:04:05"),
		})
	}
	m.cmdTable.SetRows(rows)
}

func outcomeSymbol(outcome string) string {
	switch outcome {
	case "value", "noreply":
		return statusOK.Render("●")
	case "deferred":
		return statusRunning.Render("◉")
	case "error":
		return statusFailed.Render("∅")
	case "gated":
		return statusFailed.Render("◔")
	default:
		return statusIdle.Render("○")
	}
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	commands := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Commands"),
			m.cmdTable.View(),
		),
	)

	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.viewport.View(),
		),
	)

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [↑/↓] Scroll Commands")

	return docStyle.Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderHeader(),
			commands,
			eventsView,
			help,
		),
	)
}

func (m Model) renderHeader() string {
	status := statusOK.Render("RUNNING")
	switch {
	case m.healthErr != nil:
		status = statusFailed.Render("UNREACHABLE")
	case m.health.Status == "starting":
		status = statusRunning.Render("STARTING")
	case m.health.Status != "ok" && m.health.Status != "":
		status = statusFailed.Render("DEGRADED")
	}

	shell := statusIdle.Render("no shell")
	if m.health.Gateway.ShellConnected {
		shell = statusOK.Render("shell")
	}
	update := statusIdle.Render(orDash(m.health.AutoUpdate))
	if m.health.AutoUpdate == "checking" {
		update = statusRunning.Render("checking")
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second
	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Uptime: %s", uptime.String()),
		fmt.Sprintf("Tabs: %d (%d frames) Pages: %d %s", m.health.Gateway.Tabs, m.health.Gateway.Frames, m.health.Gateway.Pages, shell),
		fmt.Sprintf("Update: %s Badges: %d Requests: %d", update, m.health.BadgeEntries, m.health.Requests),
	}

	w := (m.width - 4) / len(items)
	cells := make([]string, len(items))
	for i, it := range items {
		cells[i] = lipgloss.NewStyle().Width(w).Render(it)
	}
	return borderStyle.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (m Model) renderEvents() string {
	var lines []string
	for _, e := range m.eventLog {
		ts := e.At.Local().Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-20s | %s", ts, e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

// --- Commands ---

func (m Model) subscribeToEvents() tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, m.apiURL+"/events", nil)
		if err != nil {
			return errMsg{err}
		}
		if m.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+m.apiKey)
		}

		resp, err := m.client.Do(req)
		if err != nil {
			return streamClosedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg{fmt.Errorf("events: %s", resp.Status)}
		}

		readSSE(resp.Body, m.hubEvents)
		return streamClosedMsg{}
	}
}

// readSSE parses an event stream into out until r ends.
func readSSE(r io.Reader, out chan<- events.Event) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var ev events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev.ID != 0 || ev.Type != "" {
				if ev.At.IsZero() {
					ev.At = time.Now()
				}
				out <- ev
			}
			ev = events.Event{}
		case strings.HasPrefix(line, "id: "):
			ev.ID, _ = strconv.ParseInt(line[4:], 10, 64)
		case strings.HasPrefix(line, "event: "):
			ev.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			ev.Data = json.RawMessage(line[6:])
		}
	}
}

func (m Model) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-m.hubEvents)
	}
}

func (m Model) pollHealth() tea.Cmd {
	return func() tea.Msg {
		return m.fetchHealth()
	}
}

func (m Model) fetchHealth() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.apiURL+"/healthz", nil)
	if err != nil {
		return errMsg{err}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return errMsg{err}
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg{err}
	}
	return h
}
