package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/browser"

	"github.com/mattjoyce/scriptd/internal/dispatch"
	"github.com/mattjoyce/scriptd/internal/events"
	"github.com/mattjoyce/scriptd/internal/metrics"
	"github.com/mattjoyce/scriptd/internal/protocol"
)

// Dispatcher accepts inbound commands.
type Dispatcher interface {
	Submit(req *protocol.Request, src protocol.Source, respond dispatch.Responder) bool
}

// EventHandler receives notification events from the shell.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev protocol.HostEvent)
}

type Config struct {
	AllowedOrigins []string
	SendBuffer     int
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxFrameBytes  int64
}

func (c *Config) applyDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 2
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 32 << 20
	}
}

// BadgeState is the last badge drawn on a tab.
type BadgeState struct {
	Text  string `json:"text"`
	Color string `json:"color"`
}

type Gateway struct {
	cfg        Config
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	events     *events.Hub
	upgrader   websocket.Upgrader

	openURL func(string) error

	mu       sync.RWMutex
	conns    map[string]*conn
	tabs     map[int]map[string]*conn
	shell    *conn
	handler  EventHandler
	badges   map[int]BadgeState
	applied  *bool
	started  time.Time
	shutdown bool
}

func New(cfg Config, d Dispatcher, logger *slog.Logger, m *metrics.Metrics, hub *events.Hub) *Gateway {
	cfg.applyDefaults()
	g := &Gateway{
		cfg:        cfg,
		dispatcher: d,
		logger:     logger.With("component", "gateway"),
		metrics:    m,
		events:     hub,
		openURL:    browser.OpenURL,
		conns:      make(map[string]*conn),
		tabs:       make(map[int]map[string]*conn),
		badges:     make(map[int]BadgeState),
		started:    time.Now(),
	}
	g.upgrader = websocket.Upgrader{CheckOrigin: g.checkOrigin}
	return g
}

// SetEventHandler routes shell notification events. Set before serving.
func (g *Gateway) SetEventHandler(h EventHandler) {
	g.mu.Lock()
	g.handler = h
	g.mu.Unlock()
}

// Routes returns the websocket endpoints, to be mounted under /ws.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/tab", g.handleTab)
	r.Get("/page", g.handlePage)
	r.Get("/shell", g.handleShell)
	return r
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	g.logger.Warn("websocket origin rejected", "origin", origin)
	return false
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (g *Gateway) admit(w http.ResponseWriter, r *http.Request) bool {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	g.mu.RLock()
	down := g.shutdown
	g.mu.RUnlock()
	if down {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (g *Gateway) handleTab(w http.ResponseWriter, r *http.Request) {
	if !g.admit(w, r) {
		return
	}
	q := r.URL.Query()
	src, frameURL := q.Get("src"), q.Get("url")
	tabID, err := strconv.Atoi(q.Get("tab"))
	if src == "" || frameURL == "" || err != nil {
		http.Error(w, "src, tab and url are required", http.StatusBadRequest)
		return
	}
	tabURL := q.Get("tab_url")
	if tabURL == "" {
		tabURL = frameURL
	}
	g.serve(w, r, KindTab, protocol.TabSource{ID: src, URL: frameURL, Tab: protocol.Tab{ID: tabID, URL: tabURL}})
}

func (g *Gateway) handlePage(w http.ResponseWriter, r *http.Request) {
	if !g.admit(w, r) {
		return
	}
	src := r.URL.Query().Get("src")
	if src == "" {
		http.Error(w, "src is required", http.StatusBadRequest)
		return
	}
	g.serve(w, r, KindPage, protocol.OtherSource{ID: src})
}

func (g *Gateway) handleShell(w http.ResponseWriter, r *http.Request) {
	if !g.admit(w, r) {
		return
	}
	g.mu.RLock()
	busy := g.shell != nil
	g.mu.RUnlock()
	if busy {
		http.Error(w, "shell already connected", http.StatusConflict)
		return
	}
	g.serve(w, r, KindShell, protocol.OtherSource{ID: "shell"})
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, kind Kind, src protocol.Source) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "kind", kind, "error", err)
		return
	}
	c := newConn(uuid.NewString(), kind, src, ws, g.cfg.SendBuffer)
	if !g.register(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shell already connected"),
			time.Now().Add(g.cfg.WriteWait))
		_ = ws.Close()
		return
	}
	defer g.unregister(c)

	go c.writePump(g.cfg.PingInterval, g.cfg.WriteWait)
	if kind == KindShell {
		g.replayHostState(c)
	}
	g.readLoop(r.Context(), c)
}

func (g *Gateway) register(c *conn) bool {
	g.mu.Lock()
	if c.kind == KindShell {
		if g.shell != nil {
			g.mu.Unlock()
			return false
		}
		g.shell = c
	}
	g.conns[c.id] = c
	if c.kind == KindTab {
		if g.tabs[c.tabID] == nil {
			g.tabs[c.tabID] = make(map[string]*conn)
		}
		g.tabs[c.tabID][c.id] = c
	}
	g.mu.Unlock()

	g.metrics.ConnectionOpened(string(c.kind))
	g.events.Publish(events.TypeConnected, connInfo(c))
	g.logger.Debug("connection opened", "kind", c.kind, "source", c.src.SourceID(), "conn", c.id)
	return true
}

func (g *Gateway) unregister(c *conn) {
	c.close()
	g.mu.Lock()
	delete(g.conns, c.id)
	if c.kind == KindTab {
		if set := g.tabs[c.tabID]; set != nil {
			delete(set, c.id)
			if len(set) == 0 {
				delete(g.tabs, c.tabID)
				delete(g.badges, c.tabID)
			}
		}
	}
	if g.shell == c {
		g.shell = nil
	}
	g.mu.Unlock()

	g.metrics.ConnectionClosed(string(c.kind))
	g.events.Publish(events.TypeDisconnected, connInfo(c))
	g.logger.Debug("connection closed", "kind", c.kind, "source", c.src.SourceID(), "conn", c.id)
}

func connInfo(c *conn) map[string]any {
	info := map[string]any{"kind": c.kind, "source": c.src.SourceID()}
	if c.kind == KindTab {
		info["tab_id"] = c.tabID
	}
	return info
}

func (g *Gateway) readLoop(ctx context.Context, c *conn) {
	c.ws.SetReadLimit(g.cfg.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("websocket read failed", "conn", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))

		if c.kind == KindShell {
			g.handleShellFrame(ctx, frame)
			continue
		}
		g.handleCommandFrame(c, frame)
	}
}

func (g *Gateway) handleCommandFrame(c *conn, frame []byte) {
	req, err := protocol.DecodeRequest(frame)
	if err != nil {
		g.logger.Debug("dropping malformed frame", "conn", c.id, "error", err)
		return
	}
	var respond dispatch.Responder
	if req.ID != nil {
		id := *req.ID
		respond = func(r dispatch.Response) {
			reply := protocol.Reply{ID: id, Data: r.Value}
			if r.Err != nil {
				reply.Data, reply.Error = nil, r.Err.Error()
			}
			g.write(c, reply)
		}
	}
	g.dispatcher.Submit(req, c.src, respond)
}

func (g *Gateway) handleShellFrame(ctx context.Context, frame []byte) {
	ev, err := protocol.DecodeHostEvent(frame)
	if err != nil {
		g.logger.Debug("dropping malformed shell frame", "error", err)
		return
	}
	g.mu.RLock()
	h := g.handler
	g.mu.RUnlock()
	if h == nil {
		g.logger.Debug("no handler for shell event", "event", ev.Event)
		return
	}
	h.HandleEvent(ctx, *ev)
}

func (g *Gateway) write(c *conn, v any) error {
	frame, err := protocol.Encode(v)
	if err != nil {
		g.logger.Warn("encode frame failed", "error", err)
		return err
	}
	if err := c.enqueue(frame); err != nil {
		g.logger.Debug("frame dropped", "conn", c.id, "kind", c.kind, "error", err)
		return err
	}
	return nil
}

// TabIDs lists tabs with at least one open frame connection.
func (g *Gateway) TabIDs() []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := slices.Collect(maps.Keys(g.tabs))
	slices.Sort(ids)
	return ids
}

// SendTab pushes msg to every frame of tabID. It fails only when no frame
// accepted the message.
func (g *Gateway) SendTab(tabID int, msg protocol.Message) error {
	g.mu.RLock()
	targets := slices.Collect(maps.Values(g.tabs[tabID]))
	g.mu.RUnlock()
	if len(targets) == 0 {
		return fmt.Errorf("tab %d has no open frames", tabID)
	}
	delivered := 0
	for _, c := range targets {
		if g.write(c, msg) == nil {
			delivered++
		}
	}
	if delivered == 0 {
		return fmt.Errorf("tab %d: %w", tabID, errBufferFull)
	}
	return nil
}

// SendRuntime pushes msg to every extension page.
func (g *Gateway) SendRuntime(msg protocol.Message) {
	g.mu.RLock()
	var pages []*conn
	for _, c := range g.conns {
		if c.kind == KindPage {
			pages = append(pages, c)
		}
	}
	g.mu.RUnlock()
	for _, c := range pages {
		_ = g.write(c, msg)
	}
}

// Close disconnects everyone and refuses new connections.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.shutdown = true
	all := slices.Collect(maps.Values(g.conns))
	g.mu.Unlock()
	for _, c := range all {
		c.close()
	}
}

// Stats is the gateway section of /healthz.
type Stats struct {
	Tabs           int                `json:"tabs"`
	Pages          int                `json:"pages"`
	Frames         int                `json:"frames"`
	ShellConnected bool               `json:"shell_connected"`
	IconApplied    *bool              `json:"icon_applied,omitempty"`
	Badges         map[int]BadgeState `json:"badges"`
}

func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st := Stats{
		Tabs:           len(g.tabs),
		ShellConnected: g.shell != nil,
		IconApplied:    g.applied,
		Badges:         maps.Clone(g.badges),
	}
	for _, c := range g.conns {
		switch c.kind {
		case KindPage:
			st.Pages++
		case KindTab:
			st.Frames++
		}
	}
	return st
}

var errNoShell = errors.New("no shell connected")
