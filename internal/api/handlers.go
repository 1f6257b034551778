package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/mattjoyce/scriptd/internal/protocol"
)

// handleHealthz reports liveness plus a summary of coordinator state.
// It answers "starting" until the dispatcher accepts messages.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		Version:       s.config.Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.deps.Dispatcher != nil {
		resp.Accepting = s.deps.Dispatcher.IsOpen()
		if !resp.Accepting {
			resp.Status = "starting"
		}
	}
	if s.deps.Scheduler != nil {
		resp.AutoUpdate = s.deps.Scheduler.State().String()
	}
	if s.deps.BadgeEntries != nil {
		resp.BadgeEntries = s.deps.BadgeEntries()
	}
	if s.deps.InFlight != nil {
		resp.Requests = s.deps.InFlight()
	}
	if s.deps.Gateway != nil {
		resp.Gateway = s.deps.Gateway.Stats()
	}
	respondJSON(w, http.StatusOK, resp)
}

var pushCommands = []string{
	protocol.PushUpdateOptions,
	protocol.PushUpdateScript,
	protocol.PushAddScript,
	protocol.PushUpdateValues,
	protocol.PushHTTPRequested,
	protocol.PushGetBadge,
	protocol.PushNotificationClick,
	protocol.PushNotificationClose,
}

// handleListCommands lists the command table and the pushes clients may receive.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	var names []string
	if s.deps.Commands != nil {
		names = s.deps.Commands()
	}
	sort.Strings(names)
	pushes := append([]string(nil), pushCommands...)
	sort.Strings(pushes)
	respondJSON(w, http.StatusOK, CommandsResponse{Commands: names, Pushes: pushes})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
