package api

import "github.com/mattjoyce/scriptd/internal/gateway"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string        `json:"status"`
	Version       string        `json:"version"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Accepting     bool          `json:"accepting"`
	AutoUpdate    string        `json:"auto_update"`
	BadgeEntries  int           `json:"badge_entries"`
	Requests      int           `json:"requests_in_flight"`
	Gateway       gateway.Stats `json:"gateway"`
}

// CommandsResponse is returned by GET /commands.
type CommandsResponse struct {
	Commands []string `json:"commands"`
	Pushes   []string `json:"pushes"`
}
