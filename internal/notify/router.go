// Package notify routes notification click and close events reported by
// the browser shell.
package notify

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/scriptd/internal/events"
	"github.com/mattjoyce/scriptd/internal/protocol"
)

// GrantWarningID is the notification shown when an installed script
// declares no @grant. Clicking it opens the help page instead of being
// broadcast.
const GrantWarningID = "VM-NoGrantWarning"

const DefaultGrantHelpURL = "http://wiki.greasespot.net/@grant"

type TabOpener interface {
	OpenTab(ctx context.Context, url string, active bool) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, msg protocol.Message) int
}

type Router struct {
	opener      TabOpener
	broadcaster Broadcaster
	helpURL     string
	logger      *slog.Logger
	events      *events.Hub
}

func NewRouter(opener TabOpener, b Broadcaster, helpURL string, logger *slog.Logger, hub *events.Hub) *Router {
	if helpURL == "" {
		helpURL = DefaultGrantHelpURL
	}
	return &Router{
		opener:      opener,
		broadcaster: b,
		helpURL:     helpURL,
		logger:      logger.With("component", "notify"),
		events:      hub,
	}
}

// Clicked handles a click on notification id.
func (r *Router) Clicked(ctx context.Context, id string) {
	r.events.Publish(events.TypeNotificationClicked, map[string]string{"id": id})
	if id == GrantWarningID {
		if err := r.opener.OpenTab(ctx, r.helpURL, true); err != nil {
			r.logger.Warn("open grant help failed", "url", r.helpURL, "error", err)
		}
		return
	}
	r.broadcaster.Broadcast(ctx, protocol.Message{Cmd: protocol.PushNotificationClick, Data: id})
}

// Closed handles a dismissed notification. Every close is broadcast.
func (r *Router) Closed(ctx context.Context, id string) {
	r.events.Publish(events.TypeNotificationClosed, map[string]string{"id": id})
	r.broadcaster.Broadcast(ctx, protocol.Message{Cmd: protocol.PushNotificationClose, Data: id})
}

// HandleEvent routes a decoded shell event.
func (r *Router) HandleEvent(ctx context.Context, ev protocol.HostEvent) {
	switch ev.Event {
	case protocol.EventNotificationClicked:
		r.Clicked(ctx, ev.ID)
	case protocol.EventNotificationClosed:
		r.Closed(ctx, ev.ID)
	default:
		r.logger.Debug("ignoring shell event", "event", ev.Event)
	}
}
