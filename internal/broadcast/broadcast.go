// Package broadcast fans a push message out to every open tab.
package broadcast

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/scriptd/internal/events"
	"github.com/mattjoyce/scriptd/internal/metrics"
	"github.com/mattjoyce/scriptd/internal/protocol"
)

// Tabs lists open tabs and delivers to one of them.
type Tabs interface {
	TabIDs() []int
	SendTab(tabID int, msg protocol.Message) error
}

type Broadcaster struct {
	tabs    Tabs
	logger  *slog.Logger
	metrics *metrics.Metrics
	events  *events.Hub
}

func New(tabs Tabs, logger *slog.Logger, m *metrics.Metrics, hub *events.Hub) *Broadcaster {
	return &Broadcaster{
		tabs:    tabs,
		logger:  logger.With("component", "broadcast"),
		metrics: m,
		events:  hub,
	}
}

// Broadcast sends msg to every tab open right now and returns how many
// accepted it. Failed tabs are skipped; the caller never sees an error.
func (b *Broadcaster) Broadcast(ctx context.Context, msg protocol.Message) int {
	ids := b.tabs.TabIDs()
	delivered := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := b.tabs.SendTab(id, msg); err != nil {
			b.logger.Debug("broadcast to tab skipped", "tab_id", id, "cmd", msg.Cmd, "error", err)
			continue
		}
		delivered++
	}

	b.metrics.Broadcast()
	b.events.Publish(events.TypeBroadcast, map[string]any{
		"cmd":       msg.Cmd,
		"tabs":      len(ids),
		"delivered": delivered,
	})
	return delivered
}
