package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mattjoyce/scriptd/internal/protocol"
)

func (g *Gateway) sendShell(op protocol.HostOp) error {
	g.mu.RLock()
	shell := g.shell
	g.mu.RUnlock()
	if shell == nil {
		return errNoShell
	}
	return g.write(shell, op)
}

// SetBadge records and draws the badge of tabID.
func (g *Gateway) SetBadge(tabID int, text, color string) error {
	g.mu.Lock()
	g.badges[tabID] = BadgeState{Text: text, Color: color}
	g.mu.Unlock()

	err := g.sendShell(protocol.HostOp{Op: protocol.OpSetBadge, TabID: tabID, Text: text, Color: color})
	if errors.Is(err, errNoShell) {
		return nil
	}
	return err
}

// SetIcon switches the toolbar icon between its applied and paused look.
func (g *Gateway) SetIcon(applied bool) error {
	g.mu.Lock()
	g.applied = &applied
	g.mu.Unlock()

	err := g.sendShell(protocol.HostOp{Op: protocol.OpSetIcon, Applied: &applied})
	if errors.Is(err, errNoShell) {
		g.logger.Debug("icon state kept until a shell connects", "applied", applied)
		return nil
	}
	return err
}

// CreateNotification shows n and returns its id, generating one when n.ID
// is empty. Without a shell the notification is only logged.
func (g *Gateway) CreateNotification(_ context.Context, n protocol.Notification) (string, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	err := g.sendShell(protocol.HostOp{
		Op:        protocol.OpCreateNotification,
		ID:        n.ID,
		Title:     n.Title,
		Message:   n.Message,
		IconURL:   n.IconURL,
		Clickable: n.Clickable,
	})
	if errors.Is(err, errNoShell) {
		g.logger.Info("notification", "id", n.ID, "title", n.Title, "message", n.Message)
		return n.ID, nil
	}
	if err != nil {
		return "", fmt.Errorf("create notification: %w", err)
	}
	return n.ID, nil
}

// OpenTab opens url in a new browser tab, or in the system browser when no
// shell is connected.
func (g *Gateway) OpenTab(_ context.Context, url string, active bool) error {
	err := g.sendShell(protocol.HostOp{Op: protocol.OpOpenTab, URL: url, Active: &active})
	if errors.Is(err, errNoShell) {
		g.logger.Info("opening url in system browser", "url", url)
		return g.openURL(url)
	}
	return err
}

// replayHostState brings a newly connected shell up to date.
func (g *Gateway) replayHostState(shell *conn) {
	g.mu.RLock()
	applied := g.applied
	badges := make(map[int]BadgeState, len(g.badges))
	for id, b := range g.badges {
		badges[id] = b
	}
	g.mu.RUnlock()

	if applied != nil {
		v := *applied
		_ = g.write(shell, protocol.HostOp{Op: protocol.OpSetIcon, Applied: &v})
	}
	for id, b := range badges {
		_ = g.write(shell, protocol.HostOp{Op: protocol.OpSetBadge, TabID: id, Text: b.Text, Color: b.Color})
	}
}
