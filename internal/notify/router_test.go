package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/scriptd/internal/protocol"
)

type opened struct {
	url    string
	active bool
}

type fakeOpener struct {
	tabs []opened
	err  error
}

func (f *fakeOpener) OpenTab(_ context.Context, url string, active bool) error {
	f.tabs = append(f.tabs, opened{url, active})
	return f.err
}

type fakeBroadcaster struct{ sent []protocol.Message }

func (f *fakeBroadcaster) Broadcast(_ context.Context, msg protocol.Message) int {
	f.sent = append(f.sent, msg)
	return 1
}

func newTestRouter() (*Router, *fakeOpener, *fakeBroadcaster) {
	o, b := &fakeOpener{}, &fakeBroadcaster{}
	r := NewRouter(o, b, "", slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	return r, o, b
}

func TestGrantWarningClickOpensHelp(t *testing.T) {
	r, o, b := newTestRouter()

	r.Clicked(context.Background(), GrantWarningID)

	assert.Equal(t, []opened{{"http://wiki.greasespot.net/@grant", true}}, o.tabs)
	assert.Empty(t, b.sent)
}

func TestOtherClickBroadcasts(t *testing.T) {
	r, o, b := newTestRouter()

	r.Clicked(context.Background(), "req-42")

	assert.Empty(t, o.tabs)
	assert.Equal(t, []protocol.Message{{Cmd: protocol.PushNotificationClick, Data: "req-42"}}, b.sent)
}

func TestCloseAlwaysBroadcasts(t *testing.T) {
	r, o, b := newTestRouter()

	r.Closed(context.Background(), GrantWarningID)
	r.Closed(context.Background(), "req-1")

	assert.Empty(t, o.tabs)
	assert.Equal(t, []protocol.Message{
		{Cmd: protocol.PushNotificationClose, Data: GrantWarningID},
		{Cmd: protocol.PushNotificationClose, Data: "req-1"},
	}, b.sent)
}

func TestOpenFailureIsNotBroadcast(t *testing.T) {
	o, b := &fakeOpener{err: errors.New("no browser")}, &fakeBroadcaster{}
	r := NewRouter(o, b, "https://example.com/help", slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	r.Clicked(context.Background(), GrantWarningID)
	assert.Equal(t, "https://example.com/help", o.tabs[0].url)
	assert.Empty(t, b.sent)
}

func TestHandleEvent(t *testing.T) {
	r, _, b := newTestRouter()
	ctx := context.Background()

	r.HandleEvent(ctx, protocol.HostEvent{Event: protocol.EventNotificationClicked, ID: "a"})
	r.HandleEvent(ctx, protocol.HostEvent{Event: protocol.EventNotificationClosed, ID: "b"})
	r.HandleEvent(ctx, protocol.HostEvent{Event: "buttonClicked", ID: "c"})

	assert.Equal(t, []protocol.Message{
		{Cmd: protocol.PushNotificationClick, Data: "a"},
		{Cmd: protocol.PushNotificationClose, Data: "b"},
	}, b.sent)
}
