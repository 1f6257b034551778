package badge

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/scriptd/internal/events"
	"github.com/mattjoyce/scriptd/internal/protocol"
)

type drawn struct {
	tabID int
	text  string
	color string
}

type fakeHost struct {
	mu    sync.Mutex
	draws []drawn
}

func (h *fakeHost) SetBadge(tabID int, text, color string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.draws = append(h.draws, drawn{tabID, text, color})
	return nil
}

func (h *fakeHost) last() drawn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.draws[len(h.draws)-1]
}

func (h *fakeHost) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.draws)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func frame(id string, tab int) protocol.TabSource {
	return protocol.TabSource{ID: id, URL: "https://example.com/", Tab: protocol.Tab{ID: tab, URL: "https://example.com/"}}
}

func always() bool { return true }

func TestIncrementsCoalesce(t *testing.T) {
	host := &fakeHost{}
	a := New(host, always, discard, WithTTL(time.Second))
	defer a.Close()

	src := frame("f1", 7)
	assert.Equal(t, 3, a.Increment(3, src))
	assert.Equal(t, 5, a.Increment(2, src))
	assert.Equal(t, drawn{7, "5", "#808"}, host.last())
	assert.Equal(t, 1, a.Len())
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	host := &fakeHost{}
	hub := events.NewHub(20)
	a := New(host, always, discard, WithTTL(20*time.Millisecond), WithEvents(hub))
	defer a.Close()

	src := frame("f1", 7)
	a.Increment(3, src)
	a.Increment(2, src)

	require.Eventually(t, func() bool { return a.Len() == 0 }, time.Second, 5*time.Millisecond)
	draws := host.count()
	// Expiry leaves the badge alone.
	assert.Equal(t, draws, host.count())
	assert.Equal(t, drawn{7, "5", "#808"}, host.last())

	assert.Equal(t, 4, a.Increment(4, src), "count restarts after expiry")

	var expired int
	for _, ev := range hub.Since(0) {
		if ev.Type == events.TypeBadgeExpired {
			expired++
		}
	}
	assert.Equal(t, 1, expired)
}

func TestIncrementRestartsTimer(t *testing.T) {
	a := New(&fakeHost{}, always, discard, WithTTL(60*time.Millisecond))
	defer a.Close()

	src := frame("f1", 1)
	for range 5 {
		a.Increment(1, src)
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, 5, a.Count("f1"))
}

func TestSourcesAreIndependent(t *testing.T) {
	host := &fakeHost{}
	a := New(host, always, discard, WithTTL(time.Second))
	defer a.Close()

	a.Increment(3, frame("top", 1))
	a.Increment(1, frame("sub", 1))
	a.Increment(2, frame("other", 2))

	assert.Equal(t, 3, a.Count("top"))
	assert.Equal(t, 1, a.Count("sub"))
	assert.Equal(t, 2, a.Count("other"))
	assert.Equal(t, 3, a.Len())
}

func TestHiddenBadgeDrawsEmptyText(t *testing.T) {
	host := &fakeHost{}
	var show atomic.Bool
	a := New(host, show.Load, discard, WithTTL(time.Second), WithColor("#123"))
	defer a.Close()

	src := frame("f1", 9)
	assert.Equal(t, 2, a.Increment(2, src))
	assert.Equal(t, drawn{9, "", "#123"}, host.last())

	show.Store(true)
	a.Increment(1, src)
	assert.Equal(t, drawn{9, "3", "#123"}, host.last())
}

func TestZeroCountDrawsEmptyText(t *testing.T) {
	host := &fakeHost{}
	a := New(host, always, discard, WithTTL(time.Second))
	defer a.Close()

	a.Increment(0, frame("f1", 4))
	assert.Equal(t, drawn{4, "", "#808"}, host.last())
}

func TestSourceWithoutTabIsIgnored(t *testing.T) {
	host := &fakeHost{}
	a := New(host, always, discard)
	defer a.Close()

	assert.Equal(t, 0, a.Increment(3, protocol.OtherSource{ID: "popup"}))
	assert.Equal(t, 0, host.count())
	assert.Equal(t, 0, a.Len())
}

func TestConcurrentIncrements(t *testing.T) {
	a := New(&fakeHost{}, always, discard, WithTTL(time.Second))
	defer a.Close()

	src := frame("f1", 1)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Increment(1, src)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, a.Count("f1"))
}
