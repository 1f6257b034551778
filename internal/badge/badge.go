// Package badge keeps per-source toolbar badge counters. A page's many
// concurrent operations report small increments; the aggregator coalesces
// them into one running count per source and forgets the source shortly
// after the last increment.
package badge

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mattjoyce/scriptd/internal/events"
	"github.com/mattjoyce/scriptd/internal/metrics"
	"github.com/mattjoyce/scriptd/internal/protocol"
)

const (
	DefaultTTL   = 300 * time.Millisecond
	DefaultColor = "#808"
)

// Host draws the badge on a tab.
type Host interface {
	SetBadge(tabID int, text, color string) error
}

type entry struct {
	count int
	gen   uint64
	timer *time.Timer
}

// Aggregator owns the badge entries. At most one entry exists per source id.
type Aggregator struct {
	host      Host
	showBadge func() bool
	ttl       time.Duration
	color     string
	logger    *slog.Logger
	events    *events.Hub
	metrics   *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry
}

// Option configures an Aggregator.
type Option func(*Aggregator)

func WithTTL(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.ttl = d
		}
	}
}

func WithColor(c string) Option {
	return func(a *Aggregator) {
		if c != "" {
			a.color = c
		}
	}
}

func WithEvents(hub *events.Hub) Option { return func(a *Aggregator) { a.events = hub } }

func WithMetrics(m *metrics.Metrics) Option { return func(a *Aggregator) { a.metrics = m } }

// New creates an Aggregator. showBadge is read on every increment so a
// changed showBadge option takes effect on the next update.
func New(host Host, showBadge func() bool, logger *slog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		host:      host,
		showBadge: showBadge,
		ttl:       DefaultTTL,
		color:     DefaultColor,
		logger:    logger.With("component", "badge"),
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Increment adds count to the source's entry, redraws the tab badge and
// restarts the entry's expiry timer. It returns the accumulated count.
// Sources without a tab have no badge and are ignored.
func (a *Aggregator) Increment(count int, src protocol.Source) int {
	tab, ok := src.(protocol.TabSource)
	if !ok {
		a.logger.Debug("badge increment from source without tab", "source", src.SourceID())
		return 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.entries[tab.ID]
	if e == nil {
		e = &entry{}
		a.entries[tab.ID] = e
	}
	e.count += count
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
	}
	id, gen := tab.ID, e.gen
	e.timer = time.AfterFunc(a.ttl, func() { a.expire(id, gen) })

	text := ""
	if a.showBadge() && e.count != 0 {
		text = strconv.Itoa(e.count)
	}
	// Drawn under the lock so the host sees counts in increment order.
	if err := a.host.SetBadge(tab.Tab.ID, text, a.color); err != nil {
		a.logger.Warn("set badge failed", "tab_id", tab.Tab.ID, "error", err)
	}

	a.metrics.SetBadgeEntries(len(a.entries))
	a.events.Publish(events.TypeBadgeUpdated, map[string]any{
		"source": tab.ID,
		"tab_id": tab.Tab.ID,
		"count":  e.count,
	})
	return e.count
}

// expire drops the entry unless it was incremented again after gen was armed.
// The tab keeps showing the last drawn text.
func (a *Aggregator) expire(id string, gen uint64) {
	a.mu.Lock()
	e := a.entries[id]
	if e == nil || e.gen != gen {
		a.mu.Unlock()
		return
	}
	delete(a.entries, id)
	n := len(a.entries)
	a.mu.Unlock()

	a.metrics.SetBadgeEntries(n)
	a.events.Publish(events.TypeBadgeExpired, map[string]string{"source": id})
}

// Count returns the live count for a source id, 0 if it has no entry.
func (a *Aggregator) Count(sourceID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e := a.entries[sourceID]; e != nil {
		return e.count
	}
	return 0
}

// Len returns the number of live entries.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Close stops every pending expiry and drops all entries.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, e := range a.entries {
		e.timer.Stop()
		delete(a.entries, id)
	}
	a.metrics.SetBadgeEntries(0)
}
