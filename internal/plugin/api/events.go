package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/dshills/warden/internal/plugin/capability"
	"github.com/dshills/warden/internal/plugin/manifest"
)

// Host lifecycle events.
const (
	EventPluginLoaded   = "plugin.loaded"
	EventPluginEnabled  = "plugin.enabled"
	EventPluginDisabled = "plugin.disabled"
	EventPluginKilled   = "plugin.killed"

	// EventAny subscribes to every event.
	EventAny = "*"
)

// Event is a host event delivered to plugin listeners.
type Event struct {
	Name string
	Data map[string]any
}

// Listener handles an event.
type Listener func(ctx context.Context, ev Event) error

type listener struct {
	id     uint64
	owner  manifest.IdentityHash
	handle capability.Handle
	epoch  uint64
	event  string
	fn     Listener
}

// EventBus delivers host events to plugin listeners. Listeners are tied to
// the capability they were registered through and to their owner's epoch;
// retiring an owner or disabling the capability silences them.
type EventBus struct {
	graph  *capability.Graph
	logger *slog.Logger

	mu        sync.RWMutex
	listeners map[uint64]*listener
	epochs    map[manifest.IdentityHash]uint64
	next      uint64
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithEventLogger sets the logger.
func WithEventLogger(l *slog.Logger) EventBusOption {
	return func(b *EventBus) {
		b.logger = l
	}
}

// NewEventBus creates a bus checking capabilities against graph.
func NewEventBus(graph *capability.Graph, opts ...EventBusOption) *EventBus {
	b := &EventBus{
		graph:     graph,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		listeners: make(map[uint64]*listener),
		epochs:    make(map[manifest.IdentityHash]uint64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers fn for event through capability h.
func (b *EventBus) Subscribe(owner manifest.IdentityHash, h capability.Handle, event string, fn Listener) (uint64, error) {
	if event == "" {
		return 0, errors.New("api: empty event name")
	}
	if err := b.graph.Guard(h); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.listeners[b.next] = &listener{
		id:     b.next,
		owner:  owner,
		handle: h,
		epoch:  b.epochs[owner],
		event:  event,
		fn:     fn,
	}
	return b.next, nil
}

// Unsubscribe removes one of owner's listeners.
func (b *EventBus) Unsubscribe(owner manifest.IdentityHash, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.listeners[id]
	if !ok || l.owner != owner {
		return false
	}
	delete(b.listeners, id)
	return true
}

// Retire advances owner's epoch and drops its listeners.
func (b *EventBus) Retire(owner manifest.IdentityHash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.epochs[owner]++
	for id, l := range b.listeners {
		if l.owner == owner {
			delete(b.listeners, id)
		}
	}
}

// dropCapability removes the listeners registered through h.
func (b *EventBus) dropCapability(h capability.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, l := range b.listeners {
		if l.handle == h {
			delete(b.listeners, id)
		}
	}
}

// Len returns the number of registered listeners.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Emit delivers ev to every live listener, in subscription order. Listeners
// that are stale or whose capability is disabled are pruned. Listener
// failures are collected; delivery continues.
func (b *EventBus) Emit(ctx context.Context, ev Event) error {
	b.mu.RLock()
	var live []*listener
	var stale []uint64
	for id, l := range b.listeners {
		if l.event != ev.Name && l.event != EventAny {
			continue
		}
		if l.epoch != b.epochs[l.owner] || b.graph.Disabled(l.handle) {
			stale = append(stale, id)
			continue
		}
		live = append(live, l)
	}
	b.mu.RUnlock()

	if len(stale) > 0 {
		b.mu.Lock()
		for _, id := range stale {
			delete(b.listeners, id)
		}
		b.mu.Unlock()
	}

	sort.Slice(live, func(i, j int) bool { return live[i].id < live[j].id })

	var errs []error
	for _, l := range live {
		if err := b.deliver(ctx, l, ev); err != nil {
			b.logger.Warn("event listener failed", "event", ev.Name, "plugin", l.owner.Short(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *EventBus) deliver(ctx context.Context, l *listener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.fn(ctx, ev)
}

// eventsCapability is the value of an events capability.
type eventsCapability struct {
	bus    *EventBus
	handle capability.Handle
}

func (c *eventsCapability) Release() {
	c.bus.dropCapability(c.handle)
}
