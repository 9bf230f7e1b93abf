package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/warden/internal/plugin/api"
	"github.com/dshills/warden/internal/plugin/archive"
)

// ArchiveExts are the file extensions Discover treats as plugin archives.
var ArchiveExts = []string{".plugin", ".zip"}

// Manager owns the set of plugins and sequences their lifecycle. Lifecycle
// operations run one at a time; a failing plugin is reported and skipped.
type Manager struct {
	// ctl serializes lifecycle operations.
	ctl sync.Mutex

	mu sync.RWMutex

	rt  *Runtime
	dir string

	// Registered plugins in registration order
	hosts []*Host
	paths map[string]bool

	failures []*PluginError

	// Event handlers (protected by mu)
	eventHandlers []EventHandler

	logger *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPluginDir sets the directory Discover scans.
func WithPluginDir(dir string) ManagerOption {
	return func(m *Manager) {
		m.dir = dir
	}
}

// EventHandler handles plugin manager events.
// Handlers must be non-blocking and should not call back into the Manager
// to avoid deadlocks. Panics in handlers are recovered.
type EventHandler func(event ManagerEvent)

// ManagerEvent represents a plugin manager event.
type ManagerEvent struct {
	Type   ManagerEventType
	Plugin string
	Error  error
}

// ManagerEventType is the type of manager event.
type ManagerEventType int

const (
	// EventPluginAdded is emitted when a plugin is registered.
	EventPluginAdded ManagerEventType = iota
	// EventPluginLoaded is emitted when a plugin is loaded.
	EventPluginLoaded
	// EventPluginEnabled is emitted when a plugin is enabled.
	EventPluginEnabled
	// EventPluginDisabled is emitted when a plugin is disabled.
	EventPluginDisabled
	// EventPluginKilled is emitted when a plugin's resources are released.
	EventPluginKilled
	// EventPluginError is emitted when a plugin operation fails.
	EventPluginError
)

// String returns a string representation of the event type.
func (t ManagerEventType) String() string {
	switch t {
	case EventPluginAdded:
		return "added"
	case EventPluginLoaded:
		return "loaded"
	case EventPluginEnabled:
		return "enabled"
	case EventPluginDisabled:
		return "disabled"
	case EventPluginKilled:
		return "killed"
	case EventPluginError:
		return "error"
	default:
		return "unknown"
	}
}

// NewManager creates a plugin manager.
func NewManager(rt *Runtime, opts ...ManagerOption) *Manager {
	m := &Manager{
		rt:     rt,
		paths:  make(map[string]bool),
		logger: rt.logger().With("component", "plugin-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add registers the archive at path. A plugin whose identity is already
// registered is rejected with ErrDuplicate and the first one stays.
func (m *Manager) Add(path string) (*Host, error) {
	a, err := archive.Open(path)
	if err != nil {
		return nil, m.record(newPluginError("", path, "add", err))
	}
	h, err := NewHost(a, m.rt)
	if err != nil {
		return nil, m.record(newPluginError("", path, "add", err))
	}

	m.mu.Lock()
	for _, existing := range m.hosts {
		if existing.Identity() == h.Identity() {
			m.mu.Unlock()
			err := fmt.Errorf("%w: %s by %s is already registered from %s",
				ErrDuplicate, h.Name(), h.Descriptor().Author, existing.Path())
			return nil, m.record(newPluginError(h.Name(), path, "add", err))
		}
	}
	m.hosts = append(m.hosts, h)
	m.paths[path] = true
	m.mu.Unlock()

	m.logger.Info("plugin registered", "plugin", h.Name(), "path", path)
	m.emitEvent(ManagerEvent{Type: EventPluginAdded, Plugin: h.Name()})
	return h, nil
}

// Known reports whether an archive at path was registered.
func (m *Manager) Known(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths[path]
}

// Discover registers every archive in the plugin directory, in name order.
// Per-archive failures are reported and joined; the rest are still added.
func (m *Manager) Discover() ([]*Host, error) {
	if m.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var added []*Host
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !IsArchive(e.Name()) {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		if m.Known(path) {
			continue
		}
		h, err := m.Add(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		added = append(added, h)
	}
	return added, errors.Join(errs...)
}

// IsArchive reports whether name has a plugin archive extension.
func IsArchive(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range ArchiveExts {
		if ext == e {
			return true
		}
	}
	return false
}

// LoadAll loads every unloaded plugin. A plugin that fails is reported,
// killed, and removed; the others still load.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	var errs []error
	for _, h := range m.List() {
		if h.State() != StateUnloaded {
			continue
		}
		if err := m.load(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) load(ctx context.Context, h *Host) error {
	if err := h.Load(ctx); err != nil {
		h.Kill()
		m.remove(h)
		return m.fail(h, "load", err)
	}
	m.announce(ctx, h, EventPluginLoaded, api.EventPluginLoaded)
	return nil
}

// EnableAll enables every loaded or disabled plugin. Failures are reported
// and the plugin stays in its previous state.
func (m *Manager) EnableAll(ctx context.Context) error {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	var errs []error
	for _, h := range m.List() {
		switch h.State() {
		case StateLoaded, StateDisabled:
		default:
			continue
		}
		if err := m.enable(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	m.updateGauge()
	return errors.Join(errs...)
}

func (m *Manager) enable(ctx context.Context, h *Host) error {
	if err := h.Enable(ctx); err != nil {
		return m.fail(h, "enable", err)
	}
	m.announce(ctx, h, EventPluginEnabled, api.EventPluginEnabled)
	return nil
}

// DisableAll disables and then kills every plugin in reverse registration
// order and empties the manager. Plugins that never finished loading are
// simply killed.
func (m *Manager) DisableAll(ctx context.Context) error {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	hosts := m.List()
	var errs []error
	for i := len(hosts) - 1; i >= 0; i-- {
		h := hosts[i]
		if h.State() == StateEnabled || h.State() == StateLoaded {
			if err := h.Disable(ctx); err != nil {
				errs = append(errs, m.fail(h, "disable", err))
			} else {
				m.announce(ctx, h, EventPluginDisabled, api.EventPluginDisabled)
			}
		}
		h.Kill()
		m.remove(h)
		m.announce(ctx, h, EventPluginKilled, api.EventPluginKilled)
	}
	m.updateGauge()
	return errors.Join(errs...)
}

// Install registers, loads, and enables a single archive, as the watcher
// does for archives that appear at runtime.
func (m *Manager) Install(ctx context.Context, path string) (*Host, error) {
	m.ctl.Lock()
	defer m.ctl.Unlock()

	h, err := m.Add(path)
	if err != nil {
		return nil, err
	}
	if err := m.load(ctx, h); err != nil {
		return nil, err
	}
	err = m.enable(ctx, h)
	m.updateGauge()
	return h, err
}

// Get returns a plugin by name.
func (m *Manager) Get(name string) (*Host, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.hosts {
		if h.Name() == name {
			return h, true
		}
	}
	return nil, false
}

// List returns registered plugins in registration order.
func (m *Manager) List() []*Host {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Host(nil), m.hosts...)
}

// ListByState returns plugins in a specific state.
func (m *Manager) ListByState(state State) []*Host {
	var result []*Host
	for _, h := range m.List() {
		if h.State() == state {
			result = append(result, h)
		}
	}
	return result
}

// Count returns the number of registered plugins.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hosts)
}

// Report returns every failure recorded so far, oldest first.
func (m *Manager) Report() []*PluginError {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*PluginError(nil), m.failures...)
}

// Subscribe adds an event handler.
// Returns an unsubscribe function to remove the handler.
func (m *Manager) Subscribe(handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}

	m.mu.Lock()
	m.eventHandlers = append(m.eventHandlers, handler)
	index := len(m.eventHandlers) - 1
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		// Set to nil instead of removing to avoid index shifting issues
		if index < len(m.eventHandlers) {
			m.eventHandlers[index] = nil
		}
	}
}

// fail records a lifecycle failure and returns it as a PluginError.
func (m *Manager) fail(h *Host, phase string, err error) error {
	pe := newPluginError(h.Name(), h.Path(), phase, err)
	m.record(pe)
	m.emitEvent(ManagerEvent{Type: EventPluginError, Plugin: h.Name(), Error: pe})
	return pe
}

func (m *Manager) record(pe *PluginError) error {
	m.mu.Lock()
	m.failures = append(m.failures, pe)
	m.mu.Unlock()
	m.rt.Metrics.Failed(pe.Phase, string(pe.Category))
	m.logger.Error("plugin failed", "plugin", pe.Plugin, "path", pe.Path, "phase", pe.Phase,
		"category", pe.Category, "error", pe.Err)
	return pe
}

func (m *Manager) remove(h *Host) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.hosts {
		if existing == h {
			m.hosts = append(m.hosts[:i], m.hosts[i+1:]...)
			break
		}
	}
	delete(m.paths, h.Path())
}

func (m *Manager) updateGauge() {
	m.rt.Metrics.SetEnabled(len(m.ListByState(StateEnabled)))
}

// announce tells manager subscribers and plugin listeners about h.
func (m *Manager) announce(ctx context.Context, h *Host, t ManagerEventType, name string) {
	m.emitEvent(ManagerEvent{Type: t, Plugin: h.Name()})
	if bus := m.rt.Services.Events; bus != nil {
		err := bus.Emit(ctx, api.Event{Name: name, Data: map[string]any{
			"name":     h.Name(),
			"version":  h.Descriptor().Version,
			"identity": string(h.Identity()),
		}})
		if err != nil {
			m.logger.Warn("event listener failed", "event", name, "error", err)
		}
	}
}

// emitEvent sends an event to all handlers.
// Handlers are called outside any locks and panics are recovered.
func (m *Manager) emitEvent(event ManagerEvent) {
	m.mu.RLock()
	handlers := make([]EventHandler, len(m.eventHandlers))
	copy(handlers, m.eventHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("event handler panicked", "event", event.Type, "panic", r)
				}
			}()
			handler(event)
		}()
	}
}
