// Package loader resolves Lua units for one plugin.
//
// Each plugin gets its own CodeLoader. Units come from, in order, the
// plugin's archive, the host's shared archives, and the host modules. Host
// modules are reachable only when the allow-list names them or the plugin
// holds elevated trust. Every unit read from an archive passes the static
// gate before it becomes resolvable, unless the plugin is elevated.
//
// Resolved units are cached per loader. Two plugins never share a cache,
// so a unit defined by one cannot appear in another's resolution path.
package loader

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	lua "github.com/yuin/gopher-lua"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/warden/internal/metrics"
	"github.com/dshills/warden/internal/plugin/archive"
	"github.com/dshills/warden/internal/plugin/binder"
	"github.com/dshills/warden/internal/plugin/gate"
	"github.com/dshills/warden/internal/plugin/security"
	"github.com/dshills/warden/internal/plugin/trust"
)

// Origin records where a unit came from.
type Origin int

const (
	OriginOwn Origin = iota
	OriginShared
	OriginHost
	OriginDefined
)

// String returns the origin name.
func (o Origin) String() string {
	switch o {
	case OriginOwn:
		return "own"
	case OriginShared:
		return "shared"
	case OriginHost:
		return "host"
	case OriginDefined:
		return "defined"
	default:
		return "unknown"
	}
}

// Unit is a resolvable module: either a compiled chunk or a host opener.
type Unit struct {
	Name   string
	Origin Origin
	Proto  *lua.FunctionProto
	Open   lua.LGFunction
}

// CodeLoader resolves units for a single plugin.
type CodeLoader struct {
	own     *archive.Archive
	shared  []*archive.Archive
	host    *HostModules
	local   map[string]lua.LGFunction
	allow   []string
	denyPkg []string
	gate    *gate.Gate

	strict bool
	report *trust.Report

	elevated atomic.Bool
	owner    *binder.PluginContext

	units cmap.ConcurrentMap[string, *Unit]
	group singleflight.Group

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a CodeLoader.
type Option func(*CodeLoader)

// WithShared appends shared dependency archives, searched in order.
func WithShared(archives ...*archive.Archive) Option {
	return func(l *CodeLoader) {
		l.shared = append(l.shared, archives...)
	}
}

// WithHostModules sets the host module registry.
func WithHostModules(h *HostModules) Option {
	return func(l *CodeLoader) {
		l.host = h
	}
}

// WithModule adds a host module visible only to this loader. It shadows a
// shared host module of the same name and is still subject to the allow-list.
func WithModule(name string, open lua.LGFunction) Option {
	return func(l *CodeLoader) {
		l.local[name] = open
	}
}

// WithAllow replaces the host module allow-list. Entries are exact names
// or "prefix.*".
func WithAllow(patterns ...string) Option {
	return func(l *CodeLoader) {
		l.allow = patterns
	}
}

// WithDenyPackages replaces the package deny-list checked by LoadStrict.
func WithDenyPackages(pkgs ...string) Option {
	return func(l *CodeLoader) {
		l.denyPkg = pkgs
	}
}

// WithGate sets the static gate.
func WithGate(g *gate.Gate) Option {
	return func(l *CodeLoader) {
		l.gate = g
	}
}

// WithStrict requires every unit of the plugin's own archive to carry a
// valid signature in report.
func WithStrict(report *trust.Report) Option {
	return func(l *CodeLoader) {
		l.strict = true
		l.report = report
	}
}

// WithElevated sets the initial trust level.
func WithElevated(elevated bool) Option {
	return func(l *CodeLoader) {
		l.elevated.Store(elevated)
	}
}

// WithOwner sets the plugin context that owns the loader.
func WithOwner(pc *binder.PluginContext) Option {
	return func(l *CodeLoader) {
		l.owner = pc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *CodeLoader) {
		l.logger = logger
	}
}

// WithMetrics records resolutions and gate rejections.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *CodeLoader) {
		l.metrics = m
	}
}

// New creates a loader over the plugin's own archive, which may be nil.
func New(own *archive.Archive, opts ...Option) *CodeLoader {
	l := &CodeLoader{
		own:     own,
		local:   make(map[string]lua.LGFunction),
		allow:   security.DefaultHostModules,
		denyPkg: security.DefaultDenyPackages,
		gate:    gate.New(gate.NewDenyList(security.DefaultDenyReferences...)),
		units:   cmap.New[*Unit](),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// PluginContext returns the owning context.
func (l *CodeLoader) PluginContext() *binder.PluginContext {
	return l.owner
}

// SetElevated changes the trust level. Units already resolved stay resolved.
func (l *CodeLoader) SetElevated(elevated bool) {
	l.elevated.Store(elevated)
}

// Elevated reports whether the plugin holds elevated trust.
func (l *CodeLoader) Elevated() bool {
	return l.elevated.Load()
}

// Resolve returns the unit for name. Resolving the same name again returns
// the same *Unit, including when resolutions race.
func (l *CodeLoader) Resolve(name string) (*Unit, error) {
	if u, ok := l.units.Get(name); ok {
		return u, nil
	}
	v, err, _ := l.group.Do(name, func() (any, error) {
		if u, ok := l.units.Get(name); ok {
			return u, nil
		}
		u, err := l.find(name)
		if err != nil {
			return nil, err
		}
		l.units.SetIfAbsent(name, u)
		u, _ = l.units.Get(name)
		return u, nil
	})
	if err != nil {
		l.metrics.Resolved(outcome(err))
		l.logger.Debug("unit refused", "unit", name, "error", err)
		return nil, err
	}
	u := v.(*Unit)
	l.metrics.Resolved(u.Origin.String())
	return u, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, gate.ErrRejected):
		return "gate-rejected"
	case errors.Is(err, ErrAccessDenied):
		return "denied"
	case errors.Is(err, ErrUnitNotFound):
		return "not-found"
	default:
		return "error"
	}
}

func (l *CodeLoader) find(name string) (*Unit, error) {
	if l.own != nil {
		if src, ok := l.own.Unit(name); ok {
			return l.define(name, src, OriginOwn)
		}
	}
	for _, a := range l.shared {
		if src, ok := a.Unit(name); ok {
			return l.define(name, src, OriginShared)
		}
	}

	if !l.Elevated() && !l.allowed(name) {
		return nil, &AccessError{Unit: name, Reason: "not on the host module allow-list"}
	}
	if open, ok := l.local[name]; ok {
		return &Unit{Name: name, Origin: OriginHost, Open: open}, nil
	}
	if open, ok := l.host.Lookup(name); ok {
		return &Unit{Name: name, Origin: OriginHost, Open: open}, nil
	}
	return nil, &NotFoundError{Unit: name}
}

// DefineUnit compiles raw source and makes it resolvable under name.
func (l *CodeLoader) DefineUnit(name string, raw []byte) (*Unit, error) {
	u, err := l.define(name, raw, OriginDefined)
	if err != nil {
		return nil, err
	}
	if !l.units.SetIfAbsent(name, u) {
		return nil, &AccessError{Unit: name, Err: ErrAlreadyDefined}
	}
	return u, nil
}

// define runs the signature check (own archive units in strict mode) and
// the gate, then builds the unit. It does not publish.
func (l *CodeLoader) define(name string, src []byte, origin Origin) (*Unit, error) {
	if l.strict && origin != OriginShared {
		if err := l.report.Unit(name); err != nil {
			return nil, &AccessError{Unit: name, Reason: "signature", Err: err}
		}
	}

	proto, err := gate.Compile(name, src)
	if err != nil {
		return nil, err
	}
	if err := l.gate.Inspect(name, proto, l.Elevated()); err != nil {
		var rej *gate.RejectionError
		if errors.As(err, &rej) {
			l.metrics.GateRejected(rej.Reference)
		}
		l.logger.Warn("unit rejected by gate", "unit", name, "error", err)
		return nil, &AccessError{Unit: name, Reason: "gate", Err: err}
	}
	return &Unit{Name: name, Origin: origin, Proto: proto}, nil
}

// LoadStrict resolves a unit the plugin wants to instantiate directly. The
// package deny-list applies whatever the plugin's trust.
func (l *CodeLoader) LoadStrict(name string) (*Unit, error) {
	for _, pkg := range l.denyPkg {
		if name == pkg || strings.HasPrefix(name, pkg+".") {
			return nil, &AccessError{Unit: name, Reason: "package " + pkg + " is reserved"}
		}
	}
	return l.Resolve(name)
}

func (l *CodeLoader) allowed(name string) bool {
	for _, p := range l.allow {
		if p == name {
			return true
		}
		if ns, ok := strings.CutSuffix(p, ".*"); ok && strings.HasPrefix(name, ns+".") {
			return true
		}
	}
	return false
}

// Resolved returns the names resolved so far, sorted.
func (l *CodeLoader) Resolved() []string {
	names := l.units.Keys()
	sort.Strings(names)
	return names
}
