package lua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/warden/internal/plugin/security"
)

// State wraps one sandboxed gopher-lua state.
type State struct {
	L *lua.LState

	mu     sync.Mutex
	limits security.Limits
	logger *slog.Logger
	name   string

	elevated bool
	closed   bool
}

// StateOption configures a State.
type StateOption func(*State)

// WithLimits sets execution limits.
func WithLimits(l security.Limits) StateOption {
	return func(s *State) {
		s.limits = l
	}
}

// WithElevated opens the unrestricted libraries.
func WithElevated(elevated bool) StateOption {
	return func(s *State) {
		s.elevated = elevated
	}
}

// WithLogger routes print output to logger.
func WithLogger(l *slog.Logger) StateOption {
	return func(s *State) {
		s.logger = l
	}
}

// WithName labels the state in errors and logs.
func WithName(name string) StateOption {
	return func(s *State) {
		s.name = name
	}
}

// NewState creates a sandboxed Lua state.
func NewState(opts ...StateOption) *State {
	s := &State{
		limits: security.StrictLimits(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		name:   "plugin",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.L = lua.NewState(lua.Options{SkipOpenLibs: true})
	openLibraries(s.L, s.elevated)
	installSandbox(s.L, s.logger)
	return s
}

// openLibraries opens the safe standard libraries, plus the unrestricted
// ones for elevated plugins. package is never opened; the code loader
// supplies require.
func openLibraries(L *lua.LState, elevated bool) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	if !elevated {
		return
	}
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.OsLibName, lua.OpenOs},
		{lua.IoLibName, lua.OpenIo},
		{lua.DebugLibName, lua.OpenDebug},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
}

// Elevated reports whether the unrestricted libraries are open.
func (s *State) Elevated() bool {
	return s.elevated
}

// Name returns the state's label.
func (s *State) Name() string {
	return s.name
}

// Run executes a compiled chunk and returns its results.
func (s *State) Run(ctx context.Context, proto *lua.FunctionProto, args ...lua.LValue) ([]lua.LValue, error) {
	return s.call(ctx, proto.SourceName, func(L *lua.LState) lua.LValue {
		return L.NewFunctionFromProto(proto)
	}, fixedArgs(args))
}

// Call invokes a Lua function value.
func (s *State) Call(ctx context.Context, fn lua.LValue, args ...lua.LValue) ([]lua.LValue, error) {
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: got %s", ErrNotFunction, fn.Type())
	}
	return s.call(ctx, s.name, func(*lua.LState) lua.LValue { return fn }, fixedArgs(args))
}

// CallBuild invokes fn with arguments built while the state is held, for
// callers that must allocate Lua values.
func (s *State) CallBuild(ctx context.Context, fn *lua.LFunction, build func(L *lua.LState) []lua.LValue) ([]lua.LValue, error) {
	return s.call(ctx, s.name, func(*lua.LState) lua.LValue { return fn }, build)
}

func fixedArgs(args []lua.LValue) func(*lua.LState) []lua.LValue {
	return func(*lua.LState) []lua.LValue { return args }
}

// CallMethod invokes obj:method(args...). A missing method is not an error;
// ok reports whether it existed.
func (s *State) CallMethod(ctx context.Context, obj lua.LValue, method string, args ...lua.LValue) (results []lua.LValue, ok bool, err error) {
	tbl, isTable := obj.(*lua.LTable)
	if !isTable {
		return nil, false, fmt.Errorf("%w: instance is %s", ErrNotFunction, obj.Type())
	}

	s.mu.Lock()
	fn := s.L.GetField(tbl, method)
	s.mu.Unlock()
	if fn == lua.LNil {
		return nil, false, nil
	}
	results, err = s.Call(ctx, fn, append([]lua.LValue{tbl}, args...)...)
	return results, true, err
}

// Do runs fn with exclusive access to the LState.
func (s *State) Do(fn func(L *lua.LState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStateClosed
	}
	return fn(s.L)
}

func (s *State) call(ctx context.Context, chunk string, fnFor func(*lua.LState) lua.LValue, argsFor func(*lua.LState) []lua.LValue) (results []lua.LValue, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	if s.limits.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.limits.CallTimeout)
		defer cancel()
	}
	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	top := s.L.GetTop()
	defer func() {
		if r := recover(); r != nil {
			s.L.SetTop(top)
			err = &RuntimeError{Chunk: chunk, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	args := argsFor(s.L)
	s.L.Push(fnFor(s.L))
	for _, arg := range args {
		s.L.Push(arg)
	}
	if err := s.L.PCall(len(args), lua.MultRet, nil); err != nil {
		s.L.SetTop(top)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionTimeout, chunk)
		}
		return nil, &RuntimeError{Chunk: chunk, Err: err}
	}

	n := s.L.GetTop() - top
	results = make([]lua.LValue, n)
	for i := 0; i < n; i++ {
		results[i] = s.L.Get(top + i + 1)
	}
	s.L.SetTop(top)
	return results, nil
}

// IsClosed returns true if the state has been closed.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the Lua state. It is safe to call more than once.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}
