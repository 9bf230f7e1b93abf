package plugin

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/warden/internal/metrics"
	"github.com/dshills/warden/internal/plugin/api"
	"github.com/dshills/warden/internal/plugin/archive"
	"github.com/dshills/warden/internal/plugin/loader"
	"github.com/dshills/warden/internal/plugin/trust"
)

// Elevator asks for elevated trust on behalf of a plugin. A false result
// with a nil error is a denial; an error means no decision could be made.
type Elevator interface {
	Elevate(ctx context.Context, pluginPath string, sig *trust.Signature, reason string) (bool, error)
}

// Verifier reports an archive's signature status.
type Verifier interface {
	Verify(ctx context.Context, a *archive.Archive) *trust.Report
}

// Runtime is what every plugin host shares.
type Runtime struct {
	// Services back the warden module. Graph and Binder are required.
	Services *api.Services

	// HostModules are the Go-provided Lua modules.
	HostModules *loader.HostModules
	// Shared archives are searched after a plugin's own units.
	Shared []*archive.Archive

	// Allow, DenyReferences and DenyPackages override the security
	// defaults when non-empty.
	Allow          []string
	DenyReferences []string
	DenyPackages   []string

	// Strict requires every own unit to carry a verified signature.
	Strict bool

	// Verifier is optional; without it every archive is unsigned.
	Verifier Verifier
	// Elevator is optional; without it elevation requests are denied.
	Elevator Elevator

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

func (rt *Runtime) logger() *slog.Logger {
	if rt.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return rt.Logger
}

func (rt *Runtime) tracer() trace.Tracer {
	if rt.Tracer == nil {
		return otel.Tracer("github.com/dshills/warden/internal/plugin")
	}
	return rt.Tracer
}
