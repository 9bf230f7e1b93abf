package plugin

import (
	"errors"
	"fmt"

	"github.com/dshills/warden/internal/broker"
	"github.com/dshills/warden/internal/plugin/archive"
	"github.com/dshills/warden/internal/plugin/binder"
	"github.com/dshills/warden/internal/plugin/capability"
	"github.com/dshills/warden/internal/plugin/gate"
	"github.com/dshills/warden/internal/plugin/loader"
	"github.com/dshills/warden/internal/plugin/manifest"
	"github.com/dshills/warden/internal/plugin/trust"
)

// Plugin system errors.
var (
	// ErrDuplicate is returned when a plugin with the same identity is
	// already registered.
	ErrDuplicate = errors.New("plugin: duplicate identity")

	// ErrInvalidTransition is returned when a lifecycle operation does not
	// apply to the plugin's current state.
	ErrInvalidTransition = errors.New("plugin: invalid state transition")

	// ErrNoInstance is returned when the entry point does not produce a
	// plugin instance table.
	ErrNoInstance = errors.New("plugin: entry point returned no instance")
)

// Category classifies a plugin failure for operators.
type Category string

// Failure categories.
const (
	CategoryManifest           Category = "manifest"
	CategoryVersion            Category = "version"
	CategoryAccessDenied       Category = "access-denied"
	CategoryTrust              Category = "trust"
	CategoryBroker             Category = "broker"
	CategoryCapabilityDisabled Category = "capability-disabled"
	CategoryDuplicate          Category = "duplicate"
	CategoryRuntime            Category = "runtime"
)

// PluginError names the plugin a failure belongs to and its category.
type PluginError struct {
	Plugin   string
	Path     string
	Phase    string
	Category Category
	Err      error
}

func (e *PluginError) Error() string {
	name := e.Plugin
	if name == "" {
		name = e.Path
	}
	return fmt.Sprintf("plugin %s: %s failed (%s): %v", name, e.Phase, e.Category, e.Err)
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// newPluginError wraps err unless it already is a PluginError.
func newPluginError(name, path, phase string, err error) *PluginError {
	var pe *PluginError
	if errors.As(err, &pe) {
		return pe
	}
	return &PluginError{Plugin: name, Path: path, Phase: phase, Category: Categorize(err), Err: err}
}

// Categorize maps an error to its failure category.
func Categorize(err error) Category {
	var pe *PluginError
	var ve *manifest.VersionError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return pe.Category
	case errors.Is(err, ErrDuplicate):
		return CategoryDuplicate
	case errors.As(err, &ve), errors.Is(err, manifest.ErrIncompatibleAPI):
		return CategoryVersion
	case errors.Is(err, manifest.ErrMissingField),
		errors.Is(err, manifest.ErrInvalidField),
		errors.Is(err, manifest.ErrUnknownFormat),
		errors.Is(err, archive.ErrNoManifest),
		errors.Is(err, archive.ErrBadEntryName),
		errors.Is(err, archive.ErrEntryTooLarge):
		return CategoryManifest
	case errors.Is(err, loader.ErrAccessDenied),
		errors.Is(err, gate.ErrRejected),
		errors.Is(err, capability.ErrCrossPlugin):
		return CategoryAccessDenied
	case errors.Is(err, trust.ErrMalformedSignature),
		errors.Is(err, trust.ErrBadUnitSignature),
		errors.Is(err, trust.ErrUnsignedUnit),
		errors.Is(err, trust.ErrUnsupportedKey):
		return CategoryTrust
	case errors.Is(err, broker.ErrBrokerDown),
		errors.Is(err, broker.ErrRequestTimeout):
		return CategoryBroker
	case errors.Is(err, capability.ErrDisabled),
		errors.Is(err, binder.ErrRevoked):
		return CategoryCapabilityDisabled
	default:
		return CategoryRuntime
	}
}
