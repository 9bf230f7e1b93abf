package manifest

import (
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"
)

// APIConstraint bounds the host API versions a plugin accepts.
// A nil bound is unconstrained.
type APIConstraint struct {
	Min   *semver.Version
	Max   *semver.Version
	Exact *semver.Version
}

// IsZero reports whether no bound is set.
func (c APIConstraint) IsZero() bool {
	return c.Min == nil && c.Max == nil && c.Exact == nil
}

// Compatible checks the host API version against the bounds.
func (c APIConstraint) Compatible(host string) error {
	hv, err := ParseVersion(host)
	if err != nil {
		return fmt.Errorf("host api version: %w", err)
	}
	if c.Exact != nil && !hv.Equal(*c.Exact) {
		return &VersionError{Host: hv.String(), Constraint: "== " + c.Exact.String()}
	}
	if c.Min != nil && hv.LessThan(*c.Min) {
		return &VersionError{Host: hv.String(), Constraint: ">= " + c.Min.String()}
	}
	if c.Max != nil && c.Max.LessThan(*hv) {
		return &VersionError{Host: hv.String(), Constraint: "<= " + c.Max.String()}
	}
	return nil
}

// String renders the constraint in a compact form.
func (c APIConstraint) String() string {
	if c.Exact != nil {
		return "==" + c.Exact.String()
	}
	var parts []string
	if c.Min != nil {
		parts = append(parts, ">="+c.Min.String())
	}
	if c.Max != nil {
		parts = append(parts, "<="+c.Max.String())
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, ",")
}

// ParseVersion parses a version, padding missing minor and patch components
// so "1" and "1.2" are accepted.
func ParseVersion(s string) (*semver.Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return nil, fmt.Errorf("empty version")
	}
	core, suffix := s, ""
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		core, suffix = s[:i], s[i:]
	}
	switch strings.Count(core, ".") {
	case 0:
		core += ".0.0"
	case 1:
		core += ".0"
	}
	return semver.NewVersion(core + suffix)
}
