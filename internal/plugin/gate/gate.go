// Package gate statically inspects compiled Lua units before they become
// resolvable.
//
// The gate walks a unit's instruction stream once, following which dotted
// global path each register currently holds (os, os.execute, _G.io.open,
// and so on). Any path matching the deny-list rejects the unit. Code is
// never executed. References built at run time, such as
// rawget(_G, "o".."s"), are not visible to this scan.
package gate

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// ErrRejected is returned when a unit references a denied operation.
var ErrRejected = errors.New("gate: forbidden reference")

// RejectionError names the unit and the forbidden reference.
type RejectionError struct {
	Unit      string
	Reference string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%v: unit %q uses %s", ErrRejected, e.Unit, e.Reference)
}

func (e *RejectionError) Unwrap() error {
	return ErrRejected
}

// CompileError wraps a parse or compile failure.
type CompileError struct {
	Unit string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %v", e.Unit, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// Compile parses and compiles Lua source into a function prototype.
func Compile(unit string, src []byte) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(bytes.NewReader(src), unit)
	if err != nil {
		return nil, &CompileError{Unit: unit, Err: err}
	}
	proto, err := lua.Compile(chunk, unit)
	if err != nil {
		return nil, &CompileError{Unit: unit, Err: err}
	}
	return proto, nil
}

// DenyList is a set of dotted references. An entry ending in ".*" denies
// everything beneath that namespace; other entries match exactly.
type DenyList struct {
	exact    map[string]struct{}
	prefixes []string
}

// NewDenyList builds a deny-list from references.
func NewDenyList(refs ...string) *DenyList {
	d := &DenyList{exact: make(map[string]struct{})}
	for _, ref := range refs {
		ref = normalize(strings.TrimSpace(ref))
		if ref == "" {
			continue
		}
		if ns, ok := strings.CutSuffix(ref, ".*"); ok {
			d.prefixes = append(d.prefixes, ns+".")
			continue
		}
		d.exact[ref] = struct{}{}
	}
	return d
}

// Match reports whether a reference is denied.
func (d *DenyList) Match(ref string) bool {
	if d == nil {
		return false
	}
	ref = normalize(ref)
	if _, ok := d.exact[ref]; ok {
		return true
	}
	for _, p := range d.prefixes {
		if strings.HasPrefix(ref, p) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (d *DenyList) Len() int {
	if d == nil {
		return 0
	}
	return len(d.exact) + len(d.prefixes)
}

// normalize strips any leading _G. qualifiers.
func normalize(ref string) string {
	for {
		rest, ok := strings.CutPrefix(ref, "_G.")
		if !ok {
			return ref
		}
		ref = rest
	}
}

// Gate checks compiled units against a deny-list.
type Gate struct {
	deny *DenyList
}

// New returns a gate using the given deny-list.
func New(deny *DenyList) *Gate {
	return &Gate{deny: deny}
}

// Inspect applies the gate according to trust. Elevated units always pass;
// the result depends only on the bytecode and the trust flag.
func (g *Gate) Inspect(unit string, proto *lua.FunctionProto, elevated bool) error {
	if elevated {
		return nil
	}
	return g.Check(unit, proto)
}

// Check scans the unit unconditionally.
func (g *Gate) Check(unit string, proto *lua.FunctionProto) error {
	if g.deny.Len() == 0 || proto == nil {
		return nil
	}
	s := &scanner{deny: g.deny, seen: make(map[*lua.FunctionProto]bool)}
	if ref, ok := s.scan(proto, nil); ok {
		return &RejectionError{Unit: unit, Reference: ref}
	}
	return nil
}
