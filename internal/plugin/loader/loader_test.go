package loader

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/warden/internal/plugin/archive"
	"github.com/dshills/warden/internal/plugin/gate"
	"github.com/dshills/warden/internal/plugin/trust"
)

func testArchive(t *testing.T, units map[string]string) *archive.Archive {
	t.Helper()
	w := archive.NewWriter().
		Add(archive.ManifestTOML, []byte("name = \"Foo\"\nversion = \"1.0\"\nauthor = \"Bar\"\nmain = \"Foo\"\n"))
	for name, src := range units {
		w.AddUnit(name, src)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	a, err := archive.FromBytes("test.plugin", buf.Bytes())
	if err != nil {
		t.Fatalf("FromBytes() error = %v", err)
	}
	return a
}

func TestResolveOrder(t *testing.T) {
	own := testArchive(t, map[string]string{"Foo": "return 'own'", "dup": "return 'own'"})
	shared := testArchive(t, map[string]string{"dup": "return 'shared'", "lib": "return 'shared'"})
	l := New(own, WithShared(shared), WithHostModules(StandardModules()))

	tests := []struct {
		name   string
		origin Origin
	}{
		{"Foo", OriginOwn},
		{"dup", OriginOwn},
		{"lib", OriginShared},
		{"string", OriginHost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := l.Resolve(tt.name)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if u.Origin != tt.origin {
				t.Errorf("Origin = %v, want %v", u.Origin, tt.origin)
			}
		})
	}
}

func TestResolveSameInstance(t *testing.T) {
	l := New(testArchive(t, map[string]string{"Foo": "return 1"}))

	first, err := l.Resolve("Foo")
	if err != nil {
		t.Fatal(err)
	}
	second, err := l.Resolve("Foo")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("second Resolve() returned a different unit")
	}
}

func TestResolveConcurrent(t *testing.T) {
	l := New(testArchive(t, map[string]string{"Foo": "return 1"}))

	const n = 16
	units := make([]*Unit, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := l.Resolve("Foo")
			if err != nil {
				t.Errorf("Resolve() error = %v", err)
			}
			units[i] = u
		}(i)
	}
	wg.Wait()
	for i, u := range units {
		if u != units[0] {
			t.Errorf("resolve %d returned a different unit", i)
		}
	}
}

func TestResolveFailuresAreDistinguishable(t *testing.T) {
	own := testArchive(t, map[string]string{"evil": "os.execute('rm -rf /')"})
	l := New(own, WithHostModules(StandardModules()), WithAllow("string", "missing"))

	_, err := l.Resolve("os")
	var accessErr *AccessError
	if !errors.As(err, &accessErr) {
		t.Fatalf("Resolve(os) error = %v, want *AccessError", err)
	}
	if accessErr.Unit != "os" {
		t.Errorf("Unit = %q, want os", accessErr.Unit)
	}
	if errors.Is(err, gate.ErrRejected) || errors.Is(err, ErrUnitNotFound) {
		t.Errorf("allow-list denial %v matches a gate or not-found error", err)
	}

	_, err = l.Resolve("missing")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Resolve(missing) error = %v, want *NotFoundError", err)
	}
	if errors.Is(err, ErrAccessDenied) {
		t.Errorf("not-found error %v matches ErrAccessDenied", err)
	}

	_, err = l.Resolve("evil")
	if !errors.Is(err, ErrAccessDenied) || !errors.Is(err, gate.ErrRejected) {
		t.Errorf("Resolve(evil) error = %v, want ErrAccessDenied and gate.ErrRejected", err)
	}
}

func TestElevatedSkipsGateAndAllowList(t *testing.T) {
	own := testArchive(t, map[string]string{"evil": "os.execute('true')"})
	l := New(own, WithHostModules(StandardModules()), WithElevated(true))

	u, err := l.Resolve("evil")
	if err != nil {
		t.Fatalf("Resolve(evil) error = %v", err)
	}
	if u.Proto == nil {
		t.Error("elevated unit has no prototype")
	}

	u, err = l.Resolve("os")
	if err != nil {
		t.Fatalf("Resolve(os) error = %v", err)
	}
	if u.Origin != OriginHost {
		t.Errorf("Origin = %v, want host", u.Origin)
	}
}

func TestLoaderCachesAreIsolated(t *testing.T) {
	a := New(nil)
	b := New(nil)

	if _, err := a.DefineUnit("shared.name", []byte("return 'a'")); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Resolve("shared.name"); err == nil {
		t.Error("unit defined in one loader resolved in another")
	}
	if got := a.Resolved(); len(got) != 1 || got[0] != "shared.name" {
		t.Errorf("a.Resolved() = %v, want [shared.name]", got)
	}
	if got := b.Resolved(); len(got) != 0 {
		t.Errorf("b.Resolved() = %v, want none", got)
	}
}

func TestDefineUnit(t *testing.T) {
	l := New(nil)

	u, err := l.DefineUnit("gen", []byte("return 1"))
	if err != nil {
		t.Fatalf("DefineUnit() error = %v", err)
	}
	if u.Origin != OriginDefined {
		t.Errorf("Origin = %v, want defined", u.Origin)
	}

	got, err := l.Resolve("gen")
	if err != nil || got != u {
		t.Errorf("Resolve(gen) = %p, %v; want the defined unit", got, err)
	}

	if _, err := l.DefineUnit("gen", []byte("return 2")); !errors.Is(err, ErrAlreadyDefined) {
		t.Errorf("redefine error = %v, want ErrAlreadyDefined", err)
	}

	if _, err := l.DefineUnit("bad", []byte("io.open('/etc/passwd')")); !errors.Is(err, gate.ErrRejected) {
		t.Errorf("DefineUnit(bad) error = %v, want gate.ErrRejected", err)
	}
	if _, err := l.Resolve("bad"); err == nil {
		t.Error("rejected unit became resolvable")
	}

	_, err = l.DefineUnit("broken", []byte("return ("))
	var compileErr *gate.CompileError
	if !errors.As(err, &compileErr) {
		t.Errorf("DefineUnit(broken) error = %v, want *gate.CompileError", err)
	}
}

func TestStrictSignatures(t *testing.T) {
	own := testArchive(t, map[string]string{"Foo": "return 1", "bad": "return 2", "unsigned": "return 3"})
	report := &trust.Report{
		Signature: &trust.Signature{},
		Units:     map[string]error{"Foo": nil, "bad": trust.ErrBadUnitSignature},
	}
	l := New(own, WithStrict(report))

	if _, err := l.Resolve("Foo"); err != nil {
		t.Fatalf("Resolve(Foo) error = %v", err)
	}

	_, err := l.Resolve("bad")
	if !errors.Is(err, ErrAccessDenied) || !errors.Is(err, trust.ErrBadUnitSignature) {
		t.Errorf("Resolve(bad) error = %v, want ErrAccessDenied and ErrBadUnitSignature", err)
	}

	if _, err := l.Resolve("unsigned"); !errors.Is(err, trust.ErrUnsignedUnit) {
		t.Errorf("Resolve(unsigned) error = %v, want ErrUnsignedUnit", err)
	}
}

func TestLoadStrictPackageDenyList(t *testing.T) {
	own := testArchive(t, map[string]string{"warden.fake": "return 1", "Foo": "return 1"})
	l := New(own, WithElevated(true))

	if _, err := l.LoadStrict("warden.fake"); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("LoadStrict(warden.fake) error = %v, want ErrAccessDenied", err)
	}
	if _, err := l.Resolve("warden.fake"); err != nil {
		t.Errorf("Resolve does not consult the package deny-list, got %v", err)
	}
	if _, err := l.LoadStrict("Foo"); err != nil {
		t.Errorf("LoadStrict(Foo) error = %v", err)
	}
}

func TestLocalModuleShadowsHost(t *testing.T) {
	host := NewHostModules()
	host.Register("warden", func(L *lua.LState) int {
		L.Push(lua.LString("global"))
		return 1
	})
	l := New(nil, WithHostModules(host), WithModule("warden", func(L *lua.LState) int {
		L.Push(lua.LString("local"))
		return 1
	}))

	L := lua.NewState()
	defer L.Close()
	l.Install(L)

	if err := L.DoString(`result = require("warden")`); err != nil {
		t.Fatal(err)
	}
	if got := L.GetGlobal("result"); got != lua.LString("local") {
		t.Errorf("require(warden) = %v, want local", got)
	}
}

func TestInstallRequire(t *testing.T) {
	own := testArchive(t, map[string]string{
		"Foo":      "local util = require('lib.util'); return { value = util.double(21) }",
		"lib.util": "counter = (counter or 0) + 1; return { double = function(x) return x * 2 end }",
		"cyclic":   "return require('cyclic')",
	})
	l := New(own)

	L := lua.NewState()
	defer L.Close()
	l.Install(L)

	err := L.DoString(`
		local foo = require("Foo")
		assert(foo.value == 42)
		local again = require("lib.util")
		assert(counter == 1, "module body ran twice")
	`)
	if err != nil {
		t.Fatal(err)
	}

	err = L.DoString(`require("cyclic")`)
	if err == nil || !strings.Contains(err.Error(), "loop") {
		t.Errorf("cyclic require error = %v, want a loop error", err)
	}

	err = L.DoString(`require("os")`)
	if err == nil || !strings.Contains(err.Error(), ErrAccessDenied.Error()) {
		t.Errorf("require(os) error = %v, want access denied", err)
	}
}

func TestOriginString(t *testing.T) {
	tests := []struct {
		origin Origin
		want   string
	}{
		{OriginOwn, "own"},
		{OriginHost, "host"},
		{Origin(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.origin.String(); got != tt.want {
			t.Errorf("Origin(%d).String() = %q, want %q", tt.origin, got, tt.want)
		}
	}
	if !errors.Is(&NotFoundError{Unit: "x"}, ErrUnitNotFound) {
		t.Error("NotFoundError does not match ErrUnitNotFound")
	}
}
