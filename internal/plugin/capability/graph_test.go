package capability

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/warden/internal/plugin/manifest"
)

var (
	alice = manifest.NewIdentityHash("alice-plugin", "alice")
	bob   = manifest.NewIdentityHash("bob-plugin", "bob")
)

type counter struct {
	releases atomic.Int32
}

func (c *counter) Release() { c.releases.Add(1) }

func TestCreateChildInheritsOwner(t *testing.T) {
	g := NewGraph()
	root := g.NewRoot(alice, nil)

	child, err := g.CreateChild(alice, root, KindStore, nil)
	if err != nil {
		t.Fatalf("CreateChild() error = %v", err)
	}

	if owner, err := g.Owner(child); err != nil || owner != alice {
		t.Errorf("Owner() = %v, %v; want %v", owner, err, alice)
	}
	if parent, err := g.Parent(child); err != nil || parent != root {
		t.Errorf("Parent() = %v, %v; want %v", parent, err, root)
	}
	if kids, err := g.Children(root); err != nil || !reflect.DeepEqual(kids, []Handle{child}) {
		t.Errorf("Children() = %v, %v; want [%v]", kids, err, child)
	}
	if kind, err := g.Kind(child); err != nil || kind != KindStore {
		t.Errorf("Kind() = %v, %v; want %v", kind, err, KindStore)
	}
}

func TestCreateChildRejectsCrossPlugin(t *testing.T) {
	g := NewGraph()
	root := g.NewRoot(alice, nil)

	_, err := g.CreateChild(bob, root, KindEvents, func(Handle) (any, error) {
		t.Fatal("factory must not run for a rejected caller")
		return nil, nil
	})
	if !errors.Is(err, ErrCrossPlugin) {
		t.Fatalf("CreateChild() error = %v, want ErrCrossPlugin", err)
	}
	var oe *OwnershipError
	if !errors.As(err, &oe) {
		t.Fatalf("error %T is not *OwnershipError", err)
	}
	if oe.Caller != bob || oe.Owner != alice {
		t.Errorf("OwnershipError = %+v, want caller bob and owner alice", oe)
	}
	if g.Len() != 1 {
		t.Errorf("Len() = %d, want 1: nothing is created on rejection", g.Len())
	}
}

func TestCreateChildRejectsDisabledParent(t *testing.T) {
	g := NewGraph()
	root := g.NewRoot(alice, nil)
	if err := g.DisableCascade(root); err != nil {
		t.Fatal(err)
	}

	if _, err := g.CreateChild(alice, root, KindUI, nil); !errors.Is(err, ErrDisabled) {
		t.Errorf("CreateChild() error = %v, want ErrDisabled", err)
	}
}

func TestCreateChildFactoryError(t *testing.T) {
	g := NewGraph()
	root := g.NewRoot(alice, nil)
	boom := errors.New("boom")

	_, err := g.CreateChild(alice, root, KindUI, func(Handle) (any, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Errorf("CreateChild() error = %v, want %v", err, boom)
	}
	if kids, _ := g.Children(root); len(kids) != 0 {
		t.Errorf("Children() = %v, want none", kids)
	}
}

func TestFactoryReceivesHandle(t *testing.T) {
	g := NewGraph()
	root := g.NewRoot(alice, nil)

	var seen Handle
	h, err := g.CreateChild(alice, root, KindStore, func(h Handle) (any, error) {
		seen = h
		return "value", nil
	})
	if err != nil {
		t.Fatalf("CreateChild() error = %v", err)
	}
	if seen != h {
		t.Errorf("factory saw handle %v, want %v", seen, h)
	}

	v, err := g.Value(h)
	if err != nil || v != "value" {
		t.Errorf("Value() = %v, %v; want value", v, err)
	}
}

// buildTree creates a tree of the given depth and branching under root and
// returns every handle (root included) with its release counter.
func buildTree(t *testing.T, g *Graph, depth, branching int) (Handle, map[Handle]*counter) {
	t.Helper()
	rootCounter := &counter{}
	root := g.NewRoot(alice, rootCounter)
	all := map[Handle]*counter{root: rootCounter}

	level := []Handle{root}
	for d := 0; d < depth; d++ {
		var next []Handle
		for _, parent := range level {
			for b := 0; b < branching; b++ {
				c := &counter{}
				h, err := g.CreateChild(alice, parent, KindEvents, func(Handle) (any, error) { return c, nil })
				if err != nil {
					t.Fatalf("CreateChild() error = %v", err)
				}
				all[h] = c
				next = append(next, h)
			}
		}
		level = next
	}
	return root, all
}

func TestDisableCascade(t *testing.T) {
	g := NewGraph()
	root, all := buildTree(t, g, 3, 2)
	if len(all) != 1+2+4+8 {
		t.Fatalf("tree has %d records", len(all))
	}

	if err := g.DisableCascade(root); err != nil {
		t.Fatal(err)
	}
	for h, c := range all {
		if n := c.releases.Load(); n != 1 {
			t.Errorf("handle %d released %d times, want 1", h, n)
		}
		if err := g.Guard(h); !errors.Is(err, ErrDisabled) {
			t.Errorf("Guard(%d) = %v, want ErrDisabled", h, err)
		}
		if _, err := g.Value(h); !errors.Is(err, ErrDisabled) {
			t.Errorf("Value(%d) error = %v, want ErrDisabled", h, err)
		}
		if _, err := g.CreateChild(alice, h, KindStore, nil); !errors.Is(err, ErrDisabled) {
			t.Errorf("CreateChild(%d) error = %v, want ErrDisabled", h, err)
		}
	}

	// Idempotent: a second cascade neither fails nor releases again.
	if err := g.DisableCascade(root); err != nil {
		t.Fatal(err)
	}
	for h, c := range all {
		if n := c.releases.Load(); n != 1 {
			t.Errorf("handle %d released %d times after second cascade", h, n)
		}
	}
}

func TestDisableSubtreeOnly(t *testing.T) {
	g := NewGraph()
	root, _ := buildTree(t, g, 2, 2)
	kids, err := g.Children(root)
	if err != nil {
		t.Fatal(err)
	}

	if err := g.DisableCascade(kids[0]); err != nil {
		t.Fatal(err)
	}
	if err := g.Guard(root); err != nil {
		t.Errorf("Guard(root) = %v", err)
	}
	if err := g.Guard(kids[1]); err != nil {
		t.Errorf("Guard(sibling) = %v", err)
	}
	if !g.Disabled(kids[0]) {
		t.Error("disabled child reports live")
	}

	grandkids, _ := g.Children(kids[0])
	for _, h := range grandkids {
		if !g.Disabled(h) {
			t.Errorf("grandchild %d reports live", h)
		}
	}

	// Disabling the root afterwards only releases what is still live.
	if err := g.DisableCascade(root); err != nil {
		t.Fatal(err)
	}
	if !g.Disabled(kids[1]) {
		t.Error("sibling survived the root cascade")
	}
}

func TestInvalidHandle(t *testing.T) {
	g := NewGraph()
	for _, err := range []error{g.Guard(0), g.Guard(42), g.DisableCascade(42)} {
		if !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("error = %v, want ErrInvalidHandle", err)
		}
	}
	if _, err := g.CreateChild(alice, 7, KindUI, nil); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("CreateChild() error = %v, want ErrInvalidHandle", err)
	}
	if !g.Disabled(42) {
		t.Error("invalid handle reports live")
	}
}

func TestConcurrentUseAndDisable(t *testing.T) {
	g := NewGraph()
	root, all := buildTree(t, g, 2, 3)

	var (
		wg       sync.WaitGroup
		disabled atomic.Bool
		late     atomic.Int32
	)
	for h := range all {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				err := g.Use(h, func(any) error {
					if disabled.Load() {
						late.Add(1)
					}
					return nil
				})
				if err != nil {
					if !errors.Is(err, ErrDisabled) {
						t.Errorf("Use() error = %v, want ErrDisabled", err)
					}
					return
				}
			}
		}(h)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := g.DisableCascade(root); err != nil {
			t.Errorf("DisableCascade() error = %v", err)
		}
		disabled.Store(true)
	}()
	wg.Wait()

	if n := late.Load(); n != 0 {
		t.Errorf("%d operations ran after the cascade returned", n)
	}
	for h, c := range all {
		if n := c.releases.Load(); n != 1 {
			t.Errorf("handle %d released %d times, want 1", h, n)
		}
	}
}

func TestSlowUseDoesNotBlockOtherRecords(t *testing.T) {
	g := NewGraph()
	busy := g.NewRoot(alice, nil)
	other := g.NewRoot(bob, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	used := make(chan error, 1)
	go func() {
		used <- g.Use(busy, func(any) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	done := make(chan struct{})
	go func() {
		defer close(done)
		child, err := g.CreateChild(bob, other, KindStore, nil)
		if err != nil {
			t.Errorf("CreateChild() error = %v", err)
			return
		}
		if g.NewRoot(bob, nil) == 0 {
			t.Error("NewRoot() returned the zero handle")
		}
		if err := g.DisableCascade(child); err != nil {
			t.Errorf("DisableCascade() error = %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("operations on other records waited for a slow Use")
	}

	cascaded := make(chan struct{})
	go func() {
		defer close(cascaded)
		if err := g.DisableCascade(busy); err != nil {
			t.Errorf("DisableCascade() error = %v", err)
		}
	}()
	select {
	case <-cascaded:
		t.Fatal("cascade returned while Use was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-used; err != nil {
		t.Fatalf("Use() error = %v", err)
	}
	select {
	case <-cascaded:
	case <-time.After(5 * time.Second):
		t.Fatal("cascade did not finish after Use returned")
	}
	if err := g.Guard(busy); !errors.Is(err, ErrDisabled) {
		t.Errorf("Guard() = %v, want ErrDisabled", err)
	}
}
