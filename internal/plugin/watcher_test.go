package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type installResult struct {
	path string
	err  error
}

func startWatcher(t *testing.T, m *Manager, dir string) <-chan installResult {
	t.Helper()
	results := make(chan installResult, 4)
	w, err := NewWatcher(m, dir,
		WithSettle(20*time.Millisecond),
		WithInstallHook(func(path string, err error) {
			results <- installResult{path, err}
		}),
	)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		w.Close()
	})
	return results
}

// dropPlugin builds an archive elsewhere and renames it into dir so the
// watcher sees a complete file.
func dropPlugin(t *testing.T, dir, file string, p testPlugin) string {
	t.Helper()
	staged := writeTestPlugin(t, t.TempDir(), file, p)
	dst := filepath.Join(dir, file)
	if err := os.Rename(staged, dst); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	return dst
}

func waitInstall(t *testing.T, results <-chan installResult) installResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for install")
		return installResult{}
	}
}

func TestWatcherInstallsNewArchive(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(newTestRuntime(t), WithPluginDir(dir))
	results := startWatcher(t, m, dir)

	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := dropPlugin(t, dir, "late.plugin", fooPlugin("Late"))

	r := waitInstall(t, results)
	if r.err != nil || r.path != path {
		t.Fatalf("install = %+v, want %s", r, path)
	}
	h, ok := m.Get("Late")
	if !ok || h.State() != StateEnabled {
		t.Errorf("Late not enabled: %v", ok)
	}
}

func TestWatcherReportsDuplicate(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(newTestRuntime(t), WithPluginDir(dir))
	writeTestPlugin(t, dir, "a.plugin", fooPlugin("Foo"))
	if _, err := m.Discover(); err != nil {
		t.Fatal(err)
	}
	results := startWatcher(t, m, dir)

	dropPlugin(t, dir, "b.plugin", fooPlugin("Foo"))

	r := waitInstall(t, results)
	if !errors.Is(r.err, ErrDuplicate) {
		t.Errorf("install error = %v, want ErrDuplicate", r.err)
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
}

func TestWatcherClosed(t *testing.T) {
	m := NewManager(newTestRuntime(t))
	w, err := NewWatcher(m, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Run(context.Background()); !errors.Is(err, ErrWatcherClosed) {
		t.Errorf("Run() error = %v, want ErrWatcherClosed", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
