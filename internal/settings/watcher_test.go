package settings

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPathWatcher_NotifiesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "interpreter.path")
	if err := os.WriteFile(path, []byte("/usr/bin/python3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewPathWatcher(path, zerolog.Nop(), WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer w.Close()

	var fired atomic.Int32
	sub := w.OnDidChange(func() { fired.Add(1) })
	defer sub.Dispose()

	if err := os.WriteFile(path, []byte("/opt/python/bin/python\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return fired.Load() >= 1 })
}

func TestPathWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "interpreter.path")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewPathWatcher(path, zerolog.Nop(), WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	var fired atomic.Int32
	sub := w.OnDidChange(func() { fired.Add(1) })
	defer sub.Dispose()

	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("expected no notifications, got %d", fired.Load())
	}
}

func TestPathWatcher_DisposedHandlerNotCalled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "interpreter.path")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewPathWatcher(path, zerolog.Nop(), WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	var fired atomic.Int32
	sub := w.OnDidChange(func() { fired.Add(1) })
	if err := sub.Dispose(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := os.WriteFile(path, []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("expected no notifications after dispose, got %d", fired.Load())
	}
}

func TestPathWatcher_CloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "interpreter.path")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewPathWatcher(path, zerolog.Nop(), WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("expected second close to be a no-op, got %v", err)
	}
}
