package extension

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ext.lua")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunner_LoadAndInvokeHooks(t *testing.T) {
	r := NewRunner(zerolog.Nop())
	defer r.Close()

	path := writeScript(t, `
ready_version = nil
disposed = false

function on_session_ready(version)
	ready_version = version
end

function on_session_disposed()
	disposed = true
end
`)
	if err := r.Load(path); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	r.SessionReady("0.5.30")
	if got := r.state.GetGlobal("ready_version").String(); got != "0.5.30" {
		t.Errorf("expected ready_version 0.5.30, got %q", got)
	}

	r.SessionDisposed()
	if got := r.state.GetGlobal("disposed").String(); got != "true" {
		t.Errorf("expected disposed true, got %q", got)
	}
}

func TestRunner_MissingHooksAreNoOps(t *testing.T) {
	r := NewRunner(zerolog.Nop())
	defer r.Close()

	if err := r.Load(writeScript(t, `x = 1`)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	r.SessionReady("1.0.0")
	r.SessionDisposed()
}

func TestRunner_HookErrorDoesNotPanic(t *testing.T) {
	r := NewRunner(zerolog.Nop())
	defer r.Close()

	path := writeScript(t, `
function on_session_ready(version)
	error("boom")
end
`)
	if err := r.Load(path); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	r.SessionReady("1.0.0")
}

func TestRunner_LoadBadScript(t *testing.T) {
	r := NewRunner(zerolog.Nop())
	defer r.Close()

	if err := r.Load(writeScript(t, `function broken(`)); err == nil {
		t.Fatal("expected syntax error")
	}
	if len(r.Loaded()) != 0 {
		t.Error("failed load should not be recorded")
	}
}

func TestRunner_SandboxExcludesIO(t *testing.T) {
	r := NewRunner(zerolog.Nop())
	defer r.Close()

	path := writeScript(t, `
function on_session_ready(version)
	io.write("escape")
end
`)
	if err := r.Load(path); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// io is not opened, so the hook errors internally and is swallowed.
	r.SessionReady("1.0.0")
}

func TestRunner_CloseRejectsLoad(t *testing.T) {
	r := NewRunner(zerolog.Nop())
	r.Close()
	r.Close()

	if err := r.Load("anything.lua"); !errors.Is(err, ErrRunnerClosed) {
		t.Errorf("expected ErrRunnerClosed, got %v", err)
	}
	r.SessionReady("1.0.0")
	r.SessionDisposed()
}

func TestRunner_LaterLoadOverridesHook(t *testing.T) {
	r := NewRunner(zerolog.Nop())
	defer r.Close()

	first := writeScript(t, `
function on_session_ready(version)
	winner = "first"
end
`)
	second := writeScript(t, `
function on_session_ready(version)
	winner = "second"
end
`)
	if err := r.Load(first); err != nil {
		t.Fatal(err)
	}
	if err := r.Load(second); err != nil {
		t.Fatal(err)
	}

	r.SessionReady("1.0.0")
	if got := r.state.GetGlobal("winner").String(); got != "second" {
		t.Errorf("expected second, got %q", got)
	}
	if got := len(r.Loaded()); got != 2 {
		t.Errorf("expected 2 loaded scripts, got %d", got)
	}
}
