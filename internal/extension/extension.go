// Package extension runs optional Lua extension scripts against the session
// lifecycle. A loaded script may define on_session_ready(version) and
// on_session_disposed() globals that are invoked as the session transitions.
//
// Scripts run in a sandboxed interpreter: only the base, table, string, and
// math libraries are opened. io, os, debug, and the module loader stay
// closed so an extension cannot touch the filesystem or spawn processes.
package extension

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
)

// Lifecycle hook globals looked up in the loaded script.
const (
	readyHook    = "on_session_ready"
	disposedHook = "on_session_disposed"
)

// ErrRunnerClosed means the runner has been shut down.
var ErrRunnerClosed = errors.New("extension: runner closed")

// Runner hosts extension scripts in a single Lua state. It implements both
// the extension-loading and session-hook surfaces of the session proxy.
type Runner struct {
	mu     sync.Mutex
	state  *lua.LState
	log    zerolog.Logger
	closed bool
	loaded []string
}

// NewRunner creates a runner with a fresh sandboxed Lua state.
func NewRunner(log zerolog.Logger) *Runner {
	state := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	openSafeLibraries(state)
	return &Runner{
		state: state,
		log:   log.With().Str("component", "extension").Logger(),
	}
}

// openSafeLibraries opens only the libraries an extension legitimately
// needs. io, os, debug, and package are intentionally left closed.
func openSafeLibraries(state *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		state.Push(state.NewFunction(lib.fn))
		state.Push(lua.LString(lib.name))
		state.Call(1, 0)
	}
}

// Load executes an extension script. Later loads share the same state, so a
// script may override hooks defined by an earlier one.
func (r *Runner) Load(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRunnerClosed
	}
	if err := r.doWithRecovery(func() error {
		return r.state.DoFile(path)
	}); err != nil {
		return fmt.Errorf("load extension %s: %w", path, err)
	}
	r.loaded = append(r.loaded, path)
	r.log.Info().Str("path", path).Msg("extension loaded")
	return nil
}

// SessionReady invokes the on_session_ready hook, if the loaded script
// defined one.
func (r *Runner) SessionReady(version string) {
	r.call(readyHook, lua.LString(version))
}

// SessionDisposed invokes the on_session_disposed hook, if the loaded
// script defined one.
func (r *Runner) SessionDisposed() {
	r.call(disposedHook)
}

// call invokes a global Lua function by name. Missing hooks are silently
// skipped; a failing hook is logged and never propagated to the session.
func (r *Runner) call(name string, args ...lua.LValue) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	fn := r.state.GetGlobal(name)
	if fn.Type() != lua.LTFunction {
		return
	}

	err := r.doWithRecovery(func() error {
		r.state.Push(fn)
		for _, arg := range args {
			r.state.Push(arg)
		}
		return r.state.PCall(len(args), 0, nil)
	})
	if err != nil {
		r.log.Warn().Err(err).Str("hook", name).Msg("extension hook failed")
	}
}

// Loaded returns the paths of successfully loaded scripts, in load order.
func (r *Runner) Loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.loaded))
	copy(out, r.loaded)
	return out
}

// Close shuts down the Lua state. Further Load calls fail and hook
// invocations become no-ops.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.state.Close()
}

// doWithRecovery converts a Lua runtime panic into an error.
func (r *Runner) doWithRecovery(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("lua panic: %v", rec)
		}
	}()
	return fn()
}
