// Package script finds bench scripts on disk and loads them into fresh Lua
// states. Scripts are read from disk on every load, so edits take effect on
// the next run without restarting the process.
package script

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// EntryPoint is the global function every script must define.
const EntryPoint = "run"

// validName checks that a script name is safe to use as a filename component.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return false
	}
	return true
}

// Script is one loaded script: a Lua state that has executed the file's
// top-level chunk.
type Script struct {
	Name string
	Path string
	L    *lua.LState
}

// Entry returns the script's entry point function.
func (s *Script) Entry() (*lua.LFunction, bool) {
	fn, ok := s.L.GetGlobal(EntryPoint).(*lua.LFunction)
	return fn, ok
}

// Loader loads scripts into sandboxed Lua states and tracks them until
// they are unloaded.
type Loader struct {
	logger *slog.Logger

	mu     sync.Mutex
	loaded map[string]*Script
}

// NewLoader creates a loader.
func NewLoader(logger *slog.Logger) *Loader {
	return &Loader{
		logger: logger.With("component", "loader"),
		loaded: make(map[string]*Script),
	}
}

// Load reads dir/name.lua and executes it in a new sandboxed state. A script
// still loaded under the same name is unloaded first, so the result always
// reflects the file's current content.
func (l *Loader) Load(dir, name string) (*Script, error) {
	name = strings.TrimSuffix(name, Ext)
	if !validName(name) {
		return nil, &LoadError{Dir: dir, Name: name, Err: fmt.Errorf("invalid script name %q", name)}
	}
	l.Unload(name)

	path := filepath.Join(dir, name+Ext)
	src, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = ErrNotFound
		}
		return nil, &LoadError{Dir: dir, Name: name, Err: err}
	}

	L := newSandbox()
	fn, err := L.Load(bytes.NewReader(src), name+Ext)
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.Close()
		return nil, fmt.Errorf("execute %s: %w", name, err)
	}

	s := &Script{Name: name, Path: path, L: L}
	l.mu.Lock()
	l.loaded[name] = s
	l.mu.Unlock()

	l.logger.Debug("script loaded", "name", name, "path", path, "bytes", len(src))
	return s, nil
}

// Unload closes the named script's state. Unloading a name that is not
// loaded is a no-op.
func (l *Loader) Unload(name string) {
	l.mu.Lock()
	s, ok := l.loaded[name]
	delete(l.loaded, name)
	l.mu.Unlock()

	if ok {
		s.L.Close()
		l.logger.Debug("script unloaded", "name", name)
	}
}

// Loaded reports whether a script is currently loaded under name.
func (l *Loader) Loaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.loaded[name]
	return ok
}

// newSandbox opens a Lua state with the host-access libraries removed.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)
	return L
}
