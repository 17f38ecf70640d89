//go:build linux
// +build linux

package luneffi

import (
	"sync"
	"unsafe"

	"tlog.app/go/tlog"
)

// Loader owns the dynamic libraries opened by one session. Handles are cached
// per canonical path and reference counted: opening the same path twice
// returns the same Library, and the underlying handle is released only when
// every open has been balanced by a Release.
type Loader struct {
	mu     sync.Mutex
	byPath map[string]*Library
	self   *Library
}

// Library is one loaded dynamic library plus its resolved-symbol cache.
type Library struct {
	loader *Loader

	// Path as given at open time; empty for the process handle.
	Path string

	handle  unsafe.Pointer
	refs    int
	process bool

	// pins counts live symbol-bound cells viewing this library's storage.
	// The handle stays loaded while any exist, even past the last Release.
	pins int

	syms map[string]unsafe.Pointer
}

func NewLoader() *Loader {
	return &Loader{byPath: make(map[string]*Library)}
}

// Open loads the library at path, or returns the cached handle when the same
// path is already open. An empty path opens the calling process itself; that
// handle is shared and never unloaded.
func (l *Loader) Open(path string) (*Library, error) {
	if path == "" {
		return l.Process()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if lib, ok := l.byPath[path]; ok {
		lib.refs++
		return lib, nil
	}

	h, err := cDlopen(path)
	if err != nil {
		return nil, err
	}
	lib := &Library{
		loader: l,
		Path:   path,
		handle: h,
		refs:   1,
		syms:   make(map[string]unsafe.Pointer),
	}
	l.byPath[path] = lib

	tlog.V("dl").Printw("library opened", "path", path)

	return lib, nil
}

// Process returns the handle for the running process image, which resolves
// symbols from the executable and everything it links. Created once, shared,
// and never released.
func (l *Loader) Process() (*Library, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.self != nil {
		return l.self, nil
	}

	h, err := cDlopen("")
	if err != nil {
		return nil, err
	}
	l.self = &Library{
		loader:  l,
		handle:  h,
		process: true,
		syms:    make(map[string]unsafe.Pointer),
	}
	return l.self, nil
}

// Symbol resolves name inside the library, consulting the per-handle cache
// first. A symbol whose address is legitimately NULL is distinguished from a
// missing symbol by the loader's own error state, so NULL-valued symbols
// resolve correctly.
func (lib *Library) Symbol(name string) (unsafe.Pointer, error) {
	lib.loader.mu.Lock()
	defer lib.loader.mu.Unlock()

	if lib.handle == nil {
		return nil, &SymbolNotFoundError{Name: name, SystemMessage: "library is closed"}
	}
	if p, ok := lib.syms[name]; ok {
		return p, nil
	}

	p, err := cDlsymClear(lib.handle, name)
	if err != nil {
		return nil, err
	}
	lib.syms[name] = p

	tlog.V("dl").Printw("symbol resolved", "name", name, "addr", tlog.FormatNext("%#x"), uintptr(p))

	return p, nil
}

// Release balances one Open. The handle is passed back to the platform loader
// only when the last reference drops; the process handle is never unloaded.
// After the last release the handle is treated as gone even if the platform
// reported an unload failure, which is then returned to the caller.
func (lib *Library) Release() error {
	if lib.process {
		return nil
	}

	lib.loader.mu.Lock()
	defer lib.loader.mu.Unlock()

	if lib.refs == 0 {
		return nil // already released
	}
	lib.refs--
	if lib.refs > 0 {
		return nil
	}

	delete(lib.loader.byPath, lib.Path)
	if lib.pins > 0 {
		// Symbol-bound cells still view the library's storage; the handle
		// unloads when the last one is collected.
		return nil
	}
	h := lib.handle
	lib.handle = nil
	lib.syms = nil

	tlog.V("dl").Printw("library released", "path", lib.Path)

	return cDlclose(h)
}

// pin records one live symbol-bound cell.
func (lib *Library) pin() {
	lib.loader.mu.Lock()
	lib.pins++
	lib.loader.mu.Unlock()
}

// unpin balances pin; the last unpin after the last Release unloads.
func (lib *Library) unpin() {
	lib.loader.mu.Lock()
	defer lib.loader.mu.Unlock()

	lib.pins--
	if lib.pins > 0 || lib.refs > 0 || lib.process || lib.handle == nil {
		return
	}
	h := lib.handle
	lib.handle = nil
	lib.syms = nil
	if err := cDlclose(h); err != nil {
		tlog.Printw("deferred library unload failed", "path", lib.Path, "err", err)
	}
}

// Loaded reports whether the library still holds a live platform handle.
func (lib *Library) Loaded() bool {
	lib.loader.mu.Lock()
	defer lib.loader.mu.Unlock()
	return lib.handle != nil
}
