//go:build linux
// +build linux

package luneffi

import (
	"runtime"
	"unsafe"

	"tlog.app/go/errors"
)

// FFI is one engine session: a type registry seeded with the platform
// primitives plus a library loader with its handle cache. Sessions are safe
// for concurrent use; independent sessions share nothing.
type FFI struct {
	Types *Registry
	Libs  *Loader
}

func New() *FFI {
	return &FFI{
		Types: NewRegistry(),
		Libs:  NewLoader(),
	}
}

// DefineTypes parses a block of C declarations and registers the types it
// declares. Registration is all-or-nothing: on error nothing is registered.
// Use WrapErrorWithSource to render the returned error with a source snippet.
func (f *FFI) DefineTypes(src string) error {
	return f.Types.DefineTypes(src)
}

// OpenLibrary loads (or re-references) a dynamic library.
func (f *FFI) OpenLibrary(path string) (*Library, error) { return f.Libs.Open(path) }

// ProcessLibrary returns the handle of the running process image.
func (f *FFI) ProcessLibrary() (*Library, error) { return f.Libs.Process() }

// CloseLibrary balances one OpenLibrary.
func (f *FFI) CloseLibrary(lib *Library) error { return lib.Release() }

// BindFunction resolves a function symbol and binds it to a function type.
func (f *FFI) BindFunction(lib *Library, name, typeName string) (*Function, error) {
	return BindFunction(f.Types, lib, name, typeName)
}

// BindValue resolves a data symbol into a symbol-bound cell. The cell views
// the library's own storage: it lives as long as the library and is never
// freed through the cell.
func (f *FFI) BindValue(lib *Library, name, typeName string) (*Cell, error) {
	t, err := f.Types.LookupType(typeName)
	if err != nil {
		return nil, err
	}
	addr, err := lib.Symbol(name)
	if err != nil {
		return nil, err
	}
	c := &Cell{reg: f.Types, typ: t, addr: addr, own: SymbolBound, lib: lib, sym: name}
	lib.pin()
	runtime.SetFinalizer(c, func(c *Cell) { c.lib.unpin() })
	return c, nil
}

// Allocate reserves zero-initialized owned memory for one value of the named
// type, optionally storing an initial host value.
func (f *FFI) Allocate(typeName string, init any) (*Cell, error) {
	return AllocateCell(f.Types, typeName, init)
}

// Cast returns a borrowed view of the cell's memory under another type.
// Ownership stays with the original cell.
func (f *FFI) Cast(c *Cell, typeName string) (*Cell, error) {
	if c.addr == nil {
		return nil, errors.New("cast of freed or null cell")
	}
	return BorrowCell(f.Types, typeName, c.addr)
}

// CastAddress wraps a raw address in a typed borrowed cell.
func (f *FFI) CastAddress(addr uintptr, typeName string) (*Cell, error) {
	return BorrowCell(f.Types, typeName, unsafe.Pointer(addr))
}

// TypeOf returns the descriptor registered under name.
func (f *FFI) TypeOf(name string) (*Type, error) { return f.Types.LookupType(name) }

func (f *FFI) SizeOf(name string) (uintptr, error)          { return f.Types.SizeOf(name) }
func (f *FFI) AlignOf(name string) (uintptr, error)         { return f.Types.AlignOf(name) }
func (f *FFI) OffsetOf(name, field string) (uintptr, error) { return f.Types.OffsetOf(name, field) }

// EnumValue returns the value of an enumerator of a registered enum type.
func (f *FFI) EnumValue(name, enumerator string) (int64, error) {
	return f.Types.EnumValue(name, enumerator)
}

// WrapCallback builds a native-callable trampoline around a host function.
func (f *FFI) WrapCallback(typeName string, fn func(args []any) (any, error)) (*Trampoline, error) {
	return WrapCallback(f.Types, typeName, fn)
}

// AttachDisplayBehavior installs rendering hooks for a registered type.
func (f *FFI) AttachDisplayBehavior(typeName string, b *DisplayBehavior) error {
	return f.Types.AttachDisplayBehavior(typeName, b)
}

// NativeFinalizer wraps a native destructor with signature void(*)(void*)
// into a finalizer suitable for Cell.AttachFinalizer: when the cell dies the
// destructor receives the cell's address.
func (f *FFI) NativeFinalizer(lib *Library, symbol string) (func(*Cell), error) {
	fn, err := lib.Symbol(symbol)
	if err != nil {
		return nil, err
	}
	return func(c *Cell) {
		cCallDestructor(fn, c.addr)
	}, nil
}

// Errno returns the calling thread's C errno value.
func (f *FFI) Errno() int { return cErrnoGet() }

// SetErrno sets the calling thread's C errno value, typically to clear it
// before a call whose errno result matters.
func (f *FFI) SetErrno(v int) { cErrnoSet(v) }

// -------------------------
// raw memory toolbox
// -------------------------

// Malloc reserves n uninitialized bytes as an owned untyped cell. Cast it to
// give the memory a type; Free it (or let it be collected) to release it.
func (f *FFI) Malloc(n uintptr) (*Cell, error) {
	if n == 0 {
		return nil, errors.New("zero-size allocation")
	}
	mem := cMalloc(n)
	if mem == nil {
		return nil, errors.New("out of memory allocating %v bytes", n)
	}
	return f.ownRaw(mem, n), nil
}

// Calloc is Malloc with zero-initialized memory, sized count*size.
func (f *FFI) Calloc(count, size uintptr) (*Cell, error) {
	if count == 0 || size == 0 {
		return nil, errors.New("zero-size allocation")
	}
	mem := cCalloc(count, size)
	if mem == nil {
		return nil, errors.New("out of memory allocating %v bytes", count*size)
	}
	return f.ownRaw(mem, count*size), nil
}

func (f *FFI) ownRaw(mem unsafe.Pointer, n uintptr) *Cell {
	t := f.Types.mustGet("void")
	c := &Cell{reg: f.Types, typ: t, addr: mem, own: Owned, extent: n}
	setCollectFinalizer(c)
	return c
}

// Realloc resizes an owned cell in place. The block may move; an attached
// finalizer follows it. On allocation failure the cell is left untouched and
// still owns its old block.
func (f *FFI) Realloc(c *Cell, n uintptr) error {
	if c.own != Owned {
		return &TypeMismatchError{Expected: "owned cell", Actual: c.own.String()}
	}
	if c.addr == nil {
		return errors.New("realloc of freed cell")
	}
	if n == 0 {
		return errors.New("zero-size allocation")
	}
	old := uintptr(c.addr)
	mem := cRealloc(c.addr, n)
	if mem == nil {
		return errors.New("out of memory reallocating to %v bytes", n)
	}
	finalizerMove(old, uintptr(mem))
	c.addr = mem
	c.extent = n
	return nil
}

// Free releases an owned cell immediately. See Cell.Free.
func (f *FFI) Free(c *Cell) error { return c.Free() }

// Copy moves n bytes from src to dst, bounds checked against owned extents.
// The regions must not overlap.
func (f *FFI) Copy(dst, src *Cell, n uintptr) error {
	if err := dst.check(0, n); err != nil {
		return err
	}
	if err := src.check(0, n); err != nil {
		return err
	}
	cMemcpy(dst.addr, src.addr, n)
	return nil
}

// Fill sets n bytes of the cell to b, bounds checked against owned extents.
func (f *FFI) Fill(c *Cell, b byte, n uintptr) error {
	if err := c.check(0, n); err != nil {
		return err
	}
	cMemset(c.addr, b, n)
	return nil
}
