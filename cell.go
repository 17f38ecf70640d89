//go:build linux
// +build linux

package luneffi

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"unsafe"

	"tlog.app/go/errors"
	"tlog.app/go/loc"
	"tlog.app/go/tlog"
)

// Ownership states who is responsible for the memory a cell points at.
type Ownership int

const (
	// Owned memory was allocated by this engine and is freed by Free or by
	// the garbage collector. Accesses are bounds checked against the extent.
	Owned Ownership = iota

	// Borrowed memory belongs to native code (or to another cell). The cell
	// carries no extent and accesses are not bounds checked.
	Borrowed

	// SymbolBound memory is a data symbol inside a loaded library. It lives
	// as long as the library and is never freed through the cell.
	SymbolBound
)

func (o Ownership) String() string {
	switch o {
	case Owned:
		return "owned"
	case Borrowed:
		return "borrowed"
	case SymbolBound:
		return "symbol"
	}
	return "?"
}

// Cell is a typed view over one region of native memory.
type Cell struct {
	reg  *Registry
	typ  *Type // declared type, aliases preserved for display
	addr unsafe.Pointer
	own  Ownership

	// extent is the addressable byte count for Owned cells; 0 for the rest.
	extent uintptr

	lib *Library // set for SymbolBound cells
	sym string
}

// Addr exposes the raw address, for diagnostics and for handing the memory to
// native code that takes void*.
func (c *Cell) Addr() uintptr { return uintptr(c.addr) }

func (c *Cell) Type() *Type          { return c.typ }
func (c *Cell) TypeName() string     { return c.typ.displayName() }
func (c *Cell) Ownership() Ownership { return c.own }

// Extent returns the checked byte extent; 0 means unchecked.
func (c *Cell) Extent() uintptr { return c.extent }

// AllocateCell reserves zero-initialized native memory for one value of the
// named type and optionally stores an initial host value into it.
func AllocateCell(r *Registry, typeName string, init any) (*Cell, error) {
	t, err := r.LookupType(typeName)
	if err != nil {
		return nil, err
	}
	rt := resolve(r, t)
	if rt.Kind == KindVoid || rt.Kind == KindFunc {
		return nil, &TypeMismatchError{Expected: "sized type", Actual: t.displayName()}
	}
	if rt.Size == 0 {
		return nil, errors.New("cannot allocate incomplete type %s", t.displayName())
	}

	mem := cCalloc(1, rt.Size)
	if mem == nil {
		return nil, errors.New("out of memory allocating %v bytes", rt.Size)
	}
	c := &Cell{reg: r, typ: t, addr: mem, own: Owned, extent: rt.Size}
	if init != nil {
		if err := storeValue(r, rt, mem, init); err != nil {
			cFree(mem)
			return nil, err
		}
	}
	setCollectFinalizer(c)

	tlog.V("cells").Printw("cell allocated", "type", t.displayName(), "size", rt.Size, "addr", tlog.FormatNext("%#x"), uintptr(mem), "from", loc.Callers(1, 3))

	return c, nil
}

// BorrowCell wraps a raw native address in a typed borrowed cell. The caller
// vouches that addr really points at a value of the named type.
func BorrowCell(r *Registry, typeName string, addr unsafe.Pointer) (*Cell, error) {
	t, err := r.LookupType(typeName)
	if err != nil {
		return nil, err
	}
	return &Cell{reg: r, typ: t, addr: addr, own: Borrowed}, nil
}

// Read loads the cell's value as a host value. Scalars come back as Go
// numbers, pointers as uintptr addresses, enums as their integer value.
// Aggregates are not read wholesale; use Field or Index.
func (c *Cell) Read() (any, error) {
	t := resolve(c.reg, c.typ)
	if err := c.check(0, t.Size); err != nil {
		return nil, err
	}
	switch t.Kind {
	case KindBool:
		return *(*byte)(c.addr) != 0, nil
	case KindInt:
		u := loadUint(c.addr, t.Size)
		if t.Signed {
			return signExtend(u, t.Bits), nil
		}
		return u, nil
	case KindEnum:
		base := resolve(c.reg, c.reg.mustGet(t.EnumBase))
		u := loadUint(c.addr, base.Size)
		if base.Signed {
			return signExtend(u, base.Bits), nil
		}
		return u, nil
	case KindFloat:
		if t.Bits == 32 {
			return float64(math.Float32frombits(uint32(loadUint(c.addr, 4)))), nil
		}
		return math.Float64frombits(loadUint(c.addr, 8)), nil
	case KindPointer:
		return uintptr(loadUint(c.addr, ptrSize)), nil
	}
	return nil, &TypeMismatchError{Expected: "scalar or pointer", Actual: c.typ.displayName()}
}

// Write stores a host value into the cell with range checking.
func (c *Cell) Write(v any) error {
	t := resolve(c.reg, c.typ)
	if err := c.check(0, t.Size); err != nil {
		return err
	}
	return storeValue(c.reg, t, c.addr, v)
}

// Field returns a borrowed view of a named struct or union member. Bitfield
// members have no address of their own; use ReadField and WriteField.
func (c *Cell) Field(name string) (*Cell, error) {
	t, f, err := c.member(name)
	if err != nil {
		return nil, err
	}
	if f.Bits != NoBitfield {
		return nil, errors.New("bitfield %s.%s is not addressable", t.displayName(), name)
	}
	ft := c.reg.mustGet(f.Type)
	sz := resolve(c.reg, ft).Size
	if err := c.check(f.Offset, sz); err != nil {
		return nil, err
	}
	return &Cell{reg: c.reg, typ: ft, addr: unsafe.Add(c.addr, f.Offset), own: Borrowed}, nil
}

// ReadField loads a member value, including bitfield members.
func (c *Cell) ReadField(name string) (any, error) {
	_, f, err := c.member(name)
	if err != nil {
		return nil, err
	}
	ft := resolve(c.reg, c.reg.mustGet(f.Type))
	if f.Bits == NoBitfield {
		sub, err := c.Field(name)
		if err != nil {
			return nil, err
		}
		return sub.Read()
	}
	if err := c.check(f.Offset, ft.Size); err != nil {
		return nil, err
	}
	u := loadUint(unsafe.Add(c.addr, f.Offset), ft.Size)
	u >>= uint(f.BitOff)
	u &= mask(f.Bits)
	if ft.Signed {
		return signExtend(u, f.Bits), nil
	}
	return u, nil
}

// WriteField stores a member value, including bitfield members.
func (c *Cell) WriteField(name string, v any) error {
	_, f, err := c.member(name)
	if err != nil {
		return err
	}
	ft := resolve(c.reg, c.reg.mustGet(f.Type))
	if f.Bits == NoBitfield {
		sub, err := c.Field(name)
		if err != nil {
			return err
		}
		return sub.Write(v)
	}
	if err := c.check(f.Offset, ft.Size); err != nil {
		return err
	}
	var raw uint64
	if ft.Signed {
		i, ok := asInt64(v)
		if !ok {
			return &TypeMismatchError{Expected: ft.displayName(), Actual: fmt.Sprintf("%T", v)}
		}
		min, max := int64(-1)<<(f.Bits-1), int64(mask(f.Bits)>>1)
		if f.Bits == 64 {
			min, max = math.MinInt64, math.MaxInt64
		}
		if i < min || i > max {
			return &TypeMismatchError{Expected: fmt.Sprintf("%d-bit signed", f.Bits), Actual: fmt.Sprintf("%v", v)}
		}
		raw = uint64(i) & mask(f.Bits)
	} else {
		u, ok := asUint64(v)
		if !ok {
			return &TypeMismatchError{Expected: ft.displayName(), Actual: fmt.Sprintf("%T", v)}
		}
		if f.Bits < 64 && u > mask(f.Bits) {
			return &TypeMismatchError{Expected: fmt.Sprintf("%d-bit unsigned", f.Bits), Actual: fmt.Sprintf("%v", v)}
		}
		raw = u
	}
	p := unsafe.Add(c.addr, f.Offset)
	unit := loadUint(p, ft.Size)
	unit &^= mask(f.Bits) << uint(f.BitOff)
	unit |= raw << uint(f.BitOff)
	storeUint(p, ft.Size, unit)
	return nil
}

func (c *Cell) member(name string) (*Type, *Field, error) {
	t := resolve(c.reg, c.typ)
	if t.Kind != KindStruct && t.Kind != KindUnion {
		return nil, nil, &TypeMismatchError{Expected: "struct or union", Actual: c.typ.displayName()}
	}
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return t, &t.Fields[i], nil
		}
	}
	return nil, nil, errors.New("%s has no member %q", t.displayName(), name)
}

// Index returns a borrowed element view. Array cells index in place; pointer
// cells first load the stored address and then scale by the pointee size, the
// way p[i] does in C.
func (c *Cell) Index(i int) (*Cell, error) {
	t := resolve(c.reg, c.typ)
	switch t.Kind {
	case KindArray:
		et := c.reg.mustGet(t.Elem)
		es := resolve(c.reg, et).Size
		off := uintptr(i) * es
		if i < 0 || i >= t.Len {
			return nil, &BoundsError{Offset: off, Length: es, Extent: t.Size}
		}
		if err := c.check(off, es); err != nil {
			return nil, err
		}
		return &Cell{reg: c.reg, typ: et, addr: unsafe.Add(c.addr, off), own: Borrowed}, nil
	case KindPointer:
		base := uintptr(loadUint(c.addr, ptrSize))
		if base == 0 {
			return nil, errors.New("dereference of null %s", c.typ.displayName())
		}
		pt := c.reg.mustGet(t.To)
		es := resolve(c.reg, pt).Size
		if es == 0 {
			return nil, errors.New("cannot index %s: pointee has no size", c.typ.displayName())
		}
		return &Cell{reg: c.reg, typ: pt, addr: unsafe.Pointer(base + uintptr(i)*es), own: Borrowed}, nil
	}
	return nil, &TypeMismatchError{Expected: "array or pointer", Actual: c.typ.displayName()}
}

// Add returns a borrowed view of the same type shifted by n elements, C's
// p + n. The element stride is the cell's own resolved size. The shift is
// signed; owned cells reject any move that leaves their extent.
func (c *Cell) Add(n int) (*Cell, error) {
	t := resolve(c.reg, c.typ)
	if t.Size == 0 {
		return nil, &TypeMismatchError{Expected: "sized type", Actual: c.typ.displayName()}
	}
	off := int64(n) * int64(t.Size)
	if c.own == Owned && off < 0 {
		return nil, &BoundsError{Offset: uintptr(off), Length: t.Size, Extent: c.extent}
	}
	if err := c.check(uintptr(off), t.Size); err != nil {
		return nil, err
	}
	return &Cell{reg: c.reg, typ: c.typ, addr: unsafe.Add(c.addr, off), own: Borrowed}, nil
}

// Deref is Index(0) for pointer cells.
func (c *Cell) Deref() (*Cell, error) {
	t := resolve(c.reg, c.typ)
	if t.Kind != KindPointer {
		return nil, &TypeMismatchError{Expected: "pointer", Actual: c.typ.displayName()}
	}
	return c.Index(0)
}

// ReadCString copies out a NUL-terminated byte string. The cell must be a
// char array, a char pointer, or a void pointer. An optional limit caps the
// scan for untrusted buffers.
func (c *Cell) ReadCString(limit ...int) (string, error) {
	t := resolve(c.reg, c.typ)
	var p unsafe.Pointer
	switch t.Kind {
	case KindArray:
		et := resolve(c.reg, c.reg.mustGet(t.Elem))
		if et.Kind != KindInt || et.Bits != 8 {
			return "", &TypeMismatchError{Expected: "char array", Actual: c.typ.displayName()}
		}
		p = c.addr
		if len(limit) == 0 {
			limit = []int{t.Len}
		}
	case KindPointer:
		pt := resolve(c.reg, c.reg.mustGet(t.To))
		if pt.Kind != KindVoid && !(pt.Kind == KindInt && pt.Bits == 8) {
			return "", &TypeMismatchError{Expected: "char* or void*", Actual: c.typ.displayName()}
		}
		p = unsafe.Pointer(uintptr(loadUint(c.addr, ptrSize)))
	default:
		return "", &TypeMismatchError{Expected: "char* or char array", Actual: c.typ.displayName()}
	}
	if p == nil {
		return "", errors.New("null string")
	}
	if len(limit) > 0 && limit[0] >= 0 {
		n := limit[0]
		b := unsafe.Slice((*byte)(p), n)
		for i := 0; i < n; i++ {
			if b[i] == 0 {
				return string(b[:i]), nil
			}
		}
		return string(b), nil
	}
	return cGoString(p), nil
}

// String renders the cell for diagnostics. A DisplayBehavior attached to the
// cell's type takes precedence over the default rendering.
func (c *Cell) String() string {
	if b := displayFor(c.typ); b != nil && b.Show != nil {
		return b.Show(c)
	}
	if v, err := c.Read(); err == nil {
		return fmt.Sprintf("%s(%v)", c.typ.displayName(), v)
	}
	return fmt.Sprintf("%s @ %#x [%s]", c.typ.displayName(), uintptr(c.addr), c.own)
}

// Equal compares two cells, honoring an attached Eq hook. Without one, cells
// are equal when they view the same address with the same type.
func (c *Cell) Equal(o *Cell) bool {
	if c == nil || o == nil {
		return c == o
	}
	if b := displayFor(c.typ); b != nil && b.Eq != nil {
		return b.Eq(c, o)
	}
	return c.addr == o.addr && c.typ.Key == o.typ.Key
}

// check validates [off, off+n) against the extent of an owned cell. Borrowed
// and symbol-bound cells pass unchecked; their extent is unknowable here.
func (c *Cell) check(off, n uintptr) error {
	if c.addr == nil {
		return errors.New("use of freed or null cell")
	}
	if c.own != Owned {
		return nil
	}
	if off+n > c.extent {
		return &BoundsError{Offset: off, Length: n, Extent: c.extent}
	}
	return nil
}

// Free releases owned memory immediately, running the attached finalizer
// first. Frees at most once; later calls and the GC are both no-ops after.
func (c *Cell) Free() error {
	if c.own != Owned {
		return &TypeMismatchError{Expected: "owned cell", Actual: c.own.String()}
	}
	if c.addr == nil {
		return nil
	}
	runtime.SetFinalizer(c, nil)
	finalizerRunOnce(uintptr(c.addr), c)
	cFree(c.addr)
	c.addr = nil
	c.extent = 0
	return nil
}

// Detach releases ownership without freeing: the finalizer registration is
// dropped and the memory is now the caller's problem. Returns the address.
func (c *Cell) Detach() uintptr {
	p := uintptr(c.addr)
	if c.own == Owned {
		runtime.SetFinalizer(c, nil)
		finalizerDetach(p)
		c.own = Borrowed
		c.extent = 0
	}
	return p
}

// setCollectFinalizer arms the GC-side path of Free on a fresh owned cell.
func setCollectFinalizer(c *Cell) {
	runtime.SetFinalizer(c, (*Cell).collect)
}

// collect is the GC-side path of Free.
func (c *Cell) collect() {
	if c.own != Owned || c.addr == nil {
		return
	}
	finalizerRunOnce(uintptr(c.addr), c)
	cFree(c.addr)
	c.addr = nil
}

// -------------------------
// finalizer registry
// -------------------------

// finalizerEntry guards one attached finalizer so explicit Free and the GC
// cannot both run it.
type finalizerEntry struct {
	once sync.Once
	fn   func(*Cell)
}

var finalizers sync.Map // uintptr -> *finalizerEntry

// FinalizerFailureHook receives panics escaping attached finalizers. The
// default logs and moves on; a finalizer failure must not take down the
// process that attached it.
var FinalizerFailureHook = func(addr uintptr, recovered any) {
	tlog.Printw("finalizer failed", "addr", tlog.FormatNext("%#x"), addr, "panic", recovered)
}

// AttachFinalizer registers fn to run exactly once when the cell is freed,
// explicitly or by the collector. Attaching again replaces the previous
// finalizer: the last attachment wins and earlier ones never run.
func (c *Cell) AttachFinalizer(fn func(*Cell)) error {
	if c.own != Owned {
		return &TypeMismatchError{Expected: "owned cell", Actual: c.own.String()}
	}
	if c.addr == nil {
		return errors.New("cell already freed")
	}
	if fn == nil {
		finalizerDetach(uintptr(c.addr))
		return nil
	}
	finalizers.Store(uintptr(c.addr), &finalizerEntry{fn: fn})
	return nil
}

func finalizerRunOnce(addr uintptr, c *Cell) {
	v, ok := finalizers.LoadAndDelete(addr)
	if !ok {
		return
	}
	e := v.(*finalizerEntry)
	e.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				FinalizerFailureHook(addr, r)
			}
		}()
		e.fn(c)
	})
}

func finalizerDetach(addr uintptr) {
	finalizers.Delete(addr)
}

// finalizerMove migrates a registration after realloc relocated the block.
func finalizerMove(from, to uintptr) {
	if from == to {
		return
	}
	if v, ok := finalizers.LoadAndDelete(from); ok {
		finalizers.Store(to, v)
	}
}

// -------------------------
// host value conversions
// -------------------------

// storeValue converts one host value into native memory of type t. t must be
// alias-resolved. Aggregates accept structured literals: map[string]any for
// structs (and single-member maps for unions), []any for arrays.
func storeValue(r *Registry, t *Type, p unsafe.Pointer, v any) error {
	switch t.Kind {
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return &TypeMismatchError{Expected: "bool", Actual: fmt.Sprintf("%T", v)}
		}
		var u uint64
		if b {
			u = 1
		}
		storeUint(p, t.Size, u)
		return nil

	case KindInt:
		return storeInt(t, p, v)

	case KindEnum:
		base := resolve(r, r.mustGet(t.EnumBase))
		if s, ok := v.(string); ok {
			ev, found := t.EnumVals[s]
			if !found {
				return errors.New("enum %s has no enumerator %q", t.displayName(), s)
			}
			v = ev
		}
		return storeInt(base, p, v)

	case KindFloat:
		f, ok := asFloat64(v)
		if !ok {
			return &TypeMismatchError{Expected: t.displayName(), Actual: fmt.Sprintf("%T", v)}
		}
		if t.Bits == 32 {
			storeUint(p, 4, uint64(math.Float32bits(float32(f))))
		} else {
			storeUint(p, 8, math.Float64bits(f))
		}
		return nil

	case KindPointer:
		addr, err := pointerValue(v)
		if err != nil {
			return &TypeMismatchError{Expected: t.displayName(), Actual: fmt.Sprintf("%T", v)}
		}
		storeUint(p, ptrSize, uint64(addr))
		return nil

	case KindArray:
		items, ok := v.([]any)
		if !ok {
			return &TypeMismatchError{Expected: t.displayName(), Actual: fmt.Sprintf("%T", v)}
		}
		if len(items) > t.Len {
			return &BoundsError{Offset: 0, Length: uintptr(len(items)), Extent: uintptr(t.Len)}
		}
		et := resolve(r, r.mustGet(t.Elem))
		for i, item := range items {
			if err := storeValue(r, et, unsafe.Add(p, uintptr(i)*et.Size), item); err != nil {
				return errors.Wrap(err, "element %v", i)
			}
		}
		return nil

	case KindStruct, KindUnion:
		m, ok := v.(map[string]any)
		if !ok {
			return &TypeMismatchError{Expected: t.displayName(), Actual: fmt.Sprintf("%T", v)}
		}
		if t.Kind == KindUnion && len(m) > 1 {
			return errors.New("union %s initializer must set at most one member", t.displayName())
		}
		for name, fv := range m {
			var f *Field
			for i := range t.Fields {
				if t.Fields[i].Name == name {
					f = &t.Fields[i]
					break
				}
			}
			if f == nil {
				return errors.New("%s has no member %q", t.displayName(), name)
			}
			ft := resolve(r, r.mustGet(f.Type))
			if f.Bits != NoBitfield {
				tmp := &Cell{reg: r, typ: t, addr: p, own: Borrowed}
				if err := tmp.WriteField(name, fv); err != nil {
					return err
				}
				continue
			}
			if err := storeValue(r, ft, unsafe.Add(p, f.Offset), fv); err != nil {
				return errors.Wrap(err, "member %v", name)
			}
		}
		return nil
	}
	return &TypeMismatchError{Expected: "storable type", Actual: t.displayName()}
}

// storeInt range checks and stores an integer host value.
func storeInt(t *Type, p unsafe.Pointer, v any) error {
	if t.Signed {
		i, ok := asInt64(v)
		if !ok {
			// A uint64 above the signed range has no signed representation.
			return &TypeMismatchError{Expected: t.displayName(), Actual: fmt.Sprintf("%T(%v)", v, v)}
		}
		if t.Bits < 64 {
			min := int64(-1) << (t.Bits - 1)
			max := int64(1)<<(t.Bits-1) - 1
			if i < min || i > max {
				return &TypeMismatchError{Expected: t.displayName(), Actual: fmt.Sprintf("%v (out of range)", i)}
			}
		}
		storeUint(p, t.Size, uint64(i))
		return nil
	}
	u, ok := asUint64(v)
	if !ok {
		return &TypeMismatchError{Expected: t.displayName(), Actual: fmt.Sprintf("%T(%v)", v, v)}
	}
	if t.Bits < 64 && u > mask(t.Bits) {
		return &TypeMismatchError{Expected: t.displayName(), Actual: fmt.Sprintf("%v (out of range)", u)}
	}
	storeUint(p, t.Size, u)
	return nil
}

// pointerValue extracts an address from the host values accepted where a
// pointer is expected.
func pointerValue(v any) (uintptr, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case uintptr:
		return x, nil
	case unsafe.Pointer:
		return uintptr(x), nil
	case *Cell:
		if x == nil {
			return 0, nil
		}
		return uintptr(x.addr), nil
	}
	return 0, errors.New("not a pointer value: %T", v)
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case uintptr:
		if uint64(x) > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case float64:
		if x != math.Trunc(x) {
			return 0, false
		}
		return int64(x), true
	}
	return 0, false
}

func asUint64(v any) (uint64, bool) {
	switch x := v.(type) {
	case int:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
	case int8:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
	case int16:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
	case int32:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
	case int64:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
	case uint:
		return uint64(x), true
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	case uintptr:
		return uint64(x), true
	case float64:
		if x < 0 || x != math.Trunc(x) {
			return 0, false
		}
		return uint64(x), true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}

// -------------------------
// raw load/store
// -------------------------

func loadUint(p unsafe.Pointer, size uintptr) uint64 {
	switch size {
	case 1:
		return uint64(*(*uint8)(p))
	case 2:
		return uint64(*(*uint16)(p))
	case 4:
		return uint64(*(*uint32)(p))
	case 8:
		return *(*uint64)(p)
	}
	panic("luneffi: internal: bad scalar size")
}

func storeUint(p unsafe.Pointer, size uintptr, v uint64) {
	switch size {
	case 1:
		*(*uint8)(p) = uint8(v)
	case 2:
		*(*uint16)(p) = uint16(v)
	case 4:
		*(*uint32)(p) = uint32(v)
	case 8:
		*(*uint64)(p) = v
	default:
		panic("luneffi: internal: bad scalar size")
	}
}

func signExtend(u uint64, bits int) int64 {
	if bits >= 64 {
		return int64(u)
	}
	shift := 64 - uint(bits)
	return int64(u<<shift) >> shift
}

func mask(bits int) uint64 {
	if bits >= 64 {
		return math.MaxUint64
	}
	return (1 << uint(bits)) - 1
}
