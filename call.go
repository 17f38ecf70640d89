//go:build linux
// +build linux

package luneffi

import (
	"fmt"
	"math"
	"runtime"
	"unsafe"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

// Function is a native entry point bound to a function descriptor. The call
// interface for the fixed parameters is prepared once and cached on the
// descriptor; variadic calls prepare a per-call interface covering the extra
// arguments.
type Function struct {
	reg  *Registry
	typ  *Type
	addr unsafe.Pointer
	name string

	// errno observed on the call thread right after the last invocation.
	lastErrno int
}

// BindFunction resolves name in lib and binds it to the named function type.
// typeName may be a typedef of a function type or a derived spelling like
// "int(*)(int,int)".
func BindFunction(r *Registry, lib *Library, name, typeName string) (*Function, error) {
	addr, err := lib.Symbol(name)
	if err != nil {
		return nil, err
	}
	f, err := NewFunction(r, addr, typeName)
	if err != nil {
		return nil, err
	}
	f.name = name
	return f, nil
}

// NewFunction binds a raw code address to a function descriptor.
func NewFunction(r *Registry, addr unsafe.Pointer, typeName string) (*Function, error) {
	t, err := r.LookupType(typeName)
	if err != nil {
		return nil, err
	}
	ft := resolve(r, t)
	if ft.Kind == KindPointer {
		ft = resolve(r, r.mustGet(ft.To))
	}
	if ft.Kind != KindFunc {
		return nil, &TypeMismatchError{Expected: "function type", Actual: t.displayName()}
	}
	if addr == nil {
		return nil, errors.New("null function address")
	}
	return &Function{reg: r, typ: ft, addr: addr}, nil
}

func (f *Function) Name() string { return f.name }
func (f *Function) Type() *Type  { return f.typ }

// Errno returns the C errno observed on the call thread immediately after the
// last invocation of this function.
func (f *Function) Errno() int { return f.lastErrno }

// callFrame owns the C-heap scratch of one invocation: the argv vector, one
// value buffer per argument, and any temporaries (C strings, boxed
// aggregates) that exist only for the duration of the call.
type callFrame struct {
	argv  unsafe.Pointer
	slots []unsafe.Pointer
	temps []unsafe.Pointer
	ret   unsafe.Pointer

	// variadic-only: per-call type vector and cif
	varTypes unsafe.Pointer
	varCIF   unsafe.Pointer
}

func (fr *callFrame) release() {
	for _, p := range fr.slots {
		cFree(p)
	}
	for _, p := range fr.temps {
		cFree(p)
	}
	if fr.argv != nil {
		cFree(fr.argv)
	}
	if fr.ret != nil {
		cFree(fr.ret)
	}
	if fr.varTypes != nil {
		cFree(fr.varTypes)
	}
	if fr.varCIF != nil {
		cFree(fr.varCIF)
	}
}

// Call invokes the native function. The argument count must match the
// declared arity exactly, or meet the declared minimum for variadic
// prototypes. Arguments are converted with the same range checking as cell
// writes; extra variadic arguments follow the C default promotions.
func (f *Function) Call(args ...any) (res any, err error) {
	ft := f.typ
	nfixed := len(ft.Params)
	if ft.Variadic {
		if len(args) < nfixed {
			return nil, &ArityError{Expected: nfixed, Actual: len(args), Variadic: true}
		}
	} else if len(args) != nfixed {
		return nil, &ArityError{Expected: nfixed, Actual: len(args)}
	}

	fr := &callFrame{}
	defer fr.release()

	cif, err := f.prepare(fr, args)
	if err != nil {
		return nil, err
	}
	if err = f.marshalArgs(fr, args); err != nil {
		return nil, err
	}

	rt := resolve(f.reg, f.reg.mustGet(ft.Ret))
	retSize := rt.Size
	if retSize < ptrSize {
		// libffi widens small returns to a full ffi_arg slot.
		retSize = ptrSize
	}
	fr.ret = cMalloc(retSize)
	if fr.ret == nil {
		return nil, errors.New("out of memory")
	}
	cMemset(fr.ret, 0, retSize)

	var argv unsafe.Pointer
	if len(args) > 0 {
		argv = fr.argv
	}

	// Pin the OS thread for the duration so trampolines can verify they are
	// entered from inside this call.
	runtime.LockOSThread()
	tid := cThreadSelf()
	enterNativeCall(tid)
	cFFICall(cif, f.addr, fr.ret, argv)
	// errno is thread-local; capture it before the goroutine can migrate.
	f.lastErrno = cErrnoGet()
	leaveNativeCall(tid)
	runtime.UnlockOSThread()

	tlog.V("calls").Printw("native call", "fn", f.name, "args", len(args))

	return f.marshalReturn(rt, fr.ret)
}

// prepare selects the call interface: the descriptor-cached one for fixed
// arity, a per-call one covering the promoted extra arguments for variadic
// invocations.
func (f *Function) prepare(fr *callFrame, args []any) (unsafe.Pointer, error) {
	f.reg.mu.Lock()
	err := ensureFuncCIF(f.reg, f.typ)
	f.reg.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !f.typ.Variadic {
		return unsafe.Pointer(f.typ.cbCIF), nil
	}

	nfixed := len(f.typ.Params)
	ntotal := len(args)
	fr.varTypes = cAllocFFITypeArray(ntotal)
	if fr.varTypes == nil {
		return nil, errors.New("out of memory")
	}
	f.reg.mu.Lock()
	err = fillFFITypesFromKeys(f.reg, fr.varTypes, f.typ.Params)
	f.reg.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for i := nfixed; i < ntotal; i++ {
		ty, err := promotedFFIType(args[i])
		if err != nil {
			return nil, errors.Wrap(err, "argument %v", i)
		}
		setFFITypeAt(fr.varTypes, i, ty)
	}
	f.reg.mu.Lock()
	cif, err := prepVarCIF(f.reg, f.typ.Ret, nfixed, ntotal, fr.varTypes)
	f.reg.mu.Unlock()
	if err != nil {
		return nil, err
	}
	fr.varCIF = cif
	return cif, nil
}

// promotedFFIType applies the C default argument promotions to one extra
// variadic argument: integers pass as int (or a 64-bit slot when they do not
// fit), floats as double, everything address-like as a pointer.
func promotedFFIType(v any) (unsafe.Pointer, error) {
	switch x := v.(type) {
	case bool:
		return ffiTypeSint32Ptr(), nil
	case int, int8, int16, int32:
		return ffiTypeSint32Ptr(), nil
	case int64:
		if x >= math.MinInt32 && x <= math.MaxInt32 {
			return ffiTypeSint32Ptr(), nil
		}
		return ffiTypeSint64Ptr(), nil
	case uint, uint64:
		return ffiTypeUint64Ptr(), nil
	case uint8, uint16, uint32:
		return ffiTypeSint32Ptr(), nil
	case float32, float64:
		return ffiTypeDoublePtr(), nil
	case string, uintptr, unsafe.Pointer, *Cell, *Trampoline, nil:
		return ffiTypePointerPtr(), nil
	}
	return nil, errors.New("cannot pass %T variadically", v)
}

// marshalArgs fills one C-heap value buffer per argument and the argv vector
// pointing at them.
func (f *Function) marshalArgs(fr *callFrame, args []any) error {
	if len(args) == 0 {
		return nil
	}
	fr.argv = cAllocVoidPtrArray(len(args))
	if fr.argv == nil {
		return errors.New("out of memory")
	}
	argv := cVoidPtrSlice(fr.argv, len(args))

	nfixed := len(f.typ.Params)
	for i, a := range args {
		var slot unsafe.Pointer
		var err error
		if i < nfixed {
			slot, err = f.marshalFixed(fr, f.typ.Params[i], a)
		} else {
			slot, err = f.marshalVariadic(fr, a)
		}
		if err != nil {
			return errors.Wrap(err, "argument %v", i)
		}
		fr.slots = append(fr.slots, slot)
		argv[i] = slot
	}
	return nil
}

// marshalFixed converts one declared argument into its value buffer.
func (f *Function) marshalFixed(fr *callFrame, paramKey string, v any) (unsafe.Pointer, error) {
	pt := resolve(f.reg, f.reg.mustGet(paramKey))

	size := pt.Size
	if size < ptrSize {
		size = ptrSize
	}
	slot := cMalloc(size)
	if slot == nil {
		return nil, errors.New("out of memory")
	}
	cMemset(slot, 0, size)

	// Function-typed parameters (declared as function pointers) pass an
	// address, same as pointers.
	if pt.Kind == KindPointer || pt.Kind == KindFunc {
		addr, err := f.pointerArg(fr, pt, v)
		if err != nil {
			cFree(slot)
			return nil, err
		}
		storeUint(slot, ptrSize, uint64(addr))
		return slot, nil
	}

	if err := storeValue(f.reg, pt, slot, v); err != nil {
		cFree(slot)
		return nil, err
	}
	return slot, nil
}

// pointerArg resolves the address passed for a pointer parameter.
//
// Accepted forms: nil, uintptr, unsafe.Pointer, a cell of the pointer type
// itself (its stored address is passed), a cell of the pointee type (its own
// address is passed, C's &x), a Go string for char*/void* parameters (a
// call-scoped NUL-terminated copy is passed), and a structured literal for
// pointer-to-aggregate parameters (a call-scoped aggregate is built and its
// address passed).
func (f *Function) pointerArg(fr *callFrame, pt *Type, v any) (uintptr, error) {
	pointee := pt
	if pt.Kind == KindPointer {
		pointee = resolve(f.reg, f.reg.mustGet(pt.To))
	}

	switch x := v.(type) {
	case nil:
		return 0, nil
	case uintptr:
		return x, nil
	case unsafe.Pointer:
		return uintptr(x), nil

	case string:
		if pointee.Kind == KindVoid || pointee.Kind == KindInt && pointee.Bits == 8 {
			cs := cCString(x)
			fr.temps = append(fr.temps, cs)
			return uintptr(cs), nil
		}
		return 0, &TypeMismatchError{Expected: pt.displayName(), Actual: "string"}

	case *Cell:
		if x == nil {
			return 0, nil
		}
		ct := resolve(f.reg, x.typ)
		if ct.Kind == KindPointer && sameType(f.reg, ct, pt) {
			return uintptr(loadUint(x.addr, ptrSize)), nil
		}
		// The cell's own address passes, C's &x. void* parameters accept any
		// cell, untyped (raw-allocated) cells pass to any pointer, and array
		// cells decay to a pointer to their first element.
		if pointee.Kind == KindVoid || ct.Kind == KindVoid || sameType(f.reg, ct, pointee) {
			return uintptr(x.addr), nil
		}
		if ct.Kind == KindArray && sameType(f.reg, resolve(f.reg, f.reg.mustGet(ct.Elem)), pointee) {
			return uintptr(x.addr), nil
		}
		return 0, &TypeMismatchError{Expected: pt.displayName(), Actual: x.typ.displayName()}

	case *Trampoline:
		if pointee.Kind != KindFunc && pointee.Kind != KindVoid {
			return 0, &TypeMismatchError{Expected: pt.displayName(), Actual: x.typ.spelling(f.reg)}
		}
		if pointee.Kind == KindFunc && !SameSignature(f.reg, pointee, x.typ) {
			return 0, &TypeMismatchError{Expected: pt.displayName(), Actual: x.typ.spelling(f.reg)}
		}
		return x.Code(), nil

	case map[string]any, []any:
		// Auto-box a literal into call-scoped native memory.
		if pointee.Size == 0 {
			return 0, &TypeMismatchError{Expected: pt.displayName(), Actual: fmt.Sprintf("%T", v)}
		}
		mem := cCalloc(1, pointee.Size)
		if mem == nil {
			return 0, errors.New("out of memory")
		}
		fr.temps = append(fr.temps, mem)
		if err := storeValue(f.reg, pointee, mem, v); err != nil {
			return 0, err
		}
		return uintptr(mem), nil
	}

	return 0, &TypeMismatchError{Expected: pt.displayName(), Actual: fmt.Sprintf("%T", v)}
}

// marshalVariadic converts one extra argument under the default promotions
// chosen by promotedFFIType.
func (f *Function) marshalVariadic(fr *callFrame, v any) (unsafe.Pointer, error) {
	slot := cMalloc(ptrSize)
	if slot == nil {
		return nil, errors.New("out of memory")
	}
	cMemset(slot, 0, ptrSize)

	switch x := v.(type) {
	case bool:
		var u uint64
		if x {
			u = 1
		}
		storeUint(slot, 4, u)
	case int, int8, int16, int32, int64:
		i, _ := asInt64(v)
		if i >= math.MinInt32 && i <= math.MaxInt32 {
			storeUint(slot, 4, uint64(i)&math.MaxUint32)
		} else {
			storeUint(slot, 8, uint64(i))
		}
	case uint8, uint16, uint32:
		u, _ := asUint64(v)
		storeUint(slot, 4, u)
	case uint, uint64:
		u, _ := asUint64(v)
		storeUint(slot, 8, u)
	case float32:
		storeUint(slot, 8, math.Float64bits(float64(x)))
	case float64:
		storeUint(slot, 8, math.Float64bits(x))
	case string:
		cs := cCString(x)
		fr.temps = append(fr.temps, cs)
		storeUint(slot, ptrSize, uint64(uintptr(cs)))
	case uintptr:
		storeUint(slot, ptrSize, uint64(x))
	case unsafe.Pointer:
		storeUint(slot, ptrSize, uint64(uintptr(x)))
	case *Cell:
		var addr uintptr
		if x != nil {
			addr = uintptr(x.addr)
		}
		storeUint(slot, ptrSize, uint64(addr))
	case *Trampoline:
		storeUint(slot, ptrSize, uint64(x.Code()))
	case nil:
		// NULL already in the zeroed slot
	default:
		cFree(slot)
		return nil, errors.New("cannot pass %T variadically", v)
	}
	return slot, nil
}

// marshalReturn converts the native return buffer into a host value. Pointer
// returns come back as an owned pointer-typed cell so the address can be
// dereferenced, indexed, or read as a C string.
func (f *Function) marshalReturn(rt *Type, buf unsafe.Pointer) (any, error) {
	switch rt.Kind {
	case KindVoid:
		return nil, nil
	case KindBool:
		return *(*byte)(buf) != 0, nil
	case KindInt:
		u := loadUint(buf, rt.Size)
		if rt.Signed {
			return signExtend(u, rt.Bits), nil
		}
		return u & mask(rt.Bits), nil
	case KindEnum:
		base := resolve(f.reg, f.reg.mustGet(rt.EnumBase))
		u := loadUint(buf, base.Size)
		if base.Signed {
			return signExtend(u, base.Bits), nil
		}
		return u & mask(base.Bits), nil
	case KindFloat:
		if rt.Bits == 32 {
			return float64(math.Float32frombits(uint32(loadUint(buf, 4)))), nil
		}
		return math.Float64frombits(loadUint(buf, 8)), nil
	case KindPointer:
		addr := uintptr(loadUint(buf, ptrSize))
		if addr == 0 {
			return nil, nil
		}
		c, err := AllocateCell(f.reg, rt.Key, nil)
		if err != nil {
			return nil, err
		}
		storeUint(c.addr, ptrSize, uint64(addr))
		return c, nil
	}
	return nil, errors.New("unsupported return type %s", rt.displayName())
}
