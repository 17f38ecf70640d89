//go:build linux
// +build linux

package luneffi

import (
	"fmt"
	"runtime"
	"runtime/cgo"
	"sync"
	"unsafe"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

// Trampoline is a native-callable code address backed by a host function.
// Native code receives a plain function pointer; invocations are routed back
// through the closure into the host function with arguments converted the
// same way call returns are.
//
// A trampoline holds a strong reference to its host function for as long as
// it lives, so the function cannot be collected while native code still holds
// the pointer. Free releases the closure; invoking a freed trampoline is
// reported through CallbackFailureHook and returns a zero value.
type Trampoline struct {
	reg *Registry
	typ *Type
	fn  func(args []any) (any, error)

	handle  cgo.Handle
	closure unsafe.Pointer
	code    unsafe.Pointer
	freed   bool
}

// CallbackFailureHook receives failures that surface inside a native-to-host
// transition, where no host caller exists to return an error to: panics in
// the host function, invocations of freed trampolines, and invocations
// arriving outside any active native call. The return slot is zeroed before
// the hook runs.
var CallbackFailureHook = func(typeName string, reason any) {
	tlog.Printw("callback failed", "type", typeName, "reason", reason)
}

// WrapCallback builds a trampoline for the named function type around a host
// function. typeName must resolve to a function descriptor (a typedef of one,
// or a spelling like "int(*)(void*,void*)").
func WrapCallback(r *Registry, typeName string, fn func(args []any) (any, error)) (*Trampoline, error) {
	if fn == nil {
		return nil, errors.New("nil callback function")
	}
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

	r.mu.Lock()
	err = ensureFuncCIF(r, ft)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	closure, code := cClosureAlloc()
	if closure == nil {
		return nil, errors.New("out of memory allocating closure")
	}

	tr := &Trampoline{reg: r, typ: ft, fn: fn, closure: closure, code: code}
	tr.handle = cgo.NewHandle(tr)

	if err := cPrepClosure(closure, ft.cbCIF, uintptr(tr.handle), code); err != nil {
		tr.handle.Delete()
		cClosureFree(closure)
		return nil, err
	}
	runtime.SetFinalizer(tr, (*Trampoline).collect)

	tlog.V("callbacks").Printw("trampoline created", "type", ft.displayName(), "code", tlog.FormatNext("%#x"), uintptr(code))

	return tr, nil
}

// Code returns the native-callable address.
func (tr *Trampoline) Code() uintptr { return uintptr(tr.code) }

// Pointer returns the native-callable address for use as a pointer argument.
func (tr *Trampoline) Pointer() unsafe.Pointer { return tr.code }

func (tr *Trampoline) Type() *Type { return tr.typ }

// Free releases the closure. Native code must not call the pointer after
// this; a late invocation is reported and answered with a zero value while
// the handle is still registered, and is undefined once it is not.
func (tr *Trampoline) Free() {
	if tr.freed {
		return
	}
	tr.freed = true
	runtime.SetFinalizer(tr, nil)
	tr.handle.Delete()
	cClosureFree(tr.closure)
	tr.closure = nil
	tr.code = nil
}

func (tr *Trampoline) collect() {
	if !tr.freed {
		tr.freed = true
		tr.handle.Delete()
		cClosureFree(tr.closure)
	}
}

// -------------------------
// active-call thread registry
// -------------------------

// Trampolines may only be entered while this engine has a native call in
// flight on the invoking OS thread. That admits the synchronous case (qsort
// calling its comparator) and rejects native code that stashed the pointer
// and fires it later from its own thread, where no host stack exists to
// receive a failure.
var activeCalls struct {
	mu    sync.Mutex
	depth map[uintptr]int
}

func enterNativeCall(tid uintptr) {
	activeCalls.mu.Lock()
	if activeCalls.depth == nil {
		activeCalls.depth = make(map[uintptr]int)
	}
	activeCalls.depth[tid]++
	activeCalls.mu.Unlock()
}

func leaveNativeCall(tid uintptr) {
	activeCalls.mu.Lock()
	activeCalls.depth[tid]--
	if activeCalls.depth[tid] <= 0 {
		delete(activeCalls.depth, tid)
	}
	activeCalls.mu.Unlock()
}

func nativeCallActive(tid uintptr) bool {
	activeCalls.mu.Lock()
	defer activeCalls.mu.Unlock()
	return activeCalls.depth[tid] > 0
}

// trampolineInvoke is the Go side of the closure thunk. ret points at the
// return buffer, rawArgs at the void** argument vector, user is the cgo
// handle of the trampoline.
func trampolineInvoke(ret unsafe.Pointer, rawArgs unsafe.Pointer, user uintptr) {
	tr, ok := cgo.Handle(user).Value().(*Trampoline)
	if !ok {
		return
	}

	rt := resolve(tr.reg, tr.reg.mustGet(tr.typ.Ret))
	zeroClosureReturn(rt, ret)

	if tr.freed {
		CallbackFailureHook(tr.typ.displayName(), "invoked after free")
		return
	}
	if !nativeCallActive(cThreadSelf()) {
		CallbackFailureHook(tr.typ.displayName(), "invoked outside an active native call")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			zeroClosureReturn(rt, ret)
			CallbackFailureHook(tr.typ.displayName(), r)
		}
	}()

	n := len(tr.typ.Params)
	var argv []unsafe.Pointer
	if n > 0 {
		argv = cVoidPtrSlice(rawArgs, n)
	}
	args := make([]any, n)
	for i := 0; i < n; i++ {
		pt := tr.reg.mustGet(tr.typ.Params[i])
		rpt := resolve(tr.reg, pt)
		if rpt.Kind == KindPointer {
			// Deliver pointer arguments as borrowed cells over the argument
			// slot, so the host can Deref or Index without a cast.
			args[i] = &Cell{reg: tr.reg, typ: pt, addr: argv[i], own: Borrowed}
			continue
		}
		v, err := (&Cell{reg: tr.reg, typ: pt, addr: argv[i], own: Borrowed}).Read()
		if err != nil {
			CallbackFailureHook(tr.typ.displayName(), err)
			return
		}
		args[i] = v
	}

	res, err := tr.fn(args)
	if err != nil {
		CallbackFailureHook(tr.typ.displayName(), err)
		return
	}
	if rt.Kind == KindVoid || res == nil {
		return
	}
	if err := writeClosureReturn(tr.reg, rt, ret, res); err != nil {
		zeroClosureReturn(rt, ret)
		CallbackFailureHook(tr.typ.displayName(), err)
	}
}

// zeroClosureReturn clears the closure return buffer. Integral returns
// narrower than ffi_arg occupy a widened slot, so a full pointer-sized clear
// covers every scalar case.
func zeroClosureReturn(rt *Type, ret unsafe.Pointer) {
	if rt.Kind == KindVoid || ret == nil {
		return
	}
	n := rt.Size
	if n < ptrSize {
		n = ptrSize
	}
	cMemset(ret, 0, n)
}

// writeClosureReturn stores the host return value into the closure buffer.
// Integral values are widened to a full ffi_arg slot with the correct
// extension, per the closure return convention; floats write at their
// natural width.
func writeClosureReturn(r *Registry, rt *Type, ret unsafe.Pointer, v any) error {
	switch rt.Kind {
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return &TypeMismatchError{Expected: "bool", Actual: fmt.Sprintf("%T", v)}
		}
		var u uint64
		if b {
			u = 1
		}
		storeUint(ret, ptrSize, u)
		return nil

	case KindInt, KindEnum:
		it := rt
		if rt.Kind == KindEnum {
			it = resolve(r, r.mustGet(rt.EnumBase))
		}
		// Range check at the declared width, then widen.
		if err := storeInt(it, ret, v); err != nil {
			return err
		}
		u := loadUint(ret, it.Size)
		if it.Signed {
			storeUint(ret, ptrSize, uint64(signExtend(u, it.Bits)))
		} else {
			storeUint(ret, ptrSize, u)
		}
		return nil

	case KindFloat, KindPointer:
		return storeValue(r, rt, ret, v)
	}
	return errors.New("unsupported callback return type %s", rt.displayName())
}
