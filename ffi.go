//go:build linux
// +build linux

package luneffi

/*
#define _GNU_SOURCE
#cgo LDFLAGS: -ldl
#cgo pkg-config: libffi
#include <ffi.h>
#include <dlfcn.h>
#include <errno.h>
#include <pthread.h>
#include <stdlib.h>
#include <string.h>
#include <stdint.h> // uintptr_t

// ffi_call takes a typed function pointer; funnel the untyped void* through
// a cast here, where cgo cannot object.
static void lf_ffi_call(ffi_cif* cif, void* fn, void* rvalue, void** avalue) {
    ffi_call(cif, (void (*)(void))fn, rvalue, avalue);
}

// ffi_prep_cif_var needs a named static wrapper for cgo to resolve it.
static int lf_ffi_prep_cif_var(ffi_cif* cif, ffi_abi abi,
    unsigned int nfixedargs, unsigned int ntotalargs,
    ffi_type* rtype, ffi_type** atypes) {
  return ffi_prep_cif_var(cif, abi, nfixedargs, ntotalargs, rtype, atypes);
}

// cifs are cached across calls, so they live on the C heap rather than in a
// Go frame.
static ffi_cif* lf_alloc_cif(void) {
    return (ffi_cif*)malloc(sizeof(ffi_cif));
}

static void* lf_dlopen(const char* path) {
	return dlopen(path, RTLD_LAZY | RTLD_LOCAL);
}
static void* lf_dlopen_self(void) {
	return dlopen(NULL, RTLD_LAZY | RTLD_LOCAL);
}
static const char* lf_dlerror(void) {
	return dlerror();
}
static int lf_dlclose(void* h) {
	return dlclose(h);
}

// dlsym can legitimately return NULL for a present symbol, so the miss test
// is dlerror: clear it, resolve, and hand back whatever error it left.
static void* lf_dlsym_clear(void* h, const char* name, char** err) {
 	dlerror(); // clear
 	void* p = dlsym(h, name);
	char* e = dlerror();
 	if (e) { if (err) *err = e; return NULL; }
 	if (err) *err = NULL;
 	return p;
}

// thread-local errno slot
static int* lf_errno_loc(void) {
#if defined(__GLIBC__)
  extern int* __errno_location(void);
  return __errno_location();
#else
  return &errno;
#endif
}

// finalizer targets take void(*)(void*), the free()-shaped contract
typedef void (*lf_destructor_fn)(void*);
static inline void lf_call_destructor(void* fn, void* p) {
  ((lf_destructor_fn)fn)(p);
}

static uintptr_t lf_thread_self(void) {
  return (uintptr_t)pthread_self();
}

// -------- libffi closure helpers (callback trampolines) ----------
static void* lf_closure_alloc(void** executable) {
  return ffi_closure_alloc(sizeof(ffi_closure), executable);
}
static void lf_closure_free(void* closure) {
  ffi_closure_free((ffi_closure*)closure);
}

// The Go side of the closure thunk; user carries the trampoline's handle.
extern void lfTrampolineInvoke(void*, void*, uintptr_t);
static void lf_trampoline_thunk(ffi_cif* cif, void* ret, void** args, void* user) {
  (void)cif;
  lfTrampolineInvoke(ret, (void*)args, (uintptr_t)user);
}
static int lf_prep_closure(void* closure, ffi_cif* cif,
                           void* userdata, void* executable) {
  return ffi_prep_closure_loc((ffi_closure*)closure, cif,
                              lf_trampoline_thunk, userdata, executable);
}
*/
import "C"

import (
	"unsafe"

	"tlog.app/go/errors"
)

// Go-side wrappers. Every C.* reference stays in this file; the rest of the
// package works in unsafe.Pointer and uintptr.

// C heap
func cMalloc(n uintptr) unsafe.Pointer                    { return C.malloc(C.size_t(n)) }
func cCalloc(count, size uintptr) unsafe.Pointer          { return C.calloc(C.size_t(count), C.size_t(size)) }
func cRealloc(p unsafe.Pointer, n uintptr) unsafe.Pointer { return C.realloc(p, C.size_t(n)) }
func cFree(p unsafe.Pointer)                              { C.free(p) }
func cMemcpy(dst, src unsafe.Pointer, n uintptr)          { C.memcpy(dst, src, C.size_t(n)) }
func cMemset(dst unsafe.Pointer, b byte, n uintptr)       { C.memset(dst, C.int(int(b)), C.size_t(n)) }

// NUL-terminated string conversion
func cGoString(p unsafe.Pointer) string { return C.GoString((*C.char)(p)) }
func cCString(s string) unsafe.Pointer  { return unsafe.Pointer(C.CString(s)) }

// cCallDestructor invokes a native finalizer target; fn must be void(*)(void*).
func cCallDestructor(fn, p unsafe.Pointer) { C.lf_call_destructor(fn, p) }

// cThreadSelf identifies the current OS thread for trampoline re-entry checks.
func cThreadSelf() uintptr { return uintptr(C.lf_thread_self()) }

// dlerr drains dlerror into a Go string; a fallback label covers the case
// where the runtime reports failure but leaves no message.
func dlerr() string {
	errC := C.lf_dlerror()
	if errC != nil {
		return C.GoString(errC)
	}
	return "unknown dlerror"
}

// cDlopen opens a named library; empty path opens the calling process.
func cDlopen(path string) (unsafe.Pointer, error) {
	if path == "" {
		h := C.lf_dlopen_self()
		if h == nil {
			return nil, &LoadError{Path: path, SystemMessage: dlerr()}
		}
		return unsafe.Pointer(h), nil
	}
	cs := (*C.char)(cCString(path))
	defer C.free(unsafe.Pointer(cs))
	h := C.lf_dlopen(cs)
	if h == nil {
		return nil, &LoadError{Path: path, SystemMessage: dlerr()}
	}
	return unsafe.Pointer(h), nil
}

func cDlclose(h unsafe.Pointer) error {
	if int(C.lf_dlclose(h)) != 0 {
		return errors.New("dlclose failed: %v", dlerr())
	}
	return nil
}

func cDlsymClear(h unsafe.Pointer, name string) (unsafe.Pointer, error) {
	cs := (*C.char)(cCString(name))
	defer C.free(unsafe.Pointer(cs))
	var cerr *C.char
	p := C.lf_dlsym_clear(h, cs, &cerr)
	if cerr != nil {
		return nil, &SymbolNotFoundError{Name: name, SystemMessage: C.GoString(cerr)}
	}
	return p, nil
}

// errno access through the thread-local slot
func cErrnoGet() int  { return int(*C.lf_errno_loc()) }
func cErrnoSet(v int) { *C.lf_errno_loc() = C.int(v) }

// C-heap pointer vectors for argv and ffi_type lists, viewed as Go slices
func cAllocVoidPtrArray(n int) unsafe.Pointer {
	return C.malloc(C.size_t(n) * C.size_t(ptrSize))
}
func cVoidPtrSlice(mem unsafe.Pointer, n int) []unsafe.Pointer {
	return (*[1<<30 - 1]unsafe.Pointer)(mem)[:n:n]
}
func cAllocFFITypeArray(n int) unsafe.Pointer {
	return C.malloc(C.size_t(n) * C.size_t(ptrSize))
}
func cFFITypeSlice(mem unsafe.Pointer, n int) []*C.ffi_type {
	return (*[1<<30 - 1]*C.ffi_type)(mem)[:n:n]
}

// setFFITypeAt stores one opaque ffi_type* into a type vector slot.
func setFFITypeAt(mem unsafe.Pointer, idx int, ty unsafe.Pointer) {
	vec := cFFITypeSlice(mem, idx+1)
	vec[idx] = (*C.ffi_type)(ty)
}

// Opaque pointers to builtin ffi_type objects for variadic promotions.
func ffiTypeSint32Ptr() unsafe.Pointer  { return unsafe.Pointer(&C.ffi_type_sint32) }
func ffiTypeSint64Ptr() unsafe.Pointer  { return unsafe.Pointer(&C.ffi_type_sint64) }
func ffiTypeUint64Ptr() unsafe.Pointer  { return unsafe.Pointer(&C.ffi_type_uint64) }
func ffiTypeDoublePtr() unsafe.Pointer  { return unsafe.Pointer(&C.ffi_type_double) }
func ffiTypePointerPtr() unsafe.Pointer { return unsafe.Pointer(&C.ffi_type_pointer) }

// ffiTypeFor maps a descriptor onto the libffi type object used to pass it.
// Aggregates pass by pointer in this engine; a by-value aggregate in a
// prototype is reported at CIF preparation time.
func ffiTypeFor(r *Registry, key string) (*C.ffi_type, error) {
	t := resolve(r, r.mustGet(key))
	switch t.Kind {
	case KindVoid:
		return &C.ffi_type_void, nil
	case KindBool:
		return &C.ffi_type_uint8, nil
	case KindInt:
		switch t.Bits {
		case 8:
			if t.Signed {
				return &C.ffi_type_sint8, nil
			}
			return &C.ffi_type_uint8, nil
		case 16:
			if t.Signed {
				return &C.ffi_type_sint16, nil
			}
			return &C.ffi_type_uint16, nil
		case 32:
			if t.Signed {
				return &C.ffi_type_sint32, nil
			}
			return &C.ffi_type_uint32, nil
		case 64:
			if t.Signed {
				return &C.ffi_type_sint64, nil
			}
			return &C.ffi_type_uint64, nil
		}
		return nil, errors.New("int width %v not supported", t.Bits)
	case KindFloat:
		switch t.Bits {
		case 32:
			return &C.ffi_type_float, nil
		case 64:
			return &C.ffi_type_double, nil
		}
		return nil, errors.New("float width %v not supported", t.Bits)
	case KindEnum:
		return ffiTypeFor(r, t.EnumBase)
	case KindPointer, KindFunc:
		return &C.ffi_type_pointer, nil
	case KindArray, KindStruct, KindUnion:
		return nil, errors.New("aggregate by value not supported; pass a pointer")
	}
	return nil, errors.New("unhandled kind %v", t.Kind)
}

// ffiReturnTypePtr exposes ffiTypeFor as an opaque pointer for callers
// outside this file.
func ffiReturnTypePtr(r *Registry, key string) (unsafe.Pointer, error) {
	t, err := ffiTypeFor(r, key)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(t), nil
}

// fillFFITypesFromKeys fills a ffi_type** vector from registry keys.
func fillFFITypesFromKeys(r *Registry, mem unsafe.Pointer, keys []string) error {
	vec := cFFITypeSlice(mem, len(keys))
	for i, k := range keys {
		t, err := ffiTypeFor(r, k)
		if err != nil {
			return errors.Wrap(err, "param %v", i)
		}
		vec[i] = t
	}
	return nil
}

// prepCIF allocates a C-heap cif and a C-heap ffi_type** argv vector for a
// fixed-arity prototype. The caller frees both (cFree) when done with them.
func prepCIF(r *Registry, ret string, params []string) (unsafe.Pointer, unsafe.Pointer, error) {
	rty, err := ffiTypeFor(r, ret)
	if err != nil {
		return nil, nil, errors.Wrap(err, "return")
	}
	n := len(params)
	var typesMem unsafe.Pointer
	if n > 0 {
		typesMem = cAllocFFITypeArray(n)
		if typesMem == nil {
			return nil, nil, errors.New("ffi_prep_cif: out of memory")
		}
		if err := fillFFITypesFromKeys(r, typesMem, params); err != nil {
			cFree(typesMem)
			return nil, nil, err
		}
	}
	cf := C.lf_alloc_cif()
	if cf == nil {
		if typesMem != nil {
			cFree(typesMem)
		}
		return nil, nil, errors.New("ffi_prep_cif: out of memory")
	}
	st := C.ffi_prep_cif(cf, C.FFI_DEFAULT_ABI, C.uint(n), rty, (**C.ffi_type)(typesMem))
	if st != C.FFI_OK {
		cFree(unsafe.Pointer(cf))
		if typesMem != nil {
			cFree(typesMem)
		}
		return nil, nil, errors.New("ffi_prep_cif failed: %v", int(st))
	}
	return unsafe.Pointer(cf), typesMem, nil
}

// prepVarCIF prepares a variadic call interface: nfixed declared parameters,
// ntotal buffers, with a caller-built type vector.
func prepVarCIF(r *Registry, ret string, nfixed, ntotal int, typesMem unsafe.Pointer) (unsafe.Pointer, error) {
	rty, err := ffiTypeFor(r, ret)
	if err != nil {
		return nil, errors.Wrap(err, "return")
	}
	cf := C.lf_alloc_cif()
	if cf == nil {
		return nil, errors.New("ffi_prep_cif_var: out of memory")
	}
	st := C.lf_ffi_prep_cif_var(cf, C.FFI_DEFAULT_ABI, C.uint(nfixed), C.uint(ntotal), rty, (**C.ffi_type)(typesMem))
	if st != C.FFI_OK {
		cFree(unsafe.Pointer(cf))
		return nil, errors.New("ffi_prep_cif_var failed: %v", int(st))
	}
	return unsafe.Pointer(cf), nil
}

// cFFICall performs the prepared native call. Faults inside the callee are
// native undefined behavior, outside this layer's recovery contract.
func cFFICall(cif, fn, rvalue, argv unsafe.Pointer) {
	C.lf_ffi_call((*C.ffi_cif)(cif), fn, rvalue, (*unsafe.Pointer)(argv))
}

// ensureFuncCIF lazily prepares the callback-side CIF cached on a function
// descriptor. The allocation lives for the registry's lifetime, like the
// descriptor itself.
func ensureFuncCIF(r *Registry, ft *Type) error {
	if ft.Kind != KindFunc {
		return errors.New("internal: ensureFuncCIF on %v", ft.Kind)
	}
	if ft.cbCIF != 0 {
		return nil
	}
	cf, tv, err := prepCIF(r, ft.Ret, ft.Params)
	if err != nil {
		return err
	}
	ft.cbCIF = uintptr(cf)
	ft.cbTypesVec = uintptr(tv)
	return nil
}

// closure allocation for trampolines
func cClosureAlloc() (closure, executable unsafe.Pointer) {
	var exec unsafe.Pointer
	cl := C.lf_closure_alloc((*unsafe.Pointer)(unsafe.Pointer(&exec)))
	return cl, exec
}

func cClosureFree(closure unsafe.Pointer) { C.lf_closure_free(closure) }

func cPrepClosure(closure unsafe.Pointer, cif uintptr, userdata uintptr, executable unsafe.Pointer) error {
	st := C.lf_prep_closure(closure, (*C.ffi_cif)(unsafe.Pointer(cif)), unsafe.Pointer(userdata), executable)
	if st != C.FFI_OK {
		return errors.New("ffi_prep_closure_loc failed: %v", int(st))
	}
	return nil
}

//export lfTrampolineInvoke
func lfTrampolineInvoke(ret unsafe.Pointer, args unsafe.Pointer, user C.uintptr_t) {
	trampolineInvoke(ret, args, uintptr(user))
}
