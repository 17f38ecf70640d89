//go:build linux
// +build linux

package luneffi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tlog.app/go/errors"
)

func TestQsortCallback(t *testing.T) {
	ffi, lib := libc(t)
	require.NoError(t, ffi.DefineTypes(`
		typedef int cmp_fn(const void* a, const void* b);
		void qsort(void* base, unsigned long n, unsigned long width, int (*cmp)(const void*, const void*));
	`))

	arr, err := ffi.Allocate("int[5]", []any{5, 3, 1, 4, 2})
	require.NoError(t, err)

	calls := 0
	tr, err := ffi.WrapCallback("cmp_fn", func(args []any) (any, error) {
		calls++
		av, err := args[0].(*Cell).Read()
		if err != nil {
			return nil, err
		}
		bv, err := args[1].(*Cell).Read()
		if err != nil {
			return nil, err
		}
		ac, err := ffi.CastAddress(av.(uintptr), "int")
		if err != nil {
			return nil, err
		}
		bc, err := ffi.CastAddress(bv.(uintptr), "int")
		if err != nil {
			return nil, err
		}
		a, _ := ac.Read()
		b, _ := bc.Read()
		return int(a.(int64) - b.(int64)), nil
	})
	require.NoError(t, err)
	defer tr.Free()

	fn, err := ffi.BindFunction(lib, "qsort", "qsort")
	require.NoError(t, err)

	_, err = fn.Call(arr, 5, 4, tr)
	require.NoError(t, err)
	assert.Greater(t, calls, 0, "comparator must have been entered")

	for i, want := range []int64{1, 2, 3, 4, 5} {
		e, err := arr.Index(i)
		require.NoError(t, err)
		v, err := e.Read()
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
}

func TestTrampolineRoundTrip(t *testing.T) {
	ffi := New()
	require.NoError(t, ffi.DefineTypes(`typedef int binop(int a, int b);`))

	tr, err := ffi.WrapCallback("binop", func(args []any) (any, error) {
		return args[0].(int64) + args[1].(int64), nil
	})
	require.NoError(t, err)
	defer tr.Free()

	// The trampoline's code address is a plain C function; call it back
	// through the bridge.
	fn, err := NewFunction(ffi.Types, tr.Pointer(), "binop")
	require.NoError(t, err)

	v, err := fn.Call(2, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	v, err = fn.Call(-10, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(-7), v)
}

func TestCallbackErrorReported(t *testing.T) {
	ffi := New()
	require.NoError(t, ffi.DefineTypes(`typedef int binop(int a, int b);`))

	prev := CallbackFailureHook
	defer func() { CallbackFailureHook = prev }()

	var reported any
	CallbackFailureHook = func(typeName string, reason any) { reported = reason }

	tr, err := ffi.WrapCallback("binop", func(args []any) (any, error) {
		return nil, errors.New("host refused")
	})
	require.NoError(t, err)
	defer tr.Free()

	fn, err := NewFunction(ffi.Types, tr.Pointer(), "binop")
	require.NoError(t, err)

	// The native side sees a zero return; the failure goes to the hook.
	v, err := fn.Call(1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
	require.NotNil(t, reported)
	assert.Contains(t, reported.(error).Error(), "host refused")
}

func TestCallbackPanicContained(t *testing.T) {
	ffi := New()
	require.NoError(t, ffi.DefineTypes(`typedef int unop(int a);`))

	prev := CallbackFailureHook
	defer func() { CallbackFailureHook = prev }()

	var reported any
	CallbackFailureHook = func(typeName string, reason any) { reported = reason }

	tr, err := ffi.WrapCallback("unop", func(args []any) (any, error) {
		panic("callback exploded")
	})
	require.NoError(t, err)
	defer tr.Free()

	fn, err := NewFunction(ffi.Types, tr.Pointer(), "unop")
	require.NoError(t, err)

	v, err := fn.Call(1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
	assert.Equal(t, "callback exploded", reported)
}

func TestWrapCallbackValidation(t *testing.T) {
	ffi := New()

	_, err := ffi.WrapCallback("int", func([]any) (any, error) { return 0, nil })
	assert.Error(t, err, "non-function type must be rejected")

	_, err = ffi.WrapCallback("no_such_fn_type", func([]any) (any, error) { return 0, nil })
	assert.Error(t, err)

	require.NoError(t, ffi.DefineTypes(`typedef int unop(int a);`))
	_, err = ffi.WrapCallback("unop", nil)
	assert.Error(t, err, "nil host function must be rejected")
}

func TestTrampolineFreeIdempotent(t *testing.T) {
	ffi := New()
	require.NoError(t, ffi.DefineTypes(`typedef int unop(int a);`))

	tr, err := ffi.WrapCallback("unop", func(args []any) (any, error) { return args[0], nil })
	require.NoError(t, err)

	tr.Free()
	tr.Free()
	assert.Zero(t, tr.Code())
}

func TestCallbackRejectedOutsideNativeCall(t *testing.T) {
	ffi := New()
	require.NoError(t, ffi.DefineTypes(`typedef int unop(int a);`))

	prev := CallbackFailureHook
	defer func() { CallbackFailureHook = prev }()

	var reported any
	CallbackFailureHook = func(typeName string, reason any) { reported = reason }

	entered := false
	tr, err := ffi.WrapCallback("unop", func(args []any) (any, error) {
		entered = true
		return args[0], nil
	})
	require.NoError(t, err)
	defer tr.Free()

	arg := cMalloc(4)
	defer cFree(arg)
	storeUint(arg, 4, 7)

	argv := cMalloc(ptrSize)
	defer cFree(argv)
	storeUint(argv, ptrSize, uint64(uintptr(arg)))

	ret := cMalloc(ptrSize)
	defer cFree(ret)
	cMemset(ret, 0xff, ptrSize)

	// Route the invocation in by hand, the way native code that stashed the
	// pointer and fired it from its own thread would arrive: no call of ours
	// is in flight on this thread.
	trampolineInvoke(ret, argv, uintptr(tr.handle))

	assert.False(t, entered, "host function must not run")
	require.NotNil(t, reported)
	assert.Contains(t, reported.(string), "outside an active native call")
	assert.Zero(t, loadUint(ret, ptrSize), "return slot is zeroed for the native caller")
}

func TestActiveCallRegistry(t *testing.T) {
	const tid = uintptr(0xfeed)

	assert.False(t, nativeCallActive(tid))
	enterNativeCall(tid)
	assert.True(t, nativeCallActive(tid))
	enterNativeCall(tid)
	leaveNativeCall(tid)
	assert.True(t, nativeCallActive(tid), "nested calls keep the thread active")
	leaveNativeCall(tid)
	assert.False(t, nativeCallActive(tid))
}
