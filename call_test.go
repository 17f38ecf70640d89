//go:build linux
// +build linux

package luneffi

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func libc(t *testing.T) (*FFI, *Library) {
	t.Helper()
	ffi := New()
	lib, err := ffi.OpenLibrary("libc.so.6")
	require.NoError(t, err)
	return ffi, lib
}

func TestCallStrlen(t *testing.T) {
	ffi, lib := libc(t)
	require.NoError(t, ffi.DefineTypes(`unsigned long strlen(const char* s);`))

	fn, err := ffi.BindFunction(lib, "strlen", "strlen")
	require.NoError(t, err)

	n, err := fn.Call("hello")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)

	n, err = fn.Call("")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}

func TestCallAbs(t *testing.T) {
	ffi, lib := libc(t)
	require.NoError(t, ffi.DefineTypes(`int abs(int v);`))

	fn, err := ffi.BindFunction(lib, "abs", "abs")
	require.NoError(t, err)

	v, err := fn.Call(-5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestCallHypot(t *testing.T) {
	ffi := New()
	libm, err := ffi.OpenLibrary("libm.so.6")
	require.NoError(t, err)
	require.NoError(t, ffi.DefineTypes(`double hypot(double x, double y);`))

	fn, err := ffi.BindFunction(libm, "hypot", "hypot")
	require.NoError(t, err)

	v, err := fn.Call(3.0, 4.0)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)
}

func TestCallArity(t *testing.T) {
	ffi, lib := libc(t)
	require.NoError(t, ffi.DefineTypes(`int abs(int v);`))

	fn, err := ffi.BindFunction(lib, "abs", "abs")
	require.NoError(t, err)

	var ae *ArityError
	_, err = fn.Call()
	require.Error(t, err)
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, 1, ae.Expected)
	assert.Equal(t, 0, ae.Actual)

	_, err = fn.Call(1, 2)
	require.Error(t, err)
	assert.True(t, errors.As(err, &ae))
}

func TestCallVariadicSnprintf(t *testing.T) {
	ffi, lib := libc(t)
	require.NoError(t, ffi.DefineTypes(`int snprintf(char* buf, unsigned long n, const char* fmt, ...);`))

	fn, err := ffi.BindFunction(lib, "snprintf", "snprintf")
	require.NoError(t, err)

	buf, err := ffi.Allocate("char[64]", nil)
	require.NoError(t, err)

	n, err := fn.Call(buf, 64, "%d-%s", 42, "ok")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	s, err := buf.ReadCString()
	require.NoError(t, err)
	assert.Equal(t, "42-ok", s)

	// Variadic calls still enforce the fixed-parameter minimum.
	var ae *ArityError
	_, err = fn.Call(buf, 64)
	require.Error(t, err)
	require.True(t, errors.As(err, &ae))
	assert.True(t, ae.Variadic)

	// Doubles promote; %f formats them back out.
	n, err = fn.Call(buf, 64, "%.1f", 2.5)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	s, _ = buf.ReadCString()
	assert.Equal(t, "2.5", s)
}

func TestCallPointerReturn(t *testing.T) {
	ffi, lib := libc(t)
	require.NoError(t, ffi.DefineTypes(`char* getenv(const char* name);`))

	fn, err := ffi.BindFunction(lib, "getenv", "getenv")
	require.NoError(t, err)

	t.Setenv("LUNEFFI_TEST_VAR", "present")

	res, err := fn.Call("LUNEFFI_TEST_VAR")
	require.NoError(t, err)
	require.NotNil(t, res)

	cell, ok := res.(*Cell)
	require.True(t, ok)
	s, err := cell.ReadCString()
	require.NoError(t, err)
	assert.Equal(t, "present", s)

	// NULL comes back as a nil result.
	res, err = fn.Call("LUNEFFI_DEFINITELY_UNSET_VAR")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestCallStructPointerReturn(t *testing.T) {
	ffi, lib := libc(t)
	require.NoError(t, ffi.DefineTypes(`
		struct tm {
			int tm_sec; int tm_min; int tm_hour;
			int tm_mday; int tm_mon; int tm_year;
			int tm_wday; int tm_yday; int tm_isdst;
			long tm_gmtoff;
			const char* tm_zone;
		};
		struct tm* gmtime(const long* t);
	`))

	fn, err := ffi.BindFunction(lib, "gmtime", "gmtime")
	require.NoError(t, err)

	epoch, err := ffi.Allocate("long", 0)
	require.NoError(t, err)

	res, err := fn.Call(epoch)
	require.NoError(t, err)
	ptr, ok := res.(*Cell)
	require.True(t, ok)

	tm, err := ptr.Deref()
	require.NoError(t, err)

	year, err := tm.ReadField("tm_year")
	require.NoError(t, err)
	assert.Equal(t, int64(70), year, "Unix epoch is 1970")

	mday, err := tm.ReadField("tm_mday")
	require.NoError(t, err)
	assert.Equal(t, int64(1), mday)
}

func TestCallAutoBoxedAggregate(t *testing.T) {
	ffi, lib := libc(t)
	require.NoError(t, ffi.DefineTypes(`
		struct timeval { long tv_sec; long tv_usec; };
		int gettimeofday(struct timeval* tv, void* tz);
	`))

	fn, err := ffi.BindFunction(lib, "gettimeofday", "gettimeofday")
	require.NoError(t, err)

	// An owned cell receives the out-parameter.
	tv, err := ffi.Allocate("struct timeval", nil)
	require.NoError(t, err)

	ret, err := fn.Call(tv, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ret)

	sec, err := tv.ReadField("tv_sec")
	require.NoError(t, err)
	assert.Greater(t, sec.(int64), int64(0))
}

func TestCallErrno(t *testing.T) {
	ffi, lib := libc(t)
	require.NoError(t, ffi.DefineTypes(`int chdir(const char* path);`))

	fn, err := ffi.BindFunction(lib, "chdir", "chdir")
	require.NoError(t, err)

	ret, err := fn.Call("/luneffi-definitely-no-such-directory")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), ret)
	assert.Equal(t, 2, fn.Errno(), "ENOENT")
}

func TestCallTypeMismatch(t *testing.T) {
	ffi, lib := libc(t)
	require.NoError(t, ffi.DefineTypes(`unsigned long strlen(const char* s);`))

	fn, err := ffi.BindFunction(lib, "strlen", "strlen")
	require.NoError(t, err)

	var tm *TypeMismatchError
	_, err = fn.Call(3.14)
	require.Error(t, err)
	assert.True(t, errors.As(err, &tm))
}

func TestBindErrors(t *testing.T) {
	ffi, lib := libc(t)
	require.NoError(t, ffi.DefineTypes(`int abs(int v);`))

	var snf *SymbolNotFoundError
	_, err := ffi.BindFunction(lib, "luneffi_definitely_not_a_symbol", "abs")
	require.Error(t, err)
	assert.True(t, errors.As(err, &snf))

	_, err = ffi.BindFunction(lib, "abs", "int")
	require.Error(t, err, "binding to a non-function type must fail")
}
