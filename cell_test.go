//go:build linux
// +build linux

package luneffi

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalarRoundTrip(t *testing.T) {
	ffi := New()

	c, err := ffi.Allocate("int", 42)
	require.NoError(t, err)
	v, err := c.Read()
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	require.NoError(t, c.Write(-7))
	v, _ = c.Read()
	assert.Equal(t, int64(-7), v)

	d, err := ffi.Allocate("double", 3.5)
	require.NoError(t, err)
	v, _ = d.Read()
	assert.Equal(t, 3.5, v)

	b, err := ffi.Allocate("bool", true)
	require.NoError(t, err)
	v, _ = b.Read()
	assert.Equal(t, true, v)

	u, err := ffi.Allocate("unsigned char", 200)
	require.NoError(t, err)
	v, _ = u.Read()
	assert.Equal(t, uint64(200), v)
}

func TestScalarRangeChecks(t *testing.T) {
	ffi := New()

	c, err := ffi.Allocate("char", nil)
	require.NoError(t, err)

	var tm *TypeMismatchError
	err = c.Write(200) // signed char maxes out at 127
	require.Error(t, err)
	assert.True(t, errors.As(err, &tm))

	require.NoError(t, c.Write(-128))
	assert.Error(t, c.Write(-129))

	u, _ := ffi.Allocate("unsigned short", nil)
	assert.Error(t, u.Write(-1))
	assert.Error(t, u.Write(70000))
	assert.NoError(t, u.Write(65535))

	i, _ := ffi.Allocate("int", nil)
	assert.Error(t, i.Write("nope"))
	assert.Error(t, i.Write(1.5)) // non-integral float does not convert
	assert.NoError(t, i.Write(float64(3)))
}

func TestPointerCells(t *testing.T) {
	ffi := New()

	target, err := ffi.Allocate("int", 99)
	require.NoError(t, err)

	p, err := ffi.Allocate("int*", target)
	require.NoError(t, err)

	addr, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, target.Addr(), addr)

	deref, err := p.Deref()
	require.NoError(t, err)
	v, err := deref.Read()
	require.NoError(t, err)
	assert.Equal(t, int64(99), v)

	require.NoError(t, p.Write(nil))
	_, err = p.Deref()
	assert.Error(t, err)
}

func TestStructCells(t *testing.T) {
	ffi := New()
	require.NoError(t, ffi.DefineTypes(`struct point { int x; double y; };`))

	c, err := ffi.Allocate("struct point", map[string]any{"x": 3, "y": 4.5})
	require.NoError(t, err)

	x, err := c.ReadField("x")
	require.NoError(t, err)
	assert.Equal(t, int64(3), x)

	y, err := c.ReadField("y")
	require.NoError(t, err)
	assert.Equal(t, 4.5, y)

	require.NoError(t, c.WriteField("x", -1))
	x, _ = c.ReadField("x")
	assert.Equal(t, int64(-1), x)

	// Member views alias the same storage.
	fx, err := c.Field("x")
	require.NoError(t, err)
	require.NoError(t, fx.Write(10))
	x, _ = c.ReadField("x")
	assert.Equal(t, int64(10), x)

	_, err = c.Field("nope")
	assert.Error(t, err)
}

func TestBitfieldCells(t *testing.T) {
	ffi := New()
	require.NoError(t, ffi.DefineTypes(`struct bf { int a : 3; unsigned int b : 5; };`))

	c, err := ffi.Allocate("struct bf", nil)
	require.NoError(t, err)

	require.NoError(t, c.WriteField("a", -2))
	require.NoError(t, c.WriteField("b", 19))

	a, err := c.ReadField("a")
	require.NoError(t, err)
	assert.Equal(t, int64(-2), a, "signed bitfields sign-extend")

	b, err := c.ReadField("b")
	require.NoError(t, err)
	assert.Equal(t, uint64(19), b)

	// Neighbors must not clobber each other.
	require.NoError(t, c.WriteField("a", 3))
	b, _ = c.ReadField("b")
	assert.Equal(t, uint64(19), b)

	// Range checks at the declared width.
	assert.Error(t, c.WriteField("a", 4))   // 3-bit signed tops out at 3... at -4..3, 4 is out
	assert.Error(t, c.WriteField("b", 32))  // 5-bit unsigned tops out at 31
	assert.NoError(t, c.WriteField("a", -4))

	// Bitfields are not addressable.
	_, err = c.Field("a")
	assert.Error(t, err)
}

func TestArrayCells(t *testing.T) {
	ffi := New()
	require.NoError(t, ffi.DefineTypes(`typedef int quad[4];`))

	c, err := ffi.Allocate("quad", []any{1, 2, 3, 4})
	require.NoError(t, err)

	e, err := c.Index(2)
	require.NoError(t, err)
	v, _ := e.Read()
	assert.Equal(t, int64(3), v)

	var be *BoundsError
	_, err = c.Index(4)
	require.Error(t, err)
	assert.True(t, errors.As(err, &be))

	_, err = c.Index(-1)
	assert.Error(t, err)

	_, err = ffi.Allocate("quad", []any{1, 2, 3, 4, 5})
	assert.Error(t, err, "oversized initializer must be rejected")
}

func TestCellAdd(t *testing.T) {
	ffi := New()

	c, err := ffi.Allocate("int[4]", []any{10, 20, 30, 40})
	require.NoError(t, err)

	first, err := c.Index(0)
	require.NoError(t, err)

	third, err := first.Add(2)
	require.NoError(t, err)
	v, err := third.Read()
	require.NoError(t, err)
	assert.Equal(t, int64(30), v)
	assert.Equal(t, first.Addr()+8, third.Addr(), "stride is sizeof(int)")
}

func TestCellAddStaysInExtent(t *testing.T) {
	ffi := New()

	c, err := ffi.Allocate("int", 7)
	require.NoError(t, err)

	var be *BoundsError
	_, err = c.Add(-1)
	require.ErrorAs(t, err, &be, "backward move off an owned cell")

	_, err = c.Add(1)
	require.ErrorAs(t, err, &be, "forward move past the extent")

	same, err := c.Add(0)
	require.NoError(t, err)
	assert.Equal(t, c.Addr(), same.Addr())

	// Borrowed views are unchecked; both directions are plain pointer math.
	arr, err := ffi.Allocate("int[4]", []any{1, 2, 3, 4})
	require.NoError(t, err)
	second, err := arr.Index(1)
	require.NoError(t, err)
	back, err := second.Add(-1)
	require.NoError(t, err)
	v, err := back.Read()
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestBoundsChecking(t *testing.T) {
	ffi := New()

	small, err := ffi.Malloc(4)
	require.NoError(t, err)

	big, err := ffi.Malloc(16)
	require.NoError(t, err)

	var be *BoundsError
	err = ffi.Copy(small, big, 16)
	require.Error(t, err)
	require.True(t, errors.As(err, &be))
	assert.Equal(t, uintptr(16), be.Length)
	assert.Equal(t, uintptr(4), be.Extent)

	assert.NoError(t, ffi.Copy(small, big, 4))
	assert.Error(t, ffi.Fill(small, 0xff, 5))
	assert.NoError(t, ffi.Fill(small, 0xff, 4))
}

func TestCast(t *testing.T) {
	ffi := New()

	raw, err := ffi.Malloc(8)
	require.NoError(t, err)
	require.NoError(t, ffi.Fill(raw, 0, 8))

	i, err := ffi.Cast(raw, "uint64_t")
	require.NoError(t, err)
	require.NoError(t, i.Write(uint64(0xdeadbeef)))

	lo, err := ffi.Cast(raw, "uint32_t")
	require.NoError(t, err)
	v, err := lo.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), v)

	assert.Equal(t, Borrowed, i.Ownership())
	assert.Equal(t, Owned, raw.Ownership())
}

func TestReadCString(t *testing.T) {
	ffi := New()

	buf, err := ffi.Allocate("char[8]", []any{'h', 'i', 0})
	require.NoError(t, err)

	s, err := buf.ReadCString()
	require.NoError(t, err)
	assert.Equal(t, "hi", s)

	// Unterminated content stops at the declared length.
	full, err := ffi.Allocate("char[3]", []any{'a', 'b', 'c'})
	require.NoError(t, err)
	s, err = full.ReadCString()
	require.NoError(t, err)
	assert.Equal(t, "abc", s)

	i, _ := ffi.Allocate("int", 0)
	_, err = i.ReadCString()
	assert.Error(t, err)
}

func TestFreeAndDetach(t *testing.T) {
	ffi := New()

	c, err := ffi.Allocate("int", 1)
	require.NoError(t, err)
	require.NoError(t, c.Free())
	assert.NoError(t, c.Free(), "double free is a no-op")
	assert.Error(t, c.Write(2), "freed cell rejects access")

	d, err := ffi.Allocate("int", 1)
	require.NoError(t, err)
	addr := d.Detach()
	assert.NotZero(t, addr)
	assert.Equal(t, Borrowed, d.Ownership())
	// Detached memory is ours to free now.
	cFree(d.addr)
}

func TestFinalizerLastWinsRunsOnce(t *testing.T) {
	ffi := New()

	c, err := ffi.Allocate("int", 0)
	require.NoError(t, err)

	first, second := 0, 0
	require.NoError(t, c.AttachFinalizer(func(*Cell) { first++ }))
	require.NoError(t, c.AttachFinalizer(func(*Cell) { second++ }))

	require.NoError(t, c.Free())
	require.NoError(t, c.Free())

	assert.Equal(t, 0, first, "replaced finalizer must never run")
	assert.Equal(t, 1, second, "finalizer runs exactly once")
}

func TestFinalizerPanicReported(t *testing.T) {
	ffi := New()

	c, err := ffi.Allocate("int", 0)
	require.NoError(t, err)

	prev := FinalizerFailureHook
	defer func() { FinalizerFailureHook = prev }()

	var reported any
	FinalizerFailureHook = func(addr uintptr, recovered any) { reported = recovered }

	require.NoError(t, c.AttachFinalizer(func(*Cell) { panic("boom") }))
	require.NoError(t, c.Free())
	assert.Equal(t, "boom", reported)
}

func TestReallocMigratesFinalizer(t *testing.T) {
	ffi := New()

	c, err := ffi.Malloc(8)
	require.NoError(t, err)
	require.NoError(t, ffi.Fill(c, 0xab, 8))

	ran := 0
	require.NoError(t, c.AttachFinalizer(func(*Cell) { ran++ }))

	require.NoError(t, ffi.Realloc(c, 1<<20))
	assert.Equal(t, uintptr(1<<20), c.Extent())

	// Content survives the resize.
	b, err := ffi.Cast(c, "unsigned char")
	require.NoError(t, err)
	v, err := b.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(0xab), v)

	require.NoError(t, c.Free())
	assert.Equal(t, 1, ran, "finalizer follows the block across realloc")
}

func TestDisplayBehavior(t *testing.T) {
	ffi := New()
	require.NoError(t, ffi.DefineTypes(`typedef int fd_t;`))

	require.NoError(t, ffi.AttachDisplayBehavior("fd_t", &DisplayBehavior{
		Show: func(c *Cell) string {
			v, _ := c.Read()
			return fmt.Sprintf("fd(%v)", v)
		},
		Eq: func(a, b *Cell) bool {
			av, _ := a.Read()
			bv, _ := b.Read()
			return av == bv
		},
	}))

	a, err := ffi.Allocate("fd_t", 3)
	require.NoError(t, err)
	b, err := ffi.Allocate("fd_t", 3)
	require.NoError(t, err)

	assert.Equal(t, "fd(3)", a.String())
	assert.True(t, a.Equal(b), "Eq hook compares by value")

	// Without a hook, equality is identity.
	x, _ := ffi.Allocate("int", 3)
	y, _ := ffi.Allocate("int", 3)
	assert.False(t, x.Equal(y))

	assert.Error(t, ffi.AttachDisplayBehavior("no_such_type", &DisplayBehavior{}))
}

func TestSizeQueries(t *testing.T) {
	ffi := New()
	require.NoError(t, ffi.DefineTypes(`struct mixed { int a; double b; };`))

	n, err := ffi.SizeOf("struct mixed")
	require.NoError(t, err)
	assert.Equal(t, uintptr(16), n)

	a, err := ffi.AlignOf("struct mixed")
	require.NoError(t, err)
	assert.Equal(t, uintptr(8), a)

	off, err := ffi.OffsetOf("struct mixed", "b")
	require.NoError(t, err)
	assert.Equal(t, uintptr(8), off)
}
