package luneffi

import (
	"errors"
	"strings"
	"testing"
)

// ===== helpers =====

func defOK(t *testing.T, r *Registry, src string) {
	t.Helper()
	if err := r.DefineTypes(src); err != nil {
		t.Fatalf("want OK, got err: %v\nsrc:\n%s", err, src)
	}
}

func defErr(t *testing.T, r *Registry, contains, src string) error {
	t.Helper()
	err := r.DefineTypes(src)
	if err == nil {
		t.Fatalf("want error containing %q, got OK\nsrc:\n%s", contains, src)
	}
	if !strings.Contains(err.Error(), contains) {
		t.Fatalf("want error containing %q, got: %v\nsrc:\n%s", contains, err, src)
	}
	return err
}

func sizeIs(t *testing.T, r *Registry, name string, want uintptr) {
	t.Helper()
	n, err := r.SizeOf(name)
	if err != nil {
		t.Fatalf("sizeof %s: %v", name, err)
	}
	if n != want {
		t.Fatalf("sizeof %s: want %d, got %d", name, want, n)
	}
}

func offsetIs(t *testing.T, r *Registry, name, field string, want uintptr) {
	t.Helper()
	n, err := r.OffsetOf(name, field)
	if err != nil {
		t.Fatalf("offsetof %s.%s: %v", name, field, err)
	}
	if n != want {
		t.Fatalf("offsetof %s.%s: want %d, got %d", name, field, want, n)
	}
}

// ===== primitives =====

func TestPrimitiveWidths(t *testing.T) {
	r := NewRegistry()

	sizeIs(t, r, "char", 1)
	sizeIs(t, r, "short", 2)
	sizeIs(t, r, "int", 4)
	sizeIs(t, r, "long", ptrSize)
	sizeIs(t, r, "long long", 8)
	sizeIs(t, r, "float", 4)
	sizeIs(t, r, "double", 8)
	sizeIs(t, r, "size_t", ptrSize)
	sizeIs(t, r, "void*", ptrSize)
	sizeIs(t, r, "uint64_t", 8)
}

func TestPrimitiveCombos(t *testing.T) {
	r := NewRegistry()
	defOK(t, r, `
		typedef unsigned long long int u64;
		typedef signed char i8;
		typedef unsigned u32;
		typedef long int nl;
	`)

	sizeIs(t, r, "u64", 8)
	sizeIs(t, r, "i8", 1)
	sizeIs(t, r, "u32", 4)
	sizeIs(t, r, "nl", ptrSize)

	defErr(t, r, "long double", `typedef long double x;`)
	defErr(t, r, "invalid type specifier", `typedef short long x;`)
}

// ===== struct layout =====

func TestStructLayout(t *testing.T) {
	r := NewRegistry()
	defOK(t, r, `struct mixed { int a; double b; };`)

	offsetIs(t, r, "struct mixed", "a", 0)
	offsetIs(t, r, "struct mixed", "b", 8)
	sizeIs(t, r, "struct mixed", 16)

	al, err := r.AlignOf("struct mixed")
	if err != nil || al != 8 {
		t.Fatalf("alignof: want 8, got %d (%v)", al, err)
	}
}

func TestStructTailPadding(t *testing.T) {
	r := NewRegistry()
	defOK(t, r, `struct pad { char c; int i; char d; };`)

	offsetIs(t, r, "struct pad", "c", 0)
	offsetIs(t, r, "struct pad", "i", 4)
	offsetIs(t, r, "struct pad", "d", 8)
	sizeIs(t, r, "struct pad", 12)
}

func TestNestedStruct(t *testing.T) {
	r := NewRegistry()
	defOK(t, r, `
		struct inner { double d; };
		struct outer { char c; struct inner in; };
	`)

	offsetIs(t, r, "struct outer", "in", 8)
	sizeIs(t, r, "struct outer", 16)
}

func TestUnionLayout(t *testing.T) {
	r := NewRegistry()
	defOK(t, r, `union u { char c; double d; int i; };`)

	offsetIs(t, r, "union u", "d", 0)
	offsetIs(t, r, "union u", "i", 0)
	sizeIs(t, r, "union u", 8)
}

func TestSelfReferentialStruct(t *testing.T) {
	r := NewRegistry()
	defOK(t, r, `struct node { struct node* next; int v; };`)

	sizeIs(t, r, "struct node", ptrSize+8)
	offsetIs(t, r, "struct node", "next", 0)
	offsetIs(t, r, "struct node", "v", ptrSize)
}

func TestForwardDeclaration(t *testing.T) {
	r := NewRegistry()
	defOK(t, r, `
		struct b;
		struct a { struct b* link; };
		struct b { struct a* back; int n; };
	`)
	sizeIs(t, r, "struct b", ptrSize+8)
}

func TestCyclicByValue(t *testing.T) {
	r := NewRegistry()
	defErr(t, r, "cyclic", `
		struct a { struct b x; };
		struct b { struct a y; };
	`)
	if _, err := r.LookupType("struct a"); err == nil {
		t.Fatal("cyclic batch must register nothing")
	}
}

// ===== bitfields =====

func TestBitfieldPacking(t *testing.T) {
	r := NewRegistry()
	defOK(t, r, `struct flags { unsigned int a : 3; unsigned int b : 29; unsigned int c : 1; };`)

	ty, err := r.LookupType("struct flags")
	if err != nil {
		t.Fatal(err)
	}
	f := func(name string) Field {
		for _, f := range ty.Fields {
			if f.Name == name {
				return f
			}
		}
		t.Fatalf("no field %s", name)
		return Field{}
	}

	// a and b fill the first 32-bit unit; c overflows into a second one.
	if a := f("a"); a.Offset != 0 || a.BitOff != 0 {
		t.Fatalf("a: got +%d [%d]", a.Offset, a.BitOff)
	}
	if b := f("b"); b.Offset != 0 || b.BitOff != 3 {
		t.Fatalf("b: got +%d [%d]", b.Offset, b.BitOff)
	}
	if c := f("c"); c.Offset != 4 || c.BitOff != 0 {
		t.Fatalf("c: got +%d [%d]", c.Offset, c.BitOff)
	}
	sizeIs(t, r, "struct flags", 8)
}

func TestBitfieldZeroWidthClosesUnit(t *testing.T) {
	r := NewRegistry()
	defOK(t, r, `struct z { unsigned int a : 3; unsigned int : 0; unsigned int b : 2; };`)

	ty, _ := r.LookupType("struct z")
	var b Field
	for _, f := range ty.Fields {
		if f.Name == "b" {
			b = f
		}
	}
	if b.Offset != 4 || b.BitOff != 0 {
		t.Fatalf("b: want +4 [0], got +%d [%d]", b.Offset, b.BitOff)
	}
}

func TestBitfieldUnitSizeChange(t *testing.T) {
	r := NewRegistry()
	defOK(t, r, `struct m { unsigned char a : 2; unsigned int b : 2; };`)

	offsetIs(t, r, "struct m", "b", 4)
	sizeIs(t, r, "struct m", 8)
}

func TestBitfieldWidthOverflow(t *testing.T) {
	r := NewRegistry()
	defErr(t, r, "exceeds", `struct bad { char x : 9; };`)
	if _, err := r.LookupType("struct bad"); err == nil {
		t.Fatal("failed batch must register nothing")
	}
}

func TestBitfieldNonIntegerBase(t *testing.T) {
	r := NewRegistry()
	defErr(t, r, "not an integer", `struct bad { float f : 3; };`)
}

// ===== atomicity, idempotence, redefinition =====

func TestDefineTypesAtomic(t *testing.T) {
	r := NewRegistry()
	err := r.DefineTypes(`
		typedef int myint;
		struct ok { myint v; };
		typedef missing_type broken;
	`)
	if err == nil {
		t.Fatal("want error")
	}
	if _, lerr := r.LookupType("myint"); lerr == nil {
		t.Fatal("myint leaked from a failed batch")
	}
	if _, lerr := r.LookupType("struct ok"); lerr == nil {
		t.Fatal("struct ok leaked from a failed batch")
	}

	// The same text minus the broken line registers cleanly afterwards.
	defOK(t, r, `
		typedef int myint;
		struct ok { myint v; };
	`)
	sizeIs(t, r, "struct ok", 4)
}

func TestIdempotentRedefinition(t *testing.T) {
	r := NewRegistry()
	defOK(t, r, `struct point { int x; int y; };`)
	defOK(t, r, `struct point { int x; int y; };`)
	defOK(t, r, `typedef int myint; typedef int myint;`)
}

func TestConflictingRedefinition(t *testing.T) {
	r := NewRegistry()
	defOK(t, r, `struct point { int x; int y; };`)

	err := r.DefineTypes(`struct point { double x; double y; };`)
	var re *RedefinitionError
	if !errors.As(err, &re) {
		t.Fatalf("want RedefinitionError, got %v", err)
	}
	if re.Tag != "point" {
		t.Fatalf("tag: want point, got %q", re.Tag)
	}

	// And the original survives.
	sizeIs(t, r, "struct point", 8)
}

func TestTypedefConflict(t *testing.T) {
	r := NewRegistry()
	defOK(t, r, `typedef int handle;`)

	err := r.DefineTypes(`typedef double handle;`)
	var re *RedefinitionError
	if !errors.As(err, &re) {
		t.Fatalf("want RedefinitionError, got %v", err)
	}
}

// ===== error positions and unsupported forms =====

func TestErrorPositions(t *testing.T) {
	r := NewRegistry()

	err := r.DefineTypes(`typedef missing x;`)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("want ParseError, got %v", err)
	}
	if pe.Line != 1 || pe.Col != 9 {
		t.Fatalf("position: want 1:9, got %d:%d", pe.Line, pe.Col)
	}

	err = r.DefineTypes("typedef int a;\ntypedef bogus b;")
	if !errors.As(err, &pe) || pe.Line != 2 {
		t.Fatalf("want line 2, got %v", err)
	}
}

func TestCaretSnippet(t *testing.T) {
	r := NewRegistry()
	src := "typedef bogus b;"
	err := r.DefineTypes(src)
	out := WrapErrorWithSource(err, src).Error()

	if !strings.Contains(out, "DECLARATION ERROR") {
		t.Fatalf("missing header:\n%s", out)
	}
	if !strings.Contains(out, "^") {
		t.Fatalf("missing caret:\n%s", out)
	}
	if !strings.Contains(out, src) {
		t.Fatalf("missing source line:\n%s", out)
	}
}

func TestUnsupportedDeclarators(t *testing.T) {
	r := NewRegistry()
	defErr(t, r, "flexible array", `struct s { int n; int data[]; };`)
	defErr(t, r, "multi-dimensional", `typedef int grid[3][3];`)
	defErr(t, r, "variadic marker requires", `int bad(...);`)
	defErr(t, r, "type void", `int bad2(void, int);`)
	defErr(t, r, "only typedefs", `int x;`)
	defErr(t, r, "nested function pointer", `void outer(void (*a)(int (*b)(int)));`)
	defErr(t, r, "nested function pointer", `typedef void (*cb)(int (*cmp)(int, int));`)

	// One level of indirection stays legal: comparators and callbacks.
	defOK(t, r, `void qsortish(void* base, int (*cmp)(const void*, const void*));`)
}

func TestLexerErrors(t *testing.T) {
	r := NewRegistry()
	defErr(t, r, "unterminated", `typedef int a; /* no close`)
	defErr(t, r, "unexpected character", `typedef int a; @`)
}

// ===== enums =====

func TestEnumValues(t *testing.T) {
	r := NewRegistry()
	defOK(t, r, `enum color { RED, GREEN = 5, BLUE, BLACK = -2, GRAY };`)

	want := map[string]int64{"RED": 0, "GREEN": 5, "BLUE": 6, "BLACK": -2, "GRAY": -1}
	for name, v := range want {
		got, err := r.EnumValue("enum color", name)
		if err != nil {
			t.Fatal(err)
		}
		if got != v {
			t.Fatalf("%s: want %d, got %d", name, v, got)
		}
	}
	sizeIs(t, r, "enum color", 4)

	defErr(t, r, "duplicate enumerator", `enum dup { A, A };`)
}

// ===== derived types and prototypes =====

func TestDerivedInterning(t *testing.T) {
	r := NewRegistry()
	defOK(t, r, `
		typedef int* intp;
		typedef int quad[4];
		struct holder { int* p; int arr[4]; };
	`)

	sizeIs(t, r, "int*", ptrSize)
	sizeIs(t, r, "int[4]", 16)
	sizeIs(t, r, "quad", 16)

	// Two spellings of the same derived type share one descriptor.
	a, _ := r.LookupType("int*")
	b, _ := r.LookupType("intp")
	if resolve(r, b) != a {
		t.Fatal("intp must resolve to the interned int* descriptor")
	}
}

func TestFunctionPrototype(t *testing.T) {
	r := NewRegistry()
	defOK(t, r, `
		int add(int a, int b);
		void nothing(void);
		int printing(const char* fmt, ...);
		typedef int cmp(const void*, const void*);
		void sorter(void* base, unsigned long n, unsigned long w, int (*f)(const void*, const void*));
	`)

	ft, err := r.LookupType("add")
	if err != nil {
		t.Fatal(err)
	}
	f := resolve(r, ft)
	if f.Kind != KindFunc || len(f.Params) != 2 || f.Ret != "int" || f.Variadic {
		t.Fatalf("add: got %+v", f)
	}

	n := resolve(r, mustLookup(t, r, "nothing"))
	if len(n.Params) != 0 {
		t.Fatalf("(void) must mean no parameters, got %v", n.Params)
	}

	v := resolve(r, mustLookup(t, r, "printing"))
	if !v.Variadic || len(v.Params) != 1 || v.Params[0] != "char*" {
		t.Fatalf("printing: got %+v", v)
	}

	s := resolve(r, mustLookup(t, r, "sorter"))
	fp := resolve(r, r.mustGet(s.Params[3]))
	if fp.Kind != KindFunc || len(fp.Params) != 2 {
		t.Fatalf("comparator parameter: got %+v", fp)
	}
	if !SameSignature(r, fp, resolve(r, mustLookup(t, r, "cmp"))) {
		t.Fatal("comparator parameter must match the cmp typedef")
	}
}

func TestArrayParameterDecay(t *testing.T) {
	r := NewRegistry()
	defOK(t, r, `int sum(int vals[8], int n);`)

	f := resolve(r, mustLookup(t, r, "sum"))
	if f.Params[0] != "int*" {
		t.Fatalf("array parameter must decay to int*, got %s", f.Params[0])
	}
}

func TestPrototypeIdempotent(t *testing.T) {
	r := NewRegistry()
	defOK(t, r, `int abs(int);`)
	defOK(t, r, `int abs(int);`)

	err := r.DefineTypes(`double abs(double);`)
	var re *RedefinitionError
	if !errors.As(err, &re) {
		t.Fatalf("want RedefinitionError, got %v", err)
	}
}

func mustLookup(t *testing.T, r *Registry, name string) *Type {
	t.Helper()
	ty, err := r.LookupType(name)
	if err != nil {
		t.Fatal(err)
	}
	return ty
}
