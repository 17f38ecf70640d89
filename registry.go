// The process-wide table of named type descriptors.
//
// Two namespaces, as in C: declared names (primitives and typedefs) and
// struct/union/enum tags. Both are append-only: a successful registration is
// permanent for the session, a token-identical re-registration is accepted,
// and a conflicting one fails with RedefinitionError. Derived types
// (pointers, arrays, function types) are interned under their rendered C
// spelling so descriptors can reference each other by stable keys.
package luneffi

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"tlog.app/go/errors"
)

type Registry struct {
	// One lock guards all mutation so concurrent embeddings observe a
	// consistent snapshot. Single-threaded hosts pay one uncontended lock.
	mu sync.Mutex

	types map[string]*Type // primitives, typedefs, interned derived types
	tags  map[string]*Type // struct/union/enum tag namespace
}

// NewRegistry returns a registry pre-seeded with the platform primitive
// descriptors. Seeding happens before any parsing can occur.
func NewRegistry() *Registry {
	r := &Registry{
		types: make(map[string]*Type),
		tags:  make(map[string]*Type),
	}
	r.seedPrimitives()
	return r
}

// seedPrimitives installs the fixed table of platform-width primitives.
// Widths follow LP64 on 64-bit Unix targets: long is pointer-wide, int is 32
// bits, char is signed and 8 bits wide.
func (r *Registry) seedPrimitives() {
	intT := func(name string, bits int, signed bool) *Type {
		return &Type{Kind: KindInt, Name: name, Bits: bits, Signed: signed}
	}
	pw := int(ptrSize) * 8

	prims := map[string]*Type{
		"void":  {Kind: KindVoid, Name: "void"},
		"bool":  {Kind: KindBool, Name: "bool"},
		"_Bool": {Kind: KindBool, Name: "_Bool"},

		"char":          intT("char", 8, true),
		"signed char":   intT("signed char", 8, true),
		"unsigned char": intT("unsigned char", 8, false),

		"short":          intT("short", 16, true),
		"unsigned short": intT("unsigned short", 16, false),

		"int":          intT("int", 32, true),
		"unsigned int": intT("unsigned int", 32, false),

		"long":          intT("long", pw, true),
		"unsigned long": intT("unsigned long", pw, false),

		"long long":          intT("long long", 64, true),
		"unsigned long long": intT("unsigned long long", 64, false),

		"float":  {Kind: KindFloat, Name: "float", Bits: 32},
		"double": {Kind: KindFloat, Name: "double", Bits: 64},

		"int8_t":   intT("int8_t", 8, true),
		"uint8_t":  intT("uint8_t", 8, false),
		"int16_t":  intT("int16_t", 16, true),
		"uint16_t": intT("uint16_t", 16, false),
		"int32_t":  intT("int32_t", 32, true),
		"uint32_t": intT("uint32_t", 32, false),
		"int64_t":  intT("int64_t", 64, true),
		"uint64_t": intT("uint64_t", 64, false),

		"size_t":    intT("size_t", pw, false),
		"ssize_t":   intT("ssize_t", pw, true),
		"uintptr_t": intT("uintptr_t", pw, false),
		"intptr_t":  intT("intptr_t", pw, true),
		"ptrdiff_t": intT("ptrdiff_t", pw, true),
	}
	for k, t := range prims {
		t.Key = k
		layoutScalar(t)
		r.types[k] = t
	}

	// void* is common enough to seed rather than intern lazily.
	vp := &Type{Kind: KindPointer, Name: "void*", To: "void"}
	vp.Key = "void*"
	layoutScalar(vp)
	r.types["void*"] = vp
}

// mustGet returns the descriptor for an existing key. Missing keys are an
// internal invariant violation: every key stored in a descriptor was checked
// when the descriptor was registered.
func (r *Registry) mustGet(key string) *Type {
	t, ok := r.types[key]
	if !ok {
		panic("luneffi: internal: missing type: " + key)
	}
	return t
}

// LookupType resolves a declared name or derived spelling to its descriptor.
// Derived spellings over known types ("int*", "char[8]") are interned on
// first lookup, so embedders can name them without declaring them first.
func (r *Registry) LookupType(name string) (*Type, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(name)
}

func (r *Registry) lookupLocked(name string) (*Type, error) {
	if t, ok := r.types[name]; ok {
		return t, nil
	}

	if strings.HasSuffix(name, "*") {
		base, err := r.lookupLocked(strings.TrimSpace(strings.TrimSuffix(name, "*")))
		if err != nil {
			return nil, errors.New("unknown type %q", name)
		}
		key, _ := r.internPointerLocked(base.Key)
		return r.types[key], nil
	}

	if i := strings.LastIndexByte(name, '['); i > 0 && strings.HasSuffix(name, "]") {
		n, nerr := strconv.Atoi(name[i+1 : len(name)-1])
		base, berr := r.lookupLocked(strings.TrimSpace(name[:i]))
		if nerr == nil && n >= 0 && berr == nil {
			key, created := r.internArrayLocked(base.Key, n)
			if err := r.layoutKeysLocked([]string{key}); err != nil {
				if created {
					delete(r.types, key)
				}
				return nil, err
			}
			return r.types[key], nil
		}
	}

	return nil, errors.New("unknown type %q", name)
}

// TypeNames returns the sorted declared names, for diagnostics and the REPL.
func (r *Registry) TypeNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.types))
	for k := range r.types {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SizeOf returns the ABI size in bytes of a declared type.
func (r *Registry) SizeOf(name string) (uintptr, error) {
	t, err := r.LookupType(name)
	if err != nil {
		return 0, err
	}
	return t.Size, nil
}

// AlignOf returns the ABI alignment in bytes of a declared type.
func (r *Registry) AlignOf(name string) (uintptr, error) {
	t, err := r.LookupType(name)
	if err != nil {
		return 0, err
	}
	return t.Align, nil
}

// OffsetOf returns the byte offset of a named member within a struct type.
func (r *Registry) OffsetOf(name, field string) (uintptr, error) {
	t, err := r.LookupType(name)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t = resolve(r, t)
	if t.Kind != KindStruct && t.Kind != KindUnion {
		return 0, errors.New("offsetof: %s is not a struct or union", name)
	}
	for _, f := range t.Fields {
		if f.Name == field {
			return f.Offset, nil
		}
	}
	return 0, errors.New("offsetof: %s has no member %q", name, field)
}

// EnumValue returns the value of a named enumerator of an enum type.
func (r *Registry) EnumValue(name, enumerator string) (int64, error) {
	t, err := r.LookupType(name)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t = resolve(r, t)
	if t.Kind != KindEnum {
		return 0, errors.New("%s is not an enum", name)
	}
	v, ok := t.EnumVals[enumerator]
	if !ok {
		return 0, errors.New("enum %s has no enumerator %q", name, enumerator)
	}
	return v, nil
}

// internPointerLocked returns the key of the pointer-to-target descriptor,
// creating it on first use. The second result reports whether this call
// created the entry (the parser journals those). Caller holds r.mu.
func (r *Registry) internPointerLocked(to string) (string, bool) {
	t := &Type{Kind: KindPointer, To: to}
	key := t.spelling(r)
	if _, ok := r.types[key]; ok {
		return key, false
	}
	t.Name = key
	t.Key = key
	layoutScalar(t)
	r.types[key] = t
	return key, true
}

// internArrayLocked is internPointerLocked for fixed-length arrays. The
// element need not be laid out yet; the array layout runs with the batch.
// Caller holds r.mu.
func (r *Registry) internArrayLocked(elem string, n int) (string, bool) {
	t := &Type{Kind: KindArray, Elem: elem, Len: n}
	key := t.spelling(r)
	if _, ok := r.types[key]; ok {
		return key, false
	}
	t.Name = key
	t.Key = key
	r.types[key] = t
	return key, true
}

// internFuncLocked interns a function descriptor under its spelling. Two
// structurally equal prototypes share one descriptor (and one cached
// callback interface). Caller holds r.mu.
func (r *Registry) internFuncLocked(t *Type) (string, bool) {
	key := t.spelling(r)
	if _, ok := r.types[key]; ok {
		return key, false
	}
	t.Name = key
	t.Key = key
	layoutScalar(t)
	r.types[key] = t
	return key, true
}

// InternPointer exposes pointer interning to embedders (used by Cast when
// retagging raw addresses).
func (r *Registry) InternPointer(to string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[to]; !ok {
		return "", errors.New("unknown type %q", to)
	}
	key, _ := r.internPointerLocked(to)
	return key, nil
}
