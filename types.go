// Native type descriptors.
//
// A descriptor captures the shape of one C type: its kind, the registry keys
// of the types it refers to, and the computed ABI layout. Descriptors are
// immutable once registered and always reference each other through registry
// keys, never through direct pointers, so the type graph stays acyclic at the
// ownership level even when the C declarations are mutually recursive.
package luneffi

import "strconv"

// Kind discriminates the closed set of descriptor variants. Every operation
// over descriptors (layout, marshaling, display) switches exhaustively on it.
type Kind int

const (
	KindVoid Kind = iota
	KindBool
	KindInt
	KindFloat
	KindPointer
	KindArray
	KindStruct
	KindUnion
	KindEnum
	KindFunc
	KindAlias
)

func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindPointer:
		return "pointer"
	case KindArray:
		return "array"
	case KindStruct:
		return "struct"
	case KindUnion:
		return "union"
	case KindEnum:
		return "enum"
	case KindFunc:
		return "function"
	case KindAlias:
		return "alias"
	}
	return "?"
}

// NoBitfield marks a plain (non-bitfield) aggregate member.
const NoBitfield = -1

// Field is one member of a struct or union. Offset and BitOff are filled by
// the layout engine at registration time and never change afterwards.
type Field struct {
	Name string
	Type string // registry key
	Bits int    // bitfield width; NoBitfield for plain members; 0 closes the unit

	Offset uintptr // byte offset of the member's storage unit
	BitOff int     // bit offset inside the unit (bitfields only)
}

// Type is the canonical structural description of one native type plus its
// computed layout. Which fields are meaningful depends on Kind.
type Type struct {
	Kind Kind
	Name string // C spelling, e.g. "unsigned long" or "struct point"
	Key  string // registry key; set when the descriptor is registered

	Bits   int  // int/float width in bits
	Signed bool // ints

	Elem string // array element key
	Len  int    // array element count

	To string // pointer/alias target key

	Fields []Field // struct/union members, declaration order

	EnumBase string           // enum underlying integer key
	EnumVals map[string]int64 // enumerator name -> value

	Convention Convention // function calling convention
	Params     []string   // function parameter keys, in order
	Ret        string     // function return key
	Variadic   bool

	Size  uintptr
	Align uintptr

	laidOut bool

	// Cached call interface for callback trampolines of this function type.
	// Allocated on the C heap by the cgo shim; opaque handles here so the
	// descriptor model itself stays pure Go.
	cbCIF      uintptr
	cbTypesVec uintptr
}

// IsInteger reports whether values of t occupy an integer slot (ints, bools
// and enums after resolution).
func (t *Type) IsInteger() bool {
	return t.Kind == KindInt || t.Kind == KindBool || t.Kind == KindEnum
}

// resolve chases alias descriptors down to the concrete target. Aliases are
// normalized at registration so a single hop usually suffices; the loop
// covers descriptors inspected before normalization.
func resolve(r *Registry, t *Type) *Type {
	for t.Kind == KindAlias {
		t = r.mustGet(t.To)
	}
	return t
}

// SameSignature reports structural equality of two function descriptors:
// same return, same parameters in order, same variadic flag and convention.
// Aliases are resolved before comparison.
func SameSignature(r *Registry, a, b *Type) bool {
	a, b = resolve(r, a), resolve(r, b)
	if a.Kind != KindFunc || b.Kind != KindFunc {
		return false
	}
	if a.Variadic != b.Variadic || a.Convention != b.Convention {
		return false
	}
	if len(a.Params) != len(b.Params) {
		return false
	}
	if !sameType(r, r.mustGet(a.Ret), r.mustGet(b.Ret)) {
		return false
	}
	for i := range a.Params {
		if !sameType(r, r.mustGet(a.Params[i]), r.mustGet(b.Params[i])) {
			return false
		}
	}
	return true
}

// sameType is structural equality over descriptors, resolving aliases.
// Aggregates compare by identity (tags are nominal in C); scalars, pointers
// and arrays compare by structure.
func sameType(r *Registry, a, b *Type) bool {
	a, b = resolve(r, a), resolve(r, b)
	if a == b {
		return true
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindVoid, KindBool:
		return true
	case KindInt:
		return a.Bits == b.Bits && a.Signed == b.Signed
	case KindFloat:
		return a.Bits == b.Bits
	case KindPointer:
		return sameType(r, r.mustGet(a.To), r.mustGet(b.To))
	case KindArray:
		return a.Len == b.Len && sameType(r, r.mustGet(a.Elem), r.mustGet(b.Elem))
	case KindEnum:
		return sameEnum(a, b)
	case KindFunc:
		return SameSignature(r, a, b)
	}
	return false
}

func sameEnum(a, b *Type) bool {
	if a.EnumBase != b.EnumBase || len(a.EnumVals) != len(b.EnumVals) {
		return false
	}
	for k, v := range a.EnumVals {
		w, ok := b.EnumVals[k]
		if !ok || w != v {
			return false
		}
	}
	return true
}

// sameBody reports whether two aggregate descriptors declare the identical
// member list. Used to accept token-identical redefinitions and reject
// conflicting ones.
func sameBody(r *Registry, a, b *Type) bool {
	if a.Kind != b.Kind || len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		fa, fb := a.Fields[i], b.Fields[i]
		if fa.Name != fb.Name || fa.Bits != fb.Bits {
			return false
		}
		if !sameType(r, r.mustGet(fa.Type), r.mustGet(fb.Type)) {
			return false
		}
	}
	return true
}

// spelling renders the canonical C spelling of a descriptor. Derived types
// (pointers, arrays, function types) are interned under this key.
func (t *Type) spelling(r *Registry) string {
	switch t.Kind {
	case KindPointer:
		return r.mustGet(t.To).displayName() + "*"
	case KindArray:
		return r.mustGet(t.Elem).displayName() + "[" + strconv.Itoa(t.Len) + "]"
	case KindFunc:
		s := r.mustGet(t.Ret).displayName() + "(*)("
		for i, p := range t.Params {
			if i > 0 {
				s += ","
			}
			s += r.mustGet(p).displayName()
		}
		if t.Variadic {
			if len(t.Params) > 0 {
				s += ","
			}
			s += "..."
		}
		return s + ")"
	}
	return t.displayName()
}

func (t *Type) displayName() string {
	if t.Name != "" {
		return t.Name
	}
	if t.Key != "" {
		return t.Key
	}
	return t.Kind.String()
}
