// Platform layout.
//
// Layout runs once, at registration time, over every descriptor a
// declaration batch introduced. Structs use natural alignment with tail
// padding to a multiple of the largest member alignment; unions start every
// member at offset zero. Bitfields pack into a backing unit of the declared
// member type; a width that would overflow the open unit starts a new one.
// That unit-overflow rule is a deliberate policy of this engine (matching
// SysV), not something inherited from the host platform.
package luneffi

import "tlog.app/go/errors"

func alignUp(x, a uintptr) uintptr {
	m := a - 1
	return (x + m) &^ m
}

// layoutScalar fills Size/Align for descriptors whose layout does not depend
// on other descriptors.
func layoutScalar(t *Type) {
	switch t.Kind {
	case KindVoid:
		t.Size, t.Align = 0, 1
	case KindBool:
		t.Size, t.Align = 1, 1
	case KindInt, KindFloat:
		t.Size = uintptr(t.Bits / 8)
		t.Align = t.Size
	case KindPointer, KindFunc:
		t.Size, t.Align = ptrSize, ptrSize
	default:
		return
	}
	t.laidOut = true
}

// layoutKeysLocked lays out the given registry keys and everything they
// reach, detecting cyclic by-value aggregate references. Pointer and
// function members break cycles, as in C. Caller holds r.mu.
func (r *Registry) layoutKeysLocked(keys []string) error {
	const (
		unseen = iota
		visiting
		done
	)
	state := make(map[string]uint8, len(keys))

	var visit func(string) error
	visit = func(k string) error {
		switch state[k] {
		case done:
			return nil
		case visiting:
			return errors.New("layout %v: cyclic by-value reference", k)
		}
		state[k] = visiting
		t := r.mustGet(k)
		switch t.Kind {
		case KindAlias:
			if err := visit(t.To); err != nil {
				return err
			}
		case KindArray:
			if err := visit(t.Elem); err != nil {
				return err
			}
		case KindEnum:
			if err := visit(t.EnumBase); err != nil {
				return err
			}
		case KindStruct, KindUnion:
			for _, f := range t.Fields {
				ft := r.mustGet(f.Type)
				if ft.Kind != KindPointer && ft.Kind != KindFunc {
					if err := visit(f.Type); err != nil {
						return err
					}
				}
			}
		}
		if err := r.layoutOneLocked(t); err != nil {
			return errors.Wrap(err, "layout %v", k)
		}
		state[k] = done
		return nil
	}

	for _, k := range keys {
		if err := visit(k); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) layoutOneLocked(t *Type) error {
	if t.laidOut {
		return nil
	}
	switch t.Kind {
	case KindVoid, KindBool, KindInt, KindFloat, KindPointer, KindFunc:
		layoutScalar(t)
		return nil

	case KindAlias:
		tt := r.mustGet(t.To)
		t.Size, t.Align = tt.Size, tt.Align

	case KindEnum:
		bt := resolve(r, r.mustGet(t.EnumBase))
		if bt.Kind != KindInt {
			return errors.New("enum base %v is not an integer type", t.EnumBase)
		}
		t.Size, t.Align = bt.Size, bt.Align

	case KindArray:
		et := r.mustGet(t.Elem)
		if et.Size == 0 {
			return errors.New("array of incomplete type %v", t.Elem)
		}
		t.Align = et.Align
		t.Size = uintptr(t.Len) * et.Size

	case KindStruct:
		if err := r.layoutStruct(t); err != nil {
			return err
		}

	case KindUnion:
		if err := r.layoutUnion(t); err != nil {
			return err
		}
	}
	t.laidOut = true
	return nil
}

func (r *Registry) layoutStruct(t *Type) error {
	var (
		off      uintptr
		maxAlign uintptr = 1

		// open bitfield unit; unitSize == 0 means no unit is open
		unitStart uintptr
		unitSize  uintptr
		bitOff    int
	)
	closeUnit := func() {
		if unitSize != 0 {
			off = unitStart + unitSize
			unitSize = 0
			bitOff = 0
		}
	}

	for i := range t.Fields {
		f := &t.Fields[i]
		ft := resolve(r, r.mustGet(f.Type))

		if f.Bits == NoBitfield {
			closeUnit()
			off = alignUp(off, ft.Align)
			f.Offset = off
			off += ft.Size
			if ft.Align > maxAlign {
				maxAlign = ft.Align
			}
			continue
		}

		if !ft.IsInteger() {
			return errors.New("bitfield %v: base type %v is not an integer", f.Name, f.Type)
		}
		if f.Bits == 0 {
			// Unnamed zero-width member: close the unit, allocate nothing.
			closeUnit()
			continue
		}
		if f.Bits > int(ft.Size)*8 {
			return errors.New("bitfield %v: width %v exceeds %v", f.Name, f.Bits, f.Type)
		}
		if unitSize != ft.Size || bitOff+f.Bits > int(unitSize)*8 {
			closeUnit()
			off = alignUp(off, ft.Align)
			unitStart = off
			unitSize = ft.Size
			bitOff = 0
		}
		f.Offset = unitStart
		f.BitOff = bitOff
		bitOff += f.Bits
		if ft.Align > maxAlign {
			maxAlign = ft.Align
		}
	}
	closeUnit()

	t.Align = maxAlign
	t.Size = alignUp(off, maxAlign)
	return nil
}

func (r *Registry) layoutUnion(t *Type) error {
	var maxSize, maxAlign uintptr = 0, 1
	for i := range t.Fields {
		f := &t.Fields[i]
		ft := resolve(r, r.mustGet(f.Type))
		if f.Bits != NoBitfield {
			if !ft.IsInteger() {
				return errors.New("bitfield %v: base type %v is not an integer", f.Name, f.Type)
			}
			if f.Bits > int(ft.Size)*8 {
				return errors.New("bitfield %v: width %v exceeds %v", f.Name, f.Bits, f.Type)
			}
		}
		f.Offset, f.BitOff = 0, 0
		if ft.Size > maxSize {
			maxSize = ft.Size
		}
		if ft.Align > maxAlign {
			maxAlign = ft.Align
		}
	}
	t.Align = maxAlign
	t.Size = alignUp(maxSize, maxAlign)
	return nil
}
