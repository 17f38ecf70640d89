// Parser for the C declaration subset accepted by DefineTypes.
//
// Grammar (C99 declaration subset): storage qualifiers accepted and ignored,
// primitive type combinations, pointer declarators, named and anonymous
// struct/union/enum definitions with field lists and bitfield widths,
// one-dimensional arrays, function prototypes with an optional trailing
// "..." marker, single-level function pointers, typedef.
//
// Registration is atomic: the whole text parses and lays out, or nothing is
// registered. The parser journals every registry mutation and rolls the
// journal back on failure while still holding the registry lock, so no other
// execution context can observe the partial state.
package luneffi

import (
	"fmt"

	"tlog.app/go/tlog"
)

// DefineTypes parses declaration text and registers the resulting typedefs,
// tags and function prototypes. On any error nothing is registered.
func (r *Registry) DefineTypes(src string) error {
	toks, err := lexDeclarations(src)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p := &declParser{r: r, src: src, toks: toks}
	if err := p.parseAll(); err != nil {
		p.rollback()
		return err
	}
	if err := r.layoutKeysLocked(p.newKeys); err != nil {
		p.rollback()
		// Layout failures (cyclic by-value aggregates, oversized bitfields)
		// surface as positioned parse errors of the whole batch.
		return &ParseError{Line: 1, Col: 1, Msg: err.Error()}
	}
	tlog.V("cdef").Printw("declarations registered", "types", len(p.newKeys))
	return nil
}

// qualifiers accepted and discarded. "typedef" is handled separately.
var declQualifiers = map[string]bool{
	"const": true, "volatile": true, "restrict": true, "register": true,
	"static": true, "extern": true, "inline": true, "_Noreturn": true,
	"auto": true,
}

// primitive type words combined by parseDeclSpec.
var primWords = map[string]bool{
	"void": true, "bool": true, "_Bool": true, "char": true, "short": true,
	"int": true, "long": true, "signed": true, "unsigned": true,
	"float": true, "double": true,
}

type journalEntry struct {
	typeKey string // key added to r.types ("" if none)
	tagKey  string // key added to r.tags ("" if none)
	filled  *Type  // aggregate whose body this batch completed
}

type declParser struct {
	r    *Registry
	src  string
	toks []Token
	pos  int

	// fnDepth counts open function-pointer parameter lists. One level is
	// enough for callbacks and comparators; deeper nesting is rejected.
	fnDepth int

	journal []journalEntry
	newKeys []string
}

func (p *declParser) rollback() {
	for i := len(p.journal) - 1; i >= 0; i-- {
		e := p.journal[i]
		if e.typeKey != "" {
			delete(p.r.types, e.typeKey)
		}
		if e.tagKey != "" {
			delete(p.r.tags, e.tagKey)
		}
		if e.filled != nil {
			e.filled.Fields = nil
			e.filled.EnumVals = nil
			e.filled.laidOut = false
			e.filled.Size, e.filled.Align = 0, 0
		}
	}
	p.journal = nil
}

// ---- token helpers ----------------------------------------------------------

func (p *declParser) peek() Token  { return p.toks[p.pos] }
func (p *declParser) next() Token  { t := p.toks[p.pos]; p.pos++; return t }
func (p *declParser) at(tt TokenType) bool { return p.toks[p.pos].Type == tt }

func (p *declParser) accept(tt TokenType) bool {
	if p.at(tt) {
		p.pos++
		return true
	}
	return false
}

func (p *declParser) expect(tt TokenType, what string) (Token, error) {
	if !p.at(tt) {
		return Token{}, p.errHere("expected %s, found %s", what, p.peek())
	}
	return p.next(), nil
}

func (p *declParser) errHere(format string, args ...any) error {
	t := p.peek()
	return &ParseError{Line: t.Line, Col: t.Col, Msg: fmt.Sprintf(format, args...)}
}

func (p *declParser) errAt(t Token, format string, args ...any) error {
	return &ParseError{Line: t.Line, Col: t.Col, Msg: fmt.Sprintf(format, args...)}
}

func (p *declParser) identIs(s string) bool {
	return p.at(TIdent) && p.peek().Lexeme == s
}

func (p *declParser) skipQualifiers() {
	for p.at(TIdent) && declQualifiers[p.peek().Lexeme] {
		p.pos++
	}
}

// ---- registration helpers (registry lock held) -------------------------------

// register inserts name -> t in the declared-name namespace, accepting
// token-identical re-registrations.
func (p *declParser) register(name string, t *Type, tok Token) (string, error) {
	if old, ok := p.r.types[name]; ok {
		if sameType(p.r, old, t) {
			return name, nil
		}
		return "", &RedefinitionError{Tag: name}
	}
	t.Key = name
	p.r.types[name] = t
	p.journal = append(p.journal, journalEntry{typeKey: name})
	p.newKeys = append(p.newKeys, name)
	return name, nil
}

func (p *declParser) internPointer(to string) string {
	key, created := p.r.internPointerLocked(to)
	if created {
		p.journal = append(p.journal, journalEntry{typeKey: key})
		p.newKeys = append(p.newKeys, key)
	}
	return key
}

func (p *declParser) internArray(elem string, n int) string {
	key, created := p.r.internArrayLocked(elem, n)
	if created {
		p.journal = append(p.journal, journalEntry{typeKey: key})
		p.newKeys = append(p.newKeys, key)
	}
	return key
}

func (p *declParser) internFunc(t *Type) string {
	key, created := p.r.internFuncLocked(t)
	if created {
		p.journal = append(p.journal, journalEntry{typeKey: key})
		p.newKeys = append(p.newKeys, key)
	}
	return key
}

// ---- top level ---------------------------------------------------------------

func (p *declParser) parseAll() error {
	for !p.at(TEOF) {
		if p.accept(TSemi) {
			continue
		}
		if err := p.parseDeclaration(); err != nil {
			return err
		}
	}
	return nil
}

func (p *declParser) parseDeclaration() error {
	p.skipQualifiers()

	isTypedef := false
	if p.identIs("typedef") {
		isTypedef = true
		p.pos++
		p.skipQualifiers()
	}

	baseKey, err := p.parseDeclSpec()
	if err != nil {
		return err
	}

	// Bare "struct s { ... };" or "enum e { ... };".
	if p.accept(TSemi) {
		return nil
	}

	for {
		name, key, nameTok, err := p.parseDeclarator(baseKey)
		if err != nil {
			return err
		}
		if name == "" {
			return p.errAt(nameTok, "expected declarator name")
		}
		if isTypedef {
			alias := &Type{Kind: KindAlias, Name: name, To: key}
			if _, err := p.register(name, alias, nameTok); err != nil {
				return err
			}
			p.normalizeAlias(alias)
		} else {
			// Non-typedef top-level declarators must be function prototypes.
			t := p.r.mustGet(key)
			if resolve(p.r, t).Kind != KindFunc {
				return p.errAt(nameTok, "only typedefs, tag definitions and function prototypes are supported at top level")
			}
			proto := &Type{Kind: KindAlias, Name: name, To: key}
			if _, err := p.register(name, proto, nameTok); err != nil {
				return err
			}
			p.normalizeAlias(proto)
		}
		if p.accept(TComma) {
			continue
		}
		if _, err := p.expect(TSemi, "';'"); err != nil {
			return err
		}
		return nil
	}
}

// normalizeAlias makes the alias point at the non-alias target so later
// resolution is a single hop.
func (p *declParser) normalizeAlias(a *Type) {
	target := a.To
	for {
		tt := p.r.mustGet(target)
		if tt.Kind != KindAlias {
			break
		}
		target = tt.To
	}
	a.To = target
}

// ---- declaration specifiers ---------------------------------------------------

// parseDeclSpec consumes the type specifier and returns its registry key.
func (p *declParser) parseDeclSpec() (string, error) {
	p.skipQualifiers()
	if !p.at(TIdent) {
		return "", p.errHere("expected type name, found %s", p.peek())
	}

	switch p.peek().Lexeme {
	case "struct":
		return p.parseAggregate(KindStruct)
	case "union":
		return p.parseAggregate(KindUnion)
	case "enum":
		return p.parseEnum()
	}

	if primWords[p.peek().Lexeme] {
		return p.parsePrimitiveCombo()
	}

	// typedef name
	tok := p.next()
	if _, ok := p.r.types[tok.Lexeme]; !ok {
		return "", p.errAt(tok, "unknown type name %q", tok.Lexeme)
	}
	return tok.Lexeme, nil
}

// parsePrimitiveCombo canonicalizes multi-word primitive spellings such as
// "unsigned long long int" to the seeded primitive names.
func (p *declParser) parsePrimitiveCombo() (string, error) {
	first := p.peek()
	var hasVoid, hasBool, hasChar, hasShort, hasInt, hasFloat, hasDouble bool
	var hasSigned, hasUnsigned bool
	longs := 0

	for p.at(TIdent) && primWords[p.peek().Lexeme] {
		switch p.next().Lexeme {
		case "void":
			hasVoid = true
		case "bool", "_Bool":
			hasBool = true
		case "char":
			hasChar = true
		case "short":
			hasShort = true
		case "int":
			hasInt = true
		case "long":
			longs++
		case "signed":
			hasSigned = true
		case "unsigned":
			hasUnsigned = true
		case "float":
			hasFloat = true
		case "double":
			hasDouble = true
		}
		p.skipQualifiers()
	}

	bad := func() (string, error) {
		return "", p.errAt(first, "invalid type specifier combination")
	}

	switch {
	case hasVoid:
		if hasBool || hasChar || hasShort || hasInt || hasFloat || hasDouble || longs > 0 || hasSigned || hasUnsigned {
			return bad()
		}
		return "void", nil
	case hasBool:
		if hasChar || hasShort || hasInt || hasFloat || hasDouble || longs > 0 {
			return bad()
		}
		return "bool", nil
	case hasFloat:
		if hasChar || hasShort || hasInt || hasDouble || longs > 0 || hasSigned || hasUnsigned {
			return bad()
		}
		return "float", nil
	case hasDouble:
		if hasChar || hasShort || hasInt || hasSigned || hasUnsigned {
			return bad()
		}
		if longs > 0 {
			return "", p.errAt(first, "unsupported declarator: long double")
		}
		return "double", nil
	case hasChar:
		if hasShort || hasInt || longs > 0 {
			return bad()
		}
		switch {
		case hasUnsigned:
			return "unsigned char", nil
		case hasSigned:
			return "signed char", nil
		default:
			return "char", nil
		}
	case hasShort:
		if longs > 0 {
			return bad()
		}
		if hasUnsigned {
			return "unsigned short", nil
		}
		return "short", nil
	case longs == 1:
		if hasUnsigned {
			return "unsigned long", nil
		}
		return "long", nil
	case longs == 2:
		if hasUnsigned {
			return "unsigned long long", nil
		}
		return "long long", nil
	case longs > 2:
		return bad()
	case hasInt, hasSigned, hasUnsigned:
		if hasUnsigned {
			return "unsigned int", nil
		}
		return "int", nil
	}
	return bad()
}

// ---- aggregates ---------------------------------------------------------------

func (p *declParser) parseAggregate(kind Kind) (string, error) {
	kw := p.next() // struct | union

	tag := ""
	if p.at(TIdent) {
		tag = p.next().Lexeme
	}

	var t *Type
	var key string
	if tag != "" {
		key = kw.Lexeme + " " + tag
		if existing, ok := p.r.tags[tag]; ok {
			if existing.Kind != kind {
				return "", &RedefinitionError{Tag: tag}
			}
			t = existing
		} else {
			t = &Type{Kind: kind, Name: key, Key: key}
			p.r.tags[tag] = t
			p.r.types[key] = t
			p.journal = append(p.journal, journalEntry{typeKey: key, tagKey: tag})
			p.newKeys = append(p.newKeys, key)
		}
	}

	if !p.at(TLCurly) {
		if tag == "" {
			return "", p.errAt(kw, "anonymous %s requires a body", kw.Lexeme)
		}
		return key, nil // reference (possibly forward) to the tag
	}

	// Body follows. Parse the members first, then decide whether it defines,
	// re-defines, or conflicts.
	p.next() // '{'
	fields, err := p.parseFieldList(kind)
	if err != nil {
		return "", err
	}
	if _, err := p.expect(TRCurly, "'}'"); err != nil {
		return "", err
	}

	if t == nil {
		key = fmt.Sprintf("%s @%d", kw.Lexeme, len(p.r.types))
		t = &Type{Kind: kind, Name: key, Key: key, Fields: fields}
		p.r.types[key] = t
		p.journal = append(p.journal, journalEntry{typeKey: key})
		p.newKeys = append(p.newKeys, key)
		return key, nil
	}

	if t.Fields != nil {
		probe := &Type{Kind: kind, Fields: fields}
		if sameBody(p.r, t, probe) {
			return key, nil
		}
		return "", &RedefinitionError{Tag: tag}
	}

	// Completing a forward declaration from this or an earlier batch.
	t.Fields = fields
	t.laidOut = false
	p.journal = append(p.journal, journalEntry{filled: t})
	p.noteNewKey(key)
	return key, nil
}

func (p *declParser) noteNewKey(key string) {
	for _, k := range p.newKeys {
		if k == key {
			return
		}
	}
	p.newKeys = append(p.newKeys, key)
}

func (p *declParser) parseFieldList(kind Kind) ([]Field, error) {
	fields := []Field{}
	for !p.at(TRCurly) {
		p.skipQualifiers()
		baseKey, err := p.parseDeclSpec()
		if err != nil {
			return nil, err
		}
		for {
			// Unnamed bitfield: "int : 0;" closes the current unit.
			if p.at(TColon) {
				p.next()
				wTok, err := p.expect(TInteger, "bitfield width")
				if err != nil {
					return nil, err
				}
				if wTok.Int != 0 {
					return nil, p.errAt(wTok, "unnamed bitfield width must be 0")
				}
				fields = append(fields, Field{Name: "", Type: baseKey, Bits: 0})
			} else {
				name, key, nameTok, err := p.parseDeclarator(baseKey)
				if err != nil {
					return nil, err
				}
				if name == "" {
					return nil, p.errAt(nameTok, "expected member name")
				}
				bits := NoBitfield
				if p.accept(TColon) {
					wTok, err := p.expect(TInteger, "bitfield width")
					if err != nil {
						return nil, err
					}
					if wTok.Int <= 0 {
						return nil, p.errAt(wTok, "bitfield width must be positive")
					}
					bits = int(wTok.Int)
				}
				fields = append(fields, Field{Name: name, Type: key, Bits: bits})
			}
			if p.accept(TComma) {
				continue
			}
			break
		}
		if _, err := p.expect(TSemi, "';'"); err != nil {
			return nil, err
		}
	}
	return fields, nil
}

// ---- enums ---------------------------------------------------------------------

func (p *declParser) parseEnum() (string, error) {
	kw := p.next() // enum

	tag := ""
	if p.at(TIdent) {
		tag = p.next().Lexeme
	}

	var t *Type
	var key string
	if tag != "" {
		key = "enum " + tag
		if existing, ok := p.r.tags[tag]; ok {
			if existing.Kind != KindEnum {
				return "", &RedefinitionError{Tag: tag}
			}
			t = existing
		} else {
			t = &Type{Kind: KindEnum, Name: key, Key: key, EnumBase: "int"}
			p.r.tags[tag] = t
			p.r.types[key] = t
			p.journal = append(p.journal, journalEntry{typeKey: key, tagKey: tag})
			p.newKeys = append(p.newKeys, key)
		}
	}

	if !p.at(TLCurly) {
		if tag == "" {
			return "", p.errAt(kw, "anonymous enum requires a body")
		}
		return key, nil
	}

	p.next() // '{'
	vals := map[string]int64{}
	next := int64(0)
	for !p.at(TRCurly) {
		nameTok, err := p.expect(TIdent, "enumerator name")
		if err != nil {
			return "", err
		}
		if p.accept(TAssign) {
			vTok, err := p.expect(TInteger, "enumerator value")
			if err != nil {
				return "", err
			}
			next = vTok.Int
		}
		if _, exists := vals[nameTok.Lexeme]; exists {
			return "", p.errAt(nameTok, "duplicate enumerator %q", nameTok.Lexeme)
		}
		vals[nameTok.Lexeme] = next
		next++
		if p.accept(TComma) {
			continue
		}
		break
	}
	if _, err := p.expect(TRCurly, "'}'"); err != nil {
		return "", err
	}

	if t == nil {
		key = fmt.Sprintf("enum @%d", len(p.r.types))
		t = &Type{Kind: KindEnum, Name: key, Key: key, EnumBase: "int", EnumVals: vals}
		p.r.types[key] = t
		p.journal = append(p.journal, journalEntry{typeKey: key})
		p.newKeys = append(p.newKeys, key)
		return key, nil
	}

	if t.EnumVals != nil {
		probe := &Type{Kind: KindEnum, EnumBase: t.EnumBase, EnumVals: vals}
		if sameEnum(t, probe) {
			return key, nil
		}
		return "", &RedefinitionError{Tag: tag}
	}
	t.EnumVals = vals
	t.laidOut = false
	p.journal = append(p.journal, journalEntry{filled: t})
	p.noteNewKey(key)
	return key, nil
}

// ---- declarators ---------------------------------------------------------------

// parseDeclarator consumes pointer stars, a (possibly function-pointer)
// declarator and its suffixes, returning the declared name ("" when
// abstract), the resulting type key and the name token for error positions.
func (p *declParser) parseDeclarator(baseKey string) (string, string, Token, error) {
	p.skipQualifiers()

	conv := ConvDefault
	for p.at(TIdent) && (p.peek().Lexeme == "__cdecl" || p.peek().Lexeme == "__stdcall") {
		if p.next().Lexeme == "__stdcall" {
			conv = ConvStdcall
		} else {
			conv = ConvCDecl
		}
	}

	cur := baseKey
	for p.accept(TStar) {
		p.skipQualifiers()
		cur = p.internPointer(cur)
	}

	// Function pointer declarator: "(" "*" name ")" "(" params ")".
	if p.at(TLRound) && p.toks[p.pos+1].Type == TStar {
		open := p.next() // '('
		if p.fnDepth > 0 {
			return "", "", open, p.errAt(open, "unsupported declarator: nested function pointer")
		}
		p.next() // '*'
		name := ""
		var nameTok Token
		if p.at(TIdent) {
			nameTok = p.next()
			name = nameTok.Lexeme
		}
		if _, err := p.expect(TRRound, "')'"); err != nil {
			return "", "", open, err
		}
		if _, err := p.expect(TLRound, "'('"); err != nil {
			return "", "", open, err
		}
		p.fnDepth++
		params, variadic, err := p.parseParams()
		p.fnDepth--
		if err != nil {
			return "", "", open, err
		}
		c, err := normalizeConvention(conv)
		if err != nil {
			return "", "", open, p.errAt(open, "%s", err.Error())
		}
		ft := &Type{Kind: KindFunc, Convention: c, Params: params, Ret: cur, Variadic: variadic}
		key := p.internFunc(ft)
		return name, key, nameTok, nil
	}

	name := ""
	nameTok := p.peek()
	if p.at(TIdent) && !declQualifiers[p.peek().Lexeme] {
		nameTok = p.next()
		name = nameTok.Lexeme
	}

	// Array suffix (one dimension).
	if p.at(TLSquare) {
		open := p.next()
		if p.at(TRSquare) {
			return "", "", open, p.errAt(open, "unsupported declarator: flexible array member")
		}
		nTok, err := p.expect(TInteger, "array length")
		if err != nil {
			return "", "", open, err
		}
		if nTok.Int < 0 {
			return "", "", open, p.errAt(nTok, "array length must be non-negative")
		}
		if _, err := p.expect(TRSquare, "']'"); err != nil {
			return "", "", open, err
		}
		if p.at(TLSquare) {
			return "", "", open, p.errAt(p.peek(), "unsupported declarator: multi-dimensional array")
		}
		cur = p.internArray(cur, int(nTok.Int))
		return name, cur, nameTok, nil
	}

	// Function prototype suffix.
	if p.at(TLRound) {
		p.next()
		params, variadic, err := p.parseParams()
		if err != nil {
			return "", "", nameTok, err
		}
		c, err := normalizeConvention(conv)
		if err != nil {
			return "", "", nameTok, p.errAt(nameTok, "%s", err.Error())
		}
		ft := &Type{Kind: KindFunc, Convention: c, Params: params, Ret: cur, Variadic: variadic}
		key := p.internFunc(ft)
		return name, key, nameTok, nil
	}

	return name, cur, nameTok, nil
}

// parseParams parses a parameter list up to and including the closing ')'.
// Parameters may themselves be function pointers (comparators, callbacks).
func (p *declParser) parseParams() ([]string, bool, error) {
	params := []string{}
	variadic := false

	if p.accept(TRRound) {
		return params, false, nil
	}

	// "(void)" means no parameters.
	if p.identIs("void") && p.toks[p.pos+1].Type == TRRound {
		p.pos += 2
		return params, false, nil
	}

	for {
		if p.at(TEllipsis) {
			tok := p.next()
			if len(params) == 0 {
				return nil, false, p.errAt(tok, "variadic marker requires at least one fixed parameter")
			}
			variadic = true
			break
		}
		baseKey, err := p.parseDeclSpec()
		if err != nil {
			return nil, false, err
		}
		_, key, tok, err := p.parseDeclarator(baseKey)
		if err != nil {
			return nil, false, err
		}
		// Array parameters decay to pointers, as in C.
		if kt := p.r.mustGet(key); kt.Kind == KindArray {
			key = p.internPointer(kt.Elem)
		}
		if resolve(p.r, p.r.mustGet(key)).Kind == KindVoid {
			return nil, false, p.errAt(tok, "parameter cannot have type void")
		}
		params = append(params, key)
		if p.accept(TComma) {
			continue
		}
		break
	}
	if _, err := p.expect(TRRound, "')'"); err != nil {
		return nil, false, err
	}
	return params, variadic, nil
}
