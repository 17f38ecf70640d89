// Structured error taxonomy and caret-snippet rendering.
//
// Every recoverable failure of the engine is one of the typed errors below so
// embedders can match with errors.As. Declaration errors additionally render
// a plain-text snippet with a caret pointing at the offending column, via
// WrapErrorWithSource.
package luneffi

import (
	"fmt"
	"strings"
)

// ParseError reports a malformed or unsupported declaration. Line and Col are
// 1-based; Col points at the first byte of the offending token. Nothing is
// registered when a ParseError is returned.
type ParseError struct {
	Line int
	Col  int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d:%d: %s", e.Line, e.Col, e.Msg)
}

// RedefinitionError reports a conflicting second definition under an already
// registered typedef name or struct/union/enum tag.
type RedefinitionError struct {
	Tag string
}

func (e *RedefinitionError) Error() string {
	return fmt.Sprintf("conflicting redefinition of %q", e.Tag)
}

// LoadError reports a dynamic library that could not be opened, carrying the
// platform loader's own message.
type LoadError struct {
	Path          string
	SystemMessage string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("cannot load %q: %s", e.Path, e.SystemMessage)
}

// SymbolNotFoundError reports a name the loader could not resolve.
type SymbolNotFoundError struct {
	Name          string
	SystemMessage string
}

func (e *SymbolNotFoundError) Error() string {
	if e.SystemMessage != "" {
		return fmt.Sprintf("symbol %q not found: %s", e.Name, e.SystemMessage)
	}
	return fmt.Sprintf("symbol %q not found", e.Name)
}

// TypeMismatchError reports a cast or assignment across incompatible
// descriptors.
type TypeMismatchError struct {
	Expected string
	Actual   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// ArityError reports a call-site argument count that does not satisfy the
// function descriptor.
type ArityError struct {
	Expected int
	Actual   int
	Variadic bool
}

func (e *ArityError) Error() string {
	if e.Variadic {
		return fmt.Sprintf("wrong argument count: want at least %d, got %d", e.Expected, e.Actual)
	}
	return fmt.Sprintf("wrong argument count: want %d, got %d", e.Expected, e.Actual)
}

// BoundsError reports an access outside the declared extent of an owned cell.
type BoundsError struct {
	Offset uintptr
	Length uintptr
	Extent uintptr
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("access [%d,%d) outside owned extent %d", e.Offset, e.Offset+e.Length, e.Extent)
}

// WrapErrorWithSource augments a *ParseError with a caret-annotated snippet
// of the declaration text. Other errors are returned unchanged.
func WrapErrorWithSource(err error, src string) error {
	return WrapErrorWithName(err, "", src)
}

// WrapErrorWithName is WrapErrorWithSource with a source label ("in <name>")
// in the header.
func WrapErrorWithName(err error, srcName, src string) error {
	pe, ok := err.(*ParseError)
	if !ok {
		return err
	}
	return fmt.Errorf("%s", caretSnippet(src, "DECLARATION ERROR", srcName, pe.Line, pe.Col, pe.Msg))
}

// caretSnippet builds a Python-like snippet: a header, up to one line of
// context on each side, and a caret under the 1-based column. Coordinates
// out of range are clamped so rendering never fails.
func caretSnippet(src, header, name string, line, col int, msg string) string {
	lines := strings.Split(src, "\n")
	if line < 1 {
		line = 1
	}
	if col < 1 {
		col = 1
	}
	if len(lines) == 0 {
		lines = []string{""}
	}
	if line > len(lines) {
		line = len(lines)
	}

	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "%s in %s at %d:%d: %s\n\n", header, name, line, col, msg)
	} else {
		fmt.Fprintf(&b, "%s at %d:%d: %s\n\n", header, line, col, msg)
	}
	if line > 1 {
		fmt.Fprintf(&b, "%4d | %s\n", line-1, lines[line-2])
	}
	fmt.Fprintf(&b, "%4d | %s\n", line, lines[line-1])
	fmt.Fprintf(&b, "     | %s^\n", strings.Repeat(" ", col-1))
	if line < len(lines) {
		fmt.Fprintf(&b, "%4d | %s\n", line+1, lines[line])
	}
	return b.String()
}
