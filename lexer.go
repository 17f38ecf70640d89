// Tokenizer for the C declaration subset.
package luneffi

import (
	"fmt"
	"strconv"
)

// TokenType represents the kind of declaration token.
type TokenType int

const (
	// Special
	TEOF TokenType = iota

	// Punctuation
	TStar      // "*"
	TSemi      // ";"
	TComma     // ","
	TColon     // ":"
	TLCurly    // "{"
	TRCurly    // "}"
	TLRound    // "("
	TRRound    // ")"
	TLSquare   // "["
	TRSquare   // "]"
	TAssign    // "="
	TEllipsis  // "..."

	// Literals & identifiers
	TIdent
	TInteger
)

// Token is a lexical token with its position in the declaration text.
type Token struct {
	Type      TokenType
	Lexeme    string
	Int       int64 // valid when Type == TInteger
	Line      int   // 1-based
	Col       int   // 1-based
	StartByte int
}

func (t Token) String() string {
	if t.Type == TEOF {
		return "<eof>"
	}
	return fmt.Sprintf("%q", t.Lexeme)
}

// lexDeclarations tokenizes declaration text, handling // and /* */ comments
// and C integer literals (decimal, hex, octal). Any unexpected byte aborts
// with a positioned ParseError.
func lexDeclarations(src string) ([]Token, error) {
	var toks []Token
	line, col := 1, 1
	i := 0
	n := len(src)

	advance := func(k int) {
		for j := 0; j < k; j++ {
			if src[i+j] == '\n' {
				line++
				col = 1
			} else {
				col++
			}
		}
		i += k
	}
	emit := func(tt TokenType, start, startLine, startCol int) {
		toks = append(toks, Token{
			Type:      tt,
			Lexeme:    src[start:i],
			Line:      startLine,
			Col:       startCol,
			StartByte: start,
		})
	}

	for i < n {
		c := src[i]

		// whitespace
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' {
			advance(1)
			continue
		}
		// comments
		if c == '/' && i+1 < n && src[i+1] == '/' {
			for i < n && src[i] != '\n' {
				advance(1)
			}
			continue
		}
		if c == '/' && i+1 < n && src[i+1] == '*' {
			startLine, startCol := line, col
			advance(2)
			closed := false
			for i+1 < n {
				if src[i] == '*' && src[i+1] == '/' {
					advance(2)
					closed = true
					break
				}
				advance(1)
			}
			if !closed {
				return nil, &ParseError{Line: startLine, Col: startCol, Msg: "unterminated comment"}
			}
			continue
		}

		startLine, startCol, start := line, col, i

		switch c {
		case '*':
			advance(1)
			emit(TStar, start, startLine, startCol)
			continue
		case ';':
			advance(1)
			emit(TSemi, start, startLine, startCol)
			continue
		case ',':
			advance(1)
			emit(TComma, start, startLine, startCol)
			continue
		case ':':
			advance(1)
			emit(TColon, start, startLine, startCol)
			continue
		case '{':
			advance(1)
			emit(TLCurly, start, startLine, startCol)
			continue
		case '}':
			advance(1)
			emit(TRCurly, start, startLine, startCol)
			continue
		case '(':
			advance(1)
			emit(TLRound, start, startLine, startCol)
			continue
		case ')':
			advance(1)
			emit(TRRound, start, startLine, startCol)
			continue
		case '[':
			advance(1)
			emit(TLSquare, start, startLine, startCol)
			continue
		case ']':
			advance(1)
			emit(TRSquare, start, startLine, startCol)
			continue
		case '=':
			advance(1)
			emit(TAssign, start, startLine, startCol)
			continue
		case '.':
			if i+2 < n && src[i+1] == '.' && src[i+2] == '.' {
				advance(3)
				emit(TEllipsis, start, startLine, startCol)
				continue
			}
			return nil, &ParseError{Line: line, Col: col, Msg: "unexpected '.'"}
		}

		if isIdentStart(c) {
			for i < n && isIdentPart(src[i]) {
				advance(1)
			}
			emit(TIdent, start, startLine, startCol)
			continue
		}

		if c >= '0' && c <= '9' || (c == '-' && i+1 < n && src[i+1] >= '0' && src[i+1] <= '9') {
			advance(1)
			for i < n && (isIdentPart(src[i])) {
				advance(1)
			}
			lex := src[start:i]
			// strconv handles 0x/0 prefixes with base 0; trailing u/l suffixes
			// are stripped first.
			v, err := strconv.ParseInt(trimIntSuffix(lex), 0, 64)
			if err != nil {
				return nil, &ParseError{Line: startLine, Col: startCol, Msg: "bad integer literal " + strconv.Quote(lex)}
			}
			toks = append(toks, Token{
				Type:      TInteger,
				Lexeme:    lex,
				Int:       v,
				Line:      startLine,
				Col:       startCol,
				StartByte: start,
			})
			continue
		}

		return nil, &ParseError{Line: line, Col: col, Msg: fmt.Sprintf("unexpected character %q", string(c))}
	}

	toks = append(toks, Token{Type: TEOF, Line: line, Col: col, StartByte: n})
	return toks, nil
}

func trimIntSuffix(s string) string {
	for len(s) > 0 {
		switch s[len(s)-1] {
		case 'u', 'U', 'l', 'L':
			s = s[:len(s)-1]
		default:
			return s
		}
	}
	return s
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}
