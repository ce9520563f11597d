package query

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokLParen
	tokRParen
	tokDot
	tokComma
	tokOp
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of input"
	case tokIdent:
		return "identifier"
	case tokNumber:
		return "number"
	case tokString:
		return "string"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokDot:
		return "'.'"
	case tokComma:
		return "','"
	case tokOp:
		return "operator"
	}
	return "token"
}

type token struct {
	kind tokenKind
	text string // Raw text; for strings the unescaped value
	pos  int    // Byte offset into the query
}

// is reports whether t is the given keyword (case-insensitive)
func (t token) is(keyword string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, keyword)
}

func (t token) describe() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokString:
		return fmt.Sprintf("'%s'", t.text)
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

var keywords = map[string]bool{
	"MATCH":    true,
	"WHERE":    true,
	"RETURN":   true,
	"LIMIT":    true,
	"AND":      true,
	"OR":       true,
	"CONTAINS": true,
}

func isKeyword(s string) bool {
	return keywords[strings.ToUpper(s)]
}

// lex splits the whole input into tokens up front so that a malformed query
// fails before anything is evaluated
func lex(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		r, size := utf8.DecodeRuneInString(input[i:])
		switch {
		case unicode.IsSpace(r):
			i += size

		case r == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == '.':
			tokens = append(tokens, token{kind: tokDot, text: ".", pos: i})
			i++
		case r == ',':
			tokens = append(tokens, token{kind: tokComma, text: ",", pos: i})
			i++

		case r == '=':
			tokens = append(tokens, token{kind: tokOp, text: "=", pos: i})
			i++
		case r == '!':
			if i+1 < len(input) && input[i+1] == '=' {
				tokens = append(tokens, token{kind: tokOp, text: "!=", pos: i})
				i += 2
				continue
			}
			return nil, &SyntaxError{Pos: i, Token: "!", Msg: "expected '!='"}
		case r == '<' || r == '>':
			op := string(r)
			if i+1 < len(input) && input[i+1] == '=' {
				op += "="
			}
			tokens = append(tokens, token{kind: tokOp, text: op, pos: i})
			i += len(op)

		case r == '\'':
			text, next, err := lexString(input, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokString, text: text, pos: i})
			i = next

		case isDigit(r) || (r == '-' && i+1 < len(input) && isDigit(rune(input[i+1]))):
			start := i
			i++
			for i < len(input) && isDigit(rune(input[i])) {
				i++
			}
			if i+1 < len(input) && input[i] == '.' && isDigit(rune(input[i+1])) {
				i++
				for i < len(input) && isDigit(rune(input[i])) {
					i++
				}
			}
			tokens = append(tokens, token{kind: tokNumber, text: input[start:i], pos: start})

		case isIdentStart(r):
			start := i
			i += size
			for i < len(input) {
				r, size := utf8.DecodeRuneInString(input[i:])
				if !isIdentPart(r) {
					break
				}
				i += size
			}
			tokens = append(tokens, token{kind: tokIdent, text: input[start:i], pos: start})

		default:
			return nil, &SyntaxError{Pos: i, Token: string(r), Msg: "unexpected character"}
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: len(input)})
	return tokens, nil
}

// lexString reads a single-quoted literal starting at input[start].
// \' and \\ are the only escapes.
func lexString(input string, start int) (string, int, error) {
	var sb strings.Builder
	i := start + 1
	for i < len(input) {
		c := input[i]
		switch c {
		case '\\':
			if i+1 < len(input) && (input[i+1] == '\'' || input[i+1] == '\\') {
				sb.WriteByte(input[i+1])
				i += 2
				continue
			}
			sb.WriteByte(c)
			i++
		case '\'':
			return sb.String(), i + 1, nil
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return "", 0, &SyntaxError{Pos: start, Token: input[start:], Msg: "unterminated string"}
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
