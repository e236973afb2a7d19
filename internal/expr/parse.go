package expr

import (
	"strconv"

	"geoetl/pkg/canon"
)

// token kinds produced by the lexer.
type tokKind uint8

const (
	tokEOF tokKind = iota
	tokNumber
	tokString
	tokRef
	tokOp     // + - * / == != < <= > >=
	tokLParen
	tokRParen
	tokQuestion
	tokColon
)

type token struct {
	kind tokKind
	text string
	pos  int
}

// lexer scans an expression source string into tokens on demand.
type lexer struct {
	src string
	off int
}

func (l *lexer) next() (token, error) {
	for l.off < len(l.src) && isSpace(l.src[l.off]) {
		l.off++
	}
	if l.off >= len(l.src) {
		return token{kind: tokEOF, pos: l.off}, nil
	}
	start := l.off
	c := l.src[l.off]

	switch {
	case isDigit(c) || (c == '.' && l.off+1 < len(l.src) && isDigit(l.src[l.off+1])):
		l.off++
		for l.off < len(l.src) && (isDigit(l.src[l.off]) || l.src[l.off] == '.') {
			l.off++
		}
		// optional exponent
		if l.off < len(l.src) && (l.src[l.off] == 'e' || l.src[l.off] == 'E') {
			j := l.off + 1
			if j < len(l.src) && (l.src[j] == '+' || l.src[j] == '-') {
				j++
			}
			if j < len(l.src) && isDigit(l.src[j]) {
				l.off = j
				for l.off < len(l.src) && isDigit(l.src[l.off]) {
					l.off++
				}
			}
		}
		return token{kind: tokNumber, text: l.src[start:l.off], pos: start}, nil

	case c == '\'' || c == '"':
		quote := c
		l.off++
		for l.off < len(l.src) {
			if l.src[l.off] == '\\' {
				l.off += 2
				continue
			}
			if l.src[l.off] == quote {
				body := l.src[start+1 : l.off]
				l.off++
				return token{kind: tokString, text: body, pos: start}, nil
			}
			l.off++
		}
		return token{}, errf(start, "unterminated string literal")

	case c == '$':
		l.off++
		if l.off >= len(l.src) || !isIdentStart(l.src[l.off]) {
			return token{}, errf(start, "'$' must be followed by a field name")
		}
		for l.off < len(l.src) && isIdentRune(l.src[l.off]) {
			l.off++
		}
		return token{kind: tokRef, text: l.src[start+1 : l.off], pos: start}, nil

	case c == '(':
		l.off++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.off++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == '?':
		l.off++
		return token{kind: tokQuestion, text: "?", pos: start}, nil
	case c == ':':
		l.off++
		return token{kind: tokColon, text: ":", pos: start}, nil

	case c == '+' || c == '-' || c == '*' || c == '/':
		l.off++
		return token{kind: tokOp, text: string(c), pos: start}, nil

	case c == '=' || c == '!' || c == '<' || c == '>':
		l.off++
		if l.off < len(l.src) && l.src[l.off] == '=' {
			l.off++
			return token{kind: tokOp, text: l.src[start:l.off], pos: start}, nil
		}
		if c == '<' || c == '>' {
			return token{kind: tokOp, text: string(c), pos: start}, nil
		}
		return token{}, errf(start, "unexpected character %q", string(c))
	}
	return token{}, errf(start, "unexpected character %q", string(c))
}

// parser is a recursive-descent parser with one token of lookahead.
type parser struct {
	lex  lexer
	tok  token
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

// Parse compiles src into an AST. The grammar, lowest precedence first:
//
//	ternary    = comparison [ "?" ternary ":" ternary ]
//	comparison = additive [ ("=="|"!="|"<"|"<="|">"|">=") additive ]
//	additive   = multiplicative { ("+"|"-") multiplicative }
//	multiplicative = unary { ("*"|"/") unary }
//	unary      = "-" unary | primary
//	primary    = NUMBER | STRING | "$" NAME | "(" ternary ")"
func Parse(src string) (Node, error) {
	p := &parser{lex: lexer{src: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	n, err := p.ternary()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, errf(p.tok.pos, "unexpected %q after expression", p.tok.text)
	}
	return n, nil
}

func (p *parser) ternary() (Node, error) {
	cond, err := p.comparison()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokQuestion {
		return cond, nil
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	then, err := p.ternary()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokColon {
		return nil, errf(p.tok.pos, "expected ':' in conditional, got %q", p.tok.text)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	els, err := p.ternary()
	if err != nil {
		return nil, err
	}
	return &Ternary{Cond: cond, Then: then, Else: els}, nil
}

func (p *parser) comparison() (Node, error) {
	left, err := p.additive()
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokOp && isComparison(p.tok.text) {
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.additive()
		if err != nil {
			return nil, err
		}
		return &Binary{Op: op, X: left, Y: right}, nil
	}
	return left, nil
}

func (p *parser) additive() (Node, error) {
	left, err := p.multiplicative()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.multiplicative()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, X: left, Y: right}
	}
	return left, nil
}

func (p *parser) multiplicative() (Node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "*" || p.tok.text == "/") {
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, X: left, Y: right}
	}
	return left, nil
}

func (p *parser) unary() (Node, error) {
	if p.tok.kind == tokOp && p.tok.text == "-" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &Unary{X: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (Node, error) {
	switch p.tok.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return nil, errf(p.tok.pos, "malformed number %q", p.tok.text)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Literal{Val: canon.Some(f)}, nil

	case tokString:
		s, err := unquote(p.tok.text)
		if err != nil {
			return nil, errf(p.tok.pos, "malformed string literal: %v", err)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Literal{Val: canon.Some(s)}, nil

	case tokRef:
		name := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &FieldRef{Name: name}, nil

	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		n, err := p.ternary()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, errf(p.tok.pos, "expected ')', got %q", p.tok.text)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return n, nil

	case tokEOF:
		return nil, errf(p.tok.pos, "unexpected end of expression")
	}
	return nil, errf(p.tok.pos, "unexpected %q", p.tok.text)
}
