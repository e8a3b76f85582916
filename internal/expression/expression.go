// Package expression implements the small, sandboxed expression language
// used by transition guards and by the set_property behavior.
//
// Supported forms:
//   - now, today                 current instant / start of the current day (UTC)
//   - offsetDays(n)              now shifted by n days (n may be negative)
//   - offsetHours(n)             now shifted by n hours
//   - 'text' / "text"            string literal
//   - 42 / -1.5                  numeric literal
//   - true / false / null        constants
//   - field.name                 a field read from the workflow target
//   - state.path.to.value        a value read from instance state
//   - a == b, !=, <, >, <=, >=   comparison
//   - a && b, a || b, !a, (a)    boolean logic
//
// Any other identifier is rejected. Nothing is resolved by reflection.
package expression

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Env supplies the values an expression may read. Every field is optional.
type Env struct {
	// Now returns the evaluation instant. Defaults to time.Now in UTC.
	Now func() time.Time
	// Field reads a named field from the workflow target.
	Field func(name string) (any, bool)
	// State holds instance-scoped values addressed with "state.".
	State map[string]any
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Eval evaluates expr and returns its value. The result is one of string,
// int64, float64, bool, time.Time or nil.
func Eval(expr string, env Env) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}
	toks, err := lex(expr)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", expr, err)
	}
	p := &parser{toks: toks, env: env}
	v, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", expr, err)
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("expression %q: unexpected %q at %d", expr, t.text, t.pos)
	}
	return v, nil
}

// EvalBool evaluates expr as a guard. An empty guard is true.
func EvalBool(expr string, env Env) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	v, err := Eval(expr, env)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// Check reports whether expr is syntactically valid and uses only known
// identifiers. Field and state reads evaluate to null.
func Check(expr string) error {
	_, err := Eval(expr, Env{Now: func() time.Time { return time.Time{} }})
	return err
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
	pos  int
}

var operators = []string{"==", "!=", "<=", ">=", "&&", "||", "<", ">", "!"}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(src[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string at %d", i)
			}
			toks = append(toks, token{tokString, src[i+1 : i+1+end], i})
			i += end + 2
		case isDigit(c) || ((c == '-' || c == '+') && i+1 < len(src) && isDigit(src[i+1])):
			j := i + 1
			for j < len(src) && (isDigit(src[j]) || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j], i})
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j], i})
			i = j
		default:
			op := matchOperator(src[i:])
			if op == "" {
				return nil, fmt.Errorf("unexpected character %q at %d", c, i)
			}
			toks = append(toks, token{tokOp, op, i})
			i += len(op)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

func matchOperator(s string) string {
	for _, op := range operators {
		if strings.HasPrefix(s, op) {
			return op
		}
	}
	return ""
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) || c == '.' }

type parser struct {
	toks []token
	pos  int
	env  Env
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isOp(op string) bool {
	t := p.peek()
	return t.kind == tokOp && t.text == op
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isOp("||") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isOp("&&") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *parser) parseUnary() (any, error) {
	if p.isOp("!") {
		p.next()
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind != tokOp || t.text == "&&" || t.text == "||" || t.text == "!" {
		return left, nil
	}
	p.next()
	right, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return compare(t.text, left, right)
}

func (p *parser) parsePrimary() (any, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing ')' for '(' at %d", t.pos)
		}
		return v, nil
	case tokString:
		return t.text, nil
	case tokNumber:
		return parseNumeric(t.text)
	case tokIdent:
		return p.resolveIdent(t)
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
}

func (p *parser) resolveIdent(t token) (any, error) {
	switch t.text {
	case "now":
		return p.env.now(), nil
	case "today":
		n := p.env.now()
		return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC), nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	case "offsetDays", "offsetHours":
		n, err := p.callArg(t)
		if err != nil {
			return nil, err
		}
		if t.text == "offsetDays" {
			return p.env.now().AddDate(0, 0, int(n)), nil
		}
		return p.env.now().Add(time.Duration(n) * time.Hour), nil
	}

	prefix, path, ok := strings.Cut(t.text, ".")
	if !ok || path == "" {
		return nil, fmt.Errorf("unknown identifier %q", t.text)
	}
	switch prefix {
	case "field":
		if p.env.Field == nil {
			return nil, nil
		}
		v, _ := p.env.Field(path)
		return v, nil
	case "state":
		return navigatePath(p.env.State, path), nil
	default:
		return nil, fmt.Errorf("unknown identifier %q", t.text)
	}
}

// callArg parses the single integer argument of a helper call.
func (p *parser) callArg(fn token) (int64, error) {
	if p.next().kind != tokLParen {
		return 0, fmt.Errorf("%s expects an argument", fn.text)
	}
	arg := p.next()
	if arg.kind != tokNumber {
		return 0, fmt.Errorf("%s expects an integer argument", fn.text)
	}
	n, err := strconv.ParseInt(arg.text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s expects an integer argument: %w", fn.text, err)
	}
	if p.next().kind != tokRParen {
		return 0, fmt.Errorf("missing ')' after %s argument", fn.text)
	}
	return n, nil
}

// navigatePath navigates a dot-separated path through nested maps.
func navigatePath(data map[string]any, path string) any {
	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

func parseNumeric(s string) (any, error) {
	if strings.ContainsRune(s, '.') {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid numeric literal %q: %w", s, err)
		}
		return v, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid numeric literal %q: %w", s, err)
	}
	return v, nil
}
