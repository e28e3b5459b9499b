package expressions

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// The expression language is closed:
//
//	expr    := or
//	or      := and { "||" and }
//	and     := compare { "&&" compare }
//	compare := unary { ("===" | "!==" | ">" | "<" | ">=" | "<=") unary }
//	unary   := ("!" | "-") unary | primary
//	primary := number | string | true | false | null | ${path}
//	         | "(" expr ")" | "[" [expr {"," expr}] "]"
//	         | "{" [key ":" expr {"," key ":" expr}] "}"
//	key     := string | identifier
//
// Nothing in it can call functions, index host objects or mutate state.

// Expr is a compiled expression.
type Expr struct {
	src  string
	root node
}

// String returns the source text.
func (x *Expr) String() string { return x.src }

// Eval evaluates the expression against env.
func (x *Expr) Eval(env *Env) (any, error) {
	v, err := x.root.eval(env)
	if err != nil {
		return nil, evalError(x.src, err)
	}
	return v, nil
}

// Compile parses src into an Expr.
func Compile(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, evalError(src, err)
	}
	p := &exprParser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, evalError(src, err)
	}
	if p.peek().kind != tokEOF {
		return nil, evalError(src, fmt.Errorf("unexpected %q at offset %d", p.peek().text, p.peek().pos))
	}
	return &Expr{src: src, root: root}, nil
}

func evalError(src string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeEvaluation, "evaluate %q: %s", src, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": src})
}

// Evaluator caches compiled expressions. It is safe for concurrent use.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*Expr
}

// NewEvaluator creates an Evaluator with an empty cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*Expr)}
}

func (ev *Evaluator) compile(src string) (*Expr, error) {
	ev.mu.RLock()
	if x, ok := ev.cache[src]; ok {
		ev.mu.RUnlock()
		return x, nil
	}
	ev.mu.RUnlock()

	x, err := Compile(src)
	if err != nil {
		return nil, err
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if cached, ok := ev.cache[src]; ok {
		return cached, nil
	}
	ev.cache[src] = x
	return x, nil
}

// Evaluate compiles (or reuses) src and evaluates it.
func (ev *Evaluator) Evaluate(src string, env *Env) (any, error) {
	x, err := ev.compile(src)
	if err != nil {
		return nil, err
	}
	return x.Eval(env)
}

// Condition evaluates src as a boolean. A malformed or failing expression
// yields false together with the error that caused it.
func (ev *Evaluator) Condition(src string, env *Env) (bool, error) {
	v, err := ev.Evaluate(src, env)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Assign evaluates the right-hand side of an assignment. When evaluation fails
// the substituted source text is used as a literal string, and the evaluation
// error is returned alongside it for logging.
func (ev *Evaluator) Assign(src string, env *Env) (any, error) {
	v, err := ev.Evaluate(src, env)
	if err != nil {
		return SubstituteText(src, env), err
	}
	return v, nil
}

// Truthy applies the usual truthiness rules: false, null, 0, NaN and "" are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0 && val == val
	case string:
		return val != ""
	}
	return true
}

// --- AST ---

type node interface {
	eval(env *Env) (any, error)
}

type literal struct{ value any }

func (n literal) eval(*Env) (any, error) { return n.value, nil }

type reference struct{ path string }

func (n reference) eval(env *Env) (any, error) {
	v, _ := env.Lookup(n.path)
	return v, nil
}

type unary struct {
	op      string
	operand node
}

func (n unary) eval(env *Env) (any, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return nil, err
	}
	if n.op == "!" {
		return !Truthy(v), nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil, fmt.Errorf("cannot negate %s", typeName(v))
	}
	return -f, nil
}

type binary struct {
	op          string
	left, right node
}

func (n binary) eval(env *Env) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "&&":
		if !Truthy(l) {
			return l, nil
		}
		return n.right.eval(env)
	case "||":
		if Truthy(l) {
			return l, nil
		}
		return n.right.eval(env)
	}

	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "===":
		return strictEqual(l, r), nil
	case "!==":
		return !strictEqual(l, r), nil
	}
	return compare(n.op, l, r)
}

type arrayLit struct{ elems []node }

func (n arrayLit) eval(env *Env) (any, error) {
	out := make([]any, 0, len(n.elems))
	for _, e := range n.elems {
		v, err := e.eval(env)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type objectLit struct {
	keys   []string
	values []node
}

func (n objectLit) eval(env *Env) (any, error) {
	out := make(map[string]any, len(n.keys))
	for i, k := range n.keys {
		v, err := n.values[i].eval(env)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func strictEqual(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	if reflect.TypeOf(l) != reflect.TypeOf(r) {
		return false
	}
	return reflect.DeepEqual(l, r)
}

func compare(op string, l, r any) (any, error) {
	switch lv := l.(type) {
	case float64:
		rv, ok := r.(float64)
		if !ok {
			break
		}
		switch op {
		case ">":
			return lv > rv, nil
		case "<":
			return lv < rv, nil
		case ">=":
			return lv >= rv, nil
		case "<=":
			return lv <= rv, nil
		}
	case string:
		rv, ok := r.(string)
		if !ok {
			break
		}
		switch op {
		case ">":
			return lv > rv, nil
		case "<":
			return lv < rv, nil
		case ">=":
			return lv >= rv, nil
		case "<=":
			return lv <= rv, nil
		}
	}
	return nil, fmt.Errorf("cannot compare %s %s %s", typeName(l), op, typeName(r))
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

// --- Lexer ---

type tokKind int

const (
	tokEOF tokKind = iota
	tokNumber
	tokString
	tokIdent
	tokRef
	tokOp
)

type token struct {
	kind tokKind
	text string
	num  float64
	pos  int
}

var operators = []string{"===", "!==", ">=", "<=", "&&", "||", ">", "<", "!", "-", "(", ")", "[", "]", "{", "}", ",", ":"}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '$':
			if i+1 >= len(src) || src[i+1] != '{' {
				return nil, fmt.Errorf("unexpected '$' at offset %d", i)
			}
			end := strings.IndexByte(src[i+2:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unclosed ${ at offset %d", i)
			}
			path := strings.TrimSpace(src[i+2 : i+2+end])
			if path == "" {
				return nil, fmt.Errorf("empty reference at offset %d", i)
			}
			toks = append(toks, token{kind: tokRef, text: path, pos: i})
			i += end + 3
		case c >= '0' && c <= '9' || c == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.' || src[j] == 'e' || src[j] == 'E' ||
				(src[j] == '+' || src[j] == '-') && j > i && (src[j-1] == 'e' || src[j-1] == 'E')) {
				j++
			}
			f, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q at offset %d", src[i:j], i)
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], num: f, pos: i})
			i = j
		case c == '"' || c == '\'':
			s, n, err := lexString(src[i:])
			if err != nil {
				return nil, fmt.Errorf("%s at offset %d", err.Error(), i)
			}
			toks = append(toks, token{kind: tokString, text: s, pos: i})
			i += n
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
			j := i
			for j < len(src) && (src[j] == '_' || src[j] >= 'a' && src[j] <= 'z' || src[j] >= 'A' && src[j] <= 'Z' || src[j] >= '0' && src[j] <= '9') {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], pos: i})
			i = j
		default:
			matched := false
			for _, op := range operators {
				if strings.HasPrefix(src[i:], op) {
					toks = append(toks, token{kind: tokOp, text: op, pos: i})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				return nil, fmt.Errorf("unexpected %q at offset %d", string(c), i)
			}
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

// lexString reads a quoted string and returns its value and consumed length.
func lexString(s string) (string, int, error) {
	quote := s[0]
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == quote:
			return b.String(), i + 1, nil
		case c == '\\' && i+1 < len(s):
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte(s[i])
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}

// --- Parser ---

type exprParser struct {
	toks []token
	pos  int
}

func (p *exprParser) peek() token { return p.toks[p.pos] }

func (p *exprParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *exprParser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *exprParser) expectOp(op string) error {
	if _, ok := p.acceptOp(op); !ok {
		t := p.peek()
		return fmt.Errorf("expected %q at offset %d, found %q", op, t.pos, t.text)
	}
	return nil
}

func (p *exprParser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binary{op: "||", left: left, right: right}
	}
}

func (p *exprParser) parseAnd() (node, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return left, nil
		}
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = binary{op: "&&", left: left, right: right}
	}
}

func (p *exprParser) parseCompare() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("===", "!==", ">=", "<=", ">", "<")
		if !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, left: left, right: right}
	}
}

func (p *exprParser) parseUnary() (node, error) {
	if op, ok := p.acceptOp("!", "-"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unary{op: op, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return literal{t.num}, nil
	case tokString:
		return literal{t.text}, nil
	case tokRef:
		return reference{t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return literal{true}, nil
		case "false":
			return literal{false}, nil
		case "null":
			return literal{nil}, nil
		}
		return nil, fmt.Errorf("unknown identifier %q at offset %d (use ${%s} for variables)", t.text, t.pos, t.text)
	case tokOp:
		switch t.text {
		case "(":
			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			return inner, p.expectOp(")")
		case "[":
			return p.parseArray()
		case "{":
			return p.parseObject()
		}
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
}

func (p *exprParser) parseArray() (node, error) {
	var elems []node
	if _, ok := p.acceptOp("]"); ok {
		return arrayLit{}, nil
	}
	for {
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
		if _, ok := p.acceptOp(","); ok {
			continue
		}
		if err := p.expectOp("]"); err != nil {
			return nil, err
		}
		return arrayLit{elems: elems}, nil
	}
}

func (p *exprParser) parseObject() (node, error) {
	obj := objectLit{}
	if _, ok := p.acceptOp("}"); ok {
		return obj, nil
	}
	for {
		k := p.next()
		if k.kind != tokString && k.kind != tokIdent {
			return nil, fmt.Errorf("expected object key at offset %d", k.pos)
		}
		if err := p.expectOp(":"); err != nil {
			return nil, err
		}
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		obj.keys = append(obj.keys, k.text)
		obj.values = append(obj.values, v)
		if _, ok := p.acceptOp(","); ok {
			continue
		}
		if err := p.expectOp("}"); err != nil {
			return nil, err
		}
		return obj, nil
	}
}
