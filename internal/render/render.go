// Package render implements the message template language: dotted-path
// placeholder substitution plus conditional blocks. Templates come from
// operators, not users, but they still never execute code: the language is a
// closed set of comparisons and boolean connectives evaluated against the
// notification's data map.
//
// Rendering is fail-soft. A missing placeholder becomes an empty string and a
// malformed or unresolvable condition evaluates to false; Render never
// returns an error for bad template text.
package render

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*)\}`)
	tagRe         = regexp.MustCompile(`\{%\s*(if|elif|else|endif)\b([^%]*)%\}`)
)

// Render expands a template against data: conditional blocks first, then
// placeholders.
func Render(tmpl string, data map[string]any) string {
	out := renderBlocks(tmpl, data)
	return placeholderRe.ReplaceAllStringFunc(out, func(m string) string {
		path := m[1 : len(m)-1]
		v, ok := lookup(data, path)
		if !ok {
			return ""
		}
		return formatValue(v)
	})
}

type tag struct {
	kind string // if, elif, else, endif
	expr string
	lo   int // byte offsets of the whole tag in the template
	hi   int
}

func renderBlocks(tmpl string, data map[string]any) string {
	tags := findTags(tmpl)
	if len(tags) == 0 {
		return tmpl
	}
	var b strings.Builder
	pos := 0
	i := 0
	for i < len(tags) {
		t := tags[i]
		if t.kind != "if" {
			// Stray elif/else/endif: drop the tag, keep surrounding text.
			b.WriteString(tmpl[pos:t.lo])
			pos = t.hi
			i++
			continue
		}
		b.WriteString(tmpl[pos:t.lo])
		end, body := renderIf(tmpl, tags, i, data)
		b.WriteString(body)
		if end < 0 {
			// Unterminated block: emit nothing past the tag.
			return b.String()
		}
		pos = tags[end].hi
		i = end + 1
	}
	b.WriteString(tmpl[pos:])
	return b.String()
}

// renderIf renders the if-block starting at tags[start] and returns the index
// of its endif tag (-1 if missing) plus the rendered body.
func renderIf(tmpl string, tags []tag, start int, data map[string]any) (int, string) {
	type arm struct {
		expr   string // empty for else
		lo, hi int    // body byte range
	}
	var arms []arm
	cur := arm{expr: tags[start].expr, lo: tags[start].hi}

	depth := 0
	for i := start + 1; i < len(tags); i++ {
		t := tags[i]
		switch t.kind {
		case "if":
			depth++
		case "endif":
			if depth > 0 {
				depth--
				continue
			}
			cur.hi = t.lo
			arms = append(arms, cur)
			for _, a := range arms {
				if a.expr == "" || evalExpr(a.expr, data) {
					return i, renderBlocks(tmpl[a.lo:a.hi], data)
				}
			}
			return i, ""
		case "elif", "else":
			if depth > 0 {
				continue
			}
			cur.hi = t.lo
			arms = append(arms, cur)
			cur = arm{expr: strings.TrimSpace(t.expr), lo: t.hi}
		}
	}
	return -1, ""
}

func findTags(tmpl string) []tag {
	ms := tagRe.FindAllStringSubmatchIndex(tmpl, -1)
	tags := make([]tag, 0, len(ms))
	for _, m := range ms {
		tags = append(tags, tag{
			kind: tmpl[m[2]:m[3]],
			expr: strings.TrimSpace(tmpl[m[4]:m[5]]),
			lo:   m[0],
			hi:   m[1],
		})
	}
	return tags
}

// --- expression evaluation ---

// Grammar, lowest to highest precedence:
//
//	expr   = andEx { "or" andEx }
//	andEx  = notEx { "and" notEx }
//	notEx  = "not" notEx | cmp
//	cmp    = term [ ("=="|"!="|">="|"<="|">"|"<") term ]
//	term   = "(" expr ")" | literal | path
type parser struct {
	toks []string
	pos  int
	data map[string]any
	bad  bool
}

func evalExpr(expr string, data map[string]any) bool {
	toks := tokenize(expr)
	if len(toks) == 0 {
		return false
	}
	p := &parser{toks: toks, data: data}
	v := p.parseOr()
	if p.bad || p.pos != len(p.toks) {
		return false
	}
	return truthy(v)
}

func (p *parser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) parseOr() any {
	v := p.parseAnd()
	for p.peek() == "or" {
		p.next()
		rhs := p.parseAnd()
		v = truthy(v) || truthy(rhs)
	}
	return v
}

func (p *parser) parseAnd() any {
	v := p.parseNot()
	for p.peek() == "and" {
		p.next()
		rhs := p.parseNot()
		v = truthy(v) && truthy(rhs)
	}
	return v
}

func (p *parser) parseNot() any {
	if p.peek() == "not" {
		p.next()
		return !truthy(p.parseNot())
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() any {
	lhs := p.parseTerm()
	op := p.peek()
	switch op {
	case "==", "!=", ">", ">=", "<", "<=":
		p.next()
		rhs := p.parseTerm()
		return compare(op, lhs, rhs)
	}
	return lhs
}

func (p *parser) parseTerm() any {
	t := p.next()
	switch {
	case t == "":
		p.bad = true
		return nil
	case t == "(":
		v := p.parseOr()
		if p.next() != ")" {
			p.bad = true
		}
		return v
	case t == "true":
		return true
	case t == "false":
		return false
	case strings.HasPrefix(t, `"`) || strings.HasPrefix(t, "'"):
		return t[1 : len(t)-1]
	default:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
		v, _ := lookup(p.data, t)
		return v
	}
}

func tokenize(expr string) []string {
	var toks []string
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(' || c == ')':
			toks = append(toks, string(c))
			i++
		case c == '"' || c == '\'':
			j := strings.IndexByte(expr[i+1:], c)
			if j < 0 {
				return nil
			}
			toks = append(toks, expr[i:i+j+2])
			i += j + 2
		case strings.HasPrefix(expr[i:], "=="), strings.HasPrefix(expr[i:], "!="),
			strings.HasPrefix(expr[i:], ">="), strings.HasPrefix(expr[i:], "<="):
			toks = append(toks, expr[i:i+2])
			i += 2
		case c == '>' || c == '<':
			toks = append(toks, string(c))
			i++
		default:
			j := i
			for j < len(expr) && !strings.ContainsRune(" \t\n()><=!\"'", rune(expr[j])) {
				j++
			}
			if j == i {
				return nil
			}
			toks = append(toks, expr[i:j])
			i = j
		}
	}
	return toks
}

// compare does numeric comparison when both sides are numeric, string
// comparison otherwise. Nil only ever equals nil.
func compare(op string, a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		switch op {
		case "==":
			return af == bf
		case "!=":
			return af != bf
		case ">":
			return af > bf
		case ">=":
			return af >= bf
		case "<":
			return af < bf
		case "<=":
			return af <= bf
		}
		return false
	}
	if a == nil || b == nil {
		switch op {
		case "==":
			return a == nil && b == nil
		case "!=":
			return !(a == nil && b == nil)
		}
		return false
	}
	as, bs := formatValue(a), formatValue(b)
	switch op {
	case "==":
		return as == bs
	case "!=":
		return as != bs
	case ">":
		return as > bs
	case ">=":
		return as >= bs
	case "<":
		return as < bs
	case "<=":
		return as <= bs
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	if f, ok := asFloat(v); ok {
		return f != 0
	}
	return true
}

func lookup(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	}
	return fmt.Sprintf("%v", v)
}
