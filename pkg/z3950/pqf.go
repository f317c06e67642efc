package z3950

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yourusername/aleph-gateway/pkg/catalog"
)

var attributeSets = map[string]string{
	"bib-1": OIDBib1,
	"bib1":  OIDBib1,
}

type pqfToken struct {
	text   string
	quoted bool
}

// ParsePQF parses a Prefix Query Format string such as
//
//	@attrset bib-1 @and @attr 1=4 "krakatit" @attr 1=1003 capek
//
// Supported operators are @attrset, @attr, @and, @or and @not.
func ParsePQF(s string) (Query, error) {
	tokens, err := tokenizePQF(s)
	if err != nil {
		return Query{}, &catalog.QueryError{Query: s, Reason: err.Error()}
	}
	p := &pqfParser{query: s, tokens: tokens}

	q := Query{AttributeSet: OIDBib1}
	if p.peekOperator("@attrset") {
		p.pos++
		name, ok := p.next()
		if !ok {
			return Query{}, p.errorf("@attrset without a name")
		}
		oid, err := resolveAttributeSet(name.text)
		if err != nil {
			return Query{}, p.errorf("%v", err)
		}
		q.AttributeSet = oid
	}

	root, err := p.parseNode()
	if err != nil {
		return Query{}, err
	}
	if p.pos < len(p.tokens) {
		return Query{}, p.errorf("unexpected %q after end of query", p.tokens[p.pos].text)
	}
	q.Root = root
	return q, nil
}

func resolveAttributeSet(name string) (string, error) {
	if oid, ok := attributeSets[strings.ToLower(name)]; ok {
		return oid, nil
	}
	if validOID(name) {
		return name, nil
	}
	return "", fmt.Errorf("unknown attribute set %q", name)
}

// validOID reports whether s is a dotted object identifier that BER can encode.
func validOID(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return false
	}
	arcs := make([]int, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return false
		}
		arcs[i] = n
	}
	return arcs[0] <= 2 && (arcs[0] == 2 || arcs[1] < 40)
}

func tokenizePQF(s string) ([]pqfToken, error) {
	var tokens []pqfToken
	for i := 0; i < len(s); {
		switch c := s[i]; {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '"':
			var b strings.Builder
			i++
			closed := false
			for i < len(s) {
				if s[i] == '\\' && i+1 < len(s) {
					b.WriteByte(s[i+1])
					i += 2
					continue
				}
				if s[i] == '"' {
					closed = true
					i++
					break
				}
				b.WriteByte(s[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quoted term")
			}
			tokens = append(tokens, pqfToken{text: b.String(), quoted: true})
		default:
			start := i
			for i < len(s) && !strings.ContainsRune(" \t\n\r\"", rune(s[i])) {
				i++
			}
			tokens = append(tokens, pqfToken{text: s[start:i]})
		}
	}
	return tokens, nil
}

type pqfParser struct {
	query  string
	tokens []pqfToken
	pos    int
}

func (p *pqfParser) errorf(format string, args ...any) error {
	return &catalog.QueryError{Query: p.query, Reason: fmt.Sprintf(format, args...)}
}

func (p *pqfParser) next() (pqfToken, bool) {
	if p.pos >= len(p.tokens) {
		return pqfToken{}, false
	}
	t := p.tokens[p.pos]
	p.pos++
	return t, true
}

func (p *pqfParser) peekOperator(op string) bool {
	return p.pos < len(p.tokens) && !p.tokens[p.pos].quoted && p.tokens[p.pos].text == op
}

func (p *pqfParser) parseNode() (QueryNode, error) {
	if p.pos >= len(p.tokens) {
		return nil, p.errorf("missing search term")
	}
	t := p.tokens[p.pos]
	if !t.quoted {
		switch t.text {
		case "@and", "@or", "@not":
			p.pos++
			left, err := p.parseNode()
			if err != nil {
				return nil, err
			}
			right, err := p.parseNode()
			if err != nil {
				return nil, err
			}
			op := map[string]string{"@and": "AND", "@or": "OR", "@not": "AND-NOT"}[t.text]
			return QueryComplex{Operator: op, Left: left, Right: right}, nil
		}
	}
	return p.parseClause()
}

func (p *pqfParser) parseClause() (QueryNode, error) {
	var clause QueryClause
	for p.peekOperator("@attr") {
		p.pos++
		spec, ok := p.next()
		if !ok {
			return nil, p.errorf("@attr without type=value")
		}
		// An attribute set may precede the pair: @attr bib-1 1=4.
		if !strings.Contains(spec.text, "=") {
			if _, err := resolveAttributeSet(spec.text); err != nil {
				return nil, p.errorf("%v", err)
			}
			if spec, ok = p.next(); !ok {
				return nil, p.errorf("@attr without type=value")
			}
		}
		attr, err := parseAttribute(spec.text)
		if err != nil {
			return nil, p.errorf("%v", err)
		}
		clause.Attributes = append(clause.Attributes, attr)
	}

	term, ok := p.next()
	if !ok {
		return nil, p.errorf("missing search term")
	}
	if !term.quoted && strings.HasPrefix(term.text, "@") {
		return nil, p.errorf("unsupported operator %q", term.text)
	}
	clause.Term = term.text
	return clause, nil
}

func parseAttribute(s string) (AttributeElement, error) {
	typ, val, ok := strings.Cut(s, "=")
	if !ok {
		return AttributeElement{}, fmt.Errorf("attribute %q is not type=value", s)
	}
	t, err := strconv.Atoi(typ)
	if err != nil || t <= 0 {
		return AttributeElement{}, fmt.Errorf("attribute type %q is not a positive integer", typ)
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		return AttributeElement{}, fmt.Errorf("attribute value %q is not an integer", val)
	}
	return AttributeElement{Type: t, Value: v}, nil
}
