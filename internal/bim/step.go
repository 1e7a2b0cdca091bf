package bim

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ref is an instance reference (#123).
type ref int

// enum is an enumeration literal (.ELEMENT.).
type enum string

// typed is a typed parameter such as IFCLABEL('x').
type typed struct {
	name  string
	value any
}

// instance is one line of the DATA section.
type instance struct {
	id     ref
	entity string
	args   []any
}

func (in instance) str(i int) string {
	if i >= len(in.args) {
		return ""
	}
	switch v := in.args[i].(type) {
	case string:
		return v
	case typed:
		if s, ok := v.value.(string); ok {
			return s
		}
	}
	return ""
}

func (in instance) num(i int) (float64, bool) {
	if i >= len(in.args) {
		return 0, false
	}
	switch v := in.args[i].(type) {
	case float64:
		return v, true
	case typed:
		f, ok := v.value.(float64)
		return f, ok
	}
	return 0, false
}

func (in instance) ref(i int) (ref, bool) {
	if i >= len(in.args) {
		return 0, false
	}
	r, ok := in.args[i].(ref)
	return r, ok
}

func (in instance) refs(i int) []ref {
	if i >= len(in.args) {
		return nil
	}
	list, _ := in.args[i].([]any)
	out := make([]ref, 0, len(list))
	for _, v := range list {
		if r, ok := v.(ref); ok {
			out = append(out, r)
		}
	}
	return out
}

var ErrNotIFC = errors.New("not an IFC STEP file")

// scanInstances reads statements from a STEP physical file and calls fn for every instance
// whose entity name keep accepts.
func scanInstances(r io.Reader, keep func(entity string) bool, fn func(instance)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	sawHeader, inData := false, false
	for {
		stmt, err := readStatement(br)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		stmt = strings.TrimSpace(stmt)
		switch {
		case stmt == "":
		case strings.HasPrefix(stmt, "ISO-10303-21"):
			sawHeader = true
		case stmt == "DATA":
			inData = true
		case stmt == "ENDSEC":
			inData = false
		case inData && strings.HasPrefix(stmt, "#"):
			in, ok, perr := parseInstance(stmt, keep)
			if perr != nil {
				return perr
			}
			if ok {
				fn(in)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
	}
	if !sawHeader {
		return ErrNotIFC
	}
	return nil
}

// readStatement returns the text up to the next ';' outside string literals and comments.
func readStatement(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	inString := false
	for {
		c, err := br.ReadByte()
		if err != nil {
			return sb.String(), err
		}
		switch {
		case inString:
			sb.WriteByte(c)
			if c == '\'' {
				if next, perr := br.Peek(1); perr == nil && next[0] == '\'' {
					_, _ = br.ReadByte()
					sb.WriteByte('\'')
					continue
				}
				inString = false
			}
		case c == '\'':
			inString = true
			sb.WriteByte(c)
		case c == '/':
			if next, perr := br.Peek(1); perr == nil && next[0] == '*' {
				_, _ = br.ReadByte()
				if err := skipComment(br); err != nil {
					return sb.String(), err
				}
				continue
			}
			sb.WriteByte(c)
		case c == ';':
			return sb.String(), nil
		case c == '\n' || c == '\r':
			// statements may wrap
		default:
			sb.WriteByte(c)
		}
	}
}

func skipComment(br *bufio.Reader) error {
	prev := byte(0)
	for {
		c, err := br.ReadByte()
		if err != nil {
			return err
		}
		if prev == '*' && c == '/' {
			return nil
		}
		prev = c
	}
}

func parseInstance(stmt string, keep func(string) bool) (instance, bool, error) {
	eq := strings.IndexByte(stmt, '=')
	if eq < 0 {
		return instance{}, false, fmt.Errorf("malformed instance %.40q", stmt)
	}
	id, err := strconv.Atoi(strings.TrimSpace(stmt[1:eq]))
	if err != nil {
		return instance{}, false, fmt.Errorf("malformed instance id %.40q", stmt)
	}
	body := strings.TrimSpace(stmt[eq+1:])
	open := strings.IndexByte(body, '(')
	if open < 0 {
		return instance{}, false, fmt.Errorf("malformed instance #%d", id)
	}
	entity := strings.ToUpper(strings.TrimSpace(body[:open]))
	if !keep(entity) {
		return instance{}, false, nil
	}
	p := &argParser{s: body[open:]}
	v, err := p.value()
	if err != nil {
		return instance{}, false, fmt.Errorf("instance #%d: %w", id, err)
	}
	args, _ := v.([]any)
	return instance{id: ref(id), entity: entity, args: args}, true, nil
}

type argParser struct {
	s   string
	pos int
}

func (p *argParser) skipSpace() {
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t') {
		p.pos++
	}
}

func (p *argParser) value() (any, error) {
	p.skipSpace()
	if p.pos >= len(p.s) {
		return nil, errors.New("unexpected end of parameters")
	}
	switch c := p.s[p.pos]; {
	case c == '(':
		return p.list()
	case c == '\'':
		return p.str()
	case c == '#':
		p.pos++
		start := p.pos
		for p.pos < len(p.s) && p.s[p.pos] >= '0' && p.s[p.pos] <= '9' {
			p.pos++
		}
		n, err := strconv.Atoi(p.s[start:p.pos])
		return ref(n), err
	case c == '$' || c == '*':
		p.pos++
		return nil, nil
	case c == '.':
		end := strings.IndexByte(p.s[p.pos+1:], '.')
		if end < 0 {
			return nil, errors.New("unterminated enumeration")
		}
		v := enum(p.s[p.pos+1 : p.pos+1+end])
		p.pos += end + 2
		return v, nil
	case c == '-' || c == '+' || (c >= '0' && c <= '9'):
		start := p.pos
		for p.pos < len(p.s) && strings.IndexByte("+-.0123456789Ee", p.s[p.pos]) >= 0 {
			p.pos++
		}
		return strconv.ParseFloat(p.s[start:p.pos], 64)
	case c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z':
		start := p.pos
		for p.pos < len(p.s) && p.s[p.pos] != '(' {
			p.pos++
		}
		name := strings.TrimSpace(p.s[start:p.pos])
		inner, err := p.list()
		if err != nil {
			return nil, err
		}
		var v any
		if len(inner) > 0 {
			v = inner[0]
		}
		return typed{name: strings.ToUpper(name), value: v}, nil
	default:
		return nil, fmt.Errorf("unexpected %q at %d", c, p.pos)
	}
}

func (p *argParser) list() ([]any, error) {
	p.pos++ // (
	var out []any
	for {
		p.skipSpace()
		if p.pos >= len(p.s) {
			return nil, errors.New("unterminated list")
		}
		if p.s[p.pos] == ')' {
			p.pos++
			return out, nil
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		p.skipSpace()
		if p.pos < len(p.s) && p.s[p.pos] == ',' {
			p.pos++
		}
	}
}

func (p *argParser) str() (string, error) {
	p.pos++ // opening quote
	var sb strings.Builder
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		p.pos++
		if c != '\'' {
			sb.WriteByte(c)
			continue
		}
		if p.pos < len(p.s) && p.s[p.pos] == '\'' {
			sb.WriteByte('\'')
			p.pos++
			continue
		}
		return sb.String(), nil
	}
	return "", errors.New("unterminated string")
}
