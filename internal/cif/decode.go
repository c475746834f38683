package cif

import (
	"fmt"
	"io"
	"strings"
)

type token struct {
	val    string
	quoted bool
	line   int
}

func (t token) keyword(k string) bool {
	return !t.quoted && strings.EqualFold(t.val, k)
}

func (t token) tag() bool { return !t.quoted && strings.HasPrefix(t.val, "_") }

func (t token) blockHeader() bool {
	return !t.quoted && len(t.val) >= 5 && strings.EqualFold(t.val[:5], "data_")
}

// Decode parses the first data block of r.
func Decode(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading cif: %w", err)
	}
	toks, err := tokenize(string(data))
	if err != nil {
		return nil, err
	}

	doc := &Document{}
	i := 0
	if i < len(toks) && toks[i].blockHeader() {
		doc.Name = toks[i].val[5:]
		i++
	}
	for i < len(toks) {
		tok := toks[i]
		switch {
		case tok.blockHeader():
			// only the first block is read
			return doc, nil
		case tok.keyword("loop_"):
			t, next, err := parseLoop(toks, i+1)
			if err != nil {
				return nil, err
			}
			doc.Add(t)
			i = next
		case tok.tag():
			if i+1 >= len(toks) || toks[i+1].tag() || toks[i+1].keyword("loop_") {
				return nil, fmt.Errorf("line %d: no value for %s", tok.line, tok.val)
			}
			cat, attr, err := splitTag(tok)
			if err != nil {
				return nil, err
			}
			t := doc.Table(cat)
			if t == nil {
				t = &Table{Category: cat, Rows: [][]string{{}}}
				doc.Add(t)
			}
			t.Attributes = append(t.Attributes, attr)
			t.Rows[0] = append(t.Rows[0], value(toks[i+1]))
			i += 2
		default:
			return nil, fmt.Errorf("line %d: unexpected value %q", tok.line, tok.val)
		}
	}
	return doc, nil
}

func parseLoop(toks []token, i int) (*Table, int, error) {
	t := &Table{}
	for i < len(toks) && toks[i].tag() {
		cat, attr, err := splitTag(toks[i])
		if err != nil {
			return nil, 0, err
		}
		if t.Category == "" {
			t.Category = cat
		} else if cat != t.Category {
			return nil, 0, fmt.Errorf("line %d: loop mixes categories %s and %s", toks[i].line, t.Category, cat)
		}
		t.Attributes = append(t.Attributes, attr)
		i++
	}
	if len(t.Attributes) == 0 {
		return nil, 0, fmt.Errorf("loop_ without tags")
	}

	var vals []string
	for i < len(toks) && !toks[i].tag() && !toks[i].keyword("loop_") && !toks[i].blockHeader() {
		vals = append(vals, value(toks[i]))
		i++
	}
	n := len(t.Attributes)
	if len(vals)%n != 0 {
		return nil, 0, fmt.Errorf("loop %s: %d values for %d attributes", t.Category, len(vals), n)
	}
	for j := 0; j < len(vals); j += n {
		t.Rows = append(t.Rows, vals[j:j+n])
	}
	return t, i, nil
}

func splitTag(tok token) (string, string, error) {
	cat, attr, ok := strings.Cut(tok.val[1:], ".")
	if !ok || cat == "" || attr == "" {
		return "", "", fmt.Errorf("line %d: malformed tag %s", tok.line, tok.val)
	}
	return cat, attr, nil
}

// value maps the unknown and inapplicable markers to the empty string.
func value(tok token) string {
	if !tok.quoted && (tok.val == "?" || tok.val == ".") {
		return ""
	}
	return tok.val
}

func tokenize(s string) ([]token, error) {
	var toks []token
	line := 1
	i := 0
	atLineStart := true
	for i < len(s) {
		c := s[i]
		switch {
		case c == '\n':
			line++
			i++
			atLineStart = true
			continue
		case c == ' ' || c == '\t' || c == '\r':
			i++
			atLineStart = false
			continue
		case c == ';' && atLineStart:
			end := strings.Index(s[i+1:], "\n;")
			if end < 0 {
				return nil, fmt.Errorf("line %d: unterminated text field", line)
			}
			body := s[i+1 : i+1+end]
			toks = append(toks, token{val: unescapeText(body), quoted: true, line: line})
			line += strings.Count(body, "\n") + 1
			i += 1 + end + 2
		case c == '#':
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case c == '\'' || c == '"':
			j := i + 1
			for {
				k := strings.IndexByte(s[j:], c)
				if k < 0 {
					return nil, fmt.Errorf("line %d: unterminated quoted string", line)
				}
				j += k
				if j+1 >= len(s) || isSpace(s[j+1]) {
					break
				}
				j++
			}
			val := s[i+1 : j]
			if strings.Contains(val, "\n") {
				return nil, fmt.Errorf("line %d: quoted string spans lines", line)
			}
			toks = append(toks, token{val: val, quoted: true, line: line})
			i = j + 1
		default:
			j := i
			for j < len(s) && !isSpace(s[j]) {
				j++
			}
			toks = append(toks, token{val: s[i:j], line: line})
			i = j
		}
		atLineStart = false
	}
	return toks, nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
