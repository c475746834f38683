// Package cif reads and writes the subset of mmCIF used by message
// collections: one data block holding loop_ categories of string values.
package cif

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Document is a single data block.
type Document struct {
	Name   string
	Tables []*Table
}

// Table is one category: a list of attribute names and rows of values in
// attribute order. Missing values are empty strings.
type Table struct {
	Category   string
	Attributes []string
	Rows       [][]string
}

// NewDocument creates an empty data block.
func NewDocument(name string) *Document {
	return &Document{Name: name}
}

// NewTable creates an empty category with the given attribute names.
func NewTable(category string, attrs []string) *Table {
	return &Table{Category: category, Attributes: append([]string(nil), attrs...)}
}

// Add appends a table to the document, replacing any table of the same category.
func (d *Document) Add(t *Table) {
	for i, cur := range d.Tables {
		if cur.Category == t.Category {
			d.Tables[i] = t
			return
		}
	}
	d.Tables = append(d.Tables, t)
}

// Table returns the named category, or nil.
func (d *Document) Table(category string) *Table {
	for _, t := range d.Tables {
		if t.Category == category {
			return t
		}
	}
	return nil
}

// Append adds a row given as an attribute->value map. Unknown keys are ignored.
func (t *Table) Append(row map[string]string) {
	vals := make([]string, len(t.Attributes))
	for i, a := range t.Attributes {
		vals[i] = row[a]
	}
	t.Rows = append(t.Rows, vals)
}

// Records returns the rows as attribute->value maps.
func (t *Table) Records() []map[string]string {
	out := make([]map[string]string, 0, len(t.Rows))
	for _, r := range t.Rows {
		m := make(map[string]string, len(t.Attributes))
		for i, a := range t.Attributes {
			if i < len(r) {
				m[a] = r[i]
			}
		}
		out = append(out, m)
	}
	return out
}

// Encode writes doc in mmCIF syntax. Tables without rows are omitted.
func Encode(w io.Writer, doc *Document) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "data_%s\n", doc.Name)
	for _, t := range doc.Tables {
		if len(t.Rows) == 0 {
			continue
		}
		fmt.Fprintf(bw, "#\nloop_\n")
		for _, a := range t.Attributes {
			fmt.Fprintf(bw, "_%s.%s\n", t.Category, a)
		}
		for _, row := range t.Rows {
			writeRow(bw, row)
		}
	}
	fmt.Fprintf(bw, "#\n")
	return bw.Flush()
}

func writeRow(w *bufio.Writer, row []string) {
	lineStart := true
	for _, v := range row {
		if needsTextField(v) {
			if !lineStart {
				w.WriteString("\n")
			}
			w.WriteString(";")
			w.WriteString(escapeText(v))
			w.WriteString("\n;\n")
			lineStart = true
			continue
		}
		if !lineStart {
			w.WriteString(" ")
		}
		w.WriteString(quote(v))
		lineStart = false
	}
	if !lineStart {
		w.WriteString("\n")
	}
}

func needsTextField(v string) bool {
	if strings.ContainsAny(v, "\n\r") {
		return true
	}
	return strings.Contains(v, "'") && strings.Contains(v, `"`)
}

// escapeText protects lines that would otherwise end a text field early.
func escapeText(v string) string {
	lines := strings.Split(v, "\n")
	for i, l := range lines {
		if i > 0 && (strings.HasPrefix(l, ";") || strings.HasPrefix(l, `\`)) {
			lines[i] = `\` + l
		}
	}
	return strings.Join(lines, "\n")
}

func unescapeText(v string) string {
	lines := strings.Split(v, "\n")
	for i, l := range lines {
		if i > 0 && strings.HasPrefix(l, `\`) {
			lines[i] = l[1:]
		}
	}
	return strings.Join(lines, "\n")
}

var reserved = []string{"data_", "loop_", "save_", "global_", "stop_"}

func quote(v string) string {
	if v == "" {
		return "?"
	}
	bare := !strings.ContainsAny(v, " \t") && !strings.ContainsAny(v[:1], `_#$'";[]`) && v != "?" && v != "."
	if bare {
		lv := strings.ToLower(v)
		for _, r := range reserved {
			if strings.HasPrefix(lv, r) {
				bare = false
				break
			}
		}
	}
	if bare {
		return v
	}
	if !strings.Contains(v, "'") {
		return "'" + v + "'"
	}
	return `"` + v + `"`
}
