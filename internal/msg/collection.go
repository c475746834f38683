package msg

// Collection is the full row set of one deposition and category.
type Collection struct {
	Messages       []Message       `json:"messages" yaml:"messages"`
	FileReferences []FileReference `json:"file_references,omitempty" yaml:"file_references,omitempty"`
	Statuses       []Status        `json:"statuses,omitempty" yaml:"statuses,omitempty"`

	OrigCommReferences []OrigCommReference `json:"origcomm_references,omitempty" yaml:"origcomm_references,omitempty"`

	// Extra holds tables of categories this package does not model. They are
	// carried through read-modify-write cycles unchanged.
	Extra []ExtraTable `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// ExtraTable is an opaque table kept verbatim from a stored collection.
type ExtraTable struct {
	Category   string     `json:"category" yaml:"category"`
	Attributes []string   `json:"attributes" yaml:"attributes"`
	Rows       [][]string `json:"rows" yaml:"rows"`
}

// Empty reports whether the collection holds no rows of any kind.
func (c Collection) Empty() bool {
	return len(c.Messages) == 0 && len(c.FileReferences) == 0 && len(c.Statuses) == 0 &&
		len(c.OrigCommReferences) == 0 && len(c.Extra) == 0
}

// NextMessageOrdinal returns the ordinal the next appended message receives.
func (c Collection) NextMessageOrdinal() int { return len(c.Messages) + 1 }

// NextFileReferenceOrdinal returns the ordinal the next appended file reference receives.
func (c Collection) NextFileReferenceOrdinal() int { return len(c.FileReferences) + 1 }

// NextOrigCommReferenceOrdinal returns the ordinal the next appended
// original-communication reference receives.
func (c Collection) NextOrigCommReferenceOrdinal() int { return len(c.OrigCommReferences) + 1 }

// Message looks up a message by id.
func (c Collection) Message(id string) (Message, bool) {
	for _, m := range c.Messages {
		if m.MessageID == id {
			return m, true
		}
	}
	return Message{}, false
}

// Status looks up the status row of a message.
func (c Collection) Status(id string) (Status, bool) {
	for _, s := range c.Statuses {
		if s.MessageID == id {
			return s, true
		}
	}
	return Status{}, false
}

// FilesFor returns the file references owned by a message.
func (c Collection) FilesFor(id string) []FileReference {
	var out []FileReference
	for _, f := range c.FileReferences {
		if f.MessageID == id {
			out = append(out, f)
		}
	}
	return out
}

// Clone returns a copy that shares no slices with c.
func (c Collection) Clone() Collection {
	out := Collection{
		Messages:           append([]Message(nil), c.Messages...),
		FileReferences:     append([]FileReference(nil), c.FileReferences...),
		Statuses:           append([]Status(nil), c.Statuses...),
		OrigCommReferences: append([]OrigCommReference(nil), c.OrigCommReferences...),
	}
	for _, x := range c.Extra {
		rows := make([][]string, len(x.Rows))
		for i, r := range x.Rows {
			rows[i] = append([]string(nil), r...)
		}
		out.Extra = append(out.Extra, ExtraTable{
			Category:   x.Category,
			Attributes: append([]string(nil), x.Attributes...),
			Rows:       rows,
		})
	}
	return out
}

// OrigCommReferencesFor returns the original-communication references owned by a message.
func (c Collection) OrigCommReferencesFor(id string) []OrigCommReference {
	var out []OrigCommReference
	for _, o := range c.OrigCommReferences {
		if o.MessageID == id {
			out = append(out, o)
		}
	}
	return out
}

func (c Collection) hasFile(k FileKey) bool {
	for _, f := range c.FileReferences {
		if f.Key() == k {
			return true
		}
	}
	return false
}
