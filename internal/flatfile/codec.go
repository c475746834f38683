package flatfile

import (
	"fmt"
	"io"

	"msgstore/internal/cif"
	"msgstore/internal/msg"
)

// mmCIF categories of the record kinds.
const (
	MessageCategory           = "pdbx_deposition_message_info"
	FileReferenceCategory     = "pdbx_deposition_message_file_reference"
	StatusCategory            = "pdbx_deposition_message_status"
	OrigCommReferenceCategory = "pdbx_deposition_message_origcomm_reference"
)

func modelled(category string) bool {
	switch category {
	case MessageCategory, FileReferenceCategory, StatusCategory, OrigCommReferenceCategory:
		return true
	}
	return false
}

// EncodeCollection writes c as a single mmCIF data block named name.
func EncodeCollection(w io.Writer, name string, c msg.Collection) error {
	if name == "" {
		name = "messages"
	}
	doc := cif.NewDocument(name)

	mt := cif.NewTable(MessageCategory, msg.MessageAttributes)
	for _, m := range c.Messages {
		mt.Append(m.Row())
	}
	ft := cif.NewTable(FileReferenceCategory, msg.FileReferenceAttributes)
	for _, f := range c.FileReferences {
		ft.Append(f.Row())
	}
	st := cif.NewTable(StatusCategory, msg.StatusAttributes)
	for _, s := range c.Statuses {
		st.Append(s.Row())
	}
	ot := cif.NewTable(OrigCommReferenceCategory, msg.OrigCommReferenceAttributes)
	for _, o := range c.OrigCommReferences {
		ot.Append(o.Row())
	}
	doc.Add(mt)
	doc.Add(ft)
	doc.Add(st)
	doc.Add(ot)
	for _, x := range c.Extra {
		if modelled(x.Category) {
			continue
		}
		doc.Add(&cif.Table{Category: x.Category, Attributes: x.Attributes, Rows: x.Rows})
	}

	return cif.Encode(w, doc)
}

// DecodeCollection parses a collection written by EncodeCollection.
// Tables of other categories are kept in Collection.Extra in file order.
func DecodeCollection(r io.Reader) (msg.Collection, error) {
	doc, err := cif.Decode(r)
	if err != nil {
		return msg.Collection{}, err
	}

	var c msg.Collection
	if t := doc.Table(MessageCategory); t != nil {
		for i, row := range t.Records() {
			m, err := msg.MessageFromRow(row)
			if err != nil {
				return msg.Collection{}, fmt.Errorf("message row %d: %w", i+1, err)
			}
			c.Messages = append(c.Messages, m)
		}
	}
	if t := doc.Table(FileReferenceCategory); t != nil {
		for i, row := range t.Records() {
			f, err := msg.FileReferenceFromRow(row)
			if err != nil {
				return msg.Collection{}, fmt.Errorf("file reference row %d: %w", i+1, err)
			}
			c.FileReferences = append(c.FileReferences, f)
		}
	}
	if t := doc.Table(StatusCategory); t != nil {
		for i, row := range t.Records() {
			s, err := msg.StatusFromRow(row)
			if err != nil {
				return msg.Collection{}, fmt.Errorf("status row %d: %w", i+1, err)
			}
			c.Statuses = append(c.Statuses, s)
		}
	}
	if t := doc.Table(OrigCommReferenceCategory); t != nil {
		for i, row := range t.Records() {
			o, err := msg.OrigCommReferenceFromRow(row)
			if err != nil {
				return msg.Collection{}, fmt.Errorf("origcomm reference row %d: %w", i+1, err)
			}
			c.OrigCommReferences = append(c.OrigCommReferences, o)
		}
	}
	for _, t := range doc.Tables {
		if modelled(t.Category) {
			continue
		}
		c.Extra = append(c.Extra, msg.ExtraTable{Category: t.Category, Attributes: t.Attributes, Rows: t.Rows})
	}
	return c, nil
}

// ArchiveCodec encodes collections in the on-disk format for archiving.
type ArchiveCodec struct{}

func (ArchiveCodec) Encode(w io.Writer, depositionID string, c msg.Collection) error {
	return EncodeCollection(w, depositionID, c)
}

var _ msg.ArchiveCodec = ArchiveCodec{}
