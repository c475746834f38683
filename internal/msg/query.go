package msg

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"msgstore/internal/thread"
)

// Filter selects messages. Terms match case-insensitively as substrings.
type Filter struct {
	// Search matches any of subject, text, sender, message id and type.
	Search string
	// Fields maps row attribute names (see MessageAttributes) to terms that
	// must all match.
	Fields map[string]string
	// Drafts includes messages that were never sent.
	Drafts bool
	// Locked reads under the collection lock instead of the unlocked cache.
	Locked bool
}

var searchAttributes = []string{"message_subject", "message_text", "sender", "message_id", "message_type"}

// Match reports whether m passes the filter.
func (f Filter) Match(m Message) bool {
	if m.IsDraft() && !f.Drafts {
		return false
	}
	row := m.Row()
	if f.Search != "" {
		term := strings.ToLower(f.Search)
		hit := false
		for _, a := range searchAttributes {
			if strings.Contains(strings.ToLower(row[a]), term) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for k, v := range f.Fields {
		if !strings.Contains(strings.ToLower(row[k]), strings.ToLower(v)) {
			return false
		}
	}
	return true
}

// MessageView is a message with its files and status.
type MessageView struct {
	Message `yaml:",inline"`
	Files   []FileReference `json:"files,omitempty" yaml:"files,omitempty"`
	Status  *Status         `json:"status,omitempty" yaml:"status,omitempty"`
}

// Messages lists the messages of one collection that pass f, in ordinal
// order.
func (s *Service) Messages(ctx context.Context, depositionID string, c Category, f Filter) ([]MessageView, error) {
	read := s.store.Peek
	if f.Locked {
		read = s.store.Read
	}
	snap, err := read(ctx, s.store.PathFor(depositionID, c))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", c, err)
	}
	statuses := snap.Collection
	if c != ToDepositor {
		st, err := read(ctx, s.store.PathFor(depositionID, ToDepositor))
		if err != nil {
			return nil, fmt.Errorf("reading statuses: %w", err)
		}
		statuses = st.Collection
	}

	var out []MessageView
	for _, m := range snap.Collection.Messages {
		if !f.Match(m) {
			continue
		}
		v := MessageView{Message: m, Files: snap.Collection.FilesFor(m.MessageID)}
		if st, ok := statuses.Status(m.MessageID); ok {
			v.Status = &st
		}
		out = append(out, v)
	}
	return out, nil
}

// History merges the sent messages of all three collections of a deposition
// by timestamp and returns them in threaded order.
func (s *Service) History(ctx context.Context, depositionID string) ([]thread.Entry[Message], error) {
	var all []Message
	for _, c := range Categories() {
		snap, err := s.store.Peek(ctx, s.store.PathFor(depositionID, c))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", c, err)
		}
		for _, m := range snap.Collection.Messages {
			if !m.IsDraft() {
				all = append(all, m)
			}
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })

	entries, err := thread.Order(all)
	if err != nil {
		return nil, &Error{Kind: KindMalformedThread, Op: "history", Resource: depositionID, Err: err}
	}
	return entries, nil
}
