package msg

import (
	"context"
	"fmt"
)

// NotesSummary describes the annotator notes of a deposition.
type NotesSummary struct {
	// Any is true when the notes collection holds any message, archived
	// copies included.
	Any bool `json:"any" yaml:"any"`
	// Annotator is true when there is an annotator note, or failing that an
	// externally flagged one.
	Annotator bool `json:"annotator" yaml:"annotator"`
	// Flagged is true when only externally flagged notes were found.
	Flagged bool `json:"flagged" yaml:"flagged"`
	Count   int  `json:"count" yaml:"count"`
}

// Summary holds the global checks of a deposition.
type Summary struct {
	AllRead         bool         `json:"all_read" yaml:"all_read"`
	AllActioned     bool         `json:"all_actioned" yaml:"all_actioned"`
	AnyReleaseFlags bool         `json:"any_release_flags" yaml:"any_release_flags"`
	Notes           NotesSummary `json:"notes" yaml:"notes"`
}

type depositionState struct {
	fromDepositor Collection
	toDepositor   Collection
	notes         Collection
}

func (s *Service) loadState(ctx context.Context, depositionID string) (depositionState, error) {
	var st depositionState
	targets := []struct {
		c   Category
		dst *Collection
	}{
		{FromDepositor, &st.fromDepositor},
		{ToDepositor, &st.toDepositor},
		{AnnotatorNotes, &st.notes},
	}
	for _, t := range targets {
		snap, err := s.store.Read(ctx, s.store.PathFor(depositionID, t.c))
		if err != nil {
			return st, fmt.Errorf("reading %s: %w", t.c, err)
		}
		*t.dst = snap.Collection
	}
	return st, nil
}

// Summary runs every global check over one consistent read.
func (s *Service) Summary(ctx context.Context, depositionID string) (Summary, error) {
	st, err := s.loadState(ctx, depositionID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		AllRead:         st.allRead(),
		AllActioned:     st.allActioned(),
		AnyReleaseFlags: st.anyReleaseFlags(s.isReleaseRequest),
		Notes:           st.notesSummary(),
	}, nil
}

// AllRead reports whether every depositor message has been marked read.
func (s *Service) AllRead(ctx context.Context, depositionID string) (bool, error) {
	st, err := s.loadState(ctx, depositionID)
	if err != nil {
		return false, err
	}
	return st.allRead(), nil
}

// AllActioned reports whether no depositor message still requires action.
func (s *Service) AllActioned(ctx context.Context, depositionID string) (bool, error) {
	st, err := s.loadState(ctx, depositionID)
	if err != nil {
		return false, err
	}
	return st.allActioned(), nil
}

// AnyReleaseFlags reports whether any message is flagged for release, or a
// depositor message with no status yet is a release request.
func (s *Service) AnyReleaseFlags(ctx context.Context, depositionID string) (bool, error) {
	st, err := s.loadState(ctx, depositionID)
	if err != nil {
		return false, err
	}
	return st.anyReleaseFlags(s.isReleaseRequest), nil
}

// Notes summarizes the annotator notes of a deposition.
func (s *Service) Notes(ctx context.Context, depositionID string) (NotesSummary, error) {
	st, err := s.loadState(ctx, depositionID)
	if err != nil {
		return NotesSummary{}, err
	}
	return st.notesSummary(), nil
}

// A depositor message without a status row counts as unread and unactioned.
func (st depositionState) allRead() bool {
	for _, m := range st.fromDepositor.Messages {
		s, ok := st.toDepositor.Status(m.MessageID)
		if !ok || s.ReadStatus == No {
			return false
		}
	}
	return true
}

func (st depositionState) allActioned() bool {
	for _, m := range st.fromDepositor.Messages {
		s, ok := st.toDepositor.Status(m.MessageID)
		if !ok || s.ActionRequired == Yes {
			return false
		}
	}
	return true
}

func (st depositionState) anyReleaseFlags(isRelease func(Message) bool) bool {
	for _, c := range []Collection{st.fromDepositor, st.toDepositor} {
		for _, m := range c.Messages {
			if s, ok := st.toDepositor.Status(m.MessageID); ok && s.ForRelease == Yes {
				return true
			}
		}
	}
	for _, m := range st.fromDepositor.Messages {
		if _, ok := st.toDepositor.Status(m.MessageID); !ok && isRelease(m) {
			return true
		}
	}
	return false
}

func (st depositionState) notesSummary() NotesSummary {
	ns := NotesSummary{Count: len(st.notes.Messages)}
	ns.Any = ns.Count > 0
	for _, m := range st.notes.Messages {
		if m.IsNote() {
			ns.Annotator = true
			return ns
		}
	}
	for _, m := range st.notes.Messages {
		if m.IsFlagged() {
			ns.Annotator = true
			ns.Flagged = true
			break
		}
	}
	return ns
}
