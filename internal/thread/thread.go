// Package thread orders a flat, chronological list of messages into a
// threaded display order.
//
// A non-root message is well placed when the row before it is its parent, or
// is the last row of an earlier sibling's thread (any row inside the parent's
// subtree that is not inside the message's own subtree). Messages are moved
// together with their contiguous descendants, so a reply never gets separated
// from the replies to it.
package thread

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Item is anything that can be threaded. ParentID returns the item's own id
// for roots.
type Item interface {
	ID() string
	ParentID() string
	Time() time.Time
}

// Entry is an item in display order with its nesting depth.
type Entry[T Item] struct {
	Item  T
	Depth int
}

// ErrNoConvergence is returned when ordering exceeds its iteration cap.
var ErrNoConvergence = errors.New("thread ordering did not converge")

// CycleError reports a parent chain that loops back on itself.
type CycleError struct {
	ID string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("parent chain of message %s contains a cycle", e.ID)
}

// DuplicateError reports an id that appears more than once in the input.
type DuplicateError struct {
	ID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("message %s appears more than once", e.ID)
}

// Order returns items in threaded order annotated with their depth.
// The input is expected in chronological order; it is not modified.
func Order[T Item](items []T) ([]Entry[T], error) {
	o, err := newOrderer(items)
	if err != nil {
		return nil, err
	}
	if err := o.run(); err != nil {
		return nil, err
	}

	byID := make(map[string]T, len(items))
	for _, it := range items {
		byID[it.ID()] = it
	}
	out := make([]Entry[T], len(o.list))
	for i, id := range o.list {
		out[i] = Entry[T]{Item: byID[id], Depth: o.depth[id]}
	}
	return out, nil
}

// Render writes one line per entry, indented two spaces per depth level.
func Render[T Item](w io.Writer, entries []Entry[T], label func(T) string) error {
	for _, e := range entries {
		if _, err := fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", e.Depth), label(e.Item)); err != nil {
			return err
		}
	}
	return nil
}

type orderer struct {
	list   []string
	parent map[string]string
	depth  map[string]int
	ts     map[string]time.Time
}

func newOrderer[T Item](items []T) (*orderer, error) {
	o := &orderer{
		list:   make([]string, 0, len(items)),
		parent: make(map[string]string, len(items)),
		depth:  make(map[string]int, len(items)),
		ts:     make(map[string]time.Time, len(items)),
	}
	for _, it := range items {
		id := it.ID()
		if _, dup := o.parent[id]; dup {
			return nil, &DuplicateError{ID: id}
		}
		o.list = append(o.list, id)
		o.parent[id] = it.ParentID()
		o.ts[id] = it.Time()
	}
	for _, id := range o.list {
		d, err := o.walkDepth(id)
		if err != nil {
			return nil, err
		}
		o.depth[id] = d
	}
	return o, nil
}

// walkDepth counts hops to a root or to a parent that is not in the list.
func (o *orderer) walkDepth(id string) (int, error) {
	seen := map[string]bool{id: true}
	d := 0
	cur := id
	for {
		p, ok := o.parent[cur]
		if !ok || p == cur {
			return d, nil
		}
		d++
		if seen[p] {
			return 0, &CycleError{ID: id}
		}
		seen[p] = true
		cur = p
	}
}

func (o *orderer) run() error {
	maxRounds := len(o.list) + 2
	for round := 0; round < maxRounds; round++ {
		moved, err := o.parentPass(false)
		if err != nil {
			return err
		}
		swapped, err := o.siblingPass()
		if err != nil {
			return err
		}
		reconciled, err := o.parentPass(true)
		if err != nil {
			return err
		}
		if moved+swapped+reconciled == 0 {
			return nil
		}
	}
	return ErrNoConvergence
}

// parentPass relocates misplaced messages behind their parent until none is
// left. In final mode a message is only relocated when it is nested at least
// as deep as the row before it.
func (o *orderer) parentPass(final bool) (int, error) {
	limit := len(o.list)*len(o.list) + 1
	moves := 0
	for {
		i := o.firstMisplaced(final)
		if i < 0 {
			return moves, nil
		}
		o.moveAfterParent(i)
		moves++
		if moves > limit {
			return moves, ErrNoConvergence
		}
	}
}

// siblingPass swaps adjacent sibling threads that are out of chronological
// order until none is left.
func (o *orderer) siblingPass() (int, error) {
	limit := len(o.list)*len(o.list) + 1
	swaps := 0
	for {
		i, j := o.firstInversion()
		if i < 0 {
			return swaps, nil
		}
		o.swapBlocks(i, j)
		swaps++
		if swaps > limit {
			return swaps, ErrNoConvergence
		}
	}
}

func (o *orderer) firstMisplaced(final bool) int {
	for i := range o.list {
		if o.wellPlaced(i) {
			continue
		}
		if final && i > 0 && o.depth[o.list[i]] < o.depth[o.list[i-1]] {
			continue
		}
		return i
	}
	return -1
}

func (o *orderer) firstInversion() (int, int) {
	for i := range o.list {
		j := o.blockEnd(i)
		if j >= len(o.list) {
			continue
		}
		a, b := o.list[i], o.list[j]
		if o.siblings(a, b) && o.ts[a].After(o.ts[b]) {
			return i, j
		}
	}
	return -1, -1
}

func (o *orderer) wellPlaced(i int) bool {
	id := o.list[i]
	p := o.parent[id]
	if p == id {
		return true
	}
	if _, present := o.parent[p]; !present {
		return true
	}
	if i == 0 {
		return false
	}
	prev := o.list[i-1]
	if prev == p {
		return true
	}
	return o.isAncestor(p, prev) && !o.isAncestor(id, prev)
}

// siblings reports whether a and b are non-root messages under the same
// parent at the same depth.
func (o *orderer) siblings(a, b string) bool {
	pa, pb := o.parent[a], o.parent[b]
	return pa != a && pb != b && pa == pb && o.depth[a] == o.depth[b]
}

// isAncestor reports whether a is a proper ancestor of x.
func (o *orderer) isAncestor(a, x string) bool {
	cur := x
	for {
		p, ok := o.parent[cur]
		if !ok || p == cur {
			return false
		}
		if p == a {
			return true
		}
		cur = p
	}
}

// blockEnd returns the index just past the contiguous descendants of list[i].
func (o *orderer) blockEnd(i int) int {
	head := o.list[i]
	j := i + 1
	for j < len(o.list) && o.isAncestor(head, o.list[j]) {
		j++
	}
	return j
}

func (o *orderer) moveAfterParent(i int) {
	j := o.blockEnd(i)
	block := append([]string(nil), o.list[i:j]...)
	rest := make([]string, 0, len(o.list))
	rest = append(rest, o.list[:i]...)
	rest = append(rest, o.list[j:]...)

	p := o.parent[o.list[i]]
	at := 0
	for k, id := range rest {
		if id == p {
			at = k + 1
			break
		}
	}
	out := make([]string, 0, len(o.list))
	out = append(out, rest[:at]...)
	out = append(out, block...)
	out = append(out, rest[at:]...)
	o.list = out
}

// swapBlocks exchanges the thread starting at i with the one starting at j,
// where j is the end of i's thread.
func (o *orderer) swapBlocks(i, j int) {
	k := o.blockEnd(j)
	out := make([]string, 0, len(o.list))
	out = append(out, o.list[:i]...)
	out = append(out, o.list[j:k]...)
	out = append(out, o.list[i:j]...)
	out = append(out, o.list[k:]...)
	o.list = out
}
