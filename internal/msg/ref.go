package msg

// Ref is the immutable request context of one collection operation. It is
// built once from a resource identifier and passed by value.
type Ref struct {
	Path         string
	DepositionID string
	Category     Category
	Partition    int
	Format       string
	Version      int
	// Virtual marks identifiers with no physical file behind them.
	Virtual bool
}

// Known reports whether both the deposition id and the category were resolved.
func (r Ref) Known() bool { return r.DepositionID != "" && r.Category != "" }

// Snapshot is the result of reading a collection. Found is false when the
// collection does not exist yet, which is a normal state.
type Snapshot struct {
	Ref        Ref
	Found      bool
	Collection Collection
}

// Empty reports whether the read produced no rows.
func (s Snapshot) Empty() bool { return !s.Found || s.Collection.Empty() }

// WriteResult reports the outcome of committing a transaction.
type WriteResult struct {
	// Written is true when the primary copy was persisted.
	Written bool
	// Mirrored is true when the depositor-facing copy was also written.
	Mirrored bool
	// MirrorFailed is true when the primary write succeeded but the mirror
	// write did not. MirrorErr holds the cause.
	MirrorFailed bool
	MirrorErr    error
}
