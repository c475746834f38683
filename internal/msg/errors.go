package msg

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes failures of the record store.
type ErrorKind string

const (
	// KindLockTimeout: lock acquisition exceeded its deadline.
	KindLockTimeout ErrorKind = "LOCK_TIMEOUT"

	// KindSanityCheck: the persisted row count is below the caller's watermark.
	KindSanityCheck ErrorKind = "SANITY_CHECK_FAILURE"

	// KindMissingCollection: the collection does not exist yet.
	KindMissingCollection ErrorKind = "MISSING_COLLECTION"

	// KindMirrorWrite: the depositor-facing mirror write failed.
	KindMirrorWrite ErrorKind = "MIRROR_WRITE_FAILURE"

	// KindRoutingAmbiguity: a resource identifier has no deposition id or category.
	KindRoutingAmbiguity ErrorKind = "ROUTING_AMBIGUITY"

	// KindMalformedThread: the parent graph of a message list contains a cycle
	// or could not be ordered.
	KindMalformedThread ErrorKind = "MALFORMED_THREAD"

	KindDuplicate     ErrorKind = "DUPLICATE_RECORD"
	KindInvalidRecord ErrorKind = "INVALID_RECORD"
	KindTxnClosed     ErrorKind = "TXN_CLOSED"
)

// Error is the error type returned by the record store and its backends.
type Error struct {
	Kind     ErrorKind
	Op       string
	Resource string
	Err      error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrLockTimeout       = &Error{Kind: KindLockTimeout}
	ErrSanityCheck       = &Error{Kind: KindSanityCheck}
	ErrMissingCollection = &Error{Kind: KindMissingCollection}
	ErrMirrorWrite       = &Error{Kind: KindMirrorWrite}
	ErrRoutingAmbiguity  = &Error{Kind: KindRoutingAmbiguity}
	ErrMalformedThread   = &Error{Kind: KindMalformedThread}
	ErrDuplicate         = &Error{Kind: KindDuplicate}
	ErrInvalidRecord     = &Error{Kind: KindInvalidRecord}
	ErrTxnClosed         = &Error{Kind: KindTxnClosed}
)

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Resource != "" {
		msg += " (" + e.Resource + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind, so wrapped store errors compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func invalid(format string, args ...any) error {
	return &Error{Kind: KindInvalidRecord, Err: fmt.Errorf(format, args...)}
}
