// Package failure tags errors with the class a caller should react to.
//
// Sentinels are created once per package with New and compared with
// errors.Is; the class of any error in a wrap chain is read with KindOf.
package failure

import "errors"

// Kind classifies an error by how callers are expected to handle it.
type Kind string

const (
	// KindUnknown is reported for errors that were never tagged.
	KindUnknown Kind = "unknown"
	// KindValidation marks malformed input. Nothing was changed.
	KindValidation Kind = "validation"
	// KindPrecondition marks an operation attempted in the wrong state.
	// Nothing was changed; callers may retry after re-reading state.
	KindPrecondition Kind = "precondition"
	// KindConflict marks a lost concurrency race. Callers should refresh and retry.
	KindConflict Kind = "conflict"
	// KindNotFound marks a missing entity.
	KindNotFound Kind = "not_found"
	// KindForbidden marks a caller that may not perform the operation.
	KindForbidden Kind = "forbidden"
	// KindCollaborator marks a failure of an external collaborator.
	KindCollaborator Kind = "collaborator"
)

// Error is a kind-tagged error. Values are used as sentinels, so New must be
// called once and the result shared.
type Error struct {
	kind Kind
	msg  string
}

// New returns a sentinel error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Kind reports the class of e.
func (e *Error) Kind() Kind { return e.kind }

// KindOf returns the kind of the first tagged error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
