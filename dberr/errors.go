// Package dberr is the engine's error taxonomy (§7). Every fallible engine
// operation returns one of these kinds, wrapped with github.com/pkg/errors
// so a caller can still recover the underlying I/O error via Cause
// while switching on Kind for the stable name.
package dberr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a stable error name from §7. Never renumber; callers type-switch on it.
type Kind int

const (
	IO Kind = iota + 1
	DatabaseOccupied
	Busy
	NotAValidDatabase
	ChecksumMismatch
	ParseError
	MetaPageIdError
	CollectionNotFound
	IndexAlreadyExists
	InvalidOrderOfIndex
	DataExist
	TypeMismatch
	TypeNotComparable
	NotAValidKeyType
	DataOverflow
	PageSpaceNotEnough
	ItemSizeGreaterThenExpected
	NoTransactionStarted
	NotImplement
)

var kindNames = map[Kind]string{
	IO:                          "IO",
	DatabaseOccupied:            "DatabaseOccupied",
	Busy:                        "Busy",
	NotAValidDatabase:           "NotAValidDatabase",
	ChecksumMismatch:            "ChecksumMismatch",
	ParseError:                  "ParseError",
	MetaPageIdError:             "MetaPageIdError",
	CollectionNotFound:          "CollectionNotFound",
	IndexAlreadyExists:          "IndexAlreadyExists",
	InvalidOrderOfIndex:         "InvalidOrderOfIndex",
	DataExist:                   "DataExist",
	TypeMismatch:                "TypeMismatch",
	TypeNotComparable:           "TypeNotComparable",
	NotAValidKeyType:            "NotAValidKeyType",
	DataOverflow:                "DataOverflow",
	PageSpaceNotEnough:          "PageSpaceNotEnough",
	ItemSizeGreaterThenExpected: "ItemSizeGreaterThenExpected",
	NoTransactionStarted:        "NoTransactionStarted",
	NotImplement:                "NotImplement",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Error is the concrete error value carried through the engine. Detail holds
// the kind-specific payload (a key for DataExist, a pair of type names for
// TypeMismatch, ...) already formatted — callers needing the raw value
// should consult the operation that returned the error, not parse Detail.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap lets errors.Is/errors.As reach the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no wrapped cause.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf builds an Error with a formatted detail string.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches an engine Kind to an underlying cause (typically an I/O
// error), keeping the stack trace pkg/errors records at the wrap site.
func Wrap(kind Kind, cause error, detail string) *Error {
	if cause == nil {
		return New(kind, detail)
	}
	return &Error{Kind: kind, Detail: detail, cause: errors.WithStack(cause)}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Cause returns the deepest wrapped error, matching pkg/errors semantics.
func Cause(err error) error {
	if e, ok := err.(*Error); ok && e.cause != nil {
		return errors.Cause(e.cause)
	}
	return errors.Cause(err)
}
