// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package apperr defines the error kinds surfaced at component boundaries.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a stable tag identifying a class of failure
type Kind string

const (
	KindValidation           Kind = "validation"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindEmbeddingUnavailable Kind = "embedding_unavailable"
	KindLedgerConflict       Kind = "ledger_transition_conflict"
	KindChainUnavailable     Kind = "chain_unavailable"
	KindChainRejected        Kind = "chain_rejected"
	KindStorage              Kind = "storage"
)

// Error is a failure tagged with a Kind and the operation that produced it
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. An *Error target
// with only Kind set acts as a sentinel, so errors.Is(err, apperr.NotFoundErr) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is comparisons
var (
	ValidationErr     = &Error{Kind: KindValidation}
	NotFoundErr       = &Error{Kind: KindNotFound}
	ConflictErr       = &Error{Kind: KindConflict}
	EmbeddingErr      = &Error{Kind: KindEmbeddingUnavailable}
	LedgerConflictErr = &Error{Kind: KindLedgerConflict}
	ChainUnavailErr   = &Error{Kind: KindChainUnavailable}
	ChainRejectedErr  = &Error{Kind: KindChainRejected}
	StorageErr        = &Error{Kind: KindStorage}
)

// New creates an error of the given kind
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. A nil err yields nil; an err that already carries
// a kind keeps it.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation creates a validation error
func Validation(op, format string, args ...interface{}) *Error {
	return New(KindValidation, op, format, args...)
}

// NotFound creates a not-found error
func NotFound(op, format string, args ...interface{}) *Error {
	return New(KindNotFound, op, format, args...)
}

// Storage wraps a storage I/O failure
func Storage(op string, err error) error {
	return Wrap(KindStorage, op, err)
}

// KindOf returns the kind carried by err, or "" when err is untagged
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
