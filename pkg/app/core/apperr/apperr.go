// Package apperr defines the error taxonomy shared by the exchange engine and
// the request layer. Every failure carries a stable Code; callers branch on
// codes with errors.Is against the sentinels below.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeAssetUnavailable  Code = "ASSET_UNAVAILABLE"
	CodeNotOwner          Code = "NOT_OWNER"
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeAlreadyLocked     Code = "ALREADY_LOCKED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeNotActive         Code = "NOT_ACTIVE"
	CodeExpired           Code = "EXPIRED"
	CodeSelfTrade         Code = "SELF_TRADE"
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodeNotCreator        Code = "NOT_CREATOR"
	CodeInvalidRequest    Code = "INVALID_REQUEST"
	CodeStoreConflict     Code = "STORE_CONFLICT"
	CodeStoreFailure      Code = "STORE_FAILURE"
)

// Parent returns the broader class a refined code belongs to.
// NOT_OWNER, INSUFFICIENT_FUNDS and ALREADY_LOCKED are all ASSET_UNAVAILABLE.
func (c Code) Parent() Code {
	switch c {
	case CodeNotOwner, CodeInsufficientFunds, CodeAlreadyLocked:
		return CodeAssetUnavailable
	default:
		return c
	}
}

// Retryable reports whether an operation failing with c may be re-run as is.
func (c Code) Retryable() bool {
	return c == CodeStoreConflict
}

// Error is a coded failure. Err, when set, is the underlying cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches by code. A refined error also matches its parent class, so
// errors.Is(notOwnerErr, ErrAssetUnavailable) holds.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code || e.Code.Parent() == t.Code
}

var (
	ErrAssetUnavailable  = &Error{Code: CodeAssetUnavailable, Message: "asset unavailable"}
	ErrNotOwner          = &Error{Code: CodeNotOwner, Message: "asset not owned"}
	ErrInsufficientFunds = &Error{Code: CodeInsufficientFunds, Message: "insufficient available tokens"}
	ErrAlreadyLocked     = &Error{Code: CodeAlreadyLocked, Message: "asset already locked by another offer"}
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "not found"}
	ErrNotActive         = &Error{Code: CodeNotActive, Message: "offer is not active"}
	ErrExpired           = &Error{Code: CodeExpired, Message: "offer has expired"}
	ErrSelfTrade         = &Error{Code: CodeSelfTrade, Message: "cannot accept your own offer"}
	ErrUnauthenticated   = &Error{Code: CodeUnauthenticated, Message: "unauthenticated"}
	ErrNotCreator        = &Error{Code: CodeNotCreator, Message: "only the creator may cancel an offer"}
	ErrInvalidRequest    = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrStoreConflict     = &Error{Code: CodeStoreConflict, Message: "transaction aborted by contention"}
	ErrStoreFailure      = &Error{Code: CodeStoreFailure, Message: "storage failure"}
)

// New builds a coded error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to a cause.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Invalid is shorthand for an INVALID_REQUEST error.
func Invalid(format string, args ...any) *Error {
	return New(CodeInvalidRequest, format, args...)
}

// CodeOf returns the code of the outermost *Error in err's chain, or
// STORE_FAILURE for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStoreFailure
}

// MessageOf returns the message of the outermost *Error, or err.Error().
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
