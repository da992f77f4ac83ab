// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package errors wraps pkg/errors and adds error codes so callers can tell
// structural, concurrency, resource and usage failures apart.
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is an error code which can be used to check against a given error. For
// example, see the Is() method.
type Code string

// Structural errors.
const (
	ErrCorrupt        Code = "Corrupt"
	ErrBlockNotFound  Code = "BlockNotFound"
	ErrUnknownKey     Code = "UnknownKey"
	ErrJournalCorrupt Code = "JournalCorrupt"
)

// Concurrency errors.
const (
	ErrPromotionConflict      Code = "PromotionConflict"
	ErrConcurrentModification Code = "ConcurrentModification"
	ErrLocationLocked         Code = "LocationLocked"
	ErrWriterTimeout          Code = "WriterTimeout"
)

// Resource errors.
const (
	ErrIO         Code = "IO"
	ErrOutOfSpace Code = "OutOfSpace"
)

// Usage errors.
const (
	ErrTxClosed      Code = "TxClosed"
	ErrTxNotWritable Code = "TxNotWritable"
	ErrTxState       Code = "TxState"
	ErrInvalidRecord Code = "InvalidRecord"
)

const (
	ErrUncoded Code = "Uncoded"
)

func New(code Code, message string) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: message,
	})
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...interface{}) error {
	return New(code, fmt.Sprintf(format, args...))
}

// IOError marks err as an ErrIO failure while keeping its message.
func IOError(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(codedError{
		Code:    ErrIO,
		Message: message,
		Wrapped: message + ": " + err.Error(),
		cause:   err,
	})
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func Cause(err error) error {
	return errors.Cause(err)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Is is a fork of the Is() method from `pkg/errors` which takes as its target
// an error Code instead of an error.
func Is(err error, target Code) bool {
	match := codedError{
		Code: target,
	}
	return errors.Is(err, match)
}

// CodeOf returns the code of the first coded error in err's chain, or
// ErrUncoded.
func CodeOf(err error) Code {
	var ce codedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrUncoded
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func WithMessage(err error, message string) error {
	return errors.WithMessage(err, message)
}

func WithMessagef(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(err, format, args...)
}

func WithStack(err error) error {
	return errors.WithStack(err)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, fmt string, args ...interface{}) error {
	return errors.Wrapf(err, fmt, args...)
}

// codedError is the fundamental type used by this package to provide coded
// errors.
type codedError struct {
	Code    Code
	Message string
	Wrapped string

	cause error
}

func (ce codedError) Error() string {
	if ce.Wrapped != "" {
		return ce.Wrapped
	}
	return ce.Message
}

func (ce codedError) Is(err error) bool {
	if e, ok := err.(codedError); ok && ce.Code == e.Code {
		return true
	}
	return false
}

// Unwrap exposes the underlying error of an IOError.
func (ce codedError) Unwrap() error {
	return ce.cause
}
