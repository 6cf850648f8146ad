// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package utxoindex

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a category of error.
type ErrorCode uint8

// These constants are used to identify a specific Error.
const (
	// ErrDuplicateOutPoint indicates an outpoint appears twice in one
	// side of a batch.
	ErrDuplicateOutPoint ErrorCode = iota

	// ErrInvalidAmount indicates a record with a zero or negative amount.
	ErrInvalidAmount

	// ErrUnknownSpend indicates a spent record for an outpoint that is
	// neither known unspent nor created in the same batch.
	ErrUnknownSpend

	// ErrDatabase indicates an error with the underlying database.  When
	// this error code is set, the Err field of the Error will be set to
	// the underlying error returned from the database.
	ErrDatabase

	// ErrData describes an error where data stored in the index is
	// incorrect.
	ErrData
)

var errStrs = [...]string{
	ErrDuplicateOutPoint: "ErrDuplicateOutPoint",
	ErrInvalidAmount:     "ErrInvalidAmount",
	ErrUnknownSpend:      "ErrUnknownSpend",
	ErrDatabase:          "ErrDatabase",
	ErrData:              "ErrData",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if e < ErrorCode(len(errStrs)) {
		return errStrs[e]
	}
	return fmt.Sprintf("ErrorCode(%d)", e)
}

// Error provides a single type for errors that can happen during index
// operation.
type Error struct {
	Code ErrorCode // Describes the kind of error
	Desc string    // Human readable description of the issue
	Err  error     // Underlying error, optional
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Desc + ": " + e.Err.Error()
	}
	return e.Desc
}

// Unwrap returns the underlying error, if any.
func (e Error) Unwrap() error {
	return e.Err
}

func indexError(c ErrorCode, desc string, err error) Error {
	return Error{Code: c, Desc: desc, Err: err}
}

// IsRejected returns whether err rejects a batch for violating an
// association precondition.  Nothing was written when it is true.
func IsRejected(err error) bool {
	var ierr Error
	if !errors.As(err, &ierr) {
		return false
	}
	switch ierr.Code {
	case ErrDuplicateOutPoint, ErrInvalidAmount, ErrUnknownSpend:
		return true
	}
	return false
}

// IsCode returns whether err is an Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var ierr Error
	return errors.As(err, &ierr) && ierr.Code == code
}
