// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txcodec

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a category of decode error.
type ErrorCode uint8

// These constants are used to identify a specific Error.
const (
	// ErrTruncatedInput indicates the buffer ended before a field could be
	// read in full.  The Field member of the error names the field.
	ErrTruncatedInput ErrorCode = iota

	// ErrInvalidTransaction indicates the bytes were readable but describe
	// a transaction that cannot exist, such as one without inputs or
	// outputs.
	ErrInvalidTransaction

	// ErrNonCanonical indicates a compact size was not encoded with the
	// minimal number of bytes.
	ErrNonCanonical

	// ErrInvalidBlock indicates a block that declares no transactions or
	// whose header cannot be read.
	ErrInvalidBlock
)

var errStrs = [...]string{
	ErrTruncatedInput:     "ErrTruncatedInput",
	ErrInvalidTransaction: "ErrInvalidTransaction",
	ErrNonCanonical:       "ErrNonCanonical",
	ErrInvalidBlock:       "ErrInvalidBlock",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if e < ErrorCode(len(errStrs)) {
		return errStrs[e]
	}
	return fmt.Sprintf("ErrorCode(%d)", e)
}

// Error describes a failure to decode a transaction or block.
type Error struct {
	Code  ErrorCode // Describes the kind of error
	Field string    // Field being read when the error occurred
	Desc  string    // Human readable description of the issue
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Field == "" {
		return e.Code.String() + ": " + e.Desc
	}
	return fmt.Sprintf("%v reading %s: %s", e.Code, e.Field, e.Desc)
}

func codecError(c ErrorCode, field, desc string) Error {
	return Error{Code: c, Field: field, Desc: desc}
}

func truncated(field string, need, have int) Error {
	desc := fmt.Sprintf("need %d bytes, have %d", need, have)
	return codecError(ErrTruncatedInput, field, desc)
}

// IsTruncated returns whether err is an Error with the ErrTruncatedInput code.
func IsTruncated(err error) bool {
	return hasCode(err, ErrTruncatedInput)
}

// IsInvalid returns whether err is an Error describing structurally
// impossible data (invalid transaction, invalid block or a non-canonical
// compact size).
func IsInvalid(err error) bool {
	return hasCode(err, ErrInvalidTransaction) ||
		hasCode(err, ErrInvalidBlock) || hasCode(err, ErrNonCanonical)
}

func hasCode(err error, code ErrorCode) bool {
	var cerr Error
	return errors.As(err, &cerr) && cerr.Code == code
}
