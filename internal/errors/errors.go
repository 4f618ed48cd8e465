/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package errors provides structured error handling for the page cache.

The errors package implements a structured error system with:
  - Error categories (Latch, Lock, Corruption, IO, Usage)
  - Error codes for programmatic handling
  - Contextual detail and operator hints
  - Error wrapping for root cause analysis

Error Categories:
  - LatchError: in-process latch timeouts and misuse
  - LockError: external lock timeouts and deadlocks
  - CorruptionError: checksum, page type and codec failures (never retried)
  - IOError: physical I/O failures and write-back suspension
  - UsageError: invalid arguments and API misuse

Callers distinguish retryable conditions with IsTimeout and IsDeadlock, and
unrecoverable ones with IsCorruption and IsSuspended.
*/
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error identifier.
type ErrorCode int

const (
	// Latch errors (1000-1999)
	ErrCodeLatch         ErrorCode = 1000
	ErrCodeLatchTimeout  ErrorCode = 1001
	ErrCodeNotLatched    ErrorCode = 1002
	ErrCodeLatchConflict ErrorCode = 1003
	ErrCodeNoBuffers     ErrorCode = 1004

	// Lock errors (2000-2999)
	ErrCodeLock        ErrorCode = 2000
	ErrCodeLockTimeout ErrorCode = 2001
	ErrCodeDeadlock    ErrorCode = 2002

	// Corruption errors (3000-3999)
	ErrCodeCorruption       ErrorCode = 3000
	ErrCodeChecksum         ErrorCode = 3001
	ErrCodePageTypeMismatch ErrorCode = 3002
	ErrCodeCodecFailure     ErrorCode = 3003
	ErrCodeWrongKey         ErrorCode = 3004
	ErrCodeInvalidFile      ErrorCode = 3005

	// I/O errors (4000-4999)
	ErrCodeIO                ErrorCode = 4000
	ErrCodeIOFailure         ErrorCode = 4001
	ErrCodeIOSuspended       ErrorCode = 4002
	ErrCodeShadowUnavailable ErrorCode = 4003

	// Usage errors (5000-5999)
	ErrCodeUsage        ErrorCode = 5000
	ErrCodeInvalidValue ErrorCode = 5001
	ErrCodeNotFaked     ErrorCode = 5002
	ErrCodeClosed       ErrorCode = 5003
	ErrCodeNotFound     ErrorCode = 5004
)

// Category represents the error category.
type Category string

const (
	CategoryLatch      Category = "LATCH"
	CategoryLock       Category = "LOCK"
	CategoryCorruption Category = "CORRUPTION"
	CategoryIO         Category = "IO"
	CategoryUsage      Category = "USAGE"
)

// StorageError represents a structured error raised by the storage engine.
type StorageError struct {
	Code     ErrorCode
	Category Category
	Message  string
	Detail   string
	Hint     string
	Cause    error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	msg := fmt.Sprintf("ERROR %d (%s): %s", e.Code, e.Category, e.Message)
	if e.Detail != "" {
		msg += " - " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a StorageError with the same code. This lets
// callers compare against the exported sentinels with errors.Is.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// UserMessage returns an operator-facing error message.
func (e *StorageError) UserMessage() string {
	msg := fmt.Sprintf("ERROR: %s", e.Message)
	if e.Detail != "" {
		msg += fmt.Sprintf(" (%s)", e.Detail)
	}
	if e.Hint != "" {
		msg += fmt.Sprintf("\nHINT: %s", e.Hint)
	}
	return msg
}

// WithDetail adds detail to the error.
func (e *StorageError) WithDetail(detail string) *StorageError {
	e.Detail = detail
	return e
}

// WithHint adds a hint to the error.
func (e *StorageError) WithHint(hint string) *StorageError {
	e.Hint = hint
	return e
}

// WithCause adds a cause to the error.
func (e *StorageError) WithCause(cause error) *StorageError {
	e.Cause = cause
	return e
}

// Sentinels for errors.Is comparisons. Never return these directly; the
// constructors below build fresh values carrying detail.
var (
	ErrLatchTimeout      = &StorageError{Code: ErrCodeLatchTimeout, Category: CategoryLatch}
	ErrNotLatched        = &StorageError{Code: ErrCodeNotLatched, Category: CategoryLatch}
	ErrNoBuffers         = &StorageError{Code: ErrCodeNoBuffers, Category: CategoryLatch}
	ErrLockTimeout       = &StorageError{Code: ErrCodeLockTimeout, Category: CategoryLock}
	ErrDeadlock          = &StorageError{Code: ErrCodeDeadlock, Category: CategoryLock}
	ErrChecksum          = &StorageError{Code: ErrCodeChecksum, Category: CategoryCorruption}
	ErrPageTypeMismatch  = &StorageError{Code: ErrCodePageTypeMismatch, Category: CategoryCorruption}
	ErrCodecFailure      = &StorageError{Code: ErrCodeCodecFailure, Category: CategoryCorruption}
	ErrWrongKey          = &StorageError{Code: ErrCodeWrongKey, Category: CategoryCorruption}
	ErrIOFailure         = &StorageError{Code: ErrCodeIOFailure, Category: CategoryIO}
	ErrIOSuspended       = &StorageError{Code: ErrCodeIOSuspended, Category: CategoryIO}
	ErrShadowUnavailable = &StorageError{Code: ErrCodeShadowUnavailable, Category: CategoryIO}
	ErrNotFaked          = &StorageError{Code: ErrCodeNotFaked, Category: CategoryUsage}
	ErrClosed            = &StorageError{Code: ErrCodeClosed, Category: CategoryUsage}
)

// ============================================================================
// Latch Error Constructors
// ============================================================================

// LatchTimeout creates an error for a latch wait that expired.
func LatchTimeout(page string) *StorageError {
	return &StorageError{
		Code:     ErrCodeLatchTimeout,
		Category: CategoryLatch,
		Message:  "latch wait timed out",
		Detail:   page,
		Hint:     "The page is busy; retry or abandon the operation",
	}
}

// NotLatched creates an error for an operation that requires a latch the
// caller does not hold.
func NotLatched(page, required string) *StorageError {
	return &StorageError{
		Code:     ErrCodeNotLatched,
		Category: CategoryLatch,
		Message:  fmt.Sprintf("page is not latched %s by caller", required),
		Detail:   page,
	}
}

// LatchConflict creates an error for an incompatible latch request.
func LatchConflict(page, detail string) *StorageError {
	return &StorageError{
		Code:     ErrCodeLatchConflict,
		Category: CategoryLatch,
		Message:  "latch request conflicts with held latch",
		Detail:   fmt.Sprintf("%s: %s", page, detail),
	}
}

// NoBuffers creates an error for a fetch that found no reusable buffer.
func NoBuffers(total int) *StorageError {
	return &StorageError{
		Code:     ErrCodeNoBuffers,
		Category: CategoryLatch,
		Message:  "no buffer available for page",
		Detail:   fmt.Sprintf("all %d buffers are latched", total),
		Hint:     "Increase buffers or release pages sooner",
	}
}

// ============================================================================
// Lock Error Constructors
// ============================================================================

// LockTimeout creates an error for an external lock wait that expired.
func LockTimeout(page string) *StorageError {
	return &StorageError{
		Code:     ErrCodeLockTimeout,
		Category: CategoryLock,
		Message:  "page lock wait timed out",
		Detail:   page,
		Hint:     "Unwind all held latches before retrying",
	}
}

// Deadlock creates an error for a detected lock cycle.
func Deadlock(page string) *StorageError {
	return &StorageError{
		Code:     ErrCodeDeadlock,
		Category: CategoryLock,
		Message:  "deadlock detected",
		Detail:   page,
		Hint:     "Unwind all held latches before retrying",
	}
}

// ============================================================================
// Corruption Error Constructors
// ============================================================================

// ChecksumMismatch creates an error for a page whose checksum does not match.
func ChecksumMismatch(page string, want, got uint64) *StorageError {
	return &StorageError{
		Code:     ErrCodeChecksum,
		Category: CategoryCorruption,
		Message:  "page checksum mismatch",
		Detail:   fmt.Sprintf("%s: stored %016x, computed %016x", page, want, got),
	}
}

// PageTypeMismatch creates an error for a page of an unexpected type.
func PageTypeMismatch(page string, want, got byte) *StorageError {
	return &StorageError{
		Code:     ErrCodePageTypeMismatch,
		Category: CategoryCorruption,
		Message:  "page type mismatch",
		Detail:   fmt.Sprintf("%s: expected type %d, found %d", page, want, got),
	}
}

// CodecFailure creates an error for a failed encrypt or decrypt.
func CodecFailure(page, op string, cause error) *StorageError {
	return &StorageError{
		Code:     ErrCodeCodecFailure,
		Category: CategoryCorruption,
		Message:  op + " failed",
		Detail:   page,
		Cause:    cause,
	}
}

// WrongKey creates an error for a store opened with a key that does not
// match the key it was created with.
func WrongKey(path string) *StorageError {
	return &StorageError{
		Code:     ErrCodeWrongKey,
		Category: CategoryCorruption,
		Message:  "encryption key does not match store",
		Detail:   path,
		Hint:     "Check the passphrase used to open the database",
	}
}

// InvalidFile creates an error for a file that is not a page store.
func InvalidFile(path, detail string) *StorageError {
	return &StorageError{
		Code:     ErrCodeInvalidFile,
		Category: CategoryCorruption,
		Message:  "invalid page store file",
		Detail:   fmt.Sprintf("%s: %s", path, detail),
	}
}

// ============================================================================
// I/O Error Constructors
// ============================================================================

// IOFailure creates an error for a failed physical read or write.
func IOFailure(op, page string, cause error) *StorageError {
	return &StorageError{
		Code:     ErrCodeIOFailure,
		Category: CategoryIO,
		Message:  op + " failed",
		Detail:   page,
		Cause:    cause,
	}
}

// IOSuspended creates the error reported while write-back is suspended.
func IOSuspended(cause error) *StorageError {
	return &StorageError{
		Code:     ErrCodeIOSuspended,
		Category: CategoryIO,
		Message:  "write-back suspended after I/O failure",
		Hint:     "Fix the underlying condition (e.g. disk full) and resume I/O",
		Cause:    cause,
	}
}

// ShadowUnavailable creates an error for a rollover with no shadow left.
func ShadowUnavailable() *StorageError {
	return &StorageError{
		Code:     ErrCodeShadowUnavailable,
		Category: CategoryIO,
		Message:  "no shadow store available",
	}
}

// ============================================================================
// Usage Error Constructors
// ============================================================================

// InvalidValue creates an error for invalid values.
func InvalidValue(field, reason string) *StorageError {
	return &StorageError{
		Code:     ErrCodeInvalidValue,
		Category: CategoryUsage,
		Message:  fmt.Sprintf("invalid value for '%s'", field),
		Detail:   reason,
	}
}

// NotFaked creates an error for forgetting a page that was read from disk.
func NotFaked(page string) *StorageError {
	return &StorageError{
		Code:     ErrCodeNotFaked,
		Category: CategoryUsage,
		Message:  "page was not faked",
		Detail:   page,
	}
}

// Closed creates an error for operations on a closed component.
func Closed(component string) *StorageError {
	return &StorageError{
		Code:     ErrCodeClosed,
		Category: CategoryUsage,
		Message:  component + " is closed",
	}
}

// NotFound creates an error for a missing object.
func NotFound(what string) *StorageError {
	return &StorageError{
		Code:     ErrCodeNotFound,
		Category: CategoryUsage,
		Message:  what + " not found",
	}
}

// ============================================================================
// Helper Functions
// ============================================================================

// CodeOf returns the code of the first StorageError in err's chain, or 0.
func CodeOf(err error) ErrorCode {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return 0
}

// CategoryOf returns the category of the first StorageError in err's chain.
func CategoryOf(err error) Category {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Category
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsTimeout reports whether err is a latch or lock timeout.
func IsTimeout(err error) bool {
	code := CodeOf(err)
	return code == ErrCodeLatchTimeout || code == ErrCodeLockTimeout || code == ErrCodeNoBuffers
}

// IsDeadlock reports whether err is a detected deadlock.
func IsDeadlock(err error) bool {
	return CodeOf(err) == ErrCodeDeadlock
}

// IsCorruption reports whether err is a data corruption condition.
func IsCorruption(err error) bool {
	return CategoryOf(err) == CategoryCorruption
}

// IsSuspended reports whether err reports suspended write-back.
func IsSuspended(err error) bool {
	return CodeOf(err) == ErrCodeIOSuspended
}

// IsEscalated reports whether err must unwind the caller's latches before it
// propagates: I/O, codec and validation failures.
func IsEscalated(err error) bool {
	switch CategoryOf(err) {
	case CategoryCorruption, CategoryIO:
		return true
	}
	return false
}

// Wrap wraps an error with a storage error.
func Wrap(err error, code ErrorCode, category Category, message string) *StorageError {
	return &StorageError{
		Code:     code,
		Category: category,
		Message:  message,
		Cause:    err,
	}
}

// FormatError formats an error for operator display.
func FormatError(err error) string {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.UserMessage()
	}
	return fmt.Sprintf("ERROR: %v", err)
}
