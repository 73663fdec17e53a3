package errors

import (
	"fmt"
	"time"
)

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// RemoteUnavailable is returned when the remote project service or the
// realtime transport can't be reached, or responds with a server error.
// The operation can be retried, and any previously fetched state is still
// valid.
type RemoteUnavailable struct {
	Op  string
	Err error
}

func (err RemoteUnavailable) Error() string {
	if err.Err == nil {
		return fmt.Sprintf("remote unavailable during %s", err.Op)
	}
	return fmt.Sprintf("remote unavailable during %s: %s", err.Op, err.Err)
}

func (err RemoteUnavailable) Unwrap() error {
	return err.Err
}

// StaleVersion is returned when the remote rejects an operation because it
// was computed against an outdated document version. The document must be
// re-fetched before the change is retried.
type StaleVersion struct {
	DocID   string
	Version int
	Reason  string
}

func (err StaleVersion) Error() string {
	msg := fmt.Sprintf("stale version %d for document %s", err.Version, err.DocID)
	if err.Reason != "" {
		msg += ": " + err.Reason
	}
	return msg
}

// NotFound is returned when a path or entity doesn't exist in the registry or
// on the remote.
type NotFound struct {
	Path string
}

func (err NotFound) Error() string {
	return fmt.Sprintf("%q not found", err.Path)
}

// UnsupportedOperation is returned for operations that would have to degrade
// silently to succeed, such as replacing a binary file in place.
type UnsupportedOperation struct {
	Op     string
	Path   string
	Reason string
}

// UnknownIDReason is the Reason of an UnsupportedOperation on an entity that
// the remote listed without an ID.
const UnknownIDReason = "the remote ID is unknown"

func (err UnsupportedOperation) Error() string {
	return fmt.Sprintf("unsupported operation %s on %q: %s", err.Op, err.Path, err.Reason)
}

// Timeout is returned when a handshake or transport round-trip doesn't
// complete in time. The connection it happened on is discarded.
type Timeout struct {
	Op    string
	After time.Duration
}

func (err Timeout) Error() string {
	return fmt.Sprintf("%s timed out after %s", err.Op, err.After)
}

// IsRemoteUnavailable returns whether err was caused by a RemoteUnavailable.
func IsRemoteUnavailable(err error) bool {
	var target RemoteUnavailable
	return As(err, &target)
}

// IsStaleVersion returns whether err was caused by a StaleVersion.
func IsStaleVersion(err error) bool {
	var target StaleVersion
	return As(err, &target)
}

// IsNotFound returns whether err was caused by a NotFound.
func IsNotFound(err error) bool {
	var target NotFound
	return As(err, &target)
}

// IsUnsupportedOperation returns whether err was caused by an
// UnsupportedOperation.
func IsUnsupportedOperation(err error) bool {
	var target UnsupportedOperation
	return As(err, &target)
}

// IsUnknownID returns whether err was caused by an operation on an entity
// whose remote ID is unknown.
func IsUnknownID(err error) bool {
	var target UnsupportedOperation
	return As(err, &target) && target.Reason == UnknownIDReason
}

// IsTimeout returns whether err was caused by a Timeout.
func IsTimeout(err error) bool {
	var target Timeout
	return As(err, &target)
}

// IsRetryable returns whether the operation that produced err can be retried
// as is.
func IsRetryable(err error) bool {
	return IsRemoteUnavailable(err) || IsTimeout(err)
}
