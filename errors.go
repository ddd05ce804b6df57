package tillsync

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the tillsync package.
var (
	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrStoreInit is returned when the local store cannot be opened.
	// This is the only fatal failure class: without a store there is
	// no offline catalog at all.
	ErrStoreInit = errors.New("store initialization failed")

	// ErrNilCursor is returned when a delta fetch is attempted without a
	// sync cursor. Callers must use the bulk path first.
	ErrNilCursor = errors.New("delta fetch requires a non-nil cursor")

	// ErrSyncInProgress is returned when a manual sync is requested while
	// another sync cycle holds the in-flight flag.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrUnknownEntity is returned for entity types the store has no table for.
	ErrUnknownEntity = errors.New("unknown entity type")

	// ErrRemoteUnavailable is returned when the remote authority rejects or
	// cannot service a request.
	ErrRemoteUnavailable = errors.New("remote authority unavailable")

	// ErrBackupNotFound is returned when an order backup token is unknown.
	ErrBackupNotFound = errors.New("order backup not found")
)

// StoreErrorType categorizes local store errors.
type StoreErrorType int

const (
	// StoreErrorTypeUnknown is an unclassified store error.
	StoreErrorTypeUnknown StoreErrorType = iota
	// StoreErrorTypeInit indicates the store could not be opened.
	StoreErrorTypeInit
	// StoreErrorTypeRead indicates a read failure.
	StoreErrorTypeRead
	// StoreErrorTypeWrite indicates a write failure.
	StoreErrorTypeWrite
)

// StoreError provides detailed information about local store failures.
type StoreError struct {
	Type    StoreErrorType
	Message string
	Entity  EntityType
	Cause   error
}

func (e *StoreError) Error() string {
	if e.Entity != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Entity, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Entity)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for StoreError.
func (e *StoreError) Is(target error) bool {
	switch e.Type {
	case StoreErrorTypeInit:
		return target == ErrStoreInit
	}
	return false
}

func newStoreError(errType StoreErrorType, message string, entity EntityType, cause error) *StoreError {
	return &StoreError{
		Type:    errType,
		Message: message,
		Entity:  entity,
		Cause:   cause,
	}
}

// SyncErrorKind categorizes remote sync failures.
type SyncErrorKind int

const (
	// SyncErrorUnknown is an unclassified sync error.
	SyncErrorUnknown SyncErrorKind = iota
	// SyncErrorTransient indicates a network or server failure; the cycle
	// is rescheduled at the normal interval.
	SyncErrorTransient
	// SyncErrorStructural indicates the richer endpoint is unavailable and
	// the caller should downgrade to the products-only endpoint for the
	// current cycle.
	SyncErrorStructural
	// SyncErrorRejected indicates the remote authority returned an explicit
	// error payload.
	SyncErrorRejected
)

// SyncError provides detailed information about a failed remote operation.
type SyncError struct {
	Kind      SyncErrorKind
	Procedure string
	Message   string
	Cause     error
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", e.Procedure, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", e.Procedure, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for SyncError.
func (e *SyncError) Is(target error) bool {
	switch e.Kind {
	case SyncErrorTransient, SyncErrorRejected:
		return target == ErrRemoteUnavailable
	}
	return false
}

func newSyncError(kind SyncErrorKind, procedure, message string, cause error) *SyncError {
	return &SyncError{
		Kind:      kind,
		Procedure: procedure,
		Message:   message,
		Cause:     cause,
	}
}
